package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/banshee-data/moldmap/internal/geom"
	"github.com/banshee-data/moldmap/internal/planner"
	"github.com/banshee-data/moldmap/internal/session"
	"github.com/banshee-data/moldmap/internal/store"
	"github.com/banshee-data/moldmap/internal/units"
)

// handleJobsOrCreate handles GET and POST to /api/jobs
func (s *Server) handleJobsOrCreate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
		s.handleListJobs(w, r)
	case http.MethodPost:
		s.handleCreateJob(w, r)
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.db.ListJobs()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list jobs: %v", err))
		return
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	s.writeJSON(w, jobs)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing job name")
		return
	}

	job, err := s.db.CreateJob(req.Name)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to create job: %v", err))
		return
	}
	w.WriteHeader(http.StatusCreated)
	s.writeJSON(w, job)
}

// handleJobByID routes /api/jobs/:id and its sub-resources.
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing job ID")
		return
	}
	jobID := pathParts[0]

	if len(pathParts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleGetJob(w, r, jobID)
		case http.MethodDelete:
			s.handleDeleteJob(w, r, jobID)
		default:
			s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	switch pathParts[1] {
	case "geometry":
		s.handleJobGeometry(w, r, jobID)
	case "plan":
		s.handlePlanJob(w, r, jobID)
	case "waypoints":
		s.handleJobWaypoints(w, r, jobID)
	case "start":
		s.handleStartJob(w, r, jobID)
	case "export":
		s.handleExportJob(w, r, jobID)
	default:
		s.writeJSONError(w, http.StatusNotFound, "Unknown job resource")
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.db.GetJob(jobID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get job: %v", err))
		return
	}
	s.writeJSON(w, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request, jobID string) {
	err := s.db.DeleteJob(jobID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeJSONError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, store.ErrJobActive):
		s.writeJSONError(w, http.StatusConflict, "Job has an active mapping session")
	case err != nil:
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to delete job: %v", err))
	default:
		s.writeJSON(w, map[string]string{"status": "deleted", "id": jobID})
	}
}

// handleJobGeometry handles GET and PUT/POST on /api/jobs/:id/geometry.
// Upload either a geometry document body, or pass ?sample=cube&size=N
// to generate a test cube.
func (s *Server) handleJobGeometry(w http.ResponseWriter, r *http.Request, jobID string) {
	switch r.Method {
	case http.MethodGet:
		g, err := s.db.LoadGeometry(jobID)
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, "Job not found")
			return
		}
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load geometry: %v", err))
			return
		}
		s.writeJSON(w, g)

	case http.MethodPut, http.MethodPost:
		var g *geom.Geometry
		if r.URL.Query().Get("sample") == "cube" {
			size := 100.0
			if raw := r.URL.Query().Get("size"); raw != "" {
				parsed, err := strconv.ParseFloat(raw, 64)
				if err != nil || parsed <= 0 {
					s.writeJSONError(w, http.StatusBadRequest, "Invalid 'size' parameter")
					return
				}
				size = parsed
			}
			g = geom.SampleCube(size)
		} else {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 8<<20))
			if err != nil {
				s.writeJSONError(w, http.StatusBadRequest, "Failed to read request body")
				return
			}
			g, err = geom.Parse(body)
			if err != nil {
				s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid geometry: %v", err))
				return
			}
		}

		err := s.db.SaveGeometry(jobID, g)
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.writeJSONError(w, http.StatusNotFound, "Job not found")
			return
		case errors.Is(err, store.ErrJobActive):
			s.writeJSONError(w, http.StatusConflict, "Job has an active mapping session")
			return
		case err != nil:
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to save geometry: %v", err))
			return
		}

		job, err := s.db.GetJob(jobID)
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to reload job: %v", err))
			return
		}
		s.writeJSON(w, map[string]interface{}{
			"job":      job,
			"vertices": len(g.Vertices),
			"edges":    len(g.Edges),
		})

	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handlePlanJob handles POST /api/jobs/:id/plan. The body may override
// the configured planner mode and parameters:
//
//	{"mode":"edge_sample","spacing_mm":5,"start_index":0}
func (s *Server) handlePlanJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	mode := s.cfg.GetPlannerMode()
	spacing := s.cfg.GetSpacing()
	startIndex := 0

	if r.ContentLength != 0 {
		var req struct {
			Mode       string   `json:"mode"`
			SpacingMM  *float64 `json:"spacing_mm"`
			StartIndex *int     `json:"start_index"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if req.Mode != "" {
			mode = planner.Mode(req.Mode)
		}
		if req.SpacingMM != nil {
			spacing = *req.SpacingMM
		}
		if req.StartIndex != nil {
			startIndex = *req.StartIndex
		}
	}

	g, err := s.db.LoadGeometry(jobID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load geometry: %v", err))
		return
	}
	if len(g.Vertices) == 0 {
		s.writeJSONError(w, http.StatusBadRequest, "Job has no geometry")
		return
	}

	result, err := planner.Plan(g, planner.Config{
		Mode:       mode,
		Spacing:    spacing,
		StartIndex: startIndex,
	})
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Planning failed: %v", err))
		return
	}

	err = s.db.SavePlan(jobID, mode, spacing, result.Waypoints)
	switch {
	case errors.Is(err, store.ErrJobActive):
		s.writeJSONError(w, http.StatusConflict, "Job has an active mapping session")
		return
	case errors.Is(err, store.ErrBadTransition):
		s.writeJSONError(w, http.StatusConflict, fmt.Sprintf("Cannot re-plan: %v", err))
		return
	case err != nil:
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to save plan: %v", err))
		return
	}

	s.writeJSON(w, map[string]interface{}{
		"job_id":            jobID,
		"mode":              result.Mode,
		"spacing_mm":        spacing,
		"waypoints":         len(result.Waypoints),
		"total_distance_mm": result.TotalDistance,
	})
}

type waypointAPI struct {
	Seq          int        `json:"seq"`
	Pos          [3]float64 `json:"pos"`
	SourceVertex int        `json:"source_vertex"`
	Visited      bool       `json:"visited"`
}

// handleJobWaypoints handles GET /api/jobs/:id/waypoints. Positions
// are stored in mm; pass ?units= to convert for display.
func (s *Server) handleJobWaypoints(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	target := s.units
	if u := r.URL.Query().Get("units"); u != "" {
		if !units.IsValid(u) {
			s.writeJSONError(w, http.StatusBadRequest,
				fmt.Sprintf("Invalid units %q, must be one of: %s", u, units.GetValidUnitsString()))
			return
		}
		target = u
	}

	wps, err := s.db.LoadPlan(jobID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load plan: %v", err))
		return
	}

	apiWps := make([]waypointAPI, len(wps))
	for i, wp := range wps {
		apiWps[i] = waypointAPI{
			Seq: wp.Seq,
			Pos: [3]float64{
				units.ConvertLength(wp.Pos.X, target),
				units.ConvertLength(wp.Pos.Y, target),
				units.ConvertLength(wp.Pos.Z, target),
			},
			SourceVertex: wp.SourceVertex,
			Visited:      wp.Visited,
		}
	}

	s.writeJSON(w, map[string]interface{}{
		"job_id":    jobID,
		"units":     target,
		"count":     len(apiWps),
		"waypoints": apiWps,
	})
}

// handleStartJob handles POST /api/jobs/:id/start: it hands the job's
// plan to the session manager, which drives the controller.
func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if _, err := s.db.GetJob(jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, "Job not found")
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get job: %v", err))
		return
	}

	wps, err := s.db.LoadPlan(jobID)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load plan: %v", err))
		return
	}
	if len(wps) == 0 {
		s.writeJSONError(w, http.StatusConflict, "Job has no plan")
		return
	}

	sess, err := s.manager.Start(s.baseCtx, jobID, wps)
	switch {
	case errors.Is(err, session.ErrAlreadyRunning):
		s.writeJSONError(w, http.StatusConflict, "A mapping session is already running")
		return
	case errors.Is(err, session.ErrNoPlan):
		s.writeJSONError(w, http.StatusConflict, "Job has no plan")
		return
	case err != nil:
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to start session: %v", err))
		return
	}

	s.writeJSON(w, sessionJSON(sess.Snapshot()))
}

// handleExportJob writes a job bundle server-side and reports where it
// landed. The optional "file" query parameter names the file; the
// resulting path always stays under the export directory.
func (s *Server) handleExportJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	name := r.URL.Query().Get("file")
	if name == "" && r.ContentLength != 0 {
		var req struct {
			File string `json:"file"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		name = req.File
	}

	path, err := s.db.ExportJob(jobID, name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeJSONError(w, http.StatusNotFound, "Job not found")
		return
	case errors.Is(err, store.ErrBadExportName):
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to export job: %v", err))
		return
	}

	s.writeJSON(w, map[string]string{"job_id": jobID, "file": path})
}
