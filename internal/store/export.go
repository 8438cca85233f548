package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/banshee-data/moldmap/internal/geom"
	"github.com/banshee-data/moldmap/internal/security"
)

// ErrBadExportName reports a filename that cannot be anchored inside
// the export directory.
var ErrBadExportName = errors.New("invalid export filename")

// exportDir is where job bundles land. Exports always write under the
// temp directory; the filename is the only part a caller controls.
var exportDir = func() string {
	tmp := os.TempDir()
	abs, err := filepath.Abs(tmp)
	if err != nil {
		log.Printf("Export dir: cannot resolve %s, using as-is: %v", tmp, err)
		return tmp
	}
	return filepath.Clean(abs)
}()

// JobBundle is the document written by ExportJob: the job row, its
// geometry in document form, and the planned path with visit marks.
type JobBundle struct {
	Job       *Job             `json:"job"`
	Geometry  *geom.Geometry   `json:"geometry"`
	Waypoints []BundleWaypoint `json:"waypoints"`
}

// BundleWaypoint mirrors planner.Waypoint with a stable JSON shape.
type BundleWaypoint struct {
	Seq          int        `json:"seq"`
	Pos          [3]float64 `json:"pos"`
	SourceVertex int        `json:"source_vertex"`
	Visited      bool       `json:"visited"`
}

// safeExportPath turns a caller-supplied name into a path inside
// exportDir, rejecting anything that resolves elsewhere.
func safeExportPath(name string) (string, error) {
	base := security.SanitizeFilename(filepath.Base(name))
	if filepath.Ext(base) != ".json" {
		base += ".json"
	}

	path, err := filepath.Abs(filepath.Join(exportDir, base))
	if err != nil {
		return "", fmt.Errorf("resolve export path: %w", err)
	}
	path = filepath.Clean(path)

	if err := security.ValidatePathWithinDirectory(path, exportDir); err != nil {
		log.Printf("Security: rejected export path %q (from %q): %v", path, name, err)
		return "", fmt.Errorf("%w: %q", ErrBadExportName, name)
	}
	if err := security.ValidateExportPath(path); err != nil {
		log.Printf("Security: rejected export path %q (from %q): %v", path, name, err)
		return "", fmt.Errorf("%w: %q", ErrBadExportName, name)
	}
	return path, nil
}

// ExportJob writes a job's bundle as indented JSON under the export
// directory and returns the path written. An empty name defaults to
// the sanitized job name.
func (s *Store) ExportJob(jobID, name string) (string, error) {
	job, err := s.GetJob(jobID)
	if err != nil {
		return "", err
	}
	g, err := s.LoadGeometry(jobID)
	if err != nil {
		return "", err
	}
	wps, err := s.LoadPlan(jobID)
	if err != nil {
		return "", err
	}

	if name == "" {
		name = job.Name
	}
	path, err := safeExportPath(name)
	if err != nil {
		return "", err
	}

	bundle := JobBundle{
		Job:       job,
		Geometry:  g,
		Waypoints: make([]BundleWaypoint, len(wps)),
	}
	for i, wp := range wps {
		bundle.Waypoints[i] = BundleWaypoint{
			Seq:          wp.Seq,
			Pos:          [3]float64{wp.Pos.X, wp.Pos.Y, wp.Pos.Z},
			SourceVertex: wp.SourceVertex,
			Visited:      wp.Visited,
		}
	}

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode job bundle: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	log.Printf("Exported job %s (%d waypoints) to %s", jobID, len(wps), path)
	return path, nil
}
