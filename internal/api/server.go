// Package api exposes the mapping service over HTTP: job CRUD,
// geometry upload, path planning, session control and a live event
// stream. Handlers speak JSON; the session event stream is SSE.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/moldmap/internal/config"
	"github.com/banshee-data/moldmap/internal/session"
	"github.com/banshee-data/moldmap/internal/store"
	"github.com/banshee-data/moldmap/internal/transport"
	"github.com/banshee-data/moldmap/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	db      *store.Store
	manager *session.Manager
	cfg     *config.RunConfig
	units   string

	// baseCtx bounds mapping sessions started over HTTP. Sessions must
	// outlive the request that started them, so they hang off the
	// daemon's context rather than the request's.
	baseCtx context.Context
}

func NewServer(ctx context.Context, db *store.Store, manager *session.Manager, cfg *config.RunConfig) *Server {
	if cfg == nil {
		cfg = config.EmptyRunConfig()
	}
	return &Server{
		db:      db,
		manager: manager,
		cfg:     cfg,
		units:   cfg.GetUnits(),
		baseCtx: ctx,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400 && statusCode < 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/jobs", s.handleJobsOrCreate)
	mux.HandleFunc("/api/jobs/", s.handleJobByID)
	mux.HandleFunc("/api/session", s.showSession)
	mux.HandleFunc("/api/session/stop", s.stopSession)
	mux.HandleFunc("/api/session/events", s.streamSessionEvents)
	mux.HandleFunc("/api/ports", s.listPorts)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/healthz", s.healthz)
	mux.HandleFunc("/debug/path", s.showPathChart)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, map[string]string{"status": "ok", "version": version.String()})
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	cfg := map[string]interface{}{
		"units":                 s.units,
		"planner_mode":          s.cfg.GetPlannerMode(),
		"spacing_mm":            s.cfg.GetSpacing(),
		"feedrate_mms":          s.cfg.GetFeedrate(),
		"validation_timeout":    s.cfg.GetValidationTimeout().String(),
		"position_tolerance_mm": s.cfg.GetPositionTolerance(),
		"serial_port":           s.cfg.GetSerialPort(),
		"baud_rate":             s.cfg.GetBaudRate(),
	}

	s.writeJSON(w, cfg)
}

func (s *Server) listPorts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	ports, err := transport.ListPorts()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to enumerate serial ports")
		return
	}
	if ports == nil {
		ports = []string{}
	}
	s.writeJSON(w, map[string]interface{}{"ports": ports})
}
