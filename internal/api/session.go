package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/moldmap/internal/session"
)

// sessionJSON flattens a snapshot into the wire shape shared by the
// session endpoints.
func sessionJSON(snap session.Snapshot) map[string]interface{} {
	out := map[string]interface{}{
		"state":         string(snap.State),
		"visited":       snap.Visited,
		"total":         snap.Total,
		"messages":      snap.Messages,
		"discarded":     snap.Discarded,
		"decode_errors": snap.DecodeErrors,
	}
	if snap.JobID != "" {
		out["job_id"] = snap.JobID
	}
	if snap.Reason != "" {
		out["reason"] = snap.Reason
	}
	if !snap.StartedAt.IsZero() {
		out["started_at"] = snap.StartedAt.UTC().Format(time.RFC3339)
	}
	if snap.HasPos {
		out["last_pos"] = [3]float64{snap.LastPos.X, snap.LastPos.Y, snap.LastPos.Z}
		out["last_pos_at"] = snap.LastPosAt.UTC().Format(time.RFC3339)
	}
	return out
}

// showSession handles GET /api/session. Before any job has started the
// session reports idle.
func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	cur := s.manager.Current()
	if cur == nil {
		s.writeJSON(w, sessionJSON(session.Snapshot{State: session.StateIdle}))
		return
	}
	s.writeJSON(w, sessionJSON(cur.Snapshot()))
}

// stopSession handles POST /api/session/stop.
func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	err := s.manager.Stop()
	if errors.Is(err, session.ErrNotRunning) {
		s.writeJSONError(w, http.StatusConflict, "No mapping session is running")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to stop session: %v", err))
		return
	}
	s.writeJSON(w, sessionJSON(s.manager.Current().Snapshot()))
}

// streamSessionEvents handles GET /api/session/events as an SSE
// stream. Buffered events with Seq > ?since are replayed first, then
// live events follow until the client goes away.
func (s *Server) streamSessionEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	since := -1
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "Invalid 'since' parameter", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	bus := s.manager.Events()
	id, c := bus.Subscribe()
	defer bus.Unsubscribe(id)

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	writeEvent := func(ev session.Event) bool {
		payload, err := json.Marshal(ev)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// Replay the backlog, then follow the live channel, skipping any
	// overlap between the two.
	last := since
	for _, ev := range bus.Since(since) {
		if !writeEvent(ev) {
			return
		}
		last = ev.Seq
	}

	for {
		select {
		case ev, ok := <-c:
			if !ok {
				return
			}
			if ev.Seq <= last {
				continue
			}
			if !writeEvent(ev) {
				return
			}
			last = ev.Seq
		case <-r.Context().Done():
			return
		}
	}
}
