package session

import (
	"context"
	"sync"

	"github.com/banshee-data/moldmap/internal/planner"
)

// Manager serializes sessions over a single transport: at most one
// session is live at a time, and a finished session's Run loop is torn
// down before its successor attaches to the transport. All sessions
// share one event bus so observers keep a continuous sequence.
type Manager struct {
	tr  Transport
	cfg Config
	bus *EventBus

	mu     sync.Mutex
	cur    *Session
	cancel context.CancelFunc
}

// NewManager creates a manager for tr. The config's Events bus is
// created here when unset and reused for every session.
func NewManager(tr Transport, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	if cfg.Events == nil {
		cfg.Events = NewEventBus(cfg.Clock)
	}
	return &Manager{tr: tr, cfg: cfg, bus: cfg.Events}
}

// Events returns the bus shared by all sessions under this manager.
func (m *Manager) Events() *EventBus {
	return m.bus
}

// Current returns the most recent session, which may be terminal, or
// nil before the first start.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Start builds a fresh session and begins mapping jobID over the given
// plan. It fails fast with ErrNoPlan or ErrAlreadyRunning; a previous
// terminal session is reaped first.
func (m *Manager) Start(ctx context.Context, jobID string, wps []planner.Waypoint) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(wps) == 0 {
		return nil, ErrNoPlan
	}
	if m.cur != nil {
		if !m.cur.State().Terminal() {
			return nil, ErrAlreadyRunning
		}
		// The old Run loop must release the transport's line channel
		// before a new session may consume it.
		m.cancel()
		<-m.cur.Done()
		m.cur = nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := New(m.tr, m.cfg)
	go s.Run(runCtx)

	if err := s.Start(jobID, wps); err != nil {
		cancel()
		<-s.Done()
		return nil, err
	}

	m.cur = s
	m.cancel = cancel
	return s, nil
}

// Stop cancels the live session, if any.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur == nil || m.cur.State().Terminal() {
		return ErrNotRunning
	}
	return m.cur.Cancel()
}

// Close reaps the current session's Run loop. The transport itself is
// the caller's to close.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		<-m.cur.Done()
		m.cur = nil
		m.cancel = nil
	}
}
