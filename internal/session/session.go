// Package session owns the lifecycle of one mapping run: it transmits
// the planned path to the controller, consumes the controller's line
// protocol, marks waypoints visited and drives the job status. All job
// mutation during a run happens here and nowhere else.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/banshee-data/moldmap/internal/geom"
	"github.com/banshee-data/moldmap/internal/monitoring"
	"github.com/banshee-data/moldmap/internal/planner"
	"github.com/banshee-data/moldmap/internal/timeutil"
	"github.com/banshee-data/moldmap/internal/wire"
)

// Transport moves protocol lines to and from a controller. Lines must
// be delivered in arrival order; the channel closing signals the
// transport is gone.
type Transport interface {
	Send(line []byte) error
	Lines() <-chan []byte
	Close() error
}

// Recorder receives persistence side effects of a running session.
// Implementations must tolerate being called from the session goroutine;
// errors are logged by the session, never fatal to the run.
type Recorder interface {
	SetJobStatus(jobID, status, reason string) error
	MarkVisited(jobID string, seq int) error
}

// State is the session lifecycle state.
type State string

const (
	StateIdle               State = "idle"
	StateAwaitingValidation State = "awaiting_validation"
	StateMapping            State = "mapping"
	StateCompleted          State = "completed"
	StateFailed             State = "failed"
	StateStopped            State = "stopped"
)

// Terminal reports whether the state is final. A terminated session
// never restarts; callers build a new one.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateStopped:
		return true
	}
	return false
}

// Session command errors. These are returned synchronously and leave
// the session untouched.
var (
	ErrNoPlan         = errors.New("job has no plan")
	ErrAlreadyRunning = errors.New("a mapping session is already running")
	ErrNotRunning     = errors.New("no mapping session is running")
	ErrJobMismatch    = errors.New("job id mismatch")
)

// Failure reasons observable in snapshots and events.
const (
	reasonValidationTimeout = "validation timeout"
	reasonTransportLost     = "transport lost"
	reasonOperatorStop      = "operator stop"
)

// Config tunes a session. Zero values fall back to the defaults below.
type Config struct {
	// MatchTolerance is the maximum distance, in mm, between a reported
	// position and a waypoint for the waypoint to count as visited.
	MatchTolerance float64

	// ValidationTimeout bounds the wait for the controller's VALIDATION
	// verdict after a MAP is sent.
	ValidationTimeout time.Duration

	// ProgressSlack is how far the controller's visited count may
	// diverge from ours before a warning is logged.
	ProgressSlack int

	// Units and Feedrate populate the MAP metadata.
	Units    string
	Feedrate float64

	Clock    timeutil.Clock
	Recorder Recorder
	Events   *EventBus
}

const (
	DefaultMatchTolerance    = 1.0
	DefaultValidationTimeout = 5 * time.Second
	DefaultProgressSlack     = 5
	DefaultUnits             = "mm"
	DefaultFeedrate          = 50.0
)

func (c Config) withDefaults() Config {
	if c.MatchTolerance <= 0 {
		c.MatchTolerance = DefaultMatchTolerance
	}
	if c.ValidationTimeout <= 0 {
		c.ValidationTimeout = DefaultValidationTimeout
	}
	if c.ProgressSlack <= 0 {
		c.ProgressSlack = DefaultProgressSlack
	}
	if c.Units == "" {
		c.Units = DefaultUnits
	}
	if c.Feedrate <= 0 {
		c.Feedrate = DefaultFeedrate
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	return c
}

// Snapshot is a point-in-time copy of session state for observers.
type Snapshot struct {
	State        State
	JobID        string
	Reason       string
	Visited      int
	Total        int
	StartedAt    time.Time
	LastPos      geom.Point3
	LastPosAt    time.Time
	HasPos       bool
	Messages     int
	Discarded    int
	DecodeErrors int
	Waypoints    []planner.Waypoint
}

// Session drives one mapping run over a transport. Inbound lines are
// handled one at a time in arrival order by Run; commands (Start,
// Cancel) synchronize with handling through the session lock.
type Session struct {
	tr    Transport
	cfg   Config
	clock timeutil.Clock
	bus   *EventBus

	mu           sync.Mutex
	state        State
	jobID        string
	waypoints    []planner.Waypoint
	visited      int
	reason       string
	startedAt    time.Time
	lastPos      geom.Point3
	lastPosAt    time.Time
	hasPos       bool
	valTimer     timeutil.Timer
	messages     int
	discarded    int
	decodeErrors int

	done chan struct{}
}

// New creates an idle session over tr. Run must be started for the
// session to consume controller messages.
func New(tr Transport, cfg Config) *Session {
	cfg = cfg.withDefaults()
	bus := cfg.Events
	if bus == nil {
		bus = NewEventBus(cfg.Clock)
	}
	return &Session{
		tr:    tr,
		cfg:   cfg,
		clock: cfg.Clock,
		bus:   bus,
		state: StateIdle,
		done:  make(chan struct{}),
	}
}

// Events returns the session's event bus.
func (s *Session) Events() *EventBus {
	return s.bus
}

// Done is closed when Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the observable session state, including
// per-waypoint visited flags.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	wps := make([]planner.Waypoint, len(s.waypoints))
	copy(wps, s.waypoints)
	return Snapshot{
		State:        s.state,
		JobID:        s.jobID,
		Reason:       s.reason,
		Visited:      s.visited,
		Total:        len(s.waypoints),
		StartedAt:    s.startedAt,
		LastPos:      s.lastPos,
		LastPosAt:    s.lastPosAt,
		HasPos:       s.hasPos,
		Messages:     s.messages,
		Discarded:    s.discarded,
		DecodeErrors: s.decodeErrors,
		Waypoints:    wps,
	}
}

// Run consumes transport lines until the context is cancelled or the
// transport closes. Each line is processed fully before the next is
// read. Run keeps draining after the session reaches a terminal state
// so that buffered controller output is discarded in order.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-s.tr.Lines():
			if !ok {
				s.transportLost()
				return
			}
			s.handleLine(line)
		case <-s.timerC():
			s.validationExpired()
		}
	}
}

// Start transmits the plan and moves the session into
// awaiting_validation. It fails without transmitting anything when the
// plan is empty or the session has left idle.
func (s *Session) Start(jobID string, wps []planner.Waypoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(wps) == 0 {
		return ErrNoPlan
	}
	if s.state != StateIdle {
		return ErrAlreadyRunning
	}

	path := make([]geom.Point3, len(wps))
	visited := 0
	for i, wp := range wps {
		path[i] = wp.Pos
		if wp.Visited {
			visited++
		}
	}
	line, err := wire.Encode(wire.Map{
		JobID: jobID,
		Path:  path,
		Meta:  wire.MapMeta{Units: s.cfg.Units, Feedrate: s.cfg.Feedrate},
	})
	if err != nil {
		return err
	}

	s.jobID = jobID
	s.waypoints = make([]planner.Waypoint, len(wps))
	copy(s.waypoints, wps)
	s.visited = visited
	s.startedAt = s.clock.Now()
	s.state = StateAwaitingValidation

	if err := s.tr.Send(line); err != nil {
		log.Printf("session: MAP send failed: %v", err)
		s.terminalLocked(StateFailed, reasonTransportLost)
		return err
	}

	s.valTimer = s.clock.NewTimer(s.cfg.ValidationTimeout)
	s.recordStatusLocked()
	s.publishLocked(EventState)
	return nil
}

// Cancel transmits STOP and moves the session to stopped immediately.
// The controller is not waited on: this side is authoritative. Lines
// that were already in flight are discarded once stopped.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAwaitingValidation && s.state != StateMapping {
		return ErrNotRunning
	}

	line, err := wire.Encode(wire.Stop{})
	if err != nil {
		return err
	}
	if err := s.tr.Send(line); err != nil {
		// Still stop locally; the transport is likely gone anyway.
		log.Printf("session: STOP send failed: %v", err)
	}

	s.terminalLocked(StateStopped, reasonOperatorStop)
	return nil
}

func (s *Session) handleLine(line []byte) {
	msg, err := wire.Decode(line)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages++
	if err != nil {
		s.decodeErrors++
		monitoring.Logf("session: dropping undecodable line: %v", err)
		return
	}

	if s.state == StateIdle || s.state.Terminal() {
		s.discarded++
		monitoring.Logf("session: discarding %T in state %s", msg, s.state)
		return
	}

	switch m := msg.(type) {
	case wire.Validation:
		s.handleValidation(m)
	case wire.Pos:
		s.handlePos(m)
	case wire.Progress:
		s.handleProgress(m)
	case wire.Complete:
		s.handleComplete(m)
	case wire.Report:
		monitoring.Logf("session: controller status: running=%v job=%s", m.Running, m.JobID)
	case wire.Fault:
		log.Printf("session: controller fault %s: %s", m.Code, m.Message)
	default:
		// A command echoed back at us (MAP/STOP/STATUS) is not ours
		// to handle.
		s.discarded++
		monitoring.Logf("session: discarding unexpected %T", msg)
	}
}

func (s *Session) handleValidation(m wire.Validation) {
	if s.state != StateAwaitingValidation {
		s.discarded++
		monitoring.Logf("session: discarding VALIDATION in state %s", s.state)
		return
	}

	s.stopTimerLocked()
	if !m.OK {
		reason := m.Message
		if reason == "" {
			reason = "validation failed"
		}
		s.terminalLocked(StateFailed, reason)
		return
	}

	s.state = StateMapping
	s.recordStatusLocked()
	s.publishLocked(EventState)
}

func (s *Session) handlePos(m wire.Pos) {
	if s.state != StateMapping {
		s.discarded++
		return
	}

	s.lastPos = m.Position
	s.lastPosAt = time.Unix(m.T, 0)
	s.hasPos = true

	idx := planner.NearestUnvisited(s.waypoints, m.Position, s.cfg.MatchTolerance)
	if idx < 0 {
		// Off-path position: recorded for display only.
		return
	}

	s.waypoints[idx].Visited = true
	s.visited++
	if s.cfg.Recorder != nil {
		if err := s.cfg.Recorder.MarkVisited(s.jobID, s.waypoints[idx].Seq); err != nil {
			log.Printf("session: mark visited %d: %v", s.waypoints[idx].Seq, err)
		}
	}
	ev := s.eventLocked(EventWaypoint)
	ev.Waypoint = s.waypoints[idx].Seq
	s.bus.Publish(ev)
}

func (s *Session) handleProgress(m wire.Progress) {
	if s.state != StateMapping {
		s.discarded++
		return
	}

	diff := m.Visited - s.visited
	if diff < 0 {
		diff = -diff
	}
	if diff > s.cfg.ProgressSlack {
		monitoring.Logf("session: progress divergence: controller reports %d/%d, local count %d",
			m.Visited, m.Total, s.visited)
	}

	ev := s.eventLocked(EventProgress)
	ev.Visited = m.Visited
	ev.Total = m.Total
	s.bus.Publish(ev)
}

func (s *Session) handleComplete(m wire.Complete) {
	if s.state != StateMapping {
		s.discarded++
		monitoring.Logf("session: discarding COMPLETE in state %s", s.state)
		return
	}
	if m.JobID != s.jobID {
		log.Printf("session: COMPLETE for job %q while running %q", m.JobID, s.jobID)
		s.terminalLocked(StateFailed, ErrJobMismatch.Error())
		return
	}

	// The controller's word is final on completion even if our local
	// visited count lags its reports.
	log.Printf("session: job %s complete in %.2fs (%d/%d waypoints confirmed locally)",
		s.jobID, m.DurationS, s.visited, len(s.waypoints))
	s.terminalLocked(StateCompleted, "")
}

func (s *Session) validationExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAwaitingValidation {
		return
	}
	s.terminalLocked(StateFailed, reasonValidationTimeout)
}

func (s *Session) transportLost() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAwaitingValidation && s.state != StateMapping {
		return
	}
	s.terminalLocked(StateFailed, reasonTransportLost)
}

// terminalLocked finalizes the session. Callers hold s.mu.
func (s *Session) terminalLocked(state State, reason string) {
	s.stopTimerLocked()
	s.state = state
	s.reason = reason
	s.recordStatusLocked()
	s.publishLocked(EventState)
}

func (s *Session) stopTimerLocked() {
	if s.valTimer != nil {
		s.valTimer.Stop()
		s.valTimer = nil
	}
}

func (s *Session) timerC() <-chan time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.valTimer == nil {
		return nil
	}
	return s.valTimer.C()
}

func (s *Session) eventLocked(t EventType) Event {
	return Event{
		Type:     t,
		JobID:    s.jobID,
		State:    s.state,
		Reason:   s.reason,
		Visited:  s.visited,
		Total:    len(s.waypoints),
		Waypoint: -1,
	}
}

func (s *Session) publishLocked(t EventType) {
	s.bus.Publish(s.eventLocked(t))
}

func (s *Session) recordStatusLocked() {
	if s.cfg.Recorder == nil {
		return
	}
	if err := s.cfg.Recorder.SetJobStatus(s.jobID, statusFor(s.state), s.reason); err != nil {
		log.Printf("session: record job status %s: %v", statusFor(s.state), err)
	}
}

// statusFor maps a session state to the persisted job status word.
func statusFor(state State) string {
	switch state {
	case StateAwaitingValidation:
		return "validating"
	case StateMapping:
		return "mapping"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return string(state)
	}
}
