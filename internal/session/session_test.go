package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/moldmap/internal/geom"
	"github.com/banshee-data/moldmap/internal/planner"
	"github.com/banshee-data/moldmap/internal/timeutil"
	"github.com/banshee-data/moldmap/internal/wire"
)

// fakeTransport is an in-memory Transport that records outbound lines
// and lets tests feed controller output.
type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	lines  chan []byte
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{lines: make(chan []byte, 64)}
}

func (f *fakeTransport) Send(line []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), line...))
	return nil
}

func (f *fakeTransport) Lines() <-chan []byte { return f.lines }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.lines)
	}
	return nil
}

// push encodes msg and delivers it as a received line.
func (f *fakeTransport) push(t *testing.T, msg wire.Message) {
	t.Helper()
	line, err := wire.Encode(msg)
	if err != nil {
		t.Fatalf("encode %T: %v", msg, err)
	}
	f.lines <- line
}

func (f *fakeTransport) sentLines(t *testing.T) []wire.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := make([]wire.Message, len(f.sent))
	for i, line := range f.sent {
		msg, err := wire.Decode(line)
		if err != nil {
			t.Fatalf("sent line %d does not decode: %v", i, err)
		}
		msgs[i] = msg
	}
	return msgs
}

type fakeRecorder struct {
	mu       sync.Mutex
	statuses []string
	visited  []int
}

func (r *fakeRecorder) SetJobStatus(jobID, status, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *fakeRecorder) MarkVisited(jobID string, seq int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.visited = append(r.visited, seq)
	return nil
}

func trianglePlan() []planner.Waypoint {
	return []planner.Waypoint{
		{Seq: 0, Pos: geom.Pt(0, 0, 0), SourceVertex: 0},
		{Seq: 1, Pos: geom.Pt(10, 0, 0), SourceVertex: 1},
		{Seq: 2, Pos: geom.Pt(0, 10, 0), SourceVertex: 2},
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startSession(t *testing.T, tr Transport, cfg Config) (*Session, context.CancelFunc) {
	t.Helper()
	s := New(tr, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	return s, cancel
}

func TestStartWithNoPlan(t *testing.T) {
	tr := newFakeTransport()
	s, _ := startSession(t, tr, Config{})

	if err := s.Start("job-1", nil); !errors.Is(err, ErrNoPlan) {
		t.Fatalf("got %v, want ErrNoPlan", err)
	}
	if got := len(tr.sentLines(t)); got != 0 {
		t.Errorf("%d lines transmitted, want 0", got)
	}
	if s.State() != StateIdle {
		t.Errorf("state = %s, want idle", s.State())
	}
}

func TestStartTransmitsMap(t *testing.T) {
	tr := newFakeTransport()
	s, _ := startSession(t, tr, Config{Units: "mm", Feedrate: 50})

	if err := s.Start("job-1", trianglePlan()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.State() != StateAwaitingValidation {
		t.Errorf("state = %s, want awaiting_validation", s.State())
	}

	sent := tr.sentLines(t)
	if len(sent) != 1 {
		t.Fatalf("%d lines transmitted, want 1", len(sent))
	}
	m, ok := sent[0].(wire.Map)
	if !ok {
		t.Fatalf("transmitted %T, want wire.Map", sent[0])
	}
	if m.JobID != "job-1" || len(m.Path) != 3 {
		t.Errorf("MAP = %+v, want job-1 with 3 points", m)
	}
	if m.Meta.Units != "mm" || m.Meta.Feedrate != 50 {
		t.Errorf("MAP meta = %+v, want mm at feedrate 50", m.Meta)
	}
}

func TestStartTwice(t *testing.T) {
	tr := newFakeTransport()
	s, _ := startSession(t, tr, Config{})

	if err := s.Start("job-1", trianglePlan()); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	if err := s.Start("job-2", trianglePlan()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start: got %v, want ErrAlreadyRunning", err)
	}
	if got := len(tr.sentLines(t)); got != 1 {
		t.Errorf("%d lines transmitted, want 1", got)
	}
}

func TestValidationMovesToMapping(t *testing.T) {
	tr := newFakeTransport()
	rec := &fakeRecorder{}
	s, _ := startSession(t, tr, Config{Recorder: rec})

	if err := s.Start("job-1", trianglePlan()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	tr.push(t, wire.Validation{OK: true})

	waitFor(t, "mapping state", func() bool { return s.State() == StateMapping })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []string{"validating", "mapping"}
	if len(rec.statuses) != len(want) {
		t.Fatalf("recorded statuses %v, want %v", rec.statuses, want)
	}
	for i := range want {
		if rec.statuses[i] != want[i] {
			t.Errorf("status %d = %q, want %q", i, rec.statuses[i], want[i])
		}
	}
}

func TestValidationErrorFailsSession(t *testing.T) {
	tr := newFakeTransport()
	s, _ := startSession(t, tr, Config{})

	if err := s.Start("job-1", trianglePlan()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	tr.push(t, wire.Validation{OK: false, Message: "waypoint 2 out of bounds"})

	waitFor(t, "failed state", func() bool { return s.State() == StateFailed })

	snap := s.Snapshot()
	if snap.Reason != "waypoint 2 out of bounds" {
		t.Errorf("reason = %q, want the controller's message", snap.Reason)
	}

	// Queued positions after the failure must not touch any waypoint.
	tr.push(t, wire.Pos{Position: geom.Pt(0, 0, 0), T: 1})
	tr.push(t, wire.Pos{Position: geom.Pt(10, 0, 0), T: 2})

	waitFor(t, "messages drained", func() bool { return s.Snapshot().Messages == 3 })

	snap = s.Snapshot()
	if snap.Visited != 0 {
		t.Errorf("visited = %d after failure, want 0", snap.Visited)
	}
	if snap.Discarded != 2 {
		t.Errorf("discarded = %d, want 2", snap.Discarded)
	}
	for _, wp := range snap.Waypoints {
		if wp.Visited {
			t.Errorf("waypoint %d marked visited after failure", wp.Seq)
		}
	}
}

func TestValidationTimeout(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tr := newFakeTransport()
	s, _ := startSession(t, tr, Config{Clock: clock, ValidationTimeout: 5 * time.Second})

	if err := s.Start("job-1", trianglePlan()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	clock.Advance(6 * time.Second)

	waitFor(t, "failed state", func() bool { return s.State() == StateFailed })
	if reason := s.Snapshot().Reason; reason != "validation timeout" {
		t.Errorf("reason = %q, want %q", reason, "validation timeout")
	}
}

func TestValidationArrivesBeforeTimeout(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tr := newFakeTransport()
	s, _ := startSession(t, tr, Config{Clock: clock, ValidationTimeout: 5 * time.Second})

	if err := s.Start("job-1", trianglePlan()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	tr.push(t, wire.Validation{OK: true})
	waitFor(t, "mapping state", func() bool { return s.State() == StateMapping })

	// A later timer expiry must not fail a session that validated.
	clock.Advance(10 * time.Second)
	time.Sleep(10 * time.Millisecond)
	if s.State() != StateMapping {
		t.Errorf("state = %s after stale timeout, want mapping", s.State())
	}
}

func TestPosMarksNearestWaypoint(t *testing.T) {
	tr := newFakeTransport()
	rec := &fakeRecorder{}
	s, _ := startSession(t, tr, Config{Recorder: rec})

	if err := s.Start("job-1", trianglePlan()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	tr.push(t, wire.Validation{OK: true})
	waitFor(t, "mapping state", func() bool { return s.State() == StateMapping })

	// Within tolerance of waypoint 1.
	tr.push(t, wire.Pos{Position: geom.Pt(10.5, 0, 0), T: 100})
	waitFor(t, "waypoint visited", func() bool { return s.Snapshot().Visited == 1 })

	snap := s.Snapshot()
	if !snap.Waypoints[1].Visited {
		t.Error("waypoint 1 should be visited")
	}
	if snap.Waypoints[0].Visited || snap.Waypoints[2].Visited {
		t.Error("only waypoint 1 should be visited")
	}
	if !snap.HasPos || snap.LastPos != geom.Pt(10.5, 0, 0) {
		t.Errorf("last position = %+v, want (10.5,0,0)", snap.LastPos)
	}
	if snap.LastPosAt.Unix() != 100 {
		t.Errorf("last position time = %v, want t=100", snap.LastPosAt)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.visited) != 1 || rec.visited[0] != 1 {
		t.Errorf("recorder saw visits %v, want [1]", rec.visited)
	}
}

func TestPosMarksEachWaypointOnce(t *testing.T) {
	tr := newFakeTransport()
	s, _ := startSession(t, tr, Config{})

	if err := s.Start("job-1", trianglePlan()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	tr.push(t, wire.Validation{OK: true})
	tr.push(t, wire.Pos{Position: geom.Pt(10, 0, 0), T: 1})
	tr.push(t, wire.Pos{Position: geom.Pt(10, 0, 0), T: 2})

	waitFor(t, "messages drained", func() bool { return s.Snapshot().Messages == 3 })

	if got := s.Snapshot().Visited; got != 1 {
		t.Errorf("visited = %d after duplicate POS, want 1", got)
	}
}

func TestPosOutsideToleranceOnlyRecordsDisplay(t *testing.T) {
	tr := newFakeTransport()
	s, _ := startSession(t, tr, Config{})

	if err := s.Start("job-1", trianglePlan()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	tr.push(t, wire.Validation{OK: true})
	tr.push(t, wire.Pos{Position: geom.Pt(5, 5, 5), T: 7})

	waitFor(t, "messages drained", func() bool { return s.Snapshot().Messages == 2 })

	snap := s.Snapshot()
	if snap.Visited != 0 {
		t.Errorf("visited = %d, want 0 for off-path position", snap.Visited)
	}
	if !snap.HasPos || snap.LastPos != geom.Pt(5, 5, 5) {
		t.Errorf("last position = %+v, want the off-path point recorded", snap.LastPos)
	}
}

func TestProgressDivergenceIsNonFatal(t *testing.T) {
	tr := newFakeTransport()
	s, _ := startSession(t, tr, Config{ProgressSlack: 2})

	if err := s.Start("job-1", trianglePlan()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	tr.push(t, wire.Validation{OK: true})
	// Controller claims far more progress than we counted: warn only.
	tr.push(t, wire.Progress{Visited: 3, Total: 3})

	waitFor(t, "messages drained", func() bool { return s.Snapshot().Messages == 2 })

	if s.State() != StateMapping {
		t.Errorf("state = %s after divergent progress, want mapping", s.State())
	}
}

func TestCompleteFinishesSession(t *testing.T) {
	tr := newFakeTransport()
	rec := &fakeRecorder{}
	s, _ := startSession(t, tr, Config{Recorder: rec})

	if err := s.Start("job-1", trianglePlan()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	tr.push(t, wire.Validation{OK: true})
	tr.push(t, wire.Pos{Position: geom.Pt(0, 0, 0), T: 1})
	tr.push(t, wire.Complete{JobID: "job-1", DurationS: 0.15})

	waitFor(t, "completed state", func() bool { return s.State() == StateCompleted })

	rec.mu.Lock()
	last := ""
	if len(rec.statuses) > 0 {
		last = rec.statuses[len(rec.statuses)-1]
	}
	rec.mu.Unlock()
	if last != "completed" {
		t.Errorf("final recorded status = %q, want completed", last)
	}
}

func TestCompleteJobMismatchFails(t *testing.T) {
	tr := newFakeTransport()
	s, _ := startSession(t, tr, Config{})

	if err := s.Start("job-1", trianglePlan()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	tr.push(t, wire.Validation{OK: true})
	tr.push(t, wire.Complete{JobID: "job-9", DurationS: 1})

	waitFor(t, "failed state", func() bool { return s.State() == StateFailed })
	if reason := s.Snapshot().Reason; reason != "job id mismatch" {
		t.Errorf("reason = %q, want %q", reason, "job id mismatch")
	}
}

func TestCancelStopsImmediately(t *testing.T) {
	tr := newFakeTransport()
	s, _ := startSession(t, tr, Config{})

	if err := s.Start("job-1", trianglePlan()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	tr.push(t, wire.Validation{OK: true})
	waitFor(t, "mapping state", func() bool { return s.State() == StateMapping })

	if err := s.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	// Stopped synchronously: no waiting on the controller.
	if s.State() != StateStopped {
		t.Fatalf("state = %s immediately after Cancel, want stopped", s.State())
	}

	sent := tr.sentLines(t)
	if len(sent) != 2 {
		t.Fatalf("%d lines transmitted, want MAP then STOP", len(sent))
	}
	if _, ok := sent[1].(wire.Stop); !ok {
		t.Errorf("second transmitted line is %T, want wire.Stop", sent[1])
	}

	// Controller output that was still in flight is discarded.
	tr.push(t, wire.Pos{Position: geom.Pt(0, 0, 0), T: 1})
	tr.push(t, wire.Pos{Position: geom.Pt(10, 0, 0), T: 2})
	tr.push(t, wire.Pos{Position: geom.Pt(0, 10, 0), T: 3})

	waitFor(t, "messages drained", func() bool { return s.Snapshot().Messages == 4 })

	snap := s.Snapshot()
	if snap.Visited != 0 {
		t.Errorf("visited = %d after stop, want 0", snap.Visited)
	}
	if snap.State != StateStopped {
		t.Errorf("state = %s, want stopped to stick", snap.State)
	}
}

func TestCancelWhenIdle(t *testing.T) {
	tr := newFakeTransport()
	s, _ := startSession(t, tr, Config{})

	if err := s.Cancel(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Cancel on idle session: got %v, want ErrNotRunning", err)
	}
}

func TestTransportLostFailsSession(t *testing.T) {
	tr := newFakeTransport()
	s, _ := startSession(t, tr, Config{})

	if err := s.Start("job-1", trianglePlan()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	tr.push(t, wire.Validation{OK: true})
	waitFor(t, "mapping state", func() bool { return s.State() == StateMapping })

	tr.Close()

	waitFor(t, "failed state", func() bool { return s.State() == StateFailed })
	if reason := s.Snapshot().Reason; reason != "transport lost" {
		t.Errorf("reason = %q, want %q", reason, "transport lost")
	}
}

func TestUndecodableLinesAreCountedNotFatal(t *testing.T) {
	tr := newFakeTransport()
	s, _ := startSession(t, tr, Config{})

	if err := s.Start("job-1", trianglePlan()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	tr.lines <- []byte("{garbage\n")
	tr.lines <- []byte(`{"type":"NOPE"}` + "\n")
	tr.push(t, wire.Validation{OK: true})

	waitFor(t, "mapping state", func() bool { return s.State() == StateMapping })

	snap := s.Snapshot()
	if snap.DecodeErrors != 2 {
		t.Errorf("decode errors = %d, want 2", snap.DecodeErrors)
	}
}

func TestEventsObserveTransitions(t *testing.T) {
	tr := newFakeTransport()
	s, _ := startSession(t, tr, Config{})

	id, ch := s.Events().Subscribe()
	defer s.Events().Unsubscribe(id)

	if err := s.Start("job-1", trianglePlan()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	tr.push(t, wire.Validation{OK: true})
	tr.push(t, wire.Pos{Position: geom.Pt(0, 0, 0), T: 1})
	tr.push(t, wire.Complete{JobID: "job-1", DurationS: 0.1})

	var states []State
	var waypointEvents int
	deadline := time.After(2 * time.Second)
	for {
		var done bool
		select {
		case ev := <-ch:
			switch ev.Type {
			case EventState:
				states = append(states, ev.State)
				done = ev.State.Terminal()
			case EventWaypoint:
				waypointEvents++
				if ev.Waypoint != 0 {
					t.Errorf("waypoint event for seq %d, want 0", ev.Waypoint)
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		}
		if done {
			break
		}
	}

	wantStates := []State{StateAwaitingValidation, StateMapping, StateCompleted}
	if len(states) != len(wantStates) {
		t.Fatalf("state events %v, want %v", states, wantStates)
	}
	for i := range wantStates {
		if states[i] != wantStates[i] {
			t.Errorf("state event %d = %s, want %s", i, states[i], wantStates[i])
		}
	}
	if waypointEvents != 1 {
		t.Errorf("%d waypoint events, want 1", waypointEvents)
	}
}

func TestEventBusReplay(t *testing.T) {
	bus := NewEventBus(timeutil.RealClock{})
	first := bus.Publish(Event{Type: EventState, State: StateAwaitingValidation})
	bus.Publish(Event{Type: EventState, State: StateMapping})

	all := bus.Since(-1)
	if len(all) != 2 {
		t.Fatalf("Since(-1) returned %d events, want 2", len(all))
	}
	later := bus.Since(first.Seq)
	if len(later) != 1 || later[0].State != StateMapping {
		t.Errorf("Since(%d) = %+v, want just the mapping event", first.Seq, later)
	}
}
