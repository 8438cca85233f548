package sim

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/moldmap/internal/geom"
	"github.com/banshee-data/moldmap/internal/timeutil"
	"github.com/banshee-data/moldmap/internal/wire"
)

func startController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	c := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func send(t *testing.T, c *Controller, m wire.Message) {
	t.Helper()
	line, err := wire.Encode(m)
	if err != nil {
		t.Fatalf("encode %T: %v", m, err)
	}
	c.In() <- line
}

func recv(t *testing.T, c *Controller) wire.Message {
	t.Helper()
	select {
	case line, ok := <-c.Out():
		if !ok {
			t.Fatal("controller output closed")
		}
		msg, err := wire.Decode(line)
		if err != nil {
			t.Fatalf("controller emitted undecodable line %q: %v", line, err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for controller output")
		return nil
	}
}

func expectSilence(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case line := <-c.Out():
		t.Fatalf("unexpected emission %q", line)
	case <-time.After(50 * time.Millisecond):
	}
}

func testMap(jobID string, pts ...geom.Point3) wire.Map {
	return wire.Map{
		JobID: jobID,
		Path:  pts,
		Meta:  wire.MapMeta{Units: "mm", Feedrate: 50},
	}
}

func TestOutOfBoundsPathRejected(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	c := startController(t, Config{
		Bounds: geom.Bounds{Min: geom.Pt(0, 0, 0), Max: geom.Pt(100, 100, 100)},
		Clock:  clock,
	})

	send(t, c, testMap("job-1", geom.Pt(0, 0, 0), geom.Pt(150, 0, 0)))

	v, ok := recv(t, c).(wire.Validation)
	if !ok || v.OK {
		t.Fatalf("got %+v, want a validation rejection", v)
	}
	if !strings.Contains(v.Message, "waypoint 1 out of bounds") {
		t.Errorf("message = %q, want it to name waypoint 1", v.Message)
	}

	// No replay may start after a rejection.
	clock.Advance(time.Second)
	expectSilence(t, c)
}

func TestEmptyPathRejected(t *testing.T) {
	c := startController(t, Config{Clock: timeutil.NewMockClock(time.Unix(1000, 0))})

	send(t, c, testMap("job-1"))

	v, ok := recv(t, c).(wire.Validation)
	if !ok || v.OK {
		t.Fatalf("got %+v, want a validation rejection", v)
	}
	if v.Message != "empty path" {
		t.Errorf("message = %q, want %q", v.Message, "empty path")
	}
}

func TestSkipBoundsAcceptsAnyPath(t *testing.T) {
	c := startController(t, Config{
		Bounds:     geom.CubeBounds(1),
		SkipBounds: true,
		Clock:      timeutil.NewMockClock(time.Unix(1000, 0)),
	})

	send(t, c, testMap("job-1", geom.Pt(500, 500, 500)))

	if v, ok := recv(t, c).(wire.Validation); !ok || !v.OK {
		t.Fatalf("got %+v, want validation to pass with bounds checking off", v)
	}
}

func TestReplayEmitsPathInOrder(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	c := startController(t, Config{Rate: 20, ProgressEvery: 2, Clock: clock})

	path := []geom.Point3{
		geom.Pt(0, 0, 0),
		geom.Pt(10, 0, 0),
		geom.Pt(10, 10, 0),
		geom.Pt(0, 10, 0),
		geom.Pt(0, 0, 10),
	}
	send(t, c, testMap("job-1", path...))

	if v, ok := recv(t, c).(wire.Validation); !ok || !v.OK {
		t.Fatalf("got %+v, want validation to pass", v)
	}

	interval := c.cfg.TickInterval()
	for i := range path {
		clock.Advance(interval)

		msg := recv(t, c)
		pos, ok := msg.(wire.Pos)
		if !ok {
			t.Fatalf("tick %d: got %T, want wire.Pos", i, msg)
		}
		if pos.Position != path[i] {
			t.Errorf("tick %d: position %+v, want %+v", i, pos.Position, path[i])
		}
		if pos.T != clock.Now().Unix() {
			t.Errorf("tick %d: t = %d, want %d", i, pos.T, clock.Now().Unix())
		}

		visited := i + 1
		if visited == len(path) || visited%2 == 0 {
			mp := recv(t, c)
			prog, ok := mp.(wire.Progress)
			if !ok {
				t.Fatalf("tick %d: got %T, want wire.Progress", i, mp)
			}
			if prog.Visited != visited || prog.Total != len(path) {
				t.Errorf("tick %d: progress %d/%d, want %d/%d",
					i, prog.Visited, prog.Total, visited, len(path))
			}
		}
	}

	last := recv(t, c)
	comp, ok := last.(wire.Complete)
	if !ok {
		t.Fatalf("got %T, want wire.Complete", last)
	}
	if comp.JobID != "job-1" {
		t.Errorf("complete job id = %q, want job-1", comp.JobID)
	}
	// Five ticks at 20 Hz.
	if comp.DurationS != 0.25 {
		t.Errorf("duration = %v, want 0.25", comp.DurationS)
	}
	expectSilence(t, c)
}

func TestStopHaltsReplayWithinOneTick(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	c := startController(t, Config{Rate: 20, Clock: clock})

	send(t, c, testMap("job-1", geom.Pt(0, 0, 0), geom.Pt(1, 0, 0), geom.Pt(2, 0, 0)))
	if v, ok := recv(t, c).(wire.Validation); !ok || !v.OK {
		t.Fatalf("got %+v, want validation to pass", v)
	}

	clock.Advance(c.cfg.TickInterval())
	if _, ok := recv(t, c).(wire.Pos); !ok {
		t.Fatal("expected the first position before stopping")
	}

	send(t, c, wire.Stop{})
	send(t, c, wire.Status{})
	rep, ok := recv(t, c).(wire.Report)
	if !ok || rep.Running {
		t.Fatalf("got %+v, want a not-running report after STOP", rep)
	}

	for i := 0; i < 3; i++ {
		clock.Advance(c.cfg.TickInterval())
	}
	expectSilence(t, c)
}

func TestMapWhileRunningRejected(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	c := startController(t, Config{Rate: 20, Clock: clock})

	send(t, c, testMap("job-1", geom.Pt(1, 0, 0), geom.Pt(2, 0, 0)))
	if v, ok := recv(t, c).(wire.Validation); !ok || !v.OK {
		t.Fatalf("got %+v, want validation to pass", v)
	}

	send(t, c, testMap("job-2", geom.Pt(3, 0, 0)))
	v, ok := recv(t, c).(wire.Validation)
	if !ok || v.OK {
		t.Fatalf("got %+v, want the second MAP rejected", v)
	}
	if v.Message != "a job is already running" {
		t.Errorf("message = %q, want %q", v.Message, "a job is already running")
	}

	// The original replay keeps going.
	clock.Advance(c.cfg.TickInterval())
	pos, ok := recv(t, c).(wire.Pos)
	if !ok || pos.Position != geom.Pt(1, 0, 0) {
		t.Fatalf("got %+v, want the first job's position", pos)
	}
}

func TestBadInputFaults(t *testing.T) {
	posLine, err := wire.Encode(wire.Pos{Position: geom.Pt(1, 2, 3), T: 5})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	tests := []struct {
		name     string
		line     string
		wantCode string
		contains string
	}{
		{"not json", "{garbage\n", FaultParseError, ""},
		{"unknown command", `{"cmd":"JUMP"}` + "\n", FaultUnknownCmd, ""},
		{"schema violation", `{"cmd":"MAP"}` + "\n", FaultParseError, ""},
		{"reply sent as command", string(posLine), FaultUnknownCmd, "not a command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := startController(t, Config{Clock: timeutil.NewMockClock(time.Unix(1000, 0))})
			c.In() <- []byte(tt.line)

			msg := recv(t, c)
			f, ok := msg.(wire.Fault)
			if !ok {
				t.Fatalf("got %T, want wire.Fault", msg)
			}
			if f.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", f.Code, tt.wantCode)
			}
			if tt.contains != "" && !strings.Contains(f.Message, tt.contains) {
				t.Errorf("message = %q, want it to contain %q", f.Message, tt.contains)
			}
		})
	}
}

func TestStatusReporting(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	c := startController(t, Config{Rate: 20, Clock: clock})

	send(t, c, wire.Status{})
	if rep, ok := recv(t, c).(wire.Report); !ok || rep.Running || rep.JobID != "" {
		t.Fatalf("got %+v, want an idle report", rep)
	}

	send(t, c, testMap("job-7", geom.Pt(1, 1, 1)))
	if v, ok := recv(t, c).(wire.Validation); !ok || !v.OK {
		t.Fatalf("got %+v, want validation to pass", v)
	}
	send(t, c, wire.Status{})
	if rep, ok := recv(t, c).(wire.Report); !ok || !rep.Running || rep.JobID != "job-7" {
		t.Fatalf("got %+v, want a running report for job-7", rep)
	}

	clock.Advance(c.cfg.TickInterval())
	if _, ok := recv(t, c).(wire.Pos); !ok {
		t.Fatal("expected the position")
	}
	if _, ok := recv(t, c).(wire.Progress); !ok {
		t.Fatal("expected the final progress report")
	}
	if _, ok := recv(t, c).(wire.Complete); !ok {
		t.Fatal("expected completion")
	}

	// The last job id stays visible after completion.
	send(t, c, wire.Status{})
	if rep, ok := recv(t, c).(wire.Report); !ok || rep.Running || rep.JobID != "job-7" {
		t.Fatalf("got %+v, want an idle report naming job-7", rep)
	}
}

func TestIdleStopIsSilent(t *testing.T) {
	c := startController(t, Config{Clock: timeutil.NewMockClock(time.Unix(1000, 0))})

	send(t, c, wire.Stop{})
	send(t, c, wire.Status{})

	// The first emission must be the status report: STOP produced nothing.
	if rep, ok := recv(t, c).(wire.Report); !ok || rep.Running {
		t.Fatalf("got %+v, want an idle report as the first emission", rep)
	}
}
