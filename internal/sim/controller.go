// Package sim implements the controller side of the mapping protocol in
// software. It validates a MAP against a reachable envelope and replays
// the path as timed position reports, serving as the development-mode
// device and as the test double for session logic.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/banshee-data/moldmap/internal/geom"
	"github.com/banshee-data/moldmap/internal/monitoring"
	"github.com/banshee-data/moldmap/internal/timeutil"
	"github.com/banshee-data/moldmap/internal/wire"
)

// Fault codes sent on the ERROR message.
const (
	FaultUnknownCmd = "UNKNOWN_CMD"
	FaultParseError = "PARSE_ERROR"
)

const (
	DefaultRate          = 20.0
	MinRate              = 1.0
	MaxRate              = 200.0
	DefaultProgressEvery = 10
	DefaultBoundsHalf    = 100.0

	lineBuffer = 64
)

// Config tunes the simulated controller. The zero value gets a ±100 mm
// cube envelope and a 20 Hz position rate.
type Config struct {
	// Bounds is the reachable envelope. MAP paths leaving it are
	// rejected at validation time.
	Bounds geom.Bounds

	// Rate is the position emission rate in waypoints per second,
	// clamped to [1, 200].
	Rate float64

	// ProgressEvery is the number of positions between PROGRESS
	// reports. A report always accompanies the final position.
	ProgressEvery int

	// SkipBounds accepts any path regardless of the envelope.
	SkipBounds bool

	Clock timeutil.Clock
}

func (c Config) withDefaults() Config {
	if c.Bounds == (geom.Bounds{}) {
		c.Bounds = geom.CubeBounds(DefaultBoundsHalf)
	}
	if c.Rate <= 0 {
		c.Rate = DefaultRate
	}
	if c.Rate < MinRate {
		c.Rate = MinRate
	}
	if c.Rate > MaxRate {
		c.Rate = MaxRate
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = DefaultProgressEvery
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	return c
}

// TickInterval is the pause between position emissions at the
// configured rate.
func (c Config) TickInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.Rate)
}

// Controller consumes command lines on In and emits protocol lines on
// Out. All replay state lives on the Run goroutine; the channels are
// the only way in or out.
type Controller struct {
	cfg   Config
	clock timeutil.Clock
	in    chan []byte
	out   chan []byte

	running   bool
	jobID     string
	path      []geom.Point3
	next      int
	startedAt time.Time
	ticker    timeutil.Ticker
}

// New creates a controller. Run must be started for it to respond.
func New(cfg Config) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		cfg:   cfg,
		clock: cfg.Clock,
		in:    make(chan []byte, lineBuffer),
		out:   make(chan []byte, lineBuffer),
	}
}

// In is the command input. One newline-terminated message per send.
func (c *Controller) In() chan<- []byte { return c.in }

// Out carries the controller's emissions. It is closed when Run
// returns.
func (c *Controller) Out() <-chan []byte { return c.out }

// Run services commands and replay ticks until ctx is cancelled or In
// is closed. A pending STOP is observed at the latest on the next tick.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.out)
	defer c.stopTicker()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-c.in:
			if !ok {
				return
			}
			c.handleCommand(line)
		case <-c.tickerC():
			c.tick()
		}
	}
}

func (c *Controller) tickerC() <-chan time.Time {
	if c.ticker == nil {
		return nil
	}
	return c.ticker.C()
}

func (c *Controller) handleCommand(line []byte) {
	msg, err := wire.Decode(line)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownType) {
			c.fault(FaultUnknownCmd, err.Error())
		} else {
			c.fault(FaultParseError, err.Error())
		}
		return
	}

	switch m := msg.(type) {
	case wire.Map:
		c.handleMap(m)
	case wire.Stop:
		// An idle STOP is acknowledged by silence.
		c.stopReplay()
	case wire.Status:
		c.emit(wire.Report{Running: c.running, JobID: c.jobID})
	default:
		c.fault(FaultUnknownCmd, fmt.Sprintf("not a command: %T", msg))
	}
}

func (c *Controller) handleMap(m wire.Map) {
	if c.running {
		c.emit(wire.Validation{OK: false, Message: "a job is already running"})
		return
	}
	if len(m.Path) == 0 {
		c.emit(wire.Validation{OK: false, Message: "empty path"})
		return
	}
	if !c.cfg.SkipBounds {
		for i, p := range m.Path {
			if !c.cfg.Bounds.Contains(p) {
				c.emit(wire.Validation{OK: false, Message: fmt.Sprintf(
					"waypoint %d out of bounds: (%g, %g, %g) outside %s",
					i, p.X, p.Y, p.Z, c.cfg.Bounds)})
				return
			}
		}
	}

	c.running = true
	c.jobID = m.JobID
	c.path = append([]geom.Point3(nil), m.Path...)
	c.next = 0
	c.startedAt = c.clock.Now()
	c.ticker = c.clock.NewTicker(c.cfg.TickInterval())
	c.emit(wire.Validation{OK: true})
}

// tick emits the next position, a progress report at the configured
// cadence and on the final position, and COMPLETE once the path is
// exhausted.
func (c *Controller) tick() {
	if !c.running || c.next >= len(c.path) {
		return
	}

	p := c.path[c.next]
	c.next++
	c.emit(wire.Pos{Position: p, T: c.clock.Now().Unix()})

	final := c.next == len(c.path)
	if final || c.next%c.cfg.ProgressEvery == 0 {
		c.emit(wire.Progress{Visited: c.next, Total: len(c.path)})
	}
	if final {
		elapsed := c.clock.Since(c.startedAt).Seconds()
		c.emit(wire.Complete{JobID: c.jobID, DurationS: math.Round(elapsed*100) / 100})
		c.stopReplay()
	}
}

// stopReplay halts emission. The last job id is kept for STATUS
// reports.
func (c *Controller) stopReplay() {
	c.running = false
	c.path = nil
	c.next = 0
	c.stopTicker()
}

func (c *Controller) stopTicker() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
}

func (c *Controller) fault(code, msg string) {
	c.emit(wire.Fault{Code: code, Message: msg})
}

func (c *Controller) emit(m wire.Message) {
	line, err := wire.Encode(m)
	if err != nil {
		log.Printf("sim: encode %T: %v", m, err)
		return
	}
	select {
	case c.out <- line:
	default:
		monitoring.Logf("sim: output buffer full, dropping %T", m)
	}
}
