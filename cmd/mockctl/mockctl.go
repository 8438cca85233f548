// mockctl runs the simulated mapping controller over stdin/stdout,
// speaking the newline-delimited JSON device protocol. Point the
// daemon at it through a pty to exercise the host side without
// hardware:
//
//	socat -d pty,raw,echo=0,link=/tmp/moldmap-ctl exec:'mockctl'
//	moldmapd -serial /tmp/moldmap-ctl
//
// It also makes a serviceable interactive console: paste a MAP or
// STATUS command and watch the replies.
package main

import (
	"bufio"
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/moldmap/internal/geom"
	"github.com/banshee-data/moldmap/internal/sim"
)

var (
	rate          = flag.Float64("rate", sim.DefaultRate, "Position emission rate in waypoints per second")
	progressEvery = flag.Int("progress-every", sim.DefaultProgressEvery, "Positions between PROGRESS reports")
	boundsHalf    = flag.Float64("bounds", sim.DefaultBoundsHalf, "Half-extent of the reachable cube envelope in mm")
	noBounds      = flag.Bool("no-bounds", false, "Accept any path regardless of the envelope")
)

func main() {
	flag.Parse()

	// stdout carries the protocol; all logging goes to stderr.
	log.SetOutput(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl := sim.New(sim.Config{
		Bounds:        geom.CubeBounds(*boundsHalf),
		Rate:          *rate,
		ProgressEvery: *progressEvery,
		SkipBounds:    *noBounds,
	})

	// Feed stdin lines to the controller. EOF means the host hung up.
	go func() {
		scan := bufio.NewScanner(os.Stdin)
		for scan.Scan() {
			line := append([]byte(nil), scan.Bytes()...)
			select {
			case ctrl.In() <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			log.Printf("stdin read error: %v", err)
		}
		stop()
	}()

	go ctrl.Run(ctx)

	if *noBounds {
		log.Printf("Mock controller ready: rate=%g wp/s, bounds disabled", *rate)
	} else {
		log.Printf("Mock controller ready: rate=%g wp/s, envelope ±%gmm", *rate, *boundsHalf)
	}

	// Out closes when Run returns, on signal or stdin EOF.
	for line := range ctrl.Out() {
		if _, err := os.Stdout.Write(line); err != nil {
			log.Fatalf("stdout write failed: %v", err)
		}
	}
	log.Printf("Mock controller stopped")
}
