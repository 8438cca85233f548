package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/moldmap/internal/api"
	"github.com/banshee-data/moldmap/internal/config"
	"github.com/banshee-data/moldmap/internal/geom"
	"github.com/banshee-data/moldmap/internal/session"
	"github.com/banshee-data/moldmap/internal/sim"
	"github.com/banshee-data/moldmap/internal/store"
	"github.com/banshee-data/moldmap/internal/transport"
	"github.com/banshee-data/moldmap/internal/version"
)

var (
	listen     = flag.String("listen", ":8080", "HTTP listen address")
	dbFile     = flag.String("db", "moldmap.db", "Path to the SQLite database file")
	configPath = flag.String("config", "", "Path to a run config JSON (default: $MOLDMAP_CONFIG, then "+config.DefaultConfigPath+" if present)")
	serialPort = flag.String("serial", "", "Serial device of the mapping controller (overrides config; empty runs the simulator)")
	baudRate   = flag.Int("baud", 0, "Serial baud rate (overrides config)")
	simRate    = flag.Float64("sim-rate", 0, "Simulator position rate in waypoints/sec (overrides config)")
)

// loadConfig resolves the run config from -config, MOLDMAP_CONFIG,
// the default config file, or built-in defaults, then layers the flag
// overrides on top.
func loadConfig() *config.RunConfig {
	cfg := config.EmptyRunConfig()
	path := *configPath
	if path == "" {
		path = os.Getenv("MOLDMAP_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err == nil {
			path = config.DefaultConfigPath
		}
	}
	if path != "" {
		loaded, err := config.LoadRunConfig(path)
		if err != nil {
			log.Fatalf("Failed to load config %s: %v", path, err)
		}
		log.Printf("Loaded run config from %s", path)
		cfg = loaded
	}

	if *serialPort != "" {
		cfg.SerialPort = serialPort
	}
	if *baudRate != 0 {
		cfg.BaudRate = baudRate
	}
	if *simRate != 0 {
		cfg.SimRateHz = simRate
	}
	return cfg
}

// Main
func main() {
	flag.Parse()

	// The migrate subcommand manages the schema and exits without
	// starting the daemon.
	if flag.Arg(0) == "migrate" {
		store.RunMigrateCommand(flag.Args()[1:], *dbFile)
		return
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	log.Printf("moldmapd %s starting", version.String())

	cfg := loadConfig()

	db, err := store.OpenMigrated(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	// Jobs left validating or mapping belong to a session that died
	// with the previous process.
	if n, err := db.ResetActiveJobs("daemon restarted"); err != nil {
		log.Printf("Failed to reset stale jobs: %v", err)
	} else if n > 0 {
		log.Printf("Reset %d stale active job(s) to failed", n)
	}

	// Create a wait group for the HTTP server and serial reader routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var tr session.Transport
	if port := cfg.GetSerialPort(); port != "" {
		serialTr, err := transport.Open(port, transport.PortOptions{BaudRate: cfg.GetBaudRate()})
		if err != nil {
			log.Fatalf("Failed to open serial port: %v", err)
		}
		log.Printf("Connected to controller on %s at %d baud", port, cfg.GetBaudRate())

		// run the reader routine to manage IO on the serial port
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := serialTr.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("Serial reader error: %v", err)
			}
			log.Print("serial reader routine terminated")
		}()
		tr = serialTr
	} else {
		log.Printf("No serial port configured; running the simulated controller")
		tr = sim.NewTransport(sim.Config{
			Bounds:        geom.CubeBounds(cfg.GetSimBounds()),
			Rate:          cfg.GetSimRate(),
			ProgressEvery: cfg.GetSimProgressEvery(),
		})
	}
	defer tr.Close()

	manager := session.NewManager(tr, session.Config{
		MatchTolerance:    cfg.GetPositionTolerance(),
		ValidationTimeout: cfg.GetValidationTimeout(),
		ProgressSlack:     cfg.GetProgressSlack(),
		Units:             cfg.GetUnits(),
		Feedrate:          cfg.GetFeedrate(),
		Recorder:          db,
	})
	defer manager.Close()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		// create a new API server instance using the session manager
		// and database and mount the API handlers
		mux := api.NewServer(ctx, db, manager, cfg).ServeMux()

		// mount the admin debugging routes (accessible only in dev
		// mode or over Tailscale)
		db.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("Starting HTTP server on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		// Create a shutdown context with a timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
