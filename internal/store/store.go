// Package store persists jobs, geometry and planned waypoints in
// SQLite. It is the durable side of a mapping run: the session records
// status changes and waypoint visits here while the in-memory state
// drives the protocol.
package store

import (
	"compress/gzip"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

var (
	// ErrNotFound is returned when a job or waypoint does not exist.
	ErrNotFound = errors.New("not found")

	// ErrJobActive rejects modifications to a job whose mapping
	// session is validating or running.
	ErrJobActive = errors.New("job has an active mapping session")

	// ErrBadTransition rejects a job status change the lifecycle does
	// not allow.
	ErrBadTransition = errors.New("invalid job status transition")
)

// Store wraps the SQLite handle with the job persistence operations.
type Store struct {
	*sql.DB
	path string
}

// Open opens the database at path without touching the schema. Use
// OpenMigrated unless you are driving migrations yourself.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	s := &Store{DB: db, path: path}
	if err := s.applyPragmas(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMigrated opens the database and applies all pending migrations.
func OpenMigrated(path string) (*Store, error) {
	s, err := Open(path)
	if err != nil {
		return nil, err
	}
	fsys, err := Migrations()
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := s.MigrateUp(fsys); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// applyPragmas sets the connection pragmas every database gets: WAL
// journaling, a busy timeout so concurrent writers queue instead of
// failing, relaxed sync and in-memory temp storage.
func (s *Store) applyPragmas() error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	} {
		if _, err := s.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func unixNow() int64 {
	return time.Now().Unix()
}

// AttachAdminRoutes mounts the SQL debugging console and the backup
// endpoint under /debug/. These are for localhost/tailnet access, not
// the public API surface.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://"+s.path, s.DB, &tailsql.DBOptions{
		Label: "Mold Map DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := fmt.Sprintf("moldmap-backup-%d.db", time.Now().Unix())
		if _, err := s.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				log.Printf("failed to remove backup file: %v", err)
			}
		}()

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			log.Printf("failed to stream backup: %v", err)
		}
	}))
}
