package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Job statuses. A job moves created -> planned -> validating ->
// mapping -> completed, with failed and stopped as the terminal
// detours. Re-planning or re-running a finished job loops it back
// through planned or validating.
const (
	StatusCreated    = "created"
	StatusPlanned    = "planned"
	StatusValidating = "validating"
	StatusMapping    = "mapping"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusStopped    = "stopped"
)

// validFrom lists, per target status, the statuses a job may come
// from. Same-status updates are always allowed so reason refreshes
// are idempotent.
var validFrom = map[string][]string{
	StatusPlanned:    {StatusCreated, StatusCompleted, StatusFailed, StatusStopped},
	StatusValidating: {StatusPlanned, StatusCompleted, StatusFailed, StatusStopped},
	StatusMapping:    {StatusValidating},
	StatusCompleted:  {StatusMapping},
	StatusFailed:     {StatusValidating, StatusMapping},
	StatusStopped:    {StatusValidating, StatusMapping},
}

func canTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, allowed := range validFrom[to] {
		if from == allowed {
			return true
		}
	}
	return false
}

// activeStatus reports whether a job in this status has a mapping
// session that owns it.
func activeStatus(status string) bool {
	return status == StatusValidating || status == StatusMapping
}

// Job is one mold-mapping job: a named geometry upload, its planned
// path and the lifecycle status of its mapping run.
type Job struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Status       string  `json:"status"`
	StatusReason string  `json:"status_reason,omitempty"`
	PlannerMode  string  `json:"planner_mode,omitempty"`
	Spacing      float64 `json:"spacing,omitempty"`
	Units        string  `json:"units"`
	CreatedAt    int64   `json:"created_at"`
	UpdatedAt    int64   `json:"updated_at"`
}

const jobColumns = `id, name, status, COALESCE(status_reason, ''),
	COALESCE(planner_mode, ''), COALESCE(spacing, 0), units, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.Name, &j.Status, &j.StatusReason,
		&j.PlannerMode, &j.Spacing, &j.Units, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateJob inserts a new job in the created status.
func (s *Store) CreateJob(name string) (*Job, error) {
	now := unixNow()
	j := &Job{
		ID:        uuid.New().String(),
		Name:      name,
		Status:    StatusCreated,
		Units:     "mm",
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.Exec(`
		INSERT INTO jobs (id, name, status, status_reason, planner_mode, spacing, units, created_at, updated_at)
		VALUES (?, ?, ?, '', '', 0, ?, ?, ?)`,
		j.ID, j.Name, j.Status, j.Units, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return j, nil
}

// GetJob fetches one job by id.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// ListJobs returns jobs newest first, capped at 100.
func (s *Store) ListJobs() ([]*Job, error) {
	rows, err := s.Query(`SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC, id LIMIT 100`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// DeleteJob removes a job and everything hanging off it. Jobs with an
// active mapping session cannot be deleted.
func (s *Store) DeleteJob(id string) error {
	tx, err := s.Begin()
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRow(`SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if activeStatus(status) {
		return fmt.Errorf("delete job %s: %w", id, ErrJobActive)
	}

	for _, table := range []string{"waypoints", "job_edges", "job_vertices"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE job_id = ?`, id); err != nil {
			return fmt.Errorf("delete job %s from %s: %w", id, table, err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// SetJobStatus moves a job through its lifecycle, recording why. The
// reason is cleared on transitions that don't supply one.
func (s *Store) SetJobStatus(id, status, reason string) error {
	if _, known := validFrom[status]; !known && status != StatusCreated {
		return fmt.Errorf("set status %q: %w", status, ErrBadTransition)
	}

	tx, err := s.Begin()
	if err != nil {
		return fmt.Errorf("begin status update: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read job %s status: %w", id, err)
	}
	if !canTransition(current, status) {
		return fmt.Errorf("job %s: %s -> %s: %w", id, current, status, ErrBadTransition)
	}

	_, err = tx.Exec(`UPDATE jobs SET status = ?, status_reason = ?, updated_at = ? WHERE id = ?`,
		status, reason, unixNow(), id)
	if err != nil {
		return fmt.Errorf("update job %s status: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status update: %w", err)
	}
	return nil
}

// ResetActiveJobs fails every job left in validating or mapping.
// Sessions never survive a process restart, so an active status found
// at startup is stale. Returns the number of jobs reset.
func (s *Store) ResetActiveJobs(reason string) (int, error) {
	res, err := s.Exec(`UPDATE jobs SET status = ?, status_reason = ?, updated_at = ?
		WHERE status IN (?, ?)`,
		StatusFailed, reason, unixNow(), StatusValidating, StatusMapping)
	if err != nil {
		return 0, fmt.Errorf("reset active jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset active jobs: %w", err)
	}
	return int(n), nil
}
