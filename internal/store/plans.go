package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/banshee-data/moldmap/internal/geom"
	"github.com/banshee-data/moldmap/internal/planner"
)

// SavePlan replaces a job's waypoints with a freshly planned path and
// moves the job to planned. Rejected while a mapping session owns the
// job; re-planning a finished job is allowed and clears old visit
// marks along with the old path.
func (s *Store) SavePlan(jobID string, mode planner.Mode, spacing float64, wps []planner.Waypoint) error {
	tx, err := s.Begin()
	if err != nil {
		return fmt.Errorf("begin plan save: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRow(`SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("read job %s: %w", jobID, err)
	}
	if activeStatus(status) {
		return fmt.Errorf("save plan for job %s: %w", jobID, ErrJobActive)
	}
	if !canTransition(status, StatusPlanned) {
		return fmt.Errorf("job %s: %s -> %s: %w", jobID, status, StatusPlanned, ErrBadTransition)
	}

	if _, err := tx.Exec(`DELETE FROM waypoints WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("clear waypoints: %w", err)
	}

	insert, err := tx.Prepare(`
		INSERT INTO waypoints (job_id, seq, x, y, z, source_vertex, visited)
		VALUES (?, ?, ?, ?, ?, ?, 0)`)
	if err != nil {
		return fmt.Errorf("prepare waypoint insert: %w", err)
	}
	defer insert.Close()
	for _, wp := range wps {
		if _, err := insert.Exec(jobID, wp.Seq, wp.Pos.X, wp.Pos.Y, wp.Pos.Z, wp.SourceVertex); err != nil {
			return fmt.Errorf("insert waypoint %d: %w", wp.Seq, err)
		}
	}

	_, err = tx.Exec(`
		UPDATE jobs SET status = ?, status_reason = '', planner_mode = ?, spacing = ?, updated_at = ?
		WHERE id = ?`,
		StatusPlanned, string(mode), spacing, unixNow(), jobID)
	if err != nil {
		return fmt.Errorf("update job %s after plan: %w", jobID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit plan save: %w", err)
	}
	return nil
}

// LoadPlan returns a job's waypoints in path order, including their
// persisted visited marks.
func (s *Store) LoadPlan(jobID string) ([]planner.Waypoint, error) {
	if _, err := s.GetJob(jobID); err != nil {
		return nil, err
	}

	rows, err := s.Query(`
		SELECT seq, x, y, z, source_vertex, visited
		FROM waypoints WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	defer rows.Close()

	var wps []planner.Waypoint
	for rows.Next() {
		var wp planner.Waypoint
		var x, y, z float64
		var visited int
		if err := rows.Scan(&wp.Seq, &x, &y, &z, &wp.SourceVertex, &visited); err != nil {
			return nil, fmt.Errorf("scan waypoint: %w", err)
		}
		wp.Pos = geom.Pt(x, y, z)
		wp.Visited = visited != 0
		wps = append(wps, wp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	return wps, nil
}

// MarkVisited records that the controller reached a waypoint.
// Idempotent: re-marking keeps the original visit time.
func (s *Store) MarkVisited(jobID string, seq int) error {
	res, err := s.Exec(`
		UPDATE waypoints SET visited = 1, visited_at = COALESCE(visited_at, ?)
		WHERE job_id = ? AND seq = ?`,
		unixNow(), jobID, seq)
	if err != nil {
		return fmt.Errorf("mark waypoint %d visited: %w", seq, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark waypoint %d visited: %w", seq, err)
	}
	if n == 0 {
		return fmt.Errorf("waypoint %d of job %s: %w", seq, jobID, ErrNotFound)
	}
	return nil
}
