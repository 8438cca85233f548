package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/banshee-data/moldmap/internal/geom"
)

// SaveGeometry replaces a job's geometry. Any previously planned
// waypoints are dropped and the job resets to created, since a plan
// for the old geometry is meaningless. Rejected while a mapping
// session owns the job.
func (s *Store) SaveGeometry(jobID string, g *geom.Geometry) error {
	tx, err := s.Begin()
	if err != nil {
		return fmt.Errorf("begin geometry save: %w", err)
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
		return fmt.Errorf("save geometry for job %s: %w", jobID, ErrJobActive)
	}

	for _, table := range []string{"waypoints", "job_edges", "job_vertices"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE job_id = ?`, jobID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	insertVertex, err := tx.Prepare(`INSERT INTO job_vertices (job_id, idx, x, y, z) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare vertex insert: %w", err)
	}
	defer insertVertex.Close()
	for _, v := range g.Vertices {
		if _, err := insertVertex.Exec(jobID, v.Index, v.Pos.X, v.Pos.Y, v.Pos.Z); err != nil {
			return fmt.Errorf("insert vertex %d: %w", v.Index, err)
		}
	}

	insertEdge, err := tx.Prepare(`INSERT INTO job_edges (job_id, a, b) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare edge insert: %w", err)
	}
	defer insertEdge.Close()
	for _, e := range g.Edges {
		if _, err := insertEdge.Exec(jobID, e.A, e.B); err != nil {
			return fmt.Errorf("insert edge (%d,%d): %w", e.A, e.B, err)
		}
	}

	units := g.Units
	if units == "" {
		units = "mm"
	}
	if g.Name != "" {
		_, err = tx.Exec(`
			UPDATE jobs SET name = ?, status = ?, status_reason = '', planner_mode = '',
				spacing = 0, units = ?, updated_at = ?
			WHERE id = ?`,
			g.Name, StatusCreated, units, unixNow(), jobID)
	} else {
		_, err = tx.Exec(`
			UPDATE jobs SET status = ?, status_reason = '', planner_mode = '',
				spacing = 0, units = ?, updated_at = ?
			WHERE id = ?`,
			StatusCreated, units, unixNow(), jobID)
	}
	if err != nil {
		return fmt.Errorf("reset job %s after geometry save: %w", jobID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit geometry save: %w", err)
	}
	return nil
}

// LoadGeometry reassembles a job's geometry document. The name and
// units come from the job row.
func (s *Store) LoadGeometry(jobID string) (*geom.Geometry, error) {
	job, err := s.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	g := &geom.Geometry{Name: job.Name, Units: job.Units}

	rows, err := s.Query(`SELECT idx, x, y, z FROM job_vertices WHERE job_id = ? ORDER BY idx`, jobID)
	if err != nil {
		return nil, fmt.Errorf("load vertices: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var idx int
		var x, y, z float64
		if err := rows.Scan(&idx, &x, &y, &z); err != nil {
			return nil, fmt.Errorf("scan vertex: %w", err)
		}
		g.Vertices = append(g.Vertices, geom.Vertex{Index: idx, Pos: geom.Pt(x, y, z)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load vertices: %w", err)
	}

	edgeRows, err := s.Query(`SELECT a, b FROM job_edges WHERE job_id = ? ORDER BY a, b`, jobID)
	if err != nil {
		return nil, fmt.Errorf("load edges: %w", err)
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var a, b int
		if err := edgeRows.Scan(&a, &b); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		g.Edges = append(g.Edges, geom.Edge{A: a, B: b})
	}
	if err := edgeRows.Err(); err != nil {
		return nil, fmt.Errorf("load edges: %w", err)
	}
	return g, nil
}
