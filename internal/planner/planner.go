// Package planner turns surface geometry into an ordered list of
// waypoints for the mapping head. Planning is pure and deterministic:
// the same geometry and parameters always produce the same path.
package planner

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/moldmap/internal/geom"
)

// Mode selects the planning strategy.
type Mode string

const (
	// ModeGreedy visits every vertex once, always hopping to the
	// nearest unvisited vertex.
	ModeGreedy Mode = "greedy"

	// ModeEdgeSample walks the edge list in order, emitting evenly
	// spaced points along each edge.
	ModeEdgeSample Mode = "edge_sample"
)

var (
	ErrEmptyInput     = errors.New("no vertices to plan over")
	ErrNoEdges        = errors.New("edge sampling requires at least one edge")
	ErrInvalidSpacing = errors.New("spacing must be positive")
	ErrUnknownMode    = errors.New("unknown planner mode")
)

// Config holds the planning parameters.
type Config struct {
	Mode Mode

	// Spacing is the sample interval along edges, in mm. Edge-sample
	// mode only.
	Spacing float64

	// StartIndex is the vertex the greedy walk begins at.
	StartIndex int

	// StartPoint, when set, overrides StartIndex: the walk begins at
	// the vertex nearest this point.
	StartPoint *geom.Point3
}

// Waypoint is one stop on the planned path. Seq is contiguous from 0 and
// strictly increasing; SourceVertex is -1 for points synthesized by edge
// sampling.
type Waypoint struct {
	Seq          int
	Pos          geom.Point3
	SourceVertex int
	Visited      bool
}

// Result is a computed plan.
type Result struct {
	Mode          Mode
	Waypoints     []Waypoint
	TotalDistance float64
}

// Plan computes a waypoint path over g using the given parameters.
func Plan(g *geom.Geometry, cfg Config) (*Result, error) {
	var (
		wps []Waypoint
		err error
	)
	switch cfg.Mode {
	case ModeGreedy:
		wps, err = greedy(g, cfg)
	case ModeEdgeSample:
		wps, err = sampleEdges(g, cfg.Spacing)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	return &Result{
		Mode:          cfg.Mode,
		Waypoints:     wps,
		TotalDistance: TotalDistance(wps),
	}, nil
}

// greedy orders all vertices by repeated nearest-neighbour hops. Ties on
// distance go to the lowest original vertex index, which keeps the output
// independent of anything but the input order.
func greedy(g *geom.Geometry, cfg Config) ([]Waypoint, error) {
	n := len(g.Vertices)
	if n == 0 {
		return nil, ErrEmptyInput
	}

	start := cfg.StartIndex
	if cfg.StartPoint != nil {
		start = nearestVertex(g.Vertices, *cfg.StartPoint)
	}
	if start < 0 || start >= n {
		return nil, fmt.Errorf("start index %d out of range (have %d vertices)", start, n)
	}

	// Full pairwise distance matrix, row-major.
	dist := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := geom.Dist(g.Vertices[i].Pos, g.Vertices[j].Pos)
			dist[i*n+j] = d
			dist[j*n+i] = d
		}
	}

	visited := make([]bool, n)
	wps := make([]Waypoint, 0, n)
	cur := start
	visited[cur] = true
	wps = append(wps, Waypoint{Seq: 0, Pos: g.Vertices[cur].Pos, SourceVertex: cur})

	for len(wps) < n {
		next := -1
		best := math.MaxFloat64
		for j := 0; j < n; j++ {
			if visited[j] {
				continue
			}
			// Strict < with ascending j breaks ties toward the
			// lowest index.
			if d := dist[cur*n+j]; d < best {
				best = d
				next = j
			}
		}
		visited[next] = true
		wps = append(wps, Waypoint{Seq: len(wps), Pos: g.Vertices[next].Pos, SourceVertex: next})
		cur = next
	}

	return wps, nil
}

// sampleEdges emits ceil(L/spacing)+1 evenly spaced points per edge,
// endpoints included, concatenated in edge-list order. A point closer
// than spacing/2 to any already-emitted point is dropped, so a vertex
// shared by several edges appears once.
func sampleEdges(g *geom.Geometry, spacing float64) ([]Waypoint, error) {
	if len(g.Vertices) == 0 {
		return nil, ErrEmptyInput
	}
	if len(g.Edges) == 0 {
		return nil, ErrNoEdges
	}
	if spacing <= 0 {
		return nil, fmt.Errorf("%w: got %g", ErrInvalidSpacing, spacing)
	}

	tol := spacing / 2
	var wps []Waypoint
	emit := func(p geom.Point3, source int) {
		for _, w := range wps {
			if geom.Dist(w.Pos, p) < tol {
				return
			}
		}
		wps = append(wps, Waypoint{Seq: len(wps), Pos: p, SourceVertex: source})
	}

	for _, e := range g.Edges {
		a := g.Vertices[e.A].Pos
		b := g.Vertices[e.B].Pos
		segs := int(math.Ceil(geom.Dist(a, b) / spacing))
		if segs < 1 {
			segs = 1
		}
		for k := 0; k <= segs; k++ {
			source := -1
			switch k {
			case 0:
				source = e.A
			case segs:
				source = e.B
			}
			emit(geom.Lerp(a, b, float64(k)/float64(segs)), source)
		}
	}

	return wps, nil
}

// nearestVertex returns the index of the vertex closest to p, lowest
// index winning ties.
func nearestVertex(vertices []geom.Vertex, p geom.Point3) int {
	best := -1
	bestDist := math.MaxFloat64
	for i, v := range vertices {
		if d := geom.Dist(v.Pos, p); d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

// NearestUnvisited returns the index into wps of the closest unvisited
// waypoint within tol of pos, or -1 when none qualifies. Exact ties go
// to the earliest waypoint.
func NearestUnvisited(wps []Waypoint, pos geom.Point3, tol float64) int {
	best := -1
	bestDist := math.MaxFloat64
	for i := range wps {
		if wps[i].Visited {
			continue
		}
		d := geom.Dist(wps[i].Pos, pos)
		if d <= tol && d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

// TotalDistance sums the consecutive hop lengths along the path.
func TotalDistance(wps []Waypoint) float64 {
	if len(wps) < 2 {
		return 0
	}
	hops := make([]float64, len(wps)-1)
	for i := 1; i < len(wps); i++ {
		hops[i-1] = geom.Dist(wps[i-1].Pos, wps[i].Pos)
	}
	return floats.Sum(hops)
}
