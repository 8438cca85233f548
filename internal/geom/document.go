package geom

import (
	"encoding/json"
	"fmt"
	"os"
)

// Geometry is a set of vertices and the canonical edges connecting them,
// as loaded from a geometry document. The document wire shape is:
//
//	{"name":"cube-100","units":"mm","vertices":[[x,y,z],...],"edges":[[a,b],...]}
type Geometry struct {
	Name     string
	Units    string
	Vertices []Vertex
	Edges    []Edge
}

type geometryDoc struct {
	Name     string      `json:"name,omitempty"`
	Units    string      `json:"units,omitempty"`
	Vertices [][]float64 `json:"vertices"`
	Edges    [][]int     `json:"edges"`
}

// MarshalJSON renders the geometry in document form, with vertices as
// [x,y,z] triples and edges as [a,b] pairs.
func (g Geometry) MarshalJSON() ([]byte, error) {
	doc := geometryDoc{
		Name:     g.Name,
		Units:    g.Units,
		Vertices: make([][]float64, len(g.Vertices)),
		Edges:    make([][]int, len(g.Edges)),
	}
	for i, v := range g.Vertices {
		doc.Vertices[i] = []float64{v.Pos.X, v.Pos.Y, v.Pos.Z}
	}
	for i, e := range g.Edges {
		doc.Edges[i] = []int{e.A, e.B}
	}
	return json.Marshal(doc)
}

// UnmarshalJSON parses document form, canonicalizing edges and assigning
// vertex indices by position. Malformed tuples, out-of-range edge
// endpoints and duplicate edges are rejected.
func (g *Geometry) UnmarshalJSON(data []byte) error {
	var doc geometryDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	vertices := make([]Vertex, len(doc.Vertices))
	for i, coords := range doc.Vertices {
		if len(coords) != 3 {
			return fmt.Errorf("vertex %d: want 3 coordinates, got %d", i, len(coords))
		}
		vertices[i] = Vertex{Index: i, Pos: Pt(coords[0], coords[1], coords[2])}
	}

	edges := make([]Edge, 0, len(doc.Edges))
	seen := make(map[Edge]bool, len(doc.Edges))
	for i, pair := range doc.Edges {
		if len(pair) != 2 {
			return fmt.Errorf("edge %d: want 2 endpoints, got %d", i, len(pair))
		}
		e, err := NewEdge(pair[0], pair[1])
		if err != nil {
			return fmt.Errorf("edge %d: %w", i, err)
		}
		if e.B >= len(vertices) {
			return fmt.Errorf("edge %d: vertex index %d out of range (have %d vertices)", i, e.B, len(vertices))
		}
		if seen[e] {
			return fmt.Errorf("edge %d: duplicate edge (%d,%d)", i, e.A, e.B)
		}
		seen[e] = true
		edges = append(edges, e)
	}

	g.Name = doc.Name
	g.Units = doc.Units
	g.Vertices = vertices
	g.Edges = edges
	return nil
}

// Parse decodes a geometry document.
func Parse(data []byte) (*Geometry, error) {
	var g Geometry
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse geometry: %w", err)
	}
	return &g, nil
}

// Load reads and parses a geometry document from disk.
func Load(path string) (*Geometry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read geometry %s: %w", path, err)
	}
	g, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load geometry %s: %w", path, err)
	}
	return g, nil
}

// Save writes the geometry to disk as an indented document.
func (g Geometry) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encode geometry: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write geometry %s: %w", path, err)
	}
	return nil
}

// BoundingBox returns the axis-aligned box enclosing all vertices.
// ok is false when the geometry has no vertices.
func (g Geometry) BoundingBox() (bounds Bounds, ok bool) {
	if len(g.Vertices) == 0 {
		return Bounds{}, false
	}
	bounds.Min = g.Vertices[0].Pos
	bounds.Max = g.Vertices[0].Pos
	for _, v := range g.Vertices[1:] {
		p := v.Pos
		if p.X < bounds.Min.X {
			bounds.Min.X = p.X
		}
		if p.Y < bounds.Min.Y {
			bounds.Min.Y = p.Y
		}
		if p.Z < bounds.Min.Z {
			bounds.Min.Z = p.Z
		}
		if p.X > bounds.Max.X {
			bounds.Max.X = p.X
		}
		if p.Y > bounds.Max.Y {
			bounds.Max.Y = p.Y
		}
		if p.Z > bounds.Max.Z {
			bounds.Max.Z = p.Z
		}
	}
	return bounds, true
}

// SampleCube generates the axis-aligned cube test solid with one corner
// at the origin: 8 vertices and 12 edges with the given side length.
func SampleCube(size float64) *Geometry {
	corners := []Point3{
		Pt(0, 0, 0),
		Pt(size, 0, 0),
		Pt(size, size, 0),
		Pt(0, size, 0),
		Pt(0, 0, size),
		Pt(size, 0, size),
		Pt(size, size, size),
		Pt(0, size, size),
	}
	vertices := make([]Vertex, len(corners))
	for i, p := range corners {
		vertices[i] = Vertex{Index: i, Pos: p}
	}
	pairs := [][2]int{
		{0, 1}, {1, 2}, {2, 3}, {0, 3}, // bottom face
		{4, 5}, {5, 6}, {6, 7}, {4, 7}, // top face
		{0, 4}, {1, 5}, {2, 6}, {3, 7}, // verticals
	}
	edges := make([]Edge, len(pairs))
	for i, p := range pairs {
		edges[i] = Edge{A: p[0], B: p[1]}
	}
	return &Geometry{
		Name:     fmt.Sprintf("cube-%g", size),
		Units:    "mm",
		Vertices: vertices,
		Edges:    edges,
	}
}

type boundsDoc struct {
	Min []float64 `json:"min"`
	Max []float64 `json:"max"`
}

// MarshalJSON renders bounds as {"min":[x,y,z],"max":[x,y,z]}.
func (b Bounds) MarshalJSON() ([]byte, error) {
	return json.Marshal(boundsDoc{
		Min: []float64{b.Min.X, b.Min.Y, b.Min.Z},
		Max: []float64{b.Max.X, b.Max.Y, b.Max.Z},
	})
}

// UnmarshalJSON parses {"min":[x,y,z],"max":[x,y,z]}.
func (b *Bounds) UnmarshalJSON(data []byte) error {
	var doc boundsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if len(doc.Min) != 3 || len(doc.Max) != 3 {
		return fmt.Errorf("bounds: min and max must each have 3 coordinates")
	}
	b.Min = Pt(doc.Min[0], doc.Min[1], doc.Min[2])
	b.Max = Pt(doc.Max[0], doc.Max[1], doc.Max[2])
	return b.Validate()
}
