// Package geom defines the spatial primitives shared by the planner,
// session and simulator: points, vertices, edges and axis-aligned bounds.
// All coordinates are in millimetres.
package geom

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// Point3 is a position in 3-D space, in millimetres.
type Point3 = r3.Vec

// Pt is shorthand for constructing a Point3.
func Pt(x, y, z float64) Point3 {
	return Point3{X: x, Y: y, Z: z}
}

// Dist returns the Euclidean distance between two points.
func Dist(a, b Point3) float64 {
	return r3.Norm(r3.Sub(a, b))
}

// Lerp returns the point a fraction t of the way from a to b.
func Lerp(a, b Point3, t float64) Point3 {
	return r3.Add(r3.Scale(1-t, a), r3.Scale(t, b))
}

// Vertex is a geometry point with its stable index in the source model.
type Vertex struct {
	Index int
	Pos   Point3
}

// Edge is an unordered pair of vertex indices, stored canonically with
// A < B.
type Edge struct {
	A, B int
}

// NewEdge canonicalizes the pair (a, b). Self-loops and negative indices
// are rejected.
func NewEdge(a, b int) (Edge, error) {
	if a < 0 || b < 0 {
		return Edge{}, fmt.Errorf("edge (%d,%d): negative vertex index", a, b)
	}
	if a == b {
		return Edge{}, fmt.Errorf("edge (%d,%d): endpoints must differ", a, b)
	}
	if a > b {
		a, b = b, a
	}
	return Edge{A: a, B: b}, nil
}

// Bounds is an axis-aligned box. Containment is inclusive of the faces.
type Bounds struct {
	Min Point3
	Max Point3
}

// CubeBounds returns bounds spanning ±half on every axis.
func CubeBounds(half float64) Bounds {
	return Bounds{
		Min: Pt(-half, -half, -half),
		Max: Pt(half, half, half),
	}
}

// Contains reports whether p lies inside the box, faces included.
func (b Bounds) Contains(p Point3) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// Validate checks that Min does not exceed Max on any axis.
func (b Bounds) Validate() error {
	if b.Min.X > b.Max.X || b.Min.Y > b.Max.Y || b.Min.Z > b.Max.Z {
		return fmt.Errorf("bounds min %v exceeds max %v", b.Min, b.Max)
	}
	return nil
}

func (b Bounds) String() string {
	return fmt.Sprintf("[%g %g %g]..[%g %g %g]",
		b.Min.X, b.Min.Y, b.Min.Z, b.Max.X, b.Max.Y, b.Max.Z)
}
