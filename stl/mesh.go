// Package stl reads, writes and merges triangle meshes in the STL format.
package stl

import (
	"fmt"
	"math"
	"strconv"
)

// Vertex is a point in millimetres.
type Vertex struct {
	X, Y, Z float64
}

func (v Vertex) key() string {
	return coordKey(v.X) + "," + coordKey(v.Y) + "," + coordKey(v.Z)
}

// coordKey folds -0 and tiny negatives onto 0.
func coordKey(f float64) string {
	s := strconv.FormatFloat(f, 'f', 6, 64)
	if s == "-0.000000" {
		return "0.000000"
	}
	return s
}

func (v Vertex) sub(o Vertex) Vertex { return Vertex{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

// Triangle holds three indices into Mesh.Vertices.
type Triangle [3]int

// Mesh is an indexed triangle list. Vertices are deduplicated on a
// 6-decimal key so meshes built independently still share coincident points.
type Mesh struct {
	Vertices  []Vertex
	Triangles []Triangle

	index map[string]int
}

// NewMesh returns an empty mesh.
func NewMesh() *Mesh {
	return &Mesh{index: make(map[string]int)}
}

// AddVertex returns the index of v, adding it if no vertex shares its key.
func (m *Mesh) AddVertex(v Vertex) int {
	if m.index == nil {
		m.index = make(map[string]int, len(m.Vertices))
		for i, u := range m.Vertices {
			m.index[u.key()] = i
		}
	}
	k := v.key()
	if i, ok := m.index[k]; ok {
		return i
	}
	m.Vertices = append(m.Vertices, v)
	m.index[k] = len(m.Vertices) - 1
	return len(m.Vertices) - 1
}

// AddFacet appends one triangle.
func (m *Mesh) AddFacet(a, b, c Vertex) {
	m.Triangles = append(m.Triangles, Triangle{m.AddVertex(a), m.AddVertex(b), m.AddVertex(c)})
}

// Facet returns the corner coordinates of triangle i.
func (m *Mesh) Facet(i int) (a, b, c Vertex) {
	t := m.Triangles[i]
	return m.Vertices[t[0]], m.Vertices[t[1]], m.Vertices[t[2]]
}

// Validate reports the first triangle that references a missing vertex.
func (m *Mesh) Validate() error {
	for i, t := range m.Triangles {
		for _, idx := range t {
			if idx < 0 || idx >= len(m.Vertices) {
				return fmt.Errorf("%w: triangle %d references vertex %d of %d", ErrMalformed, i, idx, len(m.Vertices))
			}
		}
	}
	return nil
}

// Normal is the unit normal of a counter-clockwise facet, zero when degenerate.
func Normal(a, b, c Vertex) Vertex {
	u, v := b.sub(a), c.sub(a)
	n := Vertex{u.Y*v.Z - u.Z*v.Y, u.Z*v.X - u.X*v.Z, u.X*v.Y - u.Y*v.X}
	l := math.Sqrt(n.X*n.X + n.Y*n.Y + n.Z*n.Z)
	if l == 0 {
		return Vertex{}
	}
	return Vertex{n.X / l, n.Y / l, n.Z / l}
}

// Box is an axis-aligned bounding box.
type Box struct {
	Min, Max Vertex
}

// Size returns the box extents.
func (b Box) Size() Vertex { return b.Max.sub(b.Min) }

// Center returns the box midpoint.
func (b Box) Center() Vertex {
	return Vertex{(b.Min.X + b.Max.X) / 2, (b.Min.Y + b.Max.Y) / 2, (b.Min.Z + b.Max.Z) / 2}
}

// Bounds returns the bounding box of all vertices; the zero box for an empty mesh.
func (m *Mesh) Bounds() Box {
	if len(m.Vertices) == 0 {
		return Box{}
	}
	b := Box{Min: m.Vertices[0], Max: m.Vertices[0]}
	for _, v := range m.Vertices[1:] {
		b.Min.X, b.Max.X = math.Min(b.Min.X, v.X), math.Max(b.Max.X, v.X)
		b.Min.Y, b.Max.Y = math.Min(b.Min.Y, v.Y), math.Max(b.Max.Y, v.Y)
		b.Min.Z, b.Max.Z = math.Min(b.Min.Z, v.Z), math.Max(b.Max.Z, v.Z)
	}
	return b
}
