package stl

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"strconv"
)

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func writeFacets(w *bufio.Writer, m *Mesh) {
	for i := range m.Triangles {
		a, b, c := m.Facet(i)
		n := Normal(a, b, c)
		w.WriteString("  facet normal " + formatFloat(n.X) + " " + formatFloat(n.Y) + " " + formatFloat(n.Z) + "\n")
		w.WriteString("    outer loop\n")
		for _, v := range [3]Vertex{a, b, c} {
			w.WriteString("      vertex " + formatFloat(v.X) + " " + formatFloat(v.Y) + " " + formatFloat(v.Z) + "\n")
		}
		w.WriteString("    endloop\n  endfacet\n")
	}
}

// WriteASCII writes every mesh into a single solid block.
func WriteASCII(w io.Writer, name string, meshes ...*Mesh) error {
	bw := bufio.NewWriter(w)
	bw.WriteString("solid " + name + "\n")
	for _, m := range meshes {
		if m != nil {
			writeFacets(bw, m)
		}
	}
	bw.WriteString("endsolid " + name + "\n")
	return bw.Flush()
}

// MergeFacetStreams concatenates the facets of a and b into one ASCII solid.
// Overlapping volumes are left for the slicer to union; no boolean is computed.
func MergeFacetStreams(a, b *Mesh) string {
	var buf bytes.Buffer
	WriteASCII(&buf, "merged", a, b)
	return buf.String()
}

// WriteBinary writes m as binary STL.
func WriteBinary(w io.Writer, m *Mesh) error {
	bw := bufio.NewWriter(w)
	var header [headerSize]byte
	copy(header[:], "img2keychain binary stl")
	bw.Write(header[:])

	var rec [facetSize]byte
	binary.LittleEndian.PutUint32(rec[:4], uint32(len(m.Triangles)))
	bw.Write(rec[:4])
	for i := range m.Triangles {
		a, b, c := m.Facet(i)
		p := 0
		for _, v := range [4]Vertex{Normal(a, b, c), a, b, c} {
			for _, f := range [3]float64{v.X, v.Y, v.Z} {
				binary.LittleEndian.PutUint32(rec[p:], math.Float32bits(float32(f)))
				p += 4
			}
		}
		rec[48], rec[49] = 0, 0
		bw.Write(rec[:])
	}
	return bw.Flush()
}
