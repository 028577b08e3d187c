package stl

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
)

var (
	// ErrMalformed is returned for data that is neither binary nor ASCII STL.
	ErrMalformed = errors.New("stl: malformed data")
	// ErrEmptyMesh is returned for a well-formed STL without facets.
	ErrEmptyMesh = errors.New("stl: mesh has no triangles")
)

const (
	headerSize = 80
	facetSize  = 50
)

// IsBinary reports whether data has the exact size implied by a binary
// header's triangle count.
func IsBinary(data []byte) bool {
	size, ok := binarySize(data)
	return ok && uint64(len(data)) == size
}

// binarySize is the size implied by the triangle count, if data holds a header.
func binarySize(data []byte) (uint64, bool) {
	if len(data) < headerSize+4 {
		return 0, false
	}
	n := binary.LittleEndian.Uint32(data[headerSize:])
	return uint64(headerSize+4) + uint64(n)*facetSize, true
}

// Parse decodes binary or ASCII STL. Binary files may begin with "solid"
// too, so the ASCII branch is taken only when facet and vertex tokens are
// present. Anything else long enough for its triangle count is read as
// binary, trailing bytes ignored.
func Parse(data []byte) (*Mesh, error) {
	if IsBinary(data) {
		return parseBinary(data)
	}
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("solid")) {
		if bytes.Contains(trimmed, []byte("facet normal")) && bytes.Contains(trimmed, []byte("vertex")) {
			return parseASCII(trimmed)
		}
		if bytes.Contains(trimmed, []byte("endsolid")) && !bytes.Contains(trimmed, []byte("facet")) {
			return nil, ErrEmptyMesh
		}
	}
	if size, ok := binarySize(data); ok && uint64(len(data)) >= size {
		return parseBinary(data)
	}
	return nil, fmt.Errorf("%w: %d bytes, too short for binary and no ascii facets", ErrMalformed, len(data))
}

func parseBinary(data []byte) (*Mesh, error) {
	n := int(binary.LittleEndian.Uint32(data[headerSize:]))
	if n == 0 {
		return nil, ErrEmptyMesh
	}
	m := &Mesh{
		Vertices:  make([]Vertex, 0, n),
		Triangles: make([]Triangle, 0, n),
		index:     make(map[string]int, n),
	}
	off := headerSize + 4
	for i := 0; i < n; i++ {
		// normal is recomputed on write
		p := off + 12
		var v [3]Vertex
		for j := range v {
			v[j] = Vertex{
				X: float64(readFloat(data[p:])),
				Y: float64(readFloat(data[p+4:])),
				Z: float64(readFloat(data[p+8:])),
			}
			p += 12
		}
		m.AddFacet(v[0], v[1], v[2])
		off += facetSize
	}
	return m, nil
}

func readFloat(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func parseASCII(data []byte) (*Mesh, error) {
	m := NewMesh()
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Split(bufio.ScanWords)

	var corners []Vertex
	for sc.Scan() {
		if sc.Text() != "vertex" {
			continue
		}
		var c [3]float64
		for i := range c {
			if !sc.Scan() {
				return nil, fmt.Errorf("%w: truncated vertex", ErrMalformed)
			}
			f, err := strconv.ParseFloat(sc.Text(), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: vertex coordinate %q", ErrMalformed, sc.Text())
			}
			c[i] = f
		}
		corners = append(corners, Vertex{c[0], c[1], c[2]})
		if len(corners) == 3 {
			m.AddFacet(corners[0], corners[1], corners[2])
			corners = corners[:0]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(corners) != 0 {
		return nil, fmt.Errorf("%w: dangling vertices", ErrMalformed)
	}
	if len(m.Triangles) == 0 {
		return nil, ErrEmptyMesh
	}
	return m, nil
}
