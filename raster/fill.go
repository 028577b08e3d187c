package raster

import (
	"iter"
)

// neighbours8 are the 8-connected offsets.
var neighbours8 = [8][2]int{
	{-1, -1}, {0, -1}, {1, -1},
	{-1, 0}, {1, 0},
	{-1, 1}, {0, 1}, {1, 1},
}

// FloodFill runs an 8-connected BFS from seeds. A pixel is selected iff it
// is a member and reachable from a member seed through member pixels.
// Seeds that are not members are ignored.
func FloodFill(width, height int, seeds []int, member func(i int) bool) *BinaryMask {
	out := NewMask(width, height)
	n := width * height
	queue := make([]int32, 0, min(n, 1<<16))
	for _, s := range seeds {
		if s < 0 || s >= n || out.Pix[s] == On || !member(s) {
			continue
		}
		out.Pix[s] = On
		queue = append(queue, int32(s))
	}
	for head := 0; head < len(queue); head++ {
		i := int(queue[head])
		x, y := i%width, i/width
		for _, d := range neighbours8 {
			nx, ny := x+d[0], y+d[1]
			if nx < 0 || ny < 0 || nx >= width || ny >= height {
				continue
			}
			j := ny*width + nx
			if out.Pix[j] == On || !member(j) {
				continue
			}
			out.Pix[j] = On
			queue = append(queue, int32(j))
		}
	}
	return out
}

// BorderPixels returns the indices of the image perimeter, each once.
func BorderPixels(width, height int) []int {
	if width <= 0 || height <= 0 {
		return nil
	}
	out := make([]int, 0, 2*(width+height))
	for x := 0; x < width; x++ {
		out = append(out, x)
		if height > 1 {
			out = append(out, (height-1)*width+x)
		}
	}
	for y := 1; y < height-1; y++ {
		out = append(out, y*width)
		if width > 1 {
			out = append(out, y*width+width-1)
		}
	}
	return out
}

// Component is one 8-connected region of equal key.
type Component struct {
	Label         int32
	Pixels        []int
	Neighbors     map[int32]int // differently-keyed neighbouring pixels, counted per contact
	TouchesBorder bool
}

// Area returns the pixel count.
func (c *Component) Area() int { return len(c.Pixels) }

// MajorityNeighbor returns the neighbouring label with most contacts,
// ignoring labels for which skip returns true. Ties go to the smaller label.
func (c *Component) MajorityNeighbor(skip func(int32) bool) (int32, bool) {
	best, bestN := Unassigned, 0
	for l, n := range c.Neighbors {
		if skip != nil && skip(l) {
			continue
		}
		if n > bestN || (n == bestN && l < best) {
			best, bestN = l, n
		}
	}
	return best, bestN > 0
}

// components walks every region of equal key, skipping keys for which
// include returns false. Out-of-image neighbours are never counted.
func components(width, height int, key func(i int) int32, include func(int32) bool) iter.Seq[*Component] {
	return func(yield func(*Component) bool) {
		n := width * height
		seen := make([]bool, n)
		queue := make([]int32, 0, min(n, 1<<12))
		for start := 0; start < n; start++ {
			if seen[start] {
				continue
			}
			k := key(start)
			if !include(k) {
				seen[start] = true
				continue
			}
			c := &Component{Label: k, Neighbors: map[int32]int{}}
			queue = append(queue[:0], int32(start))
			seen[start] = true
			for head := 0; head < len(queue); head++ {
				i := int(queue[head])
				c.Pixels = append(c.Pixels, i)
				x, y := i%width, i/width
				if x == 0 || y == 0 || x == width-1 || y == height-1 {
					c.TouchesBorder = true
				}
				for _, d := range neighbours8 {
					nx, ny := x+d[0], y+d[1]
					if nx < 0 || ny < 0 || nx >= width || ny >= height {
						continue
					}
					j := ny*width + nx
					if kj := key(j); kj != k {
						c.Neighbors[kj]++
						continue
					}
					if !seen[j] {
						seen[j] = true
						queue = append(queue, int32(j))
					}
				}
			}
			if !yield(c) {
				return
			}
		}
	}
}

// MaskComponents yields the 8-connected On regions of m. Neighbors counts
// Off contacts under label 0.
func MaskComponents(m *BinaryMask) iter.Seq[*Component] {
	return components(m.Width, m.Height,
		func(i int) int32 { return int32(m.Pix[i]) },
		func(k int32) bool { return k == int32(On) })
}

// HoleComponents yields the 8-connected Off regions of m.
func HoleComponents(m *BinaryMask) iter.Seq[*Component] {
	return components(m.Width, m.Height,
		func(i int) int32 { return int32(m.Pix[i]) },
		func(k int32) bool { return k == int32(Off) })
}

// LabelComponents yields every region of equal non-negative label with the
// multiset of differently-labelled neighbours (Unassigned included).
func LabelComponents(lm *LabelMap) iter.Seq[*Component] {
	return components(lm.Width, lm.Height,
		func(i int) int32 { return lm.Labels[i] },
		func(k int32) bool { return k >= 0 })
}

// RemoveSmallComponents clears every On region smaller than minArea.
func RemoveSmallComponents(m *BinaryMask, minArea int) *BinaryMask {
	out := m.Clone()
	if minArea <= 1 {
		return out
	}
	for c := range MaskComponents(m) {
		if c.Area() >= minArea {
			continue
		}
		for _, i := range c.Pixels {
			out.Pix[i] = Off
		}
	}
	return out
}

// FillHoles sets every Off region that does not touch the image border and
// is smaller than maxArea. maxArea <= 0 fills every enclosed hole.
func FillHoles(m *BinaryMask, maxArea int) *BinaryMask {
	out := m.Clone()
	for c := range HoleComponents(m) {
		if c.TouchesBorder || (maxArea > 0 && c.Area() >= maxArea) {
			continue
		}
		for _, i := range c.Pixels {
			out.Pix[i] = On
		}
	}
	return out
}
