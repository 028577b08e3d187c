package raster

// Morphology uses a (2r+1)x(2r+1) square window clipped to the image.
// Neighbours outside the image are absent: they never set a pixel during
// dilation and never clear one during erosion. A square window clipped to
// the image is a rectangle, so both operators run as a row pass followed by
// a column pass.

// Dilate sets every pixel that has a selected pixel within radius r.
func Dilate(m *BinaryMask, r int) *BinaryMask {
	return separable(m, r, true)
}

// Erode keeps every pixel whose in-image window is fully selected.
func Erode(m *BinaryMask, r int) *BinaryMask {
	return separable(m, r, false)
}

// Close is Erode(Dilate(m, r), r).
func Close(m *BinaryMask, r int) *BinaryMask {
	return Erode(Dilate(m, r), r)
}

// Open is Dilate(Erode(m, r), r).
func Open(m *BinaryMask, r int) *BinaryMask {
	return Dilate(Erode(m, r), r)
}

func separable(m *BinaryMask, r int, dilate bool) *BinaryMask {
	if r <= 0 {
		return m.Clone()
	}
	w, h := m.Width, m.Height
	tmp := make([]byte, w*h)
	out := NewMask(w, h)

	// hit reports whether a window decides the output before it is fully
	// scanned: any On for dilation, any Off for erosion.
	hit := func(v byte) bool {
		if dilate {
			return v == On
		}
		return v != On
	}
	miss, found := On, Off
	if dilate {
		miss, found = Off, On
	}

	for y := 0; y < h; y++ {
		row := y * w
		for x := 0; x < w; x++ {
			tmp[row+x] = miss
			for dx := max(0, x-r); dx <= min(w-1, x+r); dx++ {
				if hit(m.Pix[row+dx]) {
					tmp[row+x] = found
					break
				}
			}
		}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Pix[y*w+x] = miss
			for dy := max(0, y-r); dy <= min(h-1, y+r); dy++ {
				if hit(tmp[dy*w+x]) {
					out.Pix[y*w+x] = found
					break
				}
			}
		}
	}
	return out
}

// Boundary returns the pixels of m that are not in its radius-1 erosion.
func Boundary(m *BinaryMask) *BinaryMask {
	return m.AndNot(Erode(m, 1))
}

// Median3 applies a 3x3 majority filter using in-image neighbours only.
func Median3(m *BinaryMask) *BinaryMask {
	w, h := m.Width, m.Height
	out := NewMask(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			on, total := 0, 0
			for dy := max(0, y-1); dy <= min(h-1, y+1); dy++ {
				for dx := max(0, x-1); dx <= min(w-1, x+1); dx++ {
					total++
					if m.Pix[dy*w+dx] == On {
						on++
					}
				}
			}
			if 2*on > total {
				out.Pix[y*w+x] = On
			}
		}
	}
	return out
}
