// Package raster holds the pixel buffers shared by every stage and the
// mask primitives (flood fill, connected components, morphology) that
// operate on them. All functions are pure: they allocate width*height
// outputs up front and never mutate their inputs.
package raster

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
)

// Mask values.
const (
	Off byte = 0
	On  byte = 255
)

// RasterImage is a decoded image with 3 (RGB) or 4 (RGBA, non-premultiplied)
// channels in a contiguous row-major buffer.
type RasterImage struct {
	Width, Height int
	Channels      int
	Pix           []byte
}

// NewRasterImage allocates a zeroed image.
func NewRasterImage(width, height, channels int) *RasterImage {
	return &RasterImage{
		Width:    width,
		Height:   height,
		Channels: channels,
		Pix:      make([]byte, width*height*channels),
	}
}

// Validate checks the buffer length invariant.
func (r *RasterImage) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("raster: bad dimensions %dx%d", r.Width, r.Height)
	}
	if r.Channels != 3 && r.Channels != 4 {
		return fmt.Errorf("raster: unsupported channel count %d", r.Channels)
	}
	if len(r.Pix) != r.Width*r.Height*r.Channels {
		return fmt.Errorf("raster: buffer length %d, want %d", len(r.Pix), r.Width*r.Height*r.Channels)
	}
	return nil
}

// Len returns the pixel count.
func (r *RasterImage) Len() int { return r.Width * r.Height }

// RGB returns the colour channels of pixel i.
func (r *RasterImage) RGB(i int) (uint8, uint8, uint8) {
	o := i * r.Channels
	return r.Pix[o], r.Pix[o+1], r.Pix[o+2]
}

// Alpha returns the alpha of pixel i (255 for RGB images).
func (r *RasterImage) Alpha(i int) uint8 {
	if r.Channels < 4 {
		return 255
	}
	return r.Pix[i*4+3]
}

// FromImage converts any decoded image into a 4-channel RasterImage without
// compositing semi-transparent pixels.
func FromImage(img image.Image) *RasterImage {
	b := img.Bounds()
	nrgba, ok := img.(*image.NRGBA)
	if !ok || nrgba.Rect.Min != (image.Point{}) || nrgba.Stride != b.Dx()*4 {
		nrgba = image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(nrgba, nrgba.Bounds(), img, b.Min, draw.Src)
	}
	out := &RasterImage{Width: b.Dx(), Height: b.Dy(), Channels: 4, Pix: make([]byte, len(nrgba.Pix))}
	copy(out.Pix, nrgba.Pix)
	return out
}

// ToNRGBA exposes the image as *image.NRGBA (copying).
func (r *RasterImage) ToNRGBA() *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, r.Width, r.Height))
	if r.Channels == 4 {
		copy(out.Pix, r.Pix)
		return out
	}
	for i := 0; i < r.Len(); i++ {
		out.Pix[i*4] = r.Pix[i*3]
		out.Pix[i*4+1] = r.Pix[i*3+1]
		out.Pix[i*4+2] = r.Pix[i*3+2]
		out.Pix[i*4+3] = 255
	}
	return out
}

// BinaryMask is one byte per pixel restricted to {Off, On}.
type BinaryMask struct {
	Width, Height int
	Pix           []byte
}

// NewMask allocates an all-Off mask.
func NewMask(width, height int) *BinaryMask {
	return &BinaryMask{Width: width, Height: height, Pix: make([]byte, width*height)}
}

// FullMask allocates an all-On mask.
func FullMask(width, height int) *BinaryMask {
	m := NewMask(width, height)
	for i := range m.Pix {
		m.Pix[i] = On
	}
	return m
}

// MaskFunc builds a mask from a per-pixel predicate.
func MaskFunc(width, height int, on func(i int) bool) *BinaryMask {
	m := NewMask(width, height)
	for i := range m.Pix {
		if on(i) {
			m.Pix[i] = On
		}
	}
	return m
}

// Len returns the pixel count.
func (m *BinaryMask) Len() int { return m.Width * m.Height }

// IsOn reports whether pixel i is selected.
func (m *BinaryMask) IsOn(i int) bool { return m.Pix[i] == On }

// Count returns the number of selected pixels.
func (m *BinaryMask) Count() int {
	n := 0
	for _, v := range m.Pix {
		if v == On {
			n++
		}
	}
	return n
}

// Clone returns an independent copy.
func (m *BinaryMask) Clone() *BinaryMask {
	return &BinaryMask{Width: m.Width, Height: m.Height, Pix: append([]byte(nil), m.Pix...)}
}

// Equal reports whether both masks select the same pixels.
func (m *BinaryMask) Equal(o *BinaryMask) bool {
	if m.Width != o.Width || m.Height != o.Height {
		return false
	}
	for i := range m.Pix {
		if m.Pix[i] != o.Pix[i] {
			return false
		}
	}
	return true
}

// IsBinary reports whether every value is Off or On.
func (m *BinaryMask) IsBinary() bool {
	for _, v := range m.Pix {
		if v != Off && v != On {
			return false
		}
	}
	return true
}

// Invert returns the complement.
func (m *BinaryMask) Invert() *BinaryMask {
	return MaskFunc(m.Width, m.Height, func(i int) bool { return m.Pix[i] != On })
}

// AndNot returns m with every pixel of o cleared.
func (m *BinaryMask) AndNot(o *BinaryMask) *BinaryMask {
	return MaskFunc(m.Width, m.Height, func(i int) bool { return m.Pix[i] == On && o.Pix[i] != On })
}

// Or returns the union.
func (m *BinaryMask) Or(o *BinaryMask) *BinaryMask {
	return MaskFunc(m.Width, m.Height, func(i int) bool { return m.Pix[i] == On || o.Pix[i] == On })
}

// ToGray exposes the mask as an image; selected pixels take value on, the
// rest off.
func (m *BinaryMask) ToGray(on, off uint8) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	for i, v := range m.Pix {
		if v == On {
			g.Pix[i] = on
		} else {
			g.Pix[i] = off
		}
	}
	return g
}

// MaskFromGray thresholds a grayscale image at 128.
func MaskFromGray(g *image.Gray) *BinaryMask {
	b := g.Bounds()
	m := NewMask(b.Dx(), b.Dy())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			if g.GrayAt(b.Min.X+x, b.Min.Y+y).Y >= 128 {
				m.Pix[y*m.Width+x] = On
			}
		}
	}
	return m
}

// Unassigned marks a LabelMap pixel without a palette slot.
const Unassigned int32 = -1

// LabelMap stores one palette slot index per pixel.
type LabelMap struct {
	Width, Height int
	Labels        []int32
}

// NewLabelMap allocates an all-Unassigned map.
func NewLabelMap(width, height int) *LabelMap {
	lm := &LabelMap{Width: width, Height: height, Labels: make([]int32, width*height)}
	for i := range lm.Labels {
		lm.Labels[i] = Unassigned
	}
	return lm
}

// Len returns the pixel count.
func (lm *LabelMap) Len() int { return lm.Width * lm.Height }

// Clone returns an independent copy.
func (lm *LabelMap) Clone() *LabelMap {
	return &LabelMap{Width: lm.Width, Height: lm.Height, Labels: append([]int32(nil), lm.Labels...)}
}

// Mask selects every pixel carrying label.
func (lm *LabelMap) Mask(label int32) *BinaryMask {
	return MaskFunc(lm.Width, lm.Height, func(i int) bool { return lm.Labels[i] == label })
}

// Counts returns the pixel count per label for labels in [0, n).
func (lm *LabelMap) Counts(n int) []int {
	counts := make([]int, n)
	for _, l := range lm.Labels {
		if l >= 0 && int(l) < n {
			counts[l]++
		}
	}
	return counts
}

// Unresolved returns the pixels inside mask that carry no label.
func (lm *LabelMap) Unresolved(mask *BinaryMask) []int {
	var out []int
	for i, l := range lm.Labels {
		if mask.Pix[i] == On && l < 0 {
			out = append(out, i)
		}
	}
	return out
}

// Paint renders a label map with one colour per slot.
func (lm *LabelMap) Paint(colors []color.RGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, lm.Width, lm.Height))
	for i, l := range lm.Labels {
		if l < 0 || int(l) >= len(colors) {
			continue
		}
		c := colors[l]
		img.Pix[i*4], img.Pix[i*4+1], img.Pix[i*4+2], img.Pix[i*4+3] = c.R, c.G, c.B, 255
	}
	return img
}
