// Package label2mask turns a classified label map into one clean binary
// mask per print colour, sized for the vectorizer.
package label2mask

import (
	"image"
	"image/color"
	"math"

	"github.com/nfnt/resize"
	"go.uber.org/zap"

	"img2keychain/raster"
	k2ptypes "img2keychain/type"
)

// Options controls cleanup and the resolution band handed to the vectorizer.
type Options struct {
	// Enclosed holes smaller than HoleAreaFraction of the frame are filled.
	HoleAreaFraction float64
	// Components smaller than ComponentAreaFraction of the frame are removed.
	ComponentAreaFraction float64

	MaxDimension       int // downscale above
	CrispMinDimension  int // upscale below, crisp palettes
	SmoothMinDimension int // upscale below, everything else

	Logger *zap.Logger
}

const (
	minHoleArea      = 4
	minComponentArea = 6
)

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		HoleAreaFraction:      0.0002,
		ComponentAreaFraction: 0.00003,
		MaxDimension:          2200,
		CrispMinDimension:     2000,
		SmoothMinDimension:    1000,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HoleAreaFraction <= 0 {
		o.HoleAreaFraction = d.HoleAreaFraction
	}
	if o.ComponentAreaFraction <= 0 {
		o.ComponentAreaFraction = d.ComponentAreaFraction
	}
	if o.MaxDimension <= 0 {
		o.MaxDimension = d.MaxDimension
	}
	if o.CrispMinDimension <= 0 {
		o.CrispMinDimension = d.CrispMinDimension
	}
	if o.SmoothMinDimension <= 0 {
		o.SmoothMinDimension = d.SmoothMinDimension
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// SlotMask is the cleaned, resampled mask of one palette slot.
type SlotMask struct {
	Slot   int
	Color  color.RGBA
	Role   k2ptypes.SlotRole
	Mask   *raster.BinaryMask
	Pixels int // at the resampled resolution
}

// Cleaner extracts per-slot masks.
type Cleaner struct {
	opts Options
	log  *zap.Logger
}

// NewCleaner returns a cleaner; zero option fields take their defaults.
func NewCleaner(opts Options) *Cleaner {
	opts = opts.withDefaults()
	return &Cleaner{opts: opts, log: opts.Logger.With(zap.String("component", "label2mask"))}
}

// Extract returns one mask per retained slot, in slot order. Every mask
// shares the same resampled size so the traced layers stay registered.
// Slots whose mask is empty after cleanup are left out.
func (c *Cleaner) Extract(lm *raster.LabelMap, palette k2ptypes.Palette, retained []int, crisp bool) []SlotMask {
	tw, th := TargetSize(lm.Width, lm.Height, crisp, c.opts)
	var out []SlotMask
	for _, slot := range retained {
		m := c.Clean(lm.Mask(int32(slot)))
		m = Resample(m, tw, th, crisp)
		n := m.Count()
		if n == 0 {
			c.log.Warn("slot mask empty after cleanup", zap.Int("slot", slot))
			continue
		}
		s := palette.Slots[slot]
		out = append(out, SlotMask{Slot: slot, Color: s.Color, Role: s.Role, Mask: m, Pixels: n})
	}
	c.log.Debug("masks extracted",
		zap.Int("slots", len(out)),
		zap.Int("width", tw),
		zap.Int("height", th),
		zap.Bool("crisp", crisp))
	return out
}

// Clean fills tiny enclosed holes and removes small components.
func (c *Cleaner) Clean(m *raster.BinaryMask) *raster.BinaryMask {
	n := float64(m.Len())
	m = FillEnclosedHoles(m, max(minHoleArea, int(math.Round(c.opts.HoleAreaFraction*n))))
	return raster.RemoveSmallComponents(m, max(minComponentArea, int(math.Round(c.opts.ComponentAreaFraction*n))))
}

// FillEnclosedHoles fills background regions smaller than maxArea that do
// not touch the image border.
func FillEnclosedHoles(m *raster.BinaryMask, maxArea int) *raster.BinaryMask {
	if maxArea <= 0 {
		return m.Clone()
	}
	return raster.FillHoles(m, maxArea)
}

// TargetSize keeps the aspect ratio and brings the longer side into the
// band: above MaxDimension it is scaled down to it, below the mode's
// minimum it is scaled up to that minimum.
func TargetSize(w, h int, crisp bool, opts Options) (int, int) {
	opts = opts.withDefaults()
	long := max(w, h)
	if long == 0 {
		return w, h
	}
	minDim := opts.SmoothMinDimension
	if crisp {
		minDim = opts.CrispMinDimension
	}
	target := long
	switch {
	case long > opts.MaxDimension:
		target = opts.MaxDimension
	case long < minDim:
		target = minDim
	}
	if target == long {
		return w, h
	}
	scale := float64(target) / float64(long)
	return max(1, int(math.Round(float64(w)*scale))), max(1, int(math.Round(float64(h)*scale)))
}

// Resample scales a mask. Crisp masks use nearest neighbour so no grey is
// introduced; other masks are resized bilinearly, thresholded at 128 and
// passed through a 3x3 majority filter.
func Resample(m *raster.BinaryMask, w, h int, crisp bool) *raster.BinaryMask {
	if w == m.Width && h == m.Height {
		return m.Clone()
	}
	interp := resize.Bilinear
	if crisp {
		interp = resize.NearestNeighbor
	}
	scaled := resize.Resize(uint(w), uint(h), m.ToGray(255, 0), interp)
	out := fromImage(scaled)
	if !crisp {
		out = raster.Median3(out)
	}
	return out
}

func fromImage(img image.Image) *raster.BinaryMask {
	if g, ok := img.(*image.Gray); ok {
		return raster.MaskFromGray(g)
	}
	b := img.Bounds()
	m := raster.NewMask(b.Dx(), b.Dy())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			if color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y >= 128 {
				m.Pix[y*m.Width+x] = raster.On
			}
		}
	}
	return m
}
