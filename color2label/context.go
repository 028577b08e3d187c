package color2label

import (
	"errors"
	"fmt"
	"image/color"
	"math"

	"github.com/lucasb-eyer/go-colorful"

	"img2keychain/raster"
	k2ptypes "img2keychain/type"
)

// ErrEmptyPalette is returned when no slot can receive foreground pixels.
var ErrEmptyPalette = errors.New("color2label: palette has no printable slot")

// An existing neutral palette entry below this luminance becomes the dark slot.
const (
	darkSlotLuminance     = 72
	darkSlotMaxSaturation = 0.3
)

// RedmeanDistance is the low-cost perceptual RGB distance.
func RedmeanDistance(r1, g1, b1, r2, g2, b2 uint8) float64 {
	rMean := (float64(r1) + float64(r2)) / 2
	dr := float64(r1) - float64(r2)
	dg := float64(g1) - float64(g2)
	db := float64(b1) - float64(b2)
	return math.Sqrt((2+rMean/256)*dr*dr + 4*dg*dg + (2+(255-rMean)/256)*db*db)
}

// Luminance is the relative luminance on a 0-255 scale.
func Luminance(r, g, b uint8) float64 {
	return 0.2126*float64(r) + 0.7152*float64(g) + 0.0722*float64(b)
}

// Context is the read-only state shared by every pass: the image, masks,
// palette roles and per-pixel features computed once up front.
type Context struct {
	Image      *raster.RasterImage
	Silhouette *raster.BinaryMask
	Background *raster.BinaryMask // nil unless the backdrop is a print colour
	Interior   *raster.BinaryMask // Silhouette eroded by 1
	Palette    k2ptypes.Palette
	Config     Config

	DarkSlot       int32 // -1 when the palette has no dark slot
	BackgroundSlot int32 // -1 unless Background is set
	Synthesized    bool  // DarkSlot was not in the input palette
	Crisp          bool

	silCount    int
	lum         []float32
	sat         []float32
	light       []float32
	hardDark    []bool
	nearest     []int32
	nearestDist []float32
}

// NewContext prepares a classification. The dark slot is the palette's
// RoleDark entry, else its first neutral entry darker than luminance 72, else
// a new slot holding the mean colour of the hard-dark pixels.
//
// maxColors caps the print colours (dark included, background and stroke
// excluded); 0 means no cap. At the cap the new dark slot takes over the
// least-populated colour when it has more pixels, otherwise no dark slot is
// added and hard-dark pixels go to their nearest colour.
func NewContext(img *raster.RasterImage, sil, background *raster.BinaryMask, palette k2ptypes.Palette, cfg Config, maxColors int) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sil.Width != img.Width || sil.Height != img.Height {
		return nil, fmt.Errorf("color2label: silhouette %dx%d does not match image %dx%d",
			sil.Width, sil.Height, img.Width, img.Height)
	}
	c := &Context{
		Image:          img,
		Silhouette:     sil,
		Interior:       raster.Erode(sil, 1),
		Palette:        palette.Clone(),
		Config:         cfg,
		DarkSlot:       -1,
		BackgroundSlot: -1,
		silCount:       sil.Count(),
	}
	if background != nil {
		if i := c.Palette.Index(k2ptypes.RoleBackground); i >= 0 {
			c.Background = background
			c.BackgroundSlot = int32(i)
		}
	}

	if i := c.Palette.Index(k2ptypes.RoleDark); i >= 0 {
		c.DarkSlot = int32(i)
	} else {
		for i, s := range c.Palette.Slots {
			if s.Role == k2ptypes.RoleColor && neutralDark(s.Color) {
				c.DarkSlot = int32(i)
				c.Palette.Slots[i].Role = k2ptypes.RoleDark
				break
			}
		}
	}

	n := img.Len()
	c.lum = make([]float32, n)
	c.sat = make([]float32, n)
	c.light = make([]float32, n)
	c.hardDark = make([]bool, n)
	var darkR, darkG, darkB, darkN int
	for i := 0; i < n; i++ {
		if !sil.IsOn(i) {
			continue
		}
		r, g, b := img.RGB(i)
		_, s, l := colorful.Color{R: float64(r) / 255, G: float64(g) / 255, B: float64(b) / 255}.Hsl()
		c.lum[i] = float32(Luminance(r, g, b))
		c.sat[i] = float32(s)
		c.light[i] = float32(l)
		c.hardDark[i] = (float64(c.lum[i]) < cfg.DarkLuminance && l < cfg.DarkLightness) ||
			(s <= cfg.DarkMaxSaturation && l <= cfg.DarkMaxLightness)
		if c.hardDark[i] && !c.inBackground(i) {
			darkR, darkG, darkB, darkN = darkR+int(r), darkG+int(g), darkB+int(b), darkN+1
		}
	}
	if c.DarkSlot < 0 && darkN > 0 {
		mean := color.RGBA{
			R: uint8(math.Round(float64(darkR) / float64(darkN))),
			G: uint8(math.Round(float64(darkG) / float64(darkN))),
			B: uint8(math.Round(float64(darkB) / float64(darkN))),
			A: 255,
		}
		c.addDarkSlot(k2ptypes.Slot{Color: mean, Role: k2ptypes.RoleDark}, darkN, maxColors)
	}

	printable := 0
	for i := range c.Palette.Slots {
		if c.candidate(int32(i), true) {
			printable++
		}
	}
	if printable == 0 {
		return nil, ErrEmptyPalette
	}
	c.Crisp = printable <= cfg.CrispMaxColors

	c.nearest = make([]int32, n)
	c.nearestDist = make([]float32, n)
	for i := 0; i < n; i++ {
		c.nearest[i] = raster.Unassigned
		if !sil.IsOn(i) {
			continue
		}
		l, d := c.closest(i, true, true)
		c.nearest[i], c.nearestDist[i] = l, float32(d)
	}
	return c, nil
}

func (c *Context) addDarkSlot(dark k2ptypes.Slot, darkN, maxColors int) {
	colors := 0
	for _, s := range c.Palette.Slots {
		if s.Role == k2ptypes.RoleColor || s.Role == k2ptypes.RoleDark {
			colors++
		}
	}
	if maxColors <= 0 || colors < maxColors {
		c.DarkSlot = int32(c.Palette.Append(dark))
		c.Synthesized = true
		return
	}
	if colors < 2 {
		return
	}

	// nearest-colour pixel count per slot, hard-dark pixels excluded
	counts := make([]int, c.Palette.Len())
	for i, n := 0, c.Image.Len(); i < n; i++ {
		if !c.Silhouette.IsOn(i) || c.hardDark[i] || c.inBackground(i) {
			continue
		}
		if l, _ := c.closest(i, false, false); l >= 0 {
			counts[l]++
		}
	}
	least := -1
	for l, s := range c.Palette.Slots {
		if s.Role != k2ptypes.RoleColor {
			continue
		}
		if least < 0 || counts[l] < counts[least] {
			least = l
		}
	}
	if least >= 0 && darkN > counts[least] {
		c.Palette.Slots[least] = dark
		c.DarkSlot = int32(least)
		c.Synthesized = true
	}
}

func neutralDark(col color.RGBA) bool {
	_, s, _ := colorful.Color{R: float64(col.R) / 255, G: float64(col.G) / 255, B: float64(col.B) / 255}.Hsl()
	return Luminance(col.R, col.G, col.B) < darkSlotLuminance && s <= darkSlotMaxSaturation
}

func (c *Context) inBackground(i int) bool {
	return c.Background != nil && c.Background.IsOn(i)
}

// candidate reports whether slot l may receive pixels by colour distance.
func (c *Context) candidate(l int32, withDark bool) bool {
	if l == c.BackgroundSlot {
		return false
	}
	if l == c.DarkSlot {
		return withDark
	}
	role := c.Palette.Slots[l].Role
	return role != k2ptypes.RoleBackground && role != k2ptypes.RoleStroke
}

// Distance is the redmean distance from pixel i to slot l.
func (c *Context) Distance(i int, l int32) float64 {
	r, g, b := c.Image.RGB(i)
	s := c.Palette.Slots[l].Color
	return RedmeanDistance(r, g, b, s.R, s.G, s.B)
}

// darkPenalty makes saturated or light pixels pay to join the dark slot.
func (c *Context) darkPenalty(i int) float64 {
	return c.Config.DarkSaturationPenalty*float64(c.sat[i]) + c.Config.DarkLightnessPenalty*float64(c.light[i])
}

// closest returns the nearest candidate slot. The dark slot is only
// considered when withDark is set, and pays the penalty when penalize is set.
func (c *Context) closest(i int, withDark, penalize bool) (int32, float64) {
	best, bestD := raster.Unassigned, math.MaxFloat64
	for l := range c.Palette.Slots {
		li := int32(l)
		if !c.candidate(li, withDark) {
			continue
		}
		d := c.Distance(i, li)
		if li == c.DarkSlot && penalize {
			d += c.darkPenalty(i)
		}
		if d < bestD {
			best, bestD = li, d
		}
	}
	return best, bestD
}

// closestNonDark is the nearest printable slot other than dark, falling
// back to dark when nothing else exists.
func (c *Context) closestNonDark(i int) int32 {
	if l, _ := c.closest(i, false, false); l >= 0 {
		return l
	}
	return c.DarkSlot
}

// HardDark reports whether pixel i is forced to the dark slot.
func (c *Context) HardDark(i int) bool { return c.hardDark[i] }

// Nearest is the first-guess slot of pixel i and its penalised distance.
func (c *Context) Nearest(i int) (int32, float64) { return c.nearest[i], float64(c.nearestDist[i]) }

func (c *Context) isDarkish(i int) bool {
	return c.hardDark[i] ||
		(float64(c.sat[i]) <= c.Config.DarkMaxSaturation && float64(c.lum[i]) < c.Config.HaloLuminance)
}

func (c *Context) isVivid(i int) bool {
	return float64(c.sat[i]) >= c.Config.VividSaturation && float64(c.light[i]) >= c.Config.DarkLightness
}

// fixed reports pixels whose label no pass may change.
func (c *Context) fixed(i int) bool {
	return !c.Silhouette.IsOn(i) || c.inBackground(i)
}
