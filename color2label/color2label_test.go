package color2label

import (
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"img2keychain/image2color"
	"img2keychain/image2mask"
	"img2keychain/raster"
	k2ptypes "img2keychain/type"
)

var (
	red    = color.RGBA{R: 255, A: 255}
	blue   = color.RGBA{B: 255, A: 255}
	black  = color.RGBA{A: 255}
	white  = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	gray   = color.RGBA{R: 128, G: 128, B: 128, A: 255}
	violet = color.RGBA{R: 100, B: 200, A: 255}
)

func paint(w, h int, at func(x, y int) color.RGBA) *raster.RasterImage {
	img := raster.NewRasterImage(w, h, 4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := at(x, y)
			o := (y*w + x) * 4
			img.Pix[o], img.Pix[o+1], img.Pix[o+2], img.Pix[o+3] = c.R, c.G, c.B, 255
		}
	}
	return img
}

func row(colors ...color.RGBA) *raster.RasterImage {
	return paint(len(colors), 1, func(x, _ int) color.RGBA { return colors[x] })
}

func labels(lm *raster.LabelMap) []int32 { return lm.Labels }

func newContext(t *testing.T, img *raster.RasterImage, sil *raster.BinaryMask, cfg Config, colors ...color.RGBA) *Context {
	t.Helper()
	c, err := NewContext(img, sil, nil, k2ptypes.NewPalette(colors...), cfg, 0)
	require.NoError(t, err)
	return c
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name string
		edit func(*Config)
	}{
		{"saturation above one", func(c *Config) { c.DarkMaxSaturation = 1.5 }},
		{"luminance above scale", func(c *Config) { c.DarkLuminance = 300 }},
		{"negative margin", func(c *Config) { c.DarkMargin = -1 }},
		{"nan seed", func(c *Config) { c.SeedDistance = math.NaN() }},
		{"halo radius", func(c *Config) { c.DarkHaloRadius = 9 }},
		{"island area", func(c *Config) { c.CrispIslandMinArea = -1 }},
		{"slot pixels", func(c *Config) { c.MinSlotPixels = 0 }},
		{"crisp colors", func(c *Config) { c.CrispMaxColors = 0 }},
		{"core above halo", func(c *Config) { c.DarkCoreLuminance, c.HaloLuminance = 100, 50 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.edit(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestRedmeanDistance(t *testing.T) {
	assert.Zero(t, RedmeanDistance(12, 34, 56, 12, 34, 56))
	assert.InDelta(t, math.Sqrt(8.99609375*255*255), RedmeanDistance(0, 0, 0, 255, 255, 255), 1e-9)
	assert.Equal(t, RedmeanDistance(200, 10, 30, 5, 90, 250), RedmeanDistance(5, 90, 250, 200, 10, 30))
	assert.InDelta(t, 255.0, Luminance(255, 255, 255), 1e-9)
}

func TestNewContextDarkSlot(t *testing.T) {
	img := row(red, black, red)
	sil := raster.FullMask(3, 1)

	t.Run("synthesized", func(t *testing.T) {
		c := newContext(t, img, sil, DefaultConfig(), red)
		assert.True(t, c.Synthesized)
		assert.Equal(t, int32(1), c.DarkSlot)
		require.Equal(t, 2, c.Palette.Len())
		assert.Equal(t, black, c.Palette.Slots[1].Color)
		assert.Equal(t, k2ptypes.RoleDark, c.Palette.Slots[1].Role)
	})
	t.Run("existing neutral", func(t *testing.T) {
		c := newContext(t, img, sil, DefaultConfig(), red, color.RGBA{R: 10, G: 10, B: 10, A: 255})
		assert.False(t, c.Synthesized)
		assert.Equal(t, int32(1), c.DarkSlot)
		assert.Equal(t, 2, c.Palette.Len())
	})
	t.Run("saturated blue is not dark", func(t *testing.T) {
		c := newContext(t, row(red, blue), raster.FullMask(2, 1), DefaultConfig(), red, blue)
		assert.Equal(t, int32(-1), c.DarkSlot)
		assert.True(t, c.Crisp)
	})
	t.Run("input palette untouched", func(t *testing.T) {
		p := k2ptypes.NewPalette(red)
		_, err := NewContext(img, sil, nil, p, DefaultConfig(), 0)
		require.NoError(t, err)
		assert.Equal(t, 1, p.Len())
	})
	t.Run("size mismatch", func(t *testing.T) {
		_, err := NewContext(img, raster.FullMask(2, 1), nil, k2ptypes.NewPalette(red), DefaultConfig(), 0)
		assert.Error(t, err)
	})
	t.Run("empty palette", func(t *testing.T) {
		_, err := NewContext(row(red), raster.FullMask(1, 1), nil, k2ptypes.Palette{}, DefaultConfig(), 0)
		assert.ErrorIs(t, err, ErrEmptyPalette)
	})
}

func TestInitial(t *testing.T) {
	img := row(red, black, white, blue)
	sil := raster.MaskFunc(4, 1, func(i int) bool { return i < 3 })
	c := newContext(t, img, sil, DefaultConfig(), red, blue)

	out := Initial(c, raster.NewLabelMap(4, 1))
	// black is forced to the synthesized dark slot, white is nearer red
	// than the penalised dark
	assert.Equal(t, []int32{0, 2, 0, -1}, labels(out))
}

func TestPropagateSpreadsDark(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CrispMaxColors = 1
	img := row(black, gray, gray, gray, red)
	c := newContext(t, img, raster.FullMask(5, 1), cfg, red, black)
	require.False(t, c.Crisp)

	in := Initial(c, raster.NewLabelMap(5, 1))
	require.Equal(t, []int32{1, 0, 0, 0, 0}, labels(in))

	// dark and red grow from their seeds at the same pace
	out := Propagate(c, in)
	assert.Equal(t, []int32{1, 1, 1, 0, 0}, labels(out))
	assert.Equal(t, []int32{1, 0, 0, 0, 0}, labels(in), "input is not mutated")
}

func TestBoundaryVotesBand(t *testing.T) {
	// violet on the left edge of a red square is nearer blue, but the band
	// is voted from the red interior
	img := paint(12, 12, func(x, _ int) color.RGBA {
		if x == 1 {
			return violet
		}
		return red
	})
	sil := raster.MaskFunc(12, 12, func(i int) bool {
		x, y := i%12, i/12
		return x >= 1 && x <= 10 && y >= 1 && y <= 10
	})
	c := newContext(t, img, sil, DefaultConfig(), red, blue)

	in := Initial(c, raster.NewLabelMap(12, 12))
	require.Equal(t, int32(1), in.Labels[5*12+1])

	out := Boundary(c, in)
	for i, l := range out.Labels {
		if sil.IsOn(i) {
			assert.Equal(t, int32(0), l, "pixel %d", i)
		} else {
			assert.Equal(t, raster.Unassigned, l)
		}
	}
}

func TestBoundarySkipsThinShapes(t *testing.T) {
	img := row(red, violet, red)
	c := newContext(t, img, raster.FullMask(3, 1), DefaultConfig(), red, blue)
	// a full row has no off pixel, so its interior is everything and the
	// band is empty
	in := Initial(c, raster.NewLabelMap(3, 1))
	assert.Equal(t, labels(in), labels(Boundary(c, in)))

	line := raster.MaskFunc(5, 3, func(i int) bool { return i/5 == 1 })
	img = paint(5, 3, func(x, _ int) color.RGBA {
		if x == 2 {
			return violet
		}
		return red
	})
	c = newContext(t, img, line, DefaultConfig(), red, blue)
	in = Initial(c, raster.NewLabelMap(5, 3))
	assert.Equal(t, labels(in), labels(Boundary(c, in)), "interior too small to trust")
}

func TestMajority(t *testing.T) {
	assert.Equal(t, int32(2), majority(map[int32]int{1: 3, 2: 3}, 2), "tie keeps current")
	assert.Equal(t, int32(1), majority(map[int32]int{1: 3, 2: 3}, 0), "other ties go low")
	assert.Equal(t, int32(2), majority(map[int32]int{1: 1, 2: 3}, 1))
}

func TestDarkRefine(t *testing.T) {
	img := row(black, gray, red, red, red, red, red)
	c := newContext(t, img, raster.FullMask(7, 1), DefaultConfig(), red, black)
	require.True(t, c.Crisp)

	in := Initial(c, raster.NewLabelMap(7, 1))
	require.Equal(t, []int32{1, 0, 0, 0, 0, 0, 0}, labels(in))
	in.Labels[6] = 1 // vivid red outside the halo wrongly on dark

	out := DarkRefine(c, in)
	assert.Equal(t, []int32{1, 1, 0, 0, 0, 0, 0}, labels(out))
}

func TestEdgeMajority(t *testing.T) {
	img := paint(5, 5, func(x, y int) color.RGBA {
		if x == 2 && y == 2 {
			return blue
		}
		return red
	})
	c := newContext(t, img, raster.FullMask(5, 5), DefaultConfig(), red, blue)
	in := raster.NewLabelMap(5, 5)
	for i := range in.Labels {
		in.Labels[i] = 0
	}
	in.Labels[12] = 1
	in.Labels[6] = 1 // red pixel on the blue label

	out := EdgeMajority(c, in)
	assert.Equal(t, int32(0), out.Labels[6], "closer to the majority")
	assert.Equal(t, int32(1), out.Labels[12], "blue stays blue")
}

func TestIslands(t *testing.T) {
	block := func(x0, size int) func(x, y int) color.RGBA {
		return func(x, y int) color.RGBA {
			if x >= x0 && x < x0+size && y >= 2 && y < 2+size {
				return blue
			}
			return red
		}
	}

	img := paint(12, 12, block(2, 2))
	c := newContext(t, img, raster.FullMask(12, 12), DefaultConfig(), red, blue)
	out := Islands(c, Initial(c, raster.NewLabelMap(12, 12)))
	assert.Equal(t, []int{144, 0}, out.Counts(2))

	img = paint(12, 12, block(2, 5))
	c = newContext(t, img, raster.FullMask(12, 12), DefaultConfig(), red, blue)
	out = Islands(c, Initial(c, raster.NewLabelMap(12, 12)))
	assert.Equal(t, []int{119, 25}, out.Counts(2))
}

func TestIslandMinArea(t *testing.T) {
	cfg := DefaultConfig()
	c := &Context{Config: cfg, Crisp: true, silCount: 100}
	assert.Equal(t, cfg.CrispDarkIslandMinArea, c.IslandMinArea(true))
	assert.Equal(t, cfg.CrispIslandMinArea, c.IslandMinArea(false))

	c = &Context{Config: cfg, silCount: 10_000_000}
	assert.Equal(t, 100, c.IslandMinArea(false), "fraction floor")
	assert.Equal(t, 100, c.IslandMinArea(true))
}

func TestDarkViability(t *testing.T) {
	img := paint(50, 20, func(x, y int) color.RGBA {
		if x == 0 && y == 0 {
			return black
		}
		return red
	})
	c := newContext(t, img, raster.FullMask(50, 20), DefaultConfig(), red, black)
	in := Initial(c, raster.NewLabelMap(50, 20))
	require.Equal(t, []int{999, 1}, in.Counts(2))
	assert.Equal(t, []int{1000, 0}, DarkViability(c, in).Counts(2))

	img = paint(50, 20, func(x, y int) color.RGBA {
		if y == 0 && x < 10 {
			return black
		}
		return red
	})
	c = newContext(t, img, raster.FullMask(50, 20), DefaultConfig(), red, black)
	in = Initial(c, raster.NewLabelMap(50, 20))
	assert.Equal(t, []int{990, 10}, DarkViability(c, in).Counts(2))
}

func TestFinalize(t *testing.T) {
	img := paint(10, 10, func(x, y int) color.RGBA {
		if y == 0 {
			return blue
		}
		return red
	})
	c := newContext(t, img, raster.FullMask(10, 10), DefaultConfig(), red, blue, color.RGBA{G: 255, A: 255})
	in := Initial(c, raster.NewLabelMap(10, 10))
	require.Equal(t, []int{90, 10, 0}, in.Counts(3))
	in.Labels[55] = raster.Unassigned

	out := Finalize(c, in)
	assert.Equal(t, []int{100, 0, 0}, out.Counts(3))
	assert.Empty(t, out.Unresolved(c.Silhouette))
}

func TestPassOrder(t *testing.T) {
	names := func(ps []Pass) []string {
		var out []string
		for _, p := range ps {
			out = append(out, p.Name)
		}
		return out
	}
	img := row(red, black)
	c := newContext(t, img, raster.FullMask(2, 1), DefaultConfig(), red)
	assert.Equal(t, []string{"initial", "boundary", "dark-refine", "edge-majority", "islands", "dark-viability", "finalize"}, names(Passes(c)))

	cfg := DefaultConfig()
	cfg.CrispMaxColors = 1
	c = newContext(t, img, raster.FullMask(2, 1), cfg, red)
	assert.Equal(t, []string{"initial", "propagate", "boundary", "edge-majority", "islands", "dark-viability", "finalize"}, names(Passes(c)))
}

func TestClassifyOutlinedLogo(t *testing.T) {
	// red square with a black frame and a black "O" whose counter is white,
	// on a white backdrop
	inRect := func(x, y, x0, y0, x1, y1 int) bool { return x >= x0 && x < x1 && y >= y0 && y < y1 }
	img := paint(100, 100, func(x, y int) color.RGBA {
		switch {
		case !inRect(x, y, 30, 30, 70, 70):
			return white
		case !inRect(x, y, 32, 32, 68, 68):
			return black
		case inRect(x, y, 45, 45, 55, 55):
			return white
		case inRect(x, y, 42, 42, 58, 58):
			return black
		default:
			return red
		}
	})

	sep, err := image2mask.Separate(img, image2mask.Options{Threshold: 180})
	require.NoError(t, err)
	require.Equal(t, 1600, sep.Silhouette.Count(), "counter stays foreground")

	palette := image2color.ExtractPalette(sep.Clean, sep.Silhouette, 4)
	require.Equal(t, []string{"#ff0000", "#000000"}, palette.Hexes())

	res, err := NewClassifier(DefaultConfig(), nil).Classify(sep.Clean, sep.Silhouette, nil, palette, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, res.Retained)
	assert.Equal(t, 1, res.DarkSlot)
	assert.Equal(t, []int{1140, 460}, res.Counts)
	assert.Equal(t, int32(0), res.Labels.Labels[50*100+50], "counter takes the fill")
	assert.Equal(t, int32(1), res.Labels.Labels[43*100+50])
}

func TestClassifyLabelsEverySilhouettePixel(t *testing.T) {
	colors := []color.RGBA{red, blue, black, white, gray, violet, {R: 40, G: 200, B: 90, A: 255}}
	rapid.Check(t, func(t *rapid.T) {
		w := rapid.IntRange(1, 12).Draw(t, "w")
		h := rapid.IntRange(1, 12).Draw(t, "h")
		px := rapid.SliceOfN(rapid.SampledFrom(colors), w*h, w*h).Draw(t, "pixels")
		on := rapid.SliceOfN(rapid.Bool(), w*h, w*h).Draw(t, "silhouette")
		pal := rapid.SliceOfN(rapid.SampledFrom(colors), 1, 4).Draw(t, "palette")

		img := paint(w, h, func(x, y int) color.RGBA { return px[y*w+x] })
		sil := raster.MaskFunc(w, h, func(i int) bool { return on[i] })
		res, err := NewClassifier(DefaultConfig(), nil).Classify(img, sil, nil, k2ptypes.NewPalette(pal...), 0)
		if err != nil {
			t.Fatalf("classify: %v", err)
		}
		for i, l := range res.Labels.Labels {
			if sil.IsOn(i) && (l < 0 || int(l) >= res.Palette.Len()) {
				t.Fatalf("pixel %d has label %d", i, l)
			}
			if !sil.IsOn(i) && l != raster.Unassigned {
				t.Fatalf("pixel %d outside silhouette has label %d", i, l)
			}
		}
	})
}

func TestClassifyKeepsBackgroundSlot(t *testing.T) {
	img := paint(20, 20, func(x, y int) color.RGBA {
		if x >= 5 && x < 15 && y >= 5 && y < 15 {
			return red
		}
		return white
	})
	sil := raster.FullMask(20, 20)
	bg := raster.MaskFunc(20, 20, func(i int) bool { return img.Pix[i*4+1] == 255 })
	p := k2ptypes.NewPalette(red)
	p.Append(k2ptypes.Slot{Color: white, Role: k2ptypes.RoleBackground})

	res, err := NewClassifier(DefaultConfig(), nil).Classify(img, sil, bg, p, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{100, 300}, res.Counts)
	assert.Equal(t, -1, res.DarkSlot)
}

func TestClassifyHonoursColourCap(t *testing.T) {
	img := paint(100, 100, func(x, y int) color.RGBA {
		switch {
		case y == 50 && x >= 5 && x < 95:
			return black
		case x < 50:
			return red
		default:
			return blue
		}
	})
	sil := raster.FullMask(100, 100)
	pal := image2color.ExtractPalette(img, sil, 2)
	require.Equal(t, 2, pal.Len())

	res, err := NewClassifier(DefaultConfig(), nil).Classify(img, sil, nil, pal, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Palette.Len(), "no dark slot beyond the cap")
	assert.Len(t, res.Retained, 2)
	assert.Equal(t, -1, res.DarkSlot)
	for _, l := range res.Labels.Labels {
		assert.Less(t, l, int32(2))
	}

	uncapped, err := NewClassifier(DefaultConfig(), nil).Classify(img, sil, nil, pal, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, uncapped.Palette.Len())
}

func TestClassifyDarkTakesLeastPopulatedSlotAtCap(t *testing.T) {
	img := paint(100, 10, func(x, _ int) color.RGBA {
		switch {
		case x < 60:
			return red
		case x < 95:
			return black
		default:
			return blue
		}
	})
	sil := raster.FullMask(100, 10)

	res, err := NewClassifier(DefaultConfig(), nil).Classify(img, sil, nil, k2ptypes.NewPalette(red, blue), 2)
	require.NoError(t, err)
	require.Equal(t, 2, res.Palette.Len())
	assert.Equal(t, "#ff0000", k2ptypes.Hex(res.Palette.Slots[0].Color))
	assert.Equal(t, k2ptypes.RoleDark, res.Palette.Slots[1].Role)
	assert.Equal(t, 1, res.DarkSlot)
	assert.Equal(t, int32(1), res.Labels.Labels[5*100+70])
	assert.LessOrEqual(t, len(res.Retained), 2)
}
