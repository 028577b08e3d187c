package image2color

import (
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"img2keychain/raster"
	k2ptypes "img2keychain/type"
)

// stripes paints consecutive runs of pixels, one run per colour.
func stripes(runs map[color.RGBA]int, order []color.RGBA) (*raster.RasterImage, *raster.BinaryMask) {
	n := 0
	for _, c := range order {
		n += runs[c]
	}
	img := raster.NewRasterImage(n, 1, 4)
	i := 0
	for _, c := range order {
		for k := 0; k < runs[c]; k++ {
			img.Pix[i*4], img.Pix[i*4+1], img.Pix[i*4+2], img.Pix[i*4+3] = c.R, c.G, c.B, 255
			i++
		}
	}
	return img, raster.FullMask(n, 1)
}

var (
	red    = color.RGBA{R: 255, A: 255}
	orange = color.RGBA{R: 255, G: 80, A: 255}
	blue   = color.RGBA{R: 20, G: 60, B: 230, A: 255}
	black  = color.RGBA{A: 255}
	white  = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

func TestExtractPaletteSaturatedAndDark(t *testing.T) {
	img, fg := stripes(map[color.RGBA]int{red: 3000, black: 800, white: 200}, []color.RGBA{red, black, white})

	p := ExtractPalette(img, fg, 4)
	require.Equal(t, 2, p.Len())
	assert.Equal(t, red, p.Slots[0].Color, "bucket mean keeps the exact colour")
	assert.Equal(t, k2ptypes.RoleColor, p.Slots[0].Role)
	assert.Equal(t, black, p.Slots[1].Color)
	assert.Equal(t, k2ptypes.RoleDark, p.Slots[1].Role)
}

func TestExtractPaletteHueSeparation(t *testing.T) {
	// red and orange are 19 degrees apart
	img, fg := stripes(map[color.RGBA]int{red: 3000, orange: 2000, blue: 1000}, []color.RGBA{red, orange, blue})

	p := ExtractPalette(img, fg, 4)
	assert.Equal(t, []string{"#ff0000", "#143ce6"}, p.Hexes())
}

func TestExtractPaletteRespectsMaxColors(t *testing.T) {
	img, fg := stripes(map[color.RGBA]int{red: 3000, blue: 2000, black: 1000}, []color.RGBA{red, blue, black})

	p := ExtractPalette(img, fg, 2)
	assert.Equal(t, 2, p.Len())
	assert.Equal(t, 1, p.Index(k2ptypes.RoleDark), "dark keeps its place")

	p = ExtractPalette(img, fg, 1)
	assert.Equal(t, []string{"#ff0000"}, p.Hexes())
}

func TestExtractPaletteLightOnly(t *testing.T) {
	img, fg := stripes(map[color.RGBA]int{white: 500}, []color.RGBA{white})
	p := ExtractPalette(img, fg, 4)
	assert.Equal(t, []string{"#ffffff"}, p.Hexes())
}

func TestExtractPaletteEmptyForeground(t *testing.T) {
	img, _ := stripes(map[color.RGBA]int{red: 10}, []color.RGBA{red})
	p := ExtractPalette(img, raster.NewMask(10, 1), 4)
	assert.Equal(t, []string{"#3cb4dc", "#dc3ca0"}, p.Hexes())
}

func TestExtractPaletteMedianCutFallback(t *testing.T) {
	// too few dark pixels to qualify as the dark slot, nothing saturated
	img, fg := stripes(map[color.RGBA]int{black: 40}, []color.RGBA{black})
	p := ExtractPalette(img, fg, 3)
	assert.Equal(t, []string{"#000000"}, p.Hexes())
}

func TestMedianCut(t *testing.T) {
	var px []color.RGBA
	for i := 0; i < 30; i++ {
		px = append(px, red)
	}
	for i := 0; i < 10; i++ {
		px = append(px, blue)
	}
	got := MedianCut(px, 2)
	require.Len(t, got, 2)
	assert.Contains(t, got, red)

	assert.Nil(t, MedianCut(nil, 4))
	assert.Len(t, MedianCut([]color.RGBA{red}, 4), 1)
}

func TestDedupePalette(t *testing.T) {
	got := DedupePalette([]color.RGBA{red, {R: 250, G: 5, A: 255}, blue}, 14)
	assert.Equal(t, []color.RGBA{red, blue}, got)
}

func TestHueDistance(t *testing.T) {
	assert.Equal(t, 20.0, HueDistance(350, 10))
	assert.Equal(t, 180.0, HueDistance(0, 180))
}
