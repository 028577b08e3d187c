package label2mask

import (
	"math"

	"img2keychain/raster"
	k2ptypes "img2keychain/type"
)

// StrokeColor is the filament colour of the outer border layer.
var StrokeColor = k2ptypes.MustHex("#f5f5f5")

const maxStrokePx = 80

// StrokeWidth converts the border thickness to pixels using the mean of the
// horizontal and vertical pixel densities, clamped to [1, 80].
func StrokeWidth(w, h int, widthMM, heightMM, borderMM float64) int {
	pxPerMM := (float64(w)/math.Max(1, widthMM) + float64(h)/math.Max(1, heightMM)) / 2
	return max(1, min(maxStrokePx, int(math.Round(borderMM*pxPerMM))))
}

// StrokeMask is the ring obtained by dilating the silhouette by the border
// width, with small fragments removed. It reports false when the ring is
// too thin to print, either before or after cleanup.
func StrokeMask(sil *raster.BinaryMask, widthMM, heightMM, borderMM float64) (*raster.BinaryMask, bool) {
	if borderMM <= 0 {
		return nil, false
	}
	n := float64(sil.Len())
	px := StrokeWidth(sil.Width, sil.Height, widthMM, heightMM, borderMM)
	ring := raster.Dilate(sil, px).AndNot(sil)
	if ring.Count() < max(80, int(math.Round(n*0.00005))) {
		return nil, false
	}
	ring = raster.RemoveSmallComponents(ring, max(20, int(math.Round(n*0.00002))))
	if ring.Count() < max(50, int(math.Round(n*0.00003))) {
		return nil, false
	}
	return ring, true
}
