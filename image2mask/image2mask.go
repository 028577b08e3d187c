// Package image2mask separates a logo from its background and produces the
// silhouette mask and clean RGBA image the rest of the pipeline consumes.
package image2mask

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"img2keychain/raster"
)

// ErrEmptyImage is returned for images with no pixels.
var ErrEmptyImage = errors.New("image2mask: empty image")

const (
	cornerSample        = 20
	alphaOpaque         = 250
	alphaCut            = 128
	usefulAlphaFraction = 0.001
	minTolerance        = 10
	maxTolerance        = 60
	strictFactor        = 0.7
	noiseAreaFraction   = 0.00005
	bridgeRadius        = 2

	// keep-background heuristics
	neutralLightness = 0.78
	neutralMaxDelta  = 28
	cornerMaxSpread  = 24
	bgRatioMin       = 0.02
	bgRatioMax       = 0.9995
)

// Options tunes Separate. Zero values take defaults.
type Options struct {
	Threshold      int     // detection sensitivity, typical 100-220
	MaxDimension   int     // processing cap in px, default 2000
	KeepBackground bool    // keep the full frame and detect a paintable background
	PocketAreaFrac float64 // largest background pocket re-filled, as a fraction of the image, default 0.02
	Logger         *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Threshold == 0 {
		o.Threshold = 180
	}
	if o.MaxDimension <= 0 {
		o.MaxDimension = 2000
	}
	if o.PocketAreaFrac <= 0 {
		o.PocketAreaFrac = 0.02
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Result is the separator output.
type Result struct {
	Silhouette *raster.BinaryMask
	Clean      *raster.RasterImage // RGB untouched, alpha = silhouette
	Background color.RGBA
	Tolerance  float64
	UsedAlpha  bool

	// BackgroundMask is set in keep-background mode when the flood-filled
	// background is large enough to print as its own colour.
	BackgroundMask *raster.BinaryMask
}

// Foreground is the silhouette without the paintable background.
func (r *Result) Foreground() *raster.BinaryMask {
	if r.BackgroundMask == nil {
		return r.Silhouette
	}
	return r.Silhouette.AndNot(r.BackgroundMask)
}

// Decode reads a PNG, JPEG or WebP image.
func Decode(r io.Reader) (*raster.RasterImage, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	out := raster.FromImage(img)
	if out.Len() == 0 {
		return nil, ErrEmptyImage
	}
	return out, nil
}

// HasUsefulAlpha reports whether more than 0.1% of pixels are not opaque.
func HasUsefulAlpha(img *raster.RasterImage) bool {
	if img.Channels < 4 {
		return false
	}
	n := 0
	for i := 0; i < img.Len(); i++ {
		if img.Alpha(i) < alphaOpaque {
			n++
		}
	}
	return float64(n)/float64(img.Len()) > usefulAlphaFraction
}

// EstimateBackground averages the four 20x20 corner blocks.
func EstimateBackground(img *raster.RasterImage) color.RGBA {
	var r, g, b, n int
	for _, c := range cornerBlocks(img.Width, img.Height, cornerSample) {
		for y := c.Min.Y; y < c.Max.Y; y++ {
			for x := c.Min.X; x < c.Max.X; x++ {
				pr, pg, pb := img.RGB(y*img.Width + x)
				r, g, b, n = r+int(pr), g+int(pg), b+int(pb), n+1
			}
		}
	}
	if n == 0 {
		return color.RGBA{A: 255}
	}
	return color.RGBA{R: roundDiv(r, n), G: roundDiv(g, n), B: roundDiv(b, n), A: 255}
}

// cornerBlocks clips size x size squares at each corner. Blocks overlap on
// images smaller than 2*size.
func cornerBlocks(w, h, size int) []image.Rectangle {
	sw, sh := min(size, w), min(size, h)
	return []image.Rectangle{
		image.Rect(0, 0, sw, sh),
		image.Rect(w-sw, 0, w, sh),
		image.Rect(0, h-sh, sw, h),
		image.Rect(w-sw, h-sh, w, h),
	}
}

func roundDiv(a, n int) uint8 {
	return uint8(math.Round(float64(a) / float64(n)))
}

// AdaptiveTolerance derives the flood-fill tolerance from the 90th percentile
// of perimeter distances to bg, scaled by the sensitivity slider and clamped
// to [10, 60].
func AdaptiveTolerance(img *raster.RasterImage, bg color.RGBA, threshold int) float64 {
	w, h := img.Width, img.Height
	step := max(1, min(w, h)/100)
	var dist []float64
	for x := 0; x < w; x += step {
		dist = append(dist, distance(img, x, bg), distance(img, (h-1)*w+x, bg))
	}
	for y := 0; y < h; y += step {
		dist = append(dist, distance(img, y*w, bg), distance(img, y*w+w-1, bg))
	}
	slices.Sort(dist)
	p90 := 0.0
	if len(dist) > 0 {
		p90 = dist[min(len(dist)-1, int(float64(len(dist))*0.9))]
	}
	base := math.Round(p90*1.1 + 4)
	norm := math.Min(1, math.Max(0, float64(threshold-100)/120))
	tol := math.Round(base * (0.85 + 0.4*norm))
	return math.Min(maxTolerance, math.Max(minTolerance, tol))
}

func distance(img *raster.RasterImage, i int, bg color.RGBA) float64 {
	r, g, b := img.RGB(i)
	dr := float64(r) - float64(bg.R)
	dg := float64(g) - float64(bg.G)
	db := float64(b) - float64(bg.B)
	return math.Sqrt(dr*dr + dg*dg + db*db)
}

// Separate runs the foreground separator on img.
func Separate(img *raster.RasterImage, opts Options) (*Result, error) {
	if img == nil || img.Len() == 0 {
		return nil, ErrEmptyImage
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	log := opts.Logger.With(zap.String("component", "image2mask"))

	var res *Result
	switch {
	case HasUsefulAlpha(img):
		res = &Result{
			Silhouette: raster.MaskFunc(img.Width, img.Height, func(i int) bool { return img.Alpha(i) >= alphaCut }),
			UsedAlpha:  true,
		}
	case opts.KeepBackground:
		res = keepBackground(img, opts)
	default:
		res = floodBackground(img, opts)
	}
	res.Clean = withAlpha(img, res.Silhouette)

	if maxDim := max(img.Width, img.Height); maxDim > opts.MaxDimension {
		res = downscale(res, opts.MaxDimension)
		log.Debug("downscaled", zap.Int("from", maxDim), zap.Int("to", opts.MaxDimension))
	}

	log.Debug("silhouette ready",
		zap.Bool("alpha", res.UsedAlpha),
		zap.Float64("tolerance", res.Tolerance),
		zap.Int("foreground", res.Silhouette.Count()),
		zap.Int("pixels", res.Silhouette.Len()),
		zap.Bool("background_slot", res.BackgroundMask != nil),
	)
	return res, nil
}

// floodBackground removes the background reachable from the border. An
// image whose border is entirely foreground-like keeps every pixel.
func floodBackground(img *raster.RasterImage, opts Options) *Result {
	bg := EstimateBackground(img)
	tol := AdaptiveTolerance(img, bg, opts.Threshold)
	w, h, n := img.Width, img.Height, img.Len()

	dist := make([]float64, n)
	for i := range dist {
		dist[i] = distance(img, i, bg)
	}
	background := raster.FloodFill(w, h, raster.BorderPixels(w, h), func(i int) bool { return dist[i] <= tol })

	// Background reached only through a narrow bridge and itself clearly
	// background-coloured is a glyph counter, not background.
	strict := tol * strictFactor
	opened := raster.Open(background, bridgeRadius)
	reached := raster.FloodFill(w, h, raster.BorderPixels(w, h), opened.IsOn)
	maxPocket := max(1, int(math.Round(opts.PocketAreaFrac*float64(n))))
	pockets := raster.NewMask(w, h)
	for c := range raster.MaskComponents(opened.AndNot(reached)) {
		if c.Area() >= maxPocket {
			continue
		}
		strictN := 0
		for _, i := range c.Pixels {
			if dist[i] <= strict {
				strictN++
			}
		}
		if 2*strictN < c.Area() {
			continue
		}
		for _, i := range c.Pixels {
			pockets.Pix[i] = raster.On
		}
	}
	if pockets.Count() > 0 {
		background = background.AndNot(raster.Dilate(pockets, bridgeRadius))
	}

	sil := raster.Close(background.Invert(), 1)
	sil = raster.RemoveSmallComponents(sil, max(1, int(math.Round(noiseAreaFraction*float64(n)))))
	return &Result{Silhouette: sil, Background: bg, Tolerance: tol}
}

// keepBackground keeps the whole frame; a neutral light backdrop is flood
// filled from the corners and returned as a paintable background mask.
func keepBackground(img *raster.RasterImage, opts Options) *Result {
	w, h, n := img.Width, img.Height, img.Len()
	res := &Result{Silhouette: raster.FullMask(w, h)}

	size := max(4, min(32, int(math.Round(float64(min(w, h))*0.06))))
	var means []color.RGBA
	for _, c := range cornerBlocks(w, h, size) {
		var r, g, b, k int
		for y := c.Min.Y; y < c.Max.Y; y++ {
			for x := c.Min.X; x < c.Max.X; x++ {
				pr, pg, pb := img.RGB(y*w + x)
				r, g, b, k = r+int(pr), g+int(pg), b+int(pb), k+1
			}
		}
		if k > 0 {
			means = append(means, color.RGBA{R: roundDiv(r, k), G: roundDiv(g, k), B: roundDiv(b, k), A: 255})
		}
	}
	if len(means) == 0 {
		return res
	}
	var sr, sg, sb int
	for _, m := range means {
		sr, sg, sb = sr+int(m.R), sg+int(m.G), sb+int(m.B)
	}
	mean := color.RGBA{R: roundDiv(sr, len(means)), G: roundDiv(sg, len(means)), B: roundDiv(sb, len(means)), A: 255}
	spread := 0.0
	for _, m := range means {
		spread = math.Max(spread, rgbDistance(m, mean))
	}
	res.Background = mean
	if spread > cornerMaxSpread || !neutralLight(mean) {
		return res
	}

	tol := AdaptiveTolerance(img, mean, opts.Threshold)
	res.Tolerance = tol
	seeds := []int{0, w - 1, (h - 1) * w, n - 1}
	bgMask := raster.FloodFill(w, h, seeds, func(i int) bool { return distance(img, i, mean) <= tol })
	ratio := float64(bgMask.Count()) / float64(n)
	if ratio > bgRatioMin && ratio < bgRatioMax {
		res.BackgroundMask = bgMask
	}
	return res
}

func neutralLight(c color.RGBA) bool {
	hi := max(c.R, c.G, c.B)
	lo := min(c.R, c.G, c.B)
	lightness := (float64(hi) + float64(lo)) / 510
	return lightness > neutralLightness && float64(hi-lo) < neutralMaxDelta
}

func rgbDistance(a, b color.RGBA) float64 {
	dr := float64(a.R) - float64(b.R)
	dg := float64(a.G) - float64(b.G)
	db := float64(a.B) - float64(b.B)
	return math.Sqrt(dr*dr + dg*dg + db*db)
}

// withAlpha copies the RGB channels and replaces alpha with the mask.
func withAlpha(img *raster.RasterImage, sil *raster.BinaryMask) *raster.RasterImage {
	out := raster.NewRasterImage(img.Width, img.Height, 4)
	for i := 0; i < img.Len(); i++ {
		r, g, b := img.RGB(i)
		o := i * 4
		out.Pix[o], out.Pix[o+1], out.Pix[o+2] = r, g, b
		out.Pix[o+3] = sil.Pix[i]
	}
	return out
}

// downscale resizes the clean image with Catmull-Rom on its opaque RGB and
// the masks with nearest neighbour, then re-derives the silhouette from the
// resized alpha.
func downscale(res *Result, maxDim int) *Result {
	src := res.Clean
	scale := float64(maxDim) / float64(max(src.Width, src.Height))
	nw := max(1, int(math.Round(float64(src.Width)*scale)))
	nh := max(1, int(math.Round(float64(src.Height)*scale)))

	opaque := src.ToNRGBA()
	for i := 3; i < len(opaque.Pix); i += 4 {
		opaque.Pix[i] = 255
	}
	rgb := image.NewNRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(rgb, rgb.Bounds(), opaque, opaque.Bounds(), draw.Src, nil)

	alpha := scaleMask(res.Silhouette, nw, nh)
	clean := raster.FromImage(rgb)
	for i := 0; i < clean.Len(); i++ {
		clean.Pix[i*4+3] = alpha.Pix[i]
	}

	out := *res
	out.Clean = clean
	out.Silhouette = raster.MaskFunc(nw, nh, func(i int) bool { return clean.Alpha(i) >= alphaCut })
	if res.BackgroundMask != nil {
		out.BackgroundMask = scaleMask(res.BackgroundMask, nw, nh)
	}
	return &out
}

func scaleMask(m *raster.BinaryMask, w, h int) *raster.BinaryMask {
	src := m.ToGray(255, 0)
	dst := image.NewGray(image.Rect(0, 0, w, h))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return raster.MaskFromGray(dst)
}
