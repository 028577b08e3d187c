package image2color

import (
	"cmp"
	"image/color"
	"math"
	"slices"

	"github.com/lucasb-eyer/go-colorful"

	"img2keychain/raster"
	k2ptypes "img2keychain/type"
)

const (
	quantStep        = 25
	minSaturation    = 0.1  // 饱和色下限
	neutralMaxSat    = 0.3  // 暗色候选的饱和度上限
	lightMaxSat      = 0.1  // 浅色中性色
	minHueSeparation = 30.0 // 度
	darkMinCount     = 100
	darkLuminance    = 72
	minShare         = 0.005 // 第二个及以后饱和色的最小占比
	lightMinShare    = 0.25
	dedupeDistance   = 14
)

// Fallback 没有前景像素时使用的调色板
var Fallback = []color.RGBA{
	k2ptypes.MustHex("#3cb4dc"),
	k2ptypes.MustHex("#dc3ca0"),
}

// bucket 量化后的颜色桶，保存原始像素的和用于求平均色
type bucket struct {
	key       [3]int
	count     int
	r, g, b   int
	hue, sat  float64
	luminance float64
}

func (b *bucket) mean() color.RGBA {
	n := float64(b.count)
	return color.RGBA{
		R: uint8(math.Round(float64(b.r) / n)),
		G: uint8(math.Round(float64(b.g) / n)),
		B: uint8(math.Round(float64(b.b) / n)),
		A: 255,
	}
}

func quantize(v uint8) int {
	return min(255, int(math.Round(float64(v)/quantStep))*quantStep)
}

// IsDark 亮度低于 72 视为暗色（文字/描边墨色）
func IsDark(c color.RGBA) bool {
	return Luminance(c) < darkLuminance
}

// ExtractPalette 只从前景像素里提取主色：
// 按数量排序、色相相差至少 30° 的饱和色，加上最常见的暗色。
// 最多 maxColors 个（1-10）。
func ExtractPalette(img *raster.RasterImage, fg *raster.BinaryMask, maxColors int) k2ptypes.Palette {
	maxColors = min(10, max(1, maxColors))

	buckets := map[[3]int]*bucket{}
	total := 0
	for i := 0; i < img.Len(); i++ {
		if !fg.IsOn(i) {
			continue
		}
		r, g, b := img.RGB(i)
		key := [3]int{quantize(r), quantize(g), quantize(b)}
		bk, ok := buckets[key]
		if !ok {
			q := color.RGBA{R: uint8(key[0]), G: uint8(key[1]), B: uint8(key[2]), A: 255}
			h, s, _ := colorful.Color{R: float64(q.R) / 255, G: float64(q.G) / 255, B: float64(q.B) / 255}.Hsv()
			bk = &bucket{key: key, hue: h, sat: s, luminance: Luminance(q)}
			buckets[key] = bk
		}
		bk.count++
		bk.r += int(r)
		bk.g += int(g)
		bk.b += int(b)
		total++
	}
	if total == 0 {
		return k2ptypes.NewPalette(Fallback...)
	}

	all := make([]*bucket, 0, len(buckets))
	for _, b := range buckets {
		all = append(all, b)
	}
	// 数量从多到少，数量相同时按量化键排序保证确定性
	slices.SortFunc(all, func(a, b *bucket) int {
		if c := cmp.Compare(b.count, a.count); c != 0 {
			return c
		}
		return slices.Compare(a.key[:], b.key[:])
	})

	var dark, light *bucket
	for _, b := range all {
		if dark == nil && b.sat <= neutralMaxSat && b.luminance < darkLuminance {
			dark = b
		}
		if light == nil && b.sat <= lightMaxSat && b.luminance >= darkLuminance {
			light = b
		}
	}
	hasDark := dark != nil && dark.count > darkMinCount

	limit := maxColors
	if hasDark {
		limit = max(1, maxColors-1)
	}
	var selected []*bucket
	for _, b := range all {
		if len(selected) >= limit {
			break
		}
		if b.sat <= minSaturation {
			continue
		}
		if len(selected) > 0 && float64(b.count) < minShare*float64(total) {
			break
		}
		diverse := true
		for _, s := range selected {
			if HueDistance(b.hue, s.hue) < minHueSeparation {
				diverse = false
				break
			}
		}
		if diverse || len(selected) == 0 {
			selected = append(selected, b)
		}
	}

	// 暗色排在浅色之前，超出 maxColors 时先丢浅色
	var slots []k2ptypes.Slot
	for _, b := range selected {
		slots = append(slots, k2ptypes.Slot{Color: b.mean(), Role: k2ptypes.RoleColor})
	}
	if hasDark {
		slots = append(slots, k2ptypes.Slot{Color: dark.mean(), Role: k2ptypes.RoleDark})
	}
	if light != nil && (len(selected) == 0 || float64(light.count) >= lightMinShare*float64(total)) {
		slots = append(slots, k2ptypes.Slot{Color: light.mean(), Role: k2ptypes.RoleColor})
	}
	if len(slots) == 0 {
		for _, c := range MedianCut(foregroundPixels(img, fg), maxColors) {
			slots = append(slots, k2ptypes.Slot{Color: c, Role: k2ptypes.RoleColor})
		}
	}

	p := k2ptypes.Palette{}
	for _, s := range slots {
		if p.Len() >= maxColors {
			break
		}
		if slices.ContainsFunc(p.Slots, func(o k2ptypes.Slot) bool { return Distance(o.Color, s.Color) < dedupeDistance }) {
			continue
		}
		p.Append(s)
	}
	return p
}

func foregroundPixels(img *raster.RasterImage, fg *raster.BinaryMask) []color.RGBA {
	var out []color.RGBA
	for i := 0; i < img.Len(); i++ {
		if fg.IsOn(i) {
			r, g, b := img.RGB(i)
			out = append(out, color.RGBA{R: r, G: g, B: b, A: 255})
		}
	}
	return out
}
