package image2color

import (
	"image/color"
	"math"
	"sort"
)

// pixel 一个像素的 RGB 值
type pixel struct {
	R, G, B int
}

// box 中位切分的颜色盒子
type box struct {
	pixels     []pixel
	rMin, rMax int
	gMin, gMax int
	bMin, bMax int
}

// 计算盒子范围
func (b *box) calcRange() {
	if len(b.pixels) == 0 {
		return
	}
	b.rMin, b.rMax = 255, 0
	b.gMin, b.gMax = 255, 0
	b.bMin, b.bMax = 255, 0
	for _, p := range b.pixels {
		b.rMin, b.rMax = min(b.rMin, p.R), max(b.rMax, p.R)
		b.gMin, b.gMax = min(b.gMin, p.G), max(b.gMax, p.G)
		b.bMin, b.bMax = min(b.bMin, p.B), max(b.bMax, p.B)
	}
}

func (b *box) widest() (int, byte) {
	r, g, bl := b.rMax-b.rMin, b.gMax-b.gMin, b.bMax-b.bMin
	switch {
	case r >= g && r >= bl:
		return r, 'R'
	case g >= r && g >= bl:
		return g, 'G'
	default:
		return bl, 'B'
	}
}

// MedianCut 执行中位切分颜色量化，结果按像素数从多到少排列
func MedianCut(pixels []color.RGBA, colorCount int) []color.RGBA {
	if len(pixels) == 0 || colorCount <= 0 {
		return nil
	}
	px := make([]pixel, len(pixels))
	for i, c := range pixels {
		px[i] = pixel{int(c.R), int(c.G), int(c.B)}
	}
	initial := &box{pixels: px}
	initial.calcRange()
	boxes := []*box{initial}

	// 不断分割范围最大的盒子
	for len(boxes) < colorCount && len(boxes) < len(px) {
		split, maxRange := -1, 0
		for i, b := range boxes {
			if r, _ := b.widest(); r > maxRange && len(b.pixels) > 1 {
				split, maxRange = i, r
			}
		}
		if split < 0 {
			break
		}
		b := boxes[split]
		_, channel := b.widest()
		sort.SliceStable(b.pixels, func(i, j int) bool {
			switch channel {
			case 'R':
				return b.pixels[i].R < b.pixels[j].R
			case 'G':
				return b.pixels[i].G < b.pixels[j].G
			default:
				return b.pixels[i].B < b.pixels[j].B
			}
		})

		// 分成两半
		mid := len(b.pixels) / 2
		b1 := &box{pixels: b.pixels[:mid:mid]}
		b2 := &box{pixels: b.pixels[mid:]}
		b1.calcRange()
		b2.calcRange()
		boxes = append(boxes[:split], append([]*box{b1, b2}, boxes[split+1:]...)...)
	}

	sort.SliceStable(boxes, func(i, j int) bool { return len(boxes[i].pixels) > len(boxes[j].pixels) })

	// 每个盒子的平均颜色
	out := make([]color.RGBA, 0, len(boxes))
	for _, b := range boxes {
		var rSum, gSum, bSum int
		for _, p := range b.pixels {
			rSum += p.R
			gSum += p.G
			bSum += p.B
		}
		n := float64(len(b.pixels))
		out = append(out, color.RGBA{
			R: uint8(math.Round(float64(rSum) / n)),
			G: uint8(math.Round(float64(gSum) / n)),
			B: uint8(math.Round(float64(bSum) / n)),
			A: 255,
		})
	}
	return out
}

// HueDistance 色相环上的距离（度）
func HueDistance(a, b float64) float64 {
	d := math.Abs(a - b)
	return math.Min(d, 360-d)
}

// Distance RGB 欧氏距离
func Distance(a, b color.RGBA) float64 {
	dr := float64(a.R) - float64(b.R)
	dg := float64(a.G) - float64(b.G)
	db := float64(a.B) - float64(b.B)
	return math.Sqrt(dr*dr + dg*dg + db*db)
}

// DedupePalette 去掉与前面颜色距离小于 minDistance 的颜色，保持顺序
func DedupePalette(colors []color.RGBA, minDistance float64) []color.RGBA {
	out := make([]color.RGBA, 0, len(colors))
	for _, c := range colors {
		dup := false
		for _, o := range out {
			if Distance(o, c) < minDistance {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, c)
		}
	}
	return out
}

// Luminance 相对亮度 (0-255)
func Luminance(c color.RGBA) float64 {
	return 0.2126*float64(c.R) + 0.7152*float64(c.G) + 0.0722*float64(c.B)
}
