package color2label

import (
	"math"

	"img2keychain/raster"
)

// Pass is one step of the classification. Apply never mutates its input.
type Pass struct {
	Name  string
	Apply func(c *Context, in *raster.LabelMap) *raster.LabelMap
}

// Passes returns the fixed pass order for a context. Later passes rely on
// the invariants of earlier ones, so the order is not configurable.
func Passes(c *Context) []Pass {
	passes := []Pass{{"initial", Initial}}
	if !c.Crisp {
		passes = append(passes, Pass{"propagate", Propagate})
	}
	passes = append(passes, Pass{"boundary", Boundary})
	if c.Crisp && c.DarkSlot >= 0 {
		passes = append(passes, Pass{"dark-refine", DarkRefine})
	}
	return append(passes,
		Pass{"edge-majority", EdgeMajority},
		Pass{"islands", Islands},
		Pass{"dark-viability", DarkViability},
		Pass{"finalize", Finalize},
	)
}

// Initial forces hard-dark pixels to the dark slot and every other
// foreground pixel to its nearest slot. Background pixels take the
// background slot; pixels outside the silhouette stay unassigned.
func Initial(c *Context, in *raster.LabelMap) *raster.LabelMap {
	out := raster.NewLabelMap(in.Width, in.Height)
	for i := range out.Labels {
		switch {
		case !c.Silhouette.IsOn(i):
		case c.inBackground(i):
			out.Labels[i] = c.BackgroundSlot
		case c.hardDark[i] && c.DarkSlot >= 0:
			out.Labels[i] = c.DarkSlot
		default:
			out.Labels[i] = c.nearest[i]
		}
	}
	return out
}

// Propagate grows trusted labels (distance below SeedDistance) into
// neighbours that agree with them. The dark label also spreads into
// neighbours that are independently desaturated and dark. Pixels not
// reached keep their input label.
func Propagate(c *Context, in *raster.LabelMap) *raster.LabelMap {
	out := in.Clone()
	w, h := in.Width, in.Height
	reached := make([]bool, len(in.Labels))
	var queue []int32
	for i, l := range in.Labels {
		if l < 0 || c.fixed(i) {
			continue
		}
		if c.hardDark[i] || float64(c.nearestDist[i]) < c.Config.SeedDistance {
			reached[i] = true
			queue = append(queue, int32(i))
		}
	}
	for head := 0; head < len(queue); head++ {
		i := int(queue[head])
		l := out.Labels[i]
		x, y := i%w, i/w
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny := x+dx, y+dy
				if (dx == 0 && dy == 0) || nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				j := ny*w + nx
				if reached[j] || c.fixed(j) {
					continue
				}
				if in.Labels[j] == l || (l == c.DarkSlot && c.isDarkish(j)) {
					reached[j] = true
					out.Labels[j] = l
					queue = append(queue, int32(j))
				}
			}
		}
	}
	return out
}

// Boundary re-labels the one-pixel silhouette band from its neighbourhood
// when the interior is large enough to trust. Hard-dark and confident band
// pixels keep their label; the rest are filled inward-out by majority of
// already labelled neighbours, ties keeping the input label.
func Boundary(c *Context, in *raster.LabelMap) *raster.LabelMap {
	out := in.Clone()
	if c.silCount == 0 || float64(c.Interior.Count()) < c.Config.InteriorFraction*float64(c.silCount) {
		return out
	}
	var pending []int
	for i := range out.Labels {
		if c.fixed(i) || c.Interior.IsOn(i) {
			continue
		}
		if c.hardDark[i] || float64(c.nearestDist[i]) < c.Config.SeedDistance {
			continue
		}
		out.Labels[i] = raster.Unassigned
		pending = append(pending, i)
	}

	w, h := in.Width, in.Height
	for len(pending) > 0 {
		type vote struct {
			i int
			l int32
		}
		var decided []vote
		var rest []int
		for _, i := range pending {
			var counts map[int32]int
			x, y := i%w, i/w
			for ny := max(0, y-1); ny <= min(h-1, y+1); ny++ {
				for nx := max(0, x-1); nx <= min(w-1, x+1); nx++ {
					if l := out.Labels[ny*w+nx]; l >= 0 && c.Silhouette.IsOn(ny*w+nx) {
						if counts == nil {
							counts = map[int32]int{}
						}
						counts[l]++
					}
				}
			}
			if counts == nil {
				rest = append(rest, i)
				continue
			}
			decided = append(decided, vote{i, majority(counts, in.Labels[i])})
		}
		if len(decided) == 0 {
			for _, i := range rest {
				out.Labels[i] = in.Labels[i]
			}
			break
		}
		for _, v := range decided {
			out.Labels[v.i] = v.l
		}
		pending = rest
	}
	return out
}

// majority returns the most frequent label. A tie that includes current
// keeps current; other ties go to the lower label.
func majority(counts map[int32]int, current int32) int32 {
	best, bestN := raster.Unassigned, 0
	for l, n := range counts {
		if n > bestN || (n == bestN && l < best) {
			best, bestN = l, n
		}
	}
	if current >= 0 && counts[current] == bestN {
		return current
	}
	return best
}

// DarkRefine corrects the dark boundary both ways. Inside the halo around
// confidently dark pixels, a pixel joins dark when it is dark-ish or closer
// to the dark colour than to its label by DarkMargin. Outside the halo, only
// clearly vivid pixels leave dark.
func DarkRefine(c *Context, in *raster.LabelMap) *raster.LabelMap {
	out := in.Clone()
	if c.DarkSlot < 0 {
		return out
	}
	core := raster.MaskFunc(in.Width, in.Height, func(i int) bool {
		return !c.fixed(i) && c.hardDark[i] && float64(c.lum[i]) < c.Config.DarkCoreLuminance
	})
	halo := raster.Dilate(core, c.Config.DarkHaloRadius)
	for i, l := range in.Labels {
		if c.fixed(i) || l < 0 {
			continue
		}
		if halo.IsOn(i) {
			if l == c.DarkSlot {
				continue
			}
			if c.isDarkish(i) || c.Distance(i, c.DarkSlot)+c.Config.DarkMargin < c.Distance(i, l) {
				out.Labels[i] = c.DarkSlot
			}
			continue
		}
		if l == c.DarkSlot && !c.hardDark[i] && c.isVivid(i) {
			out.Labels[i] = c.closestNonDark(i)
		}
	}
	return out
}

// EdgeMajority revisits pixels on a label boundary. A pixel moves to the
// 5x5 majority label when that label is closer in colour. Dark and
// background pixels and hard-dark pixels never move, and no pixel moves
// into the background slot.
func EdgeMajority(c *Context, in *raster.LabelMap) *raster.LabelMap {
	out := in.Clone()
	w, h := in.Width, in.Height
	for i, l := range in.Labels {
		if c.fixed(i) || l < 0 || l == c.DarkSlot || l == c.BackgroundSlot || c.hardDark[i] {
			continue
		}
		if !onLabelEdge(in, c.Silhouette, i) {
			continue
		}
		counts := map[int32]int{}
		x, y := i%w, i/w
		for ny := max(0, y-2); ny <= min(h-1, y+2); ny++ {
			for nx := max(0, x-2); nx <= min(w-1, x+2); nx++ {
				if nl := in.Labels[ny*w+nx]; nl >= 0 {
					counts[nl]++
				}
			}
		}
		m := majority(counts, l)
		if m == l || m == c.BackgroundSlot {
			continue
		}
		if c.Distance(i, m) < c.Distance(i, l) {
			out.Labels[i] = m
		}
	}
	return out
}

func onLabelEdge(lm *raster.LabelMap, sil *raster.BinaryMask, i int) bool {
	w, h := lm.Width, lm.Height
	x, y := i%w, i/w
	l := lm.Labels[i]
	for ny := max(0, y-1); ny <= min(h-1, y+1); ny++ {
		for nx := max(0, x-1); nx <= min(w-1, x+1); nx++ {
			j := ny*w + nx
			if sil.IsOn(j) && lm.Labels[j] >= 0 && lm.Labels[j] != l {
				return true
			}
		}
	}
	return false
}

// IslandMinArea is the effective minimum component area for a label.
func (c *Context) IslandMinArea(dark bool) int {
	cfg := c.Config
	var a int
	switch {
	case c.Crisp && dark:
		a = cfg.CrispDarkIslandMinArea
	case c.Crisp:
		a = cfg.CrispIslandMinArea
	case dark:
		a = cfg.DarkIslandMinArea
	default:
		a = cfg.IslandMinArea
	}
	return max(a, int(math.Round(cfg.IslandAreaFraction*float64(c.silCount))))
}

// Islands reassigns components smaller than their minimum area to the
// neighbouring label they share the most contacts with. Components with
// no labelled neighbour are kept.
func Islands(c *Context, in *raster.LabelMap) *raster.LabelMap {
	out := in.Clone()
	for comp := range raster.LabelComponents(in) {
		if comp.Label == c.BackgroundSlot && c.Background != nil {
			continue
		}
		if comp.Area() >= c.IslandMinArea(comp.Label == c.DarkSlot) {
			continue
		}
		target, ok := comp.MajorityNeighbor(func(l int32) bool { return l < 0 || l == c.BackgroundSlot })
		if !ok {
			continue
		}
		for _, i := range comp.Pixels {
			if !c.fixed(i) {
				out.Labels[i] = target
			}
		}
	}
	return out
}

// DarkViability folds a dark slot covering less than DarkMinFraction of the
// silhouette back into the nearest other slots, leaving it empty.
func DarkViability(c *Context, in *raster.LabelMap) *raster.LabelMap {
	out := in.Clone()
	if c.DarkSlot < 0 || c.silCount == 0 {
		return out
	}
	n := 0
	for _, l := range in.Labels {
		if l == c.DarkSlot {
			n++
		}
	}
	if n == 0 || float64(n) >= c.Config.DarkMinFraction*float64(c.silCount) {
		return out
	}
	for i, l := range in.Labels {
		if l == c.DarkSlot {
			out.Labels[i] = c.closestNonDark(i)
		}
	}
	return out
}

// Finalize resolves every remaining foreground gap and drops slots below
// MinSlotPixels, moving their pixels to the nearest retained slot. The
// largest slot is always retained.
func Finalize(c *Context, in *raster.LabelMap) *raster.LabelMap {
	out := in.Clone()
	for i, l := range out.Labels {
		if l < 0 && c.Silhouette.IsOn(i) {
			if c.inBackground(i) {
				out.Labels[i] = c.BackgroundSlot
			} else {
				out.Labels[i] = c.nearest[i]
			}
		}
	}

	counts := out.Counts(c.Palette.Len())
	keep := make([]bool, len(counts))
	largest, kept := 0, false
	for l, n := range counts {
		if n >= c.Config.MinSlotPixels {
			keep[l], kept = true, true
		}
		if n > counts[largest] {
			largest = l
		}
	}
	if !kept && counts[largest] > 0 {
		keep[largest] = true
	}

	for i, l := range out.Labels {
		if l < 0 || keep[l] {
			continue
		}
		best, bestD := int32(largest), math.MaxFloat64
		for k := range keep {
			if !keep[k] || (int32(k) == c.BackgroundSlot && !c.inBackground(i)) {
				continue
			}
			if d := c.Distance(i, int32(k)); d < bestD {
				best, bestD = int32(k), d
			}
		}
		out.Labels[i] = best
	}
	return out
}
