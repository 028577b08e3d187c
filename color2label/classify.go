package color2label

import (
	"fmt"

	"go.uber.org/zap"

	"img2keychain/raster"
	k2ptypes "img2keychain/type"
)

// Result is a complete classification.
type Result struct {
	Labels *raster.LabelMap
	// Palette may be one slot longer than the input when a dark slot was
	// synthesized, or carry it in place of a colour at the colour cap. Slot
	// indices match Labels.
	Palette k2ptypes.Palette
	Counts  []int
	// Retained lists the slots that still own pixels, in palette order.
	Retained []int
	DarkSlot int // -1 when there is none or it was dropped
	Crisp    bool
}

// Classifier assigns every silhouette pixel to one palette slot.
type Classifier struct {
	Config Config
	Logger *zap.Logger
}

// NewClassifier returns a classifier with the given thresholds.
func NewClassifier(cfg Config, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{Config: cfg, Logger: logger.With(zap.String("component", "color2label"))}
}

// Classify runs the pass pipeline. background may be nil; it is only used
// when the palette carries a RoleBackground slot. At most maxColors print
// colours are emitted; 0 means no cap.
func (cl *Classifier) Classify(img *raster.RasterImage, sil, background *raster.BinaryMask, palette k2ptypes.Palette, maxColors int) (*Result, error) {
	logger := cl.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, err := NewContext(img, sil, background, palette, cl.Config, maxColors)
	if err != nil {
		return nil, err
	}

	lm := raster.NewLabelMap(img.Width, img.Height)
	for _, p := range Passes(ctx) {
		lm = p.Apply(ctx, lm)
	}
	if left := lm.Unresolved(sil); len(left) > 0 {
		return nil, fmt.Errorf("color2label: %d silhouette pixels unassigned after finalize", len(left))
	}

	counts := lm.Counts(ctx.Palette.Len())
	res := &Result{Labels: lm, Palette: ctx.Palette, Counts: counts, DarkSlot: -1, Crisp: ctx.Crisp}
	for l, n := range counts {
		if n > 0 {
			res.Retained = append(res.Retained, l)
			continue
		}
		if int32(l) == ctx.DarkSlot {
			logger.Warn("dark slot dropped", zap.Int("slot", l))
		} else if int32(l) != ctx.BackgroundSlot || background != nil {
			logger.Warn("slot dropped", zap.Int("slot", l), zap.String("hex", k2ptypes.Hex(ctx.Palette.Slots[l].Color)))
		}
	}
	if ctx.DarkSlot >= 0 && counts[ctx.DarkSlot] > 0 {
		res.DarkSlot = int(ctx.DarkSlot)
	}
	logger.Debug("classified",
		zap.Bool("crisp", ctx.Crisp),
		zap.Bool("synthesized_dark", ctx.Synthesized),
		zap.Ints("retained", res.Retained),
		zap.Ints("counts", counts))
	return res, nil
}
