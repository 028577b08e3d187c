package color2label

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("color2label: invalid config")

// Config holds every classification threshold. Luminance values are on the
// 0-255 scale, saturation and lightness are HSL in [0, 1], distances are
// redmean units.
type Config struct {
	// SeedDistance marks a pixel as trusted during propagation.
	SeedDistance float64 `yaml:"seed_distance"`

	// Hard dark: luminance below DarkLuminance with lightness below
	// DarkLightness, or saturation and lightness both below their caps.
	DarkLuminance     float64 `yaml:"dark_luminance"`
	DarkLightness     float64 `yaml:"dark_lightness"`
	DarkMaxSaturation float64 `yaml:"dark_max_saturation"`
	DarkMaxLightness  float64 `yaml:"dark_max_lightness"`

	// Extra distance charged to the dark slot, per unit of pixel saturation
	// and lightness.
	DarkSaturationPenalty float64 `yaml:"dark_saturation_penalty"`
	DarkLightnessPenalty  float64 `yaml:"dark_lightness_penalty"`

	// InteriorFraction is the share of the silhouette its radius-1 erosion
	// must cover before boundary pixels are voted instead of measured.
	InteriorFraction float64 `yaml:"interior_fraction"`

	// Dark refinement (crisp mode).
	DarkCoreLuminance float64 `yaml:"dark_core_luminance"`
	DarkHaloRadius    int     `yaml:"dark_halo_radius"`
	HaloLuminance     float64 `yaml:"halo_luminance"`
	DarkMargin        float64 `yaml:"dark_margin"`
	VividSaturation   float64 `yaml:"vivid_saturation"`

	// Island cleanup. The effective minimum is the larger of the absolute
	// area and IslandAreaFraction of the silhouette.
	IslandMinArea          int     `yaml:"island_min_area"`
	DarkIslandMinArea      int     `yaml:"dark_island_min_area"`
	CrispIslandMinArea     int     `yaml:"crisp_island_min_area"`
	CrispDarkIslandMinArea int     `yaml:"crisp_dark_island_min_area"`
	IslandAreaFraction     float64 `yaml:"island_area_fraction"`

	// DarkMinFraction drops a dark slot covering less of the silhouette.
	DarkMinFraction float64 `yaml:"dark_min_fraction"`
	// MinSlotPixels drops any slot with fewer pixels.
	MinSlotPixels int `yaml:"min_slot_pixels"`
	// CrispMaxColors is the largest palette classified in crisp mode.
	CrispMaxColors int `yaml:"crisp_max_colors"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		SeedDistance:           20,
		DarkLuminance:          40,
		DarkLightness:          0.2,
		DarkMaxSaturation:      0.25,
		DarkMaxLightness:       0.35,
		DarkSaturationPenalty:  120,
		DarkLightnessPenalty:   60,
		InteriorFraction:       0.5,
		DarkCoreLuminance:      30,
		DarkHaloRadius:         2,
		HaloLuminance:          150,
		DarkMargin:             12,
		VividSaturation:        0.5,
		IslandMinArea:          12,
		DarkIslandMinArea:      4,
		CrispIslandMinArea:     24,
		CrispDarkIslandMinArea: 8,
		IslandAreaFraction:     0.00001,
		DarkMinFraction:        0.002,
		MinSlotPixels:          50,
		CrispMaxColors:         6,
	}
}

// Validate rejects thresholds outside their domain.
func (c Config) Validate() error {
	unit := map[string]float64{
		"dark_max_saturation":  c.DarkMaxSaturation,
		"dark_lightness":       c.DarkLightness,
		"dark_max_lightness":   c.DarkMaxLightness,
		"interior_fraction":    c.InteriorFraction,
		"vivid_saturation":     c.VividSaturation,
		"island_area_fraction": c.IslandAreaFraction,
		"dark_min_fraction":    c.DarkMinFraction,
	}
	for name, v := range unit {
		if v != v || v < 0 || v > 1 {
			return fmt.Errorf("%w: %s=%v outside [0, 1]", ErrInvalidConfig, name, v)
		}
	}
	scale := map[string]float64{
		"dark_luminance":      c.DarkLuminance,
		"dark_core_luminance": c.DarkCoreLuminance,
		"halo_luminance":      c.HaloLuminance,
	}
	for name, v := range scale {
		if v != v || v < 0 || v > 255 {
			return fmt.Errorf("%w: %s=%v outside [0, 255]", ErrInvalidConfig, name, v)
		}
	}
	nonNeg := map[string]float64{
		"seed_distance":           c.SeedDistance,
		"dark_saturation_penalty": c.DarkSaturationPenalty,
		"dark_lightness_penalty":  c.DarkLightnessPenalty,
		"dark_margin":             c.DarkMargin,
	}
	for name, v := range nonNeg {
		if v != v || v < 0 {
			return fmt.Errorf("%w: %s=%v must be >= 0", ErrInvalidConfig, name, v)
		}
	}
	if c.DarkHaloRadius < 0 || c.DarkHaloRadius > 8 {
		return fmt.Errorf("%w: dark_halo_radius=%d outside [0, 8]", ErrInvalidConfig, c.DarkHaloRadius)
	}
	if c.IslandMinArea < 0 || c.DarkIslandMinArea < 0 || c.CrispIslandMinArea < 0 || c.CrispDarkIslandMinArea < 0 {
		return fmt.Errorf("%w: island areas must be >= 0", ErrInvalidConfig)
	}
	if c.MinSlotPixels < 1 {
		return fmt.Errorf("%w: min_slot_pixels=%d must be >= 1", ErrInvalidConfig, c.MinSlotPixels)
	}
	if c.CrispMaxColors < 1 {
		return fmt.Errorf("%w: crisp_max_colors=%d must be >= 1", ErrInvalidConfig, c.CrispMaxColors)
	}
	if c.DarkCoreLuminance > c.HaloLuminance {
		return fmt.Errorf("%w: dark_core_luminance above halo_luminance", ErrInvalidConfig)
	}
	return nil
}
