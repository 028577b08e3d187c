package k2ptypes

import (
	"errors"
	"fmt"
)

// ErrInvalidParams 参数校验失败
var ErrInvalidParams = errors.New("invalid job parameters")

// RingPosition 挂环位置
type RingPosition string

const (
	RingTop   RingPosition = "top"
	RingLeft  RingPosition = "left"
	RingRight RingPosition = "right"
)

// RingParams 钥匙扣挂环参数（毫米）
type RingParams struct {
	Enabled   bool         `json:"ringEnabled"`
	Diameter  float64      `json:"ringDiameter"`
	Thickness float64      `json:"ringThickness"`
	Position  RingPosition `json:"ringPosition"`
}

// Params 任务参数，进入流水线前必须通过 Validate
type Params struct {
	Width     float64 `json:"width"`     // mm
	Height    float64 `json:"height"`    // mm
	Thickness float64 `json:"thickness"` // mm

	Threshold        int  `json:"threshold"` // 背景检测灵敏度 100-220
	MaxColors        int  `json:"maxColors"`
	RemoveBackground bool `json:"removeBackgroundEnabled"`

	BorderEnabled   bool    `json:"borderEnabled"`
	BorderThickness float64 `json:"borderThickness"` // mm

	RingParams
}

// DefaultParams 与任务提交接口的默认值一致
func DefaultParams() Params {
	return Params{
		Width:            50,
		Height:           50,
		Thickness:        3,
		Threshold:        180,
		MaxColors:        4,
		RemoveBackground: true,
		BorderThickness:  2,
		RingParams: RingParams{
			Enabled:   true,
			Diameter:  5,
			Thickness: 2,
			Position:  RingTop,
		},
	}
}

type rangeCheck struct {
	name     string
	value    float64
	min, max float64
}

// Validate 拒绝超出范围的参数
func (p Params) Validate() error {
	checks := []rangeCheck{
		{"width", p.Width, 10, 300},
		{"height", p.Height, 10, 300},
		{"thickness", p.Thickness, 0.4, 20},
		{"threshold", float64(p.Threshold), 0, 255},
		{"maxColors", float64(p.MaxColors), 1, 10},
	}
	if p.BorderEnabled {
		checks = append(checks, rangeCheck{"borderThickness", p.BorderThickness, 0.2, 10})
	}
	if p.Enabled {
		checks = append(checks,
			rangeCheck{"ringDiameter", p.Diameter, 1, 30},
			rangeCheck{"ringThickness", p.RingParams.Thickness, 0.5, 10},
		)
	}
	for _, c := range checks {
		if c.value != c.value || c.value < c.min || c.value > c.max {
			return fmt.Errorf("%w: %s=%v outside [%v, %v]", ErrInvalidParams, c.name, c.value, c.min, c.max)
		}
	}
	if p.Enabled {
		switch p.Position {
		case RingTop, RingLeft, RingRight:
		default:
			return fmt.Errorf("%w: ringPosition=%q", ErrInvalidParams, p.Position)
		}
	}
	return nil
}
