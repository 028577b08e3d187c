package k2ptypes

import (
	"fmt"
	"image/color"

	"github.com/lucasb-eyer/go-colorful"
)

// SlotRole 调色板槽位的用途
type SlotRole int

const (
	RoleColor      SlotRole = iota // 普通打印颜色
	RoleDark                       // 文字/轮廓墨色
	RoleBackground                 // 作为打印颜色保留的背景
	RoleStroke                     // 外描边
)

func (r SlotRole) String() string {
	switch r {
	case RoleDark:
		return "dark"
	case RoleBackground:
		return "background"
	case RoleStroke:
		return "stroke"
	default:
		return "color"
	}
}

// Slot 调色板中的一个颜色
type Slot struct {
	Color color.RGBA
	Role  SlotRole
}

// Palette 有序的打印颜色列表。任务期间槽位下标不变：只追加，不重排
type Palette struct {
	Slots []Slot
}

// NewPalette 由 RoleColor 槽位组成的调色板
func NewPalette(colors ...color.RGBA) Palette {
	p := Palette{Slots: make([]Slot, 0, len(colors))}
	for _, c := range colors {
		p.Slots = append(p.Slots, Slot{Color: c, Role: RoleColor})
	}
	return p
}

// Len 槽位数量
func (p Palette) Len() int { return len(p.Slots) }

// Append 追加槽位并返回其下标
func (p *Palette) Append(s Slot) int {
	p.Slots = append(p.Slots, s)
	return len(p.Slots) - 1
}

// Index 第一个具有该用途的槽位，没有则为 -1
func (p Palette) Index(role SlotRole) int {
	for i, s := range p.Slots {
		if s.Role == role {
			return i
		}
	}
	return -1
}

// Hexes 按槽位顺序返回 #rrggbb
func (p Palette) Hexes() []string {
	out := make([]string, len(p.Slots))
	for i, s := range p.Slots {
		out[i] = Hex(s.Color)
	}
	return out
}

// Clone 独立副本
func (p Palette) Clone() Palette {
	return Palette{Slots: append([]Slot(nil), p.Slots...)}
}

// Hex 颜色转 #rrggbb
func Hex(c color.RGBA) string {
	return colorful.Color{R: float64(c.R) / 255, G: float64(c.G) / 255, B: float64(c.B) / 255}.Hex()
}

// ParseHex 解析 #rrggbb / #rgb
func ParseHex(s string) (color.RGBA, error) {
	c, err := colorful.Hex(s)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid colour %q: %w", s, err)
	}
	r, g, b := c.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}, nil
}

// MustHex 用于常量的 ParseHex，解析失败时 panic
func MustHex(s string) color.RGBA {
	c, err := ParseHex(s)
	if err != nil {
		panic(err)
	}
	return c
}
