// Package mask2svg 把二值掩码矢量化为轮廓路径
package mask2svg

import (
	"encoding/xml"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/rustyoz/svg"
)

// ErrNoViewBox 矢量化结果没有可用的坐标系
var ErrNoViewBox = errors.New("mask2svg: svg has no usable viewBox or size")

// ErrNoPaths 矢量化没有产生任何路径
var ErrNoPaths = errors.New("mask2svg: trace produced no paths")

// Outline 是掩码像素坐标系（y 向下）中的轮廓
type Outline struct {
	Width, Height float64
	Paths         []string
}

// Empty 轮廓没有路径数据
func (o *Outline) Empty() bool {
	if o == nil {
		return true
	}
	for _, p := range o.Paths {
		if strings.TrimSpace(p) != "" {
			return false
		}
	}
	return true
}

// D 所有路径合并成一个 d 属性
func (o *Outline) D() string {
	return strings.Join(o.Paths, " ")
}

type svgPath struct {
	D         string `xml:"d,attr"`
	Transform string `xml:"transform,attr"`
}

type svgGroup struct {
	Transform string     `xml:"transform,attr"`
	Paths     []svgPath  `xml:"path"`
	Groups    []svgGroup `xml:"g"`
}

type svgDoc struct {
	ViewBox string     `xml:"viewBox,attr"`
	Width   string     `xml:"width,attr"`
	Height  string     `xml:"height,attr"`
	Paths   []svgPath  `xml:"path"`
	Groups  []svgGroup `xml:"g"`
}

// ParseOutline 读取 potrace/gotrace 输出的 SVG，展开所有 transform，
// 返回 viewBox 像素坐标下的路径
func ParseOutline(data string) (*Outline, error) {
	var doc svgDoc
	if err := xml.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("mask2svg: parse svg: %w", err)
	}

	viewBox := doc.ViewBox
	if viewBox != "" {
		if parsed, err := svg.ParseSvg(data, "outline", 1.0); err == nil && parsed.ViewBox != "" {
			viewBox = parsed.ViewBox
		}
	}
	minX, minY, w, h, err := parseViewBox(viewBox, doc.Width, doc.Height)
	if err != nil {
		return nil, err
	}

	o := &Outline{Width: w, Height: h}
	root := Translate(-minX, -minY)
	for _, p := range doc.Paths {
		o.add(root, p)
	}
	for _, g := range doc.Groups {
		o.walk(root, g)
	}
	return o, nil
}

func (o *Outline) walk(m Affine, g svgGroup) {
	m = m.Then(ParseTransform(g.Transform))
	for _, p := range g.Paths {
		o.add(m, p)
	}
	for _, c := range g.Groups {
		o.walk(m, c)
	}
}

func (o *Outline) add(m Affine, p svgPath) {
	if strings.TrimSpace(p.D) == "" {
		return
	}
	o.Paths = append(o.Paths, TransformPath(p.D, m.Then(ParseTransform(p.Transform))))
}

func parseViewBox(viewBox, width, height string) (minX, minY, w, h float64, err error) {
	if f := strings.Fields(strings.ReplaceAll(viewBox, ",", " ")); len(f) == 4 {
		var v [4]float64
		for i, s := range f {
			if v[i], err = strconv.ParseFloat(s, 64); err != nil {
				return 0, 0, 0, 0, fmt.Errorf("%w: %q", ErrNoViewBox, viewBox)
			}
		}
		if v[2] > 0 && v[3] > 0 {
			return v[0], v[1], v[2], v[3], nil
		}
	}
	w, werr := parseLength(width)
	h, herr := parseLength(height)
	if werr != nil || herr != nil || w <= 0 || h <= 0 {
		return 0, 0, 0, 0, ErrNoViewBox
	}
	return 0, 0, w, h, nil
}

var unitSuffix = regexp.MustCompile(`[a-z%]+$`)

func parseLength(s string) (float64, error) {
	return strconv.ParseFloat(unitSuffix.ReplaceAllString(strings.TrimSpace(s), ""), 64)
}

// Affine 只含缩放和平移：x' = A*x + E, y' = D*y + F
type Affine struct {
	A, D, E, F float64
}

// Identity 单位变换
var Identity = Affine{A: 1, D: 1}

// Translate 平移变换
func Translate(x, y float64) Affine { return Affine{A: 1, D: 1, E: x, F: y} }

// Scale 以原点为中心的缩放
func Scale(x, y float64) Affine { return Affine{A: x, D: y} }

// Then 先应用 n 再应用 m（SVG transform 从右到左）
func (m Affine) Then(n Affine) Affine {
	return Affine{A: m.A * n.A, D: m.D * n.D, E: m.A*n.E + m.E, F: m.D*n.F + m.F}
}

// Apply 变换一个绝对坐标点
func (m Affine) Apply(x, y float64) (float64, float64) { return m.A*x + m.E, m.D*y + m.F }

var transformRe = regexp.MustCompile(`(translate|scale)\s*\(([^)]*)\)`)

// ParseTransform 解析 translate/scale 列表，其他变换忽略
func ParseTransform(s string) Affine {
	m := Identity
	for _, t := range transformRe.FindAllStringSubmatch(s, -1) {
		var args []float64
		for _, f := range strings.Fields(strings.ReplaceAll(t[2], ",", " ")) {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				continue
			}
			args = append(args, v)
		}
		if len(args) == 0 {
			continue
		}
		x, y := args[0], args[0]
		if len(args) > 1 {
			y = args[1]
		} else if t[1] == "translate" {
			y = 0
		}
		if t[1] == "translate" {
			m = m.Then(Translate(x, y))
		} else {
			m = m.Then(Scale(x, y))
		}
	}
	return m
}

var pathToken = regexp.MustCompile(`-?[0-9]*\.?[0-9]+(?:[eE][-+]?\d+)?|[MLHVCSQTAZmlhvcsqtaz]`)

func groupSize(cmd string) int {
	switch strings.ToUpper(cmd) {
	case "H", "V":
		return 1
	case "M", "L", "T":
		return 2
	case "S", "Q":
		return 4
	case "C":
		return 6
	case "A":
		return 7
	default:
		return 0
	}
}

// TransformPath 对路径中每个坐标应用变换，绝对坐标加平移，相对坐标只缩放
func TransformPath(d string, m Affine) string {
	var out []string
	var command string
	var params []float64
	first := true

	flush := func() {
		size := groupSize(command)
		if size == 0 {
			params = nil
			return
		}
		for i := 0; i+size <= len(params); i += size {
			abs := command == strings.ToUpper(command)
			// 路径开头的 m 按绝对坐标处理
			if command == "m" && first && i == 0 {
				abs = true
			}
			out = append(out, formatGroup(transformGroup(command, params[i:i+size], abs, m)))
		}
		first = false
		params = nil
	}

	for _, tok := range pathToken.FindAllString(d, -1) {
		if len(tok) == 1 && strings.ContainsAny(tok, "MLHVCSQTAZmlhvcsqtaz") {
			flush()
			command = tok
			out = append(out, tok)
			continue
		}
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			continue
		}
		params = append(params, v)
	}
	flush()
	return strings.Join(out, " ")
}

func transformGroup(cmd string, g []float64, abs bool, m Affine) []float64 {
	res := make([]float64, len(g))
	point := func(i int) {
		if abs {
			res[i], res[i+1] = m.Apply(g[i], g[i+1])
		} else {
			res[i], res[i+1] = m.A*g[i], m.D*g[i+1]
		}
	}
	switch strings.ToUpper(cmd) {
	case "H":
		res[0] = m.A * g[0]
		if abs {
			res[0] += m.E
		}
	case "V":
		res[0] = m.D * g[0]
		if abs {
			res[0] += m.F
		}
	case "A":
		res[0], res[1], res[2], res[3] = math.Abs(m.A)*g[0], math.Abs(m.D)*g[1], g[2], g[3]
		res[4] = g[4]
		if m.A*m.D < 0 {
			res[4] = 1 - g[4]
		}
		point(5)
	default:
		for i := 0; i+1 < len(g); i += 2 {
			point(i)
		}
	}
	return res
}

func formatGroup(g []float64) string {
	s := make([]string, len(g))
	for i, v := range g {
		v = math.Round(v*1000) / 1000
		if v == 0 {
			v = 0 // -0
		}
		s[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(s, " ")
}
