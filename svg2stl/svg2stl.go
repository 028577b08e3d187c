// Package svg2stl 把轮廓挤出成 STL 网格
package svg2stl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	svgo "github.com/ajstarks/svgo"
	"go.uber.org/zap"

	"img2keychain/mask2svg"
)

// ErrNoGeometry 挤出器没有产出任何几何体
var ErrNoGeometry = errors.New("svg2stl: extruder produced no geometry")

// ExtrudeParams 挤出参数，Scale 是每个轮廓单位对应的毫米数
type ExtrudeParams struct {
	Thickness float64
	Scale     float64
}

// Extruder 把轮廓挤出为 STL 字节
type Extruder interface {
	Extrude(ctx context.Context, o *mask2svg.Outline, p ExtrudeParams) ([]byte, error)
}

// FitScale 等比缩放，使 frameW x frameH 的画框放进 widthMM x heightMM
func FitScale(frameW, frameH, widthMM, heightMM float64) float64 {
	if frameW <= 0 || frameH <= 0 {
		return 0
	}
	return math.Min(widthMM/frameW, heightMM/frameH)
}

// ScalePath 把像素坐标的路径缩放到毫米
func ScalePath(d string, scale float64) string {
	return mask2svg.TransformPath(d, mask2svg.Scale(scale, scale))
}

// FrameSize 缩放后画框的毫米尺寸
func FrameSize(o *mask2svg.Outline, scale float64) (float64, float64) {
	return o.Width * scale, o.Height * scale
}

// WriteSVG 写出毫米单位的 SVG（1 用户单位 = 1 mm，需以 dpi=25.4 导入）。
// 画框向上取整，所有颜色层共享同一画框。
func WriteSVG(w io.Writer, o *mask2svg.Outline, scale float64) error {
	fw, fh := FrameSize(o, scale)
	wmm, hmm := int(math.Ceil(fw)), int(math.Ceil(fh))
	if wmm <= 0 || hmm <= 0 {
		return mask2svg.ErrNoViewBox
	}
	canvas := svgo.New(w)
	canvas.Startview(wmm, hmm, 0, 0, wmm, hmm)
	for _, d := range o.Paths {
		canvas.Path(ScalePath(d, scale), "fill:#000000;stroke:none")
	}
	canvas.End()
	return nil
}

// Script 生成 OpenSCAD 脚本：导入毫米 SVG，以画框中心为原点挤出
func Script(svgPath string, o *mask2svg.Outline, p ExtrudeParams) string {
	fw, fh := FrameSize(o, p.Scale)
	docH := math.Ceil(fh)
	// OpenSCAD 导入 SVG 时以文档底边为 y=0
	return fmt.Sprintf(`translate([%.6f, %.6f, 0])
linear_extrude(height = %.6f)
import(%q, dpi = 25.4);
`, -fw/2, -(docH - fh/2), p.Thickness, svgPath)
}

// OpenSCAD 调用外部 openscad 可执行文件
type OpenSCAD struct {
	Bin     string // 默认 "openscad"
	Timeout time.Duration
	TempDir string
	Logger  *zap.Logger
}

// Extrude 写出 SVG 和脚本，运行 openscad，返回 STL 字节
func (s OpenSCAD) Extrude(ctx context.Context, o *mask2svg.Outline, p ExtrudeParams) ([]byte, error) {
	if o.Empty() {
		return nil, ErrNoGeometry
	}
	if p.Thickness <= 0 || p.Scale <= 0 {
		return nil, fmt.Errorf("svg2stl: invalid extrude params %+v", p)
	}
	bin := s.Bin
	if bin == "" {
		bin = "openscad"
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dir, err := os.MkdirTemp(s.TempDir, "openscad-*")
	if err != nil {
		return nil, fmt.Errorf("openscad: %w", err)
	}
	defer os.RemoveAll(dir)

	svgPath := filepath.Join(dir, "layer.svg")
	scadPath := filepath.Join(dir, "layer.scad")
	outPath := filepath.Join(dir, "layer.stl")

	var svgBuf bytes.Buffer
	if err := WriteSVG(&svgBuf, o, p.Scale); err != nil {
		return nil, err
	}
	if err := os.WriteFile(svgPath, svgBuf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("openscad: %w", err)
	}
	if err := os.WriteFile(scadPath, []byte(Script(svgPath, o, p)), 0o644); err != nil {
		return nil, fmt.Errorf("openscad: %w", err)
	}

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, bin, "-o", outPath, scadPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("openscad: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 && !bytes.Contains(msg, []byte("WARNING")) {
		logger.Warn("openscad stderr", zap.ByteString("stderr", msg))
	}

	data, err := os.ReadFile(outPath)
	if err != nil || len(data) == 0 {
		return nil, ErrNoGeometry
	}
	logger.Debug("extruded", zap.Int("bytes", len(data)), zap.Duration("took", time.Since(start)))
	return data, nil
}
