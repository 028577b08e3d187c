package mask2svg

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/gotranspile/gotrace"
	"go.uber.org/zap"

	"img2keychain/raster"
)

// Vectorizer 把掩码转为轮廓，On 像素为填充区域
type Vectorizer interface {
	Trace(ctx context.Context, m *raster.BinaryMask) (*Outline, error)
}

// Gotrace 进程内矢量化
type Gotrace struct{}

// Trace 使用 gotrace 追踪掩码，gotrace 追踪暗像素，所以先反相
func (Gotrace) Trace(ctx context.Context, m *raster.BinaryMask) (*Outline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	svgStr, err := traceGrayToSVG(m)
	if err != nil {
		return nil, fmt.Errorf("gotrace: %w", err)
	}
	return ParseOutline(svgStr)
}

func traceGrayToSVG(m *raster.BinaryMask) (string, error) {
	bm := gotrace.BitmapFromGray(m.ToGray(0, 255), nil)

	paths, err := gotrace.Trace(bm, nil)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := gotrace.Render("svg", nil, &buf, paths, m.Width, m.Height); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// DefaultPotraceArgs 高细节参数：不透明转角、低曲线优化容差、高坐标精度
var DefaultPotraceArgs = []string{"-i", "-s", "-t", "2", "-a", "0", "-O", "0.2", "-u", "50", "-n"}

// Potrace 调用外部 potrace 可执行文件
type Potrace struct {
	Bin     string        // 默认 "potrace"
	Args    []string      // 默认 DefaultPotraceArgs
	Timeout time.Duration // 0 表示不限
	TempDir string
	Logger  *zap.Logger
}

// Trace 写出 PGM，运行 potrace，解析 SVG
func (p Potrace) Trace(ctx context.Context, m *raster.BinaryMask) (*Outline, error) {
	bin := p.Bin
	if bin == "" {
		bin = "potrace"
	}
	args := p.Args
	if args == nil {
		args = DefaultPotraceArgs
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dir, err := os.MkdirTemp(p.TempDir, "potrace-*")
	if err != nil {
		return nil, fmt.Errorf("potrace: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "mask.pgm")
	out := filepath.Join(dir, "mask.svg")
	f, err := os.Create(in)
	if err != nil {
		return nil, fmt.Errorf("potrace: %w", err)
	}
	if err := raster.WritePGM(f, m); err != nil {
		f.Close()
		return nil, fmt.Errorf("potrace: write mask: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("potrace: %w", err)
	}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, bin, append(append([]string{in}, args...), "-o", out)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("potrace: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	if stderr.Len() > 0 {
		logger.Warn("potrace stderr", zap.ByteString("stderr", bytes.TrimSpace(stderr.Bytes())))
	}
	logger.Debug("potrace done", zap.Duration("took", time.Since(start)))

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("potrace: read output: %w", err)
	}
	return ParseOutline(string(data))
}
