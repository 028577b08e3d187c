package mask2svg

import (
	"fmt"
	"image/color"
	"io"
	"math"

	svgo "github.com/ajstarks/svgo"
)

// Layer 预览中的一个颜色层
type Layer struct {
	Color   color.RGBA
	Outline *Outline
}

// RenderPreview 按调色板顺序叠加所有层，输出二维预览 SVG。
// 所有层共享第一层的坐标系。
func RenderPreview(w io.Writer, layers []Layer) error {
	var width, height int
	for _, l := range layers {
		if l.Outline != nil {
			width, height = int(math.Ceil(l.Outline.Width)), int(math.Ceil(l.Outline.Height))
			break
		}
	}
	if width == 0 || height == 0 {
		return ErrNoViewBox
	}

	canvas := svgo.New(w)
	canvas.Startview(width, height, 0, 0, width, height)
	for i, l := range layers {
		if l.Outline.Empty() {
			continue
		}
		canvas.Path(l.Outline.D(),
			fmt.Sprintf(`id="layer-%d"`, i),
			fmt.Sprintf("fill:#%02x%02x%02x", l.Color.R, l.Color.G, l.Color.B))
	}
	canvas.End()
	return nil
}
