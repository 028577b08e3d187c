package k2ptypes

import (
	"image/color"
)

// ColorRegion 一个保留的调色板槽位及其产物
type ColorRegion struct {
	Index    int        // 调色板槽位（与前端颜色索引一致）
	Color    color.RGBA // 打印颜色
	MaskPath string     // 单通道 PGM 掩码
	SVGPath  string     // 可选：矢量轮廓
	Pixels   int        // 分类后像素数
}

// Hex 区域颜色的 #rrggbb
func (r ColorRegion) Hex() string { return Hex(r.Color) }

// ColorSTL 一个颜色对应的挤出网格文件
type ColorSTL struct {
	Index   int
	Color   color.RGBA
	STLPath string
}

// ManifestColor colors.json 中的一项
type ManifestColor struct {
	Index   int    `json:"index"`
	ID      int    `json:"id"`
	Hex     string `json:"hex"`
	Name    string `json:"name"`
	STLFile string `json:"stlFile"`
}

// ManifestFiles 下载包内的文件
type ManifestFiles struct {
	ThreeMF string   `json:"threemf"`
	Merged  string   `json:"merged,omitempty"`
	STLs    []string `json:"stls"`
}

// Manifest 机器可读的颜色清单
type Manifest struct {
	Version      string          `json:"version"`
	JobID        string          `json:"jobId"`
	TotalColors  int             `json:"totalColors"`
	Colors       []ManifestColor `json:"colors"`
	Files        ManifestFiles   `json:"files"`
	Instructions Instructions    `json:"instructions"`
}

// Instructions 双语使用说明
type Instructions struct {
	ES string `json:"es"`
	EN string `json:"en"`
}

// Payload 一个任务的队列消息体
type Payload struct {
	JobID    string `json:"jobId"`
	FilePath string `json:"filePath"`
	Params   Params `json:"params"`
}
