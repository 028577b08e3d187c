package stl2mf

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"image/color"
	"io"
	"sort"
	"strings"

	k2ptypes "img2keychain/type"
)

// ManifestVersion 写入 colors.json 的版本号
const ManifestVersion = "1.0"

// Layer 一个保留颜色的 STL，Slot 是分类器给出的调色板槽位
type Layer struct {
	Slot  int
	Color color.RGBA
	STL   []byte
}

// STLName 第 n 个颜色（从 0 开始）的文件名
func STLName(n int, c color.RGBA) string {
	return fmt.Sprintf("color_%d_%s.stl", n+1, strings.TrimPrefix(k2ptypes.Hex(c), "#"))
}

// ThreeMFName ZIP 内 3MF 文件名
func ThreeMFName(jobID string) string { return jobID + "_multicolor.3mf" }

// MergedName 主体加挂环的 STL 文件名
func MergedName(jobID string) string { return jobID + "_with_ring.stl" }

// SortLayers 按调色板槽位排序
func SortLayers(layers []Layer) {
	sort.SliceStable(layers, func(i, j int) bool { return layers[i].Slot < layers[j].Slot })
}

// BuildManifest 按槽位顺序重新编号为 0..n-1
func BuildManifest(jobID string, layers []Layer, withMerged bool) k2ptypes.Manifest {
	sorted := append([]Layer(nil), layers...)
	SortLayers(sorted)

	m := k2ptypes.Manifest{
		Version:     ManifestVersion,
		JobID:       jobID,
		TotalColors: len(sorted),
		Colors:      make([]k2ptypes.ManifestColor, 0, len(sorted)),
		Files: k2ptypes.ManifestFiles{
			ThreeMF: ThreeMFName(jobID),
			STLs:    make([]string, 0, len(sorted)),
		},
		Instructions: Instructions(jobID, len(sorted)),
	}
	if withMerged {
		m.Files.Merged = MergedName(jobID)
	}
	for i, l := range sorted {
		name := STLName(i, l.Color)
		m.Colors = append(m.Colors, k2ptypes.ManifestColor{
			Index:   i,
			ID:      i + 1,
			Hex:     k2ptypes.Hex(l.Color),
			Name:    fmt.Sprintf("Color %d", i+1),
			STLFile: name,
		})
		m.Files.STLs = append(m.Files.STLs, name)
	}
	return m
}

// Instructions 返回双语说明
func Instructions(jobID string, n int) k2ptypes.Instructions {
	mf := ThreeMFName(jobID)
	return k2ptypes.Instructions{
		ES: fmt.Sprintf("Este archivo contiene:\n"+
			"1. Un archivo 3MF multi-color con %d colores/capas (compatible con Bambu Studio)\n"+
			"2. %d archivos STL individuales (uno por color)\n\n"+
			"Cómo usar:\n"+
			"- Abre %s en Bambu Studio o un slicer compatible con 3MF.\n"+
			"- Si necesitas ajustar colores manualmente, importa los STLs del ZIP y asigna filamentos por pieza.\n"+
			"- Ajusta configuración de impresora y listo.", n, n, mf),
		EN: fmt.Sprintf("This file contains:\n"+
			"1. A multi-color 3MF with %d colors/layers (Bambu Studio compatible)\n"+
			"2. %d individual STL files (one per color)\n\n"+
			"How to use:\n"+
			"- Open %s in Bambu Studio or any 3MF-compatible slicer.\n"+
			"- If you need manual color control, import the STLs from the ZIP and assign filaments per part.\n"+
			"- Adjust printer settings and you're ready.", n, n, mf),
	}
}

// Readme 生成 README.txt
func Readme(in k2ptypes.Instructions) string {
	return in.ES + "\n\n---\n\n" + in.EN
}

// BuildPackage 写出下载 ZIP：各颜色 STL、3MF、可选的带环 STL、colors.json 和 README.txt
func BuildPackage(w io.Writer, jobID string, layers []Layer, threeMF, merged []byte) (k2ptypes.Manifest, error) {
	if len(layers) == 0 {
		return k2ptypes.Manifest{}, ErrNoObjects
	}
	sorted := append([]Layer(nil), layers...)
	SortLayers(sorted)
	manifest := BuildManifest(jobID, sorted, len(merged) > 0)
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return k2ptypes.Manifest{}, fmt.Errorf("stl2mf: manifest: %w", err)
	}

	zw := zip.NewWriter(w)
	for i, l := range sorted {
		if err := writeEntry(zw, manifest.Colors[i].STLFile, l.STL); err != nil {
			return k2ptypes.Manifest{}, err
		}
	}
	if err := writeEntry(zw, manifest.Files.ThreeMF, threeMF); err != nil {
		return k2ptypes.Manifest{}, err
	}
	if manifest.Files.Merged != "" {
		if err := writeEntry(zw, manifest.Files.Merged, merged); err != nil {
			return k2ptypes.Manifest{}, err
		}
	}
	if err := writeEntry(zw, "colors.json", manifestJSON); err != nil {
		return k2ptypes.Manifest{}, err
	}
	if err := writeEntry(zw, "README.txt", []byte(Readme(manifest.Instructions))); err != nil {
		return k2ptypes.Manifest{}, err
	}
	if err := zw.Close(); err != nil {
		return k2ptypes.Manifest{}, fmt.Errorf("stl2mf: close package: %w", err)
	}
	return manifest, nil
}
