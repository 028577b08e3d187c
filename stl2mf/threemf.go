// Package stl2mf 把每个颜色的网格打包成 3MF 和下载用的 ZIP
package stl2mf

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"image/color"
	"io"
	"strconv"

	"img2keychain/stl"
	k2ptypes "img2keychain/type"
)

// ErrBadIndex 三角形引用了不存在的顶点
var ErrBadIndex = errors.New("stl2mf: triangle references a missing vertex")

// ErrNoObjects 没有可打包的对象
var ErrNoObjects = errors.New("stl2mf: no objects")

// 基础材质占用 id 1，对象从 2 开始编号
const (
	materialsID   = 1
	firstObjectID = 2
)

// Object 一个颜色对应的 3MF 对象
type Object struct {
	Name  string
	Color color.RGBA
	Mesh  *stl.Mesh
}

const (
	contentTypes = `<?xml version="1.0" encoding="UTF-8"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
  <Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml" />
  <Default Extension="model" ContentType="application/vnd.ms-package.3dmanufacturing-3dmodel+xml" />
</Types>`
	rels = `<?xml version="1.0" encoding="UTF-8"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
  <Relationship Target="/3D/3dmodel.model" Id="rel0" Type="http://schemas.microsoft.com/3dmanufacturing/2013/01/3dmodel" />
</Relationships>`
)

type xmlModel struct {
	XMLName   xml.Name      `xml:"model"`
	Unit      string        `xml:"unit,attr"`
	Lang      string        `xml:"xml:lang,attr"`
	Xmlns     string        `xml:"xmlns,attr"`
	Metadata  []xmlMetadata `xml:"metadata"`
	Resources xmlResources  `xml:"resources"`
	Build     xmlBuild      `xml:"build"`
}

type xmlMetadata struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type xmlResources struct {
	Materials xmlBaseMaterials `xml:"basematerials"`
	Objects   []xmlObject      `xml:"object"`
}

type xmlBaseMaterials struct {
	ID    int       `xml:"id,attr"`
	Bases []xmlBase `xml:"base"`
}

type xmlBase struct {
	Name         string `xml:"name,attr"`
	DisplayColor string `xml:"displaycolor,attr"`
}

type xmlObject struct {
	ID     int     `xml:"id,attr"`
	Type   string  `xml:"type,attr"`
	Name   string  `xml:"name,attr"`
	PID    int     `xml:"pid,attr"`
	PIndex int     `xml:"pindex,attr"`
	Mesh   xmlMesh `xml:"mesh"`
}

type xmlMesh struct {
	Vertices  []xmlVertex   `xml:"vertices>vertex"`
	Triangles []xmlTriangle `xml:"triangles>triangle"`
}

type xmlVertex struct {
	X string `xml:"x,attr"`
	Y string `xml:"y,attr"`
	Z string `xml:"z,attr"`
}

type xmlTriangle struct {
	V1 int `xml:"v1,attr"`
	V2 int `xml:"v2,attr"`
	V3 int `xml:"v3,attr"`
}

type xmlBuild struct {
	Items []xmlItem `xml:"item"`
}

type xmlItem struct {
	ObjectID int `xml:"objectid,attr"`
}

func coord(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func meshXML(i int, m *stl.Mesh) (xmlMesh, error) {
	out := xmlMesh{
		Vertices:  make([]xmlVertex, len(m.Vertices)),
		Triangles: make([]xmlTriangle, len(m.Triangles)),
	}
	for j, v := range m.Vertices {
		out.Vertices[j] = xmlVertex{coord(v.X), coord(v.Y), coord(v.Z)}
	}
	for j, t := range m.Triangles {
		for _, idx := range t {
			if idx < 0 || idx >= len(m.Vertices) {
				return xmlMesh{}, fmt.Errorf("%w: object %d triangle %d vertex %d of %d", ErrBadIndex, i, j, idx, len(m.Vertices))
			}
		}
		out.Triangles[j] = xmlTriangle{t[0], t[1], t[2]}
	}
	return out, nil
}

// ModelXML 生成 3D/3dmodel.model，每个颜色一个对象，顺序与调色板一致。
// 颜色只作显示用途：basematerials 里每个对象一项，切片软件按对象分配耗材，
// 不依赖共享材质表
func ModelXML(objects []Object) ([]byte, error) {
	if len(objects) == 0 {
		return nil, ErrNoObjects
	}
	model := xmlModel{
		Unit:  "millimeter",
		Lang:  "en-US",
		Xmlns: "http://schemas.microsoft.com/3dmanufacturing/core/2015/02",
		Metadata: []xmlMetadata{
			{Name: "Title", Value: "Multi-Color Keychain"},
			{Name: "Designer", Value: "img2keychain"},
		},
		Resources: xmlResources{Materials: xmlBaseMaterials{ID: materialsID}},
	}
	for i, o := range objects {
		if o.Mesh == nil {
			return nil, fmt.Errorf("stl2mf: object %d has no mesh", i)
		}
		mesh, err := meshXML(i, o.Mesh)
		if err != nil {
			return nil, err
		}
		name := o.Name
		if name == "" {
			name = fmt.Sprintf("Color %d", i+1)
		}
		id := firstObjectID + i
		model.Resources.Materials.Bases = append(model.Resources.Materials.Bases,
			xmlBase{Name: name, DisplayColor: k2ptypes.Hex(o.Color)})
		model.Resources.Objects = append(model.Resources.Objects, xmlObject{
			ID: id, Type: "model", Name: name, PID: materialsID, PIndex: i, Mesh: mesh,
		})
		model.Build.Items = append(model.Build.Items, xmlItem{ObjectID: id})
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", " ")
	if err := enc.Encode(model); err != nil {
		return nil, fmt.Errorf("stl2mf: encode model: %w", err)
	}
	return buf.Bytes(), nil
}

// Build3MF 写出 3MF 容器
func Build3MF(w io.Writer, objects []Object) error {
	model, err := ModelXML(objects)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(w)
	for _, f := range []struct {
		name string
		data []byte
	}{
		{"[Content_Types].xml", []byte(contentTypes)},
		{"_rels/.rels", []byte(rels)},
		{"3D/3dmodel.model", model},
	} {
		if err := writeEntry(zw, f.name, f.data); err != nil {
			return err
		}
	}
	return zw.Close()
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	fw, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("stl2mf: %s: %w", name, err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("stl2mf: %s: %w", name, err)
	}
	return nil
}
