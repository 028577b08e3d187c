package stl2mf

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"encoding/xml"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"img2keychain/stl"
	k2ptypes "img2keychain/type"
)

func triangleMesh(z float64) *stl.Mesh {
	m := stl.NewMesh()
	m.AddFacet(stl.Vertex{Z: z}, stl.Vertex{X: 1, Z: z}, stl.Vertex{Y: 1, Z: z})
	return m
}

func readZip(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := make(map[string][]byte)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		out[f.Name] = b
	}
	return out
}

func TestBuild3MF(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Build3MF(&buf, []Object{
		{Color: k2ptypes.MustHex("#ff0000"), Mesh: triangleMesh(0)},
		{Name: "ink", Color: k2ptypes.MustHex("#000000"), Mesh: triangleMesh(1)},
	}))
	files := readZip(t, buf.Bytes())
	require.Contains(t, files, "[Content_Types].xml")
	require.Contains(t, files, "_rels/.rels")
	require.Contains(t, files, "3D/3dmodel.model")

	var model xmlModel
	require.NoError(t, xml.Unmarshal(files["3D/3dmodel.model"], &model))
	require.Len(t, model.Resources.Objects, 2)
	assert.Equal(t, 2, model.Resources.Objects[0].ID)
	assert.Equal(t, 3, model.Resources.Objects[1].ID)
	assert.Equal(t, "Color 1", model.Resources.Objects[0].Name)
	assert.Equal(t, "ink", model.Resources.Objects[1].Name)
	assert.Equal(t, 1, model.Resources.Objects[1].PIndex)
	assert.Len(t, model.Resources.Objects[0].Mesh.Vertices, 3)
	assert.Equal(t, "1", model.Resources.Objects[1].Mesh.Vertices[0].Z)
	assert.Equal(t, "#000000", model.Resources.Materials.Bases[1].DisplayColor)
	assert.Equal(t, []xmlItem{{ObjectID: 2}, {ObjectID: 3}}, model.Build.Items)
}

func TestBuild3MFErrors(t *testing.T) {
	bad := triangleMesh(0)
	bad.Triangles = append(bad.Triangles, stl.Triangle{0, 1, 7})
	assert.ErrorIs(t, Build3MF(io.Discard, []Object{{Mesh: bad}}), ErrBadIndex)
	assert.ErrorIs(t, Build3MF(io.Discard, nil), ErrNoObjects)
	assert.Error(t, Build3MF(io.Discard, []Object{{}}))
}

func TestSTLName(t *testing.T) {
	assert.Equal(t, "color_1_ff0000.stl", STLName(0, k2ptypes.MustHex("#FF0000")))
	assert.Equal(t, "color_3_0a0b0c.stl", STLName(2, k2ptypes.MustHex("#0a0b0c")))
}

func TestBuildManifestRenumbers(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		slots := rapid.SliceOfNDistinct(rapid.IntRange(0, 9), 1, 10, rapid.ID[int]).Draw(t, "slots")
		layers := make([]Layer, len(slots))
		for i, s := range slots {
			layers[i] = Layer{Slot: s, Color: k2ptypes.MustHex("#" + strings.Repeat(string(rune('0'+s)), 6))}
		}

		m := BuildManifest("job", layers, false)
		require.Len(t, m.Colors, len(slots))
		assert.Equal(t, len(slots), m.TotalColors)

		sorted := append([]Layer(nil), layers...)
		SortLayers(sorted)
		for i, c := range m.Colors {
			assert.Equal(t, i, c.Index)
			assert.Equal(t, i+1, c.ID)
			assert.Equal(t, k2ptypes.Hex(sorted[i].Color), c.Hex, "relative slot order kept")
			assert.Equal(t, m.Files.STLs[i], c.STLFile)
		}
	})
}

func TestBuildPackage(t *testing.T) {
	layers := []Layer{
		{Slot: 3, Color: k2ptypes.MustHex("#000000"), STL: []byte("black")},
		{Slot: 0, Color: k2ptypes.MustHex("#ff0000"), STL: []byte("red")},
	}
	var buf bytes.Buffer
	manifest, err := BuildPackage(&buf, "abc", layers, []byte("3mf"), []byte("merged"))
	require.NoError(t, err)

	files := readZip(t, buf.Bytes())
	assert.Equal(t, "red", string(files["color_1_ff0000.stl"]))
	assert.Equal(t, "black", string(files["color_2_000000.stl"]))
	assert.Equal(t, "3mf", string(files["abc_multicolor.3mf"]))
	assert.Equal(t, "merged", string(files["abc_with_ring.stl"]))

	var decoded k2ptypes.Manifest
	require.NoError(t, json.Unmarshal(files["colors.json"], &decoded))
	assert.Equal(t, manifest, decoded)
	assert.Equal(t, "1.0", decoded.Version)
	assert.Equal(t, "abc_multicolor.3mf", decoded.Files.ThreeMF)
	assert.Equal(t, []string{"color_1_ff0000.stl", "color_2_000000.stl"}, decoded.Files.STLs)

	readme := string(files["README.txt"])
	assert.Contains(t, readme, "\n\n---\n\n")
	assert.Contains(t, readme, "2 colores/capas")
	assert.Contains(t, readme, "A multi-color 3MF with 2 colors/layers")

	_, err = BuildPackage(io.Discard, "abc", nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoObjects)
}

func TestBuildPackageWithoutRing(t *testing.T) {
	var buf bytes.Buffer
	m, err := BuildPackage(&buf, "j", []Layer{{Color: k2ptypes.MustHex("#ff0000"), STL: []byte("x")}}, []byte("3mf"), nil)
	require.NoError(t, err)
	assert.Empty(t, m.Files.Merged)
	assert.NotContains(t, readZip(t, buf.Bytes()), "j_with_ring.stl")
}
