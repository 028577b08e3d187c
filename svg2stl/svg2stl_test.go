package svg2stl

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"img2keychain/mask2svg"
)

func outline() *mask2svg.Outline {
	return &mask2svg.Outline{Width: 10, Height: 20, Paths: []string{"M 0 0 L 10 0 L 10 20 Z"}}
}

func TestFitScale(t *testing.T) {
	assert.Equal(t, 0.025, FitScale(2000, 1000, 50, 50))
	assert.Equal(t, 0.05, FitScale(1000, 1000, 50, 80))
	assert.Zero(t, FitScale(0, 10, 50, 50))
}

func TestScalePath(t *testing.T) {
	assert.Equal(t, "M 5 10 l 2 0 Z", ScalePath("M 10 20 l 4 0 Z", 0.5))
}

func TestWriteSVG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSVG(&buf, outline(), 0.5))
	out := buf.String()
	assert.Contains(t, out, `viewBox="0 0 5 10"`)
	assert.Contains(t, out, `d="M 0 0 L 5 0 L 5 10 Z"`)

	assert.ErrorIs(t, WriteSVG(&buf, &mask2svg.Outline{}, 1), mask2svg.ErrNoViewBox)
}

func TestScript(t *testing.T) {
	s := Script("/tmp/layer.svg", outline(), ExtrudeParams{Thickness: 3, Scale: 0.5})
	assert.Contains(t, s, "translate([-2.500000, -5.000000, 0])")
	assert.Contains(t, s, "linear_extrude(height = 3.000000)")
	assert.Contains(t, s, `import("/tmp/layer.svg", dpi = 25.4);`)
}

func fakeOpenSCAD(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake")
	}
	path := filepath.Join(t.TempDir(), "openscad")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestOpenSCADExtrude(t *testing.T) {
	bin := fakeOpenSCAD(t, `printf 'solid t\nendsolid t\n' > "$2"`+"\n")
	data, err := OpenSCAD{Bin: bin, Timeout: 5 * time.Second}.Extrude(context.Background(), outline(), ExtrudeParams{Thickness: 3, Scale: 1})
	require.NoError(t, err)
	assert.Equal(t, "solid t\nendsolid t\n", string(data))
}

func TestOpenSCADNoGeometry(t *testing.T) {
	bin := fakeOpenSCAD(t, "exit 0\n")
	_, err := OpenSCAD{Bin: bin}.Extrude(context.Background(), outline(), ExtrudeParams{Thickness: 3, Scale: 1})
	assert.ErrorIs(t, err, ErrNoGeometry)

	_, err = OpenSCAD{Bin: bin}.Extrude(context.Background(), &mask2svg.Outline{Width: 1, Height: 1}, ExtrudeParams{Thickness: 3, Scale: 1})
	assert.ErrorIs(t, err, ErrNoGeometry)
}

func TestOpenSCADFailure(t *testing.T) {
	bin := fakeOpenSCAD(t, "echo 'ERROR: bad svg' >&2\nexit 1\n")
	_, err := OpenSCAD{Bin: bin}.Extrude(context.Background(), outline(), ExtrudeParams{Thickness: 3, Scale: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad svg")

	_, err = OpenSCAD{Bin: bin}.Extrude(context.Background(), outline(), ExtrudeParams{})
	assert.Error(t, err)
}
