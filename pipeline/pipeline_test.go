package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"img2keychain/jobstore"
	"img2keychain/mask2svg"
	"img2keychain/queue"
	"img2keychain/raster"
	"img2keychain/stl"
	"img2keychain/storage"
	"img2keychain/svg2stl"
	k2ptypes "img2keychain/type"
	"img2keychain/worker"
)

type fakeVectorizer struct {
	mu    sync.Mutex
	calls int
	fail  int // first n calls fail
}

func (v *fakeVectorizer) Trace(_ context.Context, m *raster.BinaryMask) (*mask2svg.Outline, error) {
	v.mu.Lock()
	v.calls++
	n := v.calls
	v.mu.Unlock()
	if n <= v.fail {
		return nil, errors.New("potrace: exit status 1")
	}
	return &mask2svg.Outline{
		Width:  float64(m.Width),
		Height: float64(m.Height),
		Paths:  []string{"M 0 0 L 10 0 L 10 10 Z"},
	}, nil
}

type fakeExtruder struct {
	err error
}

func (e fakeExtruder) Extrude(_ context.Context, o *mask2svg.Outline, p svg2stl.ExtrudeParams) ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	w, h := svg2stl.FrameSize(o, p.Scale)
	var buf bytes.Buffer
	if err := stl.WriteBinary(&buf, box(w, h, p.Thickness)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func box(x, y, z float64) *stl.Mesh {
	m := stl.NewMesh()
	v := func(i, j, k int) stl.Vertex {
		return stl.Vertex{X: float64(i) * x, Y: float64(j) * y, Z: float64(k) * z}
	}
	quad := func(a, b, c, d stl.Vertex) {
		m.AddFacet(a, b, c)
		m.AddFacet(a, c, d)
	}
	quad(v(0, 0, 0), v(0, 1, 0), v(1, 1, 0), v(1, 0, 0))
	quad(v(0, 0, 1), v(1, 0, 1), v(1, 1, 1), v(0, 1, 1))
	quad(v(0, 0, 0), v(1, 0, 0), v(1, 0, 1), v(0, 0, 1))
	quad(v(0, 1, 0), v(0, 1, 1), v(1, 1, 1), v(1, 1, 0))
	quad(v(0, 0, 0), v(0, 0, 1), v(0, 1, 1), v(0, 1, 0))
	quad(v(1, 0, 0), v(1, 1, 0), v(1, 1, 1), v(1, 0, 1))
	return m
}

type failingRing struct{}

func (failingRing) BuildRing(context.Context, stl.Placement) ([]byte, error) {
	return nil, errors.New("openscad: timeout")
}

type recorder struct {
	mu       sync.Mutex
	stages   map[string]int
	degraded []string
}

func (r *recorder) ObserveStage(stage string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stages == nil {
		r.stages = map[string]int{}
	}
	r.stages[stage]++
}

func (r *recorder) Degraded(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.degraded = append(r.degraded, reason)
}

// red square on a transparent 100x100 canvas
func writeInput(t *testing.T) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 100, 100))
	for y := 30; y < 70; y++ {
		for x := 30; x < 70; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "logo.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

type harness struct {
	store *jobstore.Memory
	obs   *recorder
	vec   *fakeVectorizer
	p     *Pipeline
}

func newHarness(t *testing.T, deps Deps) *harness {
	t.Helper()
	h := &harness{store: jobstore.NewMemory(), obs: &recorder{}, vec: &fakeVectorizer{}}
	deps.Store = h.store
	deps.Observer = h.obs
	deps.Layout = storage.Layout{Root: t.TempDir()}
	if deps.Vectorizer == nil {
		deps.Vectorizer = h.vec
	}
	if deps.Extruder == nil {
		deps.Extruder = fakeExtruder{}
	}
	cfg := DefaultConfig()
	cfg.Parallelism = 1
	p, err := New(cfg, deps, zap.NewNop())
	require.NoError(t, err)
	h.p = p
	return h
}

func zipNames(t *testing.T, path string) map[string][]byte {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	out := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		var buf bytes.Buffer
		_, err = buf.ReadFrom(rc)
		rc.Close()
		require.NoError(t, err)
		out[f.Name] = buf.Bytes()
	}
	return out
}

func TestProcessSingleColour(t *testing.T) {
	h := newHarness(t, Deps{})
	params := k2ptypes.DefaultParams()
	params.Enabled = false
	ctx := context.Background()

	require.NoError(t, h.p.Process(ctx, k2ptypes.Payload{JobID: "job1", FilePath: writeInput(t), Params: params}))

	job, err := h.store.Get(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, k2ptypes.StatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.NotNil(t, job.CompletedAt)
	assert.Empty(t, job.ErrorMessage)
	require.NotEmpty(t, job.Palette)
	assert.Equal(t, "#ff0000", job.Palette[0])

	for _, key := range []string{
		k2ptypes.ArtifactInput, k2ptypes.ArtifactClean, k2ptypes.ArtifactSilhouette,
		k2ptypes.ArtifactPreview, k2ptypes.ArtifactThreeMF, k2ptypes.ArtifactPackage,
		k2ptypes.SlotArtifact(k2ptypes.ArtifactMask, 0),
		k2ptypes.SlotArtifact(k2ptypes.ArtifactOutline, 0),
		k2ptypes.SlotArtifact(k2ptypes.ArtifactSTL, 0),
	} {
		assert.FileExists(t, job.Artifacts[key], key)
	}
	assert.NotContains(t, job.Artifacts, k2ptypes.ArtifactMerged)

	sil, err := os.Open(job.Artifacts[k2ptypes.ArtifactSilhouette])
	require.NoError(t, err)
	defer sil.Close()
	m, err := raster.ReadPGM(sil)
	require.NoError(t, err)
	assert.Equal(t, 1600, m.Count())

	files := zipNames(t, job.Artifacts[k2ptypes.ArtifactPackage])
	assert.Contains(t, files, "color_1_ff0000.stl")
	assert.Contains(t, files, "job1_multicolor.3mf")
	assert.Contains(t, files, "README.txt")
	var manifest k2ptypes.Manifest
	require.NoError(t, json.Unmarshal(files["colors.json"], &manifest))
	assert.Equal(t, 1, manifest.TotalColors)
	assert.Equal(t, "#ff0000", manifest.Colors[0].Hex)
	assert.Empty(t, manifest.Files.Merged)

	assert.Empty(t, h.obs.degraded)
	for _, s := range []string{StageSeparate, StagePalette, StageColors, StageVectorize, StageExtrude, StageThreeMF, StagePackage} {
		assert.Positive(t, h.obs.stages[s], s)
	}
}

func TestProcessAttachesRing(t *testing.T) {
	h := newHarness(t, Deps{})
	ctx := context.Background()
	require.NoError(t, h.p.Process(ctx, k2ptypes.Payload{JobID: "ring", FilePath: writeInput(t), Params: k2ptypes.DefaultParams()}))

	job, err := h.store.Get(ctx, "ring")
	require.NoError(t, err)
	require.FileExists(t, job.Artifacts[k2ptypes.ArtifactMerged])

	data, err := os.ReadFile(job.Artifacts[k2ptypes.ArtifactMerged])
	require.NoError(t, err)
	merged, err := stl.Parse(data)
	require.NoError(t, err)
	assert.Len(t, merged.Triangles, 12+8*stl.DefaultRingSegments)

	files := zipNames(t, job.Artifacts[k2ptypes.ArtifactPackage])
	assert.Equal(t, data, files["ring_with_ring.stl"])
	assert.Equal(t, data, files["color_1_ff0000.stl"], "first colour carries the ring")
}

func TestProcessRingFailureDegrades(t *testing.T) {
	h := newHarness(t, Deps{Ring: failingRing{}})
	ctx := context.Background()
	require.NoError(t, h.p.Process(ctx, k2ptypes.Payload{JobID: "noring", FilePath: writeInput(t), Params: k2ptypes.DefaultParams()}))

	job, err := h.store.Get(ctx, "noring")
	require.NoError(t, err)
	assert.Equal(t, k2ptypes.StatusCompleted, job.Status)
	assert.Empty(t, job.ErrorMessage)
	assert.NotContains(t, job.Artifacts, k2ptypes.ArtifactMerged)
	assert.Contains(t, h.obs.degraded, "ring_omitted")
}

func TestProcessVectorizeFallback(t *testing.T) {
	vec := &fakeVectorizer{fail: 1}
	h := newHarness(t, Deps{Vectorizer: vec})
	params := k2ptypes.DefaultParams()
	params.Enabled = false
	ctx := context.Background()
	require.NoError(t, h.p.Process(ctx, k2ptypes.Payload{JobID: "fallback", FilePath: writeInput(t), Params: params}))

	job, err := h.store.Get(ctx, "fallback")
	require.NoError(t, err)
	assert.Equal(t, k2ptypes.StatusCompleted, job.Status)
	assert.Contains(t, h.obs.degraded, "vectorize_fallback")
	assert.Equal(t, 2, vec.calls, "slot trace then silhouette trace")
}

func TestProcessBorderAppendsStrokeSlot(t *testing.T) {
	h := newHarness(t, Deps{})
	params := k2ptypes.DefaultParams()
	params.Enabled = false
	params.BorderEnabled = true
	ctx := context.Background()
	require.NoError(t, h.p.Process(ctx, k2ptypes.Payload{JobID: "border", FilePath: writeInput(t), Params: params}))

	job, err := h.store.Get(ctx, "border")
	require.NoError(t, err)
	require.NotEmpty(t, job.Palette)
	last := len(job.Palette) - 1
	assert.Equal(t, "#f5f5f5", job.Palette[last])
	assert.Equal(t, "#ff0000", job.Palette[0], "existing slots keep their index")
	assert.FileExists(t, job.Artifacts[k2ptypes.SlotArtifact(k2ptypes.ArtifactSTL, last)])
}

func TestProcessFatalErrors(t *testing.T) {
	input := writeInput(t)
	bad := k2ptypes.DefaultParams()
	bad.Width = 1

	for name, tc := range map[string]struct {
		deps   Deps
		params k2ptypes.Params
		input  string
		stage  string
		is     error
	}{
		"no geometry": {
			deps: Deps{Extruder: fakeExtruder{err: svg2stl.ErrNoGeometry}}, params: k2ptypes.DefaultParams(),
			input: input, stage: StageExtrude, is: svg2stl.ErrNoGeometry,
		},
		"missing input": {
			params: k2ptypes.DefaultParams(), input: filepath.Join(t.TempDir(), "gone.png"),
			stage: StageSeparate, is: os.ErrNotExist,
		},
		"invalid params": {
			params: bad, input: input, stage: "params", is: k2ptypes.ErrInvalidParams,
		},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, tc.deps)
			ctx := context.Background()
			err := h.p.Process(ctx, k2ptypes.Payload{JobID: "bad", FilePath: tc.input, Params: tc.params})
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.is)
			var se *StageError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.stage, se.Stage)

			job, gerr := h.store.Get(ctx, "bad")
			require.NoError(t, gerr)
			assert.Equal(t, k2ptypes.StatusFailed, job.Status)
			assert.Equal(t, err.Error(), job.ErrorMessage)
			assert.Nil(t, job.CompletedAt)
		})
	}
}

func TestProcessSkipsCompletedJob(t *testing.T) {
	h := newHarness(t, Deps{})
	params := k2ptypes.DefaultParams()
	params.Enabled = false
	ctx := context.Background()
	payload := k2ptypes.Payload{JobID: "again", FilePath: writeInput(t), Params: params}
	require.NoError(t, h.p.Process(ctx, payload))
	calls := h.vec.calls
	require.NoError(t, h.p.Process(ctx, payload))
	assert.Equal(t, calls, h.vec.calls)
}

func TestHandler(t *testing.T) {
	h := newHarness(t, Deps{})
	handle := h.p.Handler()
	ctx := context.Background()

	err := handle(ctx, &queue.Message{ID: "m1", Payload: []byte("{not json")})
	assert.True(t, worker.IsPermanent(err))

	err = handle(ctx, &queue.Message{ID: "m2", Payload: []byte(`{"filePath":"x.png"}`)})
	assert.True(t, worker.IsPermanent(err))

	payload, err := json.Marshal(k2ptypes.Payload{JobID: "missing", FilePath: "/nonexistent/x.png", Params: k2ptypes.DefaultParams()})
	require.NoError(t, err)
	err = handle(ctx, &queue.Message{ID: "m3", Payload: payload})
	assert.True(t, worker.IsPermanent(err))

	params := k2ptypes.DefaultParams()
	params.Enabled = false
	payload, err = json.Marshal(k2ptypes.Payload{JobID: "ok", FilePath: writeInput(t), Params: params})
	require.NoError(t, err)
	assert.NoError(t, handle(ctx, &queue.Message{ID: "m4", Payload: payload}))
}

func TestHandlerRetriesTransientErrors(t *testing.T) {
	h := newHarness(t, Deps{Extruder: fakeExtruder{err: errors.New("openscad: signal: killed")}})
	params := k2ptypes.DefaultParams()
	params.Enabled = false
	payload, err := json.Marshal(k2ptypes.Payload{JobID: "retry", FilePath: writeInput(t), Params: params})
	require.NoError(t, err)

	err = h.p.Handler()(context.Background(), &queue.Message{ID: "m1", Payload: payload})
	require.Error(t, err)
	assert.False(t, worker.IsPermanent(err))

	// a redelivery may move the failed job back to processing
	job, err := h.store.Get(context.Background(), "retry")
	require.NoError(t, err)
	assert.True(t, k2ptypes.CanTransition(job.Status, k2ptypes.StatusProcessing))
}
