package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"img2keychain/config"
	k2ptypes "img2keychain/type"
)

func testApp(t *testing.T) *app {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.Root = t.TempDir()
	cfg.Database.Path = filepath.Join(cfg.Storage.Root, "keychain.db")
	cfg.Metrics.Namespace = "test"
	a, err := newApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestRouter(t *testing.T) {
	a := testApp(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, a.store.Create(ctx, &k2ptypes.Job{
		ID: "j1", Status: k2ptypes.StatusPending, Params: k2ptypes.DefaultParams(), CreatedAt: now, UpdatedAt: now,
	}))
	a.metrics.Degraded("ring_omitted")
	srv := httptest.NewServer(a.router())
	defer srv.Close()

	res, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(srv.URL + "/jobs/j1")
	require.NoError(t, err)
	var view jobResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&view))
	res.Body.Close()
	assert.Equal(t, "j1", view.ID)
	assert.Equal(t, k2ptypes.StatusPending, view.Status)

	res, err = http.Get(srv.URL + "/jobs/nope")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `test_degraded_total{reason="ring_omitted"} 1`)
}

func TestEnqueueRegistersJob(t *testing.T) {
	a := testApp(t)
	ctx := context.Background()
	params := k2ptypes.DefaultParams()
	require.NoError(t, a.enqueue(ctx, payload("q1", "logo.png", params)))

	job, err := a.store.Get(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, k2ptypes.StatusPending, job.Status)
	assert.True(t, filepath.IsAbs(job.InputPath))

	msg, err := a.queue.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	var p k2ptypes.Payload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, "q1", p.JobID)

	bad := params
	bad.MaxColors = 0
	assert.ErrorIs(t, a.enqueue(ctx, payload("q2", "logo.png", bad)), k2ptypes.ErrInvalidParams)
}

func TestPayloadGeneratesID(t *testing.T) {
	p := payload("", "x.png", k2ptypes.DefaultParams())
	assert.Len(t, p.JobID, 36)
	assert.True(t, filepath.IsAbs(p.FilePath))
}

func TestInitLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		l := initLogger(config.LogConfig{Level: "debug", Format: format, OutputPaths: []string{"stderr"}})
		assert.True(t, l.Core().Enabled(zap.DebugLevel))
	}
	assert.False(t, initLogger(config.LogConfig{Level: "bogus"}).Core().Enabled(zap.DebugLevel))
}
