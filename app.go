package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"img2keychain/config"
	"img2keychain/jobstore"
	"img2keychain/mask2svg"
	"img2keychain/pipeline"
	"img2keychain/queue"
	"img2keychain/storage"
	"img2keychain/svg2stl"
	k2ptypes "img2keychain/type"
	"img2keychain/worker"
)

// app 进程内共享的组件
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *sql.DB
	rdb      *redis.Client
	store    jobstore.Store
	queue    queue.Queue
	registry *prometheus.Registry
	metrics  *worker.Metrics
	pipeline *pipeline.Pipeline
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = worker.NewMetrics(cfg.Metrics.Namespace, a.registry)

	db, err := jobstore.OpenDB(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a.db = db
	st := jobstore.NewSQLite(db)
	if err := st.EnsureSchema(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.store = st

	qopts := queue.Options{Name: cfg.Queue.Name, Visibility: cfg.Queue.Visibility}
	switch cfg.Queue.Backend {
	case "redis":
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.queue = queue.NewRedis(a.rdb, qopts)
	default:
		q := queue.NewSQLite(db, qopts)
		if err := q.EnsureTable(ctx); err != nil {
			a.Close()
			return nil, err
		}
		a.queue = q
	}

	var mirror storage.Mirror = storage.NopMirror{}
	if cfg.Storage.S3.Enabled {
		m, err := storage.NewS3Mirror(cfg.Storage.S3, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		mirror = m
	}

	pc := cfg.Pipeline
	var vec mask2svg.Vectorizer = mask2svg.Gotrace{}
	if pc.Vectorizer == "potrace" {
		vec = mask2svg.Potrace{Bin: pc.PotraceBin, Timeout: pc.Timeout, TempDir: pc.TempDir, Logger: logger}
	}
	a.pipeline, err = pipeline.New(cfg.PipelineOptions(), pipeline.Deps{
		Store:      a.store,
		Layout:     storage.Layout{Root: cfg.Storage.Root},
		Vectorizer: vec,
		Extruder:   svg2stl.OpenSCAD{Bin: pc.OpenSCADBin, Timeout: pc.Timeout, TempDir: pc.TempDir, Logger: logger},
		Mirror:     mirror,
		Observer:   a.metrics,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// serve 运行工作池和健康检查服务，直到收到退出信号
func (a *app) serve(ctx context.Context) error {
	var srv *http.Server
	if a.cfg.Metrics.Addr != "" {
		srv = &http.Server{Addr: a.cfg.Metrics.Addr, Handler: a.router(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			a.logger.Info("http listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server failed", zap.Error(err))
			}
		}()
	}

	worker.NewPool(a.queue, a.pipeline.Handler(), a.cfg.Worker, a.metrics, a.logger).Run(ctx)

	if srv != nil {
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
	return nil
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.db.PingContext(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		n, err := a.queue.Len(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "queued": n})
	})
	r.Get("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		job, err := a.store.Get(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, jobstore.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, jobView(job))
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	return r
}

type jobResponse struct {
	ID           string            `json:"id"`
	Status       k2ptypes.Status   `json:"status"`
	Progress     int               `json:"progress"`
	Palette      []string          `json:"palette"`
	Artifacts    map[string]string `json:"artifacts"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	CompletedAt  *time.Time        `json:"completedAt,omitempty"`
}

func jobView(j *k2ptypes.Job) jobResponse {
	return jobResponse{
		ID:           j.ID,
		Status:       j.Status,
		Progress:     j.Progress,
		Palette:      j.Palette,
		Artifacts:    j.Artifacts,
		ErrorMessage: j.ErrorMessage,
		CompletedAt:  j.CompletedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// initLogger console 使用开发格式，其余输出 JSON
func initLogger(cfg config.LogConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var enc zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		enc = zap.NewDevelopmentEncoderConfig()
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		enc = zap.NewProductionEncoderConfig()
		enc.TimeKey = "timestamp"
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	logger, err := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    enc,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}.Build(zap.AddCaller())
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
