// Package pipeline runs one keychain job from the uploaded image to the
// download package. Stages run in order; each writes its artifacts and
// records their paths on the job before the next one starts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"img2keychain/color2label"
	"img2keychain/image2mask"
	"img2keychain/jobstore"
	"img2keychain/label2mask"
	"img2keychain/mask2svg"
	"img2keychain/stl"
	"img2keychain/storage"
	"img2keychain/svg2stl"
	k2ptypes "img2keychain/type"
)

// ErrNoColors is returned when classification leaves no printable slot.
var ErrNoColors = errors.New("pipeline: no printable colours")

// Stage names, also used as metric labels.
const (
	StageSeparate  = "separate"
	StagePalette   = "palette"
	StageColors    = "colors"
	StageVectorize = "vectorize"
	StageExtrude   = "extrude"
	StageRing      = "ring"
	StagePreview   = "preview"
	StageThreeMF   = "threemf"
	StagePackage   = "package"
	StageMirror    = "mirror"
)

// Progress checkpoints persisted on the job.
const (
	ProgressStarted   = 10
	ProgressSeparated = 15
	ProgressMasks     = 20
	ProgressColors    = 60
	ProgressThreeMF   = 70
	ProgressPackage   = 90
	ProgressDone      = 100
)

// StageError is the fatal failure of one stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage string, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// Observer receives stage timings and degraded outcomes. worker.Metrics
// implements it.
type Observer interface {
	ObserveStage(stage string, d time.Duration)
	Degraded(reason string)
}

type nopObserver struct{}

func (nopObserver) ObserveStage(string, time.Duration) {}
func (nopObserver) Degraded(string)                    {}

// Config tunes the pipeline; job parameters arrive per job instead.
type Config struct {
	MaxDimension   int     `yaml:"max_dimension" env:"MAX_DIMENSION"`
	PocketAreaFrac float64 `yaml:"pocket_area_frac" env:"POCKET_AREA_FRAC"`
	// Parallelism bounds the per-colour vectorize/extrude fan-out.
	Parallelism int                `yaml:"parallelism" env:"PARALLELISM"`
	Masks       label2mask.Options `yaml:"-"`
	Classifier  color2label.Config `yaml:"-"`
}

// DefaultConfig caps processing at 2000 px and runs two colours at a time.
func DefaultConfig() Config {
	return Config{
		MaxDimension:   2000,
		PocketAreaFrac: 0.02,
		Parallelism:    2,
		Masks:          label2mask.DefaultOptions(),
		Classifier:     color2label.DefaultConfig(),
	}
}

// Deps are the collaborators of a Pipeline. Mirror, Ring and Observer may
// be nil.
type Deps struct {
	Store      jobstore.Store
	Layout     storage.Layout
	Vectorizer mask2svg.Vectorizer
	Extruder   svg2stl.Extruder
	Ring       stl.RingBuilder
	Mirror     storage.Mirror
	Observer   Observer
}

// Pipeline runs jobs end to end.
type Pipeline struct {
	cfg        Config
	deps       Deps
	classifier *color2label.Classifier
	cleaner    *label2mask.Cleaner
	logger     *zap.Logger
}

// New builds a pipeline. Store, Vectorizer and Extruder are required.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Pipeline, error) {
	if deps.Store == nil || deps.Vectorizer == nil || deps.Extruder == nil {
		return nil, errors.New("pipeline: store, vectorizer and extruder are required")
	}
	if err := cfg.Classifier.Validate(); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = def.MaxDimension
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if deps.Ring == nil {
		deps.Ring = stl.WasherBuilder{}
	}
	if deps.Mirror == nil {
		deps.Mirror = storage.NopMirror{}
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "pipeline"))
	masks := cfg.Masks
	masks.Logger = logger
	return &Pipeline{
		cfg:        cfg,
		deps:       deps,
		classifier: color2label.NewClassifier(cfg.Classifier, logger),
		cleaner:    label2mask.NewCleaner(masks),
		logger:     logger,
	}, nil
}

// Process runs the job described by payload, creating it in the store when
// it does not exist yet. A fatal stage error marks the job FAILED and is
// returned; COMPLETED is only set after every artifact is written.
func (p *Pipeline) Process(ctx context.Context, payload k2ptypes.Payload) error {
	log := p.logger.With(zap.String("job_id", payload.JobID))
	existing, err := p.ensureJob(ctx, payload)
	if err != nil {
		return err
	}
	if existing != nil && existing.Status == k2ptypes.StatusCompleted {
		log.Info("job already completed, skipping")
		return nil
	}
	if err := p.deps.Store.SetStatus(ctx, payload.JobID, k2ptypes.StatusProcessing, ""); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	p.progress(ctx, log, payload.JobID, ProgressStarted)

	start := time.Now()
	manifest, err := p.run(ctx, log, payload)
	if err != nil {
		log.Error("job failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		if serr := p.deps.Store.SetStatus(ctx, payload.JobID, k2ptypes.StatusFailed, err.Error()); serr != nil {
			log.Error("persist failure", zap.Error(serr))
		}
		return err
	}
	if err := p.deps.Store.SetStatus(ctx, payload.JobID, k2ptypes.StatusCompleted, ""); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	log.Info("job completed",
		zap.Int("colors", manifest.TotalColors),
		zap.Bool("ring", manifest.Files.Merged != ""),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// ensureJob returns the stored job, or nil after creating it.
func (p *Pipeline) ensureJob(ctx context.Context, payload k2ptypes.Payload) (*k2ptypes.Job, error) {
	existing, err := p.deps.Store.Get(ctx, payload.JobID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, jobstore.ErrNotFound) {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	now := time.Now().UTC()
	err = p.deps.Store.Create(ctx, &k2ptypes.Job{
		ID:        payload.JobID,
		Status:    k2ptypes.StatusPending,
		Params:    payload.Params,
		InputPath: payload.FilePath,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil && !errors.Is(err, jobstore.ErrExists) {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return nil, nil
}

// progress failures are logged only; they never fail the job
func (p *Pipeline) progress(ctx context.Context, log *zap.Logger, jobID string, v int) {
	if err := p.deps.Store.SetProgress(ctx, jobID, v); err != nil {
		log.Warn("progress not saved", zap.Int("progress", v), zap.Error(err))
	}
}

func (p *Pipeline) artifact(ctx context.Context, log *zap.Logger, jobID, stage, path string) error {
	if err := p.deps.Store.SetArtifact(ctx, jobID, stage, path); err != nil {
		return fmt.Errorf("record %s: %w", stage, err)
	}
	log.Debug("artifact written", zap.String("stage", stage), zap.String("path", path))
	return nil
}

func (p *Pipeline) timed(stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	p.deps.Observer.ObserveStage(stage, time.Since(start))
	return stageErr(stage, err)
}

func (p *Pipeline) run(ctx context.Context, log *zap.Logger, payload k2ptypes.Payload) (k2ptypes.Manifest, error) {
	if err := payload.Params.Validate(); err != nil {
		return k2ptypes.Manifest{}, stageErr("params", err)
	}
	j := &job{p: p, log: log, id: payload.JobID, params: payload.Params, input: payload.FilePath}

	steps := []struct {
		stage string
		fn    func(context.Context) error
	}{
		{StageSeparate, j.separate},
		{StagePalette, j.classify},
		{StageColors, j.colors},
		{StageRing, j.ring},
		{StagePreview, j.preview},
		{StageThreeMF, j.buildThreeMF},
		{StagePackage, j.pack},
		{StageMirror, j.mirror},
	}
	for _, s := range steps {
		if err := p.timed(s.stage, func() error { return s.fn(ctx) }); err != nil {
			return k2ptypes.Manifest{}, err
		}
	}
	return j.manifest, nil
}

// Separator options derived from job parameters.
func (p *Pipeline) separatorOptions(params k2ptypes.Params) image2mask.Options {
	return image2mask.Options{
		Threshold:      params.Threshold,
		MaxDimension:   p.cfg.MaxDimension,
		KeepBackground: !params.RemoveBackground,
		PocketAreaFrac: p.cfg.PocketAreaFrac,
		Logger:         p.logger,
	}
}
