// Package jobstore persists the job fields the pipeline reads and writes:
// status, progress, palette and per-stage artifact paths.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	k2ptypes "img2keychain/type"
)

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("jobstore: job not found")
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("jobstore: invalid status transition")
	// ErrExists is returned by Create for a duplicate id.
	ErrExists = errors.New("jobstore: job already exists")
)

// Store is the external job store.
type Store interface {
	Create(ctx context.Context, job *k2ptypes.Job) error
	Get(ctx context.Context, id string) (*k2ptypes.Job, error)
	SetStatus(ctx context.Context, id string, status k2ptypes.Status, errMsg string) error
	SetProgress(ctx context.Context, id string, progress int) error
	SetPalette(ctx context.Context, id string, palette []string) error
	SetArtifact(ctx context.Context, id, stage, path string) error
}

func clampProgress(p int) int {
	return max(0, min(100, p))
}

func transitionError(id string, from, to k2ptypes.Status) error {
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, from, to)
}

// Memory is an in-process Store.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*k2ptypes.Job
	now  func() time.Time
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*k2ptypes.Job), now: time.Now}
}

func cloneJob(j *k2ptypes.Job) *k2ptypes.Job {
	c := *j
	c.Palette = append([]string(nil), j.Palette...)
	c.Artifacts = make(map[string]string, len(j.Artifacts))
	for k, v := range j.Artifacts {
		c.Artifacts[k] = v
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Create implements Store.
func (m *Memory) Create(_ context.Context, job *k2ptypes.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, job.ID)
	}
	c := cloneJob(job)
	if c.Status == "" {
		c.Status = k2ptypes.StatusPending
	}
	now := m.now()
	c.CreatedAt, c.UpdatedAt = now, now
	m.jobs[job.ID] = c
	return nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, id string) (*k2ptypes.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneJob(j), nil
}

func (m *Memory) update(id string, fn func(j *k2ptypes.Job) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := fn(j); err != nil {
		return err
	}
	j.UpdatedAt = m.now()
	return nil
}

// SetStatus implements Store.
func (m *Memory) SetStatus(_ context.Context, id string, status k2ptypes.Status, errMsg string) error {
	return m.update(id, func(j *k2ptypes.Job) error {
		if !k2ptypes.CanTransition(j.Status, status) {
			return transitionError(id, j.Status, status)
		}
		j.Status = status
		j.ErrorMessage = errMsg
		switch status {
		case k2ptypes.StatusCompleted:
			now := m.now()
			j.CompletedAt = &now
			j.Progress = 100
		case k2ptypes.StatusProcessing:
			j.CompletedAt = nil
		}
		return nil
	})
}

// SetProgress implements Store.
func (m *Memory) SetProgress(_ context.Context, id string, progress int) error {
	return m.update(id, func(j *k2ptypes.Job) error {
		j.Progress = clampProgress(progress)
		return nil
	})
}

// SetPalette implements Store.
func (m *Memory) SetPalette(_ context.Context, id string, palette []string) error {
	return m.update(id, func(j *k2ptypes.Job) error {
		j.Palette = append([]string(nil), palette...)
		return nil
	})
}

// SetArtifact implements Store.
func (m *Memory) SetArtifact(_ context.Context, id, stage, path string) error {
	return m.update(id, func(j *k2ptypes.Job) error {
		if j.Artifacts == nil {
			j.Artifacts = make(map[string]string)
		}
		j.Artifacts[stage] = path
		return nil
	})
}
