// Package queue delivers job payloads to workers with at-least-once
// semantics. A claimed message stays invisible for the visibility timeout;
// if the worker neither acks nor nacks it in time it becomes claimable again.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message is one claimed delivery.
type Message struct {
	ID       string
	Payload  []byte
	Attempts int
}

// Queue is implemented by the SQLite and Redis backends.
type Queue interface {
	Publish(ctx context.Context, payload []byte) (string, error)
	// Claim returns nil, nil when nothing is visible.
	Claim(ctx context.Context) (*Message, error)
	Ack(ctx context.Context, id string) error
	Nack(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
}

// Options configures either backend.
type Options struct {
	Name       string
	Visibility time.Duration
	// Now is overridable in tests.
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.Name == "" {
		o.Name = "keychain-jobs"
	}
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

func newID() string { return uuid.NewString() }
