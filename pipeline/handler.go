package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"

	"img2keychain/image2mask"
	"img2keychain/queue"
	k2ptypes "img2keychain/type"
	"img2keychain/worker"
)

// Handler adapts the pipeline to the worker pool. Errors a retry cannot fix
// are marked permanent so the message is acked.
func (p *Pipeline) Handler() worker.Handler {
	return func(ctx context.Context, msg *queue.Message) error {
		var payload k2ptypes.Payload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return worker.Permanent(fmt.Errorf("pipeline: decode payload: %w", err))
		}
		if payload.JobID == "" {
			return worker.Permanent(errors.New("pipeline: payload without job id"))
		}
		err := p.Process(ctx, payload)
		if err != nil && permanent(err) {
			return worker.Permanent(err)
		}
		return err
	}
}

func permanent(err error) bool {
	return errors.Is(err, k2ptypes.ErrInvalidParams) ||
		errors.Is(err, ErrNoColors) ||
		errors.Is(err, image2mask.ErrEmptyImage) ||
		errors.Is(err, image.ErrFormat) ||
		errors.Is(err, os.ErrNotExist)
}

// Enqueue publishes a job payload.
func Enqueue(ctx context.Context, q queue.Queue, payload k2ptypes.Payload) (string, error) {
	if err := payload.Params.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("pipeline: encode payload: %w", err)
	}
	return q.Publish(ctx, data)
}

var _ Observer = (*worker.Metrics)(nil)
