package executor

import (
	"context"

	"github.com/mohammad-safakhou/linsight/models"
)

// Checkpointer persists task progress after every step and status change.
type Checkpointer interface {
	SaveTask(ctx context.Context, task *models.Task) error
}

// NoopCheckpointer records nothing.
type NoopCheckpointer struct{}

func (NoopCheckpointer) SaveTask(ctx context.Context, task *models.Task) error { return nil }

// CheckpointFunc adapts a function into a Checkpointer.
type CheckpointFunc func(ctx context.Context, task *models.Task) error

func (f CheckpointFunc) SaveTask(ctx context.Context, task *models.Task) error { return f(ctx, task) }
