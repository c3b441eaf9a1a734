package store

import (
	"context"

	"github.com/kilnproc/kiln/internal/model"
)

// Store defines persistence for instances, load attempts, and pipeline
// events. It records what the pipeline tells it; state transition rules are
// enforced by the pipeline itself, not here.
type Store interface {
	CreateInstance(ctx context.Context, inst *model.Instance) error
	GetInstance(ctx context.Context, id string) (*model.Instance, error)
	ListInstances(ctx context.Context, limit, offset int) ([]*model.Instance, int, error)
	UpdateInstanceState(ctx context.Context, id, state string) error
	MarkInstanceDestroyed(ctx context.Context, id string) error

	CreateAttempt(ctx context.Context, a *model.LoadAttempt) error
	GetAttempt(ctx context.Context, id string) (*model.LoadAttempt, error)
	ListAttempts(ctx context.Context, instanceID string, limit, offset int) ([]*model.LoadAttempt, int, error)
	UpdateAttemptState(ctx context.Context, id, state string) error
	SetAttemptArtifact(ctx context.Context, id, kind, locator string) error
	FinishAttempt(ctx context.Context, a *model.LoadAttempt) error

	InsertEvent(ctx context.Context, instanceID string, seq int, kind, state, detail string) error
	ListEvents(ctx context.Context, instanceID string) ([]model.PipelineEvent, error)

	Close() error
}
