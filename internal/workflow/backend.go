package workflow

import (
	"context"
	"time"

	"aideps/internal/stage"
)

// Backend is the durable store of workflow progress.
//
// LoadWorkflow returns an error matching services.ErrNotFound when the
// document has no workflow yet. SaveStageCompletion must be idempotent: saving
// the same stage twice keeps the last payload.
type Backend interface {
	LoadWorkflow(ctx context.Context, documentID string) (Resume, error)
	SaveStageCompletion(ctx context.Context, workflowID string, id stage.ID, payload stage.Payload) error
	SaveStagePayloadDraft(ctx context.Context, workflowID string, id stage.ID, payload stage.Payload) error
}

// Creator is implemented by backends that keep an explicit workflow record.
type Creator interface {
	CreateWorkflow(ctx context.Context, workflowID, documentID string) error
}

// Invalidator is implemented by backends that persist cascading invalidation.
type Invalidator interface {
	SaveInvalidation(ctx context.Context, workflowID string, from stage.ID) error
}

// Resolver maps a workflow id back to its document.
type Resolver interface {
	DocumentForWorkflow(ctx context.Context, workflowID string) (string, error)
}

// Recorder receives controller measurements. Implementations must be safe for
// concurrent use.
type Recorder interface {
	ValidationFailed(id stage.ID)
	SaveAttempted(id stage.ID, elapsed time.Duration, err error)
}

// Listener observes registry-level state changes after they are applied.
type Listener interface {
	StageCompleted(ctx context.Context, inst Instance, id stage.ID)
	StagesInvalidated(ctx context.Context, inst Instance, from stage.ID)
	WorkflowFinished(ctx context.Context, inst Instance)
}
