package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"aideps/internal/config"
	"aideps/internal/logging"
	"aideps/internal/services"
	"aideps/internal/stage"
)

// Controller applies stage transitions to Instance values.
type Controller struct {
	backend     Backend
	validator   stage.Validator
	logger      *slog.Logger
	recorder    Recorder
	saveTimeout time.Duration
	attempts    int
	retryDelay  time.Duration
	newID       func() string
}

// ControllerOption configures optional Controller behavior.
type ControllerOption func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) { c.logger = logging.NewComponentLogger(logger, "controller") }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) ControllerOption {
	return func(c *Controller) { c.recorder = r }
}

// WithSaveTimeout bounds each store write attempt.
func WithSaveTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) { c.saveTimeout = d }
}

// WithRetry sets how many times a stage completion write is attempted and
// the base delay between attempts.
func WithRetry(attempts int, delay time.Duration) ControllerOption {
	return func(c *Controller) {
		c.attempts = attempts
		c.retryDelay = delay
	}
}

// WithIDGenerator replaces the workflow id generator (tests).
func WithIDGenerator(fn func() string) ControllerOption {
	return func(c *Controller) { c.newID = fn }
}

// NewController constructs a controller around the backend and validator.
func NewController(backend Backend, validator stage.Validator, opts ...ControllerOption) *Controller {
	c := &Controller{
		backend:     backend,
		validator:   validator,
		logger:      logging.NewNop(),
		saveTimeout: 10 * time.Second,
		attempts:    3,
		retryDelay:  250 * time.Millisecond,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.attempts < 1 {
		c.attempts = 1
	}
	return c
}

// NewControllerFromConfig applies the [persistence] settings.
func NewControllerFromConfig(cfg *config.Config, backend Backend, validator stage.Validator, logger *slog.Logger, opts ...ControllerOption) *Controller {
	base := []ControllerOption{
		WithLogger(logger),
		WithSaveTimeout(cfg.SaveTimeout()),
		WithRetry(cfg.Persistence.SaveRetryAttempts, cfg.SaveRetryDelay()),
	}
	return NewController(backend, validator, append(base, opts...)...)
}

// Initialize builds the in-memory instance for a document. Without a resume
// point it starts a fresh workflow at stage 1. With one, completed stages are
// truncated to their contiguous prefix and the first incomplete stage becomes
// current; stages dropped by the truncation are marked stale. No backend
// records are created.
func (c *Controller) Initialize(documentID string, resume *Resume) Instance {
	if resume == nil {
		return Instance{
			WorkflowID:   c.newID(),
			DocumentID:   documentID,
			CurrentStage: stage.First,
			Payloads:     map[stage.ID]stage.Payload{},
		}
	}

	completed := resume.Completed.Prefix()
	stale := resume.Stale
	// Completions cut off by a gap keep their payloads, which must be
	// re-confirmed like any other invalidated stage.
	for _, id := range (resume.Completed &^ completed).IDs() {
		if _, ok := resume.Payloads[id]; ok {
			stale = stale.With(id)
		}
	}
	inst := Instance{
		WorkflowID: resume.WorkflowID,
		DocumentID: documentID,
		Completed:  completed,
		Stale:      stale &^ completed,
		Payloads:   clonePayloads(resume.Payloads),
		Finished:   completed.Has(stage.Last),
	}
	if inst.WorkflowID == "" {
		inst.WorkflowID = c.newID()
	}
	if inst.Finished {
		inst.CurrentStage = stage.Last
	} else {
		inst.CurrentStage = completed.Max() + 1
	}
	return inst
}

// CanEnter reports whether target is a completed stage or the immediate
// successor of the furthest completed stage.
func CanEnter(inst Instance, target stage.ID) bool {
	if !target.Valid() {
		return false
	}
	return inst.Completed.Has(target) || target == inst.Completed.Max()+1
}

// CanEnter is the method form of the package-level rule.
func (c *Controller) CanEnter(inst Instance, target stage.ID) bool {
	return CanEnter(inst, target)
}

// Navigate moves the view to any enterable stage.
func (c *Controller) Navigate(inst Instance, target stage.ID) (Instance, error) {
	if !CanEnter(inst, target) {
		return inst, invalidTransition(target, "navigate", "furthest completed stage is %d", int(inst.Completed.Max()))
	}
	next := inst.Clone()
	next.CurrentStage = target
	return next, nil
}

// RecordPayload stores the payload for the current stage without completing
// it. Writing a different payload into a completed stage is refused; the
// stage has to be edited first so later stages are invalidated.
func (c *Controller) RecordPayload(inst Instance, id stage.ID, payload stage.Payload) (Instance, error) {
	if id != inst.CurrentStage {
		return inst, invalidTransition(id, "record payload", "current stage is %d", int(inst.CurrentStage))
	}
	if existing, ok := inst.Payloads[id]; ok && string(existing) == string(payload) {
		next := inst.Clone()
		next.Stale = next.Stale.Without(id)
		return next, nil
	}
	if inst.Completed.Has(id) {
		return inst, invalidTransition(id, "record payload", "stage is completed; edit it before changing its payload")
	}
	next := inst.Clone()
	next.Payloads[id] = append(stage.Payload(nil), payload...)
	next.Stale = next.Stale.Without(id)
	return next, nil
}

// CompleteCurrentStage validates the current stage's payload, persists the
// completion, and only then advances. Stage 7 sets Finished instead of
// advancing. On any failure the input instance is returned unchanged.
func (c *Controller) CompleteCurrentStage(ctx context.Context, inst Instance) (Instance, error) {
	id := inst.CurrentStage
	ctx = services.WithStage(services.WithWorkflowID(ctx, inst.WorkflowID), int(id))
	logger := logging.WithContext(ctx, c.logger)

	if !CanEnter(inst, id) {
		return inst, invalidTransition(id, "complete", "previous stage is not completed")
	}
	if inst.Completed.Has(id) {
		next := inst.Clone()
		if id < stage.Last {
			next.CurrentStage = id + 1
		}
		return next, nil
	}

	payload := inst.Payloads[id]
	if unmet := c.validator.Validate(ctx, id, payload); len(unmet) > 0 {
		if c.recorder != nil {
			c.recorder.ValidationFailed(id)
		}
		logger.Info("stage validation failed",
			logging.Int("unmet", len(unmet)),
			logging.String(logging.FieldEventType, "stage_validation_failed"),
		)
		return inst, &ValidationError{Stage: id, Unmet: unmet}
	}

	if err := c.persistCompletion(ctx, logger, inst.WorkflowID, id, payload); err != nil {
		return inst, err
	}

	next := inst.Clone()
	next.Completed = next.Completed.With(id)
	next.Stale = next.Stale.Without(id)
	if id == stage.Last {
		next.Finished = true
	} else {
		next.CurrentStage = id + 1
	}
	logger.Info("stage completed",
		logging.Bool("finished", next.Finished),
		logging.String(logging.FieldEventType, "stage_completed"),
	)
	return next, nil
}

func (c *Controller) persistCompletion(ctx context.Context, logger *slog.Logger, workflowID string, id stage.ID, payload stage.Payload) error {
	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			attemptCtx, cancel := context.WithTimeout(ctx, c.saveTimeout)
			defer cancel()
			started := time.Now()
			err := c.backend.SaveStageCompletion(attemptCtx, workflowID, id, payload)
			if c.recorder != nil {
				c.recorder.SaveAttempted(id, time.Since(started), err)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.attempts)),
		retry.Delay(c.retryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, services.ErrNotFound) && !errors.Is(err, context.Canceled)
		}),
		retry.OnRetry(func(n uint, err error) {
			logging.WarnWithContext(logger, "stage completion write failed; retrying", "stage_save_retry",
				logging.Int("attempt", int(n)+1),
				logging.Error(err),
				logging.String(logging.FieldImpact, "stage has not advanced yet"),
			)
		}),
	)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = services.Wrap(services.ErrTimeout, stageLabel(id), "save completion", "store did not acknowledge in time", err)
	}
	logging.ErrorWithContext(logger, "stage completion not persisted", "stage_save_failed",
		logging.Int("attempts", attempts),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check the data directory and database health, then retry the completion"),
	)
	return &PersistenceError{Stage: id, Operation: "save stage completion", Attempts: attempts, Err: err}
}

// NavigateBack moves one stage back; completion is untouched.
func (c *Controller) NavigateBack(inst Instance) Instance {
	next := inst.Clone()
	if next.CurrentStage > stage.First {
		next.CurrentStage--
	}
	return next
}

// EditEarlierStage reopens a completed stage. The stage and every later stage
// leave the completed set; payloads of the later stages are retained as
// stale. A backend implementing Invalidator records the cascade before the
// instance changes.
func (c *Controller) EditEarlierStage(ctx context.Context, inst Instance, id stage.ID) (Instance, error) {
	if !inst.Completed.Has(id) {
		return inst, invalidTransition(id, "edit", "only completed stages can be edited")
	}
	ctx = services.WithStage(services.WithWorkflowID(ctx, inst.WorkflowID), int(id))
	logger := logging.WithContext(ctx, c.logger)

	if inv, ok := c.backend.(Invalidator); ok {
		saveCtx, cancel := context.WithTimeout(ctx, c.saveTimeout)
		err := inv.SaveInvalidation(saveCtx, inst.WorkflowID, id)
		cancel()
		if err != nil {
			logging.ErrorWithContext(logger, "stage invalidation not persisted", "stage_invalidation_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "retry the edit once the store is reachable"),
			)
			return inst, &PersistenceError{Stage: id, Operation: "save invalidation", Attempts: 1, Err: err}
		}
	}

	next := inst.Clone()
	next.CurrentStage = id
	next.Finished = false
	for s := id; s <= stage.Last; s++ {
		if !next.Completed.Has(s) {
			continue
		}
		next.Completed = next.Completed.Without(s)
		if _, ok := next.Payloads[s]; ok && s > id {
			next.Stale = next.Stale.With(s)
		}
	}
	logger.Info("stage reopened for editing",
		logging.Int("invalidated", inst.Completed.Len()-next.Completed.Len()),
		logging.String(logging.FieldEventType, "stage_edit"),
	)
	return next, nil
}

// SaveDraft writes the current stage's payload through the low-durability
// draft path. Failures are logged and returned; the instance is never
// affected.
func (c *Controller) SaveDraft(ctx context.Context, inst Instance) error {
	id := inst.CurrentStage
	payload, ok := inst.Payloads[id]
	if !ok {
		return nil
	}
	saveCtx, cancel := context.WithTimeout(ctx, c.saveTimeout)
	defer cancel()
	if err := c.backend.SaveStagePayloadDraft(saveCtx, inst.WorkflowID, id, payload); err != nil {
		ctx = services.WithStage(services.WithWorkflowID(ctx, inst.WorkflowID), int(id))
		logging.WarnWithContext(logging.WithContext(ctx, c.logger), "draft save failed", "draft_save_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "unsaved edits are kept in memory only"),
		)
		return services.Wrap(services.ErrPersistence, stageLabel(id), "save draft", "", err)
	}
	return nil
}
