package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"aideps/internal/logging"
	"aideps/internal/services"
	"aideps/internal/stage"
)

// Registry holds the active workflow sessions of the daemon.
type Registry struct {
	controller  *Controller
	backend     Backend
	logger      *slog.Logger
	listeners   []Listener
	idleTimeout time.Duration
	now         func() time.Time

	startMu    sync.Mutex
	mu         sync.Mutex
	sessions   map[string]*session
	byDocument map[string]string
}

type session struct {
	documentID string

	mu       sync.Mutex
	inst     Instance
	lastUsed time.Time
}

// RegistryOption configures optional Registry behavior.
type RegistryOption func(*Registry)

// WithListener registers a state change observer.
func WithListener(l Listener) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.listeners = append(r.listeners, l)
		}
	}
}

// WithIdleTimeout sets how long an untouched session stays resident.
func WithIdleTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.idleTimeout = d }
}

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry constructs a registry driving sessions through controller and
// resuming them from backend.
func NewRegistry(controller *Controller, backend Backend, logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		controller:  controller,
		backend:     backend,
		logger:      logging.NewComponentLogger(logger, "registry"),
		idleTimeout: 30 * time.Minute,
		now:         time.Now,
		sessions:    make(map[string]*session),
		byDocument:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start returns the active session for the document, resuming it from the
// backend or starting a fresh workflow when none exists. A fresh workflow is
// registered with backends implementing Creator.
func (r *Registry) Start(ctx context.Context, documentID string) (Instance, error) {
	if documentID == "" {
		return Instance{}, services.Wrap(services.ErrValidation, "", "start workflow", "document id is required", nil)
	}
	r.startMu.Lock()
	defer r.startMu.Unlock()

	if sess := r.sessionForDocument(documentID); sess != nil {
		return r.snapshot(sess), nil
	}

	ctx = services.WithDocumentID(ctx, documentID)
	logger := logging.WithContext(ctx, r.logger)

	var inst Instance
	resume, err := r.backend.LoadWorkflow(ctx, documentID)
	switch {
	case err == nil:
		inst = r.controller.Initialize(documentID, &resume)
		logger.Info("workflow resumed",
			logging.WorkflowID(inst.WorkflowID),
			logging.Stage(int(inst.CurrentStage)),
			logging.String(logging.FieldEventType, "workflow_resumed"),
		)
	case errors.Is(err, services.ErrNotFound):
		inst = r.controller.Initialize(documentID, nil)
		if creator, ok := r.backend.(Creator); ok {
			if err := creator.CreateWorkflow(ctx, inst.WorkflowID, documentID); err != nil {
				return Instance{}, fmt.Errorf("create workflow record: %w", err)
			}
		}
		logger.Info("workflow started",
			logging.WorkflowID(inst.WorkflowID),
			logging.String(logging.FieldEventType, "workflow_started"),
		)
	default:
		return Instance{}, fmt.Errorf("load workflow: %w", err)
	}

	sess := &session{documentID: documentID, inst: inst, lastUsed: r.now()}
	r.mu.Lock()
	r.sessions[inst.WorkflowID] = sess
	r.byDocument[documentID] = inst.WorkflowID
	r.mu.Unlock()
	return inst.Clone(), nil
}

// Get returns the active instance, resuming it when the backend can resolve
// the workflow's document.
func (r *Registry) Get(ctx context.Context, workflowID string) (Instance, error) {
	sess, err := r.acquire(ctx, workflowID)
	if err != nil {
		return Instance{}, err
	}
	return r.snapshot(sess), nil
}

// Active reports whether the workflow currently has an in-memory session.
func (r *Registry) Active(workflowID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[workflowID]
	return ok
}

// List returns snapshots of all active sessions ordered by workflow id.
func (r *Registry) List() []Instance {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	out := make([]Instance, 0, len(sessions))
	for _, sess := range sessions {
		sess.mu.Lock()
		out = append(out, sess.inst.Clone())
		sess.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Update applies fn to the session's instance under the session lock. When
// fn fails, the stored instance is left as it was and returned alongside the
// error. Sessions whose workflow just finished are dropped from memory.
func (r *Registry) Update(ctx context.Context, workflowID string, fn func(context.Context, Instance) (Instance, error)) (Instance, error) {
	sess, err := r.acquire(ctx, workflowID)
	if err != nil {
		return Instance{}, err
	}

	sess.mu.Lock()
	before := sess.inst
	after, err := fn(ctx, before.Clone())
	if err != nil {
		sess.lastUsed = r.now()
		sess.mu.Unlock()
		return before.Clone(), err
	}
	sess.inst = after
	sess.lastUsed = r.now()
	sess.mu.Unlock()

	r.notify(ctx, before, after)
	if after.Finished && !before.Finished {
		r.drop(after.WorkflowID, "finished")
	}
	return after.Clone(), nil
}

// RecordPayload records the payload for the current stage and attempts a
// draft save; a failed draft save is logged but does not fail the call.
func (r *Registry) RecordPayload(ctx context.Context, workflowID string, id stage.ID, payload stage.Payload) (Instance, error) {
	return r.Update(ctx, workflowID, func(ctx context.Context, inst Instance) (Instance, error) {
		next, err := r.controller.RecordPayload(inst, id, payload)
		if err != nil {
			return next, err
		}
		_ = r.controller.SaveDraft(ctx, next)
		return next, nil
	})
}

// SaveDraft saves the current stage's payload as a draft.
func (r *Registry) SaveDraft(ctx context.Context, workflowID string) error {
	_, err := r.Update(ctx, workflowID, func(ctx context.Context, inst Instance) (Instance, error) {
		return inst, r.controller.SaveDraft(ctx, inst)
	})
	return err
}

// Complete completes the current stage.
func (r *Registry) Complete(ctx context.Context, workflowID string) (Instance, error) {
	return r.Update(ctx, workflowID, r.controller.CompleteCurrentStage)
}

// CompleteStage completes id, which must be the current stage. Callers that
// address a stage explicitly use it so a stale view cannot complete the wrong
// stage.
func (r *Registry) CompleteStage(ctx context.Context, workflowID string, id stage.ID) (Instance, error) {
	return r.Update(ctx, workflowID, func(ctx context.Context, inst Instance) (Instance, error) {
		if inst.CurrentStage != id {
			return inst, invalidTransition(id, "complete", "current stage is %d", int(inst.CurrentStage))
		}
		return r.controller.CompleteCurrentStage(ctx, inst)
	})
}

// SaveStageDraft saves the draft of id, which must be the current stage.
func (r *Registry) SaveStageDraft(ctx context.Context, workflowID string, id stage.ID) (Instance, error) {
	return r.Update(ctx, workflowID, func(ctx context.Context, inst Instance) (Instance, error) {
		if inst.CurrentStage != id {
			return inst, invalidTransition(id, "save draft", "current stage is %d", int(inst.CurrentStage))
		}
		return inst, r.controller.SaveDraft(ctx, inst)
	})
}

// Back navigates one stage back.
func (r *Registry) Back(ctx context.Context, workflowID string) (Instance, error) {
	return r.Update(ctx, workflowID, func(_ context.Context, inst Instance) (Instance, error) {
		return r.controller.NavigateBack(inst), nil
	})
}

// Navigate moves the view to target.
func (r *Registry) Navigate(ctx context.Context, workflowID string, target stage.ID) (Instance, error) {
	return r.Update(ctx, workflowID, func(_ context.Context, inst Instance) (Instance, error) {
		return r.controller.Navigate(inst, target)
	})
}

// Edit reopens a completed stage.
func (r *Registry) Edit(ctx context.Context, workflowID string, id stage.ID) (Instance, error) {
	return r.Update(ctx, workflowID, func(ctx context.Context, inst Instance) (Instance, error) {
		return r.controller.EditEarlierStage(ctx, inst, id)
	})
}

// Abandon drops the session from memory; persisted state is kept.
func (r *Registry) Abandon(workflowID string) bool {
	return r.drop(workflowID, "abandoned")
}

// EvictIdle drops sessions untouched for longer than the idle timeout and
// returns how many were evicted. Sessions with an operation in flight are
// skipped.
func (r *Registry) EvictIdle() int {
	if r.idleTimeout <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.idleTimeout)
	var idle []string
	r.mu.Lock()
	for id, sess := range r.sessions {
		if !sess.mu.TryLock() {
			continue
		}
		if sess.lastUsed.Before(cutoff) {
			idle = append(idle, id)
		}
		sess.mu.Unlock()
	}
	r.mu.Unlock()

	for _, id := range idle {
		r.drop(id, "idle")
	}
	return len(idle)
}

// RunJanitor evicts idle sessions every interval until ctx is cancelled.
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.EvictIdle(); n > 0 {
				r.logger.Info("evicted idle workflow sessions",
					logging.Int("count", n),
					logging.String(logging.FieldEventType, "session_evicted"),
				)
			}
		}
	}
}

func (r *Registry) acquire(ctx context.Context, workflowID string) (*session, error) {
	r.mu.Lock()
	sess, ok := r.sessions[workflowID]
	r.mu.Unlock()
	if ok {
		return sess, nil
	}

	resolver, ok := r.backend.(Resolver)
	if !ok {
		return nil, services.Wrap(services.ErrNotFound, "", "lookup workflow", fmt.Sprintf("workflow %s is not active", workflowID), nil)
	}
	documentID, err := resolver.DocumentForWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if _, err := r.Start(ctx, documentID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok = r.sessions[workflowID]
	if !ok {
		return nil, services.Wrap(services.ErrNotFound, "", "lookup workflow", fmt.Sprintf("document %s resumed under a different workflow", documentID), nil)
	}
	return sess, nil
}

func (r *Registry) sessionForDocument(documentID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byDocument[documentID]; ok {
		return r.sessions[id]
	}
	return nil
}

func (r *Registry) snapshot(sess *session) Instance {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.inst.Clone()
}

func (r *Registry) drop(workflowID, reason string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[workflowID]
	if ok {
		delete(r.sessions, workflowID)
		if r.byDocument[sess.documentID] == workflowID {
			delete(r.byDocument, sess.documentID)
		}
	}
	r.mu.Unlock()
	if ok {
		r.logger.Info("workflow session closed",
			logging.WorkflowID(workflowID),
			logging.String("reason", reason),
			logging.String(logging.FieldEventType, "session_closed"),
		)
	}
	return ok
}

func (r *Registry) notify(ctx context.Context, before, after Instance) {
	if len(r.listeners) == 0 {
		return
	}
	ctx = services.WithWorkflowID(ctx, after.WorkflowID)
	if lost := before.Completed &^ after.Completed; lost != 0 {
		from := lost.IDs()[0]
		for _, l := range r.listeners {
			l.StagesInvalidated(ctx, after, from)
		}
	}
	for _, id := range (after.Completed &^ before.Completed).IDs() {
		for _, l := range r.listeners {
			l.StageCompleted(ctx, after, id)
		}
	}
	if after.Finished && !before.Finished {
		for _, l := range r.listeners {
			l.WorkflowFinished(ctx, after)
		}
	}
}
