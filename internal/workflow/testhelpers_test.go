package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"aideps/internal/services"
	"aideps/internal/stage"
	"aideps/internal/workflow"
)

type saveCall struct {
	workflowID string
	stage      stage.ID
	payload    string
}

// fakeBackend records calls and can fail a configurable number of saves.
type fakeBackend struct {
	mu          sync.Mutex
	resumes     map[string]workflow.Resume
	saves       []saveCall
	drafts      []saveCall
	created     map[string]string
	invalidated []stage.ID
	failSaves   int
	saveErr     error
	draftErr    error
	invalidErr  error
	saveDelay   time.Duration
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{resumes: map[string]workflow.Resume{}, created: map[string]string{}}
}

func (b *fakeBackend) LoadWorkflow(_ context.Context, documentID string) (workflow.Resume, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	resume, ok := b.resumes[documentID]
	if !ok {
		return workflow.Resume{}, services.Wrap(services.ErrNotFound, "", "load workflow", documentID, nil)
	}
	return resume, nil
}

func (b *fakeBackend) SaveStageCompletion(ctx context.Context, workflowID string, id stage.ID, payload stage.Payload) error {
	if b.saveDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.saveDelay):
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failSaves != 0 {
		if b.failSaves > 0 {
			b.failSaves--
		}
		if b.saveErr != nil {
			return b.saveErr
		}
		return errors.New("database is locked")
	}
	b.saves = append(b.saves, saveCall{workflowID: workflowID, stage: id, payload: string(payload)})
	return nil
}

func (b *fakeBackend) SaveStagePayloadDraft(_ context.Context, workflowID string, id stage.ID, payload stage.Payload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.draftErr != nil {
		return b.draftErr
	}
	b.drafts = append(b.drafts, saveCall{workflowID: workflowID, stage: id, payload: string(payload)})
	return nil
}

func (b *fakeBackend) saveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.saves)
}

// creatingBackend adds the optional Creator, Invalidator and Resolver behaviour.
type creatingBackend struct {
	*fakeBackend
}

func (b creatingBackend) CreateWorkflow(_ context.Context, workflowID, documentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created[workflowID] = documentID
	return nil
}

func (b creatingBackend) SaveInvalidation(_ context.Context, _ string, from stage.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.invalidErr != nil {
		return b.invalidErr
	}
	b.invalidated = append(b.invalidated, from)
	return nil
}

func (b creatingBackend) DocumentForWorkflow(_ context.Context, workflowID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if doc, ok := b.created[workflowID]; ok {
		return doc, nil
	}
	for doc, resume := range b.resumes {
		if resume.WorkflowID == workflowID {
			return doc, nil
		}
	}
	return "", services.Wrap(services.ErrNotFound, "", "resolve workflow", workflowID, nil)
}

// acceptAll passes every stage with a non-empty payload.
var acceptAll = stage.ValidatorFunc(func(_ context.Context, _ stage.ID, payload stage.Payload) []string {
	if len(payload) == 0 {
		return []string{"payload is required"}
	}
	return nil
})

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("wf-%d", n)
	}
}

func newTestController(backend workflow.Backend, validator stage.Validator, opts ...workflow.ControllerOption) *workflow.Controller {
	base := []workflow.ControllerOption{
		workflow.WithRetry(3, time.Millisecond),
		workflow.WithSaveTimeout(time.Second),
		workflow.WithIDGenerator(sequentialIDs()),
	}
	return workflow.NewController(backend, validator, append(base, opts...)...)
}

func payloadFor(id stage.ID) stage.Payload {
	return stage.Payload(fmt.Sprintf(`{"stage":%d}`, int(id)))
}

// advanceTo completes stages 1..upto-1 so that upto is current.
func advanceTo(ctx context.Context, c *workflow.Controller, inst workflow.Instance, upto stage.ID) (workflow.Instance, error) {
	for inst.CurrentStage < upto && !inst.Finished {
		var err error
		inst, err = c.RecordPayload(inst, inst.CurrentStage, payloadFor(inst.CurrentStage))
		if err != nil {
			return inst, err
		}
		inst, err = c.CompleteCurrentStage(ctx, inst)
		if err != nil {
			return inst, err
		}
	}
	return inst, nil
}
