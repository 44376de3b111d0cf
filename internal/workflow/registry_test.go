package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"aideps/internal/logging"
	"aideps/internal/notifications"
	"aideps/internal/services"
	"aideps/internal/stage"
	"aideps/internal/workflow"
)

type listenerEvent struct {
	kind  string
	stage stage.ID
}

type recordingListener struct {
	mu     sync.Mutex
	events []listenerEvent
}

func (l *recordingListener) StageCompleted(_ context.Context, _ workflow.Instance, id stage.ID) {
	l.add("completed", id)
}

func (l *recordingListener) StagesInvalidated(_ context.Context, _ workflow.Instance, from stage.ID) {
	l.add("invalidated", from)
}

func (l *recordingListener) WorkflowFinished(_ context.Context, inst workflow.Instance) {
	l.add("finished", inst.CurrentStage)
}

func (l *recordingListener) add(kind string, id stage.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, listenerEvent{kind: kind, stage: id})
}

func (l *recordingListener) snapshot() []listenerEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]listenerEvent(nil), l.events...)
}

func newTestRegistry(backend workflow.Backend, opts ...workflow.RegistryOption) *workflow.Registry {
	return workflow.NewRegistry(newTestController(backend, acceptAll), backend, logging.NewNop(), opts...)
}

func TestRegistryStartCreatesAndReuses(t *testing.T) {
	ctx := context.Background()
	backend := creatingBackend{newFakeBackend()}
	reg := newTestRegistry(backend)

	inst, err := reg.Start(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if inst.CurrentStage != stage.Upload || backend.created[inst.WorkflowID] != "doc-1" {
		t.Fatalf("expected created workflow at stage 1, got %+v created=%v", inst, backend.created)
	}
	again, err := reg.Start(ctx, "doc-1")
	if err != nil || again.WorkflowID != inst.WorkflowID {
		t.Fatalf("expected the active session to be reused: %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected one session, got %d", reg.Len())
	}
	if _, err := reg.Start(ctx, ""); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for empty document id, got %v", err)
	}
}

func TestRegistryStartResumesFromBackend(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.resumes["doc-7"] = workflow.Resume{
		WorkflowID: "wf-stored",
		Completed:  workflow.SetOf(1, 2),
		Payloads:   map[stage.ID]stage.Payload{1: payloadFor(1), 2: payloadFor(2)},
	}
	reg := newTestRegistry(backend)

	inst, err := reg.Start(ctx, "doc-7")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if inst.WorkflowID != "wf-stored" || inst.CurrentStage != 3 {
		t.Fatalf("expected resume at stage 3, got %+v", inst)
	}
	if !workflow.CanEnter(inst, 2) || workflow.CanEnter(inst, 5) {
		t.Fatal("unexpected enterable stages after resume")
	}
}

func TestRegistryStartPropagatesLoadFailure(t *testing.T) {
	backend := &brokenLoadBackend{fakeBackend: newFakeBackend()}
	reg := newTestRegistry(backend)
	if _, err := reg.Start(context.Background(), "doc-1"); err == nil {
		t.Fatal("expected load failure to surface")
	}
	if reg.Len() != 0 {
		t.Fatal("no session may be registered when loading fails")
	}
}

type brokenLoadBackend struct {
	*fakeBackend
}

func (b *brokenLoadBackend) LoadWorkflow(context.Context, string) (workflow.Resume, error) {
	return workflow.Resume{}, errors.New("database disk image is malformed")
}

func TestRegistryOperationsAndListeners(t *testing.T) {
	ctx := context.Background()
	backend := creatingBackend{newFakeBackend()}
	listener := &recordingListener{}
	reg := newTestRegistry(backend, workflow.WithListener(listener))

	inst, err := reg.Start(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	id := inst.WorkflowID
	for s := stage.Upload; s <= stage.Statistics; s++ {
		if _, err := reg.RecordPayload(ctx, id, s, payloadFor(s)); err != nil {
			t.Fatalf("record stage %d: %v", s, err)
		}
		if _, err := reg.Complete(ctx, id); err != nil {
			t.Fatalf("complete stage %d: %v", s, err)
		}
	}
	if len(backend.drafts) != 4 {
		t.Fatalf("expected a draft save per recorded payload, got %d", len(backend.drafts))
	}

	back, err := reg.Back(ctx, id)
	if err != nil || back.CurrentStage != 4 {
		t.Fatalf("Back: stage=%d err=%v", back.CurrentStage, err)
	}
	moved, err := reg.Navigate(ctx, id, 5)
	if err != nil || moved.CurrentStage != 5 {
		t.Fatalf("Navigate: stage=%d err=%v", moved.CurrentStage, err)
	}
	if _, err := reg.Navigate(ctx, id, 6); !errors.Is(err, services.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	edited, err := reg.Edit(ctx, id, 2)
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if edited.Completed != workflow.SetOf(1) {
		t.Fatalf("unexpected completed after edit: %v", edited.Completed.Ints())
	}

	events := listener.snapshot()
	want := []listenerEvent{
		{"completed", 1}, {"completed", 2}, {"completed", 3}, {"completed", 4}, {"invalidated", 2},
	}
	if len(events) != len(want) {
		t.Fatalf("unexpected events: %+v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event %d: got %+v want %+v", i, events[i], want[i])
		}
	}
}

func TestRegistryFailedUpdateKeepsState(t *testing.T) {
	ctx := context.Background()
	backend := creatingBackend{newFakeBackend()}
	reg := newTestRegistry(backend)
	inst, _ := reg.Start(ctx, "doc-1")
	if _, err := reg.RecordPayload(ctx, inst.WorkflowID, 1, payloadFor(1)); err != nil {
		t.Fatalf("record: %v", err)
	}

	backend.mu.Lock()
	backend.failSaves = -1
	backend.mu.Unlock()
	got, err := reg.Complete(ctx, inst.WorkflowID)
	if !errors.Is(err, services.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if got.CurrentStage != 1 || got.Completed.Len() != 0 {
		t.Fatalf("expected unchanged instance, got %+v", got)
	}
	stored, err := reg.Get(ctx, inst.WorkflowID)
	if err != nil || stored.CurrentStage != 1 {
		t.Fatalf("stored session advanced despite failure: %+v %v", stored, err)
	}
}

func TestRegistryStageAddressedOperations(t *testing.T) {
	ctx := context.Background()
	backend := creatingBackend{newFakeBackend()}
	reg := newTestRegistry(backend)
	inst, _ := reg.Start(ctx, "doc-1")
	if _, err := reg.RecordPayload(ctx, inst.WorkflowID, 1, payloadFor(1)); err != nil {
		t.Fatalf("record: %v", err)
	}

	if _, err := reg.CompleteStage(ctx, inst.WorkflowID, 2); !errors.Is(err, services.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for non-current stage, got %v", err)
	}
	if _, err := reg.SaveStageDraft(ctx, inst.WorkflowID, 3); !errors.Is(err, services.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for draft of non-current stage, got %v", err)
	}
	if _, err := reg.SaveStageDraft(ctx, inst.WorkflowID, 1); err != nil {
		t.Fatalf("save draft: %v", err)
	}
	got, err := reg.CompleteStage(ctx, inst.WorkflowID, 1)
	if err != nil {
		t.Fatalf("complete stage 1: %v", err)
	}
	if got.CurrentStage != 2 || !got.Completed.Has(1) {
		t.Fatalf("expected advance to stage 2, got %+v", got)
	}
	if backend.saveCount() != 1 {
		t.Fatalf("expected one completion save, got %d", backend.saveCount())
	}
}

func TestRegistryDropsFinishedSessions(t *testing.T) {
	ctx := context.Background()
	backend := creatingBackend{newFakeBackend()}
	listener := &recordingListener{}
	reg := newTestRegistry(backend, workflow.WithListener(listener))
	inst, _ := reg.Start(ctx, "doc-1")

	for s := stage.First; s <= stage.Last; s++ {
		if _, err := reg.RecordPayload(ctx, inst.WorkflowID, s, payloadFor(s)); err != nil {
			t.Fatalf("record %d: %v", s, err)
		}
		if _, err := reg.Complete(ctx, inst.WorkflowID); err != nil {
			t.Fatalf("complete %d: %v", s, err)
		}
	}
	if reg.Active(inst.WorkflowID) {
		t.Fatal("finished session should be torn down")
	}
	events := listener.snapshot()
	if last := events[len(events)-1]; last.kind != "finished" {
		t.Fatalf("expected finished event last, got %+v", last)
	}
}

func TestRegistryReactivatesViaResolver(t *testing.T) {
	ctx := context.Background()
	backend := creatingBackend{newFakeBackend()}
	reg := newTestRegistry(backend)
	inst, _ := reg.Start(ctx, "doc-1")

	backend.resumes["doc-1"] = workflow.Resume{WorkflowID: inst.WorkflowID}
	if !reg.Abandon(inst.WorkflowID) {
		t.Fatal("expected abandon to drop the active session")
	}
	if reg.Abandon(inst.WorkflowID) {
		t.Fatal("second abandon should report nothing dropped")
	}

	got, err := reg.Get(ctx, inst.WorkflowID)
	if err != nil {
		t.Fatalf("Get after abandon: %v", err)
	}
	if got.WorkflowID != inst.WorkflowID || !reg.Active(inst.WorkflowID) {
		t.Fatal("expected the session to be resumed")
	}
	if _, err := reg.Get(ctx, "wf-unknown"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegistryWithoutResolverReportsNotFound(t *testing.T) {
	reg := newTestRegistry(newFakeBackend())
	if _, err := reg.Complete(context.Background(), "wf-missing"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegistryEvictIdle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	backend := creatingBackend{newFakeBackend()}
	reg := newTestRegistry(backend, workflow.WithIdleTimeout(time.Minute), workflow.WithClock(clock))
	stale, _ := reg.Start(ctx, "doc-old")
	advance(45 * time.Second)
	fresh, _ := reg.Start(ctx, "doc-new")
	advance(30 * time.Second)

	if n := reg.EvictIdle(); n != 1 {
		t.Fatalf("expected one eviction, got %d", n)
	}
	if reg.Active(stale.WorkflowID) || !reg.Active(fresh.WorkflowID) {
		t.Fatal("wrong session evicted")
	}
	list := reg.List()
	if len(list) != 1 || list[0].WorkflowID != fresh.WorkflowID {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestRegistryConcurrentUpdatesSerialize(t *testing.T) {
	ctx := context.Background()
	backend := creatingBackend{newFakeBackend()}
	reg := newTestRegistry(backend)
	inst, _ := reg.Start(ctx, "doc-1")
	if _, err := reg.RecordPayload(ctx, inst.WorkflowID, 1, payloadFor(1)); err != nil {
		t.Fatalf("record: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = reg.Complete(ctx, inst.WorkflowID)
		}()
	}
	wg.Wait()

	got, _ := reg.Get(ctx, inst.WorkflowID)
	if got.Completed != workflow.SetOf(1) {
		t.Fatalf("expected only stage 1 completed, got %v", got.Completed.Ints())
	}
	if err := got.Check(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

type capturingNotifier struct {
	mu      sync.Mutex
	events  []notifications.Event
	payload notifications.Payload
}

func (c *capturingNotifier) Publish(_ context.Context, event notifications.Event, payload notifications.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	c.payload = payload
	return nil
}

func TestNotificationListenerPublishesFinish(t *testing.T) {
	notifier := &capturingNotifier{}
	l := workflow.NewNotificationListener(notifier, logging.NewNop())
	l.Name = func(context.Context, string) string { return "Customer Survey" }

	inst := workflow.Instance{WorkflowID: "wf-1", DocumentID: "doc-1", CurrentStage: 7, Completed: workflow.SetOf(stage.All()...), Finished: true}
	l.StageCompleted(context.Background(), inst, 7)
	l.WorkflowFinished(context.Background(), inst)

	if len(notifier.events) != 1 || notifier.events[0] != notifications.EventWorkflowFinished {
		t.Fatalf("unexpected events: %v", notifier.events)
	}
	if notifier.payload["name"] != "Customer Survey" || notifier.payload["workflowID"] != "wf-1" {
		t.Fatalf("unexpected payload: %v", notifier.payload)
	}
}
