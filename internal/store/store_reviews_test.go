package store_test

import (
	"context"
	"errors"
	"testing"

	"aideps/internal/services"
	"aideps/internal/stage"
	"aideps/internal/store"
	"aideps/internal/testsupport"
	"aideps/internal/workflow"
)

func TestStageReviewKeepsProgress(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	testsupport.NewDocument(t, st, "doc-1", "survey")
	if err := st.CreateWorkflow(ctx, "wf-1", "doc-1"); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	if err := st.SaveStageCompletion(ctx, "wf-1", 1, stage.Payload(`{"document_id":"doc-1","filename":"s.csv"}`)); err != nil {
		t.Fatalf("SaveStageCompletion: %v", err)
	}

	rec, err := st.SaveStageReview(ctx, "wf-1", 2, []byte(`{ "dropped_columns": ["notes"] }`))
	if err != nil {
		t.Fatalf("review open stage: %v", err)
	}
	if rec.Status != store.StageReviewed || string(rec.UserActions) != `{"dropped_columns":["notes"]}` || rec.ReviewedAt == nil {
		t.Fatalf("unexpected review record: %+v", rec)
	}

	rec, err = st.SaveStageReview(ctx, "wf-1", 1, []byte(`{"approved":true}`))
	if err != nil {
		t.Fatalf("review completed stage: %v", err)
	}
	if rec.Status != store.StageCompleted {
		t.Fatalf("completed stage status changed to %s", rec.Status)
	}

	// A draft on a reviewed stage keeps the review.
	if err := st.SaveStagePayloadDraft(ctx, "wf-1", 2, stage.Payload(`{"rules":[]}`)); err != nil {
		t.Fatalf("SaveStagePayloadDraft: %v", err)
	}
	resume, err := st.LoadWorkflow(ctx, "doc-1")
	if err != nil {
		t.Fatalf("LoadWorkflow: %v", err)
	}
	if resume.Completed != workflow.SetOf(1) || string(resume.Payloads[2]) != `{"rules":[]}` {
		t.Fatalf("review altered progress: %+v", resume)
	}

	history, err := st.History(ctx, "wf-1", 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[1].Action != store.ActionStageReviewed || history[1].Stage != 1 {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestStageReviewRejectsUnreachedStage(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	testsupport.NewDocument(t, st, "doc-1", "survey")
	if err := st.CreateWorkflow(ctx, "wf-1", "doc-1"); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	if _, err := st.SaveStageReview(ctx, "wf-1", 3, []byte(`{}`)); !errors.Is(err, services.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := st.SaveStageReview(ctx, "missing", 1, []byte(`{}`)); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := st.SaveStageReview(ctx, "wf-1", 1, []byte(`not json`)); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSchemaMappingRecordedOnDocument(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	testsupport.NewDocument(t, st, "doc-1", "survey")
	if err := st.CreateWorkflow(ctx, "wf-1", "doc-1"); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	if err := st.SaveSchemaMapping(ctx, "doc-1", []byte(`{"q1": "satisfaction"}`)); err != nil {
		t.Fatalf("SaveSchemaMapping: %v", err)
	}
	doc, err := st.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if string(doc.SchemaMapping) != `{"q1":"satisfaction"}` {
		t.Fatalf("unexpected mapping %s", doc.SchemaMapping)
	}
	history, err := st.History(ctx, "wf-1", 1)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].Action != store.ActionSchemaUpdated || history[0].DocumentID != "doc-1" {
		t.Fatalf("unexpected history: %+v", history)
	}

	if err := st.SaveSchemaMapping(ctx, "missing", []byte(`{}`)); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
