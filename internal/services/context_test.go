package services_test

import (
	"context"
	"testing"

	"aideps/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithWorkflowID(ctx, "wf-1")
	ctx = services.WithDocumentID(ctx, "doc-9")
	ctx = services.WithStage(ctx, 3)
	ctx = services.WithRequestID(ctx, "req-123")

	if id, ok := services.WorkflowIDFromContext(ctx); !ok || id != "wf-1" {
		t.Fatalf("unexpected workflow id: %v %v", id, ok)
	}
	if id, ok := services.DocumentIDFromContext(ctx); !ok || id != "doc-9" {
		t.Fatalf("unexpected document id: %v %v", id, ok)
	}
	if stage, ok := services.StageFromContext(ctx); !ok || stage != 3 {
		t.Fatalf("unexpected stage: %v %v", stage, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithStage(ctx, 0)
	ctx = services.WithWorkflowID(ctx, "")
	if _, ok := services.StageFromContext(ctx); ok {
		t.Fatal("expected no stage value")
	}
	if _, ok := services.WorkflowIDFromContext(ctx); ok {
		t.Fatal("expected no workflow id")
	}
}
