package stage_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"aideps/internal/stage"
)

func newValidator(t *testing.T, dir string) *stage.SchemaValidator {
	t.Helper()
	v, err := stage.NewSchemaValidator(dir)
	if err != nil {
		t.Fatalf("NewSchemaValidator: %v", err)
	}
	return v
}

func TestUploadRequiresDocument(t *testing.T) {
	v := newValidator(t, "")
	ctx := context.Background()

	if unmet := v.Validate(ctx, stage.Upload, nil); len(unmet) != 1 || unmet[0] != "payload is required" {
		t.Fatalf("expected missing payload condition, got %v", unmet)
	}
	if unmet := v.Validate(ctx, stage.Upload, stage.Payload(`{}`)); len(unmet) == 0 {
		t.Fatal("expected empty upload payload to fail")
	}
	unmet := v.Validate(ctx, stage.Upload, stage.Payload(`{"document_id":"","filename":"s.csv"}`))
	if len(unmet) != 1 || !strings.HasPrefix(unmet[0], "payload.document_id") {
		t.Fatalf("expected document_id condition, got %v", unmet)
	}
	if unmet := v.Validate(ctx, stage.Upload, stage.Payload(`{"document_id":"d1","filename":"s.csv","rows":10}`)); len(unmet) != 0 {
		t.Fatalf("expected valid upload payload, got %v", unmet)
	}
}

func TestConfirmationRequiresExplicitFlag(t *testing.T) {
	v := newValidator(t, "")
	ctx := context.Background()

	for _, payload := range []string{`{}`, `{"confirmed":false}`, `{"confirmed":"yes"}`} {
		if unmet := v.Validate(ctx, stage.Confirmation, stage.Payload(payload)); len(unmet) == 0 {
			t.Fatalf("expected %s to be rejected", payload)
		}
	}
	if unmet := v.Validate(ctx, stage.Confirmation, stage.Payload(`{"confirmed":true}`)); len(unmet) != 0 {
		t.Fatalf("expected confirmation to pass, got %v", unmet)
	}
}

func TestOtherStagesRequireObject(t *testing.T) {
	v := newValidator(t, "")
	ctx := context.Background()
	if unmet := v.Validate(ctx, stage.Analysis, stage.Payload(`[1,2]`)); len(unmet) == 0 {
		t.Fatal("expected array payload to be rejected")
	}
	if unmet := v.Validate(ctx, stage.Analysis, stage.Payload(`{"variables":["age"]}`)); len(unmet) != 0 {
		t.Fatalf("expected object payload to pass, got %v", unmet)
	}
	if unmet := v.Validate(ctx, stage.Analysis, stage.Payload(`{not json`)); len(unmet) != 1 {
		t.Fatalf("expected invalid JSON condition, got %v", unmet)
	}
}

func TestSchemaOverrideDirectory(t *testing.T) {
	dir := t.TempDir()
	schema := `{"type":"object","required":["weights"]}`
	if err := os.WriteFile(filepath.Join(dir, "statistics.json"), []byte(schema), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	v := newValidator(t, dir)
	ctx := context.Background()
	if unmet := v.Validate(ctx, stage.Statistics, stage.Payload(`{}`)); len(unmet) == 0 {
		t.Fatal("expected override schema to require weights")
	}
	if unmet := v.Validate(ctx, stage.Cleansing, stage.Payload(`{}`)); len(unmet) != 0 {
		t.Fatalf("expected built-in cleansing schema, got %v", unmet)
	}

	health := v.HealthCheck()
	if len(health) != 7 {
		t.Fatalf("expected 7 health records, got %d", len(health))
	}
	if !strings.HasSuffix(health[3].Detail, "statistics.json") {
		t.Fatalf("expected override source for statistics, got %q", health[3].Detail)
	}
	if health[0].Detail != "built-in" || !health[0].Ready {
		t.Fatalf("unexpected upload health: %+v", health[0])
	}
}

func TestSchemaOverrideCompileError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "upload.json"), []byte(`{"type": 12}`), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	if _, err := stage.NewSchemaValidator(dir); err == nil {
		t.Fatal("expected invalid schema to fail compilation")
	}
}

func TestValidatorFunc(t *testing.T) {
	var called stage.ID
	v := stage.ValidatorFunc(func(_ context.Context, id stage.ID, _ stage.Payload) []string {
		called = id
		return nil
	})
	if unmet := v.Validate(context.Background(), stage.Generation, nil); unmet != nil {
		t.Fatalf("unexpected unmet: %v", unmet)
	}
	if called != stage.Generation {
		t.Fatalf("expected func to receive stage, got %v", called)
	}
}
