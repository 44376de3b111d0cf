package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"aideps/internal/api"
	"aideps/internal/stage"
)

func TestBaseURL(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:7487":         "http://127.0.0.1:7487",
		":7487":                  "http://127.0.0.1:7487",
		"0.0.0.0:7487":           "http://127.0.0.1:7487",
		"http://survey.lan:80/":  "http://survey.lan:80",
		"https://host/prefix///": "https://host/prefix",
	}
	for in, want := range cases {
		got, err := BaseURL(in)
		if err != nil {
			t.Fatalf("BaseURL(%q): %v", in, err)
		}
		if got.String() != want {
			t.Fatalf("BaseURL(%q) = %q, want %q", in, got.String(), want)
		}
	}
	if _, err := BaseURL(""); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestClientSendsTokenAndDecodesWorkflow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodPost || r.URL.Path != "/api/workflows/wf-1/stages/2/complete" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(api.Workflow{WorkflowID: "wf-1", CurrentStage: 3})
	}))
	defer srv.Close()

	c, err := New(srv.URL, "tok")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	wf, err := c.Complete(context.Background(), "wf-1", stage.Cleansing)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if wf.CurrentStage != 3 {
		t.Fatalf("unexpected workflow %+v", wf)
	}
}

func TestClientReviewPreviewAndSchemaRoutes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/workflows/wf-1/stages/3/review":
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["ok"] != true {
				t.Errorf("unexpected review body %v: %v", body, err)
			}
			_ = json.NewEncoder(w).Encode(api.StageReview{WorkflowID: "wf-1", Stage: 3, Status: "reviewed"})
		case r.Method == http.MethodGet && r.URL.Path == "/api/documents/doc 1/preview":
			if got := r.URL.Query().Get("rows"); got != "5" {
				t.Errorf("expected rows=5, got %q", got)
			}
			_ = json.NewEncoder(w).Encode(api.DocumentPreview{DocumentID: "doc 1", Columns: []string{"a"}})
		case r.Method == http.MethodPost && r.URL.Path == "/api/documents/doc 1/schema":
			_ = json.NewEncoder(w).Encode(api.Document{ID: "doc 1", SchemaMapping: json.RawMessage(`{"a":"text"}`)})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "")
	ctx := context.Background()
	review, err := c.Review(ctx, "wf-1", stage.Analysis, json.RawMessage(`{"ok":true}`))
	if err != nil || review.Status != "reviewed" {
		t.Fatalf("Review: %+v %v", review, err)
	}
	preview, err := c.Preview(ctx, "doc 1", 5)
	if err != nil || len(preview.Columns) != 1 {
		t.Fatalf("Preview: %+v %v", preview, err)
	}
	doc, err := c.UpdateSchema(ctx, "doc 1", json.RawMessage(`{"a":"text"}`))
	if err != nil || string(doc.SchemaMapping) != `{"a":"text"}` {
		t.Fatalf("UpdateSchema: %+v %v", doc, err)
	}
}

func TestClientDecodesValidationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "stage incomplete", Stage: 1, Unmet: []string{"filename is required"}})
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "")
	_, err := c.Complete(context.Background(), "wf-1", stage.Upload)
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %T %v", err, err)
	}
	if apiErr.Status != http.StatusUnprocessableEntity || apiErr.Stage != stage.Upload || len(apiErr.Unmet) != 1 || apiErr.Retryable {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestClientRetriesRetryableReadsOnly(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if r.Method == http.MethodGet && n >= 3 {
			_ = json.NewEncoder(w).Encode(api.WorkflowListResponse{Workflows: []api.WorkflowSummary{{WorkflowID: "wf-1"}}})
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "database busy", Retryable: true})
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "", WithRetry(3, time.Millisecond))
	list, err := c.Workflows(context.Background(), "active")
	if err != nil || len(list) != 1 {
		t.Fatalf("expected retry to succeed, got %v %v", list, err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}

	calls.Store(10)
	_, err = c.Back(context.Background(), "wf-1")
	var apiErr *Error
	if !errors.As(err, &apiErr) || !apiErr.Retryable {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if calls.Load() != 11 {
		t.Fatalf("expected writes to be sent once, got %d calls", calls.Load()-10)
	}
}

func TestHealthReturnsUnhealthyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(api.HealthResponse{Healthy: false, Checks: []api.HealthCheck{{Name: "Database", Passed: false}}})
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "", WithRetry(1, time.Millisecond))
	health, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Healthy || len(health.Checks) != 1 {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestUnreachableDaemon(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c, _ := New(addr, "", WithRetry(1, time.Millisecond))
	if _, err := c.Status(context.Background()); !errors.Is(err, ErrDaemonUnavailable) {
		t.Fatalf("expected ErrDaemonUnavailable, got %v", err)
	}
}
