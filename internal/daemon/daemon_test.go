package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"aideps/internal/api"
	"aideps/internal/config"
	"aideps/internal/daemon"
	"aideps/internal/datadir"
	"aideps/internal/documents"
	"aideps/internal/metrics"
	"aideps/internal/stage"
	"aideps/internal/store"
	"aideps/internal/testsupport"
	"aideps/internal/workflow"
)

type harness struct {
	cfg   *config.Config
	store *store.Store
	d     *daemon.Daemon
	base  string
	token string
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	st := testsupport.MustOpenStore(t, cfg)
	d := buildDaemon(t, cfg, st)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return &harness{cfg: cfg, store: st, d: d, base: "http://" + d.Addr(), token: cfg.Paths.APIToken}
}

func buildDaemon(t *testing.T, cfg *config.Config, st *store.Store) *daemon.Daemon {
	t.Helper()
	validator, err := stage.NewSchemaValidator("")
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	collector := metrics.New()
	controller := workflow.NewControllerFromConfig(cfg, st, validator, nil, workflow.WithRecorder(collector))
	registry := workflow.NewRegistry(controller, st, nil, workflow.WithListener(collector))
	ingester := documents.NewIngester(cfg, datadir.New(cfg.InstancesDir()), st, documents.WithObserver(collector))
	svc := api.NewWorkflowService(registry, st, ingester)
	d, err := daemon.New(cfg, st, registry, svc, nil,
		daemon.WithMetrics(collector),
		daemon.WithStageHealth(validator.HealthCheck),
	)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	return d
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.base+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return out
}

func writeCSV(t *testing.T, dir, name string) string {
	t.Helper()
	return testsupport.WriteSurveyCSV(t, dir, name,
		[]string{"id", "score"}, []string{"1", "4"}, []string{"2", "5"}, []string{"3", "2"})
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	d := buildDaemon(t, cfg, st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !d.Running() || !d.Status(ctx).Running {
		t.Fatal("expected daemon to report running")
	}
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	other := buildDaemon(t, cfg, st)
	if err := other.Start(ctx); err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("expected lock contention error, got %v", err)
	}

	d.Stop()
	if d.Running() {
		t.Fatal("expected daemon to be stopped")
	}
	if err := other.Start(ctx); err != nil {
		t.Fatalf("expected lock to be free after stop: %v", err)
	}
	other.Stop()
}

func TestAPIWorkflowLifecycle(t *testing.T) {
	h := newHarness(t)
	path := writeCSV(t, t.TempDir(), "panel_wave1.csv")

	status, body := h.do(t, http.MethodPost, "/api/documents", api.IngestRequest{Path: path, SurveyType: "panel"})
	if status != http.StatusCreated {
		t.Fatalf("ingest: %d %s", status, body)
	}
	ingested := decode[api.IngestResponse](t, body)
	wfID := ingested.Workflow.WorkflowID
	if ingested.Workflow.CurrentStage != 2 {
		t.Fatalf("expected upload stage completed, got %+v", ingested.Workflow)
	}

	status, body = h.do(t, http.MethodPut, "/api/workflows/"+wfID+"/stages/2/payload", map[string]any{"dropped_rows": 0})
	if status != http.StatusOK {
		t.Fatalf("record payload: %d %s", status, body)
	}
	status, body = h.do(t, http.MethodPost, "/api/workflows/"+wfID+"/stages/cleansing/complete", nil)
	if status != http.StatusOK {
		t.Fatalf("complete: %d %s", status, body)
	}
	if wf := decode[api.Workflow](t, body); wf.CurrentStage != 3 || wf.Progress.Completed != 2 {
		t.Fatalf("unexpected workflow after completion: %+v", wf)
	}

	status, body = h.do(t, http.MethodPost, "/api/workflows/"+wfID+"/stages/1/edit", nil)
	if status != http.StatusOK {
		t.Fatalf("edit: %d %s", status, body)
	}
	if wf := decode[api.Workflow](t, body); wf.CurrentStage != 1 || len(wf.StaleStages) != 1 {
		t.Fatalf("unexpected workflow after edit: %+v", wf)
	}

	status, body = h.do(t, http.MethodGet, "/api/workflows/"+wfID+"/history", nil)
	if status != http.StatusOK {
		t.Fatalf("history: %d %s", status, body)
	}
	history := decode[api.HistoryResponse](t, body)
	if len(history.Entries) < 4 {
		t.Fatalf("expected created, two completions and invalidation, got %+v", history.Entries)
	}

	status, body = h.do(t, http.MethodGet, "/api/workflows?status=active", nil)
	if list := decode[api.WorkflowListResponse](t, body); status != http.StatusOK || len(list.Workflows) != 1 {
		t.Fatalf("list: %d %s", status, body)
	}

	status, body = h.do(t, http.MethodGet, "/metrics", nil)
	if status != http.StatusOK || !strings.Contains(string(body), `aideps_stage_completions_total{stage="cleansing"} 1`) {
		t.Fatalf("expected completion metric, got %d:\n%s", status, body)
	}
}

func TestAPIErrorMapping(t *testing.T) {
	h := newHarness(t)
	testsupport.NewDocument(t, h.store, "doc-1", "survey")

	status, body := h.do(t, http.MethodPost, "/api/workflows", api.StartWorkflowRequest{DocumentID: "doc-1"})
	if status != http.StatusOK {
		t.Fatalf("start: %d %s", status, body)
	}
	wfID := decode[api.Workflow](t, body).WorkflowID

	status, body = h.do(t, http.MethodPost, "/api/workflows/"+wfID+"/stages/3/complete", nil)
	if status != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", status, body)
	}

	h.do(t, http.MethodPut, "/api/workflows/"+wfID+"/stages/1/payload", map[string]any{"document_id": "doc-1"})
	status, body = h.do(t, http.MethodPost, "/api/workflows/"+wfID+"/stages/1/complete", nil)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", status, body)
	}
	if resp := decode[api.ErrorResponse](t, body); len(resp.Unmet) == 0 || resp.Retryable {
		t.Fatalf("expected unmet conditions, got %+v", resp)
	}

	if status, body = h.do(t, http.MethodGet, "/api/workflows/missing", nil); status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", status, body)
	}
	if status, body = h.do(t, http.MethodPost, "/api/workflows/"+wfID+"/navigate/9", nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for out of range stage, got %d %s", status, body)
	}
	if status, body = h.do(t, http.MethodPost, "/api/workflows", "not an object"); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d %s", status, body)
	}
}

func TestAPIReviewPreviewAndSchema(t *testing.T) {
	h := newHarness(t)
	path := writeCSV(t, t.TempDir(), "panel_wave2.csv")
	status, body := h.do(t, http.MethodPost, "/api/documents", api.IngestRequest{Path: path})
	if status != http.StatusCreated {
		t.Fatalf("ingest: %d %s", status, body)
	}
	ingested := decode[api.IngestResponse](t, body)
	wfID, docID := ingested.Workflow.WorkflowID, ingested.Document.ID

	status, body = h.do(t, http.MethodPost, "/api/workflows/"+wfID+"/stages/2/review", map[string]any{"flagged": []string{"score"}})
	if status != http.StatusOK {
		t.Fatalf("review: %d %s", status, body)
	}
	if review := decode[api.StageReview](t, body); review.Status != "reviewed" || review.Stage != 2 {
		t.Fatalf("unexpected review: %+v", review)
	}
	if status, body = h.do(t, http.MethodPost, "/api/workflows/"+wfID+"/stages/5/review", map[string]any{}); status != http.StatusConflict {
		t.Fatalf("expected 409 for unreached stage, got %d %s", status, body)
	}
	if status, body = h.do(t, http.MethodPost, "/api/workflows/"+wfID+"/stages/2/review", []int{1}); status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for non-object review, got %d %s", status, body)
	}

	status, body = h.do(t, http.MethodGet, "/api/documents/"+docID+"/preview?rows=2", nil)
	if status != http.StatusOK {
		t.Fatalf("preview: %d %s", status, body)
	}
	preview := decode[api.DocumentPreview](t, body)
	if len(preview.Rows) != 2 || preview.Rows[1]["score"] != "5" || preview.Types["score"] != "integer" {
		t.Fatalf("unexpected preview: %+v", preview)
	}
	if status, body = h.do(t, http.MethodGet, "/api/documents/"+docID+"/preview?rows=many", nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad rows, got %d %s", status, body)
	}
	if status, body = h.do(t, http.MethodGet, "/api/documents/missing/preview", nil); status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", status, body)
	}

	status, body = h.do(t, http.MethodPost, "/api/documents/"+docID+"/schema", map[string]string{"score": "likert_5"})
	if status != http.StatusOK {
		t.Fatalf("schema: %d %s", status, body)
	}
	if doc := decode[api.Document](t, body); !strings.Contains(string(doc.SchemaMapping), "likert_5") {
		t.Fatalf("expected mapping on document, got %+v", doc)
	}

	status, body = h.do(t, http.MethodGet, "/api/workflows/"+wfID+"/history", nil)
	if status != http.StatusOK {
		t.Fatalf("history: %d %s", status, body)
	}
	actions := map[string]bool{}
	for _, entry := range decode[api.HistoryResponse](t, body).Entries {
		actions[entry.Action] = true
	}
	if !actions["stage_reviewed"] || !actions["schema_updated"] {
		t.Fatalf("expected review and schema entries in history, got %v", actions)
	}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	h := newHarness(t, testsupport.WithAPIToken("s3cret"))

	req, _ := http.NewRequest(http.MethodGet, h.base+"/api/status", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("status without token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	if id := resp.Header.Get("X-Request-ID"); id == "" {
		t.Fatal("expected request id header on rejected request")
	}

	resp, err = http.Get(h.base + "/api/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		t.Fatal("expected health endpoint to be public")
	}

	status, body := h.do(t, http.MethodGet, "/api/status", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d %s", status, body)
	}
	st := decode[api.DaemonStatus](t, body)
	if !st.Running || len(st.StageHealth) != stage.Count {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestInboxIngestsDroppedFiles(t *testing.T) {
	h := newHarness(t, testsupport.WithInbox())
	inbox := h.cfg.Paths.InboxDir

	writeCSV(t, inbox, "wave2.csv")
	if err := os.WriteFile(filepath.Join(inbox, "notes.txt"), []byte("not data"), 0o644); err != nil {
		t.Fatalf("write txt: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		_, okCSV := os.Stat(filepath.Join(inbox, "processed", "wave2.csv"))
		_, okTxt := os.Stat(filepath.Join(inbox, "failed", "notes.txt"))
		return okCSV == nil && okTxt == nil
	})

	docs, err := h.store.ListDocuments(context.Background())
	if err != nil || len(docs) != 1 {
		t.Fatalf("expected one ingested document, got %d (%v)", len(docs), err)
	}
	wfs, err := h.store.ListWorkflows(context.Background())
	if err != nil || len(wfs) != 1 || wfs[0].CurrentStage != stage.Cleansing {
		t.Fatalf("expected workflow advanced past upload, got %+v (%v)", wfs, err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
