package documents_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"aideps/internal/datadir"
	"aideps/internal/documents"
	"aideps/internal/notifications"
	"aideps/internal/services"
	"aideps/internal/stage"
	"aideps/internal/store"
	"aideps/internal/testsupport"
)

type capturingNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (c *capturingNotifier) Publish(_ context.Context, event notifications.Event, _ notifications.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

type countingObserver struct {
	ok, failed int
}

func (o *countingObserver) DocumentIngested(_ string, _ int64, _ time.Duration, err error) {
	if err != nil {
		o.failed++
		return
	}
	o.ok++
}

func writeUpload(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIngestCSV(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	layout := datadir.New(cfg.InstancesDir())
	notifier := &capturingNotifier{}
	observer := &countingObserver{}
	ingester := documents.NewIngester(cfg, layout, st,
		documents.WithNotifier(notifier),
		documents.WithObserver(observer),
		documents.WithIDGenerator(func() string { return "doc-1" }),
	)

	src := writeUpload(t, "customer_survey-2024.csv", "age,region\n34,north\n,south\n51,\n")
	res, err := ingester.Ingest(context.Background(), src, documents.Options{Organization: "Acme"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Document.ID != "doc-1" || res.Document.Name != "Customer Survey 2024" {
		t.Fatalf("unexpected document: %+v", res.Document)
	}
	if res.Profile.Rows != 3 || len(res.Profile.Columns) != 2 {
		t.Fatalf("unexpected profile: %+v", res.Profile)
	}
	if res.Profile.MissingCounts["age"] != 1 || res.Profile.MissingCounts["region"] != 1 {
		t.Fatalf("unexpected missing counts: %v", res.Profile.MissingCounts)
	}

	stored := filepath.Join(layout.StagePath("doc-1", stage.Upload), "original_customer_survey-2024.csv")
	if _, err := os.Stat(stored); err != nil {
		t.Fatalf("expected stored original: %v", err)
	}
	if _, err := os.Stat(filepath.Join(layout.StagePath("doc-1", stage.Upload), "data.csv")); err != nil {
		t.Fatalf("expected normalized copy: %v", err)
	}

	var payload documents.UploadPayload
	if err := json.Unmarshal(res.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.DocumentID != "doc-1" || payload.Filename != "customer_survey-2024.csv" || payload.Rows != 3 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	validator, err := stage.NewSchemaValidator("")
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	if unmet := validator.Validate(context.Background(), stage.Upload, res.Payload); len(unmet) != 0 {
		t.Fatalf("upload payload should satisfy the upload stage: %v", unmet)
	}

	doc, err := st.GetDocument(context.Background(), "doc-1")
	if err != nil || doc.Organization != "Acme" || doc.RowCount != 3 {
		t.Fatalf("unexpected stored document: %+v %v", doc, err)
	}
	if len(notifier.events) != 1 || notifier.events[0] != notifications.EventDocumentIngested {
		t.Fatalf("expected ingest notification, got %v", notifier.events)
	}
	if observer.ok != 1 || observer.failed != 0 {
		t.Fatalf("unexpected observer counts: %+v", observer)
	}
}

func TestIngestRejections(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMaxUploadBytes(16))
	st := testsupport.MustOpenStore(t, cfg)
	layout := datadir.New(cfg.InstancesDir())
	observer := &countingObserver{}
	ingester := documents.NewIngester(cfg, layout, st, documents.WithObserver(observer))
	ctx := context.Background()

	cases := []struct {
		name string
		path string
		want error
	}{
		{"extension", writeUpload(t, "notes.txt", "a"), services.ErrValidation},
		{"too large", writeUpload(t, "big.csv", "a,b\n1,2\n3,4\n5,6\n7,8\n"), services.ErrValidation},
		{"empty", writeUpload(t, "empty.csv", ""), services.ErrValidation},
		{"missing", filepath.Join(t.TempDir(), "gone.csv"), services.ErrNotFound},
	}
	for _, tc := range cases {
		if _, err := ingester.Ingest(ctx, tc.path, documents.Options{}); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if observer.failed != len(cases) {
		t.Fatalf("expected %d failures observed, got %d", len(cases), observer.failed)
	}
	entries, _ := os.ReadDir(cfg.InstancesDir())
	if len(entries) != 0 {
		t.Fatalf("rejected uploads must not leave instance folders, found %d", len(entries))
	}
}

type failingRegistry struct{}

func (failingRegistry) CreateDocument(context.Context, *store.Document) error {
	return services.Wrap(services.ErrPersistence, "", "create document", "database is locked", nil)
}

func TestIngestRegistryFailureCleansUp(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	layout := datadir.New(cfg.InstancesDir())
	ingester := documents.NewIngester(cfg, layout, failingRegistry{}, documents.WithIDGenerator(func() string { return "doc-bad" }))

	src := writeUpload(t, "survey.csv", "a,b\n1,2\n")
	if _, err := ingester.Ingest(context.Background(), src, documents.Options{}); !errors.Is(err, services.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if _, err := os.Stat(layout.InstancePath("doc-bad")); !os.IsNotExist(err) {
		t.Fatal("instance folder should be removed after a failed ingest")
	}
}

func TestDocumentName(t *testing.T) {
	cases := map[[2]string]string{
		{"", "customer_survey.csv"}:     "Customer Survey",
		{"", "Q3-results.final.xlsx"}:   "Q3 Results Final",
		{"  My Survey ", "ignored.csv"}: "My Survey",
		{"", "employee engagement.csv"}: "Employee Engagement",
	}
	for in, want := range cases {
		if got := documents.DocumentName(in[0], in[1]); got != want {
			t.Fatalf("DocumentName(%q, %q) = %q, want %q", in[0], in[1], got, want)
		}
	}
}
