package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"aideps/internal/config"
	"aideps/internal/datadir"
	"aideps/internal/logging"
	"aideps/internal/notifications"
	"aideps/internal/services"
	"aideps/internal/stage"
	"aideps/internal/store"
)

const normalizedName = "data.csv"

// Registry stores ingested documents.
type Registry interface {
	CreateDocument(ctx context.Context, doc *store.Document) error
}

// Observer receives ingest outcomes; the metrics collector implements it.
type Observer interface {
	DocumentIngested(fileType string, size int64, elapsed time.Duration, err error)
}

// Options carries user supplied document attributes.
type Options struct {
	Name         string
	Organization string
	SurveyType   string
}

// Result is the outcome of a successful ingest.
type Result struct {
	Document *store.Document
	Profile  *Profile
	// Payload is the upload stage payload describing the stored file.
	Payload stage.Payload
}

// UploadPayload is the JSON shape of the upload stage payload.
type UploadPayload struct {
	DocumentID string   `json:"document_id"`
	Filename   string   `json:"filename"`
	FileSize   int64    `json:"file_size"`
	FileType   string   `json:"file_type"`
	Rows       int      `json:"rows"`
	Columns    []string `json:"columns,omitempty"`
	Encoding   string   `json:"encoding,omitempty"`
}

// Ingester admits files as documents.
type Ingester struct {
	cfg      *config.Config
	layout   *datadir.Layout
	registry Registry
	notifier notifications.Service
	observer Observer
	logger   *slog.Logger
	newID    func() string
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithNotifier publishes document_ingested events.
func WithNotifier(n notifications.Service) Option {
	return func(i *Ingester) { i.notifier = n }
}

// WithObserver attaches an ingest observer.
func WithObserver(o Observer) Option {
	return func(i *Ingester) { i.observer = o }
}

// WithLogger sets the ingester logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Ingester) { i.logger = logging.NewComponentLogger(logger, "documents") }
}

// WithIDGenerator replaces the document id generator (tests).
func WithIDGenerator(fn func() string) Option {
	return func(i *Ingester) { i.newID = fn }
}

// NewIngester constructs an ingester writing instance folders through layout.
func NewIngester(cfg *config.Config, layout *datadir.Layout, registry Registry, opts ...Option) *Ingester {
	i := &Ingester{
		cfg:      cfg,
		layout:   layout,
		registry: registry,
		logger:   logging.NewNop(),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest admits the file at sourcePath. On failure no document is
// registered and the instance folder is removed.
func (i *Ingester) Ingest(ctx context.Context, sourcePath string, opts Options) (res *Result, err error) {
	started := time.Now()
	fileType := strings.ToLower(filepath.Ext(sourcePath))
	var size int64
	defer func() {
		if i.observer != nil {
			i.observer.DocumentIngested(fileType, size, time.Since(started), err)
		}
	}()

	info, err := os.Stat(sourcePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, services.Wrap(services.ErrNotFound, "", "ingest", fmt.Sprintf("file %s does not exist", sourcePath), nil)
		}
		return nil, fmt.Errorf("stat upload: %w", err)
	}
	if info.IsDir() {
		return nil, services.Wrap(services.ErrValidation, "", "ingest", fmt.Sprintf("%s is a directory", sourcePath), nil)
	}
	size = info.Size()
	if !i.cfg.ExtensionAllowed(sourcePath) {
		return nil, services.Wrap(services.ErrValidation, "", "ingest", fmt.Sprintf("file type %q not allowed", fileType), nil)
	}
	if size == 0 {
		return nil, services.Wrap(services.ErrValidation, "", "ingest", "file is empty", nil)
	}
	if limit := i.cfg.Upload.MaxBytes; limit > 0 && size > limit {
		return nil, services.Wrap(services.ErrValidation, "", "ingest", fmt.Sprintf("file size %d exceeds limit of %d bytes", size, limit), nil)
	}

	id := i.newID()
	ctx = services.WithDocumentID(ctx, id)
	logger := logging.WithContext(ctx, i.logger)

	if _, err := i.layout.CreateInstance(id); err != nil {
		return nil, services.Wrap(services.ErrPersistence, "", "ingest", "create instance folders", err)
	}
	defer func() {
		if err != nil {
			_ = i.layout.RemoveInstance(id)
		}
	}()

	filename := filepath.Base(sourcePath)
	storedPath, copied, err := i.layout.CopyIntoStage(id, stage.Upload, "original_"+filename, sourcePath)
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "", "ingest", "copy upload", err)
	}

	var profile *Profile
	if fileType == ".csv" {
		normalized := filepath.Join(i.layout.StagePath(id, stage.Upload), normalizedName)
		profile, err = ProfileCSV(storedPath, normalized)
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, "", "ingest", "failed to read file", err)
		}
	}

	fileInfo := map[string]any{
		"original_filename": filename,
		"file_size":         copied,
		"file_type":         fileType,
	}
	meta := map[string]any{"file_info": fileInfo, "document_id": id}
	if profile != nil {
		fileInfo["rows"] = profile.Rows
		fileInfo["columns"] = len(profile.Columns)
		meta["data_profile"] = profile
	}
	if _, err := i.layout.SaveStageMetadata(id, stage.Upload, meta); err != nil {
		return nil, services.Wrap(services.ErrPersistence, "", "ingest", "write stage metadata", err)
	}

	doc := &store.Document{
		ID:           id,
		Name:         DocumentName(opts.Name, filename),
		Filename:     filename,
		FilePath:     storedPath,
		FileSize:     copied,
		Organization: strings.TrimSpace(opts.Organization),
		SurveyType:   strings.TrimSpace(opts.SurveyType),
	}
	payload := UploadPayload{
		DocumentID: id,
		Filename:   filename,
		FileSize:   copied,
		FileType:   fileType,
	}
	if profile != nil {
		doc.RowCount = profile.Rows
		doc.Columns = profile.Columns
		payload.Rows = profile.Rows
		payload.Columns = profile.Columns
		payload.Encoding = profile.Encoding
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal upload payload: %w", err)
	}
	if err := i.registry.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}

	logger.Info("document ingested",
		logging.String("name", doc.Name),
		logging.String("file", filename),
		logging.Int64("bytes", copied),
		logging.Int("rows", doc.RowCount),
		logging.String(logging.FieldEventType, "document_ingested"),
	)
	if i.notifier != nil {
		if perr := i.notifier.Publish(ctx, notifications.EventDocumentIngested, notifications.Payload{"name": doc.Name, "rows": doc.RowCount}); perr != nil {
			logging.WarnWithContext(logger, "ingest notification failed", "notification_failed",
				logging.Error(perr),
				logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
			)
		}
	}
	return &Result{Document: doc, Profile: profile, Payload: raw}, nil
}

// DocumentName returns name when set, else a title-cased form of the
// filename without its extension.
func DocumentName(name, filename string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	base = strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(base)
	base = strings.Join(strings.Fields(base), " ")
	if base == "" {
		return filename
	}
	return cases.Title(language.Und).String(base)
}
