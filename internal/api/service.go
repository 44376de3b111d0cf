package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"aideps/internal/documents"
	"aideps/internal/services"
	"aideps/internal/stage"
	"aideps/internal/store"
	"aideps/internal/workflow"
)

// Store abstracts the persisted records the service reads.
type Store interface {
	GetDocument(ctx context.Context, id string) (*store.Document, error)
	ListDocuments(ctx context.Context) ([]*store.Document, error)
	GetWorkflow(ctx context.Context, workflowID string) (*store.Workflow, error)
	ListWorkflows(ctx context.Context, statuses ...store.WorkflowStatus) ([]*store.Workflow, error)
	History(ctx context.Context, workflowID string, limit int) ([]store.AuditEntry, error)
	SaveStageReview(ctx context.Context, workflowID string, id stage.ID, actions json.RawMessage) (store.StageRecord, error)
	SaveSchemaMapping(ctx context.Context, documentID string, mapping json.RawMessage) error
}

// MaxPreviewRows bounds a document preview.
const MaxPreviewRows = 1000

// Ingester admits uploaded files.
type Ingester interface {
	Ingest(ctx context.Context, sourcePath string, opts documents.Options) (*documents.Result, error)
}

// WorkflowService exposes workflow operations returning API DTOs.
type WorkflowService struct {
	registry *workflow.Registry
	store    Store
	ingester Ingester
}

// NewWorkflowService binds the registry, store, and ingester. The ingester may
// be nil when uploads are not accepted.
func NewWorkflowService(registry *workflow.Registry, st Store, ingester Ingester) *WorkflowService {
	return &WorkflowService{registry: registry, store: st, ingester: ingester}
}

// Stages returns the stage catalog.
func (s *WorkflowService) Stages() []StageDefinition {
	return StageCatalog()
}

// Start resumes or starts the workflow of an existing document.
func (s *WorkflowService) Start(ctx context.Context, documentID string) (Workflow, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return Workflow{}, services.Wrap(services.ErrValidation, "", "start workflow", "documentId is required", nil)
	}
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return Workflow{}, err
	}
	inst, err := s.registry.Start(ctx, documentID)
	if err != nil {
		return Workflow{}, err
	}
	return FromInstance(inst, false), nil
}

// Describe returns the workflow with its stage payloads.
func (s *WorkflowService) Describe(ctx context.Context, workflowID string) (Workflow, error) {
	inst, err := s.registry.Get(ctx, workflowID)
	if err != nil {
		return Workflow{}, err
	}
	return FromInstance(inst, true), nil
}

// Status returns the workflow without payloads.
func (s *WorkflowService) Status(ctx context.Context, workflowID string) (Workflow, error) {
	inst, err := s.registry.Get(ctx, workflowID)
	if err != nil {
		return Workflow{}, err
	}
	return FromInstance(inst, false), nil
}

// List returns persisted workflows filtered by status name.
func (s *WorkflowService) List(ctx context.Context, statuses ...string) ([]WorkflowSummary, error) {
	filter := make([]store.WorkflowStatus, 0, len(statuses))
	for _, raw := range statuses {
		value := store.WorkflowStatus(strings.ToLower(strings.TrimSpace(raw)))
		switch value {
		case "":
			continue
		case store.WorkflowActive, store.WorkflowCompleted:
			filter = append(filter, value)
		default:
			return nil, services.Wrap(services.ErrValidation, "", "list workflows", fmt.Sprintf("unknown status %q", raw), nil)
		}
	}
	records, err := s.store.ListWorkflows(ctx, filter...)
	if err != nil {
		return nil, err
	}
	docs, err := s.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(docs))
	for _, doc := range docs {
		names[doc.ID] = doc.Name
	}
	out := make([]WorkflowSummary, 0, len(records))
	for _, wf := range records {
		dto := FromWorkflowRecord(wf, s.registry.Active(wf.ID))
		dto.DocumentName = names[wf.DocumentID]
		out = append(out, dto)
	}
	return out, nil
}

// RecordPayload records the payload of stage id and saves it as a draft.
func (s *WorkflowService) RecordPayload(ctx context.Context, workflowID string, id stage.ID, payload json.RawMessage) (Workflow, error) {
	if err := checkPayload(id, payload); err != nil {
		return Workflow{}, err
	}
	inst, err := s.registry.RecordPayload(ctx, workflowID, id, stage.Payload(payload))
	if err != nil {
		return Workflow{}, err
	}
	return FromInstance(inst, true), nil
}

// SaveDraft records payload when given and saves the stage draft.
func (s *WorkflowService) SaveDraft(ctx context.Context, workflowID string, id stage.ID, payload json.RawMessage) (Workflow, error) {
	if len(payload) > 0 {
		if err := checkPayload(id, payload); err != nil {
			return Workflow{}, err
		}
		if _, err := s.registry.RecordPayload(ctx, workflowID, id, stage.Payload(payload)); err != nil {
			return Workflow{}, err
		}
	}
	inst, err := s.registry.SaveStageDraft(ctx, workflowID, id)
	if err != nil {
		return Workflow{}, err
	}
	return FromInstance(inst, true), nil
}

// Complete completes stage id, which must be the current stage.
func (s *WorkflowService) Complete(ctx context.Context, workflowID string, id stage.ID) (Workflow, error) {
	inst, err := s.registry.CompleteStage(ctx, workflowID, id)
	if err != nil {
		return Workflow{}, err
	}
	return FromInstance(inst, false), nil
}

// Edit reopens completed stage id.
func (s *WorkflowService) Edit(ctx context.Context, workflowID string, id stage.ID) (Workflow, error) {
	inst, err := s.registry.Edit(ctx, workflowID, id)
	if err != nil {
		return Workflow{}, err
	}
	return FromInstance(inst, true), nil
}

// Navigate moves the view to stage id.
func (s *WorkflowService) Navigate(ctx context.Context, workflowID string, id stage.ID) (Workflow, error) {
	inst, err := s.registry.Navigate(ctx, workflowID, id)
	if err != nil {
		return Workflow{}, err
	}
	return FromInstance(inst, false), nil
}

// Back moves the view one stage back.
func (s *WorkflowService) Back(ctx context.Context, workflowID string) (Workflow, error) {
	inst, err := s.registry.Back(ctx, workflowID)
	if err != nil {
		return Workflow{}, err
	}
	return FromInstance(inst, false), nil
}

// Abandon drops the in-memory session. The workflow must exist.
func (s *WorkflowService) Abandon(ctx context.Context, workflowID string) (AbandonResponse, error) {
	if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
		return AbandonResponse{}, err
	}
	return AbandonResponse{WorkflowID: workflowID, Dropped: s.registry.Abandon(workflowID)}, nil
}

// History returns the audit trail of a workflow.
func (s *WorkflowService) History(ctx context.Context, workflowID string, limit int) ([]AuditEntry, error) {
	if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	entries, err := s.store.History(ctx, workflowID, limit)
	if err != nil {
		return nil, err
	}
	return FromAuditEntries(entries), nil
}

// Review stores the user's review of stage id without changing progress.
func (s *WorkflowService) Review(ctx context.Context, workflowID string, id stage.ID, actions json.RawMessage) (StageReview, error) {
	if !id.Valid() {
		return StageReview{}, services.Wrap(services.ErrValidation, "", "review stage", fmt.Sprintf("unknown stage %d", int(id)), nil)
	}
	if !isJSONObject(actions) {
		return StageReview{}, services.Wrap(services.ErrValidation, id.Name(), "review stage", "review must be a JSON object", nil)
	}
	rec, err := s.store.SaveStageReview(ctx, workflowID, id, actions)
	if err != nil {
		return StageReview{}, err
	}
	return FromStageRecord(workflowID, rec), nil
}

// Preview returns the first rows of a CSV document.
func (s *WorkflowService) Preview(ctx context.Context, documentID string, rows int) (DocumentPreview, error) {
	if rows < 0 || rows > MaxPreviewRows {
		return DocumentPreview{}, services.Wrap(services.ErrValidation, "", "preview document",
			fmt.Sprintf("rows must be between 1 and %d", MaxPreviewRows), nil)
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return DocumentPreview{}, err
	}
	if !strings.EqualFold(filepath.Ext(doc.Filename), ".csv") {
		return DocumentPreview{}, services.Wrap(services.ErrValidation, "", "preview document",
			"preview is only available for CSV documents", nil)
	}
	preview, err := documents.PreviewCSV(doc.FilePath, rows)
	if errors.Is(err, os.ErrNotExist) {
		return DocumentPreview{}, services.Wrap(services.ErrNotFound, "", "preview document",
			fmt.Sprintf("stored file of document %s is missing", documentID), err)
	}
	if err != nil {
		return DocumentPreview{}, fmt.Errorf("preview document %s: %w", documentID, err)
	}
	return DocumentPreview{
		DocumentID: documentID,
		Encoding:   preview.Encoding,
		Columns:    preview.Columns,
		Rows:       preview.Rows,
		Types:      preview.Types,
	}, nil
}

// UpdateSchema records the user's column mapping for a document.
func (s *WorkflowService) UpdateSchema(ctx context.Context, documentID string, mapping json.RawMessage) (Document, error) {
	if !isJSONObject(mapping) {
		return Document{}, services.Wrap(services.ErrValidation, "", "update schema", "mapping must be a JSON object", nil)
	}
	if err := s.store.SaveSchemaMapping(ctx, documentID, mapping); err != nil {
		return Document{}, err
	}
	return s.Document(ctx, documentID)
}

// Document fetches a single document.
func (s *WorkflowService) Document(ctx context.Context, id string) (Document, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return Document{}, err
	}
	return FromDocument(doc), nil
}

// Documents lists all documents.
func (s *WorkflowService) Documents(ctx context.Context) ([]Document, error) {
	docs, err := s.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	return FromDocuments(docs), nil
}

// Ingest admits a file, starts its workflow, and completes the upload stage
// with the ingest payload. When completion fails the document stays
// registered and the error is returned with the partial response.
func (s *WorkflowService) Ingest(ctx context.Context, req IngestRequest) (IngestResponse, error) {
	if s.ingester == nil {
		return IngestResponse{}, services.Wrap(services.ErrConfiguration, "", "ingest", "uploads are not enabled", nil)
	}
	path := strings.TrimSpace(req.Path)
	if path == "" {
		return IngestResponse{}, services.Wrap(services.ErrValidation, "", "ingest", "path is required", nil)
	}
	res, err := s.ingester.Ingest(ctx, path, documents.Options{
		Name:         req.Name,
		Organization: req.Organization,
		SurveyType:   req.SurveyType,
	})
	if err != nil {
		return IngestResponse{}, err
	}
	resp := IngestResponse{Document: FromDocument(res.Document)}

	inst, err := s.registry.Start(ctx, res.Document.ID)
	if err != nil {
		return resp, err
	}
	resp.Workflow = FromInstance(inst, false)
	if _, err := s.registry.RecordPayload(ctx, inst.WorkflowID, stage.Upload, res.Payload); err != nil {
		return resp, err
	}
	inst, err = s.registry.CompleteStage(ctx, inst.WorkflowID, stage.Upload)
	if err != nil {
		return resp, err
	}
	resp.Workflow = FromInstance(inst, false)
	return resp, nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

func checkPayload(id stage.ID, payload json.RawMessage) error {
	if !id.Valid() {
		return services.Wrap(services.ErrValidation, "", "record payload", fmt.Sprintf("unknown stage %d", int(id)), nil)
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return services.Wrap(services.ErrValidation, id.Name(), "record payload", "payload must be a JSON document", nil)
	}
	return nil
}
