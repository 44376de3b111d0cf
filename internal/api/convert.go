package api

import (
	"encoding/json"
	"errors"
	"time"

	"aideps/internal/preflight"
	"aideps/internal/services"
	"aideps/internal/stage"
	"aideps/internal/store"
	"aideps/internal/workflow"
)

// FromInstance converts a workflow instance. Stage payloads are included only
// when withPayloads is set.
func FromInstance(inst workflow.Instance, withPayloads bool) Workflow {
	progress := workflow.ProgressOf(inst)
	dto := Workflow{
		WorkflowID:      inst.WorkflowID,
		DocumentID:      inst.DocumentID,
		CurrentStage:    int(inst.CurrentStage),
		CurrentStageKey: inst.CurrentStage.Key(),
		CompletedStages: inst.Completed.Ints(),
		StaleStages:     inst.Stale.Ints(),
		Finished:        inst.Finished,
		Progress: Progress{
			Completed: progress.Completed,
			Total:     progress.Total,
			Percent:   progress.Percent,
		},
	}
	if dto.CompletedStages == nil {
		dto.CompletedStages = []int{}
	}
	for _, st := range workflow.StageStates(inst) {
		state := StageState{
			Stage:     int(st.Stage.ID),
			Key:       st.Stage.Key,
			Name:      st.Stage.Name,
			Status:    string(st.Status),
			Current:   st.Current,
			Enterable: st.Enterable,
		}
		if withPayloads {
			if p, ok := inst.Payload(st.Stage.ID); ok {
				state.Payload = json.RawMessage(p)
			}
		}
		dto.Stages = append(dto.Stages, state)
	}
	return dto
}

// FromWorkflowRecord converts a persisted workflow header.
func FromWorkflowRecord(wf *store.Workflow, active bool) WorkflowSummary {
	if wf == nil {
		return WorkflowSummary{}
	}
	dto := WorkflowSummary{
		WorkflowID:   wf.ID,
		DocumentID:   wf.DocumentID,
		CurrentStage: int(wf.CurrentStage),
		Status:       string(wf.Status),
		Active:       active,
		CreatedAt:    formatTime(wf.CreatedAt),
		UpdatedAt:    formatTime(wf.UpdatedAt),
	}
	if wf.CompletedAt != nil {
		dto.CompletedAt = formatTime(*wf.CompletedAt)
	}
	return dto
}

// FromDocument converts a stored document.
func FromDocument(doc *store.Document) Document {
	if doc == nil {
		return Document{}
	}
	return Document{
		ID:            doc.ID,
		Name:          doc.Name,
		Filename:      doc.Filename,
		FileSize:      doc.FileSize,
		Organization:  doc.Organization,
		SurveyType:    doc.SurveyType,
		RowCount:      doc.RowCount,
		Columns:       doc.Columns,
		CreatedAt:     formatTime(doc.CreatedAt),
		SchemaMapping: doc.SchemaMapping,
	}
}

// FromStageRecord converts a reviewed stage row.
func FromStageRecord(workflowID string, rec store.StageRecord) StageReview {
	review := StageReview{
		WorkflowID:  workflowID,
		Stage:       int(rec.Stage),
		StageName:   rec.Stage.Name(),
		Status:      string(rec.Status),
		UserActions: rec.UserActions,
	}
	if rec.ReviewedAt != nil {
		review.ReviewedAt = formatTime(*rec.ReviewedAt)
	}
	return review
}

// FromDocuments converts a document list, never returning nil.
func FromDocuments(docs []*store.Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		out = append(out, FromDocument(doc))
	}
	return out
}

// FromAuditEntries converts a workflow history.
func FromAuditEntries(entries []store.AuditEntry) []AuditEntry {
	out := make([]AuditEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditEntry{
			ID:         e.ID,
			WorkflowID: e.WorkflowID,
			DocumentID: e.DocumentID,
			Stage:      int(e.Stage),
			Action:     e.Action,
			Detail:     e.Detail,
			CreatedAt:  formatTime(e.CreatedAt),
		})
	}
	return out
}

// StageCatalog returns the stage definitions in order.
func StageCatalog() []StageDefinition {
	defs := stage.Catalog()
	out := make([]StageDefinition, 0, len(defs))
	for _, def := range defs {
		out = append(out, StageDefinition{ID: int(def.ID), Key: def.Key, Name: def.Name, Folder: def.Folder})
	}
	return out
}

// StageHealthSlice converts validator health records.
func StageHealthSlice(health []stage.Health) []StageHealth {
	out := make([]StageHealth, 0, len(health))
	for _, h := range health {
		out = append(out, StageHealth{Name: h.Name, Ready: h.Ready, Detail: h.Detail})
	}
	return out
}

// FromPreflight converts readiness check results.
func FromPreflight(results []preflight.Result) HealthResponse {
	resp := HealthResponse{Healthy: true, Checks: make([]HealthCheck, 0, len(results))}
	for _, r := range results {
		if !r.Passed {
			resp.Healthy = false
		}
		resp.Checks = append(resp.Checks, HealthCheck{Name: r.Name, Passed: r.Passed, Detail: r.Detail})
	}
	return resp
}

// ErrorFrom maps err to an HTTP status and response body.
func ErrorFrom(err error) (int, ErrorResponse) {
	resp := ErrorResponse{Error: err.Error(), Retryable: services.Retryable(err)}
	var verr *workflow.ValidationError
	if errors.As(err, &verr) {
		resp.Stage = int(verr.Stage)
		resp.Unmet = verr.Unmet
	}
	var perr *workflow.PersistenceError
	if errors.As(err, &perr) {
		resp.Stage = int(perr.Stage)
	}
	return services.HTTPStatus(err), resp
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
