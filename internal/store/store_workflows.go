package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"aideps/internal/services"
	"aideps/internal/stage"
	"aideps/internal/workflow"
)

const workflowColumns = "id, document_id, current_stage, status, created_at, updated_at, completed_at"

// CreateWorkflow inserts the workflow header and one pending row per stage.
// The document must already be registered.
func (s *Store) CreateWorkflow(ctx context.Context, workflowID, documentID string) error {
	now := formatTime(s.now())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM documents WHERE id = ?`, documentID).Scan(&exists); err != nil {
			return fmt.Errorf("check document: %w", err)
		}
		if exists == 0 {
			return services.Wrap(services.ErrNotFound, "", "create workflow", fmt.Sprintf("document %s does not exist", documentID), nil)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflows (id, document_id, current_stage, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			workflowID, documentID, int(stage.First), WorkflowActive, now, now,
		); err != nil {
			return fmt.Errorf("insert workflow: %w", err)
		}
		for _, id := range stage.All() {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO workflow_stages (workflow_id, stage_number, status, updated_at) VALUES (?, ?, ?, ?)`,
				workflowID, int(id), StagePending, now,
			); err != nil {
				return fmt.Errorf("insert stage %d: %w", id, err)
			}
		}
		return appendAuditTx(ctx, tx, workflowID, 0, ActionWorkflowCreated, "document "+documentID, now)
	})
	if err != nil && !errors.Is(err, services.ErrNotFound) {
		return services.Wrap(services.ErrPersistence, "", "create workflow", workflowID, err)
	}
	return err
}

// LoadWorkflow returns the persisted progress of the document's workflow.
func (s *Store) LoadWorkflow(ctx context.Context, documentID string) (workflow.Resume, error) {
	var workflowID string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM workflows WHERE document_id = ?`, documentID).Scan(&workflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Resume{}, services.Wrap(services.ErrNotFound, "", "load workflow", fmt.Sprintf("no workflow for document %s", documentID), nil)
	}
	if err != nil {
		return workflow.Resume{}, fmt.Errorf("load workflow: %w", err)
	}
	wf, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return workflow.Resume{}, err
	}
	stages, err := s.Stages(ctx, workflowID)
	if err != nil {
		return workflow.Resume{}, err
	}

	resume := workflow.Resume{
		WorkflowID:   workflowID,
		CurrentStage: wf.CurrentStage,
		Payloads:     make(map[stage.ID]stage.Payload),
	}
	for _, rec := range stages {
		switch rec.Status {
		case StageCompleted:
			resume.Completed = resume.Completed.With(rec.Stage)
			if len(rec.Payload) > 0 {
				resume.Payloads[rec.Stage] = rec.Payload
			}
		case StageDraft, StageReviewed, StageInvalidated:
			payload := rec.Draft
			if len(payload) == 0 {
				payload = rec.Payload
			}
			if len(payload) == 0 {
				continue
			}
			resume.Payloads[rec.Stage] = payload
			if rec.Status == StageInvalidated {
				resume.Stale = resume.Stale.With(rec.Stage)
			}
		}
	}
	return resume, nil
}

// SaveStageCompletion durably marks the stage completed with its payload.
// Saving the same stage again overwrites the payload.
func (s *Store) SaveStageCompletion(ctx context.Context, workflowID string, id stage.ID, payload stage.Payload) error {
	if !id.Valid() {
		return services.Wrap(services.ErrValidation, id.String(), "save completion", "unknown stage", nil)
	}
	now := formatTime(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireWorkflow(ctx, tx, workflowID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_stages (workflow_id, stage_number, status, payload_json, draft_json, completed_at, updated_at)
             VALUES (?, ?, ?, ?, NULL, ?, ?)
             ON CONFLICT(workflow_id, stage_number) DO UPDATE SET
                 status = excluded.status,
                 payload_json = excluded.payload_json,
                 draft_json = NULL,
                 completed_at = excluded.completed_at,
                 updated_at = excluded.updated_at`,
			workflowID, int(id), StageCompleted, nullablePayload(payload), now, now,
		); err != nil {
			return fmt.Errorf("save stage %d: %w", id, err)
		}

		next := id + 1
		status := WorkflowActive
		var completedAt any
		if id == stage.Last {
			next = stage.Last
			status = WorkflowCompleted
			completedAt = now
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflows SET current_stage = ?, status = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
			int(next), status, completedAt, now, workflowID,
		); err != nil {
			return fmt.Errorf("advance workflow: %w", err)
		}
		if err := appendAuditTx(ctx, tx, workflowID, id, ActionStageCompleted, id.Name(), now); err != nil {
			return err
		}
		if id == stage.Last {
			return appendAuditTx(ctx, tx, workflowID, id, ActionWorkflowFinished, "", now)
		}
		return nil
	})
}

// SaveStagePayloadDraft stores a draft payload. Completed stages keep their
// status.
func (s *Store) SaveStagePayloadDraft(ctx context.Context, workflowID string, id stage.ID, payload stage.Payload) error {
	if !id.Valid() {
		return services.Wrap(services.ErrValidation, id.String(), "save draft", "unknown stage", nil)
	}
	now := formatTime(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireWorkflow(ctx, tx, workflowID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_stages (workflow_id, stage_number, status, draft_json, updated_at)
             VALUES (?, ?, ?, ?, ?)
             ON CONFLICT(workflow_id, stage_number) DO UPDATE SET
                 draft_json = excluded.draft_json,
                 status = CASE WHEN workflow_stages.status IN ('completed', 'reviewed') THEN workflow_stages.status ELSE 'draft' END,
                 updated_at = excluded.updated_at`,
			workflowID, int(id), StageDraft, nullablePayload(payload), now,
		)
		if err != nil {
			return fmt.Errorf("save draft for stage %d: %w", id, err)
		}
		return nil
	})
}

// SaveInvalidation reopens stage from and invalidates every later completed
// stage. Payloads are retained as drafts.
func (s *Store) SaveInvalidation(ctx context.Context, workflowID string, from stage.ID) error {
	if !from.Valid() {
		return services.Wrap(services.ErrValidation, from.String(), "save invalidation", "unknown stage", nil)
	}
	now := formatTime(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireWorkflow(ctx, tx, workflowID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE workflow_stages
             SET status = CASE WHEN stage_number = ? THEN 'draft' ELSE 'invalidated' END,
                 draft_json = COALESCE(draft_json, payload_json),
                 completed_at = NULL,
                 updated_at = ?
             WHERE workflow_id = ? AND stage_number >= ? AND status = 'completed'`,
			int(from), now, workflowID, int(from),
		)
		if err != nil {
			return fmt.Errorf("invalidate stages: %w", err)
		}
		affected, _ := res.RowsAffected()
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflows SET current_stage = ?, status = ?, completed_at = NULL, updated_at = ? WHERE id = ?`,
			int(from), WorkflowActive, now, workflowID,
		); err != nil {
			return fmt.Errorf("reopen workflow: %w", err)
		}
		detail := fmt.Sprintf("reopened %d stage(s) from %s", affected, from.Name())
		return appendAuditTx(ctx, tx, workflowID, from, ActionStagesInvalidated, detail, now)
	})
}

// DocumentForWorkflow resolves the document a workflow belongs to.
func (s *Store) DocumentForWorkflow(ctx context.Context, workflowID string) (string, error) {
	var documentID string
	err := s.db.QueryRowContext(ctx, `SELECT document_id FROM workflows WHERE id = ?`, workflowID).Scan(&documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", services.Wrap(services.ErrNotFound, "", "resolve workflow", fmt.Sprintf("workflow %s does not exist", workflowID), nil)
	}
	if err != nil {
		return "", fmt.Errorf("resolve workflow: %w", err)
	}
	return documentID, nil
}

// GetWorkflow fetches a workflow header by id.
func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, workflowID)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "", "get workflow", fmt.Sprintf("workflow %s does not exist", workflowID), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

// ListWorkflows returns workflows filtered by status (all when none given),
// most recently updated first.
func (s *Store) ListWorkflows(ctx context.Context, statuses ...WorkflowStatus) ([]*Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	query += ` ORDER BY updated_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// Stages returns the stage rows of a workflow in order.
func (s *Store) Stages(ctx context.Context, workflowID string) ([]StageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage_number, status, payload_json, draft_json, completed_at, updated_at, user_actions_json, reviewed_at
         FROM workflow_stages WHERE workflow_id = ? ORDER BY stage_number`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query stages: %w", err)
	}
	defer rows.Close()

	var out []StageRecord
	for rows.Next() {
		var (
			number      int
			status      string
			payload     sql.NullString
			draft       sql.NullString
			completedAt sql.NullString
			updatedRaw  string
			actions     sql.NullString
			reviewedAt  sql.NullString
		)
		if err := rows.Scan(&number, &status, &payload, &draft, &completedAt, &updatedRaw, &actions, &reviewedAt); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		rec := StageRecord{
			Stage:       stage.ID(number),
			Status:      StageStatus(status),
			Payload:     payloadFrom(payload),
			Draft:       payloadFrom(draft),
			CompletedAt: parseNullTime(completedAt),
			ReviewedAt:  parseNullTime(reviewedAt),
		}
		if actions.Valid && actions.String != "" {
			rec.UserActions = json.RawMessage(actions.String)
		}
		if updated, err := parseTimeString(updatedRaw); err == nil {
			rec.UpdatedAt = updated
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RemoveWorkflow deletes a workflow with its stages and history. It reports
// whether a workflow was removed.
func (s *Store) RemoveWorkflow(ctx context.Context, workflowID string) (bool, error) {
	var removed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, workflowID)
		if err != nil {
			return fmt.Errorf("delete workflow: %w", err)
		}
		affected, _ := res.RowsAffected()
		removed = affected > 0
		if _, err := tx.ExecContext(ctx, `DELETE FROM audit_log WHERE workflow_id = ?`, workflowID); err != nil {
			return fmt.Errorf("delete history: %w", err)
		}
		return nil
	})
	return removed, err
}

func requireWorkflow(ctx context.Context, tx *sql.Tx, workflowID string) error {
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM workflows WHERE id = ?`, workflowID).Scan(&exists); err != nil {
		return fmt.Errorf("check workflow: %w", err)
	}
	if exists == 0 {
		return services.Wrap(services.ErrNotFound, "", "lookup workflow", fmt.Sprintf("workflow %s does not exist", workflowID), nil)
	}
	return nil
}

func scanWorkflow(scanner interface{ Scan(dest ...any) error }) (*Workflow, error) {
	var (
		wf          Workflow
		current     int
		status      string
		createdRaw  string
		updatedRaw  string
		completedAt sql.NullString
	)
	if err := scanner.Scan(&wf.ID, &wf.DocumentID, &current, &status, &createdRaw, &updatedRaw, &completedAt); err != nil {
		return nil, err
	}
	wf.CurrentStage = stage.ID(current)
	wf.Status = WorkflowStatus(status)
	if created, err := parseTimeString(createdRaw); err == nil {
		wf.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		wf.UpdatedAt = updated
	}
	wf.CompletedAt = parseNullTime(completedAt)
	return &wf, nil
}

var (
	_ workflow.Backend     = (*Store)(nil)
	_ workflow.Creator     = (*Store)(nil)
	_ workflow.Invalidator = (*Store)(nil)
	_ workflow.Resolver    = (*Store)(nil)
)
