package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"aideps/internal/services"
	"aideps/internal/stage"
)

// SaveStageReview stores the user's review of a stage and records it in the
// history. Only stages the workflow has reached can be reviewed. An open
// stage becomes reviewed; completed and invalidated stages keep their status
// so the review never changes workflow progress.
func (s *Store) SaveStageReview(ctx context.Context, workflowID string, id stage.ID, actions json.RawMessage) (StageRecord, error) {
	if !id.Valid() {
		return StageRecord{}, services.Wrap(services.ErrValidation, "", "save review", fmt.Sprintf("unknown stage %d", int(id)), nil)
	}
	if len(actions) == 0 || !json.Valid(actions) {
		return StageRecord{}, services.Wrap(services.ErrValidation, id.Name(), "save review", "review must be a JSON document", nil)
	}
	detail, err := compactJSON(actions)
	if err != nil {
		return StageRecord{}, err
	}
	now := formatTime(s.now())
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var reached int
		err := tx.QueryRowContext(ctx, `SELECT current_stage FROM workflows WHERE id = ?`, workflowID).Scan(&reached)
		if errors.Is(err, sql.ErrNoRows) {
			return services.Wrap(services.ErrNotFound, "", "save review", fmt.Sprintf("workflow %s does not exist", workflowID), nil)
		}
		if err != nil {
			return fmt.Errorf("read workflow: %w", err)
		}
		if int(id) > reached {
			return services.Wrap(services.ErrInvalidTransition, id.Name(), "save review",
				fmt.Sprintf("workflow has only reached stage %d", reached), nil)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflow_stages
             SET user_actions_json = ?,
                 reviewed_at = ?,
                 status = CASE WHEN status IN ('pending', 'draft') THEN 'reviewed' ELSE status END,
                 updated_at = ?
             WHERE workflow_id = ? AND stage_number = ?`,
			detail, now, now, workflowID, int(id),
		); err != nil {
			return fmt.Errorf("save review of stage %d: %w", id, err)
		}
		return appendAuditTx(ctx, tx, workflowID, id, ActionStageReviewed, detail, now)
	})
	if err != nil {
		return StageRecord{}, err
	}

	records, err := s.Stages(ctx, workflowID)
	if err != nil {
		return StageRecord{}, err
	}
	for _, rec := range records {
		if rec.Stage == id {
			return rec, nil
		}
	}
	return StageRecord{}, fmt.Errorf("stage %d of workflow %s missing after review", id, workflowID)
}

// SaveSchemaMapping replaces the document's column mapping and records the
// change. The history entry is attached to the document's workflow when it
// has one.
func (s *Store) SaveSchemaMapping(ctx context.Context, documentID string, mapping json.RawMessage) error {
	if len(mapping) == 0 || !json.Valid(mapping) {
		return services.Wrap(services.ErrValidation, "", "save schema mapping", "mapping must be a JSON document", nil)
	}
	detail, err := compactJSON(mapping)
	if err != nil {
		return err
	}
	now := formatTime(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE documents SET schema_mapping_json = ? WHERE id = ?`, detail, documentID)
		if err != nil {
			return fmt.Errorf("save schema mapping: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return services.Wrap(services.ErrNotFound, "", "save schema mapping", fmt.Sprintf("document %s does not exist", documentID), nil)
		}
		var workflowID string
		err = tx.QueryRowContext(ctx, `SELECT id FROM workflows WHERE document_id = ?`, documentID).Scan(&workflowID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("resolve workflow: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO audit_log (workflow_id, document_id, stage_number, action, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			workflowID, documentID, int(stage.Upload), ActionSchemaUpdated, detail, now,
		); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		return nil
	})
}

func compactJSON(raw json.RawMessage) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", services.Wrap(services.ErrValidation, "", "decode json", "invalid JSON document", err)
	}
	return buf.String(), nil
}
