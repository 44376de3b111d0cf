package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"aideps/internal/stage"
)

// AppendAudit records an entry in the workflow's history.
func (s *Store) AppendAudit(ctx context.Context, entry AuditEntry) error {
	if entry.WorkflowID == "" || entry.Action == "" {
		return errors.New("audit entry requires workflow id and action")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	_, err := s.execWithRetry(ctx,
		`INSERT INTO audit_log (workflow_id, document_id, stage_number, action, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.WorkflowID, nullableString(entry.DocumentID), stageNumber(entry.Stage), entry.Action, nullableString(entry.Detail), formatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// History returns the workflow's audit entries oldest first. A positive limit
// keeps only the most recent entries.
func (s *Store) History(ctx context.Context, workflowID string, limit int) ([]AuditEntry, error) {
	query := `SELECT id, workflow_id, document_id, stage_number, action, detail, created_at FROM audit_log WHERE workflow_id = ? ORDER BY id DESC`
	args := []any{workflowID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			entry      AuditEntry
			documentID sql.NullString
			number     sql.NullInt64
			detail     sql.NullString
			createdRaw string
		)
		if err := rows.Scan(&entry.ID, &entry.WorkflowID, &documentID, &number, &entry.Action, &detail, &createdRaw); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entry.DocumentID = documentID.String
		entry.Stage = stage.ID(number.Int64)
		entry.Detail = detail.String
		if created, err := parseTimeString(createdRaw); err == nil {
			entry.CreatedAt = created
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func appendAuditTx(ctx context.Context, tx *sql.Tx, workflowID string, id stage.ID, action, detail, at string) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit_log (workflow_id, stage_number, action, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		workflowID, stageNumber(id), action, nullableString(detail), at,
	); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func stageNumber(id stage.ID) any {
	if !id.Valid() {
		return nil
	}
	return int(id)
}
