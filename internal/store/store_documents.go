package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"aideps/internal/services"
)

const documentColumns = "id, name, filename, file_path, file_size, organization, survey_type, row_count, columns_json, created_at"

// documentSelect adds columns written after registration.
const documentSelect = documentColumns + ", schema_mapping_json"

// CreateDocument registers an uploaded document.
func (s *Store) CreateDocument(ctx context.Context, doc *Document) error {
	if doc == nil {
		return errors.New("document is nil")
	}
	if strings.TrimSpace(doc.ID) == "" {
		return services.Wrap(services.ErrValidation, "", "create document", "document id is required", nil)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = s.now()
	}
	var columns any
	if len(doc.Columns) > 0 {
		data, err := json.Marshal(doc.Columns)
		if err != nil {
			return fmt.Errorf("marshal columns: %w", err)
		}
		columns = string(data)
	}
	_, err := s.execWithRetry(ctx,
		`INSERT INTO documents (`+documentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID,
		doc.Name,
		doc.Filename,
		doc.FilePath,
		doc.FileSize,
		nullableString(doc.Organization),
		nullableString(doc.SurveyType),
		doc.RowCount,
		columns,
		formatTime(doc.CreatedAt),
	)
	if err != nil {
		return services.Wrap(services.ErrPersistence, "", "create document", doc.ID, err)
	}
	return nil
}

// GetDocument fetches a document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentSelect+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "", "get document", fmt.Sprintf("document %s does not exist", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// ListDocuments returns every document, newest first.
func (s *Store) ListDocuments(ctx context.Context) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentSelect+` FROM documents ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// DocumentName returns the display name of a document or "" when unknown.
func (s *Store) DocumentName(ctx context.Context, id string) string {
	var name string
	if err := s.db.QueryRowContext(ctx, `SELECT name FROM documents WHERE id = ?`, id).Scan(&name); err != nil {
		return ""
	}
	return name
}

func scanDocument(scanner interface{ Scan(dest ...any) error }) (*Document, error) {
	var (
		doc          Document
		organization sql.NullString
		surveyType   sql.NullString
		rowCount     sql.NullInt64
		columns      sql.NullString
		createdRaw   string
		mapping      sql.NullString
	)
	if err := scanner.Scan(
		&doc.ID,
		&doc.Name,
		&doc.Filename,
		&doc.FilePath,
		&doc.FileSize,
		&organization,
		&surveyType,
		&rowCount,
		&columns,
		&createdRaw,
		&mapping,
	); err != nil {
		return nil, err
	}
	doc.Organization = organization.String
	doc.SurveyType = surveyType.String
	doc.RowCount = int(rowCount.Int64)
	if columns.Valid && columns.String != "" {
		if err := json.Unmarshal([]byte(columns.String), &doc.Columns); err != nil {
			return nil, fmt.Errorf("decode columns of document %s: %w", doc.ID, err)
		}
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		doc.CreatedAt = created
	}
	if mapping.Valid && mapping.String != "" {
		doc.SchemaMapping = json.RawMessage(mapping.String)
	}
	return &doc, nil
}
