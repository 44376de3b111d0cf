package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
)

// schema.sql always describes the latest layout; fresh databases are created
// from it directly and older files are brought forward by migrations.
//
//go:embed schema.sql
var schemaSQL string

const schemaVersion = 2

// migrations[v] upgrades a database at version v-1 to version v.
var migrations = map[int][]string{
	2: {
		`ALTER TABLE workflow_stages ADD COLUMN user_actions_json TEXT`,
		`ALTER TABLE workflow_stages ADD COLUMN reviewed_at TEXT`,
		`ALTER TABLE documents ADD COLUMN schema_mapping_json TEXT`,
		`ALTER TABLE audit_log ADD COLUMN document_id TEXT`,
		`CREATE INDEX IF NOT EXISTS idx_audit_document ON audit_log(document_id, id)`,
	},
}

// ErrSchemaMismatch reports a database written by a newer aideps release.
var ErrSchemaMismatch = errors.New("schema version mismatch")

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	switch {
	case version == schemaVersion:
		return nil
	case version > schemaVersion:
		return fmt.Errorf("%w: %s is at version %d but this build understands up to %d; upgrade aideps",
			ErrSchemaMismatch, s.path, version, schemaVersion)
	default:
		return s.migrate(ctx, version)
	}
}

func (s *Store) createSchema(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	})
}

// migrate applies every step after from in one transaction, so a failed
// upgrade leaves the file at its old version.
func (s *Store) migrate(ctx context.Context, from int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for v := from + 1; v <= schemaVersion; v++ {
			steps, ok := migrations[v]
			if !ok {
				return fmt.Errorf("%w: no upgrade path from version %d", ErrSchemaMismatch, v-1)
			}
			for _, stmt := range steps {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("upgrade schema to version %d: %w", v, err)
				}
			}
		}
		if _, err := tx.ExecContext(ctx, "UPDATE schema_version SET version = ?", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	})
}
