package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var sqliteSchema string

// ApplySQLiteSchema creates every table the orchestration core needs
// (sessions, operations, operation_events, checkpoints, checkpoint_files,
// artifacts) if they do not already exist. It is safe to call on every
// startup: every statement in schema.sql is IF NOT EXISTS.
func ApplySQLiteSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}
