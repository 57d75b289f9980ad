// Package checkpoint snapshots files before a mutating tool call runs and
// restores them on demand. Restore is best-effort per file: one file's
// failure never aborts the rest of the restore.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mirahq/mira/pkg/models"
)

// Manager creates and restores checkpoints against a single project
// directory.
type Manager struct {
	db         *sql.DB
	projectDir string
	logger     *slog.Logger
}

// New returns a Manager rooted at projectDir. The checkpoints and
// checkpoint_files tables must already exist (see internal/storage).
func New(db *sql.DB, projectDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{db: db, projectDir: projectDir, logger: logger}
}

// Create snapshots filePaths under a new checkpoint row, inside a single
// transaction covering the checkpoint row and every checkpoint_files row.
// A file snapshot failure is logged and skipped rather than aborting the
// checkpoint: a partial checkpoint is still useful for the files that did
// snapshot.
func (m *Manager) Create(ctx context.Context, sessionID string, operationID, toolName, description *string, filePaths []string) (string, error) {
	checkpointID := uuid.NewString()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (id, session_id, operation_id, tool_name, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, checkpointID, sessionID, operationID, toolName, description, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("insert checkpoint: %w", err)
	}

	for _, path := range filePaths {
		if err := m.snapshotFile(ctx, tx, checkpointID, path); err != nil {
			m.logger.Warn("checkpoint: failed to snapshot file", "checkpoint_id", checkpointID, "path", path, "error", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit checkpoint: %w", err)
	}

	m.logger.Info("checkpoint: created", "checkpoint_id", checkpointID, "files", len(filePaths))
	return checkpointID, nil
}

func (m *Manager) snapshotFile(ctx context.Context, tx *sql.Tx, checkpointID, path string) error {
	full := m.resolvePath(path)

	var content []byte
	var existed bool
	var hash sql.NullString

	if data, err := os.ReadFile(full); err == nil {
		content = data
		existed = true
		sum := sha256.Sum256(data)
		hash = sql.NullString{String: hex.EncodeToString(sum[:]), Valid: true}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read file for snapshot: %w", err)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoint_files (id, checkpoint_id, file_path, content, existed, content_sha256)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), checkpointID, path, content, existed, hash)
	if err != nil {
		return fmt.Errorf("save file snapshot: %w", err)
	}
	return nil
}

// List returns the most recent checkpoints for a session, newest first.
func (m *Manager) List(ctx context.Context, sessionID string, limit int) ([]models.Checkpoint, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, session_id, operation_id, tool_name, description, created_at
		FROM checkpoints
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []models.Checkpoint
	for rows.Next() {
		var cp models.Checkpoint
		var operationID, toolName, description sql.NullString
		if err := rows.Scan(&cp.ID, &cp.SessionID, &operationID, &toolName, &description, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.OperationID = operationID.String
		cp.ToolName = toolName.String
		cp.Description = description.String
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Get returns a single checkpoint, or nil if it does not exist.
func (m *Manager) Get(ctx context.Context, checkpointID string) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	var operationID, toolName, description sql.NullString
	err := m.db.QueryRowContext(ctx, `
		SELECT id, session_id, operation_id, tool_name, description, created_at
		FROM checkpoints WHERE id = ?
	`, checkpointID).Scan(&cp.ID, &cp.SessionID, &operationID, &toolName, &description, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	cp.OperationID = operationID.String
	cp.ToolName = toolName.String
	cp.Description = description.String
	return &cp, nil
}

// FindByPrefix resolves a short checkpoint id prefix (as accepted by the
// /rewind <prefix> chat command) to a full checkpoint, for the given
// session only.
func (m *Manager) FindByPrefix(ctx context.Context, sessionID, prefix string) (*models.Checkpoint, error) {
	rows, err := m.List(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	var match *models.Checkpoint
	for i := range rows {
		if strings.HasPrefix(rows[i].ID, prefix) {
			if match != nil {
				return nil, fmt.Errorf("checkpoint prefix %q is ambiguous", prefix)
			}
			match = &rows[i]
		}
	}
	return match, nil
}

// FileCount returns how many files were snapshotted under checkpointID, for
// display purposes (e.g. the chat router's /checkpoints listing).
func (m *Manager) FileCount(ctx context.Context, checkpointID string) (int, error) {
	var count int
	err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoint_files WHERE checkpoint_id = ?`, checkpointID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count checkpoint files: %w", err)
	}
	return count, nil
}

func (m *Manager) getFiles(ctx context.Context, checkpointID string) ([]models.CheckpointFile, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT file_path, content, existed, content_sha256
		FROM checkpoint_files WHERE checkpoint_id = ?
	`, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("get checkpoint files: %w", err)
	}
	defer rows.Close()

	var out []models.CheckpointFile
	for rows.Next() {
		var f models.CheckpointFile
		var hash sql.NullString
		if err := rows.Scan(&f.FilePath, &f.Content, &f.Existed, &hash); err != nil {
			return nil, fmt.Errorf("scan checkpoint file: %w", err)
		}
		f.CheckpointID = checkpointID
		f.ContentSHA256 = hash.String
		out = append(out, f)
	}
	return out, rows.Err()
}

// Restore writes each snapshotted file back to disk. A file that existed at
// checkpoint time is rewritten with its snapshotted content; a file that
// did not exist is deleted if present now. One file's failure is recorded
// in Errors and does not stop the rest of the restore.
func (m *Manager) Restore(ctx context.Context, checkpointID string) (*models.RestoreResult, error) {
	files, err := m.getFiles(ctx, checkpointID)
	if err != nil {
		return nil, err
	}

	result := &models.RestoreResult{CheckpointID: checkpointID}

	for _, f := range files {
		full := m.resolvePath(f.FilePath)

		if f.Existed {
			_, statErr := os.Stat(full)
			existedNow := statErr == nil

			if err := m.restoreFile(full, f.Content); err != nil {
				result.Errors = append(result.Errors, models.RestoreError{FilePath: f.FilePath, Error: err.Error()})
				continue
			}
			if existedNow {
				result.FilesRestored = append(result.FilesRestored, f.FilePath)
			} else {
				result.FilesCreated = append(result.FilesCreated, f.FilePath)
			}
			continue
		}

		if _, err := os.Stat(full); err == nil {
			if err := os.Remove(full); err != nil {
				result.Errors = append(result.Errors, models.RestoreError{FilePath: f.FilePath, Error: err.Error()})
				continue
			}
			result.FilesDeleted = append(result.FilesDeleted, f.FilePath)
		}
	}

	m.logger.Info("checkpoint: restored",
		"checkpoint_id", checkpointID,
		"restored", len(result.FilesRestored),
		"created", len(result.FilesCreated),
		"deleted", len(result.FilesDeleted),
		"errors", len(result.Errors),
	)

	return result, nil
}

func (m *Manager) restoreFile(path string, content []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create parent directory: %w", err)
		}
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// CleanupOld deletes all but the keepCount most recent checkpoints for a
// session. checkpoint_files rows are removed via ON DELETE CASCADE. It
// returns the number of checkpoints deleted.
func (m *Manager) CleanupOld(ctx context.Context, sessionID string, keepCount int) (int, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id FROM checkpoints
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT -1 OFFSET ?
	`, sessionID, keepCount)
	if err != nil {
		return 0, fmt.Errorf("select old checkpoints: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan checkpoint id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, id := range ids {
		if _, err := m.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("delete checkpoint %s: %w", id, err)
		}
	}

	if len(ids) > 0 {
		m.logger.Info("checkpoint: cleaned up old checkpoints", "session_id", sessionID, "deleted", len(ids))
	}
	return len(ids), nil
}

// Clear deletes every checkpoint for a session and returns the number
// removed.
func (m *Manager) Clear(ctx context.Context, sessionID string) (int, error) {
	res, err := m.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("clear checkpoints: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

func (m *Manager) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(m.projectDir, path)
}
