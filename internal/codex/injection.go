package codex

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Note is one pending recall note: a codex completion or failure waiting
// to be folded into its parent voice session's next turn.
type Note struct {
	CodexSessionID string
	Kind           string
	Summary        string
	CreatedAt      time.Time
}

// RecallStore is the concrete InjectionService: it persists completion and
// error notes against the parent voice session rather than pushing them
// directly into an in-flight conversation, since the voice session may not
// have an active operation running when a background codex session
// finishes. internal/chatrouter consumes pending notes and prepends them
// to the next routed turn.
type RecallStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRecallStore builds a RecallStore over db, which must already contain
// the codex_recall_notes table.
func NewRecallStore(db *sql.DB, logger *slog.Logger) *RecallStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecallStore{db: db, logger: logger}
}

// InjectCompletion implements InjectionService.
func (s *RecallStore) InjectCompletion(ctx context.Context, voiceSessionID, codexSessionID, summary string, metadata CompletionMetadata) error {
	payload, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode completion metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO codex_recall_notes (voice_session_id, codex_session_id, kind, summary, metadata, created_at)
		VALUES (?, ?, 'completion', ?, ?, ?)
	`, voiceSessionID, codexSessionID, summary, string(payload), time.Now())
	if err != nil {
		return fmt.Errorf("insert completion note: %w", err)
	}
	s.logger.Info("codex completion queued for recall", "voice_session_id", voiceSessionID, "codex_session_id", codexSessionID)
	return nil
}

// InjectError implements InjectionService.
func (s *RecallStore) InjectError(ctx context.Context, voiceSessionID, codexSessionID, errMsg, taskDescription string) error {
	summary := fmt.Sprintf("Background task %q failed: %s", taskDescription, errMsg)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO codex_recall_notes (voice_session_id, codex_session_id, kind, summary, created_at)
		VALUES (?, ?, 'error', ?, ?)
	`, voiceSessionID, codexSessionID, summary, time.Now())
	if err != nil {
		return fmt.Errorf("insert error note: %w", err)
	}
	s.logger.Warn("codex failure queued for recall", "voice_session_id", voiceSessionID, "codex_session_id", codexSessionID)
	return nil
}

// Consume returns every unconsumed note for voiceSessionID, oldest first,
// and marks them consumed in the same call so a note is folded into
// exactly one turn.
func (s *RecallStore) Consume(ctx context.Context, voiceSessionID string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT codex_session_id, kind, summary, created_at
		FROM codex_recall_notes
		WHERE voice_session_id = ? AND consumed_at IS NULL
		ORDER BY created_at ASC
	`, voiceSessionID)
	if err != nil {
		return nil, fmt.Errorf("query pending notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.CodexSessionID, &n.Kind, &n.Summary, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recall note: %w", err)
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(notes) == 0 {
		return nil, nil
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE codex_recall_notes SET consumed_at = ? WHERE voice_session_id = ? AND consumed_at IS NULL
	`, time.Now(), voiceSessionID); err != nil {
		return nil, fmt.Errorf("mark notes consumed: %w", err)
	}
	return notes, nil
}
