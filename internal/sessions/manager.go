package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mirahq/mira/pkg/models"
)

// ErrNotVoiceSession is returned when a codex session is spawned from a
// session that is itself a codex session (or doesn't exist).
var ErrNotVoiceSession = errors.New("sessions: cannot spawn codex session from a non-voice session")

// ErrNoParent is returned when a codex session's parent_id is unexpectedly
// empty.
var ErrNoParent = errors.New("sessions: codex session has no parent voice session")

// Manager owns the voice/codex lifecycle on top of the sessions table:
// spawning codex sessions from a voice session, tracking their status and
// usage, and the provider response_id continuity voice sessions need across
// context compaction. It operates directly against the shared database
// handle rather than through the generic Store CRUD interface, the same
// split the original implementation drew between generic session storage
// and session-type-aware orchestration.
type Manager struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewManager builds a Manager over db, which must already contain the
// sessions and codex_session_links tables.
func NewManager(db *sql.DB, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{db: db, logger: logger}
}

// GetType returns the session's kind, defaulting to SessionVoice for a
// session ID that doesn't exist yet (mirrors the teacher's session
// record-on-first-write pattern elsewhere in this codebase).
func (m *Manager) GetType(ctx context.Context, sessionID string) (models.SessionKind, error) {
	var kind string
	err := m.db.QueryRowContext(ctx, `SELECT kind FROM sessions WHERE id = ?`, sessionID).Scan(&kind)
	if err == sql.ErrNoRows {
		return models.SessionVoice, nil
	}
	if err != nil {
		return "", fmt.Errorf("get session type: %w", err)
	}
	return models.SessionKind(kind), nil
}

// GetVoiceID returns the voice session a given session belongs to: itself,
// if it's already a voice session, or its parent if it's a codex session.
func (m *Manager) GetVoiceID(ctx context.Context, sessionID string) (string, error) {
	var kind string
	var parentID sql.NullString
	err := m.db.QueryRowContext(ctx,
		`SELECT kind, parent_id FROM sessions WHERE id = ?`, sessionID,
	).Scan(&kind, &parentID)
	if err == sql.ErrNoRows {
		return sessionID, nil // doesn't exist yet; caller's ID stands in
	}
	if err != nil {
		return "", fmt.Errorf("get voice session id: %w", err)
	}
	if models.SessionKind(kind) == models.SessionCodex {
		if !parentID.Valid || parentID.String == "" {
			return "", fmt.Errorf("%w: %s", ErrNoParent, sessionID)
		}
		return parentID.String, nil
	}
	return sessionID, nil
}

// GetOrCreateVoice finds the most recently active voice session for
// (agentID, projectPath), or creates one if none exists.
func (m *Manager) GetOrCreateVoice(ctx context.Context, agentID, projectPath string) (string, error) {
	var existing string
	err := m.db.QueryRowContext(ctx, `
		SELECT id FROM sessions
		WHERE kind = 'voice' AND agent_id = ? AND (project_path = ? OR (project_path IS NULL AND ? = ''))
		ORDER BY last_active_at DESC
		LIMIT 1
	`, agentID, nullableString(projectPath), projectPath).Scan(&existing)
	if err == nil {
		m.logger.Debug("found existing voice session", "session_id", existing)
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("lookup voice session: %w", err)
	}

	id := uuid.NewString()
	now := time.Now()
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO sessions (id, agent_id, channel, channel_id, key, title, metadata, kind, status, project_path, last_active_at, created_at, updated_at)
		VALUES (?, ?, '', '', ?, '', '{}', 'voice', 'active', ?, ?, ?, ?)
	`, id, agentID, id, nullableString(projectPath), now, now, now)
	if err != nil {
		return "", fmt.Errorf("create voice session: %w", err)
	}

	m.logger.Info("created new voice session", "session_id", id)
	return id, nil
}

// SpawnTrigger records why a codex session is being spawned.
type SpawnTrigger struct {
	Kind             models.CodexSpawnTriggerKind
	Confidence       float64 // only meaningful for CodexTriggerRouterDetection
	DetectedPatterns []string
}

// SpawnCodex creates a new codex session as a child of voiceSessionID,
// copying its project path and recording the spawn trigger on the link
// row for later audit. Returns ErrNotVoiceSession if voiceSessionID is
// itself a codex session.
func (m *Manager) SpawnCodex(ctx context.Context, voiceSessionID, taskDescription string, trigger SpawnTrigger, voiceContextSummary string) (string, error) {
	kind, err := m.GetType(ctx, voiceSessionID)
	if err != nil {
		return "", err
	}
	if kind != models.SessionVoice {
		return "", fmt.Errorf("%w: %s", ErrNotVoiceSession, voiceSessionID)
	}

	var projectPath sql.NullString
	if err := m.db.QueryRowContext(ctx, `SELECT project_path FROM sessions WHERE id = ?`, voiceSessionID).Scan(&projectPath); err != nil {
		return "", fmt.Errorf("read parent project path: %w", err)
	}

	codexID := uuid.NewString()
	now := time.Now()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (
			id, agent_id, channel, channel_id, key, title, metadata,
			kind, parent_id, status, task_description, project_path, last_active_at, created_at, updated_at
		)
		VALUES (?, '', '', '', ?, '', '{}', 'codex', ?, 'active', ?, ?, ?, ?, ?)
	`, codexID, codexID, voiceSessionID, taskDescription, projectPath, now, now, now)
	if err != nil {
		return "", fmt.Errorf("create codex session: %w", err)
	}

	var confidence sql.NullFloat64
	if trigger.Kind == models.CodexTriggerRouterDetection {
		confidence = sql.NullFloat64{Float64: trigger.Confidence, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO codex_session_links (
			voice_session_id, codex_session_id, spawn_trigger, spawn_confidence, voice_context_summary, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?)
	`, voiceSessionID, codexID, trigger.Kind, confidence, nullableString(voiceContextSummary), now)
	if err != nil {
		return "", fmt.Errorf("create codex session link: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit spawn: %w", err)
	}

	m.logger.Info("spawned codex session",
		"voice_session_id", voiceSessionID,
		"codex_session_id", codexID,
		"task", taskDescription,
		"trigger", trigger.Kind,
	)
	return codexID, nil
}

// ListActiveCodex returns the running codex sessions spawned from
// voiceSessionID, most recently started first, with usage totals joined
// in from codex_session_links.
func (m *Manager) ListActiveCodex(ctx context.Context, voiceSessionID string) ([]models.CodexSessionInfo, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT s.id, s.status, s.task_description, s.created_at, s.completed_at,
			COALESCE(l.tokens_used_input, 0), COALESCE(l.tokens_used_output, 0),
			COALESCE(l.cost_usd, 0), COALESCE(l.compaction_count, 0)
		FROM sessions s
		LEFT JOIN codex_session_links l ON l.codex_session_id = s.id
		WHERE s.parent_id = ? AND s.kind = 'codex' AND s.status = 'active'
		ORDER BY s.created_at DESC
	`, voiceSessionID)
	if err != nil {
		return nil, fmt.Errorf("list active codex sessions: %w", err)
	}
	defer rows.Close()

	var out []models.CodexSessionInfo
	for rows.Next() {
		var info models.CodexSessionInfo
		var completedAt sql.NullTime
		var tokensIn, tokensOut int64
		if err := rows.Scan(&info.ID, &info.Status, &info.TaskDescription, &info.StartedAt, &completedAt,
			&tokensIn, &tokensOut, &info.CostUSD, &info.CompactionCount); err != nil {
			return nil, fmt.Errorf("scan active codex session: %w", err)
		}
		info.ParentVoiceSessionID = voiceSessionID
		info.TokensUsed = tokensIn + tokensOut
		if completedAt.Valid {
			info.CompletedAt = &completedAt.Time
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func isTerminalStatus(status models.SessionStatus) bool {
	switch status {
	case models.SessionStatusCompleted, models.SessionStatusFailed, models.SessionStatusCancelled:
		return true
	default:
		return false
	}
}

// UpdateStatus moves a codex session to status, stamping completed_at when
// the new status is terminal.
func (m *Manager) UpdateStatus(ctx context.Context, codexSessionID string, status models.SessionStatus) error {
	now := time.Now()
	var completedAt any
	if isTerminalStatus(status) {
		completedAt = now
	}

	_, err := m.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, completed_at = ?, last_active_at = ?
		WHERE id = ? AND kind = 'codex'
	`, status, completedAt, now, codexSessionID)
	if err != nil {
		return fmt.Errorf("update codex status: %w", err)
	}

	if completedAt != nil {
		if _, err := m.db.ExecContext(ctx,
			`UPDATE codex_session_links SET completed_at = ? WHERE codex_session_id = ?`, now, codexSessionID,
		); err != nil {
			return fmt.Errorf("update codex link completion: %w", err)
		}
	}

	m.logger.Debug("updated codex session status", "codex_session_id", codexSessionID, "status", status)
	return nil
}

// CompleteCodex marks a codex session completed, records its final usage
// delta and completion summary, and returns the parent voice session ID so
// the caller can inject the summary there.
func (m *Manager) CompleteCodex(ctx context.Context, codexSessionID, completionSummary string, tokensInput, tokensOutput int64, costUSD float64, compactionCount int) (string, error) {
	now := time.Now()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET status = 'completed', completed_at = ?, last_active_at = ? WHERE id = ? AND kind = 'codex'
	`, now, now, codexSessionID); err != nil {
		return "", fmt.Errorf("mark codex session completed: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE codex_session_links
		SET completion_summary = ?, tokens_used_input = tokens_used_input + ?, tokens_used_output = tokens_used_output + ?,
			cost_usd = cost_usd + ?, compaction_count = compaction_count + ?, completed_at = ?
		WHERE codex_session_id = ?
	`, completionSummary, tokensInput, tokensOutput, costUSD, compactionCount, now, codexSessionID); err != nil {
		return "", fmt.Errorf("update codex link: %w", err)
	}

	var voiceSessionID sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT parent_id FROM sessions WHERE id = ?`, codexSessionID).Scan(&voiceSessionID); err != nil {
		return "", fmt.Errorf("read parent session: %w", err)
	}
	if !voiceSessionID.Valid || voiceSessionID.String == "" {
		return "", fmt.Errorf("%w: %s", ErrNoParent, codexSessionID)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit completion: %w", err)
	}

	m.logger.Info("completed codex session",
		"codex_session_id", codexSessionID,
		"voice_session_id", voiceSessionID.String,
		"tokens_total", tokensInput+tokensOutput,
		"cost_usd", costUSD,
	)
	return voiceSessionID.String, nil
}

// FailCodex marks a codex session failed and returns the parent voice
// session ID so the caller can inject an error summary there.
func (m *Manager) FailCodex(ctx context.Context, codexSessionID, errMsg string) (string, error) {
	now := time.Now()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET status = 'failed', completed_at = ?, last_active_at = ? WHERE id = ? AND kind = 'codex'
	`, now, now, codexSessionID); err != nil {
		return "", fmt.Errorf("mark codex session failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE codex_session_links SET completed_at = ? WHERE codex_session_id = ?`, now, codexSessionID,
	); err != nil {
		return "", fmt.Errorf("update codex link: %w", err)
	}

	var voiceSessionID sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT parent_id FROM sessions WHERE id = ?`, codexSessionID).Scan(&voiceSessionID); err != nil {
		return "", fmt.Errorf("read parent session: %w", err)
	}
	if !voiceSessionID.Valid || voiceSessionID.String == "" {
		return "", fmt.Errorf("%w: %s", ErrNoParent, codexSessionID)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit failure: %w", err)
	}

	m.logger.Warn("failed codex session", "codex_session_id", codexSessionID, "voice_session_id", voiceSessionID.String, "error", errMsg)
	return voiceSessionID.String, nil
}

// UpdateCodexUsage adds a usage delta to a codex session's running totals,
// without touching its status. Called once per progress tick while the
// codex loop runs, and once more for the final delta right before
// CompleteCodex/FailCodex.
func (m *Manager) UpdateCodexUsage(ctx context.Context, codexSessionID string, tokensInput, tokensOutput int64, costUSD float64, compactionTriggered bool) error {
	inc := 0
	if compactionTriggered {
		inc = 1
	}
	_, err := m.db.ExecContext(ctx, `
		UPDATE codex_session_links
		SET tokens_used_input = tokens_used_input + ?,
			tokens_used_output = tokens_used_output + ?,
			cost_usd = cost_usd + ?,
			compaction_count = compaction_count + ?
		WHERE codex_session_id = ?
	`, tokensInput, tokensOutput, costUSD, inc, codexSessionID)
	if err != nil {
		return fmt.Errorf("update codex usage: %w", err)
	}
	return nil
}

// UpdateResponseID records the provider's response_id for a session, used
// to continue a multi-turn conversation without resending full history.
func (m *Manager) UpdateResponseID(ctx context.Context, sessionID, responseID string) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE sessions SET provider_response_id = ?, last_active_at = ? WHERE id = ?`,
		responseID, time.Now(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("update response id: %w", err)
	}
	m.logger.Debug("updated response_id", "session_id", sessionID)
	return nil
}

// GetResponseID returns the session's stored response_id, or "" if unset.
func (m *Manager) GetResponseID(ctx context.Context, sessionID string) (string, error) {
	var responseID sql.NullString
	err := m.db.QueryRowContext(ctx, `SELECT provider_response_id FROM sessions WHERE id = ?`, sessionID).Scan(&responseID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get response id: %w", err)
	}
	return responseID.String, nil
}

// ClearResponseID drops a session's stored response_id, forcing the next
// provider call to start a fresh response chain. Called after compaction
// generates a rolling summary that replaces the continuation context.
func (m *Manager) ClearResponseID(ctx context.Context, sessionID string) error {
	_, err := m.db.ExecContext(ctx, `UPDATE sessions SET provider_response_id = NULL WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("clear response id: %w", err)
	}
	m.logger.Debug("cleared response_id", "session_id", sessionID)
	return nil
}
