package models

import "time"

// CodexSpawnTriggerKind records why a codex session was spawned, for the
// link table's audit trail.
type CodexSpawnTriggerKind string

const (
	CodexTriggerRouterDetection CodexSpawnTriggerKind = "router_detection"
	CodexTriggerExplicitRequest CodexSpawnTriggerKind = "explicit_request"
	CodexTriggerSlashCommand    CodexSpawnTriggerKind = "slash_command"
)

// CodexSessionLink joins a codex session to its parent voice session and
// accumulates the usage and outcome data a voice-side supervisor needs
// without having to read the full codex event log. One row per codex
// session, created at spawn time and updated in place thereafter.
type CodexSessionLink struct {
	VoiceSessionID      string                `json:"voice_session_id"`
	CodexSessionID      string                `json:"codex_session_id"`
	SpawnTrigger        CodexSpawnTriggerKind `json:"spawn_trigger"`
	SpawnConfidence     *float64              `json:"spawn_confidence,omitempty"`
	VoiceContextSummary string                `json:"voice_context_summary,omitempty"`
	CompletionSummary   string                `json:"completion_summary,omitempty"`
	TokensUsedInput     int64                 `json:"tokens_used_input"`
	TokensUsedOutput    int64                 `json:"tokens_used_output"`
	CostUSD             float64               `json:"cost_usd"`
	CompactionCount     int                   `json:"compaction_count"`
	CreatedAt           time.Time             `json:"created_at"`
	CompletedAt         *time.Time            `json:"completed_at,omitempty"`
}

// CodexSessionInfo is the read-side view of an active codex session, as
// surfaced to the parent voice session (e.g. for a "what's running"
// listing). It joins the session row with its link row's usage totals.
type CodexSessionInfo struct {
	ID                   string        `json:"id"`
	ParentVoiceSessionID string        `json:"parent_voice_session_id"`
	Status               SessionStatus `json:"status"`
	TaskDescription      string        `json:"task_description"`
	StartedAt            time.Time     `json:"started_at"`
	CompletedAt          *time.Time    `json:"completed_at,omitempty"`
	TokensUsed           int64         `json:"tokens_used"`
	CostUSD              float64       `json:"cost_usd"`
	CompactionCount      int           `json:"compaction_count"`
}
