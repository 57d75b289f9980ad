package models

import "time"

// Artifact is a persisted, content-addressed, size-capped chunk of a large
// tool output. Artifacts are deduplicated per project by content hash and
// are garbage-collected by TTL and per-project byte cap.
type Artifact struct {
	ID                string     `json:"id"`
	Kind              string     `json:"kind"`
	ToolName          string     `json:"tool_name,omitempty"`
	ToolCallID        string     `json:"tool_call_id,omitempty"`
	MessageID         string     `json:"message_id,omitempty"`
	ProjectPath       string     `json:"project_path"`
	SHA256            string     `json:"sha256"`
	UncompressedBytes int64      `json:"uncompressed_bytes"`
	CompressedBytes   int64      `json:"compressed_bytes"`
	PreviewText       string     `json:"preview_text"`
	Data              []byte     `json:"-"`
	SearchableText    string     `json:"-"`
	ContainsSecrets   bool       `json:"contains_secrets"`
	SecretReason      string     `json:"secret_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
}

// ArtifactRef is the payload a tool result is replaced with when its output
// is large enough to be stored as an artifact rather than inlined.
type ArtifactRef struct {
	Preview         string `json:"preview"`
	ArtifactID      string `json:"artifact_id"`
	TotalBytes      int64  `json:"total_bytes"`
	ContainsSecrets bool   `json:"contains_secrets"`
}

// ArtifactFetch is the response shape of fetch_artifact.
type ArtifactFetch struct {
	ArtifactID string `json:"artifact_id"`
	Offset     int64  `json:"offset"`
	Limit      int64  `json:"limit"`
	TotalBytes int64  `json:"total_bytes"`
	Content    string `json:"content"`
	Truncated  bool   `json:"truncated"`
}

// ArtifactMatch is a single hit returned by search_artifact.
type ArtifactMatch struct {
	Offset          int64  `json:"offset"`
	Preview         string `json:"preview"`
	SuggestedOffset int64  `json:"suggested_offset"`
	SuggestedLimit  int64  `json:"suggested_limit"`
}

// ArtifactSearch is the response shape of search_artifact.
type ArtifactSearch struct {
	ArtifactID string          `json:"artifact_id"`
	Query      string          `json:"query"`
	TotalBytes int64           `json:"total_bytes"`
	Matches    []ArtifactMatch `json:"matches"`
	Note       string          `json:"note,omitempty"`
}
