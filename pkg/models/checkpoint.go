package models

import "time"

// Checkpoint is a named group of per-file snapshots captured before a
// mutating tool runs; it is the unit of rewind. The file list is frozen at
// creation time.
type Checkpoint struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	OperationID string    `json:"operation_id,omitempty"`
	ToolName    string    `json:"tool_name,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CheckpointFile is one file's state as of a checkpoint. If Existed is
// false, Content and ContentSHA256 are absent: the file did not exist when
// the checkpoint was taken.
type CheckpointFile struct {
	CheckpointID  string `json:"checkpoint_id"`
	FilePath      string `json:"file_path"`
	Existed       bool   `json:"existed"`
	Content       []byte `json:"content,omitempty"`
	ContentSHA256 string `json:"content_sha256,omitempty"`
}

// RestoreResult reports the outcome of restoring a checkpoint. Restore is
// best-effort per file: one file's failure never aborts the restore, so
// Errors may be non-empty even though most files were restored.
type RestoreResult struct {
	CheckpointID  string         `json:"checkpoint_id"`
	FilesRestored []string       `json:"files_restored"`
	FilesCreated  []string       `json:"files_created"`
	FilesDeleted  []string       `json:"files_deleted"`
	Errors        []RestoreError `json:"errors"`
}

// RestoreError records a single file's restore failure without aborting the
// rest of the restore.
type RestoreError struct {
	FilePath string `json:"file_path"`
	Error    string `json:"error"`
}
