package checkpoint

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	const schema = `
	CREATE TABLE checkpoints (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		operation_id TEXT,
		tool_name TEXT,
		description TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE checkpoint_files (
		id TEXT PRIMARY KEY,
		checkpoint_id TEXT NOT NULL REFERENCES checkpoints(id) ON DELETE CASCADE,
		file_path TEXT NOT NULL,
		content BLOB,
		existed INTEGER NOT NULL,
		content_sha256 TEXT
	);`
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;` + schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	dir := t.TempDir()
	return New(db, dir, nil), dir
}

func TestCreateCheckpointSnapshotsFile(t *testing.T) {
	m, dir := newTestManager(t)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(dir, "test.txt"), []byte("Hello, World!"), 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	op, tool, desc := "op-1", "write_file", "before edit"
	id, err := m.Create(ctx, "session-1", &op, &tool, &desc, []string{"test.txt"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id == "" {
		t.Fatal("got empty checkpoint id")
	}

	cp, err := m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cp == nil {
		t.Fatal("checkpoint not found")
	}
	if cp.SessionID != "session-1" {
		t.Errorf("session_id = %q, want session-1", cp.SessionID)
	}
}

func TestRestoreCheckpointRewritesModifiedFile(t *testing.T) {
	m, dir := newTestManager(t)
	ctx := context.Background()
	path := filepath.Join(dir, "test.txt")

	if err := os.WriteFile(path, []byte("Original content"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	id, err := m.Create(ctx, "session-1", nil, nil, nil, []string{"test.txt"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := os.WriteFile(path, []byte("Modified content"), 0o644); err != nil {
		t.Fatalf("write modified: %v", err)
	}

	result, err := m.Restore(ctx, id)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(result.FilesRestored) != 1 {
		t.Fatalf("files_restored = %v, want 1 entry", result.FilesRestored)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("errors = %v, want none", result.Errors)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(content) != "Original content" {
		t.Errorf("restored content = %q, want %q", content, "Original content")
	}
}

func TestRestoreDeletesFileThatDidNotExistAtCheckpoint(t *testing.T) {
	m, dir := newTestManager(t)
	ctx := context.Background()
	path := filepath.Join(dir, "new_file.txt")

	id, err := m.Create(ctx, "session-1", nil, nil, nil, []string{"new_file.txt"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := os.WriteFile(path, []byte("New content"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	result, err := m.Restore(ctx, id)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(result.FilesDeleted) != 1 {
		t.Fatalf("files_deleted = %v, want 1 entry", result.FilesDeleted)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("file still exists after restore, want deleted")
	}
}

func TestRestoreIsBestEffortAcrossFiles(t *testing.T) {
	m, dir := newTestManager(t)
	ctx := context.Background()

	goodPath := filepath.Join(dir, "good.txt")
	badPath := filepath.Join(dir, "bad.txt")
	if err := os.WriteFile(goodPath, []byte("good"), 0o644); err != nil {
		t.Fatalf("write good: %v", err)
	}
	if err := os.WriteFile(badPath, []byte("bad"), 0o644); err != nil {
		t.Fatalf("write bad: %v", err)
	}

	id, err := m.Create(ctx, "session-1", nil, nil, nil, []string{"good.txt", "bad.txt"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Make bad.txt's restore target an unwritable directory so its write
	// fails, while good.txt still restores normally.
	if err := os.Remove(badPath); err != nil {
		t.Fatalf("remove bad: %v", err)
	}
	if err := os.Mkdir(badPath, 0o755); err != nil {
		t.Fatalf("mkdir bad: %v", err)
	}

	result, err := m.Restore(ctx, id)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(result.FilesRestored) != 1 || result.FilesRestored[0] != "good.txt" {
		t.Errorf("files_restored = %v, want [good.txt]", result.FilesRestored)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("errors = %v, want 1 entry for bad.txt", result.Errors)
	}
}

func TestListCheckpointsScopesToSession(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, second, other := "First", "Second", "Other session"
	if _, err := m.Create(ctx, "session-1", nil, nil, &first, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Create(ctx, "session-1", nil, nil, &second, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Create(ctx, "session-2", nil, nil, &other, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	list, err := m.List(ctx, "session-1", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d checkpoints, want 2", len(list))
	}
}

func TestCleanupOldKeepsMostRecent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		desc := "checkpoint"
		if _, err := m.Create(ctx, "session-1", nil, nil, &desc, nil); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	deleted, err := m.CleanupOld(ctx, "session-1", 2)
	if err != nil {
		t.Fatalf("CleanupOld: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("deleted = %d, want 3", deleted)
	}

	remaining, err := m.List(ctx, "session-1", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("remaining = %d, want 2", len(remaining))
	}
}

func TestFindByPrefixRejectsAmbiguity(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	id1, err := m.Create(ctx, "session-1", nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.FindByPrefix(ctx, "session-1", id1[:6]); err != nil {
		t.Fatalf("FindByPrefix unique: %v", err)
	}

	match, err := m.FindByPrefix(ctx, "session-1", "nonexistent-prefix")
	if err != nil {
		t.Fatalf("FindByPrefix missing: %v", err)
	}
	if match != nil {
		t.Errorf("got %+v, want nil for unmatched prefix", match)
	}
}
