package toolhandlers

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initGitRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "initial commit")
	return dir
}

func TestGitHandlerStatusAndLog(t *testing.T) {
	dir := initGitRepo(t)
	h := NewGitHandler(dir)
	ctx := context.Background()

	if _, err := h.Execute(ctx, "status", nil); err != nil {
		t.Fatalf("status: %v", err)
	}
	out, err := h.Execute(ctx, "log", nil)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if out == "" {
		t.Fatalf("expected non-empty log output")
	}
}

func TestGitHandlerCommitRequiresMessage(t *testing.T) {
	dir := initGitRepo(t)
	h := NewGitHandler(dir)

	args, _ := json.Marshal(map[string]string{"message": ""})
	if _, err := h.Execute(context.Background(), "commit", args); err == nil {
		t.Fatalf("expected error for empty commit message")
	}
}

func TestGitHandlerUnknownInternalName(t *testing.T) {
	dir := initGitRepo(t)
	h := NewGitHandler(dir)
	if _, err := h.Execute(context.Background(), "rebase", nil); err == nil {
		t.Fatalf("expected error for unknown internal name")
	}
}
