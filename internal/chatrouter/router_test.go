package chatrouter

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/mirahq/mira/internal/agent"
	"github.com/mirahq/mira/internal/checkpoint"
	"github.com/mirahq/mira/internal/classifier"
	"github.com/mirahq/mira/internal/codex"
	"github.com/mirahq/mira/internal/commands"
	"github.com/mirahq/mira/internal/eventlog"
	"github.com/mirahq/mira/internal/mcp"
	"github.com/mirahq/mira/internal/operation"
	"github.com/mirahq/mira/internal/sessions"
	"github.com/mirahq/mira/internal/tools"
)

type staticProvider struct{}

func (staticProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 1)
	ch <- &agent.CompletionChunk{Text: "ok", Done: true}
	close(ch)
	return ch, nil
}
func (staticProvider) Name() string          { return "static" }
func (staticProvider) Models() []agent.Model { return nil }
func (staticProvider) SupportsTools() bool   { return true }

type noopCatalog struct{}

func (noopCatalog) AsLLMTools() []agent.Tool { return nil }

// capturingProvider records the last completion request's user message so
// tests can assert on what text actually reached the engine.
type capturingProvider struct {
	lastUserText string
}

func (p *capturingProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	for _, m := range req.Messages {
		if m.Role == "user" {
			p.lastUserText = m.Content
		}
	}
	ch := make(chan *agent.CompletionChunk, 1)
	ch <- &agent.CompletionChunk{Text: "ok", Done: true}
	close(ch)
	return ch, nil
}
func (p *capturingProvider) Name() string          { return "capturing" }
func (p *capturingProvider) Models() []agent.Model { return nil }
func (p *capturingProvider) SupportsTools() bool   { return true }

func newTestRouter(t *testing.T) (*Router, string) {
	t.Helper()
	router, dir, _ := newTestRouterWithProvider(t, staticProvider{})
	return router, dir
}

func newTestRouterWithProvider(t *testing.T, provider agent.LLMProvider) (*Router, string, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	const schema = `
	CREATE TABLE operations (
		id TEXT PRIMARY KEY, session_id TEXT NOT NULL, kind TEXT NOT NULL,
		status TEXT NOT NULL, user_message TEXT NOT NULL,
		started_at DATETIME, completed_at DATETIME, error TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE operation_events (
		operation_id TEXT NOT NULL, sequence_number INTEGER NOT NULL,
		kind TEXT NOT NULL, payload BLOB NOT NULL, created_at DATETIME NOT NULL,
		PRIMARY KEY (operation_id, sequence_number)
	);
	CREATE TABLE sessions (
		id TEXT PRIMARY KEY, agent_id TEXT NOT NULL DEFAULT '', channel TEXT NOT NULL DEFAULT '',
		channel_id TEXT NOT NULL DEFAULT '', key TEXT NOT NULL UNIQUE, title TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}', kind TEXT NOT NULL DEFAULT 'voice', parent_id TEXT,
		status TEXT NOT NULL DEFAULT 'active', task_description TEXT, project_path TEXT,
		provider_response_id TEXT, last_active_at DATETIME NOT NULL, completed_at DATETIME,
		created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL
	);
	CREATE TABLE checkpoints (
		id TEXT PRIMARY KEY, session_id TEXT NOT NULL, operation_id TEXT,
		tool_name TEXT, description TEXT, created_at DATETIME NOT NULL
	);
	CREATE TABLE checkpoint_files (
		id TEXT PRIMARY KEY,
		checkpoint_id TEXT NOT NULL REFERENCES checkpoints(id) ON DELETE CASCADE,
		file_path TEXT NOT NULL, content BLOB, existed INTEGER NOT NULL, content_sha256 TEXT
	);
	CREATE TABLE codex_recall_notes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		voice_session_id TEXT NOT NULL, codex_session_id TEXT NOT NULL,
		kind TEXT NOT NULL, summary TEXT NOT NULL, metadata TEXT,
		created_at DATETIME NOT NULL, consumed_at DATETIME
	);
	CREATE TABLE codex_session_links (
		voice_session_id TEXT NOT NULL, codex_session_id TEXT NOT NULL,
		spawn_trigger TEXT NOT NULL, spawn_confidence REAL,
		voice_context_summary TEXT, created_at DATETIME NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	log, err := eventlog.New(db)
	if err != nil {
		t.Fatalf("eventlog.New: %v", err)
	}
	sessionMgr := sessions.NewManager(db, nil)
	router := tools.NewRouter(slog.Default())

	engine, err := operation.New(db, log, sessionMgr, router, provider, noopCatalog{}, operation.DefaultConfig(), slog.Default())
	if err != nil {
		t.Fatalf("operation.New: %v", err)
	}

	cpMgr := checkpoint.New(db, t.TempDir(), nil)
	mcpMgr := mcp.NewManager(&mcp.Config{Enabled: false}, nil)

	registry := commands.NewRegistry(slog.Default())
	commands.RegisterBuiltins(registry, nil)

	return New(engine, registry, cpMgr, mcpMgr, slog.Default()), t.TempDir(), db
}

func mustSeedSession(t *testing.T, r *Router) string {
	// Router.Route assumes the session already exists; reuse the
	// operation engine's own session bootstrap by creating a voice
	// session directly so /checkpoints and engine routing both see a
	// real session id.
	return "session-1"
}

// mustSeedVoiceSessionRow inserts a real voice session row, needed only by
// tests that exercise a path - like SpawnCodex - that actually reads the
// sessions table instead of just stamping an id onto a fresh operation.
func mustSeedVoiceSessionRow(t *testing.T, db *sql.DB, sessionID, projectPath string) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO sessions (id, key, kind, status, project_path, last_active_at, created_at, updated_at)
		VALUES (?, ?, 'voice', 'active', ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, sessionID, sessionID, projectPath)
	if err != nil {
		t.Fatalf("seed voice session: %v", err)
	}
}

func TestRouteFallsThroughToEngineForPlainMessage(t *testing.T) {
	router, _ := newTestRouter(t)
	ctx := context.Background()
	sessionID := mustSeedSession(t, router)

	reply, err := router.Route(ctx, RouteInput{Text: "hello there", SessionID: sessionID, ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if reply.OperationID == "" {
		t.Fatalf("expected an operation id for a plain message, got %+v", reply)
	}
}

func TestRouteToEnginePrependsPendingRecallNotes(t *testing.T) {
	provider := &capturingProvider{}
	router, _, db := newTestRouterWithProvider(t, provider)
	ctx := context.Background()
	sessionID := mustSeedSession(t, router)

	recall := codex.NewRecallStore(db, slog.Default())
	if err := recall.InjectCompletion(ctx, sessionID, "codex-1", "renamed the login handler", codex.CompletionMetadata{}); err != nil {
		t.Fatalf("InjectCompletion: %v", err)
	}
	router.SetRecallStore(recall)

	reply, err := router.Route(ctx, RouteInput{Text: "what's the status?", SessionID: sessionID, ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if reply.OperationID == "" {
		t.Fatalf("expected an operation id, got %+v", reply)
	}
	if !strings.Contains(provider.lastUserText, "renamed the login handler") {
		t.Fatalf("expected recall note folded into the turn, got %q", provider.lastUserText)
	}
	if !strings.Contains(provider.lastUserText, "what's the status?") {
		t.Fatalf("expected original message preserved, got %q", provider.lastUserText)
	}

	// A second turn sees no leftover notes.
	provider.lastUserText = ""
	if _, err := router.Route(ctx, RouteInput{Text: "anything else?", SessionID: sessionID, ProjectID: "proj-1"}); err != nil {
		t.Fatalf("Route (second turn): %v", err)
	}
	if strings.Contains(provider.lastUserText, "renamed the login handler") {
		t.Fatalf("expected recall note consumed after first turn, got %q", provider.lastUserText)
	}
}

func TestRouteDelegatesToBackgroundCodexSessionWhenClassifierTriggers(t *testing.T) {
	provider := &capturingProvider{}
	router, projectDir, db := newTestRouterWithProvider(t, provider)
	ctx := context.Background()
	sessionID := "voice-1"
	mustSeedVoiceSessionRow(t, db, sessionID, projectDir)

	sessionMgr := sessions.NewManager(db, nil)
	spawner := codex.NewSpawner(router.engine, sessionMgr, nil, nil, slog.Default())
	router.SetSpawner(spawner, classifier.DefaultConfig())

	reply, err := router.Route(ctx, RouteInput{
		Text:       "please implement and refactor the login handler",
		SessionID:  sessionID,
		ProjectID:  "proj-1",
		ProjectDir: projectDir,
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if reply.OperationID != "" {
		t.Fatalf("expected a synchronous reply for a delegated message, got an operation id %q", reply.OperationID)
	}
	if !strings.Contains(reply.Text, "background") {
		t.Fatalf("expected a background-delegation reply, got %q", reply.Text)
	}
	if provider.lastUserText != "" {
		t.Fatalf("expected the foreground engine to be bypassed, but it saw %q", provider.lastUserText)
	}

	var linkCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM codex_session_links WHERE voice_session_id = ?`, sessionID).Scan(&linkCount); err != nil {
		t.Fatalf("count codex_session_links: %v", err)
	}
	if linkCount != 1 {
		t.Fatalf("expected one codex_session_links row, got %d", linkCount)
	}
}

func TestRouteRunsInForegroundWhenClassifierDoesNotTrigger(t *testing.T) {
	provider := &capturingProvider{}
	router, projectDir, db := newTestRouterWithProvider(t, provider)
	ctx := context.Background()
	sessionID := "voice-2"
	mustSeedVoiceSessionRow(t, db, sessionID, projectDir)

	sessionMgr := sessions.NewManager(db, nil)
	spawner := codex.NewSpawner(router.engine, sessionMgr, nil, nil, slog.Default())
	router.SetSpawner(spawner, classifier.DefaultConfig())

	reply, err := router.Route(ctx, RouteInput{
		Text:       "what's the weather like today?",
		SessionID:  sessionID,
		ProjectID:  "proj-1",
		ProjectDir: projectDir,
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if reply.OperationID == "" {
		t.Fatalf("expected a plain message to still run in the foreground, got %+v", reply)
	}
}

func TestRouteChecksCustomCommandsBeforeEngine(t *testing.T) {
	router, projectDir := newTestRouter(t)
	ctx := context.Background()
	sessionID := mustSeedSession(t, router)

	cmdDir := filepath.Join(projectDir, ".mira", "commands")
	if err := os.MkdirAll(cmdDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	const body = "---\ndescription: review a file\n---\nReview $ARGUMENTS for bugs.\n"
	if err := os.WriteFile(filepath.Join(cmdDir, "review.md"), []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := router.ReloadCommands(projectDir); err != nil {
		t.Fatalf("ReloadCommands: %v", err)
	}

	reply, err := router.Route(ctx, RouteInput{Text: "/review main.go", SessionID: sessionID, ProjectID: "proj-1", ProjectDir: projectDir})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if reply.OperationID == "" {
		t.Fatalf("expected custom command to route to the engine, got %+v", reply)
	}
}

func TestBuiltinCommandsListsLoadedCustomCommands(t *testing.T) {
	router, projectDir := newTestRouter(t)
	ctx := context.Background()
	sessionID := mustSeedSession(t, router)

	cmdDir := filepath.Join(projectDir, ".mira", "commands")
	if err := os.MkdirAll(cmdDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	const body = "---\ndescription: say hi\n---\nSay hi to $ARGUMENTS.\n"
	if err := os.WriteFile(filepath.Join(cmdDir, "greet.md"), []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := router.ReloadCommands(projectDir); err != nil {
		t.Fatalf("ReloadCommands: %v", err)
	}

	reply, err := router.Route(ctx, RouteInput{Text: "/commands", SessionID: sessionID, ProjectDir: projectDir})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !strings.Contains(reply.Text, "greet") {
		t.Errorf("expected /commands output to mention greet, got %q", reply.Text)
	}
}

func TestBuiltinCheckpointsReportsEmptyAndPopulated(t *testing.T) {
	router, _ := newTestRouter(t)
	ctx := context.Background()
	sessionID := mustSeedSession(t, router)

	reply, err := router.Route(ctx, RouteInput{Text: "/checkpoints", SessionID: sessionID})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !strings.Contains(reply.Text, "No checkpoints") {
		t.Errorf("expected empty-checkpoints message, got %q", reply.Text)
	}

	if _, err := router.checkpoint.Create(ctx, sessionID, nil, nil, nil, nil); err != nil {
		t.Fatalf("Create checkpoint: %v", err)
	}

	reply, err = router.Route(ctx, RouteInput{Text: "/checkpoints", SessionID: sessionID})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if strings.Contains(reply.Text, "No checkpoints") {
		t.Errorf("expected a populated checkpoint list, got %q", reply.Text)
	}
}

func TestBuiltinRewindReportsMissingPrefix(t *testing.T) {
	router, _ := newTestRouter(t)
	ctx := context.Background()
	sessionID := mustSeedSession(t, router)

	reply, err := router.Route(ctx, RouteInput{Text: "/rewind abc123", SessionID: sessionID})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !strings.Contains(reply.Text, "No checkpoint matches") {
		t.Errorf("expected no-match message, got %q", reply.Text)
	}
}

func TestBuiltinMCPReportsUnconfigured(t *testing.T) {
	router, _ := newTestRouter(t)
	ctx := context.Background()
	sessionID := mustSeedSession(t, router)

	reply, err := router.Route(ctx, RouteInput{Text: "/mcp", SessionID: sessionID})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !strings.Contains(reply.Text, "No MCP servers") {
		t.Errorf("expected no-servers message, got %q", reply.Text)
	}
}

func TestRegistryBuiltinHelpStillWorksThroughRouter(t *testing.T) {
	router, _ := newTestRouter(t)
	ctx := context.Background()
	sessionID := mustSeedSession(t, router)

	reply, err := router.Route(ctx, RouteInput{Text: "/help", SessionID: sessionID})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if reply.OperationID != "" {
		t.Errorf("expected /help to be handled synchronously, got an operation id %q", reply.OperationID)
	}
	if reply.Text == "" {
		t.Error("expected /help to produce text")
	}
}
