package operation

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/mirahq/mira/internal/agent"
	"github.com/mirahq/mira/internal/eventlog"
	"github.com/mirahq/mira/internal/sessions"
	"github.com/mirahq/mira/internal/tools"
	"github.com/mirahq/mira/pkg/models"
)

type scriptedProvider struct {
	turns [][]*agent.CompletionChunk
	calls int
}

func (p *scriptedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if p.calls >= len(p.turns) {
		p.calls++
		ch := make(chan *agent.CompletionChunk, 1)
		ch <- &agent.CompletionChunk{Done: true}
		close(ch)
		return ch, nil
	}
	turn := p.turns[p.calls]
	p.calls++
	ch := make(chan *agent.CompletionChunk, len(turn))
	for _, c := range turn {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Name() string          { return "scripted" }
func (p *scriptedProvider) Models() []agent.Model { return nil }
func (p *scriptedProvider) SupportsTools() bool   { return true }

type emptyCatalog struct{}

func (emptyCatalog) AsLLMTools() []agent.Tool { return nil }

type fakeFileHandler struct {
	response string
}

func (f *fakeFileHandler) Execute(ctx context.Context, internalName string, arguments json.RawMessage) (string, error) {
	return f.response, nil
}
func (f *fakeFileHandler) SetRoot(root string) {}

func newTestEngine(t *testing.T, provider agent.LLMProvider) (*Engine, *sql.DB) {
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
	CREATE TABLE codex_session_links (
		voice_session_id TEXT NOT NULL, codex_session_id TEXT NOT NULL PRIMARY KEY,
		spawn_trigger TEXT NOT NULL, spawn_confidence REAL, voice_context_summary TEXT,
		completion_summary TEXT, tokens_used_input INTEGER NOT NULL DEFAULT 0,
		tokens_used_output INTEGER NOT NULL DEFAULT 0, cost_usd REAL NOT NULL DEFAULT 0,
		compaction_count INTEGER NOT NULL DEFAULT 0, created_at DATETIME NOT NULL, completed_at DATETIME
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
	router.File = &fakeFileHandler{response: "file contents"}

	eng, err := New(db, log, sessionMgr, router, provider, emptyCatalog{}, DefaultConfig(), slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng, db
}

func TestRunWithNoToolCallsSucceeds(t *testing.T) {
	provider := &scriptedProvider{turns: [][]*agent.CompletionChunk{
		{{Text: "hello"}, {Done: true, ResponseID: "resp-1"}},
	}}
	eng, db := newTestEngine(t, provider)
	ctx := context.Background()

	sessionMgr := sessions.NewManager(db, nil)
	sessionID, err := sessionMgr.GetOrCreateVoice(ctx, "agent-1", "/workspace/proj")
	if err != nil {
		t.Fatalf("GetOrCreateVoice: %v", err)
	}

	op, err := eng.Create(ctx, sessionID, "code_generation", "say hi")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if op.Status != models.OperationPending {
		t.Fatalf("initial status = %q, want pending", op.Status)
	}

	if _, err := eng.Run(ctx, op.ID, sessionID, "say hi", "proj-1", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := eng.Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.OperationSucceeded {
		t.Fatalf("status = %q, want succeeded", got.Status)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("expected started_at and completed_at to be set")
	}

	responseID, err := sessionMgr.GetResponseID(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetResponseID: %v", err)
	}
	if responseID != "resp-1" {
		t.Errorf("response id = %q, want resp-1", responseID)
	}

	events, err := eng.GetEvents(ctx, op.ID, 0)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	var kinds []models.OperationEventKind
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	wantPrefix := []models.OperationEventKind{models.EventStarted, models.EventStatusChanged, models.EventAssistantText, models.EventSucceeded, models.EventStatusChanged}
	if len(kinds) != len(wantPrefix) {
		t.Fatalf("got %d events %v, want %d", len(kinds), kinds, len(wantPrefix))
	}
	for i := range wantPrefix {
		if kinds[i] != wantPrefix[i] {
			t.Errorf("event %d kind = %q, want %q", i, kinds[i], wantPrefix[i])
		}
	}
	for i, e := range events {
		if e.SequenceNumber != i {
			t.Errorf("event %d sequence_number = %d, want %d", i, e.SequenceNumber, i)
		}
	}
}

func TestRunDispatchesToolCallSequentiallyThenSucceeds(t *testing.T) {
	provider := &scriptedProvider{turns: [][]*agent.CompletionChunk{
		{{ToolCall: &models.ToolCall{ID: "call-1", Name: "read_project_file", Input: json.RawMessage(`{"path":"a.txt"}`)}}, {Done: true}},
		{{Text: "done"}, {Done: true}},
	}}
	eng, db := newTestEngine(t, provider)
	ctx := context.Background()

	sessionMgr := sessions.NewManager(db, nil)
	sessionID, err := sessionMgr.GetOrCreateVoice(ctx, "agent-1", "/workspace/proj")
	if err != nil {
		t.Fatalf("GetOrCreateVoice: %v", err)
	}

	op, err := eng.Create(ctx, sessionID, "code_generation", "read a file")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	result, err := eng.Run(ctx, op.ID, sessionID, "read a file", "proj-1", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ToolCalls != 1 {
		t.Errorf("result.ToolCalls = %d, want 1", result.ToolCalls)
	}

	got, err := eng.Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.OperationSucceeded {
		t.Fatalf("status = %q, want succeeded", got.Status)
	}

	events, err := eng.GetEvents(ctx, op.ID, 0)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	var sawStart, sawResult bool
	for _, e := range events {
		switch e.Kind {
		case models.EventToolStart:
			sawStart = true
		case models.EventToolResult:
			sawResult = true
			var payload models.ToolResultPayload
			if err := json.Unmarshal(e.Payload, &payload); err != nil {
				t.Fatalf("unmarshal tool result payload: %v", err)
			}
			if !payload.Success {
				t.Errorf("tool result success = false, want true")
			}
			if payload.Result != "file contents" {
				t.Errorf("tool result = %q, want %q", payload.Result, "file contents")
			}
		}
	}
	if !sawStart || !sawResult {
		t.Fatal("expected ToolStart and ToolResult events")
	}
	if provider.calls != 2 {
		t.Errorf("provider called %d times, want 2 (one per turn)", provider.calls)
	}
}

func TestRunFailsOnProviderError(t *testing.T) {
	provider := &scriptedProvider{turns: [][]*agent.CompletionChunk{
		{{Error: errProviderBoom}},
	}}
	eng, db := newTestEngine(t, provider)
	ctx := context.Background()

	sessionMgr := sessions.NewManager(db, nil)
	sessionID, _ := sessionMgr.GetOrCreateVoice(ctx, "agent-1", "/workspace/proj")
	op, err := eng.Create(ctx, sessionID, "code_generation", "boom")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := eng.Run(ctx, op.ID, sessionID, "boom", "proj-1", nil); err == nil {
		t.Fatal("expected Run to return the provider error")
	}

	got, err := eng.Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.OperationFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.Error == "" {
		t.Error("expected error message on failed operation")
	}
}

func TestCancelStopsRunBeforeNextIteration(t *testing.T) {
	provider := &scriptedProvider{turns: [][]*agent.CompletionChunk{
		{{ToolCall: &models.ToolCall{ID: "call-1", Name: "read_project_file", Input: json.RawMessage(`{}`)}}, {Done: true}},
	}}
	eng, db := newTestEngine(t, provider)
	ctx := context.Background()

	sessionMgr := sessions.NewManager(db, nil)
	sessionID, _ := sessionMgr.GetOrCreateVoice(ctx, "agent-1", "/workspace/proj")
	op, err := eng.Create(ctx, sessionID, "code_generation", "task")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	eng.Cancel(op.ID)

	if _, err := eng.Run(ctx, op.ID, sessionID, "task", "proj-1", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := eng.Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.OperationCancelled {
		t.Fatalf("status = %q, want cancelled", got.Status)
	}
}

type boomError struct{}

func (boomError) Error() string { return "provider boom" }

var errProviderBoom = boomError{}
