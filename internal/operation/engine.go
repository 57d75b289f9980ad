// Package operation implements the tool loop that drives a single user
// turn: the pending->running->{succeeded,failed,cancelled} state machine,
// per-turn provider streaming, and sequential tool-call dispatch through
// the tool router.
package operation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mirahq/mira/internal/agent"
	"github.com/mirahq/mira/internal/eventlog"
	"github.com/mirahq/mira/internal/sessions"
	"github.com/mirahq/mira/internal/tools"
	"github.com/mirahq/mira/pkg/models"
)

var (
	// ErrNotFound is returned by Get/GetEvents for an unknown operation id.
	ErrNotFound = errors.New("operation: not found")

	// ErrInvalidTransition is returned when a transition would violate the
	// monotonic pending->running->terminal state machine.
	ErrInvalidTransition = errors.New("operation: invalid status transition")

	// ErrMaxIterationsExceeded terminates a run that never reached a
	// tool-free turn within Config.MaxIterations iterations.
	ErrMaxIterationsExceeded = errors.New("operation: max iterations exceeded")
)

// Catalog supplies the tool schemas offered to the provider for a turn.
// Catalog only describes what's available; dispatch of a chosen call goes
// through the Router, not through the catalog itself.
type Catalog interface {
	AsLLMTools() []agent.Tool
}

// Config bounds a run's iteration count and carries the default provider
// parameters for turns this engine drives.
type Config struct {
	MaxIterations int
	MaxToolCalls  int
	Model         string
	System        string
	MaxTokens     int
}

// DefaultConfig returns conservative defaults mirroring the teacher loop's
// own MaxIterations/MaxToolCallsPerIteration limits.
func DefaultConfig() Config {
	return Config{
		MaxIterations: 50,
		MaxToolCalls:  32,
		MaxTokens:     4096,
	}
}

func sanitizeConfig(c Config) Config {
	d := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = d.MaxToolCalls
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	return c
}

// Engine owns the tool loop for operations: it persists state transitions,
// appends events to the log, and dispatches tool calls sequentially
// through the router.
type Engine struct {
	db       *sql.DB
	log      *eventlog.Log
	sessions *sessions.Manager
	router   *tools.Router
	provider agent.LLMProvider
	catalog  Catalog
	config   Config
	logger   *slog.Logger

	stmtInsert *sql.Stmt
	stmtGet    *sql.Stmt
	stmtUpdate *sql.Stmt

	mu        sync.Mutex
	cancelled map[string]struct{}
}

// New builds an Engine. The operations table must already exist (see
// internal/storage/schema.sql).
func New(db *sql.DB, log *eventlog.Log, sessionMgr *sessions.Manager, router *tools.Router, provider agent.LLMProvider, catalog Catalog, config Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		db:        db,
		log:       log,
		sessions:  sessionMgr,
		router:    router,
		provider:  provider,
		catalog:   catalog,
		config:    sanitizeConfig(config),
		logger:    logger,
		cancelled: make(map[string]struct{}),
	}

	var err error
	e.stmtInsert, err = db.Prepare(`
		INSERT INTO operations (id, session_id, kind, status, user_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}

	e.stmtGet, err = db.Prepare(`
		SELECT id, session_id, kind, status, user_message, started_at, completed_at, error, created_at
		FROM operations WHERE id = ?
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare get: %w", err)
	}

	e.stmtUpdate, err = db.Prepare(`
		UPDATE operations SET status = ?, started_at = ?, completed_at = ?, error = ? WHERE id = ?
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare update: %w", err)
	}

	return e, nil
}

// Close releases the engine's prepared statements.
func (e *Engine) Close() error {
	for _, stmt := range []*sql.Stmt{e.stmtInsert, e.stmtGet, e.stmtUpdate} {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Create inserts a new operation in the pending state.
func (e *Engine) Create(ctx context.Context, sessionID, kind, userMessage string) (*models.Operation, error) {
	op := &models.Operation{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Kind:        kind,
		Status:      models.OperationPending,
		UserMessage: userMessage,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := e.stmtInsert.ExecContext(ctx, op.ID, op.SessionID, op.Kind, string(op.Status), op.UserMessage, op.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert operation: %w", err)
	}
	return op, nil
}

// Get loads an operation by id.
func (e *Engine) Get(ctx context.Context, operationID string) (*models.Operation, error) {
	var op models.Operation
	var status string
	var startedAt, completedAt sql.NullTime
	var errMsg sql.NullString

	row := e.stmtGet.QueryRowContext(ctx, operationID)
	if err := row.Scan(&op.ID, &op.SessionID, &op.Kind, &status, &op.UserMessage, &startedAt, &completedAt, &errMsg, &op.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get operation: %w", err)
	}

	op.Status = models.OperationStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		op.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		op.CompletedAt = &t
	}
	op.Error = errMsg.String
	return &op, nil
}

// GetEvents replays the persisted event log for operationID starting at
// fromSequence (inclusive).
func (e *Engine) GetEvents(ctx context.Context, operationID string, fromSequence int) ([]models.OperationEvent, error) {
	return e.log.Read(ctx, operationID, fromSequence)
}

// Cancel marks operationID for cancellation. The run loop observes this at
// the start of its next iteration; it does not interrupt an in-flight
// provider call or tool dispatch.
func (e *Engine) Cancel(operationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled[operationID] = struct{}{}
}

func (e *Engine) isCancelled(operationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.cancelled[operationID]
	return ok
}

func (e *Engine) clearCancelled(operationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancelled, operationID)
}

// transition persists the next status to the operation row, appends a
// StatusChanged event, and only then advances op's in-memory status -
// matching the ordering the state machine requires.
func (e *Engine) transition(ctx context.Context, op *models.Operation, next models.OperationStatus, errMsg string, events chan<- *models.OperationEvent) error {
	if !op.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, op.Status, next)
	}

	old := op.Status
	now := time.Now().UTC()

	startedAt := sql.NullTime{Time: now, Valid: old == models.OperationPending}
	if op.StartedAt != nil {
		startedAt = sql.NullTime{Time: *op.StartedAt, Valid: true}
	}
	completedAt := sql.NullTime{Valid: next.IsTerminal(), Time: now}
	errCol := sql.NullString{String: errMsg, Valid: errMsg != ""}

	if _, err := e.stmtUpdate.ExecContext(ctx, string(next), startedAt, completedAt, errCol, op.ID); err != nil {
		return fmt.Errorf("update operation status: %w", err)
	}

	if _, err := e.appendEvent(ctx, op.ID, models.EventStatusChanged, models.StatusChangedPayload{Old: old, New: next}, events); err != nil {
		return err
	}

	op.Status = next
	if startedAt.Valid {
		t := startedAt.Time
		op.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		op.CompletedAt = &t
	}
	op.Error = errMsg
	return nil
}

// appendEvent persists an event and, if events is non-nil, relays it on a
// best-effort basis: a full channel drops the live event rather than
// blocking the run loop, since the log remains the authoritative replay
// source.
func (e *Engine) appendEvent(ctx context.Context, operationID string, kind models.OperationEventKind, payload any, events chan<- *models.OperationEvent) (int, error) {
	seq, err := e.log.Append(ctx, operationID, kind, payload)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	if events != nil {
		evt, readErr := e.singleEvent(ctx, operationID, seq)
		if readErr == nil {
			select {
			case events <- evt:
			default:
			}
		}
	}
	return seq, nil
}

func (e *Engine) singleEvent(ctx context.Context, operationID string, seq int) (*models.OperationEvent, error) {
	evts, err := e.log.Read(ctx, operationID, seq)
	if err != nil || len(evts) == 0 {
		return nil, fmt.Errorf("reread appended event: %w", err)
	}
	return &evts[0], nil
}

func (e *Engine) failOperation(ctx context.Context, op *models.Operation, reason string, events chan<- *models.OperationEvent) error {
	if err := e.transition(ctx, op, models.OperationFailed, reason, events); err != nil {
		return err
	}
	_, err := e.appendEvent(ctx, op.ID, models.EventFailed, models.FailedPayload{Error: reason}, events)
	return err
}

// cancelOperation terminates op into the cancelled status. Per the engine's
// cancellation contract this still emits a Failed event carrying the
// "cancelled" reason, so a log reader sees the same terminal-failure shape
// whether the run was aborted by the user or genuinely errored.
func (e *Engine) cancelOperation(ctx context.Context, op *models.Operation, events chan<- *models.OperationEvent) error {
	const reason = "cancelled"
	if err := e.transition(ctx, op, models.OperationCancelled, reason, events); err != nil {
		return err
	}
	_, err := e.appendEvent(ctx, op.ID, models.EventFailed, models.FailedPayload{Error: reason}, events)
	return err
}

// RunResult summarizes a completed Run call for callers (such as the
// codex spawner) that need aggregate usage after the loop finishes.
type RunResult struct {
	InputTokens  int
	OutputTokens int
	ToolCalls    int
}

// Run drives operationID's tool loop to completion using the engine's
// configured default system prompt. See RunWithSystem for the full
// contract.
func (e *Engine) Run(ctx context.Context, operationID, sessionID, userMessage, projectID string, events chan<- *models.OperationEvent) (RunResult, error) {
	return e.RunWithSystem(ctx, operationID, sessionID, userMessage, projectID, "", events)
}

// RunWithSystem drives operationID's tool loop to completion: it streams
// from the provider, accumulates requested tool calls, dispatches them one
// at a time through the router (never in parallel, per the engine's
// ordering guarantee), and loops until a tool-free turn, an error, a
// cancellation, or MaxIterations is reached. system, when non-empty,
// overrides the engine's configured system prompt for this run only - a
// codex spawn builds a per-session persona this way without needing a
// dedicated Engine per session. events receives a best-effort live copy of
// every appended event; nil is accepted for callers that only want the
// persisted log. The returned RunResult is valid even when err is
// non-nil, reflecting usage accumulated before the failure.
func (e *Engine) RunWithSystem(ctx context.Context, operationID, sessionID, userMessage, projectID, system string, events chan<- *models.OperationEvent) (RunResult, error) {
	defer e.clearCancelled(operationID)
	var result RunResult

	if system == "" {
		system = e.config.System
	}

	op, err := e.Get(ctx, operationID)
	if err != nil {
		return result, err
	}

	if _, err := e.appendEvent(ctx, operationID, models.EventStarted, struct{}{}, events); err != nil {
		return result, err
	}
	if err := e.transition(ctx, op, models.OperationRunning, "", events); err != nil {
		return result, err
	}

	messages := []agent.CompletionMessage{{Role: "user", Content: userMessage}}

	for iteration := 0; iteration < e.config.MaxIterations; iteration++ {
		// 1. Check cancellation.
		if ctx.Err() != nil || e.isCancelled(operationID) {
			return result, e.cancelOperation(ctx, op, events)
		}

		// 2. Call provider, subscribing to its event stream.
		responseID, err := e.sessions.GetResponseID(ctx, sessionID)
		if err != nil {
			e.logger.Warn("operation: failed to load response id, starting fresh turn", "session_id", sessionID, "error", err)
		}

		req := &agent.CompletionRequest{
			Model:              e.config.Model,
			System:             system,
			Messages:           messages,
			Tools:              e.catalog.AsLLMTools(),
			MaxTokens:          e.config.MaxTokens,
			PreviousResponseID: responseID,
		}

		chunks, err := e.provider.Complete(ctx, req)
		if err != nil {
			return result, e.failOperation(ctx, op, err.Error(), events)
		}

		// 3. Accumulate: relay text/thinking deltas, buffer tool calls.
		turn, streamErr := e.drainStream(ctx, operationID, chunks, events)
		result.InputTokens += turn.inputTokens
		result.OutputTokens += turn.outputTokens
		if streamErr != nil {
			return result, e.failOperation(ctx, op, streamErr.Error(), events)
		}
		if turn.responseID != "" {
			if err := e.sessions.UpdateResponseID(ctx, sessionID, turn.responseID); err != nil {
				e.logger.Warn("operation: failed to persist response id", "session_id", sessionID, "error", err)
			}
		}

		messages = append(messages, agent.CompletionMessage{
			Role:      "assistant",
			Content:   turn.text,
			ToolCalls: turn.toolCalls,
		})

		// 4. No tool calls: the turn is complete.
		if len(turn.toolCalls) == 0 {
			if _, err := e.appendEvent(ctx, operationID, models.EventSucceeded, struct{}{}, events); err != nil {
				return result, err
			}
			return result, e.transition(ctx, op, models.OperationSucceeded, "", events)
		}

		if len(turn.toolCalls) > e.config.MaxToolCalls {
			return result, e.failOperation(ctx, op, fmt.Sprintf("tool calls exceed maximum of %d per turn", e.config.MaxToolCalls), events)
		}
		result.ToolCalls += len(turn.toolCalls)

		// 5. Dispatch each tool call in order, sequentially: checkpoints
		// created mid-turn must observe a consistent, ordered filesystem
		// state, so calls are never parallelised by default.
		toolResults, err := e.executeToolCalls(ctx, operationID, sessionID, projectID, turn.toolCalls, events)
		if err != nil {
			return result, e.failOperation(ctx, op, err.Error(), events)
		}
		messages = append(messages, agent.CompletionMessage{
			Role:        "tool",
			ToolResults: toolResults,
		})

		// 6. Loop.
	}

	return result, e.failOperation(ctx, op, ErrMaxIterationsExceeded.Error(), events)
}

// turnResult holds everything drainStream accumulates from one provider
// call: the assistant's text, the tool calls it requested, its
// continuation cursor, and usage for the turn.
type turnResult struct {
	text         string
	toolCalls    []models.ToolCall
	responseID   string
	inputTokens  int
	outputTokens int
}

// drainStream consumes the provider's chunk channel for one turn: it
// relays text/thinking deltas as events, concatenates argument deltas for
// each tool call by call_id in the order their start events arrived, and
// returns the accumulated assistant text and completed tool calls.
func (e *Engine) drainStream(ctx context.Context, operationID string, chunks <-chan *agent.CompletionChunk, events chan<- *models.OperationEvent) (turnResult, error) {
	var turn turnResult
	var textBuilder strings.Builder

	for chunk := range chunks {
		if chunk.Error != nil {
			return turnResult{}, chunk.Error
		}

		if chunk.Thinking != "" {
			if _, err := e.appendEvent(ctx, operationID, models.EventThinking, models.ThinkingPayload{Text: chunk.Thinking}, events); err != nil {
				return turnResult{}, err
			}
		}

		if chunk.Text != "" {
			textBuilder.WriteString(chunk.Text)
			if _, err := e.appendEvent(ctx, operationID, models.EventAssistantText, models.AssistantTextPayload{Delta: chunk.Text}, events); err != nil {
				return turnResult{}, err
			}
		}

		if chunk.ToolCall != nil {
			turn.toolCalls = append(turn.toolCalls, *chunk.ToolCall)
		}

		if chunk.Done {
			if chunk.ResponseID != "" {
				turn.responseID = chunk.ResponseID
			}
			turn.inputTokens += chunk.InputTokens
			turn.outputTokens += chunk.OutputTokens
		}
	}

	turn.text = textBuilder.String()
	return turn, nil
}

// executeToolCalls dispatches each call through the router in order,
// emitting ToolStart/ToolResult events around each one. A tool error is
// not an engine failure: it is folded into the tool result the model
// sees (IsError=true) so the loop continues; only an error returned by
// appendEvent itself (an engine-internal persistence failure) aborts.
func (e *Engine) executeToolCalls(ctx context.Context, operationID, sessionID, projectID string, calls []models.ToolCall, events chan<- *models.OperationEvent) ([]models.ToolResult, error) {
	results := make([]models.ToolResult, 0, len(calls))

	for _, call := range calls {
		if _, err := e.appendEvent(ctx, operationID, models.EventToolStart, models.ToolStartPayload{
			CallID:    call.ID,
			Name:      call.Name,
			Arguments: string(call.Input),
		}, events); err != nil {
			return nil, err
		}

		start := time.Now()
		mode := tools.AccessProject
		if projectID == "" {
			mode = tools.AccessHome
		}
		result, routeErr := e.router.RouteWithAccessMode(ctx, call.Name, call.Input, projectID, mode, sessionID)
		duration := time.Since(start)

		var content string
		success := routeErr == nil
		if routeErr != nil {
			content = routeErr.Error()
		} else {
			content = result.Content
		}

		if _, err := e.appendEvent(ctx, operationID, models.EventToolResult, models.ToolResultPayload{
			CallID:     call.ID,
			Name:       call.Name,
			Result:     content,
			Success:    success,
			DurationMS: duration.Milliseconds(),
		}, events); err != nil {
			return nil, err
		}

		results = append(results, models.ToolResult{
			ToolCallID: call.ID,
			Content:    content,
			IsError:    !success,
		})
	}

	return results, nil
}
