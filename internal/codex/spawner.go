// Package codex runs autonomous background sessions against the same
// operation-engine tool loop foreground voice sessions use, and injects
// their outcome back into the parent voice session's recall context.
package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mirahq/mira/internal/operation"
	"github.com/mirahq/mira/internal/sessions"
	"github.com/mirahq/mira/pkg/models"
)

// progressEveryN mirrors the teacher-original's "emit progress every 5
// iterations" cadence, measured here in tool calls rather than raw
// provider iterations since that's what a codex session's caller cares
// about watching.
const progressEveryN = 5

// InjectionService delivers a spawned session's outcome back into the
// parent voice session so its next turn can recall what happened.
type InjectionService interface {
	InjectCompletion(ctx context.Context, voiceSessionID, codexSessionID, summary string, metadata CompletionMetadata) error
	InjectError(ctx context.Context, voiceSessionID, codexSessionID, errMsg, taskDescription string) error
}

// CompletionMetadata carries the structured facts of a completed codex run
// alongside its prose summary.
type CompletionMetadata struct {
	FilesChanged    []string
	DurationSeconds int64
	TokensTotal     int64
	CostUSD         float64
	ToolCallsCount  int
	CompactionCount int
	KeyActions      []string
}

// EventKind enumerates the spawner's own progress-monitoring events,
// distinct from the operation engine's persisted event log.
type EventKind string

const (
	EventSpawned      EventKind = "spawned"
	EventProgress     EventKind = "progress"
	EventToolExecuted EventKind = "tool_executed"
	EventCompleted    EventKind = "completed"
	EventFailed       EventKind = "failed"
)

// Event is one item on a spawn's monitoring channel.
type Event struct {
	Kind            EventKind
	VoiceSessionID  string
	CodexSessionID  string
	Iteration       int
	CurrentActivity string
	TokensUsed      int64
	ToolName        string
	Success         bool
	Summary         string
	FilesChanged    []string
	DurationSeconds int64
	Error           string
}

// CostEstimator converts accumulated token usage into a dollar cost. It is
// provider-specific, so the spawner takes it as a collaborator rather than
// hardcoding a rate.
type CostEstimator func(inputTokens, outputTokens int64) float64

// Spawner runs codex sessions: one per spawn, driven by the same
// operation.Engine tool loop a voice session uses, tracked to completion
// or failure and reported back to the parent session.
type Spawner struct {
	engine    *operation.Engine
	sessions  *sessions.Manager
	injection InjectionService
	cost      CostEstimator
	logger    *slog.Logger

	mu      sync.Mutex
	running map[string]struct{}
}

// NewSpawner builds a Spawner. cost may be nil, in which case cost is
// always reported as zero.
func NewSpawner(engine *operation.Engine, sessionMgr *sessions.Manager, injection InjectionService, cost CostEstimator, logger *slog.Logger) *Spawner {
	if logger == nil {
		logger = slog.Default()
	}
	if cost == nil {
		cost = func(int64, int64) float64 { return 0 }
	}
	return &Spawner{
		engine:    engine,
		sessions:  sessionMgr,
		injection: injection,
		cost:      cost,
		logger:    logger,
		running:   make(map[string]struct{}),
	}
}

// Spawn creates a codex session under voiceSessionID and runs its task in
// a background goroutine, returning immediately with the codex session id
// and a channel of monitoring events. The channel is closed when the run
// finishes, whether it succeeds, fails, or is cancelled.
func (s *Spawner) Spawn(ctx context.Context, voiceSessionID, taskDescription string, trigger sessions.SpawnTrigger, voiceContextSummary, projectPath string) (string, <-chan Event, error) {
	codexID, err := s.sessions.SpawnCodex(ctx, voiceSessionID, taskDescription, trigger, voiceContextSummary)
	if err != nil {
		return "", nil, fmt.Errorf("spawn codex session: %w", err)
	}

	events := make(chan Event, 64)
	events <- Event{
		Kind:            EventSpawned,
		VoiceSessionID:  voiceSessionID,
		CodexSessionID:  codexID,
		CurrentActivity: taskDescription,
	}

	s.mu.Lock()
	s.running[codexID] = struct{}{}
	s.mu.Unlock()

	// The run outlives the caller's request context: a codex session is
	// explicitly autonomous and background, so it gets its own lifetime
	// detached from whatever triggered the spawn.
	runCtx := context.WithoutCancel(ctx)

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.running, codexID)
			s.mu.Unlock()
			close(events)
		}()
		s.run(runCtx, voiceSessionID, codexID, taskDescription, voiceContextSummary, projectPath, events)
	}()

	return codexID, events, nil
}

// Cancel forwards to the underlying operation engine's cancellation path
// for the operation backing codexSessionID's active run, if any.
func (s *Spawner) Cancel(operationID string) {
	s.engine.Cancel(operationID)
}

func (s *Spawner) run(ctx context.Context, voiceSessionID, codexSessionID, taskDescription, voiceContext, projectPath string, events chan<- Event) {
	start := time.Now()

	system := buildCodexSystemPrompt(taskDescription, voiceContext, projectPath)

	op, err := s.engine.Create(ctx, codexSessionID, "codex_task", taskDescription)
	if err != nil {
		s.fail(ctx, voiceSessionID, codexSessionID, taskDescription, err, events)
		return
	}

	engineEvents := make(chan *models.OperationEvent, 128)
	runDone := make(chan operation.RunResult, 1)
	runErrCh := make(chan error, 1)

	go func() {
		result, err := s.engine.RunWithSystem(ctx, op.ID, codexSessionID, taskDescription, projectPath, system, engineEvents)
		close(engineEvents)
		runDone <- result
		runErrCh <- err
	}()

	var filesChanged []string
	toolCallCount := 0
	for evt := range engineEvents {
		switch evt.Kind {
		case models.EventToolStart:
			toolCallCount++
			var payload models.ToolStartPayload
			if err := json.Unmarshal(evt.Payload, &payload); err == nil {
				if path, ok := touchedFilePath(payload.Name, payload.Arguments); ok && !contains(filesChanged, path) {
					filesChanged = append(filesChanged, path)
				}
			}
			if toolCallCount%progressEveryN == 1 {
				s.emit(events, Event{
					Kind:            EventProgress,
					VoiceSessionID:  voiceSessionID,
					CodexSessionID:  codexSessionID,
					Iteration:       toolCallCount,
					CurrentActivity: fmt.Sprintf("tool call %d", toolCallCount),
				})
			}
		case models.EventToolResult:
			var payload models.ToolResultPayload
			if err := json.Unmarshal(evt.Payload, &payload); err == nil {
				s.emit(events, Event{
					Kind:           EventToolExecuted,
					CodexSessionID: codexSessionID,
					ToolName:       payload.Name,
					Success:        payload.Success,
				})
			}
		}
	}

	result := <-runDone
	runErr := <-runErrCh
	if runErr != nil {
		s.fail(ctx, voiceSessionID, codexSessionID, taskDescription, runErr, events)
		return
	}

	finalOp, err := s.engine.Get(ctx, op.ID)
	if err != nil {
		s.fail(ctx, voiceSessionID, codexSessionID, taskDescription, err, events)
		return
	}
	if finalOp.Status != models.OperationSucceeded {
		reason := finalOp.Error
		if reason == "" {
			reason = fmt.Sprintf("operation ended in status %q", finalOp.Status)
		}
		s.fail(ctx, voiceSessionID, codexSessionID, taskDescription, fmt.Errorf("%s", reason), events)
		return
	}

	accumulatedText, err := s.accumulatedAssistantText(ctx, op.ID)
	if err != nil {
		s.logger.Warn("codex: failed to replay assistant text for summary", "codex_session_id", codexSessionID, "error", err)
	}

	durationSeconds := int64(time.Since(start).Seconds())
	summary := generateCompletionSummary(taskDescription, accumulatedText, filesChanged, durationSeconds)
	costUSD := s.cost(int64(result.InputTokens), int64(result.OutputTokens))

	voiceID, err := s.sessions.CompleteCodex(ctx, codexSessionID, summary, int64(result.InputTokens), int64(result.OutputTokens), costUSD, 0)
	if err != nil {
		s.logger.Error("codex: failed to mark session complete", "codex_session_id", codexSessionID, "error", err)
		voiceID = voiceSessionID
	}

	metadata := CompletionMetadata{
		FilesChanged:    filesChanged,
		DurationSeconds: durationSeconds,
		TokensTotal:     int64(result.InputTokens + result.OutputTokens),
		CostUSD:         costUSD,
		ToolCallsCount:  result.ToolCalls,
		KeyActions:      []string{taskDescription},
	}
	if s.injection != nil {
		if err := s.injection.InjectCompletion(ctx, voiceID, codexSessionID, summary, metadata); err != nil {
			s.logger.Error("codex: failed to inject completion summary", "codex_session_id", codexSessionID, "error", err)
		}
	}

	s.emit(events, Event{
		Kind:            EventCompleted,
		VoiceSessionID:  voiceID,
		CodexSessionID:  codexSessionID,
		Summary:         summary,
		FilesChanged:    filesChanged,
		DurationSeconds: durationSeconds,
	})
}

func (s *Spawner) fail(ctx context.Context, voiceSessionID, codexSessionID, taskDescription string, runErr error, events chan<- Event) {
	voiceID := voiceSessionID
	if id, err := s.sessions.FailCodex(ctx, codexSessionID, runErr.Error()); err != nil {
		s.logger.Error("codex: failed to mark session failed", "codex_session_id", codexSessionID, "error", err)
	} else {
		voiceID = id
	}

	if s.injection != nil {
		if err := s.injection.InjectError(ctx, voiceID, codexSessionID, runErr.Error(), taskDescription); err != nil {
			s.logger.Error("codex: failed to inject error notification", "codex_session_id", codexSessionID, "error", err)
		}
	}

	s.emit(events, Event{
		Kind:           EventFailed,
		VoiceSessionID: voiceID,
		CodexSessionID: codexSessionID,
		Error:          runErr.Error(),
	})
}

// emit is a best-effort, non-blocking send: a monitoring subscriber too
// slow to keep up loses progress events, not the final outcome, since
// Spawn's caller that cares about the outcome can always re-poll the
// session manager directly.
func (s *Spawner) emit(events chan<- Event, evt Event) {
	select {
	case events <- evt:
	default:
	}
}

func (s *Spawner) accumulatedAssistantText(ctx context.Context, operationID string) (string, error) {
	evts, err := s.engine.GetEvents(ctx, operationID, 0)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, e := range evts {
		if e.Kind != models.EventAssistantText {
			continue
		}
		var payload models.AssistantTextPayload
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			continue
		}
		sb.WriteString(payload.Delta)
	}
	return sb.String(), nil
}

func touchedFilePath(toolName, argumentsJSON string) (string, bool) {
	if toolName != "write_project_file" && toolName != "write_file" && toolName != "edit_project_file" {
		return "", false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(argumentsJSON), &fields); err != nil {
		return "", false
	}
	raw, ok := fields["path"]
	if !ok {
		raw, ok = fields["file_path"]
	}
	if !ok {
		return "", false
	}
	var path string
	if err := json.Unmarshal(raw, &path); err != nil || path == "" {
		return "", false
	}
	return path, true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func buildCodexSystemPrompt(taskDescription, voiceContext, projectPath string) string {
	var b strings.Builder
	b.WriteString("You are Mira's codex agent, specialized for autonomous code tasks.\n")
	b.WriteString("Execute the given task completely, using available tools as needed.\n")
	b.WriteString("When the task is complete, stop making tool calls and provide a brief summary.\n\n")

	if projectPath != "" {
		fmt.Fprintf(&b, "Working directory: %s\n\n", projectPath)
	}

	if voiceContext != "" {
		b.WriteString("## Context from voice session\n")
		b.WriteString(voiceContext)
		b.WriteString("\n\n")
	}

	b.WriteString("## Task\n")
	b.WriteString(taskDescription)
	b.WriteString("\n\n")

	b.WriteString("## Guidelines\n")
	b.WriteString("- Work autonomously without user interaction\n")
	b.WriteString("- Make all necessary file changes to complete the task\n")
	b.WriteString("- Test your changes when possible\n")
	b.WriteString("- When done, provide a concise summary of what was accomplished\n")

	return b.String()
}

// generateCompletionSummary deterministically formats a prose summary
// from a run's outcome for the parent voice session to recall: this is a
// fixed template, not a separate model call.
func generateCompletionSummary(taskDescription, accumulatedResponse string, filesChanged []string, durationSeconds int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Completed: %s\n\n", taskDescription)

	if len(filesChanged) > 0 {
		b.WriteString("Files modified:\n")
		shown := filesChanged
		if len(shown) > 10 {
			shown = shown[:10]
		}
		for _, f := range shown {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		if len(filesChanged) > 10 {
			fmt.Fprintf(&b, "... and %d more\n", len(filesChanged)-10)
		}
		b.WriteString("\n")
	}

	if last := lastMeaningfulParagraph(accumulatedResponse); last != "" && len(last) < 500 {
		b.WriteString("Summary: ")
		b.WriteString(last)
		b.WriteString("\n")
	}

	minutes := durationSeconds / 60
	seconds := durationSeconds % 60
	b.WriteString("\nDuration: " + strconv.FormatInt(minutes, 10) + "m " + strconv.FormatInt(seconds, 10) + "s")

	return b.String()
}

func lastMeaningfulParagraph(text string) string {
	paragraphs := strings.Split(text, "\n\n")
	for i := len(paragraphs) - 1; i >= 0; i-- {
		p := strings.TrimSpace(paragraphs[i])
		if p != "" {
			return p
		}
	}
	return ""
}
