// Package chatrouter decides what to do with an incoming chat message: expand
// it as a custom slash command, dispatch it to a router-level built-in
// (/commands, /reload-commands, /checkpoints, /rewind, /mcp), fall back to
// the teacher's generic commands.Registry for everything else it knows
// about, or otherwise hand it to the operation engine as a normal turn.
package chatrouter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mirahq/mira/internal/checkpoint"
	"github.com/mirahq/mira/internal/classifier"
	"github.com/mirahq/mira/internal/codex"
	"github.com/mirahq/mira/internal/commands"
	"github.com/mirahq/mira/internal/mcp"
	"github.com/mirahq/mira/internal/operation"
	"github.com/mirahq/mira/internal/sessions"
	"github.com/mirahq/mira/pkg/models"
)

// Reply is what a routed message produces. Exactly one of OperationID or
// Text is meaningful: a message routed to the operation engine yields an
// OperationID whose events the caller streams separately; anything handled
// at the router level yields Text directly.
type Reply struct {
	// OperationID is set when the message was handed to the operation
	// engine; the caller should subscribe to its event stream.
	OperationID string

	// Text is set when the router (or a builtin/custom command) produced
	// a synchronous response with nothing further to run.
	Text string

	// Markdown mirrors commands.Result.Markdown for router-originated text.
	Markdown bool
}

// Router is the single entry point for turning chat input into either a
// synchronous reply or a new operation.
type Router struct {
	engine     *operation.Engine
	registry   *commands.Registry
	parser     *commands.Parser
	checkpoint *checkpoint.Manager
	mcp        *mcp.Manager
	logger     *slog.Logger

	mu       sync.RWMutex
	fileCmds map[string]*FileCommand
	recall   *codex.RecallStore

	spawner       *codex.Spawner
	classifierCfg classifier.Config
}

// New builds a Router. checkpointMgr and mcpMgr may be nil, in which case
// their respective builtins report that the feature is unavailable rather
// than panicking.
func New(engine *operation.Engine, registry *commands.Registry, checkpointMgr *checkpoint.Manager, mcpMgr *mcp.Manager, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		engine:        engine,
		registry:      registry,
		parser:        commands.NewParser(registry),
		checkpoint:    checkpointMgr,
		mcp:           mcpMgr,
		logger:        logger,
		fileCmds:      make(map[string]*FileCommand),
		classifierCfg: classifier.DefaultConfig(),
	}
}

// SetRecallStore attaches the codex recall store used to fold pending
// background-task completion and error notes into a voice session's next
// routed turn. A nil store (the default) disables recall injection.
func (r *Router) SetRecallStore(store *codex.RecallStore) {
	r.mu.Lock()
	r.recall = store
	r.mu.Unlock()
}

// SetSpawner attaches the codex spawner and classifier thresholds used to
// decide whether a regular message should run in the foreground engine
// loop or be delegated to a background codex session. A nil spawner (the
// default) means every message runs in the foreground, matching the
// router's behavior before this was wired in.
func (r *Router) SetSpawner(spawner *codex.Spawner, cfg classifier.Config) {
	r.mu.Lock()
	r.spawner = spawner
	r.classifierCfg = cfg
	r.mu.Unlock()
}

// ReloadCommands re-scans the user and project command directories. Callers
// should invoke it once at startup and again whenever /reload-commands
// fires.
func (r *Router) ReloadCommands(projectDir string) error {
	cmds, err := LoadFileCommands(projectDir)
	if err != nil {
		return err
	}
	byName := make(map[string]*FileCommand, len(cmds))
	for _, c := range cmds {
		byName[c.Name] = c
	}
	r.mu.Lock()
	r.fileCmds = byName
	r.mu.Unlock()
	r.logger.Info("chatrouter: reloaded custom commands", "count", len(byName))
	return nil
}

// Route dispatches a chat message. operationID is only used when the
// message is routed to the engine as a new run (the caller is expected to
// have already created the operation row via engine.Create, matching the
// engine's existing Create/Run split).
func (r *Router) Route(ctx context.Context, inv RouteInput) (*Reply, error) {
	text := strings.TrimSpace(inv.Text)
	if text == "" {
		return &Reply{Text: "empty message"}, nil
	}

	if !r.parser.IsCommand(text) {
		return r.routeToEngine(ctx, inv)
	}

	name, args := commands.SplitCommandArgs(commands.NormalizeCommandText(text))

	if reply, handled, err := r.handleBuiltin(ctx, name, args, inv); handled {
		return reply, err
	}

	if reply, handled, err := r.handleFileCommand(ctx, name, args, inv); handled {
		return reply, err
	}

	if r.registry != nil {
		if _, exists := r.registry.Get(name); exists {
			result, err := r.registry.Execute(ctx, &commands.Invocation{
				Name:       name,
				Args:       args,
				RawText:    text,
				SessionKey: inv.SessionID,
				UserID:     inv.UserID,
				IsAdmin:    inv.IsAdmin,
			})
			if err != nil {
				return nil, err
			}
			return &Reply{Text: result.Text, Markdown: result.Markdown}, nil
		}
	}

	// Not a recognized command of any kind - treat the whole line as a
	// normal message rather than erroring, matching the teacher's
	// forgiving parser: an unmatched "/" is just punctuation.
	return r.routeToEngine(ctx, inv)
}

// RouteInput carries everything Route needs about the message's origin.
type RouteInput struct {
	Text       string
	SessionID  string
	ProjectID  string
	ProjectDir string
	UserID     string
	IsAdmin    bool

	// Events, if non-nil, receives a live copy of every event the engine
	// appends for a message routed to it - the transport's event sink
	// per the engine's own Run/RunWithSystem contract. Builtins and
	// custom-command expansions that resolve synchronously never send
	// on it.
	Events chan<- *models.OperationEvent
}

func (r *Router) routeToEngine(ctx context.Context, inv RouteInput) (*Reply, error) {
	text := r.prependRecall(ctx, inv.SessionID, inv.Text)

	if reply, spawned, err := r.maybeSpawnCodex(ctx, inv, text); spawned {
		return reply, err
	}

	op, err := r.engine.Create(ctx, inv.SessionID, "chat", text)
	if err != nil {
		return nil, fmt.Errorf("create operation: %w", err)
	}
	if _, err := r.engine.Run(ctx, op.ID, inv.SessionID, text, inv.ProjectID, inv.Events); err != nil {
		return nil, fmt.Errorf("run operation: %w", err)
	}
	return &Reply{OperationID: op.ID}, nil
}

// maybeSpawnCodex runs the classifier's spawn heuristic against text and,
// if it fires and a spawner is attached, delegates the turn to a
// background codex session instead of the foreground engine loop -
// spec's background data flow (C9 -> C5 -> C8) runs from here rather than
// inside the engine itself, since the chat router is already the place
// that decides what a message becomes before it reaches the engine.
func (r *Router) maybeSpawnCodex(ctx context.Context, inv RouteInput, text string) (*Reply, bool, error) {
	r.mu.RLock()
	spawner := r.spawner
	cfg := r.classifierCfg
	r.mu.RUnlock()
	if spawner == nil {
		return nil, false, nil
	}

	trigger := classifier.ShouldSpawnCodex(cfg, classifier.Task{IsUserFacing: true}, text)
	if trigger == nil {
		return nil, false, nil
	}

	codexID, _, err := spawner.Spawn(ctx, inv.SessionID, text, sessionsTrigger(*trigger), "", inv.ProjectDir)
	if err != nil {
		return nil, false, fmt.Errorf("spawn codex session: %w", err)
	}

	r.logger.Info("chatrouter: delegated message to background codex session",
		"session_id", inv.SessionID, "codex_session_id", codexID, "trigger", trigger.Kind)
	return &Reply{Text: fmt.Sprintf("Working on it in the background (session %s). I'll let you know when it's done.", codexID)}, true, nil
}

// sessionsTrigger converts the classifier's trigger vocabulary to the
// sessions package's CodexSpawnTriggerKind used on the link row's audit
// trail; classifier.TriggerComplexTask has no exact counterpart there, so
// it maps to the same "router_detection" kind as TriggerRouterDetection -
// both describe the classifier deciding on the caller's behalf rather
// than an explicit user ask.
func sessionsTrigger(t classifier.SpawnTrigger) sessions.SpawnTrigger {
	kind := models.CodexTriggerRouterDetection
	if t.Kind == classifier.TriggerUserRequest {
		kind = models.CodexTriggerExplicitRequest
	}
	return sessions.SpawnTrigger{
		Kind:             kind,
		Confidence:       t.Confidence,
		DetectedPatterns: t.DetectedPatterns,
	}
}

// prependRecall folds any pending codex recall notes for sessionID into
// text, consuming them so each note is delivered exactly once. A note
// reports a background codex session finishing (or failing) since the
// voice session's last turn - the engine needs it in-band because the
// voice session may have had no operation running when it arrived.
func (r *Router) prependRecall(ctx context.Context, sessionID, text string) string {
	r.mu.RLock()
	recall := r.recall
	r.mu.RUnlock()
	if recall == nil {
		return text
	}

	notes, err := recall.Consume(ctx, sessionID)
	if err != nil {
		r.logger.Warn("chatrouter: failed to consume recall notes", "session_id", sessionID, "error", err)
		return text
	}
	if len(notes) == 0 {
		return text
	}

	var b strings.Builder
	b.WriteString("[Background task updates since your last message]\n")
	for _, n := range notes {
		fmt.Fprintf(&b, "- (%s) %s\n", n.Kind, n.Summary)
	}
	b.WriteString("\n")
	b.WriteString(text)
	return b.String()
}

func (r *Router) handleFileCommand(ctx context.Context, name, args string, inv RouteInput) (*Reply, bool, error) {
	r.mu.RLock()
	cmd, ok := r.fileCmds[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	prompt := cmd.Expand(args)
	reply, err := r.routeToEngine(ctx, RouteInput{
		Text:      prompt,
		SessionID: inv.SessionID,
		ProjectID: inv.ProjectID,
		UserID:    inv.UserID,
		IsAdmin:   inv.IsAdmin,
		Events:    inv.Events,
	})
	return reply, true, err
}
