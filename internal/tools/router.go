package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mirahq/mira/internal/artifacts"
	"github.com/mirahq/mira/internal/checkpoint"
)

// AccessMode controls how far outside the project directory a tool call's
// file and shell handlers are allowed to reach.
type AccessMode string

const (
	AccessProject AccessMode = "project"
	AccessHome    AccessMode = "home"
	AccessSystem  AccessMode = "system"
)

// HandlerFamily is the closed set of tool handler kinds the router
// dispatches to.
type HandlerFamily string

const (
	FamilyGit      HandlerFamily = "git"
	FamilyCode     HandlerFamily = "code"
	FamilyExternal HandlerFamily = "external"
	FamilyFile     HandlerFamily = "file"
	FamilyMcp      HandlerFamily = "mcp"
)

// Route is a registered mapping from the name the model calls to the
// handler family and the internal name that family understands.
type Route struct {
	Family   HandlerFamily
	Internal string
	// Mutating marks tool calls that write to the filesystem, triggering
	// checkpoint injection before the handler runs.
	Mutating bool
}

var (
	// ErrUnknownTool is returned when neither the registry nor the
	// special-cased names recognize a tool name.
	ErrUnknownTool = errors.New("tools: unknown tool")
	// ErrContextRequired is returned by Route for a tool name that needs
	// (project_id, session_id) context and therefore cannot run through
	// the context-free entry point.
	ErrContextRequired = errors.New("tools: requires context - use RouteWithContext")
	// ErrHandlerNotConfigured is returned when a call resolves to a
	// handler family the router wasn't built with.
	ErrHandlerNotConfigured = errors.New("tools: handler not configured")
)

// Handler executes one tool call within a handler family. internalName is
// the family-local name from the route (or, for MCP, the tool name with
// the server prefix already stripped).
type Handler interface {
	Execute(ctx context.Context, internalName string, arguments json.RawMessage) (string, error)
}

// RootSetter is implemented by handlers whose filesystem reach is bounded
// by a root directory that the router reconfigures per access mode.
type RootSetter interface {
	SetRoot(root string)
}

// McpHandler bridges to external MCP tool servers, named on the wire as
// mcp__{server}__{tool}.
type McpHandler interface {
	CallTool(ctx context.Context, server, tool string, arguments json.RawMessage) (string, error)
}

// ContextHandler serves tool calls that need project/session context
// beyond their JSON arguments (e.g. task or guideline management). Left
// unconfigured, such calls fail with ErrHandlerNotConfigured.
type ContextHandler interface {
	Execute(ctx context.Context, name string, arguments json.RawMessage, projectID, sessionID string) (string, error)
}

// ProjectResolver looks up a project's root path by ID, for access-mode
// "project" and for injecting working_directory into external tool calls.
type ProjectResolver interface {
	ProjectPath(ctx context.Context, projectID string) (string, bool, error)
}

// contextRequiredNames cannot be routed without (project_id, session_id);
// the non-context Route entry rejects them outright.
var contextRequiredNames = map[string]bool{
	"manage_project_task":       true,
	"manage_project_guidelines": true,
}

// Result is what Route returns: the handler's (possibly artifacted)
// output, and bookkeeping the Operation Engine needs to emit ToolResult.
type Result struct {
	Content         string
	CheckpointID    string
	ArtifactID      string
	ContainsSecrets bool
	TotalBytes      int64
}

// Router dispatches named tool calls to typed handler families, enforces
// filesystem access scope, and wraps mutating calls in a checkpoint.
type Router struct {
	Registry map[string]Route

	Git      GitHandler
	Code     CodeHandler
	External ExternalHandler
	File     FileHandler
	Mcp      McpHandler
	Context  ContextHandler

	Projects    ProjectResolver
	Checkpoints *checkpoint.Manager
	Artifacts   *artifacts.TextStore

	Logger *slog.Logger
}

// GitHandler, CodeHandler, ExternalHandler, and FileHandler are Handler
// plus, for External and File, RootSetter: they're kept as distinct named
// interfaces (rather than one shared type) so a Router can be built with
// only the families it actually has collaborators for.
type (
	GitHandler  = Handler
	CodeHandler = Handler
)

type ExternalHandler interface {
	Handler
	RootSetter
}

type FileHandler interface {
	Handler
	RootSetter
}

// NewRouter builds a Router with the default registry. Callers attach
// handlers via the exported fields before routing any calls.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{Registry: DefaultRegistry(), Logger: logger}
}

// DefaultRegistry is the static external_name -> (handler_family,
// internal_name) mapping for simple pass-through tools.
func DefaultRegistry() map[string]Route {
	return map[string]Route{
		"git_status":    {Family: FamilyGit, Internal: "status"},
		"git_diff":      {Family: FamilyGit, Internal: "diff"},
		"git_log":       {Family: FamilyGit, Internal: "log"},
		"git_branch":    {Family: FamilyGit, Internal: "branch"},
		"git_commit":    {Family: FamilyGit, Internal: "commit", Mutating: true},

		"search_codebase":    {Family: FamilyCode, Internal: "search"},
		"get_file_structure": {Family: FamilyCode, Internal: "structure"},
		"get_file_summary":   {Family: FamilyCode, Internal: "summary"},

		"execute_command": {Family: FamilyExternal, Internal: "execute_command"},

		"read_project_file":  {Family: FamilyFile, Internal: "read"},
		"list_project_files": {Family: FamilyFile, Internal: "list"},
		"write_project_file": {Family: FamilyFile, Internal: "write", Mutating: true},
		"write_file":         {Family: FamilyFile, Internal: "write", Mutating: true},
		"edit_project_file":  {Family: FamilyFile, Internal: "edit", Mutating: true},

		"__native_apply_patch": {Family: FamilyFile, Internal: "apply_patch", Mutating: true},
	}
}

// Route dispatches name without project/session context. Context-required
// names are rejected; callers needing them must use RouteWithContext.
func (r *Router) Route(ctx context.Context, name string, arguments json.RawMessage) (*Result, error) {
	if contextRequiredNames[name] {
		return nil, fmt.Errorf("%w: %s", ErrContextRequired, name)
	}
	return r.dispatch(ctx, name, arguments, "", "")
}

// RouteWithContext dispatches name with project/session context available,
// serving context-required tools and injecting working_directory into
// external tool calls that didn't specify one.
func (r *Router) RouteWithContext(ctx context.Context, name string, arguments json.RawMessage, projectID, sessionID string) (*Result, error) {
	if contextRequiredNames[name] {
		if r.Context == nil {
			return nil, fmt.Errorf("%w: context handler for %s", ErrHandlerNotConfigured, name)
		}
		content, err := r.Context.Execute(ctx, name, arguments, projectID, sessionID)
		if err != nil {
			return nil, err
		}
		return r.postProcess(ctx, name, content)
	}

	if route, ok := r.Registry[name]; ok && route.Family == FamilyExternal {
		arguments = r.injectWorkingDirectory(ctx, arguments, projectID)
	}

	return r.dispatch(ctx, name, arguments, projectID, sessionID)
}

// RouteWithAccessMode is the primary entry point: it reconfigures the file
// and external handlers' root for mode, then delegates to
// RouteWithContext. This is the call the Operation Engine makes per tool
// call in its loop.
func (r *Router) RouteWithAccessMode(ctx context.Context, name string, arguments json.RawMessage, projectID string, mode AccessMode, sessionID string) (*Result, error) {
	root, err := r.resolveRoot(ctx, mode, projectID)
	if err != nil {
		r.Logger.Warn("tool router: failed to resolve access mode root, using default", "mode", mode, "error", err)
	} else if root != "" {
		if r.File != nil {
			r.File.SetRoot(root)
		}
		if r.External != nil {
			r.External.SetRoot(root)
		}
	}

	r.Logger.Info("tool router: routing", "tool", name, "access_mode", mode)
	return r.RouteWithContext(ctx, name, arguments, projectID, sessionID)
}

func (r *Router) resolveRoot(ctx context.Context, mode AccessMode, projectID string) (string, error) {
	switch mode {
	case AccessHome:
		return os.UserHomeDir()
	case AccessSystem:
		return "/", nil
	default: // AccessProject and unset
		if projectID == "" || r.Projects == nil {
			return "", nil
		}
		path, ok, err := r.Projects.ProjectPath(ctx, projectID)
		if err != nil || !ok {
			return "", err
		}
		return path, nil
	}
}

// injectWorkingDirectory adds the project's root path as working_directory
// to an external tool call's arguments, unless one is already present and
// non-blank.
func (r *Router) injectWorkingDirectory(ctx context.Context, arguments json.RawMessage, projectID string) json.RawMessage {
	if projectID == "" || r.Projects == nil {
		return arguments
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(arguments, &fields); err != nil {
		return arguments
	}
	if existing, ok := fields["working_directory"]; ok {
		var s string
		if json.Unmarshal(existing, &s) == nil && strings.TrimSpace(s) != "" {
			return arguments
		}
	}

	path, ok, err := r.Projects.ProjectPath(ctx, projectID)
	if err != nil || !ok || path == "" {
		return arguments
	}

	encoded, err := json.Marshal(path)
	if err != nil {
		return arguments
	}
	fields["working_directory"] = encoded

	merged, err := json.Marshal(fields)
	if err != nil {
		return arguments
	}
	r.Logger.Info("tool router: injected working_directory", "path", path)
	return merged
}

// dispatch handles MCP prefixes and registry lookups, wraps mutating
// calls with a checkpoint, and runs the handler.
func (r *Router) dispatch(ctx context.Context, name string, arguments json.RawMessage, projectID, sessionID string) (*Result, error) {
	if strings.HasPrefix(name, "mcp__") {
		return r.routeMcp(ctx, name, arguments)
	}

	route, ok := r.Registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	handler, err := r.handlerFor(route.Family)
	if err != nil {
		return nil, err
	}

	var checkpointID string
	if route.Mutating && r.Checkpoints != nil {
		paths := filePathsFromArguments(arguments)
		toolName := name
		id, err := r.Checkpoints.Create(ctx, sessionID, nil, &toolName, nil, paths)
		if err != nil {
			r.Logger.Warn("tool router: checkpoint creation failed, proceeding without one", "tool", name, "error", err)
		} else {
			checkpointID = id
		}
	}

	content, err := handler.Execute(ctx, route.Internal, arguments)
	if err != nil {
		return nil, err
	}

	result, err := r.postProcess(ctx, name, content)
	if err != nil {
		return nil, err
	}
	result.CheckpointID = checkpointID
	return result, nil
}

func (r *Router) handlerFor(family HandlerFamily) (Handler, error) {
	switch family {
	case FamilyGit:
		if r.Git == nil {
			return nil, fmt.Errorf("%w: git", ErrHandlerNotConfigured)
		}
		return r.Git, nil
	case FamilyCode:
		if r.Code == nil {
			return nil, fmt.Errorf("%w: code", ErrHandlerNotConfigured)
		}
		return r.Code, nil
	case FamilyExternal:
		if r.External == nil {
			return nil, fmt.Errorf("%w: external", ErrHandlerNotConfigured)
		}
		return r.External, nil
	case FamilyFile:
		if r.File == nil {
			return nil, fmt.Errorf("%w: file", ErrHandlerNotConfigured)
		}
		return r.File, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotConfigured, family)
	}
}

// routeMcp parses mcp__{server}__{tool} and dispatches to the MCP bridge.
func (r *Router) routeMcp(ctx context.Context, name string, arguments json.RawMessage) (*Result, error) {
	if r.Mcp == nil {
		return nil, fmt.Errorf("%w: mcp", ErrHandlerNotConfigured)
	}

	rest := strings.TrimPrefix(name, "mcp__")
	parts := strings.SplitN(rest, "__", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("tools: invalid mcp tool name format, want mcp__{server}__{tool}, got %s", name)
	}

	content, err := r.Mcp.CallTool(ctx, parts[0], parts[1], arguments)
	if err != nil {
		return nil, fmt.Errorf("mcp tool %s on server %s: %w", parts[1], parts[0], err)
	}
	return r.postProcess(ctx, name, content)
}

// postProcess asks C2 whether content warrants artifacting and, if so,
// replaces it with a preview + artifact reference.
func (r *Router) postProcess(ctx context.Context, toolName, content string) (*Result, error) {
	decision := artifacts.Decide(toolName, content)
	result := &Result{
		Content:         content,
		TotalBytes:      decision.TotalBytes,
		ContainsSecrets: decision.ContainsSecrets,
	}

	if !decision.ShouldArtifact || r.Artifacts == nil {
		return result, nil
	}

	id, _, err := r.Artifacts.StoreDeduped(ctx, "tool-output", toolName, "", content, decision.ContainsSecrets, decision.SecretReason)
	if err != nil {
		r.Logger.Warn("tool router: artifact store failed, passing raw output through", "tool", toolName, "error", err)
		return result, nil
	}

	preview, err := json.Marshal(map[string]any{
		"preview":          decision.Preview,
		"artifact_id":      id,
		"total_bytes":      decision.TotalBytes,
		"contains_secrets": decision.ContainsSecrets,
	})
	if err != nil {
		return result, nil
	}

	result.Content = string(preview)
	result.ArtifactID = id
	return result, nil
}

// filePathsFromArguments is a best-effort static scan of a mutating tool
// call's arguments for the file(s) it's about to touch, used to scope the
// pre-mutation checkpoint. A failure to find any path is non-fatal: the
// checkpoint is simply created with no files, and the handler still runs.
func filePathsFromArguments(arguments json.RawMessage) []string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(arguments, &fields); err != nil {
		return nil
	}

	var paths []string
	for _, key := range []string{"path", "file_path"} {
		if raw, ok := fields[key]; ok {
			var s string
			if json.Unmarshal(raw, &s) == nil && strings.TrimSpace(s) != "" {
				paths = append(paths, s)
			}
		}
	}
	if raw, ok := fields["paths"]; ok {
		var many []string
		if json.Unmarshal(raw, &many) == nil {
			paths = append(paths, many...)
		}
	}
	return paths
}
