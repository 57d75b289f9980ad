package chatrouter

import (
	"context"
	"fmt"
	"strings"
)

// handleBuiltin intercepts the router-level built-ins that must run before
// commands.Registry ever sees the message: /commands and /help-commands list
// the custom project/user commands (distinct from the registry's own /help
// "commands" alias, which lists built-ins), /reload-commands re-scans the
// command directories, /checkpoints lists recent checkpoints, /rewind
// restores one, and /mcp reports connected MCP servers and their tools.
func (r *Router) handleBuiltin(ctx context.Context, name, args string, inv RouteInput) (*Reply, bool, error) {
	switch name {
	case "commands", "help-commands":
		return r.builtinCommands(), true, nil
	case "reload-commands":
		return r.builtinReloadCommands(inv), true, nil
	case "checkpoints":
		reply, err := r.builtinCheckpoints(ctx, inv)
		return reply, true, err
	case "rewind":
		reply, err := r.builtinRewind(ctx, args, inv)
		return reply, true, err
	case "mcp":
		return r.builtinMCP(), true, nil
	default:
		return nil, false, nil
	}
}

func (r *Router) builtinCommands() *Reply {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.fileCmds) == 0 {
		return &Reply{Text: "No custom commands found. Add one under .mira/commands/ or ~/.mira/commands/."}
	}

	var b strings.Builder
	b.WriteString("Custom commands:\n")
	for name, cmd := range r.fileCmds {
		desc := cmd.Description
		if desc == "" {
			desc = "(no description)"
		}
		fmt.Fprintf(&b, "- /%s [%s] - %s\n", name, cmd.Scope, desc)
	}
	return &Reply{Text: b.String(), Markdown: true}
}

func (r *Router) builtinReloadCommands(inv RouteInput) *Reply {
	if err := r.ReloadCommands(inv.ProjectDir); err != nil {
		return &Reply{Text: fmt.Sprintf("Failed to reload commands: %s", err)}
	}
	r.mu.RLock()
	count := len(r.fileCmds)
	r.mu.RUnlock()
	return &Reply{Text: fmt.Sprintf("Reloaded %d custom command(s).", count)}
}

func (r *Router) builtinCheckpoints(ctx context.Context, inv RouteInput) (*Reply, error) {
	if r.checkpoint == nil {
		return &Reply{Text: "Checkpoints are not available."}, nil
	}

	list, err := r.checkpoint.List(ctx, inv.SessionID, 20)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(list) == 0 {
		return &Reply{Text: "No checkpoints yet."}, nil
	}

	var b strings.Builder
	for i, cp := range list {
		count, err := r.checkpoint.FileCount(ctx, cp.ID)
		if err != nil {
			count = 0
		}
		label := cp.ToolName
		if cp.Description != "" {
			if label != "" {
				label += " | " + cp.Description
			} else {
				label = cp.Description
			}
		}
		fmt.Fprintf(&b, "%d. %s - %s (%d files) [%s]\n",
			i+1, cp.ID[:8], cp.CreatedAt.Format("15:04:05"), count, label)
	}
	return &Reply{Text: b.String(), Markdown: true}, nil
}

func (r *Router) builtinRewind(ctx context.Context, prefix string, inv RouteInput) (*Reply, error) {
	if r.checkpoint == nil {
		return &Reply{Text: "Checkpoints are not available."}, nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return &Reply{Text: "Usage: /rewind <checkpoint-prefix>"}, nil
	}

	cp, err := r.checkpoint.FindByPrefix(ctx, inv.SessionID, prefix)
	if err != nil {
		return &Reply{Text: fmt.Sprintf("/rewind %s: %s", prefix, err)}, nil
	}
	if cp == nil {
		return &Reply{Text: fmt.Sprintf("No checkpoint matches prefix %q.", prefix)}, nil
	}

	result, err := r.checkpoint.Restore(ctx, cp.ID)
	if err != nil {
		return nil, fmt.Errorf("restore checkpoint: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Restored checkpoint %s:\n", cp.ID[:8])
	fmt.Fprintf(&b, "- %d file(s) restored\n", len(result.FilesRestored))
	fmt.Fprintf(&b, "- %d file(s) created\n", len(result.FilesCreated))
	fmt.Fprintf(&b, "- %d file(s) deleted\n", len(result.FilesDeleted))
	if len(result.Errors) > 0 {
		fmt.Fprintf(&b, "- %d error(s):\n", len(result.Errors))
		for _, e := range result.Errors {
			fmt.Fprintf(&b, "  - %s: %s\n", e.FilePath, e.Error)
		}
	}
	return &Reply{Text: b.String(), Markdown: true}, nil
}

func (r *Router) builtinMCP() *Reply {
	if r.mcp == nil {
		return &Reply{Text: "MCP is not configured."}
	}

	statuses := r.mcp.Status()
	if len(statuses) == 0 {
		return &Reply{Text: "No MCP servers configured."}
	}

	allTools := r.mcp.AllTools()

	var b strings.Builder
	for _, s := range statuses {
		state := "disconnected"
		if s.Connected {
			state = "connected"
		}
		fmt.Fprintf(&b, "%s (%s): %s\n", s.Name, s.ID, state)
		for _, tool := range allTools[s.ID] {
			desc := tool.Description
			if desc == "" {
				desc = "(no description)"
			}
			fmt.Fprintf(&b, "  - %s: %s\n", tool.Name, desc)
		}
	}
	return &Reply{Text: b.String(), Markdown: true}
}
