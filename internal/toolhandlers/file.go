// Package toolhandlers adapts the repository's existing per-tool
// implementations (internal/tools/files, internal/tools/exec) onto the
// family-handler interfaces internal/tools.Router dispatches to
// (Execute(ctx, internalName, arguments) (string, error) plus, for File and
// External, SetRoot(root string)) - the wiring internal/tools.Router's own
// design note leaves to cmd/mira.
package toolhandlers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/mirahq/mira/internal/agent"
	"github.com/mirahq/mira/internal/tools/files"
)

// FileHandler dispatches the file family's internal names (read, list,
// write, edit, apply_patch) to internal/tools/files' per-tool
// implementations, rebuilding them whenever the router reconfigures the
// access-mode root.
type FileHandler struct {
	mu    sync.RWMutex
	cfg   files.Config
	read  *files.ReadTool
	write *files.WriteTool
	edit  *files.EditTool
	patch *files.ApplyPatchTool
}

// NewFileHandler builds a FileHandler rooted at workspace.
func NewFileHandler(workspace string) *FileHandler {
	h := &FileHandler{}
	h.SetRoot(workspace)
	return h
}

// SetRoot reconfigures every underlying tool to a new workspace root.
func (h *FileHandler) SetRoot(root string) {
	cfg := files.Config{Workspace: root}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg = cfg
	h.read = files.NewReadTool(cfg)
	h.write = files.NewWriteTool(cfg)
	h.edit = files.NewEditTool(cfg)
	h.patch = files.NewApplyPatchTool(cfg)
}

// Execute dispatches to the tool matching internalName.
func (h *FileHandler) Execute(ctx context.Context, internalName string, arguments json.RawMessage) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	switch internalName {
	case "read":
		return toolResultToString(h.read.Execute(ctx, arguments))
	case "write":
		return toolResultToString(h.write.Execute(ctx, arguments))
	case "edit":
		return toolResultToString(h.edit.Execute(ctx, arguments))
	case "apply_patch":
		return toolResultToString(h.patch.Execute(ctx, arguments))
	case "list":
		return h.list(arguments)
	default:
		return "", fmt.Errorf("toolhandlers: unknown file internal name %q", internalName)
	}
}

func (h *FileHandler) list(arguments json.RawMessage) (string, error) {
	var input struct {
		Path string `json:"path"`
	}
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &input); err != nil {
			return "", fmt.Errorf("invalid parameters: %w", err)
		}
	}

	resolver := files.Resolver{Root: h.cfg.Workspace}
	target := input.Path
	if target == "" {
		target = "."
	}
	full, err := resolver.Resolve(target)
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		return "", fmt.Errorf("list directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	payload, err := json.MarshalIndent(map[string]any{
		"path":    filepath.Clean(target),
		"entries": names,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode listing: %w", err)
	}
	return string(payload), nil
}

func toolResultToString(result *agent.ToolResult, err error) (string, error) {
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	if result.IsError {
		return "", fmt.Errorf("%s", result.Content)
	}
	return result.Content, nil
}
