package toolhandlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mirahq/mira/internal/tools/exec"
)

// ExternalHandler serves the "execute_command" family, shelling out
// through exec.Manager within the router's current access-mode root.
type ExternalHandler struct {
	mu      sync.RWMutex
	manager *exec.Manager
}

// NewExternalHandler builds an ExternalHandler rooted at workspace.
func NewExternalHandler(workspace string) *ExternalHandler {
	h := &ExternalHandler{}
	h.SetRoot(workspace)
	return h
}

// SetRoot reconfigures the underlying exec manager's workspace.
func (h *ExternalHandler) SetRoot(root string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.manager = exec.NewManager(root)
}

// Execute runs a shell command. The router injects working_directory into
// the arguments when one wasn't already present.
func (h *ExternalHandler) Execute(ctx context.Context, internalName string, arguments json.RawMessage) (string, error) {
	if internalName != "execute_command" {
		return "", fmt.Errorf("toolhandlers: unknown external internal name %q", internalName)
	}

	var input struct {
		Command          string            `json:"command"`
		WorkingDirectory string            `json:"working_directory"`
		Env              map[string]string `json:"env"`
		Input            string            `json:"input"`
		TimeoutSeconds   int               `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(arguments, &input); err != nil {
		return "", fmt.Errorf("invalid parameters: %w", err)
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return "", fmt.Errorf("command is required")
	}

	timeout := time.Duration(input.TimeoutSeconds) * time.Second

	h.mu.RLock()
	manager := h.manager
	h.mu.RUnlock()

	result, err := manager.RunCommand(ctx, command, input.WorkingDirectory, input.Env, input.Input, timeout)
	if err != nil {
		return "", err
	}

	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(payload), nil
}
