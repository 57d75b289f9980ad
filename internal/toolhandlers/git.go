package toolhandlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mirahq/mira/internal/tools/exec"
)

// GitHandler serves the git family by shelling the git binary inside a
// fixed project root. The root is set once at construction: the router
// never calls SetRoot on the git family (tools.GitHandler is a plain
// Handler, not a RootSetter), since git operations always target the
// project that owns the session rather than an access-mode-scoped path.
type GitHandler struct {
	manager *exec.Manager
}

// NewGitHandler builds a GitHandler rooted at projectDir.
func NewGitHandler(projectDir string) *GitHandler {
	return &GitHandler{manager: exec.NewManager(projectDir)}
}

const gitTimeout = 30 * time.Second

func (h *GitHandler) Execute(ctx context.Context, internalName string, arguments json.RawMessage) (string, error) {
	switch internalName {
	case "status":
		return h.run(ctx, "git status --porcelain=v1 --branch")
	case "diff":
		return h.runWithPath(ctx, "git diff", arguments)
	case "log":
		return h.runLog(ctx, arguments)
	case "branch":
		return h.run(ctx, "git branch --all -vv")
	case "commit":
		return h.runCommit(ctx, arguments)
	default:
		return "", fmt.Errorf("toolhandlers: unknown git internal name %q", internalName)
	}
}

func (h *GitHandler) run(ctx context.Context, command string) (string, error) {
	result, err := h.manager.RunCommand(ctx, command, "", nil, "", gitTimeout)
	if err != nil {
		return "", err
	}
	return resultText(result)
}

func (h *GitHandler) runWithPath(ctx context.Context, base string, arguments json.RawMessage) (string, error) {
	var input struct {
		Path string `json:"path"`
	}
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &input); err != nil {
			return "", fmt.Errorf("invalid parameters: %w", err)
		}
	}
	command := base
	if strings.TrimSpace(input.Path) != "" {
		command += " -- " + shellQuote(input.Path)
	}
	return h.run(ctx, command)
}

func (h *GitHandler) runLog(ctx context.Context, arguments json.RawMessage) (string, error) {
	var input struct {
		Limit int `json:"limit"`
	}
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &input); err != nil {
			return "", fmt.Errorf("invalid parameters: %w", err)
		}
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}
	command := fmt.Sprintf("git log -n %d --pretty=format:'%%H %%ad %%an %%s' --date=iso-strict", limit)
	return h.run(ctx, command)
}

func (h *GitHandler) runCommit(ctx context.Context, arguments json.RawMessage) (string, error) {
	var input struct {
		Message string `json:"message"`
		All     bool   `json:"all"`
	}
	if err := json.Unmarshal(arguments, &input); err != nil {
		return "", fmt.Errorf("invalid parameters: %w", err)
	}
	message := strings.TrimSpace(input.Message)
	if message == "" {
		return "", fmt.Errorf("message is required")
	}

	command := "git commit -m " + shellQuote(message)
	if input.All {
		command = "git commit -a -m " + shellQuote(message)
	}
	return h.run(ctx, command)
}

func resultText(result exec.ExecResult) (string, error) {
	if result.ExitCode != 0 {
		return "", fmt.Errorf("git exited %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return result.Stdout, nil
}

// shellQuote wraps s in single quotes for the /bin/sh -c command line
// exec.Manager builds, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
