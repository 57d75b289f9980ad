package toolhandlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mirahq/mira/internal/mcp"
)

// McpHandler adapts internal/mcp.Manager onto the router's McpHandler
// interface, turning a JSON arguments blob into the map CallTool expects
// and flattening the result's content blocks into plain text.
type McpHandler struct {
	manager *mcp.Manager
}

// NewMcpHandler wraps manager for routing.
func NewMcpHandler(manager *mcp.Manager) *McpHandler {
	return &McpHandler{manager: manager}
}

func (h *McpHandler) CallTool(ctx context.Context, server, tool string, arguments json.RawMessage) (string, error) {
	var args map[string]any
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return "", fmt.Errorf("invalid parameters: %w", err)
		}
	}

	result, err := h.manager.CallTool(ctx, server, tool, args)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, block := range result.Content {
		switch block.Type {
		case "text":
			b.WriteString(block.Text)
		case "resource":
			fmt.Fprintf(&b, "[resource %s]", block.MimeType)
		default:
			fmt.Fprintf(&b, "[%s]", block.Type)
		}
		b.WriteString("\n")
	}
	text := strings.TrimRight(b.String(), "\n")
	if result.IsError {
		return "", fmt.Errorf("mcp tool %s.%s: %s", server, tool, text)
	}
	return text, nil
}
