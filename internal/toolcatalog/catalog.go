// Package toolcatalog builds the agent.Tool list the Operation Engine
// offers a provider for a turn. Each static entry's Execute delegates
// straight back to the shared tools.Router rather than duplicating a
// family handler's logic, so the schema advertised to the provider and
// the call the router actually serves never drift apart; the engine
// itself dispatches chosen calls through the router directly and never
// calls these Execute methods, but the method still has to be correct
// for the type to satisfy agent.Tool outside that fast path.
package toolcatalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/mirahq/mira/internal/agent"
	"github.com/mirahq/mira/internal/mcp"
	"github.com/mirahq/mira/internal/tools"
	"github.com/mirahq/mira/pkg/models"
)

// Catalog supplies operation.Engine's Catalog contract.
type Catalog struct {
	router *tools.Router
	mcp    *mcp.Manager
}

// New builds a Catalog over router's static registry and, when mcpMgr is
// non-nil, every tool currently exposed by connected MCP servers.
func New(router *tools.Router, mcpMgr *mcp.Manager) *Catalog {
	return &Catalog{router: router, mcp: mcpMgr}
}

// AsLLMTools implements operation.Catalog.
func (c *Catalog) AsLLMTools() []agent.Tool {
	result := make([]agent.Tool, 0, len(staticDefs))
	for _, d := range staticDefs {
		result = append(result, &routedTool{
			name:        d.name,
			description: d.description,
			schema:      json.RawMessage(d.schema),
			router:      c.router,
		})
	}

	if c.mcp == nil {
		return result
	}

	allTools := c.mcp.AllTools()
	serverIDs := make([]string, 0, len(allTools))
	for id := range allTools {
		serverIDs = append(serverIDs, id)
	}
	sort.Strings(serverIDs)

	for _, serverID := range serverIDs {
		entries := allTools[serverID]
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		for _, t := range entries {
			safe := mcpToolName(serverID, t.Name)
			result = append(result, mcp.NewToolBridge(c.mcp, serverID, t, safe))
		}
	}
	return result
}

// Summaries describes every tool currently registered, static and MCP alike,
// for chat-level introspection (e.g. the /tools command).
func (c *Catalog) Summaries() []models.ToolSummary {
	out := make([]models.ToolSummary, 0, len(staticDefs))
	for _, d := range staticDefs {
		out = append(out, models.ToolSummary{
			Name:        d.name,
			Description: d.description,
			Schema:      json.RawMessage(d.schema),
			Source:      "router",
			Canonical:   d.name,
		})
	}
	if c.mcp != nil {
		out = append(out, mcp.ToolSummaries(c.mcp)...)
	}
	return out
}

// mcpToolName builds the "mcp__{server}__{tool}" name internal/tools.Router's
// dispatch expects, sanitizing both halves to plain identifier characters so
// the "__" separator it splits on never appears inside either half.
func mcpToolName(serverID, toolName string) string {
	return fmt.Sprintf("mcp__%s__%s", sanitizeIdentifier(serverID), sanitizeIdentifier(toolName))
}

func sanitizeIdentifier(value string) string {
	var b strings.Builder
	underscore := false
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			underscore = false
			continue
		}
		if !underscore {
			b.WriteByte('_')
			underscore = true
		}
	}
	clean := strings.Trim(b.String(), "_")
	if clean == "" {
		return "tool"
	}
	return clean
}

// routedTool advertises one of tools.Router's static registry entries.
type routedTool struct {
	name        string
	description string
	schema      json.RawMessage
	router      *tools.Router
}

func (t *routedTool) Name() string           { return t.name }
func (t *routedTool) Description() string     { return t.description }
func (t *routedTool) Schema() json.RawMessage { return t.schema }

func (t *routedTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	result, err := t.router.Route(ctx, t.name, params)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{Content: result.Content}, nil
}
