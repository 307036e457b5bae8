package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/nugget/mcplink/internal/mcp"
)

// ServerTool is a tool tagged with the server that offers it.
type ServerTool struct {
	Server string `json:"server"`
	mcp.Tool
}

// QualifiedName returns the namespaced name of the tool. See ToolName.
func (t ServerTool) QualifiedName() string {
	return ToolName(t.Server, t.Name)
}

// AllTools lists the tools of every connected server, ordered by
// server name. A server that fails to list is logged and skipped; its
// error is returned alongside the tools that were found.
func (o *Orchestrator) AllTools(ctx context.Context) ([]ServerTool, error) {
	servers := o.ConnectedServers()
	o.logger.Debug("discovering tools from connected MCP servers", "servers", len(servers))

	var (
		out  []ServerTool
		errs []error
	)
	for _, server := range servers {
		tools, err := o.ListTools(ctx, server)
		if err != nil {
			o.logger.Warn("error discovering MCP tools", "mcp_server", server, "error", err)
			errs = append(errs, fmt.Errorf("list tools on %s: %w", server, err))
			continue
		}
		for _, t := range tools {
			out = append(out, ServerTool{Server: server, Tool: t})
		}
		o.logger.Debug("found MCP tools", "mcp_server", server, "count", len(tools))
	}
	return out, errors.Join(errs...)
}

// FindTool returns the first connected server's tool with the given
// name. The namespaced form produced by ToolName also matches.
func (o *Orchestrator) FindTool(ctx context.Context, name string) (ServerTool, bool) {
	tools, _ := o.AllTools(ctx)
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	for _, t := range tools {
		if t.QualifiedName() == name {
			return t, true
		}
	}
	return ServerTool{}, false
}

// CallToolByName finds the server offering a tool and calls it there.
func (o *Orchestrator) CallToolByName(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	t, ok := o.FindTool(ctx, name)
	if !ok {
		o.logger.Warn("MCP tool not found", "tool", name)
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	o.logger.Info("calling MCP tool", "tool", t.Name, "mcp_server", t.Server)
	return o.CallTool(ctx, t.Server, t.Name, args)
}

// ToolsDescription renders the connected tools as a markdown block to
// append to a language model's system prompt. It is empty when no
// tools are available.
func (o *Orchestrator) ToolsDescription(ctx context.Context) string {
	tools, err := o.AllTools(ctx)
	if err != nil {
		o.logger.Debug("tool description is partial", "error", err)
	}
	return DescribeTools(tools)
}

// DescribeTools renders tools in the ToolsDescription format.
func DescribeTools(tools []ServerTool) string {
	if len(tools) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n\nYou have access to the following MCP tools:\n\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "**%s** (from %s): %s\n", t.Name, t.Server, t.Description)
		if props, ok := t.InputSchema["properties"].(map[string]any); ok {
			b.WriteString("  Parameters: ")
			names := make([]string, 0, len(props))
			for p := range props {
				names = append(names, p)
			}
			slices.Sort(names)
			for _, p := range names {
				b.WriteString(p + " ")
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("When a user request would benefit from these tools, call them using the format: **TOOL_CALL: tool_name {\"param\": \"value\"}**\n")
	b.WriteString("You will receive the tool results and can incorporate them into your response.\n")
	return b.String()
}

// ToolCall is a tool invocation found in model output.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Raw       string         `json:"raw"`
}

var toolCallRe = regexp.MustCompile(`\*\*TOOL_CALL:\s*(\w+)\s*(\{[^}]*\})\*\*`)

// ParseToolCalls extracts **TOOL_CALL: name {json}** markers from a
// message, in order. Markers whose arguments are not a JSON object are
// skipped.
func ParseToolCalls(message string) []ToolCall {
	var calls []ToolCall
	for _, m := range toolCallRe.FindAllStringSubmatch(message, -1) {
		var args map[string]any
		if err := json.Unmarshal([]byte(m[2]), &args); err != nil {
			continue
		}
		calls = append(calls, ToolCall{Name: m[1], Arguments: args, Raw: m[0]})
	}
	return calls
}

var toolKeywords = []string{
	"search", "find", "file", "directory", "list", "read", "write",
	"browse", "web", "internet", "github", "repository", "code",
}

// WantsTools reports whether a user message mentions something the
// common MCP servers can help with.
func WantsTools(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range toolKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// ToolName generates a namespaced tool name, "mcp_{server}_{tool}",
// for hosts that register MCP tools alongside their own. Both parts
// are sanitized to lowercase alphanumerics and underscores.
func ToolName(server, tool string) string {
	return fmt.Sprintf("mcp_%s_%s", sanitize(server), sanitize(tool))
}

// sanitize lowercases name, maps everything else to underscores,
// collapses runs of underscores and trims them from both ends.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = sanitizeRe.ReplaceAllString(s, "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}
