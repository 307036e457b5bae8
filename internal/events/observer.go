package events

import "github.com/nugget/mcplink/internal/mcp"

// maxResultText bounds the tool result text copied into an event.
const maxResultText = 2048

// Observer publishes MCP client callbacks onto a Bus.
type Observer struct {
	bus *Bus
}

var _ mcp.Observer = (*Observer)(nil)

// NewObserver returns an mcp.Observer that publishes to bus.
func NewObserver(bus *Bus) *Observer {
	return &Observer{bus: bus}
}

func (o *Observer) ToolCallStart(server, tool string, args map[string]any) {
	o.bus.Emit(SourceMCP, KindToolCallStart, server, "tool", tool, "args", args)
}

func (o *Observer) ToolCallSuccess(server, tool string, result *mcp.CallToolResult) {
	text := result.Text()
	if len(text) > maxResultText {
		text = text[:maxResultText] + "…"
	}
	o.bus.Emit(SourceMCP, KindToolCallSuccess, server, "tool", tool, "result", text)
}

func (o *Observer) ToolCallError(server, tool, errText string) {
	o.bus.Emit(SourceMCP, KindToolCallError, server, "tool", tool, "error", errText)
}

func (o *Observer) Activity(server, text string) {
	o.bus.Emit(SourceMCP, KindActivity, server, "text", text)
}
