package mcp

// Observer receives tool-call lifecycle and general activity reports
// for presentation. Callbacks run synchronously on the calling
// goroutine and must not block; nothing they do affects the protocol.
type Observer interface {
	ToolCallStart(server, tool string, args map[string]any)
	ToolCallSuccess(server, tool string, result *CallToolResult)
	ToolCallError(server, tool string, errText string)
	Activity(server, text string)
}

// NopObserver discards every report.
type NopObserver struct{}

func (NopObserver) ToolCallStart(string, string, map[string]any) {}
func (NopObserver) ToolCallSuccess(string, string, *CallToolResult) {}
func (NopObserver) ToolCallError(string, string, string) {}
func (NopObserver) Activity(string, string) {}

// ObserverFuncs adapts optional callbacks to [Observer]. Nil fields
// are skipped.
type ObserverFuncs struct {
	OnToolCallStart   func(server, tool string, args map[string]any)
	OnToolCallSuccess func(server, tool string, result *CallToolResult)
	OnToolCallError   func(server, tool string, errText string)
	OnActivity        func(server, text string)
}

func (f ObserverFuncs) ToolCallStart(server, tool string, args map[string]any) {
	if f.OnToolCallStart != nil {
		f.OnToolCallStart(server, tool, args)
	}
}

func (f ObserverFuncs) ToolCallSuccess(server, tool string, result *CallToolResult) {
	if f.OnToolCallSuccess != nil {
		f.OnToolCallSuccess(server, tool, result)
	}
}

func (f ObserverFuncs) ToolCallError(server, tool string, errText string) {
	if f.OnToolCallError != nil {
		f.OnToolCallError(server, tool, errText)
	}
}

func (f ObserverFuncs) Activity(server, text string) {
	if f.OnActivity != nil {
		f.OnActivity(server, text)
	}
}

// MultiObserver fans every report out to each member in order.
type MultiObserver []Observer

func (m MultiObserver) ToolCallStart(server, tool string, args map[string]any) {
	for _, o := range m {
		o.ToolCallStart(server, tool, args)
	}
}

func (m MultiObserver) ToolCallSuccess(server, tool string, result *CallToolResult) {
	for _, o := range m {
		o.ToolCallSuccess(server, tool, result)
	}
}

func (m MultiObserver) ToolCallError(server, tool string, errText string) {
	for _, o := range m {
		o.ToolCallError(server, tool, errText)
	}
}

func (m MultiObserver) Activity(server, text string) {
	for _, o := range m {
		o.Activity(server, text)
	}
}
