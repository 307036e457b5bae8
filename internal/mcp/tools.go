package mcp

import (
	"context"
	"fmt"
)

// ToolManager lists and calls tools on one server. The first page of
// tools/list is cached until the server announces a change.
type ToolManager struct {
	client *Client
	cache  listCache[Tool]
}

// List returns one page of tools. An empty cursor is served from the
// cache when it is valid.
func (m *ToolManager) List(ctx context.Context, cursor string) (Page[Tool], error) {
	if err := m.require(); err != nil {
		return Page[Tool]{}, err
	}
	return m.cache.list(ctx, m.client, MethodToolsList, "tools", cursor)
}

// All returns every tool across all pages.
func (m *ToolManager) All(ctx context.Context) ([]Tool, error) {
	if err := m.require(); err != nil {
		return nil, err
	}
	tools, err := m.cache.all(ctx, m.client, MethodToolsList, "tools")
	if err != nil {
		return nil, err
	}
	m.client.logger.Debug("discovered MCP tools", "count", len(tools))
	return tools, nil
}

// Invalidate drops the cached tool list.
func (m *ToolManager) Invalidate() {
	m.cache.invalidate()
}

// Call invokes a tool. The observer hears about the call before it is
// sent and again when it succeeds or fails. A result flagged isError
// is returned together with a [*ToolError].
func (m *ToolManager) Call(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	server := m.client.name
	obs := m.client.observer

	obs.ToolCallStart(server, name, args)
	obs.Activity(server, "Calling tool: "+name)

	fail := func(err error) error {
		obs.ToolCallError(server, name, err.Error())
		obs.Activity(server, "Tool call failed: "+err.Error())
		return err
	}

	if err := m.require(); err != nil {
		return nil, fail(err)
	}

	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	var result CallToolResult
	if err := m.client.request(ctx, MethodToolsCall, params, &result); err != nil {
		return nil, fail(fmt.Errorf("tools/call %s: %w", name, err))
	}

	if result.IsError {
		text := result.Text()
		obs.ToolCallError(server, name, text)
		obs.Activity(server, "Tool call failed: "+text)
		return &result, &ToolError{Tool: name, Text: text, Result: &result}
	}

	obs.ToolCallSuccess(server, name, &result)
	obs.Activity(server, "Tool call completed: "+name)
	return &result, nil
}

func (m *ToolManager) require() error {
	if m.client.ServerCapabilities().Tools == nil {
		if err := m.client.connectedErr(MethodToolsList); err != nil {
			return err
		}
		return capabilityError(m.client.name, "tools")
	}
	return nil
}
