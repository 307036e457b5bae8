package orchestrator

import (
	"context"

	"github.com/nugget/mcplink/internal/mcp"
)

// ListTools returns every tool the named server offers.
func (o *Orchestrator) ListTools(ctx context.Context, server string) ([]mcp.Tool, error) {
	c, err := o.client(server)
	if err != nil {
		return nil, err
	}
	return c.Tools().All(ctx)
}

// CallTool invokes a tool on the named server.
func (o *Orchestrator) CallTool(ctx context.Context, server, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	c, err := o.client(server)
	if err != nil {
		return nil, err
	}
	return c.Tools().Call(ctx, tool, args)
}

// ListResources returns every resource the named server offers.
func (o *Orchestrator) ListResources(ctx context.Context, server string) ([]mcp.Resource, error) {
	c, err := o.client(server)
	if err != nil {
		return nil, err
	}
	return c.Resources().All(ctx)
}

// ReadResource reads one resource from the named server.
func (o *Orchestrator) ReadResource(ctx context.Context, server, uri string) ([]mcp.ResourceContents, error) {
	c, err := o.client(server)
	if err != nil {
		return nil, err
	}
	return c.Resources().Read(ctx, uri)
}

// ListPrompts returns every prompt the named server offers.
func (o *Orchestrator) ListPrompts(ctx context.Context, server string) ([]mcp.Prompt, error) {
	c, err := o.client(server)
	if err != nil {
		return nil, err
	}
	return c.Prompts().All(ctx)
}

// GetPrompt renders a prompt on the named server.
func (o *Orchestrator) GetPrompt(ctx context.Context, server, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	c, err := o.client(server)
	if err != nil {
		return nil, err
	}
	return c.Prompts().Get(ctx, name, args)
}
