package mcp

import (
	"context"
	"fmt"
)

// PromptManager lists and renders prompts on one server.
type PromptManager struct {
	client *Client
	cache  listCache[Prompt]
}

// List returns one page of prompts.
func (m *PromptManager) List(ctx context.Context, cursor string) (Page[Prompt], error) {
	if err := m.require(); err != nil {
		return Page[Prompt]{}, err
	}
	return m.cache.list(ctx, m.client, MethodPromptsList, "prompts", cursor)
}

// All returns every prompt across all pages.
func (m *PromptManager) All(ctx context.Context) ([]Prompt, error) {
	if err := m.require(); err != nil {
		return nil, err
	}
	return m.cache.all(ctx, m.client, MethodPromptsList, "prompts")
}

// Get renders a prompt with the given arguments.
func (m *PromptManager) Get(ctx context.Context, name string, args map[string]string) (*GetPromptResult, error) {
	if err := m.require(); err != nil {
		return nil, err
	}
	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}
	var result GetPromptResult
	if err := m.client.request(ctx, MethodPromptsGet, params, &result); err != nil {
		return nil, fmt.Errorf("prompts/get %s: %w", name, err)
	}
	return &result, nil
}

// Invalidate drops the cached prompt list.
func (m *PromptManager) Invalidate() {
	m.cache.invalidate()
}

func (m *PromptManager) require() error {
	if m.client.ServerCapabilities().Prompts == nil {
		if err := m.client.connectedErr(MethodPromptsList); err != nil {
			return err
		}
		return capabilityError(m.client.name, "prompts")
	}
	return nil
}
