package mcp

import (
	"context"
	"fmt"
)

// ResourceManager lists, reads and subscribes to resources on one
// server. The first page of resources/list is cached until the server
// announces a change.
type ResourceManager struct {
	client *Client
	cache  listCache[Resource]
}

// List returns one page of resources.
func (m *ResourceManager) List(ctx context.Context, cursor string) (Page[Resource], error) {
	if err := m.require(false); err != nil {
		return Page[Resource]{}, err
	}
	return m.cache.list(ctx, m.client, MethodResourcesList, "resources", cursor)
}

// All returns every resource across all pages.
func (m *ResourceManager) All(ctx context.Context) ([]Resource, error) {
	if err := m.require(false); err != nil {
		return nil, err
	}
	return m.cache.all(ctx, m.client, MethodResourcesList, "resources")
}

// Templates returns one page of resource templates. Templates are not
// cached.
func (m *ResourceManager) Templates(ctx context.Context, cursor string) (Page[ResourceTemplate], error) {
	if err := m.require(false); err != nil {
		return Page[ResourceTemplate]{}, err
	}
	return fetchPage[ResourceTemplate](ctx, m.client, MethodResourceTemplatesList, "resourceTemplates", cursor)
}

// Read fetches the contents of uri.
func (m *ResourceManager) Read(ctx context.Context, uri string) ([]ResourceContents, error) {
	if err := m.require(false); err != nil {
		return nil, err
	}
	var result struct {
		Contents []ResourceContents `json:"contents"`
	}
	if err := m.client.request(ctx, MethodResourcesRead, map[string]string{"uri": uri}, &result); err != nil {
		return nil, fmt.Errorf("resources/read %s: %w", uri, err)
	}
	return result.Contents, nil
}

// Subscribe asks the server to send update notifications for uri.
func (m *ResourceManager) Subscribe(ctx context.Context, uri string) error {
	if err := m.require(true); err != nil {
		return err
	}
	return m.client.request(ctx, MethodResourcesSubscribe, map[string]string{"uri": uri}, nil)
}

// Unsubscribe cancels a Subscribe.
func (m *ResourceManager) Unsubscribe(ctx context.Context, uri string) error {
	if err := m.require(true); err != nil {
		return err
	}
	return m.client.request(ctx, MethodResourcesUnsubscribe, map[string]string{"uri": uri}, nil)
}

// Invalidate drops the cached resource list.
func (m *ResourceManager) Invalidate() {
	m.cache.invalidate()
}

func (m *ResourceManager) require(subscribe bool) error {
	caps := m.client.ServerCapabilities().Resources
	if caps == nil || (subscribe && !caps.Subscribe) {
		if err := m.client.connectedErr(MethodResourcesList); err != nil {
			return err
		}
		if subscribe {
			return capabilityError(m.client.name, "resource subscriptions")
		}
		return capabilityError(m.client.name, "resources")
	}
	return nil
}
