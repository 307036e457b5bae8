package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

// Page is one page of a paginated list result.
type Page[T any] struct {
	Items      []T
	NextCursor string
}

// listCache holds the first page of a list method. Invalidation bumps
// a generation counter so a fetch that raced with a list-changed
// notification is not stored.
type listCache[T any] struct {
	mu    sync.Mutex
	valid bool
	page  Page[T]
	gen   uint64
}

func (lc *listCache[T]) get() (Page[T], bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if !lc.valid {
		return Page[T]{}, false
	}
	return Page[T]{Items: slices.Clone(lc.page.Items), NextCursor: lc.page.NextCursor}, true
}

func (lc *listCache[T]) generation() uint64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.gen
}

func (lc *listCache[T]) store(gen uint64, p Page[T]) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if gen != lc.gen {
		return false
	}
	lc.page = Page[T]{Items: slices.Clone(p.Items), NextCursor: p.NextCursor}
	lc.valid = true
	return true
}

func (lc *listCache[T]) invalidate() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.valid = false
	lc.page = Page[T]{}
	lc.gen++
}

// list serves the first page from cache when possible. A non-empty
// cursor always goes to the server and is never cached.
func (lc *listCache[T]) list(ctx context.Context, c *Client, method, field, cursor string) (Page[T], error) {
	if cursor != "" {
		return fetchPage[T](ctx, c, method, field, cursor)
	}
	if p, ok := lc.get(); ok {
		return p, nil
	}

	gen := lc.generation()
	p, err := fetchPage[T](ctx, c, method, field, "")
	if err != nil {
		return Page[T]{}, err
	}
	if !lc.store(gen, p) {
		c.logger.Debug("list changed during fetch, not caching", "method", method)
	}
	return p, nil
}

// all walks every page, starting from the cached first page.
func (lc *listCache[T]) all(ctx context.Context, c *Client, method, field string) ([]T, error) {
	p, err := lc.list(ctx, c, method, field, "")
	if err != nil {
		return nil, err
	}
	items := p.Items
	seen := map[string]bool{}
	for cursor := p.NextCursor; cursor != ""; cursor = p.NextCursor {
		if seen[cursor] {
			return nil, fmt.Errorf("%s: server repeated cursor %q", method, cursor)
		}
		seen[cursor] = true
		if p, err = fetchPage[T](ctx, c, method, field, cursor); err != nil {
			return nil, err
		}
		items = append(items, p.Items...)
	}
	return items, nil
}

// fetchPage issues one list request. The result object carries the
// items under field and an optional nextCursor.
func fetchPage[T any](ctx context.Context, c *Client, method, field, cursor string) (Page[T], error) {
	var params any
	if cursor != "" {
		params = map[string]string{"cursor": cursor}
	}

	var raw map[string]json.RawMessage
	if err := c.request(ctx, method, params, &raw); err != nil {
		return Page[T]{}, fmt.Errorf("%s: %w", method, err)
	}

	var p Page[T]
	if items, ok := raw[field]; ok {
		if err := json.Unmarshal(items, &p.Items); err != nil {
			return Page[T]{}, fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	if next, ok := raw["nextCursor"]; ok {
		if err := json.Unmarshal(next, &p.NextCursor); err != nil {
			return Page[T]{}, fmt.Errorf("unmarshal %s nextCursor: %w", method, err)
		}
	}
	return p, nil
}
