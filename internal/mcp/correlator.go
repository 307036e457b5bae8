package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRequestTimeout bounds a request when the caller supplies none.
const DefaultRequestTimeout = 30 * time.Second

// waitResult is delivered to exactly one pending waiter.
type waitResult struct {
	resp *Response
	err  error
}

// correlator matches responses to in-flight requests by id. Each
// request has at most one pending entry; entries are removed on every
// exit path, so a response that arrives late finds nothing and is
// dropped.
type correlator struct {
	logger *slog.Logger
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[ID]chan waitResult
	failed  error // set once the transport is gone
}

func newCorrelator(logger *slog.Logger) *correlator {
	return &correlator{
		logger:  logger,
		pending: make(map[ID]chan waitResult),
	}
}

// next returns a fresh request id.
func (c *correlator) next() ID {
	return Int64ID(c.nextID.Add(1))
}

// reset clears the terminal failure so the correlator can serve a new
// connection. Ids keep increasing across reconnects.
func (c *correlator) reset() {
	c.mu.Lock()
	c.failed = nil
	c.mu.Unlock()
}

func (c *correlator) register(id ID) (chan waitResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed != nil {
		return nil, c.failed
	}
	if _, dup := c.pending[id]; dup {
		return nil, fmt.Errorf("request id %s already in flight", id)
	}
	ch := make(chan waitResult, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *correlator) remove(id ID) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// sendAndWait registers a waiter for req, transmits it with send, and
// blocks until the matching response, the timeout, cancellation of
// ctx, or transport failure. Only the calling goroutine waits; the
// connection keeps serving other requests.
func (c *correlator) sendAndWait(ctx context.Context, req *Request, timeout time.Duration, send func(context.Context, []byte) error) (*Response, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	frame, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", req.Method, err)
	}

	ch, err := c.register(req.ID)
	if err != nil {
		return nil, err
	}
	defer c.remove(req.ID)

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := send(sendCtx, frame); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.resp, res.err
	case <-timer.C:
		c.logger.Debug("MCP request timed out", "method", req.Method, "id", req.ID.String(), "timeout", timeout)
		return nil, fmt.Errorf("%s (id %s) after %s: %w", req.Method, req.ID, timeout, ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve hands resp to its waiter. It reports false when no request
// with that id is pending; such responses are dropped.
func (c *correlator) resolve(resp *Response) bool {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping response for unknown request id", "id", resp.ID.String())
		return false
	}
	ch <- waitResult{resp: resp}
	return true
}

// failAll wakes every waiter with err and rejects new registrations
// until reset.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = err
	for id, ch := range c.pending {
		ch <- waitResult{err: err}
		delete(c.pending, id)
	}
}

// inFlight returns the number of pending requests.
func (c *correlator) inFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
