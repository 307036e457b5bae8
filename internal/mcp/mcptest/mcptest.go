// Package mcptest provides a scripted in-process MCP server for tests.
// A [Server] answers the lifecycle, tool, resource and prompt methods
// from static data. It can be reached through an in-memory
// [mcp.Transport] via [Server.Transport], or over newline-delimited
// stdio via [Server.Serve] from a helper subprocess.
package mcptest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/nugget/mcplink/internal/mcp"
)

// ToolFunc handles a tools/call for one tool.
type ToolFunc func(args map[string]any) (*mcp.CallToolResult, error)

// Server is a scripted MCP server. Configure the exported fields
// before the first request; they are read without locking.
type Server struct {
	// Info is returned in the initialize result. Zero means
	// "mcptest" version "1.0.0".
	Info mcp.Implementation

	// Capabilities overrides the advertised capabilities. When nil
	// they are derived from which of Tools, Resources and Prompts
	// are set.
	Capabilities *mcp.Capabilities

	// Tools are listed by tools/list. Calls go to ToolHandlers by
	// name; a listed tool without a handler echoes its arguments.
	Tools        []mcp.Tool
	ToolHandlers map[string]ToolFunc

	// Resources are listed by resources/list; Contents holds the
	// text returned by resources/read per URI.
	Resources []mcp.Resource
	Contents  map[string]string

	// Prompts are listed by prompts/list; PromptText is the message
	// returned by prompts/get per prompt name.
	Prompts    []mcp.Prompt
	PromptText map[string]string

	// InitError, when set, is returned for initialize.
	InitError *mcp.RPCError

	mu     sync.Mutex
	counts map[string]int
}

// Count returns how many requests or notifications with the given
// method the server has seen.
func (s *Server) Count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[method]
}

func (s *Server) record(method string) {
	s.mu.Lock()
	if s.counts == nil {
		s.counts = make(map[string]int)
	}
	s.counts[method]++
	s.mu.Unlock()
}

// Handle processes one inbound frame and returns the reply frame, or
// nil when the frame needs no reply.
func (s *Server) Handle(frame []byte) []byte {
	msg, err := mcp.ParseMessage(frame)
	if err != nil {
		return nil
	}
	switch msg.Kind {
	case mcp.KindNotification:
		s.record(msg.Notification.Method)
		return nil
	case mcp.KindRequest:
	default:
		return nil
	}

	req := msg.Request
	s.record(req.Method)

	var resp *mcp.Response
	result, rpcErr := s.dispatch(req)
	if rpcErr != nil {
		resp = mcp.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message)
	} else if resp, err = mcp.NewResultResponse(req.ID, result); err != nil {
		resp = mcp.NewErrorResponse(req.ID, mcp.CodeInternalError, err.Error())
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return nil
	}
	return out
}

func (s *Server) dispatch(req *mcp.Request) (any, *mcp.RPCError) {
	switch req.Method {
	case mcp.MethodInitialize:
		if s.InitError != nil {
			return nil, s.InitError
		}
		return s.initializeResult(), nil

	case mcp.MethodPing, mcp.MethodShutdown:
		return struct{}{}, nil

	case mcp.MethodToolsList:
		return map[string]any{"tools": orEmpty(s.Tools)}, nil

	case mcp.MethodToolsCall:
		var p struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: err.Error()}
		}
		if fn, ok := s.ToolHandlers[p.Name]; ok {
			res, err := fn(p.Arguments)
			if err != nil {
				return &mcp.CallToolResult{
					Content: []mcp.ContentBlock{{Type: "text", Text: err.Error()}},
					IsError: true,
				}, nil
			}
			return res, nil
		}
		for _, t := range s.Tools {
			if t.Name == p.Name {
				args, _ := json.Marshal(p.Arguments)
				return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: string(args)}}}, nil
			}
		}
		return nil, &mcp.RPCError{Code: mcp.CodeToolNotFound, Message: "unknown tool: " + p.Name}

	case mcp.MethodResourcesList:
		return map[string]any{"resources": orEmpty(s.Resources)}, nil

	case mcp.MethodResourcesRead:
		var p struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: err.Error()}
		}
		text, ok := s.Contents[p.URI]
		if !ok {
			return nil, &mcp.RPCError{Code: mcp.CodeResourceNotFound, Message: "no such resource: " + p.URI}
		}
		return map[string]any{"contents": []mcp.ResourceContents{{URI: p.URI, MimeType: "text/plain", Text: text}}}, nil

	case mcp.MethodPromptsList:
		return map[string]any{"prompts": orEmpty(s.Prompts)}, nil

	case mcp.MethodPromptsGet:
		var p struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: err.Error()}
		}
		text, ok := s.PromptText[p.Name]
		if !ok {
			return nil, &mcp.RPCError{Code: mcp.CodePromptNotFound, Message: "no such prompt: " + p.Name}
		}
		return &mcp.GetPromptResult{Messages: []mcp.PromptMessage{{
			Role:    "user",
			Content: mcp.ContentBlock{Type: "text", Text: text},
		}}}, nil
	}
	return nil, &mcp.RPCError{Code: mcp.CodeMethodNotFound, Message: "method not found: " + req.Method}
}

func (s *Server) initializeResult() mcp.InitializeResult {
	info := s.Info
	if info.Name == "" {
		info = mcp.Implementation{Name: "mcptest", Version: "1.0.0"}
	}
	var caps mcp.Capabilities
	if s.Capabilities != nil {
		caps = *s.Capabilities
	} else {
		if s.Tools != nil {
			caps.Tools = &mcp.ToolsCapability{ListChanged: true}
		}
		if s.Resources != nil {
			caps.Resources = &mcp.ResourcesCapability{ListChanged: true}
		}
		if s.Prompts != nil {
			caps.Prompts = &mcp.PromptsCapability{ListChanged: true}
		}
	}
	return mcp.InitializeResult{
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities:    caps,
		ServerInfo:      info,
	}
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// Serve reads newline-delimited frames from r and writes replies to w
// until r reaches EOF or ctx ends.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		reply := s.Handle(scanner.Bytes())
		if reply == nil {
			continue
		}
		if _, err := w.Write(append(reply, '\n')); err != nil {
			return fmt.Errorf("write reply: %w", err)
		}
	}
	return scanner.Err()
}

// Transport returns a new in-memory connection to the server. Each
// call returns an independent connection.
func (s *Server) Transport() *Conn {
	return &Conn{
		server:  s,
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

// Conn is an in-memory [mcp.Transport] whose peer is a [Server].
type Conn struct {
	server *Server

	mu       sync.Mutex
	startErr error

	inbound   chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

var _ mcp.Transport = (*Conn)(nil)

// FailStart makes the next Start return err.
func (c *Conn) FailStart(err error) {
	c.mu.Lock()
	c.startErr = err
	c.mu.Unlock()
}

// Start implements [mcp.Transport].
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return &mcp.TransportError{Op: "connect", Err: c.startErr}
	}
	select {
	case <-c.closed:
		return &mcp.TransportError{Op: "connect", Err: mcp.ErrTransportClosed}
	default:
	}
	return nil
}

// Send implements [mcp.Transport]. Replies are queued for Receive.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return mcp.ErrTransportClosed
	default:
	}
	reply := c.server.Handle(frame)
	if reply == nil {
		return nil
	}
	select {
	case c.inbound <- reply:
		return nil
	case <-c.closed:
		return mcp.ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Push delivers a server-initiated frame, such as a notification.
func (c *Conn) Push(method string, params any) error {
	n, err := mcp.NewNotification(method, params)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(n)
	if err != nil {
		return err
	}
	select {
	case c.inbound <- frame:
		return nil
	case <-c.closed:
		return mcp.ErrTransportClosed
	}
}

// Receive implements [mcp.Transport].
func (c *Conn) Receive() ([]byte, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

// Close implements [mcp.Transport]. It also simulates the server
// going away when called by a test.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// ErrRefused is a convenience error for scripted start failures.
var ErrRefused = errors.New("connection refused")
