package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mcplink/internal/buildinfo"
)

// levelTrace matches config.LevelTrace; frame dumps are logged there.
const levelTrace = slog.Level(-8)

// shutdownTimeout bounds the courtesy shutdown request on disconnect.
const shutdownTimeout = 5 * time.Second

// RequestHandler answers server-initiated requests the client does
// not handle itself. Returning an *RPCError sends that error object;
// any other error becomes an internal error.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// StateFunc is called after every state transition.
type StateFunc func(server string, from, to State)

// ClientConfig configures a [Client].
type ClientConfig struct {
	// Name is the catalog name of the server.
	Name string

	// Transport carries frames to and from the server.
	Transport Transport

	// Logger is the structured logger; it is scoped with the server name.
	Logger *slog.Logger

	// Observer receives tool-call and activity reports. Nil discards them.
	Observer Observer

	// RequestTimeout bounds each request. Zero means DefaultRequestTimeout.
	RequestTimeout time.Duration

	// ClientInfo identifies this client during initialization.
	// Zero means "mcplink" at the build version.
	ClientInfo Implementation

	// Roots are returned to servers that ask via roots/list.
	Roots []Root

	// RequestHandler answers server requests other than ping and
	// roots/list. Nil answers them with method-not-found.
	RequestHandler RequestHandler

	// OnStateChange, if set, is called after every transition.
	OnStateChange StateFunc
}

// Client connects to a single MCP server. It drives the connection
// state machine, owns the receive loop that routes inbound frames, and
// exposes the tool, resource and prompt managers.
//
// Requests issued while the client is not Connected fail immediately
// with [ErrInvalidState]; they are never queued.
type Client struct {
	name       string
	transport  Transport
	logger     *slog.Logger
	observer   Observer
	timeout    time.Duration
	clientInfo Implementation
	roots      []Root
	handler    RequestHandler
	onState    StateFunc
	corr       *correlator

	tools     *ToolManager
	resources *ResourceManager
	prompts   *PromptManager

	lifecycle sync.Mutex // serializes Connect and Disconnect

	mu        sync.RWMutex
	state     State
	init      *InitializeResult
	sessionID string
	lastErr   error

	cancel context.CancelFunc
	tasks  sync.WaitGroup
}

// NewClient creates a client in the Disconnected state.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mcp_server", cfg.Name)

	observer := cfg.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	info := cfg.ClientInfo
	if info.Name == "" {
		info = Implementation{Name: buildinfo.Name, Version: buildinfo.Version}
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	c := &Client{
		name:       cfg.Name,
		transport:  cfg.Transport,
		logger:     logger,
		observer:   observer,
		timeout:    timeout,
		clientInfo: info,
		roots:      cfg.Roots,
		handler:    cfg.RequestHandler,
		onState:    cfg.OnStateChange,
		corr:       newCorrelator(logger),
	}
	c.tools = &ToolManager{client: c}
	c.resources = &ResourceManager{client: c}
	c.prompts = &PromptManager{client: c}
	return c
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string { return c.name }

// Tools returns the tool manager.
func (c *Client) Tools() *ToolManager { return c.tools }

// Resources returns the resource manager.
func (c *Client) Resources() *ResourceManager { return c.resources }

// Prompts returns the prompt manager.
func (c *Client) Prompts() *PromptManager { return c.prompts }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError returns the failure that most recently moved the client
// to Error, if any.
func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// SessionID identifies the current connection attempt in logs and
// events. It changes on every Connect.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// ServerInfo returns the identity the server reported during
// initialization. It is zero before the first successful handshake.
func (c *Client) ServerInfo() Implementation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.init == nil {
		return Implementation{}
	}
	return c.init.ServerInfo
}

// ServerCapabilities returns the capabilities negotiated for the
// current connection.
func (c *Client) ServerCapabilities() Capabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.init == nil {
		return Capabilities{}
	}
	return c.init.Capabilities
}

// ProtocolVersion returns the protocol version the server agreed to.
func (c *Client) ProtocolVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.init == nil {
		return ""
	}
	return c.init.ProtocolVersion
}

// Instructions returns the server's usage instructions, if it sent any.
func (c *Client) Instructions() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.init == nil {
		return ""
	}
	return c.init.Instructions
}

// Connect brings the transport up, performs the initialize handshake
// and sends the initialized notification. The client is Connected only
// when all three succeed; any failure leaves it in Error with the
// transport closed. Connect may be called again from Disconnected or
// Error when the transport supports restarting; a stdio transport is
// bound to one process and fails to start once closed.
func (c *Client) Connect(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	st := c.State()
	if st != Disconnected && st != Error {
		return fmt.Errorf("connect %s while %s: %w", c.name, st, ErrInvalidState)
	}
	if st == Error {
		// The failed session may still hold its transport and loop.
		c.teardown()
	}
	if err := c.transition(Connecting, nil); err != nil {
		return err
	}

	c.mu.Lock()
	c.init = nil
	c.lastErr = nil
	c.sessionID = uuid.NewString()
	c.mu.Unlock()
	c.corr.reset()
	c.invalidateCaches()

	c.logger.Debug("connecting to MCP server", "session_id", c.SessionID())

	if err := c.transport.Start(ctx); err != nil {
		c.fail(err)
		return fmt.Errorf("connect %s: %w", c.name, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.tasks.Add(1)
	go c.receiveLoop(loopCtx)

	if err := c.transition(Initializing, nil); err != nil {
		// The receive loop saw the transport die first.
		c.teardown()
		return &InitError{Server: c.name, Err: c.errOr(err)}
	}

	result, err := c.handshake(ctx)
	if err != nil {
		c.fail(err)
		c.teardown()
		return &InitError{Server: c.name, Err: err}
	}

	c.mu.Lock()
	c.init = result
	c.mu.Unlock()

	if err := c.notify(ctx, MethodInitialized, nil); err != nil {
		err = fmt.Errorf("send initialized notification: %w", err)
		c.fail(err)
		c.teardown()
		return &InitError{Server: c.name, Err: err}
	}

	if err := c.transition(Connected, nil); err != nil {
		c.teardown()
		return &InitError{Server: c.name, Err: c.errOr(err)}
	}

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
		"capabilities", result.Capabilities.Names(),
	)
	return nil
}

// handshake sends initialize and validates the reply.
func (c *Client) handshake(ctx context.Context) (*InitializeResult, error) {
	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities: Capabilities{
			Roots:    &RootsCapability{ListChanged: true},
			Sampling: &SamplingCapability{},
		},
		ClientInfo: c.clientInfo,
	}

	var result InitializeResult
	if err := c.roundTrip(ctx, MethodInitialize, params, &result); err != nil {
		return nil, err
	}
	if err := result.validate(); err != nil {
		return nil, err
	}
	if result.ProtocolVersion != ProtocolVersion {
		c.logger.Warn("MCP server negotiated a different protocol version",
			"requested", ProtocolVersion,
			"negotiated", result.ProtocolVersion,
		)
	}
	return &result, nil
}

// Disconnect shuts the connection down. From Connected it sends a
// best-effort shutdown request first; its outcome does not matter.
// The client always ends Disconnected unless it was mid-connect.
func (c *Client) Disconnect(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	st := c.State()
	if st == Disconnected {
		return nil
	}

	if st == Connected {
		if err := c.transition(ShuttingDown, nil); err == nil {
			sctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			if err := c.roundTrip(sctx, MethodShutdown, nil, nil); err != nil {
				c.logger.Debug("MCP shutdown request failed", "error", err)
			}
			cancel()

			c.teardown()
			if err := c.transition(Disconnected, nil); err != nil {
				return err
			}
			c.logger.Info("MCP client disconnected")
			return nil
		}
		st = c.State()
	}

	if st != Error {
		return fmt.Errorf("disconnect %s while %s: %w", c.name, st, ErrInvalidState)
	}
	c.teardown()
	if err := c.transition(Disconnected, nil); err != nil {
		return err
	}
	c.logger.Info("MCP client disconnected after error")
	return nil
}

// teardown closes the transport and joins every task the connection
// owns. Callers hold c.lifecycle.
func (c *Client) teardown() {
	if err := c.transport.Close(); err != nil {
		c.logger.Debug("close MCP transport", "error", err)
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.tasks.Wait()
	c.corr.failAll(ErrTransportClosed)
}

// Ping checks whether the MCP server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.request(ctx, MethodPing, nil, nil)
}

// Call issues an arbitrary request and decodes its result into out,
// which may be nil.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	return c.request(ctx, method, params, out)
}

// Notify sends an arbitrary notification.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	if err := c.connectedErr(method); err != nil {
		return err
	}
	return c.notify(ctx, method, params)
}

// SetLogLevel asks the server to adjust the verbosity of the log
// notifications it sends.
func (c *Client) SetLogLevel(ctx context.Context, level string) error {
	if c.ServerCapabilities().Logging == nil {
		return capabilityError(c.name, "logging")
	}
	return c.request(ctx, MethodLoggingSetLevel, map[string]string{"level": level}, nil)
}

// request is the gate every public call passes through.
func (c *Client) request(ctx context.Context, method string, params, out any) error {
	if err := c.connectedErr(method); err != nil {
		return err
	}
	return c.roundTrip(ctx, method, params, out)
}

// connectedErr returns an ErrInvalidState error unless the client is
// Connected.
func (c *Client) connectedErr(method string) error {
	if st := c.State(); st != Connected {
		return fmt.Errorf("%s on %s while %s: %w", method, c.name, st, ErrInvalidState)
	}
	return nil
}

// roundTrip sends one request and decodes the result. Protocol-level
// errors are returned as *RPCError.
func (c *Client) roundTrip(ctx context.Context, method string, params, out any) error {
	req, err := NewRequest(c.corr.next(), method, params)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.corr.sendAndWait(ctx, req, c.timeout, c.send)
	if err != nil {
		return err
	}
	c.logger.Log(ctx, levelTrace, "MCP response",
		"method", method,
		"id", req.ID.String(),
		"elapsed", time.Since(start),
		"result", string(resp.Result),
	)
	if resp.Error != nil {
		return resp.Error
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	n, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", method, err)
	}
	return c.send(ctx, frame)
}

// send writes a frame. A transport-level failure poisons the
// connection.
func (c *Client) send(ctx context.Context, frame []byte) error {
	c.logger.Log(ctx, levelTrace, "MCP send", "frame", string(frame))
	err := c.transport.Send(ctx, frame)
	var terr *TransportError
	if errors.As(err, &terr) {
		c.fail(err)
		c.corr.failAll(fmt.Errorf("%w: %v", ErrTransportClosed, err))
	}
	return err
}

// receiveLoop is the only reader of the transport. It runs until the
// transport reports an error or EOF.
func (c *Client) receiveLoop(ctx context.Context) {
	defer c.tasks.Done()

	for {
		frame, err := c.transport.Receive()
		if err != nil {
			c.transportLost(err)
			return
		}
		c.logger.Log(ctx, levelTrace, "MCP receive", "frame", string(frame))

		msg, err := ParseMessage(frame)
		if err != nil {
			c.logger.Warn("discarding malformed MCP frame", "error", err)
			continue
		}

		switch msg.Kind {
		case KindResponse:
			c.corr.resolve(msg.Response)
		case KindNotification:
			c.handleNotification(msg.Notification)
		case KindRequest:
			c.tasks.Add(1)
			go c.handleRequest(ctx, msg.Request)
		}
	}
}

func (c *Client) transportLost(err error) {
	cause := err
	if errors.Is(err, io.EOF) {
		cause = ErrTransportClosed
	}
	c.corr.failAll(fmt.Errorf("%w: %v", ErrTransportClosed, err))

	switch st := c.State(); st {
	case Connecting, Initializing, Connected:
		c.logger.Warn("MCP transport lost", "state", st.String(), "error", err)
		c.fail(cause)
	default:
		c.logger.Debug("MCP transport closed", "state", st.String())
	}
}

// handleRequest answers one server-initiated request.
func (c *Client) handleRequest(ctx context.Context, req *Request) {
	defer c.tasks.Done()

	var (
		result any
		rpcErr *RPCError
	)
	switch req.Method {
	case MethodPing:
		result = struct{}{}
	case MethodRootsList:
		roots := c.roots
		if roots == nil {
			roots = []Root{}
		}
		result = map[string]any{"roots": roots}
	default:
		if c.handler == nil {
			rpcErr = &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + req.Method}
			break
		}
		r, err := c.handler(ctx, req.Method, req.Params)
		if err != nil {
			if !errors.As(err, &rpcErr) {
				rpcErr = &RPCError{Code: CodeInternalError, Message: err.Error()}
			}
			break
		}
		result = r
	}

	var resp *Response
	if rpcErr != nil {
		resp = &Response{ID: req.ID, Error: rpcErr}
	} else {
		var err error
		if resp, err = NewResultResponse(req.ID, result); err != nil {
			resp = NewErrorResponse(req.ID, CodeInternalError, err.Error())
		}
	}

	frame, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("marshal MCP response", "method", req.Method, "error", err)
		return
	}
	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.transport.Send(sctx, frame); err != nil {
		c.logger.Debug("reply to MCP server request failed", "method", req.Method, "error", err)
	}
}

// handleNotification routes one server notification. It runs on the
// receive goroutine and must not block.
func (c *Client) handleNotification(n *Notification) {
	switch n.Method {
	case MethodToolsListChanged, legacyToolsListChanged:
		c.tools.Invalidate()
		c.logger.Info("MCP tool list changed")
		c.observer.Activity(c.name, "Tool list changed")
	case MethodResourcesListChanged, legacyResourcesListChanged:
		c.resources.Invalidate()
		c.logger.Info("MCP resource list changed")
		c.observer.Activity(c.name, "Resource list changed")
	case MethodPromptsListChanged, legacyPromptsListChanged:
		c.prompts.Invalidate()
		c.logger.Info("MCP prompt list changed")
		c.observer.Activity(c.name, "Prompt list changed")
	case MethodResourceUpdated:
		var p struct {
			URI string `json:"uri"`
		}
		_ = json.Unmarshal(n.Params, &p)
		c.observer.Activity(c.name, "Resource updated: "+p.URI)
	case MethodLogMessage:
		c.logServerMessage(n.Params)
	case MethodProgress:
		var p Progress
		if err := json.Unmarshal(n.Params, &p); err != nil {
			c.logger.Debug("malformed progress notification", "error", err)
			return
		}
		c.observer.Activity(c.name, progressText(p))
	case MethodCancelled:
		c.logger.Debug("MCP server cancelled a request", "params", string(n.Params))
	default:
		c.logger.Debug("unhandled MCP notification", "method", n.Method)
		c.observer.Activity(c.name, "Notification: "+n.Method)
	}
}

func progressText(p Progress) string {
	text := fmt.Sprintf("Progress: %g", p.Progress)
	if p.Total > 0 {
		text = fmt.Sprintf("Progress: %g/%g", p.Progress, p.Total)
	}
	if p.Message != "" {
		text += " " + p.Message
	}
	return text
}

// logServerMessage maps MCP syslog-style levels onto slog.
func (c *Client) logServerMessage(params json.RawMessage) {
	var m LogMessage
	if err := json.Unmarshal(params, &m); err != nil {
		c.logger.Debug("malformed log notification", "error", err)
		return
	}
	level := slog.LevelInfo
	switch m.Level {
	case "debug":
		level = slog.LevelDebug
	case "notice", "info":
		level = slog.LevelInfo
	case "warning":
		level = slog.LevelWarn
	case "error", "critical", "alert", "emergency":
		level = slog.LevelError
	}
	c.logger.Log(context.Background(), level, "MCP server log",
		"logger", m.Logger,
		"data", string(m.Data),
	)
}

// transition applies from → to if the edge is legal. cause, when
// non-nil, is recorded as the reason for entering Error.
func (c *Client) transition(to State, cause error) error {
	c.mu.Lock()
	from := c.state
	if !CanTransition(from, to) {
		c.mu.Unlock()
		return fmt.Errorf("%s: %s → %s: %w", c.name, from, to, ErrInvalidState)
	}
	c.state = to
	if to == Error {
		c.lastErr = cause
	}
	c.mu.Unlock()

	c.logger.Debug("MCP connection state changed", "from", from.String(), "to", to.String())
	if c.onState != nil {
		c.onState(c.name, from, to)
	}
	return nil
}

// fail moves the client to Error if it is in a state that can fail.
func (c *Client) fail(cause error) {
	switch c.State() {
	case Connecting, Initializing, Connected:
		_ = c.transition(Error, cause)
	}
}

// errOr returns the recorded failure, or err when there is none.
func (c *Client) errOr(err error) error {
	if last := c.LastError(); last != nil {
		return last
	}
	return err
}

func (c *Client) invalidateCaches() {
	c.tools.Invalidate()
	c.resources.Invalidate()
	c.prompts.Invalidate()
}
