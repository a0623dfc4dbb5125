package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client is the consuming side of a tool server session. It runs the handshake, lists tools and
// calls them. Requests may be issued from any number of goroutines; each gets an id from a
// monotonically increasing counter and waits for the response carrying that id.
//
// Instances must be created with NewClient, connected with Connect and released with Close.
type Client struct {
	info      Info
	transport ClientTransport

	requestTimeout time.Duration
	logger         *slog.Logger

	session Session

	nextID    atomic.Int64
	unmatched atomic.Int64

	mu      sync.Mutex
	pending map[RequestID]chan JSONRPCMessage

	serverInfo         Info
	serverCapabilities ServerCapabilities
	protocolVersion    string
	instructions       string

	connected  bool
	closeOnce  sync.Once
	closed     chan struct{}
	listenDone chan struct{}
}

// NewClient creates a client identified by info that talks over transport.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:       info,
		transport:  transport,
		logger:     slog.Default(),
		pending:    make(map[RequestID]chan JSONRPCMessage),
		closed:     make(chan struct{}),
		listenDone: make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "mcp-toolserver"),
			slog.String("component", "client"),
		)
	}
}

// WithClientRequestTimeout bounds how long a single request waits for its response. Zero, the
// default, leaves it to the caller's context.
func WithClientRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// Connect starts the transport session and performs the initialize handshake. It must be called
// once, before any other request.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return errors.New("client already connected")
	}
	select {
	case <-c.closed:
		c.mu.Unlock()
		return ErrSessionClosed
	default:
	}
	c.connected = true
	c.mu.Unlock()

	session, err := c.transport.StartSession(ctx)
	if err != nil {
		close(c.listenDone)
		var tErr *TransportError
		if errors.As(err, &tErr) {
			return err
		}
		return &TransportError{Op: "start session", Cause: err}
	}
	c.mu.Lock()
	c.session = session
	c.logger = c.logger.With(slog.String("sessionID", session.ID()))
	c.mu.Unlock()

	go c.listen()

	var result initializeResult
	err = c.request(ctx, methodInitialize, initializeParams{
		ProtocolVersion: LatestProtocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      c.info,
	}, &result)
	if err != nil {
		return errors.Wrap(err, "failed to initialize")
	}

	if !slices.Contains(supportedProtocolVersions, result.ProtocolVersion) {
		return &ProtocolError{Reason: fmt.Sprintf("server replied with unsupported protocol version %q", result.ProtocolVersion)}
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.protocolVersion = result.ProtocolVersion
	c.instructions = result.Instructions
	c.mu.Unlock()

	if err := c.notify(ctx, methodNotificationsInitialized); err != nil {
		return errors.Wrap(err, "failed to send initialized notification")
	}

	c.logger.Info("connected",
		slog.String("serverName", result.ServerInfo.Name),
		slog.String("serverVersion", result.ServerInfo.Version),
		slog.String("protocolVersion", result.ProtocolVersion))

	return nil
}

// ServerInfo returns the server's info from the handshake.
func (c *Client) ServerInfo() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Instructions returns the server's instructions from the handshake, if any.
func (c *Client) Instructions() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instructions
}

// UnmatchedResponses returns how many responses arrived with an id that matched no outstanding
// request.
func (c *Client) UnmatchedResponses() int64 {
	return c.unmatched.Load()
}

// ListTools returns the server's tools in their registration order.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var result ListToolsResult
	if err := c.request(ctx, MethodToolsList, ListToolsParams{}, &result); err != nil {
		return nil, errors.Wrap(err, "failed to list tools")
	}
	return result.Tools, nil
}

// CallTool invokes the named tool. A tool that failed while running is reported in the result with
// IsError set; unknown tools and invalid arguments are returned as JSONRPCError.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (CallToolResult, error) {
	var result CallToolResult
	err := c.request(ctx, MethodToolsCall, CallToolParams{
		Name:      name,
		Arguments: args,
	}, &result)
	if err != nil {
		return CallToolResult{}, errors.Wrapf(err, "failed to call tool %s", name)
	}
	return result, nil
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	var result struct{}
	if err := c.request(ctx, methodPing, nil, &result); err != nil {
		return errors.Wrap(err, "failed to ping server")
	}
	return nil
}

// Close stops the transport session. Pending requests fail with ErrSessionClosed, as does every
// request made afterwards.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		session := c.session
		c.mu.Unlock()
		if session == nil {
			return
		}
		session.Stop()
		<-c.listenDone
	})
}

func (c *Client) request(ctx context.Context, method string, params any, result any) error {
	select {
	case <-c.closed:
		return ErrSessionClosed
	default:
	}
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return &TransportError{Op: "send", Cause: errors.New("client is not connected")}
	}

	var paramsBs json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return errors.Wrap(err, "failed to marshal params")
		}
		paramsBs = bs
	}

	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	id := NumberID(c.nextID.Add(1))
	results := make(chan JSONRPCMessage, 1)

	c.mu.Lock()
	c.pending[id] = results
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  paramsBs,
	}
	if err := session.Send(ctx, msg); err != nil {
		return c.sendError(err)
	}

	var resp JSONRPCMessage
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrSessionClosed
	case <-c.listenDone:
		// The response may have landed just before the stream ended.
		select {
		case resp = <-results:
		default:
			return &TransportError{Op: "receive", Cause: errors.New("transport closed before response")}
		}
	case resp = <-results:
	}

	if resp.Error != nil {
		return *resp.Error
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("invalid %s result", method), Cause: err}
	}
	return nil
}

func (c *Client) notify(ctx context.Context, method string) error {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if err := c.session.Send(ctx, msg); err != nil {
		return c.sendError(err)
	}
	return nil
}

func (c *Client) sendError(err error) error {
	select {
	case <-c.closed:
		return ErrSessionClosed
	default:
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var tErr *TransportError
	if errors.As(err, &tErr) {
		return err
	}
	return &TransportError{Op: "send", Cause: err}
}

func (c *Client) listen() {
	defer close(c.listenDone)

	for msg := range c.session.Messages() {
		if msg.Method != "" {
			c.handleServerMessage(msg)
			continue
		}

		c.mu.Lock()
		results, ok := c.pending[msg.ID]
		c.mu.Unlock()
		if !ok {
			c.unmatched.Add(1)
			err := &ProtocolError{Reason: fmt.Sprintf("response id %s matches no outstanding request", msg.ID.String())}
			c.logger.Warn("dropping response", slog.String("err", err.Error()))
			continue
		}

		// Buffered with room for exactly one response; a duplicate is dropped.
		select {
		case results <- msg:
		default:
			c.logger.Warn("dropping duplicate response", slog.String("id", msg.ID.String()))
		}
	}
}

func (c *Client) handleServerMessage(msg JSONRPCMessage) {
	if msg.ID == "" {
		c.logger.Debug("ignoring notification", slog.String("method", msg.Method))
		return
	}

	var resp JSONRPCMessage
	if msg.Method == methodPing {
		resp = *resultResponse(msg.ID, struct{}{})
	} else {
		resp = *errorResponse(msg.ID, jsonRPCMethodNotFoundCode, fmt.Sprintf("method not found: %s", msg.Method), nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.session.Send(ctx, resp); err != nil {
		c.logger.Error("failed to answer server request",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
	}
}
