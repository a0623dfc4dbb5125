package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server serves the tools of a ToolServer to every session its transport produces. Each session
// runs its own handshake and is processed on its own goroutine; within a session, requests are
// handled one at a time and answered in the order they arrived.
//
// Instances must be created with NewServer, run with Serve and stopped with Shutdown.
type Server struct {
	info         Info
	instructions string
	capabilities ServerCapabilities
	transport    ServerTransport
	toolServer   ToolServer

	callTimeout time.Duration
	sendTimeout time.Duration

	logger *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	mu                sync.Mutex
	sessions          map[string]*serverSession
	sessionsWaitGroup *sync.WaitGroup

	done         chan struct{}
	shutdownOnce sync.Once

	transportOnce sync.Once
	transportErr  error
}

type sessionState int

const (
	sessionUninitialized sessionState = iota
	sessionInitializing
	sessionReady
	sessionClosed
)

type serverSession struct {
	session Session
	logger  *slog.Logger

	serverInfo   Info
	capabilities ServerCapabilities
	instructions string
	toolServer   ToolServer

	callTimeout time.Duration
	sendTimeout time.Duration

	onReady func(Info)

	mu         sync.Mutex
	state      sessionState
	clientInfo Info
}

var defaultServerSendTimeout = 30 * time.Second

// NewServer creates a server that dispatches tools/list and tools/call to tools over the sessions of
// transport.
func NewServer(info Info, transport ServerTransport, tools ToolServer, options ...ServerOption) *Server {
	s := &Server{
		info:              info,
		transport:         transport,
		toolServer:        tools,
		logger:            slog.Default(),
		sessions:          make(map[string]*serverSession),
		sessionsWaitGroup: &sync.WaitGroup{},
		done:              make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}

	s.capabilities = ServerCapabilities{
		Tools: &ToolsCapability{},
	}

	return s
}

// WithInstructions sets the instructions returned to clients in the initialize result.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerCallTimeout sets a deadline on the context handed to tool handlers. Zero, the default,
// means no deadline. Handlers that ignore their context still run to completion.
func WithServerCallTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.callTimeout = timeout
	}
}

// WithServerSendTimeout sets how long the server waits for the transport to accept a response.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerOnClientConnected sets a callback run when a session completes its handshake. It
// receives the session id and the client's info.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets a callback run when a session ends.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "mcp-toolserver"),
			slog.String("component", "server"),
		)
	}
}

// Serve accepts sessions from the transport until its Sessions iteration ends, which happens when
// Shutdown is called or, for the stdio transport, when the single session is over. Serve blocks
// until every session it started has finished.
func (s *Server) Serve() {
	for sess := range s.transport.Sessions() {
		ss := &serverSession{
			session:      sess,
			logger:       s.logger.With(slog.String("sessionID", sess.ID())),
			serverInfo:   s.info,
			capabilities: s.capabilities,
			instructions: s.instructions,
			toolServer:   s.toolServer,
			callTimeout:  s.callTimeout,
			sendTimeout:  s.sendTimeout,
		}
		if s.onClientConnected != nil {
			ss.onReady = func(info Info) { s.onClientConnected(sess.ID(), info) }
		}

		if !s.track(ss) {
			// Shutting down: refuse the session.
			sess.Stop()
			continue
		}

		go func() {
			defer s.sessionsWaitGroup.Done()

			ss.run()

			s.mu.Lock()
			delete(s.sessions, sess.ID())
			s.mu.Unlock()

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(sess.ID())
			}
		}()
	}

	s.sessionsWaitGroup.Wait()
}

// Shutdown stops every session, waits for their goroutines to finish and shuts down the transport.
func (s *Server) Shutdown(ctx context.Context) error {
	var sessions []*serverSession
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		for _, ss := range s.sessions {
			sessions = append(sessions, ss)
		}
		s.mu.Unlock()
	})

	for _, ss := range sessions {
		ss.close()
	}

	waited := make(chan struct{})
	go func() {
		s.sessionsWaitGroup.Wait()
		close(waited)
	}()
	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "failed to wait for sessions")
	case <-waited:
	}

	s.transportOnce.Do(func() {
		s.transportErr = s.transport.Shutdown(ctx)
	})
	if s.transportErr != nil {
		return errors.Wrap(s.transportErr, "failed to shutdown transport")
	}

	return nil
}

func (s *Server) track(ss *serverSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return false
	default:
	}
	s.sessions[ss.session.ID()] = ss
	s.sessionsWaitGroup.Add(1)
	return true
}

// run processes the session's messages sequentially until the transport ends or the session is
// closed.
func (s *serverSession) run() {
	defer s.close()

	s.logger.Info("session started")
	for msg := range s.session.Messages() {
		resp, err := s.handle(context.Background(), msg)
		if err != nil {
			s.logger.Info("dropping message on closed session", slog.String("method", msg.Method))
			return
		}
		if resp == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
		err = s.session.Send(ctx, *resp)
		cancel()
		if err != nil {
			s.logger.Error("failed to send response",
				slog.String("id", resp.ID.String()),
				slog.String("err", err.Error()))
			if errors.Is(err, ErrSessionClosed) {
				return
			}
		}
	}
	s.logger.Info("session ended")
}

func (s *serverSession) close() {
	s.mu.Lock()
	s.state = sessionClosed
	s.mu.Unlock()

	s.session.Stop()
}

func (s *serverSession) currentState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *serverSession) setState(state sessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// handle processes one incoming message and returns the response to send, or nil when the message
// needs none (notifications, malformed envelopes). It fails with ErrSessionClosed once the session
// is closed.
func (s *serverSession) handle(ctx context.Context, msg JSONRPCMessage) (*JSONRPCMessage, error) {
	state := s.currentState()
	if state == sessionClosed {
		return nil, ErrSessionClosed
	}

	if msg.JSONRPC != JSONRPCVersion {
		s.logger.Warn("dropping message with invalid jsonrpc version",
			slog.String("jsonrpc", msg.JSONRPC),
			slog.String("method", msg.Method))
		return nil, nil
	}

	if msg.Method == "" {
		// The server never sends requests, so a response can't be correlated with anything.
		s.logger.Warn("dropping unexpected response", slog.String("id", msg.ID.String()))
		return nil, nil
	}

	if msg.ID == "" {
		s.handleNotification(msg)
		return nil, nil
	}

	logger := s.logger.With(slog.String("method", msg.Method), slog.String("id", msg.ID.String()))

	switch msg.Method {
	case methodInitialize:
		return s.handleInitialize(logger, msg), nil
	case methodPing:
		return resultResponse(msg.ID, struct{}{}), nil
	}

	if state != sessionReady {
		logger.Warn("request before initialization")
		return errorResponse(msg.ID, jsonRPCNotInitializedCode, "session not initialized", nil), nil
	}

	switch msg.Method {
	case MethodToolsList:
		return s.handleListTools(logger, msg), nil
	case MethodToolsCall:
		return s.handleCallTool(ctx, logger, msg), nil
	default:
		logger.Warn("unknown method")
		return errorResponse(msg.ID, jsonRPCMethodNotFoundCode, fmt.Sprintf("method not found: %s", msg.Method), nil), nil
	}
}

func (s *serverSession) handleNotification(msg JSONRPCMessage) {
	switch msg.Method {
	case methodNotificationsInitialized:
		s.logger.Debug("client acknowledged initialization")
	case methodNotificationsCancelled:
		// Requests are handled sequentially, so by the time this arrives the request is done.
		s.logger.Debug("ignoring cancellation")
	default:
		s.logger.Debug("ignoring notification", slog.String("method", msg.Method))
	}
}

func (s *serverSession) handleInitialize(logger *slog.Logger, msg JSONRPCMessage) *JSONRPCMessage {
	if s.currentState() != sessionUninitialized {
		logger.Warn("repeated initialize request")
		return errorResponse(msg.ID, jsonRPCInvalidRequestCode, "session already initialized", nil)
	}

	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		logger.Warn("invalid initialize params", slog.String("err", err.Error()))
		return errorResponse(msg.ID, jsonRPCInvalidParamsCode, fmt.Sprintf("invalid initialize params: %v", err), nil)
	}
	if !slices.Contains(supportedProtocolVersions, params.ProtocolVersion) {
		logger.Warn("unsupported protocol version", slog.String("version", params.ProtocolVersion))
		return errorResponse(msg.ID, jsonRPCInvalidParamsCode, "unsupported protocol version", map[string]any{
			"requested": params.ProtocolVersion,
			"supported": supportedProtocolVersions,
		})
	}

	s.mu.Lock()
	s.state = sessionInitializing
	s.clientInfo = params.ClientInfo
	s.mu.Unlock()

	resp := resultResponse(msg.ID, initializeResult{
		ProtocolVersion: params.ProtocolVersion,
		Capabilities:    s.capabilities,
		ServerInfo:      s.serverInfo,
		Instructions:    s.instructions,
	})

	// Messages are processed one at a time, so nothing else is dispatched before the reply goes out.
	s.setState(sessionReady)
	logger.Info("session initialized",
		slog.String("clientName", params.ClientInfo.Name),
		slog.String("clientVersion", params.ClientInfo.Version),
		slog.String("protocolVersion", params.ProtocolVersion))
	if s.onReady != nil {
		s.onReady(params.ClientInfo)
	}

	return resp
}

func (s *serverSession) handleListTools(logger *slog.Logger, msg JSONRPCMessage) *JSONRPCMessage {
	if len(msg.Params) > 0 {
		var params ListToolsParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			logger.Warn("invalid tools/list params", slog.String("err", err.Error()))
			return errorResponse(msg.ID, jsonRPCInvalidParamsCode, fmt.Sprintf("invalid params: %v", err), nil)
		}
	}

	tools := s.toolServer.List()
	if tools == nil {
		tools = []Tool{}
	}
	return resultResponse(msg.ID, ListToolsResult{Tools: tools})
}

func (s *serverSession) handleCallTool(ctx context.Context, logger *slog.Logger, msg JSONRPCMessage) *JSONRPCMessage {
	var params CallToolParams
	if err := decodeJSON(msg.Params, &params); err != nil {
		logger.Warn("invalid tools/call params", slog.String("err", err.Error()))
		return errorResponse(msg.ID, jsonRPCInvalidParamsCode, fmt.Sprintf("invalid params: %v", err), nil)
	}
	if params.Name == "" {
		return errorResponse(msg.ID, jsonRPCInvalidParamsCode, "tool name is required", nil)
	}

	logger = logger.With(slog.String("tool", params.Name))

	if s.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := s.toolServer.Invoke(ctx, params.Name, params.Arguments)
	elapsed := time.Since(start)
	if err == nil {
		logger.Info("tool called", slog.Duration("elapsed", elapsed))
		return resultResponse(msg.ID, result)
	}

	var unknownErr *UnknownToolError
	var argsErr *InvalidArgumentsError
	var execErr *ToolExecutionError
	switch {
	case errors.As(err, &unknownErr):
		logger.Warn("unknown tool")
		return errorResponse(msg.ID, jsonRPCInvalidParamsCode, unknownErr.Error(), map[string]any{
			"tool": unknownErr.Name,
		})
	case errors.As(err, &argsErr):
		logger.Warn("invalid tool arguments", slog.String("err", argsErr.Error()))
		data := map[string]any{"tool": argsErr.Tool}
		if len(argsErr.Missing) > 0 {
			data["missing"] = argsErr.Missing
		}
		if len(argsErr.Problems) > 0 {
			data["problems"] = argsErr.Problems
		}
		return errorResponse(msg.ID, jsonRPCInvalidParamsCode, argsErr.Error(), data)
	case errors.As(err, &execErr):
		logger.Error("tool execution failed",
			slog.Duration("elapsed", elapsed),
			slog.String("err", fmt.Sprintf("%+v", execErr.Cause)))
		return resultResponse(msg.ID, CallToolResult{
			Content: []Content{{Type: ContentTypeText, Text: execErr.SafeMessage()}},
			IsError: true,
		})
	default:
		logger.Error("tool server failed", slog.String("err", err.Error()))
		return errorResponse(msg.ID, jsonRPCInternalErrorCode, "internal error", nil)
	}
}

func resultResponse(id RequestID, result any) *JSONRPCMessage {
	resBs, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, jsonRPCInternalErrorCode, fmt.Sprintf("failed to marshal result: %v", err), nil)
	}
	return &JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}
}

func errorResponse(id RequestID, code int, message string, data map[string]any) *JSONRPCMessage {
	return &JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}
