package mcp

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
)

type mockToolServer struct {
	tools  []Tool
	invoke func(ctx context.Context, name string, args map[string]any) (CallToolResult, error)
}

type mockSession struct {
	id       string
	in       chan JSONRPCMessage
	out      chan JSONRPCMessage
	done     chan struct{}
	stopOnce sync.Once
}

type mockServerTransport struct {
	sessions chan Session
	done     chan struct{}
	once     sync.Once
}

func (m *mockToolServer) List() []Tool {
	return m.tools
}

func (m *mockToolServer) Invoke(ctx context.Context, name string, args map[string]any) (CallToolResult, error) {
	return m.invoke(ctx, name, args)
}

func newMockSession(id string) *mockSession {
	return &mockSession{
		id:   id,
		in:   make(chan JSONRPCMessage),
		out:  make(chan JSONRPCMessage, 10),
		done: make(chan struct{}),
	}
}

func (m *mockSession) ID() string { return m.id }

func (m *mockSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-m.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	case m.out <- msg:
		return nil
	}
}

func (m *mockSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-m.done:
				return
			case msg := <-m.in:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (m *mockSession) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

func (m *mockSession) receive(t *testing.T) JSONRPCMessage {
	t.Helper()
	select {
	case msg := <-m.out:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for response")
	}
	return JSONRPCMessage{}
}

func newMockServerTransport() *mockServerTransport {
	return &mockServerTransport{
		sessions: make(chan Session),
		done:     make(chan struct{}),
	}
}

func (m *mockServerTransport) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		for {
			select {
			case <-m.done:
				return
			case s := <-m.sessions:
				if !yield(s) {
					return
				}
			}
		}
	}
}

func (m *mockServerTransport) Shutdown(context.Context) error {
	m.once.Do(func() { close(m.done) })
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServerSession(ts ToolServer) *serverSession {
	return &serverSession{
		session:      newMockSession("test"),
		logger:       discardLogger(),
		serverInfo:   Info{Name: "test-server", Version: "1.0"},
		capabilities: ServerCapabilities{Tools: &ToolsCapability{}},
		toolServer:   ts,
		sendTimeout:  time.Second,
	}
}

func request(t *testing.T, id int64, method string, params any) JSONRPCMessage {
	t.Helper()
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      NumberID(id),
		Method:  method,
	}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("failed to marshal params: %v", err)
		}
		msg.Params = bs
	}
	return msg
}

func initializeRequest(t *testing.T, id int64, version string) JSONRPCMessage {
	return request(t, id, methodInitialize, initializeParams{
		ProtocolVersion: version,
		ClientInfo:      Info{Name: "test-client", Version: "0.1"},
	})
}

func mustHandle(t *testing.T, s *serverSession, msg JSONRPCMessage) *JSONRPCMessage {
	t.Helper()
	resp, err := s.handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return resp
}

func errorCode(t *testing.T, resp *JSONRPCMessage) int {
	t.Helper()
	if resp == nil {
		t.Fatal("expected a response")
	}
	if resp.Error == nil {
		t.Fatalf("expected an error response, got result %s", resp.Result)
	}
	return resp.Error.Code
}

func initialized(t *testing.T, ts ToolServer) *serverSession {
	t.Helper()
	s := newTestServerSession(ts)
	resp := mustHandle(t, s, initializeRequest(t, 1, LatestProtocolVersion))
	if resp == nil || resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp)
	}
	return s
}

func TestServerSessionHandshake(t *testing.T) {
	ts := &mockToolServer{tools: []Tool{{Name: "echo"}}}
	s := newTestServerSession(ts)

	var readyInfo Info
	s.onReady = func(info Info) { readyInfo = info }

	if code := errorCode(t, mustHandle(t, s, request(t, 1, MethodToolsList, nil))); code != jsonRPCNotInitializedCode {
		t.Errorf("tools/list before initialize: got code %d, want %d", code, jsonRPCNotInitializedCode)
	}
	if code := errorCode(t, mustHandle(t, s, request(t, 2, MethodToolsCall, CallToolParams{Name: "echo"}))); code != jsonRPCNotInitializedCode {
		t.Errorf("tools/call before initialize: got code %d, want %d", code, jsonRPCNotInitializedCode)
	}

	pong := mustHandle(t, s, request(t, 3, methodPing, nil))
	if pong == nil || pong.Error != nil {
		t.Errorf("ping before initialize should succeed, got %+v", pong)
	}

	resp := mustHandle(t, s, initializeRequest(t, 4, "2025-03-26"))
	if resp == nil || resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp)
	}
	if resp.ID != NumberID(4) {
		t.Errorf("got id %s, want 4", resp.ID)
	}
	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal initialize result: %v", err)
	}
	want := initializeResult{
		ProtocolVersion: "2025-03-26",
		Capabilities:    ServerCapabilities{Tools: &ToolsCapability{}},
		ServerInfo:      Info{Name: "test-server", Version: "1.0"},
	}
	if diff := cmp.Diff(want, result); diff != "" {
		t.Errorf("initialize result mismatch (-want +got):\n%s", diff)
	}
	if readyInfo.Name != "test-client" {
		t.Errorf("onReady got client %q, want test-client", readyInfo.Name)
	}

	if code := errorCode(t, mustHandle(t, s, initializeRequest(t, 5, LatestProtocolVersion))); code != jsonRPCInvalidRequestCode {
		t.Errorf("repeated initialize: got code %d, want %d", code, jsonRPCInvalidRequestCode)
	}

	list := mustHandle(t, s, request(t, 6, MethodToolsList, nil))
	if list == nil || list.Error != nil {
		t.Fatalf("tools/list failed: %+v", list)
	}
	var listResult ListToolsResult
	if err := json.Unmarshal(list.Result, &listResult); err != nil {
		t.Fatalf("failed to unmarshal tools/list result: %v", err)
	}
	if len(listResult.Tools) != 1 || listResult.Tools[0].Name != "echo" {
		t.Errorf("unexpected tools: %+v", listResult.Tools)
	}
}

func TestServerSessionInitializeRejections(t *testing.T) {
	s := newTestServerSession(&mockToolServer{})

	resp := mustHandle(t, s, initializeRequest(t, 1, "1999-01-01"))
	if code := errorCode(t, resp); code != jsonRPCInvalidParamsCode {
		t.Fatalf("got code %d, want %d", code, jsonRPCInvalidParamsCode)
	}
	if resp.Error.Data["requested"] != "1999-01-01" {
		t.Errorf("got data %v, want the requested version", resp.Error.Data)
	}

	bad := JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: NumberID(2), Method: methodInitialize, Params: json.RawMessage(`"bad"`)}
	if code := errorCode(t, mustHandle(t, s, bad)); code != jsonRPCInvalidParamsCode {
		t.Errorf("got code %d, want %d", code, jsonRPCInvalidParamsCode)
	}

	// A rejected handshake leaves the session uninitialized, so the client may retry.
	resp = mustHandle(t, s, initializeRequest(t, 3, LatestProtocolVersion))
	if resp == nil || resp.Error != nil {
		t.Errorf("initialize after rejection failed: %+v", resp)
	}
}

func TestServerSessionDropsMessages(t *testing.T) {
	s := initialized(t, &mockToolServer{})

	tests := []struct {
		name string
		msg  JSONRPCMessage
	}{
		{
			name: "wrong jsonrpc version",
			msg:  JSONRPCMessage{JSONRPC: "1.0", ID: NumberID(2), Method: MethodToolsList},
		},
		{
			name: "response",
			msg:  JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: NumberID(3), Result: json.RawMessage(`{}`)},
		},
		{
			name: "initialized notification",
			msg:  JSONRPCMessage{JSONRPC: JSONRPCVersion, Method: methodNotificationsInitialized},
		},
		{
			name: "unknown notification",
			msg:  JSONRPCMessage{JSONRPC: JSONRPCVersion, Method: "notifications/whatever"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if resp := mustHandle(t, s, tc.msg); resp != nil {
				t.Errorf("expected no response, got %+v", resp)
			}
		})
	}
}

func TestServerSessionUnknownMethod(t *testing.T) {
	s := initialized(t, &mockToolServer{})

	resp := mustHandle(t, s, request(t, 2, "resources/list", nil))
	if code := errorCode(t, resp); code != jsonRPCMethodNotFoundCode {
		t.Errorf("got code %d, want %d", code, jsonRPCMethodNotFoundCode)
	}
}

func TestServerSessionCallTool(t *testing.T) {
	tests := []struct {
		name       string
		params     CallToolParams
		invokeErr  error
		wantCode   int
		wantData   map[string]any
		wantResult CallToolResult
	}{
		{
			name:       "success",
			params:     CallToolParams{Name: "echo", Arguments: map[string]any{"text": "hi"}},
			wantResult: TextResult("hi"),
		},
		{
			name:     "empty tool name",
			params:   CallToolParams{},
			wantCode: jsonRPCInvalidParamsCode,
		},
		{
			name:      "unknown tool",
			params:    CallToolParams{Name: "nope"},
			invokeErr: &UnknownToolError{Name: "nope"},
			wantCode:  jsonRPCInvalidParamsCode,
			wantData:  map[string]any{"tool": "nope"},
		},
		{
			name:      "missing arguments",
			params:    CallToolParams{Name: "echo"},
			invokeErr: &InvalidArgumentsError{Tool: "echo", Missing: []string{"text"}},
			wantCode:  jsonRPCInvalidParamsCode,
			wantData:  map[string]any{"tool": "echo", "missing": []string{"text"}},
		},
		{
			name:      "wrong types",
			params:    CallToolParams{Name: "echo", Arguments: map[string]any{"text": 1}},
			invokeErr: &InvalidArgumentsError{Tool: "echo", Problems: []string{"text: type should be string"}},
			wantCode:  jsonRPCInvalidParamsCode,
			wantData:  map[string]any{"tool": "echo", "problems": []string{"text: type should be string"}},
		},
		{
			name:   "execution error keeps the cause private",
			params: CallToolParams{Name: "echo", Arguments: map[string]any{"text": "hi"}},
			invokeErr: &ToolExecutionError{
				Tool:  "echo",
				Cause: errors.New("dial tcp 10.0.0.3:5432: connection refused"),
			},
			wantResult: CallToolResult{
				Content: []Content{{Type: ContentTypeText, Text: "tool execution failed"}},
				IsError: true,
			},
		},
		{
			name:   "execution error exposes hints",
			params: CallToolParams{Name: "echo", Arguments: map[string]any{"text": "hi"}},
			invokeErr: &ToolExecutionError{
				Tool:  "echo",
				Cause: errors.WithHint(errors.New("quota exceeded for key 42"), "try again later"),
			},
			wantResult: CallToolResult{
				Content: []Content{{Type: ContentTypeText, Text: "tool execution failed: try again later"}},
				IsError: true,
			},
		},
		{
			name:      "unexpected error",
			params:    CallToolParams{Name: "echo"},
			invokeErr: errors.New("boom"),
			wantCode:  jsonRPCInternalErrorCode,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := &mockToolServer{
				invoke: func(_ context.Context, _ string, args map[string]any) (CallToolResult, error) {
					if tc.invokeErr != nil {
						return CallToolResult{}, tc.invokeErr
					}
					return TextResultf("%v", args["text"]), nil
				},
			}
			s := initialized(t, ts)

			resp := mustHandle(t, s, request(t, 2, MethodToolsCall, tc.params))
			if resp == nil {
				t.Fatal("expected a response")
			}
			if resp.ID != NumberID(2) {
				t.Errorf("got id %s, want 2", resp.ID)
			}

			if tc.wantCode != 0 {
				if code := errorCode(t, resp); code != tc.wantCode {
					t.Errorf("got code %d, want %d", code, tc.wantCode)
				}
				if tc.wantData != nil {
					if diff := cmp.Diff(tc.wantData, resp.Error.Data); diff != "" {
						t.Errorf("error data mismatch (-want +got):\n%s", diff)
					}
				}
				return
			}

			if resp.Error != nil {
				t.Fatalf("unexpected error response: %+v", resp.Error)
			}
			var got CallToolResult
			if err := json.Unmarshal(resp.Result, &got); err != nil {
				t.Fatalf("failed to unmarshal result: %v", err)
			}
			if diff := cmp.Diff(tc.wantResult, got); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestServerSessionCallTimeout(t *testing.T) {
	ts := &mockToolServer{
		invoke: func(ctx context.Context, _ string, _ map[string]any) (CallToolResult, error) {
			select {
			case <-ctx.Done():
				return CallToolResult{}, &ToolExecutionError{Tool: "slow", Cause: ctx.Err()}
			case <-time.After(5 * time.Second):
				return TextResult("late"), nil
			}
		},
	}
	s := initialized(t, ts)
	s.callTimeout = 10 * time.Millisecond

	resp := mustHandle(t, s, request(t, 2, MethodToolsCall, CallToolParams{Name: "slow"}))
	if resp == nil || resp.Error != nil {
		t.Fatalf("expected an isError result, got %+v", resp)
	}
	var got CallToolResult
	if err := json.Unmarshal(resp.Result, &got); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if !got.IsError {
		t.Errorf("expected isError result, got %+v", got)
	}
}

func TestServerSessionClosed(t *testing.T) {
	s := initialized(t, &mockToolServer{})
	s.close()

	_, err := s.handle(context.Background(), request(t, 2, MethodToolsList, nil))
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	_, err = s.handle(context.Background(), request(t, 3, methodPing, nil))
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed for ping, got %v", err)
	}
}

func TestServerServeAndShutdown(t *testing.T) {
	transport := newMockServerTransport()
	ts := &mockToolServer{tools: []Tool{{Name: "echo"}}}

	connected := make(chan Info, 1)
	disconnected := make(chan string, 2)
	srv := NewServer(Info{Name: "test-server", Version: "1.0"}, transport, ts,
		WithInstructions("use echo"),
		WithServerLogger(discardLogger()),
		WithServerOnClientConnected(func(_ string, info Info) { connected <- info }),
		WithServerOnClientDisconnected(func(id string) { disconnected <- id }),
	)

	served := make(chan struct{})
	go func() {
		srv.Serve()
		close(served)
	}()

	first := newMockSession("first")
	second := newMockSession("second")
	transport.sessions <- first
	transport.sessions <- second

	first.in <- initializeRequest(t, 1, LatestProtocolVersion)
	resp := first.receive(t)
	if resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp.Error)
	}
	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal initialize result: %v", err)
	}
	if result.Instructions != "use echo" {
		t.Errorf("got instructions %q, want %q", result.Instructions, "use echo")
	}

	select {
	case info := <-connected:
		if info.Name != "test-client" {
			t.Errorf("got client %q, want test-client", info.Name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for connected callback")
	}

	// The second session never initialized, so it is refused tools while the first is served.
	second.in <- request(t, 1, MethodToolsList, nil)
	if resp := second.receive(t); resp.Error == nil || resp.Error.Code != jsonRPCNotInitializedCode {
		t.Errorf("expected not initialized error, got %+v", resp)
	}
	first.in <- request(t, 2, MethodToolsList, nil)
	if resp := first.receive(t); resp.Error != nil {
		t.Errorf("tools/list failed: %+v", resp.Error)
	}

	// A session ending on its own does not affect the others.
	second.Stop()
	select {
	case id := <-disconnected:
		if id != "second" {
			t.Errorf("got disconnected %q, want second", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for disconnected callback")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("failed to shutdown server: %v", err)
	}

	select {
	case id := <-disconnected:
		if id != "first" {
			t.Errorf("got disconnected %q, want first", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for disconnected callback")
	}
	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}

	if err := first.Send(context.Background(), JSONRPCMessage{JSONRPC: JSONRPCVersion, Method: "late"}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed after shutdown, got %v", err)
	}

	// Shutdown may be called again.
	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("second shutdown failed: %v", err)
	}
}
