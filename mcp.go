package mcp

import (
	"context"
	"iter"
)

// ServerTransport provides the server-side communication layer.
type ServerTransport interface {
	// Sessions yields a Session for every client that connects, each with an id no other live
	// session shares. The iteration ends once Shutdown is called, or when the transport can
	// produce no more sessions.
	Sessions() iter.Seq[Session]

	// Shutdown releases the transport and waits for the Sessions iteration to end. Sessions are
	// stopped by the caller beforehand, and Shutdown is called once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer.
type ClientTransport interface {
	// StartSession opens the connection to the server and returns the Session used to exchange
	// messages with it. It returns once the session is ready to send, or with an error if the
	// server cannot be reached.
	StartSession(ctx context.Context) (Session, error)
}

// Session is one client connection, seen from either end.
//
// Messages sent through one Session are delivered in the order Send was called.
type Session interface {
	// ID identifies the session in logs and, for SSE, in the POST endpoint.
	ID() string

	// Send transmits a message to the other party.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages yields what the other party sends, in arrival order.
	// The iteration ends when the underlying stream reaches its end or the session is stopped.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop closes the session and releases the resources it holds. It is safe to call more
	// than once, and from any goroutine; an in-progress Messages iteration is unblocked.
	Stop()
}

// ToolServer is what the protocol engine dispatches to. ToolRegistry is the implementation used by
// the binaries; tests may substitute their own.
type ToolServer interface {
	// List returns every tool definition in registration order.
	List() []Tool

	// Invoke validates the arguments and calls the named tool. Errors are *UnknownToolError,
	// *InvalidArgumentsError or *ToolExecutionError.
	Invoke(ctx context.Context, name string, args map[string]any) (CallToolResult, error)
}
