package mcp

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Sentinel errors of the taxonomy. Typed errors below match them through errors.Is, so callers can
// branch on the category without caring about the details.
var (
	// ErrDuplicateTool is returned by Register when the tool name is already taken.
	ErrDuplicateTool = errors.New("duplicate tool")
	// ErrUnknownTool is returned by Invoke when no tool with the requested name is registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments is returned by Invoke when the arguments do not satisfy the input schema.
	ErrInvalidArguments = errors.New("invalid arguments")
	// ErrToolExecution is returned by Invoke when the tool handler fails.
	ErrToolExecution = errors.New("tool execution failed")
	// ErrSessionClosed is returned for any request issued on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrTransport is matched by every TransportError.
	ErrTransport = errors.New("transport error")
	// ErrProtocol is matched by every ProtocolError.
	ErrProtocol = errors.New("protocol error")
)

// UnknownToolError reports an invocation of a name that is not registered.
type UnknownToolError struct {
	Name string
}

// InvalidArgumentsError reports arguments that failed input schema validation. Missing lists the
// required fields that were absent, Problems the remaining violations (wrong primitive types).
type InvalidArgumentsError struct {
	Tool     string
	Missing  []string
	Problems []string
}

// ToolExecutionError wraps a failure raised by a tool handler.
type ToolExecutionError struct {
	Tool  string
	Cause error
}

// TransportError reports that the underlying transport is unavailable or closed mid-request.
type TransportError struct {
	Op    string
	Cause error
}

// ProtocolError reports a response that cannot be parsed or does not correlate to an outstanding
// request.
type ProtocolError struct {
	Reason string
	Cause  error
}

func (e *UnknownToolError) Error() string { return fmt.Sprintf("unknown tool: %s", e.Name) }

// Is reports whether target is ErrUnknownTool.
func (e *UnknownToolError) Is(target error) bool { return target == ErrUnknownTool }

func (e *InvalidArgumentsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing required arguments: %s", strings.Join(e.Missing, ", ")))
	}
	parts = append(parts, e.Problems...)
	return fmt.Sprintf("invalid arguments for tool %s: %s", e.Tool, strings.Join(parts, "; "))
}

// Is reports whether target is ErrInvalidArguments.
func (e *InvalidArgumentsError) Is(target error) bool { return target == ErrInvalidArguments }

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s execution failed: %v", e.Tool, e.Cause)
}

// Is reports whether target is ErrToolExecution.
func (e *ToolExecutionError) Is(target error) bool { return target == ErrToolExecution }

func (e *ToolExecutionError) Unwrap() error { return e.Cause }

// SafeMessage returns the part of the failure that may be shown to a remote caller: the hints the
// handler attached with errors.WithHint, or a generic message when there are none.
func (e *ToolExecutionError) SafeMessage() string {
	hints := errors.GetAllHints(e.Cause)
	if len(hints) == 0 {
		return ErrToolExecution.Error()
	}
	return fmt.Sprintf("%s: %s", ErrToolExecution.Error(), strings.Join(hints, "; "))
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s: %v", e.Op, e.Cause)
}

// Is reports whether target is ErrTransport.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func (e *TransportError) Unwrap() error { return e.Cause }

func (e *ProtocolError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("protocol error: %s", e.Reason)
	}
	return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Cause)
}

// Is reports whether target is ErrProtocol.
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

func (e *ProtocolError) Unwrap() error { return e.Cause }
