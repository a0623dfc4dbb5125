// Package mcp implements a minimal tool-invocation server speaking the Model Context Protocol
// method set (initialize, ping, tools/list, tools/call) over JSON-RPC 2.0.
//
// A ToolRegistry holds the tools. Each tool is a definition with a JSON input schema plus a
// handler, and arguments are validated against the schema before the handler runs. A Server
// dispatches the sessions of a ServerTransport to the registry; StdIO and SSEServer are the two
// transports. Client is the consuming side and works over StdIO, StdIOCommand or SSEClient.
//
// A stdio server:
//
//	reg := mcp.NewToolRegistry()
//	tool, handler := mcp.NewTypedTool("greeting", "Get a personalized greeting",
//		func(_ context.Context, args struct {
//			Name string `json:"name"`
//		}) (mcp.CallToolResult, error) {
//			return mcp.TextResultf("Hello, %s!", args.Name), nil
//		})
//	reg.MustRegister(tool, handler)
//
//	srv := mcp.NewServer(mcp.Info{Name: "demo", Version: "1.0"}, mcp.NewStdIO(os.Stdin, os.Stdout), reg)
//	srv.Serve()
//
// Handler errors never reach the client verbatim. The client sees a result with IsError set and the
// hints attached with errors.WithHint from github.com/cockroachdb/errors, or a generic message.
package mcp
