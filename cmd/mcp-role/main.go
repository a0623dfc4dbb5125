// Command mcp-role connects to a tool server, lists its tools and exercises the demo tools, logging
// every result. By default it starts mcp-server as a child process and talks to it over stdio; with
// --server-url it connects to a running server over SSE instead.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/TangGee/mcp-toolserver"
	"github.com/TangGee/mcp-toolserver/internal/config"
	"github.com/cockroachdb/errors"
)

const roleVersion = "1.0.0"

// role is the agent side: it only knows the Client contract.
type role struct {
	name   string
	client *mcp.Client
	logger *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "mcp-role: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.LoadRole(args)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.Logger(os.Stderr)
	if err != nil {
		return err
	}

	transport := newTransport(cfg, logger)
	client := mcp.NewClient(
		mcp.Info{Name: "MCPAgent", Version: roleVersion},
		transport,
		mcp.WithClientLogger(logger),
		mcp.WithClientRequestTimeout(cfg.RequestTimeout),
	)
	defer client.Close()

	r := role{name: "MCPAgent", client: client}
	r.logger = logger.With(slog.String("role", r.name))
	return r.run(ctx)
}

func newTransport(cfg config.RoleConfig, logger *slog.Logger) mcp.ClientTransport {
	if cfg.ServerURL != "" {
		return mcp.NewSSEClient(cfg.ServerURL, http.DefaultClient, mcp.WithSSEClientLogger(logger))
	}
	return mcp.NewStdIOCommand(cfg.ServerCommand, []string{"--transport", config.TransportStdIO},
		mcp.WithStdIOCommandLogger(logger))
}

func (r role) run(ctx context.Context) error {
	r.logger.Info("starting integrated role")

	if err := r.client.Connect(ctx); err != nil {
		return errors.Wrap(err, "failed to connect")
	}
	r.logger.Info("connected to server", slog.String("server", r.client.ServerInfo().Name))

	if err := r.listTools(ctx); err != nil {
		return err
	}

	// Tool failures are logged and do not stop the role.
	r.callTool(ctx, "add_numbers", map[string]any{"a": 2, "b": 3})
	r.callTool(ctx, "greeting", map[string]any{"name": "Alice"})

	return nil
}

func (r role) listTools(ctx context.Context) error {
	tools, err := r.client.ListTools(ctx)
	if err != nil {
		return err
	}
	r.logger.Info("available tools", slog.Int("count", len(tools)))
	for _, t := range tools {
		r.logger.Info("tool", slog.String("name", t.Name), slog.String("description", t.Description))
	}
	return nil
}

func (r role) callTool(ctx context.Context, name string, args map[string]any) {
	result, err := r.client.CallTool(ctx, name, args)
	if err != nil {
		var rpcErr mcp.JSONRPCError
		if errors.As(err, &rpcErr) {
			r.logger.Error("tool call rejected",
				slog.String("tool", name),
				slog.Int("code", rpcErr.Code),
				slog.String("message", rpcErr.Message))
			return
		}
		r.logger.Error("tool call failed", slog.String("tool", name), slog.String("err", err.Error()))
		return
	}

	text := ""
	if len(result.Content) > 0 {
		text = result.Content[0].Text
	}
	if result.IsError {
		r.logger.Error("tool reported an error", slog.String("tool", name), slog.String("message", text))
		return
	}
	r.logger.Info("tool result", slog.String("tool", name), slog.String("text", text))
}
