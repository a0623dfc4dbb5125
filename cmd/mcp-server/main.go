// Command mcp-server serves the demo tools over stdio or SSE.
//
// Usage:
//
//	mcp-server [--transport stdio|sse] [--port 8000] [--tools "add_*,greeting"]
//
// Every flag can also be set through the environment, see internal/config.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TangGee/mcp-toolserver"
	"github.com/TangGee/mcp-toolserver/internal/config"
	"github.com/TangGee/mcp-toolserver/servers/demo"
	"github.com/cockroachdb/errors"
)

const (
	serverVersion   = "1.0.0"
	shutdownTimeout = 10 * time.Second
	messagesPath    = "/messages/"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "mcp-server: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	// Stdout carries the protocol on the stdio transport, so logs always go to stderr.
	logger, err := cfg.Log.Logger(stderr)
	if err != nil {
		return err
	}

	reg := mcp.NewToolRegistry()
	names, err := demo.Register(reg, cfg.ToolPatterns()...)
	if err != nil {
		return err
	}
	logger.Info("tools registered", slog.Any("tools", names))

	opts := []mcp.ServerOption{
		mcp.WithServerLogger(logger),
		mcp.WithServerCallTimeout(cfg.CallTimeout),
		mcp.WithServerOnClientConnected(func(id string, info mcp.Info) {
			logger.Info("client connected",
				slog.String("sessionID", id),
				slog.String("clientName", info.Name),
				slog.String("clientVersion", info.Version))
		}),
		mcp.WithServerOnClientDisconnected(func(id string) {
			logger.Info("client disconnected", slog.String("sessionID", id))
		}),
	}
	info := mcp.Info{Name: demo.ServerName, Version: serverVersion}

	switch cfg.Transport {
	case config.TransportSSE:
		return serveSSE(ctx, cfg, logger, info, reg, opts)
	default:
		return serveStdIO(ctx, logger, info, reg, stdin, stdout, opts)
	}
}

func serveStdIO(
	ctx context.Context,
	logger *slog.Logger,
	info mcp.Info,
	reg *mcp.ToolRegistry,
	stdin io.Reader,
	stdout io.Writer,
	opts []mcp.ServerOption,
) error {
	transport := mcp.NewStdIO(stdin, stdout, mcp.WithStdIOLogger(logger))
	srv := mcp.NewServer(info, transport, reg, opts...)

	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Serve()
	}()
	logger.Info("serving over stdio")

	select {
	case <-served:
		logger.Info("stdin closed, exiting")
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "failed to shutdown server")
	}
	<-served
	return nil
}

func serveSSE(
	ctx context.Context,
	cfg config.Config,
	logger *slog.Logger,
	info mcp.Info,
	reg *mcp.ToolRegistry,
	opts []mcp.ServerOption,
) error {
	sse := mcp.NewSSEServer(messagesPath, mcp.WithSSEServerLogger(logger))
	srv := mcp.NewServer(info, sse, reg, opts...)

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           newRouter(sse, reg),
		ReadHeaderTimeout: 15 * time.Second,
	}

	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Serve()
	}()

	listenErrs := make(chan error, 1)
	go func() {
		logger.Info("serving over SSE", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrs <- err
		}
		close(listenErrs)
	}()

	var listenErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case listenErr = <-listenErrs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Sessions first: their streams hold HTTP handlers open.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", slog.String("err", err.Error()))
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", slog.String("err", err.Error()))
	}
	<-served

	if listenErr != nil {
		return errors.Wrap(listenErr, "failed to listen")
	}
	return nil
}
