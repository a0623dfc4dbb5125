package mcp

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/cockroachdb/errors"
)

// StdIOCommand is a ClientTransport that starts the server as a child process and speaks the stdio
// transport over its stdin and stdout. The child's stderr is forwarded to this process's stderr.
type StdIOCommand struct {
	name        string
	args        []string
	env         []string
	stderr      io.Writer
	gracePeriod time.Duration
	logger      *slog.Logger
}

// StdIOCommandOption configures a StdIOCommand.
type StdIOCommandOption func(*StdIOCommand)

const defaultStdIOCommandGracePeriod = 5 * time.Second

// NewStdIOCommand creates a transport that runs name with args when the session starts.
func NewStdIOCommand(name string, args []string, options ...StdIOCommandOption) StdIOCommand {
	c := StdIOCommand{
		name:        name,
		args:        args,
		stderr:      os.Stderr,
		gracePeriod: defaultStdIOCommandGracePeriod,
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(&c)
	}
	return c
}

// WithStdIOCommandEnv appends environment variables ("KEY=value") to the child's environment.
func WithStdIOCommandEnv(env ...string) StdIOCommandOption {
	return func(c *StdIOCommand) {
		c.env = append(c.env, env...)
	}
}

// WithStdIOCommandStderr redirects the child's stderr.
func WithStdIOCommandStderr(w io.Writer) StdIOCommandOption {
	return func(c *StdIOCommand) {
		c.stderr = w
	}
}

// WithStdIOCommandGracePeriod sets how long Stop waits for the child to exit after its stdin is
// closed before killing it.
func WithStdIOCommandGracePeriod(d time.Duration) StdIOCommandOption {
	return func(c *StdIOCommand) {
		c.gracePeriod = d
	}
}

// WithStdIOCommandLogger sets the logger for the transport.
func WithStdIOCommandLogger(logger *slog.Logger) StdIOCommandOption {
	return func(c *StdIOCommand) {
		c.logger = logger.With(
			slog.String("package", "mcp-toolserver"),
			slog.String("component", "stdio-command"),
		)
	}
}

// StartSession implements the ClientTransport interface. The child process lives as long as the
// returned session: stopping the session closes the child's stdin, waits for it to exit and kills
// it once the grace period runs out.
func (c StdIOCommand) StartSession(ctx context.Context) (Session, error) {
	cmd := exec.Command(c.name, c.args...)
	cmd.Stderr = c.stderr
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &TransportError{Op: "start session", Cause: errors.Wrap(err, "failed to open stdin pipe")}
	}
	// exec copies the child's stdout into the pipe, so Wait returns only after everything the child
	// wrote was read or the reading side was closed.
	stdout, stdoutWriter := io.Pipe()
	cmd.Stdout = stdoutWriter

	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "start session", Cause: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &TransportError{Op: "start session", Cause: errors.Wrapf(err, "failed to start %s", c.name)}
	}

	logger := c.logger.With(slog.Int("pid", cmd.Process.Pid))
	logger.Info("server process started", slog.String("command", c.name))

	exited := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = stdoutWriter.Close()
		exited <- err
	}()

	stdio := NewStdIO(stdout, stdin, WithStdIOLogger(c.logger))
	stdio.sess.onStop = func() {
		if err := stdin.Close(); err != nil {
			logger.Warn("failed to close server stdin", slog.String("err", err.Error()))
		}

		select {
		case err := <-exited:
			logExit(logger, err)
			return
		case <-time.After(c.gracePeriod):
		}

		logger.Warn("server process did not exit in time, killing it")
		if err := cmd.Process.Kill(); err != nil {
			logger.Error("failed to kill server process", slog.String("err", err.Error()))
		}
		logExit(logger, <-exited)
	}

	return stdio.StartSession(ctx)
}

func logExit(logger *slog.Logger, err error) {
	if err != nil {
		logger.Info("server process exited", slog.String("err", err.Error()))
		return
	}
	logger.Info("server process exited")
}
