package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// StdIO implements a standard input/output transport layer using newline-delimited JSON-RPC messages
// over stdin/stdout or similar io.Reader/io.Writer pairs. It provides a single persistent session and
// can be used as either ServerTransport or ClientTransport.
//
// The session ends when the reader reaches end-of-stream or when it is stopped. Instances must be
// created with NewStdIO.
type StdIO struct {
	sess *stdIOSession

	closed    chan struct{}
	closeOnce *sync.Once
	iterated  *sync.Once
}

// StdIOOption configures a StdIO transport.
type StdIOOption func(*stdIOSession)

type stdIOSession struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writeMessages chan stdIOMessage
	lines         chan stdIOLine

	startWriter *sync.Once
	startReader *sync.Once
	stopOnce    *sync.Once

	// onStop runs after the session is stopped, used by StdIOCommand to reap the child process.
	onStop func()

	done        chan struct{}
	writeClosed chan struct{}
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

type stdIOLine struct {
	line string
	err  error
}

// WithStdIOLogger sets the logger for the transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *stdIOSession) {
		s.logger = logger.With(
			slog.String("package", "mcp-toolserver"),
			slog.String("component", "stdio"),
		)
	}
}

// NewStdIO creates a new StdIO instance configured with the provided reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) StdIO {
	sess := &stdIOSession{
		id:            uuid.New().String(),
		reader:        reader,
		writer:        writer,
		logger:        slog.Default(),
		writeMessages: make(chan stdIOMessage),
		lines:         make(chan stdIOLine),
		startWriter:   &sync.Once{},
		startReader:   &sync.Once{},
		stopOnce:      &sync.Once{},
		done:          make(chan struct{}),
		writeClosed:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(sess)
	}

	return StdIO{
		sess:      sess,
		closed:    make(chan struct{}),
		closeOnce: &sync.Once{},
		iterated:  &sync.Once{},
	}
}

// Sessions implements the ServerTransport interface by yielding the single stdio session. The
// iteration ends once that session is done.
func (s StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		started := false
		s.iterated.Do(func() { started = true })
		if !started {
			// The single session was already handed out.
			return
		}
		defer s.closeOnce.Do(func() { close(s.closed) })

		s.sess.start()

		if !yield(s.sess) {
			return
		}
		<-s.sess.done
	}
}

// Shutdown implements the ServerTransport interface. It stops the session if the caller has not
// already, and waits for the Sessions iteration to finish.
func (s StdIO) Shutdown(ctx context.Context) error {
	s.sess.Stop()

	notStarted := false
	s.iterated.Do(func() { notStarted = true })
	if notStarted {
		s.closeOnce.Do(func() { close(s.closed) })
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// StartSession implements the ClientTransport interface. The stdio session is ready as soon as the
// writer loop runs.
func (s StdIO) StartSession(_ context.Context) (Session, error) {
	select {
	case <-s.sess.done:
		return nil, &TransportError{Op: "start session", Cause: ErrSessionClosed}
	default:
	}
	s.sess.start()
	return s.sess, nil
}

// Close stops the session. It is equivalent to Shutdown without waiting.
func (s StdIO) Close() {
	s.sess.Stop()
}

func (s *stdIOSession) start() {
	s.startWriter.Do(func() {
		go s.processWriteMessages()
	})
}

func (s *stdIOSession) ID() string {
	return s.id
}

func (s *stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}
	return s.write(ctx, msgBs)
}

// write queues one encoded message, newline framed.
func (s *stdIOSession) write(ctx context.Context, msgBs []byte) error {
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message, so a single goroutine owns the writer and messages keep their order.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("failed to write message", slog.String("err", err.Error()))
			return &TransportError{Op: "write", Cause: err}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *stdIOSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		s.startReader.Do(func() {
			go s.readLines()
		})

		for {
			var l stdIOLine
			var ok bool
			select {
			case <-s.done:
				return
			case l, ok = <-s.lines:
			}
			if !ok {
				return
			}

			if l.err != nil {
				if !errors.Is(l.err, io.EOF) && !errors.Is(l.err, io.ErrClosedPipe) {
					s.logger.Error("failed to read message", slog.String("err", l.err.Error()))
				}
				return
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(l.line), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
				s.replyParseError(err)
				continue
			}

			// We stop iteration if yield returns false
			if !yield(msg) {
				return
			}
		}
	}
}

// replyParseError answers an undecodable line with -32700 and a null id, as the id could not be
// read.
func (s *stdIOSession) replyParseError(cause error) {
	bs, err := json.Marshal(parseErrorMessage{
		JSONRPC: JSONRPCVersion,
		Error:   JSONRPCError{Code: jsonRPCParseErrorCode, Message: "parse error: " + cause.Error()},
	})
	if err != nil {
		s.logger.Error("failed to marshal parse error", slog.String("err", err.Error()))
		return
	}
	if err := s.write(context.Background(), bs); err != nil && !errors.Is(err, ErrSessionClosed) {
		s.logger.Error("failed to reply parse error", slog.String("err", err.Error()))
	}
}

func (s *stdIOSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		// Closing the streams unblocks a pending read or write where they support it (pipes, files).
		if c, ok := s.reader.(io.Closer); ok {
			_ = c.Close()
		}
		if c, ok := s.writer.(io.Closer); ok {
			_ = c.Close()
		}
		s.start()
		<-s.writeClosed
		if s.onStop != nil {
			s.onStop()
		}
	})
}

// readLines is the only reader of s.reader. It uses bufio.Reader instead of bufio.Scanner to
// avoid max token size errors.
func (s *stdIOSession) readLines() {
	defer close(s.lines)

	reader := bufio.NewReader(s.reader)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// A final line without newline is still a message.
			if line = strings.TrimSpace(line); line != "" && errors.Is(err, io.EOF) {
				select {
				case s.lines <- stdIOLine{line: line}:
				case <-s.done:
					return
				}
			}
			select {
			case s.lines <- stdIOLine{err: err}:
			case <-s.done:
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		select {
		case s.lines <- stdIOLine{line: line}:
		case <-s.done:
			return
		}
	}
}

func (s *stdIOSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		// Process writing the message queue until the session is closed.
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}
