package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer is the HTTP transport: each GET on HandleSSE opens one session whose outgoing messages
// are streamed as server-sent events, and clients post their messages to HandleMessage. It is not
// tied to a router; mount both handlers wherever fits.
//
// Every GET connection to HandleSSE is one session. The first event on the stream has the type
// "endpoint" and carries the URL the client must POST its messages to, with the session id in the
// session_id query parameter. Responses are streamed back as "message" events.
//
// The handlers can be integrated with any HTTP framework. Instances should be created using
// NewSSEServer and shut down using Shutdown.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	sessions chan *sseServerSession

	mu     sync.RWMutex
	active map[string]*sseServerSession

	iterating    atomic.Bool
	done         chan struct{}
	closed       chan struct{}
	closeOnce    sync.Once
	shutdownOnce sync.Once
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// SSEClient implements a Server-Sent Events (SSE) client transport. It reads the server's event
// stream with a GET request and sends messages with POST requests to the endpoint the server
// advertised. Instances should be created using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption configures an SSEClient.
type SSEClientOption func(*SSEClient)

type sseServerSession struct {
	id           string
	sess         *sse.Session
	sendMsgs     chan sseServerSessionSendMsg
	receivedMsgs chan JSONRPCMessage
	logger       *slog.Logger

	stopOnce   *sync.Once
	done       chan struct{}
	sendClosed chan struct{}
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

type sseClientSession struct {
	id         string
	httpClient *http.Client
	messageURL string
	logger     *slog.Logger

	messages chan JSONRPCMessage

	cancel   context.CancelFunc
	stopOnce *sync.Once
	done     chan struct{}
	readDone chan struct{}
}

const (
	sseEventEndpoint = "endpoint"
	sseEventMessage  = "message"

	sseSessionQueryParam = "session_id"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// NewSSEServer creates and initializes a new SSE server. messageURL is the URL, absolute or relative
// to the SSE endpoint, under which HandleMessage is mounted; it is advertised to every client in
// the endpoint event. The returned SSEServer must be shut down using Shutdown when no longer needed.
func NewSSEServer(messageURL string, options ...SSEServerOption) *SSEServer {
	s := &SSEServer{
		messageURL: messageURL,
		logger:     slog.Default(),
		sessions:   make(chan *sseServerSession),
		active:     make(map[string]*sseServerSession),
		done:       make(chan struct{}),
		closed:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithSSEServerLogger sets the logger for the SSE server.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(
			slog.String("package", "mcp-toolserver"),
			slog.String("component", "sse-server"),
		)
	}
}

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can be received
// from the server. If the payload size exceeds this limit, the error will be logged and
// the session ends.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger for the SSE client.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger.With(
			slog.String("package", "mcp-toolserver"),
			slog.String("component", "sse-client"),
		)
	}
}

// Sessions returns an iterator over client sessions. The iterator yields a new Session every time a
// client connects, and ends when Shutdown is called.
func (s *SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		s.iterating.Store(true)
		defer s.closeOnce.Do(func() { close(s.closed) })

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown terminates every active client connection and waits for the Sessions iteration to end.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() { close(s.done) })
	if !s.iterating.Load() {
		s.closeOnce.Do(func() { close(s.closed) })
	}

	s.mu.RLock()
	sessions := make([]*sseServerSession, 0, len(s.active))
	for _, sess := range s.active {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()
	for _, sess := range sessions {
		sess.Stop()
	}

	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "failed to close SSE server")
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns the GET handler that opens a session. It upgrades the connection, gives the
// session a fresh id and tells the client where to post through an endpoint event. The stream
// stays open until the client goes away or the session is stopped.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-s.done:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}

		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := errors.Wrap(err, "failed to upgrade session")
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()
		logger := s.logger.With(slog.String("sessionID", sessID))

		srvSession := &sseServerSession{
			id:           sessID,
			sess:         sess,
			logger:       logger,
			sendMsgs:     make(chan sseServerSessionSendMsg),
			receivedMsgs: make(chan JSONRPCMessage),
			stopOnce:     &sync.Once{},
			done:         make(chan struct{}),
			sendClosed:   make(chan struct{}),
		}

		// Register before advertising the endpoint, so the client's first POST finds the session.
		s.mu.Lock()
		s.active[sessID] = srvSession
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.active, sessID)
			s.mu.Unlock()
			srvSession.Stop()
		}()

		// Use the type "endpoint" to indicate where the client posts its messages.
		msg := sse.Message{
			Type: sse.Type(sseEventEndpoint),
		}
		msg.AppendData(endpointURL(s.messageURL, sessID))
		if err := sess.Send(&msg); err != nil {
			logger.Error("failed to write SSE endpoint", "err", err)
			close(srvSession.sendClosed)
			return
		}
		if err := sess.Flush(); err != nil {
			logger.Error("failed to flush SSE endpoint", "err", err)
			close(srvSession.sendClosed)
			return
		}

		// From here on only processSendMessages writes to the stream.
		go srvSession.processSendMessages()

		// Hand the session to the Sessions loop.
		select {
		case s.sessions <- srvSession:
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		}

		// Block until the session ends, so the connection is left open.
		select {
		case <-r.Context().Done():
			logger.Info("client disconnected")
		case <-srvSession.done:
		case <-s.done:
		}
	})
}

// HandleMessage returns the POST handler carrying client messages. The handler expects a session_id query parameter and a JSON-encoded message
// body, and answers 202 Accepted once the message is handed to the session. The response
// itself is delivered on the session's event stream.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			s.logger.Warn("unsupported content type", slog.String("contentType", r.Header.Get("Content-Type")))
			http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
			return
		}

		sessID := r.URL.Query().Get(sseSessionQueryParam)
		if sessID == "" {
			s.logger.Warn("missing session_id query parameter")
			http.Error(w, "missing session_id query parameter", http.StatusBadRequest)
			return
		}

		var msg JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			nErr := errors.Wrap(err, "failed to decode message")
			s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		s.mu.RLock()
		sess, ok := s.active[sessID]
		s.mu.RUnlock()
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		select {
		case sess.receivedMsgs <- msg:
			w.WriteHeader(http.StatusAccepted)
		case <-sess.done:
			http.Error(w, "session not found", http.StatusNotFound)
		case <-r.Context().Done():
		case <-s.done:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		}
	})
}

func endpointURL(messageURL, sessID string) string {
	u, err := url.Parse(messageURL)
	if err != nil {
		return fmt.Sprintf("%s?%s=%s", messageURL, sseSessionQueryParam, url.QueryEscape(sessID))
	}
	q := u.Query()
	q.Set(sseSessionQueryParam, sessID)
	u.RawQuery = q.Encode()
	return u.String()
}

// StartSession opens the event stream and waits until the server advertises its message endpoint.
// The stream outlives ctx; it is closed when the returned session is stopped.
func (s *SSEClient) StartSession(ctx context.Context) (Session, error) {
	base, err := url.Parse(s.connectURL)
	if err != nil {
		return nil, &TransportError{Op: "start session", Cause: errors.Wrap(err, "invalid connect URL")}
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return nil, &TransportError{Op: "start session", Cause: errors.Wrap(err, "failed to create request")}
	}
	req.Header.Set("Accept", "text/event-stream")

	type connectResult struct {
		resp *http.Response
		err  error
	}
	connected := make(chan connectResult, 1)
	go func() {
		resp, err := s.httpClient.Do(req)
		connected <- connectResult{resp, err}
	}()

	var resp *http.Response
	select {
	case <-ctx.Done():
		cancel()
		return nil, &TransportError{Op: "start session", Cause: ctx.Err()}
	case res := <-connected:
		if res.err != nil {
			cancel()
			return nil, &TransportError{Op: "start session", Cause: errors.Wrap(res.err, "failed to connect to SSE server")}
		}
		resp = res.resp
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, &TransportError{Op: "start session", Cause: errors.Newf("unexpected status code: %d", resp.StatusCode)}
	}

	sess := &sseClientSession{
		httpClient: s.httpClient,
		logger:     s.logger,
		messages:   make(chan JSONRPCMessage),
		cancel:     cancel,
		stopOnce:   &sync.Once{},
		done:       make(chan struct{}),
		readDone:   make(chan struct{}),
	}

	ready := make(chan error, 1)
	go sess.listenSSEMessages(resp.Body, base, s.maxPayloadSize, ready)

	select {
	case <-ctx.Done():
		sess.Stop()
		return nil, &TransportError{Op: "start session", Cause: ctx.Err()}
	case err := <-ready:
		if err != nil {
			sess.Stop()
			return nil, &TransportError{Op: "start session", Cause: err}
		}
	}

	return sess, nil
}

func (s *sseClientSession) listenSSEMessages(body io.ReadCloser, base *url.URL, maxPayloadSize int, ready chan<- error) {
	defer func() {
		body.Close()
		close(s.readDone)
	}()

	var config *sse.ReadConfig
	if maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: maxPayloadSize,
		}
	}

	endpointSet := false
	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !endpointSet {
				ready <- errors.Wrap(err, "failed to read endpoint event")
				return
			}
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE message", "err", err)
			}
			return
		}

		switch ev.Type {
		case sseEventEndpoint:
			if endpointSet {
				s.logger.Warn("ignoring repeated endpoint event")
				continue
			}
			u, err := url.Parse(ev.Data)
			if err != nil {
				ready <- errors.Wrap(err, "parse endpoint URL")
				return
			}
			if u.String() == "" {
				ready <- errors.New("empty endpoint URL")
				return
			}
			// The endpoint may be relative to the stream URL.
			resolved := base.ResolveReference(u)
			s.messageURL = resolved.String()
			s.id = resolved.Query().Get(sseSessionQueryParam)
			s.logger = s.logger.With(slog.String("sessionID", s.id))
			endpointSet = true
			close(ready)
		case sseEventMessage, "":
			if !endpointSet {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", "err", err)
				continue
			}

			select {
			case s.messages <- msg:
			case <-s.done:
				return
			}
		default:
			s.logger.Error("unhandled event type", "type", ev.Type)
		}
	}

	if !endpointSet {
		ready <- errors.New("stream ended before endpoint event")
	}
}

func (s *sseClientSession) ID() string { return s.id }

// Send transmits a JSON-encoded message to the server through an HTTP POST request.
func (s *sseClientSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return &TransportError{Op: "send", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "send", Cause: errors.Wrap(err, "failed to send message")}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
		return nil
	case http.StatusNotFound:
		return &TransportError{Op: "send", Cause: ErrSessionClosed}
	default:
		return &TransportError{Op: "send", Cause: errors.Newf("unexpected status code: %d", resp.StatusCode)}
	}
}

func (s *sseClientSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case <-s.readDone:
				return
			case msg := <-s.messages:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *sseClientSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()
		<-s.readDone
	})
}

func (s *sseServerSession) ID() string { return s.id }

func (s *sseServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	sseMsg := &sse.Message{
		Type: sse.Type(sseEventMessage),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error, 1)

	// The sse session is not safe for concurrent writes, so one goroutine does them all.
	select {
	case s.sendMsgs <- sseServerSessionSendMsg{sseMsg, errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while sending message", slog.String("message", string(msgBs)))
		return ErrSessionClosed
	}

	// Wait for the write result.
	select {
	case err := <-errs:
		if err != nil {
			return &TransportError{Op: "send", Cause: err}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while sending message", slog.String("message", string(msgBs)))
		return ErrSessionClosed
	}
}

func (s *sseServerSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s *sseServerSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		<-s.sendClosed
	})
}

func (s *sseServerSession) processSendMessages() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendMsgs:
			// Flush per message so the client sees it right away.
			if err := s.sess.Send(sm.msg); err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))
				sm.errs <- err
				continue
			}
			if err := s.sess.Flush(); err != nil {
				s.logger.Warn("failed to flush message", slog.String("err", err.Error()))
				sm.errs <- err
				continue
			}
			sm.errs <- nil
		case <-s.done:
			return
		}
	}
}
