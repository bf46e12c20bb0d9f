package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"github.com/dispatchkit/dispatchkit/pkg/errors"
	"github.com/dispatchkit/dispatchkit/pkg/logging"
	"github.com/dispatchkit/dispatchkit/pkg/protocol"
)

// SessionHeader carries the session token on every exchange after the
// handshake. The server assigns the token on the handshake response; requests
// presenting an unknown token are rejected.
const SessionHeader = "Dispatch-Session-Id"

// HTTPHandler is the HTTP face of the runtime. Callers POST JSON-RPC
// messages to it; responses come back on the POST, while server-initiated
// notifications flow over a server-sent-events channel the caller opens with
// GET. Each handshake mints one session, surfaced to the serving layer as a
// Transport on the Sessions channel.
type HTTPHandler struct {
	logger logging.Logger

	mu    sync.RWMutex
	conns map[string]*httpConn

	sessions chan Transport
	done     chan struct{}
	once     sync.Once
}

// HTTPConfig configures the HTTP handler.
type HTTPConfig struct {
	// Logger for session lifecycle events (default discard).
	Logger logging.Logger
	// SessionBacklog bounds handshakes waiting to be served (default 16).
	SessionBacklog int
}

// NewHTTPHandler creates the handler. The caller is responsible for serving
// it and for draining Sessions.
func NewHTTPHandler(config HTTPConfig) *HTTPHandler {
	if config.Logger == nil {
		config.Logger = logging.Discard()
	}
	if config.SessionBacklog <= 0 {
		config.SessionBacklog = 16
	}
	return &HTTPHandler{
		logger:   config.Logger,
		conns:    make(map[string]*httpConn),
		sessions: make(chan Transport, config.SessionBacklog),
		done:     make(chan struct{}),
	}
}

// Sessions yields one Transport per handshake, in arrival order.
func (h *HTTPHandler) Sessions() <-chan Transport {
	return h.sessions
}

// Close rejects further exchanges and tears down every live session.
func (h *HTTPHandler) Close() error {
	h.once.Do(func() {
		close(h.done)
		h.mu.Lock()
		conns := make([]*httpConn, 0, len(h.conns))
		for _, c := range h.conns {
			conns = append(conns, c)
		}
		h.mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return nil
}

// ServeHTTP implements http.Handler.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleEvents(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxLineBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	msg, err := protocol.Decode(body)
	if err != nil {
		writeMessage(w, http.StatusBadRequest,
			protocol.NewErrorResponse(nil, errors.CodeParseError, "parse error", nil))
		return
	}

	token := r.Header.Get(SessionHeader)
	var conn *httpConn
	if token == "" {
		// Only a handshake may arrive without a token.
		if msg.Method != protocol.MethodInitialize {
			writeMessage(w, http.StatusBadRequest,
				protocol.NewErrorResponse(msg.ID, errors.CodeProtocolOrder,
					"missing session token", &protocol.ErrorData{Kind: string(errors.KindProtocolOrder)}))
			return
		}
		conn = h.newConn()
		select {
		case h.sessions <- conn:
		case <-h.done:
			_ = conn.Close()
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
	} else {
		conn = h.lookup(token)
		if conn == nil {
			writeMessage(w, http.StatusNotFound,
				protocol.NewErrorResponse(msg.ID, errors.CodeProtocolOrder,
					"unknown session token", &protocol.ErrorData{Kind: string(errors.KindProtocolOrder)}))
			return
		}
	}

	if !msg.IsRequest() {
		if err := conn.deliver(r.Context(), msg); err != nil {
			http.Error(w, "session closed", http.StatusGone)
			return
		}
		w.Header().Set(SessionHeader, conn.id)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	reply := conn.registerPending(msg.ID)
	defer conn.dropPending(msg.ID)

	if err := conn.deliver(r.Context(), msg); err != nil {
		http.Error(w, "session closed", http.StatusGone)
		return
	}

	select {
	case resp := <-reply:
		w.Header().Set(SessionHeader, conn.id)
		writeMessage(w, http.StatusOK, resp)
	case <-conn.closed():
		http.Error(w, "session closed", http.StatusGone)
	case <-r.Context().Done():
		// The caller went away; the pipeline discards the result.
	}
}

// handleEvents upgrades the request to a server-sent-events stream and keeps
// it attached to the session until either side goes away.
func (h *HTTPHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn := h.lookup(r.Header.Get(SessionHeader))
	if conn == nil {
		http.Error(w, "unknown session token", http.StatusNotFound)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, "server-sent events unsupported", http.StatusBadRequest)
		return
	}

	conn.attachEvents(sess)
	defer conn.detachEvents(sess)

	select {
	case <-r.Context().Done():
	case <-conn.closed():
	}
}

func (h *HTTPHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	conn := h.lookup(r.Header.Get(SessionHeader))
	if conn == nil {
		http.Error(w, "unknown session token", http.StatusNotFound)
		return
	}
	_ = conn.Close()
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) newConn() *httpConn {
	conn := &httpConn{
		id:       uuid.NewString(),
		handler:  h,
		logger:   h.logger,
		incoming: make(chan *protocol.Message, 16),
		pending:  make(map[string]chan *protocol.Message),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[conn.id] = conn
	h.mu.Unlock()
	h.logger.Debug("session opened", logging.String("session_id", conn.id))
	return conn
}

func (h *HTTPHandler) lookup(token string) *httpConn {
	if token == "" {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[token]
}

func (h *HTTPHandler) forget(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

func writeMessage(w http.ResponseWriter, status int, msg *protocol.Message) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(msg)
}

// httpConn is one HTTP session seen as a Transport. Responses are matched to
// the POST that carried the request; notifications go to whatever event
// streams the caller has open.
type httpConn struct {
	id      string
	handler *HTTPHandler
	logger  logging.Logger

	incoming chan *protocol.Message

	mu      sync.Mutex
	pending map[string]chan *protocol.Message
	events  []*sse.Session

	done chan struct{}
	once sync.Once
}

// Open implements Transport. The HTTP machinery is already running when the
// session surfaces, so there is nothing to start.
func (c *httpConn) Open(ctx context.Context) error { return nil }

// Receive implements Transport.
func (c *httpConn) Receive(ctx context.Context) (*protocol.Message, error) {
	select {
	case msg := <-c.incoming:
		return msg, nil
	case <-c.done:
		return nil, errClosed()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send implements Transport.
func (c *httpConn) Send(ctx context.Context, msg *protocol.Message) error {
	select {
	case <-c.done:
		return errClosed()
	default:
	}

	if msg.IsResponse() {
		c.mu.Lock()
		reply := c.pending[correlationKey(msg.ID)]
		c.mu.Unlock()
		if reply == nil {
			// The POST that asked has gone; nobody can observe the
			// result anymore.
			c.logger.Debug("dropping uncorrelated response",
				logging.String("session_id", c.id))
			return nil
		}
		select {
		case reply <- msg:
			return nil
		case <-c.done:
			return errClosed()
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return c.pushEvent(msg)
}

func (c *httpConn) pushEvent(msg *protocol.Message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	event := &sse.Message{Type: sse.Type("message")}
	event.AppendData(string(data))

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.events) == 0 {
		c.logger.Debug("dropping notification without event stream",
			logging.String("session_id", c.id),
			logging.String("method", msg.Method))
		return nil
	}
	for _, sess := range c.events {
		if err := sess.Send(event); err != nil {
			continue
		}
		_ = sess.Flush()
	}
	return nil
}

// Close implements Transport.
func (c *httpConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.handler.forget(c.id)
		c.logger.Debug("session closed", logging.String("session_id", c.id))
	})
	return nil
}

func (c *httpConn) closed() <-chan struct{} { return c.done }

func (c *httpConn) deliver(ctx context.Context, msg *protocol.Message) error {
	select {
	case c.incoming <- msg:
		return nil
	case <-c.done:
		return errClosed()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *httpConn) registerPending(id any) chan *protocol.Message {
	reply := make(chan *protocol.Message, 1)
	c.mu.Lock()
	c.pending[correlationKey(id)] = reply
	c.mu.Unlock()
	return reply
}

func (c *httpConn) dropPending(id any) {
	c.mu.Lock()
	delete(c.pending, correlationKey(id))
	c.mu.Unlock()
}

func (c *httpConn) attachEvents(sess *sse.Session) {
	c.mu.Lock()
	c.events = append(c.events, sess)
	c.mu.Unlock()
}

func (c *httpConn) detachEvents(sess *sse.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.events {
		if s == sess {
			c.events = append(c.events[:i], c.events[i+1:]...)
			return
		}
	}
}
