// Package streamhttp provides the HTTP transport bound to a session: JSON or
// SSE framing for request/response calls on POST, and a server-push event
// stream on GET. RPC dispatch itself is injected; the transport only frames
// messages and carries the session handshake.
package streamhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/elnormous/contenttype"

	"github.com/harborlab/mcp-gate/jsonrpc"
	"github.com/harborlab/mcp-gate/sessions"
)

const (
	// SessionIDHeader carries the session id on requests and on the
	// initialize response.
	SessionIDHeader = "Mcp-Session-Id"

	// maxBodyBytes bounds a single POSTed message.
	maxBodyBytes = 4 << 20

	// outboundBuffer is the server-push queue depth per session.
	outboundBuffer = 64
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
	postMediaTypes       = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
	streamMediaTypes     = []contenttype.MediaType{eventStreamMediaType}
)

// RPCHandler dispatches one JSON-RPC request for a session. Implementations
// hold the tool/business logic; the transport never inspects results.
type RPCHandler interface {
	Handle(ctx context.Context, identity sessions.Identity, req *jsonrpc.Request) (*jsonrpc.Response, error)
}

// RPCHandlerFunc adapts a function to the RPCHandler interface.
type RPCHandlerFunc func(ctx context.Context, identity sessions.Identity, req *jsonrpc.Request) (*jsonrpc.Response, error)

// Handle implements RPCHandler.
func (f RPCHandlerFunc) Handle(ctx context.Context, identity sessions.Identity, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	return f(ctx, identity, req)
}

// Transport is a session-bound HTTP transport implementing
// sessions.Transport.
type Transport struct {
	sessionID string
	identity  sessions.Identity
	handler   RPCHandler
	logger    *slog.Logger

	mu      sync.Mutex
	closed  bool
	onClose func()
	streams int

	outbound chan []byte
	done     chan struct{}
}

var (
	_ sessions.Transport        = (*Transport)(nil)
	_ sessions.ActivityReporter = (*Transport)(nil)
)

// New creates a transport bound to a session id and identity.
func New(sessionID string, identity sessions.Identity, handler RPCHandler, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		sessionID: sessionID,
		identity:  identity,
		handler:   handler,
		logger:    logger,
		outbound:  make(chan []byte, outboundBuffer),
		done:      make(chan struct{}),
	}
}

// SessionID returns the bound session id.
func (t *Transport) SessionID() string {
	return t.sessionID
}

// Active reports whether the transport currently holds an open push stream.
// The registry's idle sweep keeps streaming sessions alive through this.
func (t *Transport) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams > 0
}

// OnClose registers the close hook. The hook fires exactly once.
func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = fn
}

// Close shuts the transport down. Idempotent; fires the close hook once.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	hook := t.onClose
	close(t.done)
	t.mu.Unlock()

	if hook != nil {
		hook()
	}

	t.logger.Debug("Transport closed", "session_id", t.sessionID)
	return nil
}

// Send queues a server-initiated message for delivery on the GET stream.
// Returns an error when the transport is closed or the queue is full.
func (t *Transport) Send(ctx context.Context, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal outbound message: %w", err)
	}

	select {
	case <-t.done:
		return fmt.Errorf("transport closed")
	case t.outbound <- payload:
		return nil
	default:
		return fmt.Errorf("outbound queue full")
	}
}

// ServeHTTP handles one request routed to this session.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		t.handlePost(w, r)
	case http.MethodGet:
		t.handleStream(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handlePost processes a single JSON-RPC message. Requests get a framed
// response (JSON or SSE per Accept); notifications and client responses are
// acknowledged with 202.
func (t *Transport) handlePost(w http.ResponseWriter, r *http.Request) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.EqualsMIME(jsonMediaType) {
		http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		writeJSONResponse(w, http.StatusBadRequest,
			jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "invalid JSON-RPC message"))
		return
	}

	// Client responses to server-initiated requests are accepted and
	// dropped; nothing in this transport awaits them yet.
	if msg.AsRequest() == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	req := msg.AsRequest()

	// Notifications get no response body
	if req.ID.IsNil() {
		if _, err := t.handler.Handle(r.Context(), t.identity, req); err != nil {
			t.logger.Warn("Notification handler failed",
				"session_id", t.sessionID,
				"method", req.Method,
				"error", err)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	res, err := t.handler.Handle(r.Context(), t.identity, req)
	if err != nil {
		t.logger.Error("RPC handler failed",
			"session_id", t.sessionID,
			"method", req.Method,
			"error", err)
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error")
	}
	if res == nil {
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "empty response")
	}

	// The initialize handshake emits the session id to the caller
	if req.Method == jsonrpc.InitializeMethod {
		w.Header().Set(SessionIDHeader, t.sessionID)
	}

	accepted, _, negErr := contenttype.GetAcceptableMediaType(r, postMediaTypes)
	if negErr == nil && accepted.EqualsMIME(eventStreamMediaType) {
		t.writeSSEResponse(w, r, res)
		return
	}

	writeJSONResponse(w, http.StatusOK, res)
}

// handleStream serves the server-push SSE stream. A disconnect here is
// treated as the client going away and closes the transport.
func (t *Transport) handleStream(w http.ResponseWriter, r *http.Request) {
	if _, _, err := contenttype.GetAcceptableMediaType(r, streamMediaTypes); err != nil {
		http.Error(w, "Accept must include text/event-stream", http.StatusNotAcceptable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	t.mu.Lock()
	t.streams++
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.streams--
		t.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	wf := &lockedWriteFlusher{w: w, f: flusher, ctx: r.Context()}

	for {
		select {
		case <-r.Context().Done():
			// Client went away; tear the session down
			_ = t.Close(context.Background())
			return
		case <-t.done:
			return
		case payload := <-t.outbound:
			if err := writeSSEEvent(wf, payload); err != nil {
				t.logger.Debug("SSE write failed, closing transport",
					"session_id", t.sessionID,
					"error", err)
				_ = t.Close(context.Background())
				return
			}
		}
	}
}

// writeSSEResponse frames a single response as an SSE stream and ends it.
func (t *Transport) writeSSEResponse(w http.ResponseWriter, r *http.Request, res *jsonrpc.Response) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONResponse(w, http.StatusOK, res)
		return
	}

	payload, err := json.Marshal(res)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	wf := &lockedWriteFlusher{w: w, f: flusher, ctx: r.Context()}
	if err := writeSSEEvent(wf, payload); err != nil {
		t.logger.Debug("SSE response write failed",
			"session_id", t.sessionID,
			"error", err)
	}
}

func writeJSONResponse(w http.ResponseWriter, status int, res *jsonrpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}

// lockedWriteFlusher serializes concurrent writes/flushes and refuses to
// write after the request context is canceled.
type lockedWriteFlusher struct {
	w   io.Writer
	f   http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.w.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.f.Flush()
}

// writeSSEEvent writes one SSE data frame and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, payload []byte) error {
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
