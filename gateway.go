package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/harborlab/mcp-gate/jsonrpc"
	"github.com/harborlab/mcp-gate/sessions"
	"github.com/harborlab/mcp-gate/sessions/streamhttp"
)

// peekBodyLimit bounds how much of a session request body is buffered for
// initialize detection before the transport sees it.
const peekBodyLimit = 4 << 20

// Gateway is the single HTTP entry point. Discovery, registration,
// authorization, and token requests pass through unauthenticated; everything
// on the session path goes through the bearer gate into the session registry.
type Gateway struct {
	server   *Server
	handler  *Handler
	registry *sessions.Registry
	logger   *slog.Logger
	mux      *http.ServeMux
}

// NewGateway wires the OAuth endpoints and the session endpoint into one
// handler.
func NewGateway(server *Server, handler *Handler, registry *sessions.Registry) (*Gateway, error) {
	if server == nil || handler == nil || registry == nil {
		return nil, errors.New("server, handler, and registry are required")
	}

	g := &Gateway{
		server:   server,
		handler:  handler,
		registry: registry,
		logger:   server.Config().Logger,
		mux:      http.NewServeMux(),
	}

	g.mux.HandleFunc(PathAuthorizationServerMetadata,
		handler.instrument(PathAuthorizationServerMetadata, handler.HandleAuthorizationServerMetadata))
	g.mux.HandleFunc(PathProtectedResourceMetadata,
		handler.instrument(PathProtectedResourceMetadata, handler.HandleProtectedResourceMetadata))
	g.mux.HandleFunc(PathRegister,
		handler.instrument(PathRegister, handler.rateLimit(handler.regLimiter, handler.HandleRegister)))
	g.mux.HandleFunc(PathAuthorize,
		handler.instrument(PathAuthorize, handler.rateLimit(handler.limiter, handler.HandleAuthorize)))
	g.mux.HandleFunc(PathToken,
		handler.instrument(PathToken, handler.rateLimit(handler.limiter, handler.HandleToken)))

	// Every removal trigger (delete, disconnect, idle sweep, shutdown) funnels
	// through the registry, so this one hook covers session close auditing.
	registry.OnSessionClosed(func(sessionID string, identity sessions.Identity, reason string) {
		server.Auditor().LogSessionClosed(sessionID, identity.UserID, reason)
	})

	sessionPath := server.Config().SessionPath
	gated := handler.RequireToken(http.HandlerFunc(g.handleSession), writeRPCAuthFailure)
	g.mux.Handle(sessionPath, handler.instrument(sessionPath, func(w http.ResponseWriter, r *http.Request) {
		gated.ServeHTTP(w, g.peekSessionBody(r))
	}))

	return g, nil
}

// ServeHTTP dispatches a request with panic containment: a panicking handler
// produces a 500 instead of tearing the process down.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("Handler panicked",
				"method", r.Method,
				"path", r.URL.Path,
				"panic", rec)
			writeOAuthError(w, ErrServerError("internal server error"))
		}
	}()

	g.mux.ServeHTTP(w, r)
}

// Close shuts down the gateway's sessions and background resources.
func (g *Gateway) Close(ctx context.Context) error {
	g.handler.Stop()
	return g.registry.Close(ctx)
}

// peekSessionBody buffers a POST body so initialize detection and the client
// name hint for challenge quirks can run before authentication, then restores
// the body for the transport.
func (g *Gateway) peekSessionBody(r *http.Request) *http.Request {
	if r.Method != http.MethodPost || r.Body == nil {
		return r
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, peekBodyLimit))
	if err != nil {
		return r
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if name := declaredClientName(body); name != "" {
		r = withClientNameHint(r, name)
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	return r
}

// declaredClientName extracts params.clientInfo.name from an initialize
// request body, when present.
func declaredClientName(body []byte) string {
	var msg struct {
		Method string `json:"method"`
		Params struct {
			ClientInfo struct {
				Name string `json:"name"`
			} `json:"clientInfo"`
		} `json:"params"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return ""
	}
	if msg.Method != jsonrpc.InitializeMethod {
		return ""
	}
	return msg.Params.ClientInfo.Name
}

// handleSession routes an authenticated request on the session path. A
// session id header binds the request to an existing transport; the only
// request accepted without one is an initialize, which opens a new session.
func (g *Gateway) handleSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		// The bearer gate always runs first; reaching here without an
		// identity is a programming error.
		writeOAuthError(w, ErrServerError("missing request identity"))
		return
	}

	sessionID := r.Header.Get(streamhttp.SessionIDHeader)

	switch r.Method {
	case http.MethodDelete:
		g.handleSessionDelete(w, r, sessionID)
	case http.MethodGet:
		g.dispatchToSession(w, r, sessionID)
	case http.MethodPost:
		if sessionID != "" {
			g.dispatchToSession(w, r, sessionID)
			return
		}
		g.handleSessionOpen(w, r, identity)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSessionOpen creates a session for an initialize request that arrived
// without a session id.
func (g *Gateway) handleSessionOpen(w http.ResponseWriter, r *http.Request, identity Identity) {
	body, err := io.ReadAll(io.LimitReader(r.Body, peekBodyLimit))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(body, &msg); err != nil || msg.AsRequest() == nil || msg.AsRequest().Method != jsonrpc.InitializeMethod {
		writeRPCError(w, http.StatusBadRequest, "a session id is required for all requests except initialize")
		return
	}

	transport, err := g.registry.Create(r.Context(), sessions.Identity{
		UserID:   identity.UserID,
		ClientID: identity.ClientID,
		Scope:    identity.Scope,
	})
	if err != nil {
		g.logger.Error("Failed to create session", "error", err)
		writeRPCError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	g.server.Auditor().LogSessionOpened(transport.SessionID(), identity.UserID, identity.ClientID, g.handler.clientIP(r))

	transport.ServeHTTP(w, r)
}

// dispatchToSession hands the request to the transport bound to sessionID.
func (g *Gateway) dispatchToSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if sessionID == "" {
		writeRPCError(w, http.StatusBadRequest, "missing session id")
		return
	}

	transport, err := g.registry.Get(sessionID)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, "unknown session id")
		return
	}

	transport.ServeHTTP(w, r)
}

// handleSessionDelete terminates a session on explicit client request.
func (g *Gateway) handleSessionDelete(w http.ResponseWriter, r *http.Request, sessionID string) {
	if sessionID == "" {
		writeRPCError(w, http.StatusBadRequest, "missing session id")
		return
	}

	if err := g.registry.Delete(sessionID); err != nil {
		writeRPCError(w, http.StatusBadRequest, "unknown session id")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeRPCAuthFailure writes the JSON-RPC error envelope for a failed bearer
// authentication on the session path. The challenge headers are already set
// by the bearer gate.
func writeRPCAuthFailure(w http.ResponseWriter, r *http.Request, oauthErr *OAuthError) {
	writeRPCError(w, oauthErr.Status, oauthErr.Error())
}

// writeRPCError writes a JSON-RPC error envelope with a null id. Requests
// that never reach a session have no request id to echo.
func writeRPCError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(
		jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeUnauthorized, message))
}
