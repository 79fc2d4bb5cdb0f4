package sessions

import (
	"context"
	"errors"
	"net/http"
)

// Sentinel errors returned by the Registry.
var (
	// ErrSessionNotFound indicates the session id is unknown or already closed
	ErrSessionNotFound = errors.New("session not found")

	// ErrRegistryClosed indicates the registry has been shut down
	ErrRegistryClosed = errors.New("session registry closed")
)

// Close reasons passed to audit logging and metrics.
const (
	CloseReasonClientDelete = "client_delete"
	CloseReasonDisconnect   = "disconnect"
	CloseReasonIdleTimeout  = "idle_timeout"
	CloseReasonShutdown     = "shutdown"
)

// Identity describes the authenticated principal a session belongs to.
// It is resolved by the bearer gate before the registry is consulted.
type Identity struct {
	UserID   string
	ClientID string
	Scope    string
}

// Transport is a live, session-bound duplex channel. The registry owns the
// id-to-transport mapping; the transport owns its own wire framing.
type Transport interface {
	// SessionID returns the id this transport is bound to
	SessionID() string

	// ServeHTTP handles one request routed to this session
	ServeHTTP(w http.ResponseWriter, r *http.Request)

	// Close shuts the transport down, draining within the context deadline.
	// Close must be idempotent.
	Close(ctx context.Context) error

	// OnClose registers a hook invoked exactly once when the transport
	// closes, from any trigger. The registry uses it as the single cleanup
	// path for the id mapping.
	OnClose(fn func())
}

// ActivityReporter is optionally implemented by transports that can report
// in-flight work, such as an open server-push stream. The registry's idle
// sweep treats a busy transport as active even when no requests arrive.
type ActivityReporter interface {
	Active() bool
}

// Factory constructs a transport for a newly allocated session.
type Factory func(ctx context.Context, sessionID string, identity Identity) (Transport, error)
