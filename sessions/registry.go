package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harborlab/mcp-gate/instrumentation"
)

const (
	// DefaultIdleTimeout is how long a session may go without traffic before
	// the sweep evicts it.
	DefaultIdleTimeout = 30 * time.Minute

	// DefaultSweepInterval is how often the idle sweep runs.
	DefaultSweepInterval = time.Minute

	// closeDrainTimeout bounds how long a removed transport gets to drain.
	// Removal from the map never waits on this; the drain happens after.
	closeDrainTimeout = 5 * time.Second
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Factory constructs transports for new sessions. Required.
	Factory Factory

	// IdleTimeout is the maximum session idle time before eviction.
	// Zero means DefaultIdleTimeout; negative disables idle eviction.
	IdleTimeout time.Duration

	// SweepInterval is how often idle sessions are checked.
	// Zero means DefaultSweepInterval.
	SweepInterval time.Duration

	// Logger for session lifecycle events. Nil means slog.Default().
	Logger *slog.Logger

	// Instrumentation is optional; when set, session metrics are recorded.
	Instrumentation *instrumentation.Instrumentation
}

type sessionEntry struct {
	transport Transport
	identity  Identity
	createdAt time.Time
	lastSeen  time.Time
}

// Registry maps session ids to live transports. Ids are UUIDv4, allocated on
// creation and never reused within a process lifetime. All removal triggers
// (explicit delete, transport closure, idle sweep) converge on one cleanup
// path.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
	closed   bool
	onClosed func(sessionID string, identity Identity, reason string)

	factory       Factory
	idleTimeout   time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
	inst          *instrumentation.Instrumentation

	stopSweep chan struct{}
	stopOnce  sync.Once
}

// NewRegistry creates a session registry and starts its idle sweep.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("session transport factory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	r := &Registry{
		sessions:      make(map[string]*sessionEntry),
		factory:       cfg.Factory,
		idleTimeout:   cfg.IdleTimeout,
		sweepInterval: cfg.SweepInterval,
		logger:        cfg.Logger,
		inst:          cfg.Instrumentation,
		stopSweep:     make(chan struct{}),
	}

	if r.inst != nil {
		if err := r.inst.RegisterSessionCountCallback(func() int64 { return int64(r.Len()) }); err != nil {
			r.logger.Warn("Failed to register session count callback", "error", err)
		}
	}

	go r.sweepLoop()

	return r, nil
}

// Create allocates a fresh session id, builds a transport for it, and binds
// the two. Racing creates never share a session: every call allocates its own
// id and transport.
func (r *Registry) Create(ctx context.Context, identity Identity) (Transport, error) {
	sessionID := uuid.NewString()

	transport, err := r.factory(ctx, sessionID, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to create session transport: %w", err)
	}

	now := time.Now()
	entry := &sessionEntry{
		transport: transport,
		identity:  identity,
		createdAt: now,
		lastSeen:  now,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		closeCtx, cancel := context.WithTimeout(context.Background(), closeDrainTimeout)
		defer cancel()
		_ = transport.Close(closeCtx)
		return nil, ErrRegistryClosed
	}
	r.sessions[sessionID] = entry
	r.mu.Unlock()

	// The transport firing its own close hook (disconnect, handshake
	// failure) funnels into the same removal path as explicit deletes.
	transport.OnClose(func() {
		r.remove(sessionID, CloseReasonDisconnect, false)
	})

	r.logger.Info("Session created",
		"session_id", sessionID,
		"user_id", identity.UserID,
		"client_id", identity.ClientID)

	if r.inst != nil {
		r.inst.Metrics().RecordSessionOpened(ctx, identity.ClientID)
	}

	return transport, nil
}

// OnSessionClosed registers a hook observing every session removal with its
// close reason, whichever trigger caused it. The gateway uses it for audit
// logging. Set it before serving traffic; later removals race with it.
func (r *Registry) OnSessionClosed(fn func(sessionID string, identity Identity, reason string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClosed = fn
}

// Get returns the transport bound to a session id and refreshes its idle
// clock.
func (r *Registry) Get(sessionID string) (Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	entry.lastSeen = time.Now()
	return entry.transport, nil
}

// Identity returns the identity a session was created under.
func (r *Registry) Identity(sessionID string) (Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.sessions[sessionID]
	if !ok {
		return Identity{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return entry.identity, nil
}

// Delete terminates a session on explicit client request.
func (r *Registry) Delete(sessionID string) error {
	if !r.remove(sessionID, CloseReasonClientDelete, true) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close shuts down the registry and every live session.
func (r *Registry) Close(ctx context.Context) error {
	r.stopOnce.Do(func() {
		close(r.stopSweep)
	})

	r.mu.Lock()
	r.closed = true
	remaining := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		remaining = append(remaining, id)
	}
	r.mu.Unlock()

	for _, id := range remaining {
		r.remove(id, CloseReasonShutdown, true)
	}

	return nil
}

// remove is the single cleanup path for every removal trigger. The map entry
// goes away immediately; transport drain happens afterwards with its own
// timeout so an unreachable transport can never wedge the registry.
// closeTransport is false when the transport is already closing and fired the
// hook itself.
func (r *Registry) remove(sessionID, reason string, closeTransport bool) bool {
	r.mu.Lock()
	entry, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	hook := r.onClosed
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.logger.Info("Session removed",
		"session_id", sessionID,
		"user_id", entry.identity.UserID,
		"reason", reason)

	if hook != nil {
		hook(sessionID, entry.identity, reason)
	}

	if r.inst != nil {
		r.inst.Metrics().RecordSessionClosed(context.Background(), reason)
	}

	if closeTransport {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), closeDrainTimeout)
			defer cancel()
			if err := entry.transport.Close(ctx); err != nil {
				r.logger.Warn("Session transport close failed",
					"session_id", sessionID,
					"error", err)
			}
		}()
	}

	return true
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopSweep:
			return
		case <-ticker.C:
			r.evictIdle()
		}
	}
}

// evictIdle removes sessions whose last traffic is older than the idle
// timeout.
func (r *Registry) evictIdle() {
	if r.idleTimeout < 0 {
		return
	}

	now := time.Now()
	cutoff := now.Add(-r.idleTimeout)

	r.mu.Lock()
	idle := make([]string, 0)
	for id, entry := range r.sessions {
		if !entry.lastSeen.Before(cutoff) {
			continue
		}
		// A session holding an open push stream is quiet but not idle
		if a, ok := entry.transport.(ActivityReporter); ok && a.Active() {
			entry.lastSeen = now
			continue
		}
		idle = append(idle, id)
	}
	r.mu.Unlock()

	for _, id := range idle {
		r.remove(id, CloseReasonIdleTimeout, true)
	}
}
