package sessions

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a minimal Transport for registry tests.
type fakeTransport struct {
	id string

	mu      sync.Mutex
	closed  bool
	onClose func()
}

func (f *fakeTransport) SessionID() string { return f.id }

func (f *fakeTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (f *fakeTransport) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	hook := f.onClose
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeTransport) OnClose(fn func()) {
	f.mu.Lock()
	f.onClose = fn
	f.mu.Unlock()
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestRegistry(t *testing.T, cfg RegistryConfig) *Registry {
	t.Helper()
	if cfg.Factory == nil {
		cfg.Factory = func(ctx context.Context, sessionID string, identity Identity) (Transport, error) {
			return &fakeTransport{id: sessionID}, nil
		}
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Hour
	}
	r, err := NewRegistry(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func TestNewRegistry_RequiresFactory(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{})
	assert.Error(t, err)
}

func TestRegistry_CreateAndGet(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})
	identity := Identity{UserID: "user-1", ClientID: "client-1", Scope: "mcp"}

	transport, err := r.Create(context.Background(), identity)
	require.NoError(t, err)
	require.NotEmpty(t, transport.SessionID())

	got, err := r.Get(transport.SessionID())
	require.NoError(t, err)
	assert.Same(t, transport, got)

	gotIdentity, err := r.Identity(transport.SessionID())
	require.NoError(t, err)
	assert.Equal(t, identity, gotIdentity)
}

func TestRegistry_Get_Unknown(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})

	_, err := r.Get("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

// Racing creates must each get their own session id and transport.
func TestRegistry_ConcurrentCreates_DistinctSessions(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})

	const n = 16
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			transport, err := r.Create(context.Background(), Identity{UserID: "u"})
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = transport.SessionID()
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, id := range ids {
		require.NotEmpty(t, id)
		assert.False(t, seen[id], "session id %s allocated twice", id)
		seen[id] = true
	}
	assert.Equal(t, n, r.Len())
}

func TestRegistry_Delete(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})

	transport, err := r.Create(context.Background(), Identity{UserID: "u"})
	require.NoError(t, err)
	id := transport.SessionID()

	require.NoError(t, r.Delete(id))

	_, err = r.Get(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Deleting again reports not found
	assert.ErrorIs(t, r.Delete(id), ErrSessionNotFound)

	// The transport is drained asynchronously after removal
	ft := transport.(*fakeTransport)
	assert.Eventually(t, ft.isClosed, time.Second, 10*time.Millisecond)
}

// A transport closing itself (disconnect) must remove the mapping through the
// same path as an explicit delete.
func TestRegistry_TransportCloseRemovesMapping(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})

	transport, err := r.Create(context.Background(), Identity{UserID: "u"})
	require.NoError(t, err)
	id := transport.SessionID()

	require.NoError(t, transport.Close(context.Background()))

	_, err = r.Get(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_IdleEviction(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{
		IdleTimeout:   50 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})

	transport, err := r.Create(context.Background(), Identity{UserID: "u"})
	require.NoError(t, err)
	id := transport.SessionID()

	// Identity does not refresh the idle clock, so polling it cannot keep
	// the session alive.
	assert.Eventually(t, func() bool {
		_, err := r.Identity(id)
		return errors.Is(err, ErrSessionNotFound)
	}, time.Second, 10*time.Millisecond, "idle session was not evicted")
}

// activeFakeTransport reports in-flight work to the idle sweep.
type activeFakeTransport struct {
	fakeTransport
	active atomic.Bool
}

func (f *activeFakeTransport) Active() bool { return f.active.Load() }

// A session holding an open push stream must survive the idle sweep even
// with no request traffic; once the stream ends the idle clock runs down
// normally.
func TestRegistry_ActiveStreamBlocksIdleEviction(t *testing.T) {
	ft := &activeFakeTransport{}
	ft.active.Store(true)

	r := newTestRegistry(t, RegistryConfig{
		Factory: func(ctx context.Context, sessionID string, identity Identity) (Transport, error) {
			ft.id = sessionID
			return ft, nil
		},
		IdleTimeout:   50 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})

	transport, err := r.Create(context.Background(), Identity{UserID: "u"})
	require.NoError(t, err)
	id := transport.SessionID()

	time.Sleep(200 * time.Millisecond)
	_, err = r.Identity(id)
	require.NoError(t, err, "session with an open stream was evicted")

	ft.active.Store(false)
	assert.Eventually(t, func() bool {
		_, err := r.Identity(id)
		return errors.Is(err, ErrSessionNotFound)
	}, time.Second, 10*time.Millisecond, "session not evicted after its stream ended")
}

// Every removal trigger must report through the close hook with its reason.
func TestRegistry_OnSessionClosedHook(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})

	var mu sync.Mutex
	closes := make(map[string]string)
	r.OnSessionClosed(func(sessionID string, identity Identity, reason string) {
		mu.Lock()
		defer mu.Unlock()
		closes[sessionID] = reason
	})

	deleted, err := r.Create(context.Background(), Identity{UserID: "u"})
	require.NoError(t, err)
	dropped, err := r.Create(context.Background(), Identity{UserID: "u"})
	require.NoError(t, err)

	require.NoError(t, r.Delete(deleted.SessionID()))
	require.NoError(t, dropped.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, CloseReasonClientDelete, closes[deleted.SessionID()])
	assert.Equal(t, CloseReasonDisconnect, closes[dropped.SessionID()])
}

func TestRegistry_GetRefreshesIdleClock(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{
		IdleTimeout:   150 * time.Millisecond,
		SweepInterval: 25 * time.Millisecond,
	})

	transport, err := r.Create(context.Background(), Identity{UserID: "u"})
	require.NoError(t, err)
	id := transport.SessionID()

	// Keep touching the session for longer than the idle timeout
	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		_, err := r.Get(id)
		require.NoError(t, err, "session evicted despite activity")
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRegistry_Close(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})

	transport, err := r.Create(context.Background(), Identity{UserID: "u"})
	require.NoError(t, err)

	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, 0, r.Len())

	_, err = r.Create(context.Background(), Identity{UserID: "u"})
	assert.ErrorIs(t, err, ErrRegistryClosed)

	ft := transport.(*fakeTransport)
	assert.Eventually(t, ft.isClosed, time.Second, 10*time.Millisecond)
}
