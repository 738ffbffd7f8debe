package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/bnema/webex-term/internal/domain"
)

type fakeCreds struct {
	mu        sync.Mutex
	token     string
	refreshes int
}

func (f *fakeCreds) Credential(context.Context) (domain.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.Credential{AccessToken: f.token, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeCreds) ForceRefresh(context.Context) (domain.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	f.token = "refreshed-token"
	return domain.Credential{AccessToken: f.token, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeCreds) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

type fakeRegistrar struct {
	mu    sync.Mutex
	url   string
	ttl   time.Duration
	calls int
}

func (f *fakeRegistrar) Register(context.Context, domain.Credential) (domain.DeviceRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	ttl := f.ttl
	if ttl <= 0 {
		ttl = time.Hour
	}
	return domain.DeviceRegistration{
		DeviceID:     "device-1",
		WebSocketURL: f.url,
		TTL:          ttl,
		RegisteredAt: time.Now(),
	}, nil
}

func (f *fakeRegistrar) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// newStreamServer runs script once per accepted connection, after the
// authorization frame has been read.
func newStreamServer(t *testing.T, script func(ctx context.Context, conn *websocket.Conn, auth wireFrame)) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck

		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		var auth wireFrame
		if err := json.Unmarshal(data, &auth); err != nil {
			return
		}

		script(r.Context(), conn, auth)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestConnection(srv *httptest.Server, creds *fakeCreds, cfg Config) (*Connection, *fakeRegistrar) {
	registrar := &fakeRegistrar{url: srv.URL}
	conn := New(Options{
		Registrar:   registrar,
		Credentials: creds,
		Config:      cfg,
		Logger:      zerolog.Nop(),
	})
	return conn, registrar
}

func activityFrame(t *testing.T, activityID, verb, roomID string) []byte {
	t.Helper()

	data, err := json.Marshal(map[string]any{
		"eventType": "conversation.activity",
		"activity": map[string]any{
			"id":     activityID,
			"verb":   verb,
			"target": map[string]any{"globalId": roomID},
		},
	})
	require.NoError(t, err)

	payload, err := json.Marshal(wireFrame{ID: "evt-" + activityID, Type: "event", Data: data})
	require.NoError(t, err)
	return payload
}

func recvEnvelope(t *testing.T, ch <-chan domain.Envelope) domain.Envelope {
	t.Helper()
	select {
	case envelope, ok := <-ch:
		require.True(t, ok, "envelope channel closed early")
		return envelope
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return domain.Envelope{}
	}
}

func awaitClosed(t *testing.T, ch <-chan domain.Envelope) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for envelope channel to close")
		}
	}
}

func TestConnectionDeliversEnvelopesInOrder(t *testing.T) {
	t.Parallel()

	srv := newStreamServer(t, func(ctx context.Context, conn *websocket.Conn, auth wireFrame) {
		var authData map[string]string
		assert.NoError(t, json.Unmarshal(auth.Data, &authData))
		assert.True(t, strings.HasPrefix(authData["token"], "Bearer "))

		for _, id := range []string{"a", "b", "c"} {
			if err := conn.Write(ctx, websocket.MessageText, activityFrame(t, id, "post", "room-1")); err != nil {
				return
			}
		}
		_, _, _ = conn.Read(ctx)
	})

	creds := &fakeCreds{token: "token-1"}
	conn, _ := newTestConnection(srv, creds, Config{})

	envelopes, err := conn.Listen(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "a", recvEnvelope(t, envelopes).ActivityID)
	assert.Equal(t, "b", recvEnvelope(t, envelopes).ActivityID)
	assert.Equal(t, "c", recvEnvelope(t, envelopes).ActivityID)

	conn.Close()
	awaitClosed(t, envelopes)

	assert.NoError(t, conn.Err())
	assert.Equal(t, StateClosed, conn.State())
}

func TestConnectionAnswersKeepaliveWithoutSurfacingIt(t *testing.T) {
	t.Parallel()

	pongID := make(chan string, 1)

	srv := newStreamServer(t, func(ctx context.Context, conn *websocket.Conn, _ wireFrame) {
		ping, _ := json.Marshal(wireFrame{ID: "ka-7", Type: "ping"})
		if err := conn.Write(ctx, websocket.MessageText, ping); err != nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var pong wireFrame
		if json.Unmarshal(data, &pong) == nil && pong.Type == "pong" {
			pongID <- pong.ID
		}

		if err := conn.Write(ctx, websocket.MessageText, activityFrame(t, "after-ping", "post", "room-1")); err != nil {
			return
		}
		_, _, _ = conn.Read(ctx)
	})

	creds := &fakeCreds{token: "token-1"}
	conn, _ := newTestConnection(srv, creds, Config{})

	envelopes, err := conn.Listen(context.Background())
	require.NoError(t, err)

	// Only the activity surfaces; the keepalive was handled inside the
	// connection.
	assert.Equal(t, "after-ping", recvEnvelope(t, envelopes).ActivityID)

	select {
	case id := <-pongID:
		assert.Equal(t, "ka-7", id)
	case <-time.After(5 * time.Second):
		t.Fatal("keepalive was never answered")
	}

	conn.Close()
	awaitClosed(t, envelopes)
}

func TestConnectionRetriesHandshakeAfterRefresh(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		tokens []string
	)

	srv := newStreamServer(t, func(ctx context.Context, conn *websocket.Conn, auth wireFrame) {
		var authData map[string]string
		_ = json.Unmarshal(auth.Data, &authData)

		mu.Lock()
		tokens = append(tokens, authData["token"])
		attempt := len(tokens)
		mu.Unlock()

		if attempt == 1 {
			conn.Close(closeStatusAuthFailed, "authorization rejected") //nolint:errcheck
			return
		}

		if err := conn.Write(ctx, websocket.MessageText, activityFrame(t, "post-refresh", "post", "room-1")); err != nil {
			return
		}
		_, _, _ = conn.Read(ctx)
	})

	creds := &fakeCreds{token: "stale-token"}
	conn, _ := newTestConnection(srv, creds, Config{})

	envelopes, err := conn.Listen(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "post-refresh", recvEnvelope(t, envelopes).ActivityID)
	assert.Equal(t, 1, creds.refreshCount())

	mu.Lock()
	require.Len(t, tokens, 2)
	assert.Equal(t, "Bearer stale-token", tokens[0])
	assert.Equal(t, "Bearer refreshed-token", tokens[1])
	mu.Unlock()

	conn.Close()
	awaitClosed(t, envelopes)
}

func TestConnectionRejectedHandshakeAfterRefreshIsFatal(t *testing.T) {
	t.Parallel()

	srv := newStreamServer(t, func(_ context.Context, conn *websocket.Conn, _ wireFrame) {
		conn.Close(closeStatusAuthFailed, "authorization rejected") //nolint:errcheck
	})

	creds := &fakeCreds{token: "revoked-token"}
	conn, _ := newTestConnection(srv, creds, Config{})

	envelopes, err := conn.Listen(context.Background())
	require.NoError(t, err)

	awaitClosed(t, envelopes)

	require.ErrorIs(t, conn.Err(), domain.ErrAuthRejected)
	assert.Equal(t, 1, creds.refreshCount(), "exactly one refresh before giving up")
	assert.Equal(t, StateClosed, conn.State())
}

func TestConnectionReRegistersAfterDeviceExpiry(t *testing.T) {
	t.Parallel()

	var connects atomic.Int32

	srv := newStreamServer(t, func(ctx context.Context, conn *websocket.Conn, _ wireFrame) {
		if connects.Add(1) == 1 {
			if err := conn.Write(ctx, websocket.MessageText, activityFrame(t, "before-expiry", "post", "room-1")); err != nil {
				return
			}
			conn.Close(closeStatusDeviceExpired, "device registration expired") //nolint:errcheck
			return
		}

		if err := conn.Write(ctx, websocket.MessageText, activityFrame(t, "after-expiry", "post", "room-1")); err != nil {
			return
		}
		_, _, _ = conn.Read(ctx)
	})

	creds := &fakeCreds{token: "token-1"}
	conn, registrar := newTestConnection(srv, creds, Config{
		// An expiry close reconnects immediately; a large base would stall
		// the test if the backoff path were taken by mistake.
		BackoffBase: time.Minute,
		BackoffCap:  time.Minute,
	})

	envelopes, err := conn.Listen(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "before-expiry", recvEnvelope(t, envelopes).ActivityID)
	assert.Equal(t, "after-expiry", recvEnvelope(t, envelopes).ActivityID)
	assert.Equal(t, 2, registrar.callCount(), "expiry discards the cached registration")

	conn.Close()
	awaitClosed(t, envelopes)
	assert.NoError(t, conn.Err())
}

func TestConnectionRenewsDeviceBeforeTTLElapses(t *testing.T) {
	t.Parallel()

	var connects atomic.Int32

	srv := newStreamServer(t, func(ctx context.Context, conn *websocket.Conn, _ wireFrame) {
		id := fmt.Sprintf("conn-%d", connects.Add(1))
		if err := conn.Write(ctx, websocket.MessageText, activityFrame(t, id, "post", "room-1")); err != nil {
			return
		}
		// Idle without ever closing; renewal must come from the client.
		_, _, _ = conn.Read(ctx)
	})

	creds := &fakeCreds{token: "token-1"}
	registrar := &fakeRegistrar{url: srv.URL, ttl: 300 * time.Millisecond}
	conn := New(Options{
		Registrar:   registrar,
		Credentials: creds,
		Logger:      zerolog.Nop(),
		Config: Config{
			// A renewal wrongly routed through backoff would stall here and
			// time the test out.
			BackoffBase: time.Minute,
			BackoffCap:  time.Minute,
		},
	})

	envelopes, err := conn.Listen(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "conn-1", recvEnvelope(t, envelopes).ActivityID)
	assert.Equal(t, "conn-2", recvEnvelope(t, envelopes).ActivityID)
	assert.GreaterOrEqual(t, registrar.callCount(), 2, "renewal registers a fresh device")

	conn.Close()
	awaitClosed(t, envelopes)
	assert.NoError(t, conn.Err())
}

func TestConnectionRefreshesAfterListeningAuthClose(t *testing.T) {
	t.Parallel()

	var (
		connects atomic.Int32
		mu       sync.Mutex
		tokens   []string
	)

	srv := newStreamServer(t, func(ctx context.Context, conn *websocket.Conn, auth wireFrame) {
		var authData map[string]string
		_ = json.Unmarshal(auth.Data, &authData)
		mu.Lock()
		tokens = append(tokens, authData["token"])
		mu.Unlock()

		if connects.Add(1) == 1 {
			if err := conn.Write(ctx, websocket.MessageText, activityFrame(t, "before-close", "post", "room-1")); err != nil {
				return
			}
			conn.Close(closeStatusAuthFailed, "authorization expired") //nolint:errcheck
			return
		}

		if err := conn.Write(ctx, websocket.MessageText, activityFrame(t, "after-refresh", "post", "room-1")); err != nil {
			return
		}
		_, _, _ = conn.Read(ctx)
	})

	creds := &fakeCreds{token: "stale-token"}
	conn, _ := newTestConnection(srv, creds, Config{
		BackoffBase: time.Minute,
		BackoffCap:  time.Minute,
	})

	envelopes, err := conn.Listen(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "before-close", recvEnvelope(t, envelopes).ActivityID)
	assert.Equal(t, "after-refresh", recvEnvelope(t, envelopes).ActivityID)
	assert.Equal(t, 1, creds.refreshCount())

	mu.Lock()
	require.Len(t, tokens, 2)
	assert.Equal(t, "Bearer refreshed-token", tokens[1])
	mu.Unlock()

	conn.Close()
	awaitClosed(t, envelopes)
	assert.NoError(t, conn.Err())
}

func TestConnectionCloseBeforeListenIsSafe(t *testing.T) {
	t.Parallel()

	srv := newStreamServer(t, func(ctx context.Context, conn *websocket.Conn, _ wireFrame) {
		if err := conn.Write(ctx, websocket.MessageText, activityFrame(t, "a", "post", "room-1")); err != nil {
			return
		}
		_, _, _ = conn.Read(ctx)
	})

	creds := &fakeCreds{token: "token-1"}
	conn, _ := newTestConnection(srv, creds, Config{})

	// Nothing is running yet; closing must be a no-op, not a panic.
	conn.Close()

	envelopes, err := conn.Listen(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "a", recvEnvelope(t, envelopes).ActivityID)

	conn.Close()
	awaitClosed(t, envelopes)
	assert.NoError(t, conn.Err())
}

func TestConnectionReusesValidDeviceRegistration(t *testing.T) {
	t.Parallel()

	srv := newStreamServer(t, func(ctx context.Context, conn *websocket.Conn, _ wireFrame) {
		if err := conn.Write(ctx, websocket.MessageText, activityFrame(t, "a", "post", "room-1")); err != nil {
			return
		}
		_, _, _ = conn.Read(ctx)
	})

	creds := &fakeCreds{token: "token-1"}
	registrar := &fakeRegistrar{url: srv.URL}
	conn := New(Options{
		Registrar:   registrar,
		Credentials: creds,
		Logger:      zerolog.Nop(),
		Device: domain.DeviceRegistration{
			DeviceID:     "device-prev",
			WebSocketURL: srv.URL,
			TTL:          time.Hour,
			RegisteredAt: time.Now(),
		},
	})

	envelopes, err := conn.Listen(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "a", recvEnvelope(t, envelopes).ActivityID)
	assert.Equal(t, 0, registrar.callCount(), "a still-valid registration is reused")

	conn.Close()
	awaitClosed(t, envelopes)
}

func TestConnectionGivesUpAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	dialErr := errors.New("connection refused")

	creds := &fakeCreds{token: "token-1"}
	registrar := &fakeRegistrar{url: "http://127.0.0.1:0"}
	conn := New(Options{
		Registrar:   registrar,
		Credentials: creds,
		Logger:      zerolog.Nop(),
		Config: Config{
			BackoffBase: time.Millisecond,
			BackoffCap:  2 * time.Millisecond,
			MaxFailures: 3,
		},
		Dial: func(context.Context, string) (*websocket.Conn, error) {
			return nil, dialErr
		},
	})

	envelopes, err := conn.Listen(context.Background())
	require.NoError(t, err)

	awaitClosed(t, envelopes)

	require.ErrorIs(t, conn.Err(), ErrTooManyFailures)
	assert.ErrorIs(t, conn.Err(), dialErr)
}

func TestConnectionDropsMalformedFrames(t *testing.T) {
	t.Parallel()

	srv := newStreamServer(t, func(ctx context.Context, conn *websocket.Conn, _ wireFrame) {
		if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
			return
		}
		if err := conn.Write(ctx, websocket.MessageText, activityFrame(t, "valid", "post", "room-1")); err != nil {
			return
		}
		_, _, _ = conn.Read(ctx)
	})

	creds := &fakeCreds{token: "token-1"}
	conn, _ := newTestConnection(srv, creds, Config{})

	envelopes, err := conn.Listen(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "valid", recvEnvelope(t, envelopes).ActivityID)

	conn.Close()
	awaitClosed(t, envelopes)
	assert.NoError(t, conn.Err())
}

func TestConnectionListenIsOncePerConnection(t *testing.T) {
	t.Parallel()

	srv := newStreamServer(t, func(ctx context.Context, conn *websocket.Conn, _ wireFrame) {
		_, _, _ = conn.Read(ctx)
	})

	creds := &fakeCreds{token: "token-1"}
	conn, _ := newTestConnection(srv, creds, Config{})

	envelopes, err := conn.Listen(context.Background())
	require.NoError(t, err)

	_, err = conn.Listen(context.Background())
	require.Error(t, err)

	conn.Close()
	awaitClosed(t, envelopes)
}

func TestConnectionCancellationIsClean(t *testing.T) {
	t.Parallel()

	srv := newStreamServer(t, func(ctx context.Context, conn *websocket.Conn, _ wireFrame) {
		if err := conn.Write(ctx, websocket.MessageText, activityFrame(t, "a", "post", "room-1")); err != nil {
			return
		}
		_, _, _ = conn.Read(ctx)
	})

	creds := &fakeCreds{token: "token-1"}
	conn, _ := newTestConnection(srv, creds, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	envelopes, err := conn.Listen(ctx)
	require.NoError(t, err)

	recvEnvelope(t, envelopes)
	cancel()

	awaitClosed(t, envelopes)
	assert.NoError(t, conn.Err(), "cancellation ends the sequence without error")
	assert.Equal(t, StateClosed, conn.State())
}
