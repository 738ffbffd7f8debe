package stream

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/bnema/webex-term/internal/domain"
	"github.com/bnema/webex-term/internal/ports"
)

// State is the connection lifecycle phase. Closed is terminal; a new
// Connection must be constructed to listen again.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateListening
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateListening:
		return "listening"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Service-assigned close codes observed on the event stream.
const (
	closeStatusAuthFailed    websocket.StatusCode = 4401
	closeStatusDeviceExpired websocket.StatusCode = 4410
)

// ErrTooManyFailures is the fatal network error surfaced after the
// consecutive-failure cap is exceeded.
var ErrTooManyFailures = errors.New("event stream gave up after repeated connection failures")

// CredentialSource supplies the credential for the authentication handshake.
type CredentialSource interface {
	Credential(ctx context.Context) (domain.Credential, error)
	ForceRefresh(ctx context.Context) (domain.Credential, error)
}

// Config carries the reconnect policy knobs. Zero values fall back to the
// conservative defaults.
type Config struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// MinUptime is how long a connection must stay in Listening before a
	// later failure resets the backoff, distinguishing a flaky reconnect
	// loop from a connection that failed much later for unrelated reasons.
	MinUptime   time.Duration
	MaxFailures int
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	if c.MinUptime <= 0 {
		c.MinUptime = 30 * time.Second
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	return c
}

// DialFunc opens the websocket transport. Tests substitute a dialer bound
// to a local server.
type DialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

func defaultDial(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	return conn, err
}

// Options assembles a Connection.
type Options struct {
	Registrar   ports.DeviceRegistrar
	Credentials CredentialSource
	Config      Config
	Logger      zerolog.Logger
	Clock       ports.Clock
	Dial        DialFunc

	// Device, when still valid, is reused instead of registering a fresh
	// one. A room switch passes the previous connection's registration here.
	Device domain.DeviceRegistration

	// OnStateChange observes transitions; used by tests instrumenting the
	// state machine.
	OnStateChange func(State)
}

// Connection owns one websocket to the registered event-stream endpoint. It
// authenticates the socket, answers keepalives, and emits decoded envelopes
// in arrival order on the channel returned by Listen. The sequence ends only
// on cancellation (clean close, Err returns nil) or a fatal error.
type Connection struct {
	registrar ports.DeviceRegistrar
	creds     CredentialSource
	cfg       Config
	logger    zerolog.Logger
	clock     ports.Clock
	dial      DialFunc
	onState   func(State)

	envelopes chan domain.Envelope
	cancel    context.CancelFunc

	mu      sync.Mutex
	state   State
	device  domain.DeviceRegistration
	err     error
	started bool
}

func New(opts Options) *Connection {
	clock := opts.Clock
	if clock == nil {
		clock = ports.SystemClock{}
	}
	dial := opts.Dial
	if dial == nil {
		dial = defaultDial
	}

	return &Connection{
		registrar: opts.Registrar,
		creds:     opts.Credentials,
		cfg:       opts.Config.withDefaults(),
		logger:    opts.Logger,
		clock:     clock,
		dial:      dial,
		onState:   opts.OnStateChange,
		device:    opts.Device,
		envelopes: make(chan domain.Envelope, 16),
		state:     StateIdle,
	}
}

// Listen starts the connection loop and returns the envelope sequence. The
// channel is closed when the connection reaches Closed; Err reports whether
// that end was a cancellation (nil) or a fatal error. Listen may be called
// once per Connection.
func (c *Connection) Listen(ctx context.Context) (<-chan domain.Envelope, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil, errors.New("stream connection already started")
	}
	c.started = true
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(runCtx)

	return c.envelopes, nil
}

// Close cancels the connection from any state. The envelope channel closes
// shortly after; this is a clean, finite end of the sequence, not an error.
func (c *Connection) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the fatal error that ended the sequence, or nil after a clean
// cancellation. Valid once the envelope channel is closed.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Device returns the current registration so a successor connection can
// reuse it across a room switch.
func (c *Connection) Device() domain.DeviceRegistration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.onState != nil {
		c.onState(s)
	}
}

func (c *Connection) setDevice(d domain.DeviceRegistration) {
	c.mu.Lock()
	c.device = d
	c.mu.Unlock()
}

func (c *Connection) run(ctx context.Context) {
	err := c.loop(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	c.mu.Lock()
	c.err = err
	c.state = StateClosed
	c.mu.Unlock()
	if c.onState != nil {
		c.onState(StateClosed)
	}

	close(c.envelopes)
}

func (c *Connection) loop(ctx context.Context) error {
	backoff := &Backoff{Base: c.cfg.BackoffBase, Cap: c.cfg.BackoffCap}
	failures := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.setState(StateConnecting)

		sessionErr := c.connectAndListen(ctx, backoff, &failures)
		if sessionErr == nil || errors.Is(sessionErr, context.Canceled) {
			return sessionErr
		}

		fatal, immediate := c.classify(sessionErr)
		if fatal {
			return sessionErr
		}

		c.setState(StateReconnecting)

		if immediate {
			// Registration renewal is routine operation, not a failure; it
			// never burns the failure budget or enters backoff.
			c.logger.Debug().Err(sessionErr).Msg("reconnecting immediately to renew device registration")
			continue
		}

		failures++
		if failures > c.cfg.MaxFailures {
			return fmt.Errorf("%w: %w", ErrTooManyFailures, sessionErr)
		}

		delay := backoff.Next()
		c.logger.Warn().Err(sessionErr).Dur("delay", delay).Int("failures", failures).
			Msg("event stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// classify splits session errors into (fatal, reconnect-immediately).
func (c *Connection) classify(err error) (fatal bool, immediate bool) {
	switch {
	case errors.Is(err, domain.ErrAuthRejected), errors.Is(err, domain.ErrNotAuthenticated):
		return true, false
	case errors.Is(err, domain.ErrDeviceExpired):
		return false, true
	default:
		return false, false
	}
}

// errAuthClose marks a close carrying an authorization-rejection status,
// whether during the handshake or later while listening. Each connect cycle
// gets one refresh+retry before the rejection becomes fatal, and it never
// enters the reconnect backoff path.
var errAuthClose = errors.New("event stream closed by authorization rejection")

// connectAndListen performs one full connect-authenticate-listen cycle.
func (c *Connection) connectAndListen(ctx context.Context, backoff *Backoff, failures *int) error {
	device, err := c.ensureDevice(ctx)
	if err != nil {
		return err
	}

	cred, err := c.creds.Credential(ctx)
	if err != nil {
		return err
	}

	err = c.session(ctx, device, cred.AccessToken, backoff, failures)
	if !errors.Is(err, errAuthClose) {
		return c.noteDeviceExpiry(err)
	}

	// The service rejected the token: refresh the credential once and retry
	// a single time before surfacing an auth error.
	cred, err = c.creds.ForceRefresh(ctx)
	if err != nil {
		return err
	}

	err = c.session(ctx, device, cred.AccessToken, backoff, failures)
	if errors.Is(err, errAuthClose) {
		return fmt.Errorf("event stream authorization rejected after refresh: %w", domain.ErrAuthRejected)
	}
	return c.noteDeviceExpiry(err)
}

// noteDeviceExpiry drops the cached registration when the service signals
// expiry so the next cycle registers a fresh device.
func (c *Connection) noteDeviceExpiry(err error) error {
	if errors.Is(err, domain.ErrDeviceExpired) {
		c.setDevice(domain.DeviceRegistration{})
	}
	return err
}

// deviceRenewalDeadline is the instant a registration should be renewed:
// a tenth of the TTL before it elapses, so renewal happens on our schedule
// rather than the service's hard close.
func deviceRenewalDeadline(device domain.DeviceRegistration) (time.Time, bool) {
	if device.TTL <= 0 || device.RegisteredAt.IsZero() {
		return time.Time{}, false
	}
	return device.RegisteredAt.Add(device.TTL - device.TTL/10), true
}

// session dials, authenticates, and listens until the transport fails, the
// registration nears its TTL, or the context is cancelled.
func (c *Connection) session(ctx context.Context, device domain.DeviceRegistration, accessToken string, backoff *Backoff, failures *int) error {
	socketCtx := ctx
	if deadline, ok := deviceRenewalDeadline(device); ok {
		var cancel context.CancelFunc
		socketCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	err := c.runSocket(socketCtx, device, accessToken, backoff, failures)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("device registration near expiry: %w", domain.ErrDeviceExpired)
	}
	return err
}

func (c *Connection) runSocket(ctx context.Context, device domain.DeviceRegistration, accessToken string, backoff *Backoff, failures *int) error {
	conn, err := c.dial(ctx, device.WebSocketURL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck

	c.setState(StateAuthenticating)
	if err := c.sendAuthFrame(ctx, conn, accessToken); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("send authentication handshake: %w", err)
	}

	return c.readLoop(ctx, conn, backoff, failures, c.clock.Now())
}

func (c *Connection) ensureDevice(ctx context.Context) (domain.DeviceRegistration, error) {
	c.mu.Lock()
	device := c.device
	c.mu.Unlock()

	now := c.clock.Now()
	if device.WebSocketURL != "" && !device.Expired(now) {
		if deadline, ok := deviceRenewalDeadline(device); !ok || now.Before(deadline) {
			return device, nil
		}
	}

	cred, err := c.creds.Credential(ctx)
	if err != nil {
		return domain.DeviceRegistration{}, err
	}

	device, err = c.registrar.Register(ctx, cred)
	if err != nil {
		return domain.DeviceRegistration{}, fmt.Errorf("register device: %w", err)
	}

	c.setDevice(device)
	c.logger.Debug().Str("device", device.DeviceID).Dur("ttl", device.TTL).
		Msg("registered event stream device")
	return device, nil
}

func (c *Connection) sendAuthFrame(ctx context.Context, conn *websocket.Conn, accessToken string) error {
	frame := wireFrame{
		ID:   newFrameID(),
		Type: "authorization",
	}
	data, err := json.Marshal(map[string]string{"token": "Bearer " + accessToken})
	if err != nil {
		return err
	}
	frame.Data = data

	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	return conn.Write(ctx, websocket.MessageText, payload)
}

func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn, backoff *Backoff, failures *int, since time.Time) error {
	first := true

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if isAuthCloseStatus(err) {
				return errAuthClose
			}

			if !first && c.clock.Now().Sub(since) >= c.cfg.MinUptime {
				backoff.Reset()
				*failures = 0
			}

			return classifyReadError(err)
		}

		if first {
			// The handshake was accepted: the first inbound frame moves the
			// connection into Listening.
			first = false
			since = c.clock.Now()
			c.setState(StateListening)
		}

		c.handleFrame(ctx, conn, data)
	}
}

func (c *Connection) handleFrame(ctx context.Context, conn *websocket.Conn, data []byte) {
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		// Protocol error: drop the single frame, keep the connection.
		c.logger.Warn().Err(err).Msg("dropping malformed event stream frame")
		return
	}

	if frame.Type == "ping" {
		c.answerKeepalive(ctx, conn, frame.ID)
		return
	}

	envelope, ok := decodeEnvelope(frame)
	if !ok {
		return
	}

	select {
	case c.envelopes <- envelope:
	case <-ctx.Done():
	}
}

// Keepalives are answered immediately and never surfaced to the consumer.
func (c *Connection) answerKeepalive(ctx context.Context, conn *websocket.Conn, id string) {
	pong, err := json.Marshal(wireFrame{ID: id, Type: "pong"})
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, pong); err != nil {
		c.logger.Debug().Err(err).Msg("keepalive answer failed")
	}
}

func classifyReadError(err error) error {
	switch websocket.CloseStatus(err) {
	case closeStatusDeviceExpired, websocket.StatusGoingAway:
		return fmt.Errorf("event stream closed: %w", domain.ErrDeviceExpired)
	default:
		return fmt.Errorf("event stream read: %w", err)
	}
}

func isAuthCloseStatus(err error) bool {
	status := websocket.CloseStatus(err)
	return status == closeStatusAuthFailed || status == websocket.StatusPolicyViolation
}

func newFrameID() string {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "frame"
	}
	return hex.EncodeToString(raw)
}
