package application

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bnema/webex-term/internal/domain"
	"github.com/bnema/webex-term/internal/ports"
)

// ConnectionFactory builds a fresh stream connection for each subscription.
// The previous subscription's device registration is passed in so a still
// valid registration is reused across a room switch.
type ConnectionFactory func(device domain.DeviceRegistration) EnvelopeSource

// Switcher owns the single-active-room invariant: it holds at most one live
// (monitor, cancel) pair and every room change goes through the ordered
// stop-then-start protocol. Replaced subscriptions are torn down and
// awaited, never mutated.
type Switcher struct {
	factory   ConnectionFactory
	fetcher   ports.MessageFetcher
	sink      ports.EventSink
	creds     *CredentialSource
	resolveID func(string) string
	logger    zerolog.Logger

	// stopWait bounds how long a switch waits for the previous connection
	// to report closure before abandoning it.
	stopWait time.Duration

	// joinMu serializes Join/Stop; a second Join arriving mid-switch queues
	// behind the first.
	joinMu sync.Mutex

	mu     sync.Mutex
	active *subscription

	refreshCancel context.CancelFunc
}

type subscription struct {
	roomID  string
	monitor *Monitor
	cancel  context.CancelFunc
	done    chan struct{}

	// abandoned is set when a switch gave up waiting for shutdown; the
	// forwarding loop then suppresses any late in-flight deliveries.
	abandoned atomic.Bool
}

// SwitcherOptions carries the collaborators; policy knobs default
// conservatively.
type SwitcherOptions struct {
	Factory     ConnectionFactory
	Fetcher     ports.MessageFetcher
	Sink        ports.EventSink
	Credentials *CredentialSource
	ResolveID   func(string) string
	Logger      zerolog.Logger
	StopWait    time.Duration
}

func NewSwitcher(opts SwitcherOptions) *Switcher {
	stopWait := opts.StopWait
	if stopWait <= 0 {
		stopWait = 10 * time.Second
	}
	return &Switcher{
		factory:   opts.Factory,
		fetcher:   opts.Fetcher,
		sink:      opts.Sink,
		creds:     opts.Credentials,
		resolveID: opts.ResolveID,
		logger:    opts.Logger,
		stopWait:  stopWait,
	}
}

// StartSession launches the background proactive-refresh task. It runs
// until Stop or until the refresh token is rejected, at which point the
// active monitor stops and the sink is told re-authentication is required.
func (s *Switcher) StartSession(ctx context.Context, refreshInterval time.Duration) {
	if s.creds == nil {
		return
	}

	refreshCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.refreshCancel = cancel
	s.mu.Unlock()

	go func() {
		err := s.creds.RunRefreshLoop(refreshCtx, refreshInterval)
		if err == nil {
			return
		}
		s.logger.Error().Err(err).Msg("credential refresh is terminally broken, stopping session")
		s.Stop()
		s.sink.AuthRequired(err)
	}()
}

// Join switches the live subscription to roomID. The previous monitor is
// cancelled and its connection's closure awaited before the new monitor
// starts, so no message from the old room is delivered once the switch has
// begun.
func (s *Switcher) Join(ctx context.Context, roomID string) error {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()

	device := s.retire()

	conn := s.factory(device)
	monitor := NewMonitor(roomID, conn, s.fetcher, s.resolveID, s.logger)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	messages, err := monitor.Start(runCtx)
	if err != nil {
		cancel()
		return err
	}

	sub := &subscription{
		roomID:  roomID,
		monitor: monitor,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	s.active = sub
	s.mu.Unlock()

	go s.forward(sub, messages)

	s.logger.Info().Str("room", roomID).Msg("joined room")
	return nil
}

// Stop tears down the active subscription and the refresh task.
func (s *Switcher) Stop() {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()

	s.retire()

	s.mu.Lock()
	cancel := s.refreshCancel
	s.refreshCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// CurrentRoom returns the bound room id, if any subscription is live.
func (s *Switcher) CurrentRoom() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return "", false
	}
	return s.active.roomID, true
}

// retire cancels the active subscription, waits (bounded) for its
// connection to close, and returns its device registration for reuse. It
// must be called with joinMu held.
func (s *Switcher) retire() domain.DeviceRegistration {
	s.mu.Lock()
	old := s.active
	s.active = nil
	s.mu.Unlock()

	if old == nil {
		return domain.DeviceRegistration{}
	}

	old.cancel()

	select {
	case <-old.done:
	case <-time.After(s.stopWait):
		// Do not block the terminal forever on a wedged shutdown; the
		// abandoned flag keeps late deliveries from leaking through.
		old.abandoned.Store(true)
		s.logger.Warn().Str("room", old.roomID).
			Msg("gave up waiting for previous room connection to close")
	}

	return old.monitor.Connection().Device()
}

func (s *Switcher) forward(sub *subscription, messages <-chan domain.Message) {
	defer close(sub.done)

	for msg := range messages {
		if sub.abandoned.Load() {
			continue
		}
		s.sink.Deliver(msg)
	}

	if sub.abandoned.Load() {
		return
	}

	err := sub.monitor.Connection().Err()
	switch {
	case err == nil:
		// Clean cancellation.
	case errors.Is(err, domain.ErrAuthRejected), errors.Is(err, domain.ErrNotAuthenticated):
		s.sink.AuthRequired(err)
	default:
		s.sink.StreamFailed(err)
	}
}
