package application

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/bnema/webex-term/internal/domain"
	"github.com/bnema/webex-term/internal/ports"
)

// EnvelopeSource is the stream connection surface the monitor needs. It is
// satisfied by *stream.Connection.
type EnvelopeSource interface {
	Listen(ctx context.Context) (<-chan domain.Envelope, error)
	Close()
	Err() error
	Device() domain.DeviceRegistration
}

// Monitor binds one stream connection to one room, fixed at construction.
// The underlying stream is account-wide, so envelopes for other rooms are
// discarded; accepted envelopes are resolved to full messages through the
// REST client, in arrival order.
type Monitor struct {
	roomID    string
	conn      EnvelopeSource
	fetcher   ports.MessageFetcher
	resolveID func(activityID string) string
	logger    zerolog.Logger

	messages chan domain.Message
}

// NewMonitor builds a monitor for roomID. resolveID converts a bare
// activity id into the id form the REST API accepts; nil means ids pass
// through unchanged.
func NewMonitor(roomID string, conn EnvelopeSource, fetcher ports.MessageFetcher, resolveID func(string) string, logger zerolog.Logger) *Monitor {
	if resolveID == nil {
		resolveID = func(id string) string { return id }
	}
	return &Monitor{
		roomID:    roomID,
		conn:      conn,
		fetcher:   fetcher,
		resolveID: resolveID,
		logger:    logger,
		messages:  make(chan domain.Message),
	}
}

func (m *Monitor) RoomID() string { return m.roomID }

// Connection exposes the owned stream so the switcher can await its closure
// and reuse its device registration.
func (m *Monitor) Connection() EnvelopeSource { return m.conn }

// Start begins listening and returns the message sequence. The channel
// closes when the stream ends; Connection().Err() distinguishes
// cancellation from fatal failure.
func (m *Monitor) Start(ctx context.Context) (<-chan domain.Message, error) {
	envelopes, err := m.conn.Listen(ctx)
	if err != nil {
		return nil, err
	}

	go m.pump(ctx, envelopes)

	return m.messages, nil
}

// Stop cancels the underlying stream. The message channel closes once the
// connection reports Closed.
func (m *Monitor) Stop() {
	m.conn.Close()
}

func (m *Monitor) pump(ctx context.Context, envelopes <-chan domain.Envelope) {
	defer close(m.messages)

	for envelope := range envelopes {
		if envelope.RoomID != m.roomID {
			continue
		}

		msg, ok := m.resolve(ctx, envelope)
		if !ok {
			continue
		}

		select {
		case m.messages <- msg:
		case <-ctx.Done():
			// Drain the envelope channel so the connection can finish
			// closing without blocking on a full buffer.
			for range envelopes { //nolint:revive
			}
			return
		}
	}
}

func (m *Monitor) resolve(ctx context.Context, envelope domain.Envelope) (domain.Message, bool) {
	messageID := m.resolveID(envelope.ActivityID)

	if envelope.Kind == domain.EventDelete {
		// Nothing to fetch; the referenced activity is gone.
		return domain.Message{ID: messageID, RoomID: envelope.RoomID, Deleted: true}, true
	}

	msg, err := m.fetcher.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			m.logger.Debug().Str("activity", envelope.ActivityID).
				Msg("referenced message vanished before fetch")
			return domain.Message{}, false
		}
		// A single unresolved message never interrupts the session.
		m.logger.Warn().Err(err).Str("activity", envelope.ActivityID).
			Msg("failed to resolve message for envelope")
		return domain.Message{}, false
	}

	if msg.RoomID == "" {
		msg.RoomID = envelope.RoomID
	}

	return msg, true
}
