package ports

import (
	"context"

	"github.com/bnema/webex-term/internal/domain"
)

// MessageFetcher is the one REST operation the core calls synchronously
// from the room monitor.
type MessageFetcher interface {
	GetMessage(ctx context.Context, messageID string) (domain.Message, error)
}

// EventSink consumes resolved messages in delivery order. AuthRequired and
// StreamFailed are the only failure paths that reach the user: the former
// when the session needs a fresh login, the latter when the reconnect cap
// was exceeded. Each is called at most once per subscription, after which no
// further messages arrive.
type EventSink interface {
	Deliver(msg domain.Message)
	AuthRequired(err error)
	StreamFailed(err error)
}
