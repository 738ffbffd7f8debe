package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/webex-term/internal/domain"
)

type fakeSource struct {
	mu     sync.Mutex
	ch     chan domain.Envelope
	err    error
	closed bool
	device domain.DeviceRegistration

	// lifecycle hooks for tests tracking how many sources are live.
	onListen func()
	onClose  func()
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan domain.Envelope)}
}

func (f *fakeSource) Listen(ctx context.Context) (<-chan domain.Envelope, error) {
	if f.onListen != nil {
		f.onListen()
	}
	go func() {
		<-ctx.Done()
		f.Close()
	}()
	return f.ch, nil
}

func (f *fakeSource) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.ch)
	if f.onClose != nil {
		f.onClose()
	}
}

func (f *fakeSource) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSource) emit(t *testing.T, envelope domain.Envelope) {
	t.Helper()
	select {
	case f.ch <- envelope:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out emitting envelope")
	}
}

func (f *fakeSource) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeSource) Device() domain.DeviceRegistration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.device
}

type fakeFetcher struct {
	fn func(messageID string) (domain.Message, error)
}

func (f *fakeFetcher) GetMessage(_ context.Context, messageID string) (domain.Message, error) {
	return f.fn(messageID)
}

func postEnvelope(roomID, activityID string) domain.Envelope {
	return domain.Envelope{Kind: domain.EventPost, RoomID: roomID, ActivityID: activityID}
}

func recvMessage(t *testing.T, ch <-chan domain.Message) domain.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "message channel closed early")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return domain.Message{}
	}
}

func awaitMessagesClosed(t *testing.T, ch <-chan domain.Message) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for message channel to close")
		}
	}
}

func TestMonitorFiltersOtherRooms(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	fetcher := &fakeFetcher{fn: func(id string) (domain.Message, error) {
		return domain.Message{ID: id, RoomID: "room-1", Text: "text " + id}, nil
	}}

	monitor := NewMonitor("room-1", source, fetcher, nil, zerolog.Nop())
	messages, err := monitor.Start(context.Background())
	require.NoError(t, err)

	source.emit(t, postEnvelope("room-1", "a"))
	source.emit(t, postEnvelope("room-2", "noise"))
	source.emit(t, postEnvelope("room-1", "b"))

	assert.Equal(t, "a", recvMessage(t, messages).ID)
	assert.Equal(t, "b", recvMessage(t, messages).ID)

	source.Close()
	awaitMessagesClosed(t, messages)
}

func TestMonitorSynthesizesTombstoneForDelete(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	fetcher := &fakeFetcher{fn: func(string) (domain.Message, error) {
		t.Error("delete events must not be fetched")
		return domain.Message{}, nil
	}}

	monitor := NewMonitor("room-1", source, fetcher, nil, zerolog.Nop())
	messages, err := monitor.Start(context.Background())
	require.NoError(t, err)

	source.emit(t, domain.Envelope{Kind: domain.EventDelete, RoomID: "room-1", ActivityID: "gone"})

	msg := recvMessage(t, messages)
	assert.True(t, msg.Deleted)
	assert.Equal(t, "gone", msg.ID)
	assert.Equal(t, "room-1", msg.RoomID)

	source.Close()
	awaitMessagesClosed(t, messages)
}

func TestMonitorDropsUnresolvableEnvelopes(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	fetcher := &fakeFetcher{fn: func(id string) (domain.Message, error) {
		switch id {
		case "vanished":
			return domain.Message{}, domain.ErrMessageNotFound
		case "flaky":
			return domain.Message{}, errors.New("service unavailable")
		default:
			return domain.Message{ID: id, RoomID: "room-1"}, nil
		}
	}}

	monitor := NewMonitor("room-1", source, fetcher, nil, zerolog.Nop())
	messages, err := monitor.Start(context.Background())
	require.NoError(t, err)

	source.emit(t, postEnvelope("room-1", "vanished"))
	source.emit(t, postEnvelope("room-1", "flaky"))
	source.emit(t, postEnvelope("room-1", "ok"))

	// Only the resolvable envelope surfaces; the failures never end the
	// sequence.
	assert.Equal(t, "ok", recvMessage(t, messages).ID)

	source.Close()
	awaitMessagesClosed(t, messages)
}

func TestMonitorResolvesActivityIDs(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	fetcher := &fakeFetcher{fn: func(id string) (domain.Message, error) {
		assert.Equal(t, "resolved:act-1", id)
		return domain.Message{ID: id}, nil
	}}
	resolveID := func(id string) string { return "resolved:" + id }

	monitor := NewMonitor("room-1", source, fetcher, resolveID, zerolog.Nop())
	messages, err := monitor.Start(context.Background())
	require.NoError(t, err)

	source.emit(t, postEnvelope("room-1", "act-1"))

	msg := recvMessage(t, messages)
	assert.Equal(t, "resolved:act-1", msg.ID)
	assert.Equal(t, "room-1", msg.RoomID, "room id backfilled from the envelope")

	source.Close()
	awaitMessagesClosed(t, messages)
}

func TestMonitorStopClosesTheSequence(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	fetcher := &fakeFetcher{fn: func(id string) (domain.Message, error) {
		return domain.Message{ID: id}, nil
	}}

	monitor := NewMonitor("room-1", source, fetcher, nil, zerolog.Nop())
	messages, err := monitor.Start(context.Background())
	require.NoError(t, err)

	monitor.Stop()
	awaitMessagesClosed(t, messages)
	assert.True(t, source.isClosed())
}
