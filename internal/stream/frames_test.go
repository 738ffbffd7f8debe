package stream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/webex-term/internal/domain"
)

func frameWithData(t *testing.T, data any) wireFrame {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return wireFrame{ID: "frame-1", Type: "event", Data: raw}
}

func TestDecodeEnvelopeVerbMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		verb string
		kind domain.EventKind
	}{
		{"post", domain.EventPost},
		{"share", domain.EventShare},
		{"delete", domain.EventDelete},
		{"update", domain.EventUpdate},
	}

	for _, tc := range cases {
		frame := frameWithData(t, map[string]any{
			"eventType": "conversation.activity",
			"activity": map[string]any{
				"id":     "act-1",
				"verb":   tc.verb,
				"target": map[string]any{"globalId": "room-1"},
			},
		})

		envelope, ok := decodeEnvelope(frame)
		require.True(t, ok, tc.verb)
		assert.Equal(t, tc.kind, envelope.Kind)
		assert.Equal(t, "room-1", envelope.RoomID)
		assert.Equal(t, "act-1", envelope.ActivityID)
	}
}

func TestDecodeEnvelopeRoomIDFallbackChain(t *testing.T) {
	t.Parallel()

	activity := func(target, object map[string]any) wireFrame {
		return frameWithData(t, map[string]any{
			"eventType": "conversation.activity",
			"activity": map[string]any{
				"id":     "act-1",
				"verb":   "post",
				"target": target,
				"object": object,
			},
		})
	}

	envelope, ok := decodeEnvelope(activity(map[string]any{"globalId": "global", "id": "plain"}, nil))
	require.True(t, ok)
	assert.Equal(t, "global", envelope.RoomID)

	envelope, ok = decodeEnvelope(activity(map[string]any{"id": "plain"}, nil))
	require.True(t, ok)
	assert.Equal(t, "plain", envelope.RoomID)

	envelope, ok = decodeEnvelope(activity(nil, map[string]any{"roomId": "from-object"}))
	require.True(t, ok)
	assert.Equal(t, "from-object", envelope.RoomID)

	_, ok = decodeEnvelope(activity(nil, nil))
	assert.False(t, ok)
}

func TestDecodeEnvelopeDropsUntrackedFrames(t *testing.T) {
	t.Parallel()

	_, ok := decodeEnvelope(wireFrame{Type: "event"})
	assert.False(t, ok, "empty data")

	_, ok = decodeEnvelope(frameWithData(t, map[string]any{
		"eventType": "presence.status",
		"activity":  map[string]any{"id": "act-1", "verb": "post"},
	}))
	assert.False(t, ok, "non-activity event type")

	_, ok = decodeEnvelope(frameWithData(t, map[string]any{
		"eventType": "conversation.activity",
		"activity": map[string]any{
			"id":     "act-1",
			"verb":   "acknowledge",
			"target": map[string]any{"globalId": "room-1"},
		},
	}))
	assert.False(t, ok, "untracked verb")
}
