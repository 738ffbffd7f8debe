package stream

import (
	"encoding/json"

	"github.com/bnema/webex-term/internal/domain"
)

// wireFrame is the outer shape of every event-stream frame, inbound and
// outbound.
type wireFrame struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type activityData struct {
	EventType string `json:"eventType"`
	Activity  struct {
		ID     string `json:"id"`
		Verb   string `json:"verb"`
		Target struct {
			GlobalID string `json:"globalId"`
			ID       string `json:"id"`
		} `json:"target"`
		Object struct {
			RoomID string `json:"roomId"`
		} `json:"object"`
	} `json:"activity"`
}

// decodeEnvelope extracts an envelope from a conversation-activity frame.
// Frames of other kinds, and activity verbs the client does not track,
// yield ok=false and are dropped without being surfaced.
func decodeEnvelope(frame wireFrame) (domain.Envelope, bool) {
	if len(frame.Data) == 0 {
		return domain.Envelope{}, false
	}

	var data activityData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		return domain.Envelope{}, false
	}
	if data.EventType != "conversation.activity" || data.Activity.ID == "" {
		return domain.Envelope{}, false
	}

	var kind domain.EventKind
	switch data.Activity.Verb {
	case "post":
		kind = domain.EventPost
	case "share":
		kind = domain.EventShare
	case "delete":
		kind = domain.EventDelete
	case "update":
		kind = domain.EventUpdate
	default:
		return domain.Envelope{}, false
	}

	// The room id can live in several places depending on the activity
	// shape; prefer the global target id.
	roomID := data.Activity.Target.GlobalID
	if roomID == "" {
		roomID = data.Activity.Target.ID
	}
	if roomID == "" {
		roomID = data.Activity.Object.RoomID
	}
	if roomID == "" {
		return domain.Envelope{}, false
	}

	return domain.Envelope{
		Kind:       kind,
		RoomID:     roomID,
		ActivityID: data.Activity.ID,
	}, true
}
