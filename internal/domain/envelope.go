package domain

// EventKind tags the activity verbs the stream can notify about.
type EventKind string

const (
	EventPost   EventKind = "post"
	EventShare  EventKind = "share"
	EventDelete EventKind = "delete"
	EventUpdate EventKind = "update"
)

// Envelope is a stream notification referencing a changed activity by room
// id and activity id. It never carries the message body; the monitor
// resolves that through the REST client.
type Envelope struct {
	Kind       EventKind
	RoomID     string
	ActivityID string
}
