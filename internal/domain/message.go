package domain

import "time"

type Room struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Type   string `json:"type"`
	TeamID string `json:"teamId,omitempty"`
}

type Person struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	Emails      []string `json:"emails,omitempty"`
}

// Message is a fully resolved room message as returned by the REST API.
type Message struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"roomId"`
	PersonID    string    `json:"personId"`
	PersonEmail string    `json:"personEmail,omitempty"`
	Text        string    `json:"text,omitempty"`
	Markdown    string    `json:"markdown,omitempty"`
	Files       []string  `json:"files,omitempty"`
	Created     time.Time `json:"created"`
	Updated     time.Time `json:"updated,omitempty"`

	// SenderName is resolved separately from the people endpoint; it is not
	// part of the message payload.
	SenderName string `json:"-"`
	Deleted    bool   `json:"-"`
}
