package domain

import "time"

// DeviceRegistration binds a credential to an event-stream endpoint. It is
// never persisted across process restarts.
type DeviceRegistration struct {
	DeviceID     string
	WebSocketURL string
	TTL          time.Duration
	RegisteredAt time.Time
}

// Expired reports whether the registration TTL has elapsed. Owners should
// re-register before this becomes true rather than waiting for a hard
// failure from the service.
func (d DeviceRegistration) Expired(now time.Time) bool {
	if d.TTL <= 0 {
		return false
	}
	return !now.Before(d.RegisteredAt.Add(d.TTL))
}
