package ports

import (
	"context"

	"github.com/bnema/webex-term/internal/domain"
)

// DeviceRegistrar exchanges a valid credential for an ephemeral device
// registration carrying the websocket endpoint. Registration is idempotent:
// calling it again after an expiry signal simply yields a new registration.
type DeviceRegistrar interface {
	Register(ctx context.Context, cred domain.Credential) (domain.DeviceRegistration, error)
}
