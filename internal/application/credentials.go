package application

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/bnema/webex-term/internal/domain"
	"github.com/bnema/webex-term/internal/ports"
)

// CredentialSource layers the refresh policy over the credential store: it
// re-reads the store on every call (another process may have rotated the
// tokens) and refreshes proactively inside the safety margin, or reactively
// when a caller reports a rejection.
type CredentialSource struct {
	store  ports.CredentialStore
	clock  ports.Clock
	margin time.Duration
	logger zerolog.Logger
}

func NewCredentialSource(store ports.CredentialStore, clock ports.Clock, margin time.Duration, logger zerolog.Logger) *CredentialSource {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if margin <= 0 {
		margin = 5 * time.Minute
	}
	return &CredentialSource{store: store, clock: clock, margin: margin, logger: logger}
}

func (s *CredentialSource) Credential(ctx context.Context) (domain.Credential, error) {
	cred, err := s.store.Load(ctx)
	if err != nil {
		return domain.Credential{}, err
	}

	if cred.ExpiringWithin(s.clock.Now(), s.margin) {
		s.logger.Debug().Time("expires_at", cred.ExpiresAt).Msg("credential near expiry, refreshing")
		return s.store.Refresh(ctx, cred)
	}

	return cred, nil
}

// ForceRefresh is the reactive path after the service rejected the current
// access token.
func (s *CredentialSource) ForceRefresh(ctx context.Context) (domain.Credential, error) {
	cred, err := s.store.Load(ctx)
	if err != nil {
		return domain.Credential{}, err
	}
	return s.store.Refresh(ctx, cred)
}

// RunRefreshLoop checks the credential on a timer so expiry is handled
// before any request fails. It returns nil on cancellation and the terminal
// error when re-authentication is required.
func (s *CredentialSource) RunRefreshLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if _, err := s.Credential(ctx); err != nil {
			if errors.Is(err, domain.ErrNotAuthenticated) {
				return err
			}
			// Transient refresh problems self-heal on the next tick.
			s.logger.Warn().Err(err).Msg("proactive credential refresh failed")
		}
	}
}
