package ports

import (
	"context"

	"github.com/bnema/webex-term/internal/domain"
)

// CredentialStore persists the OAuth2 credential shared across terminal
// processes. Load must re-read the backing store on every call rather than
// caching past first use, because a concurrent process may have rewritten it.
type CredentialStore interface {
	Load(ctx context.Context) (domain.Credential, error)
	Save(ctx context.Context, cred domain.Credential) error
	// Refresh rotates the credential's tokens. If another process already
	// rotated the same refresh token, Refresh returns that process's
	// credential instead of erroring. A refresh token rejected by the
	// service yields domain.ErrNotAuthenticated.
	Refresh(ctx context.Context, cred domain.Credential) (domain.Credential, error)
	Invalidate(ctx context.Context) error
}

// TokenRefresher performs the network half of a credential refresh against
// the token endpoint. It is kept separate from CredentialStore so the store
// never holds its file lock across a network call.
type TokenRefresher interface {
	RefreshTokens(ctx context.Context, refreshToken string) (domain.Credential, error)
}
