package domain

import "time"

// Credential is the OAuth2 credential persisted by the credential store.
// The on-disk copy is the single source of truth; holders must re-read it
// before trusting it valid.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Scopes       []string  `json:"scopes,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	AccountID    string    `json:"account_id,omitempty"`
}

func (c Credential) Valid(now time.Time) bool {
	return c.AccessToken != "" && (c.ExpiresAt.IsZero() || c.ExpiresAt.After(now))
}

// ExpiringWithin reports whether the credential expires within margin of now
// and should be refreshed proactively.
func (c Credential) ExpiringWithin(now time.Time, margin time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !c.ExpiresAt.After(now.Add(margin))
}
