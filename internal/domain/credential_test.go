package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCredentialValid(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	assert.True(t, Credential{AccessToken: "a", ExpiresAt: now.Add(time.Hour)}.Valid(now))
	assert.True(t, Credential{AccessToken: "a"}.Valid(now), "no recorded expiry means usable")
	assert.False(t, Credential{AccessToken: "a", ExpiresAt: now.Add(-time.Second)}.Valid(now))
	assert.False(t, Credential{ExpiresAt: now.Add(time.Hour)}.Valid(now), "empty access token")
}

func TestCredentialExpiringWithin(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	margin := 5 * time.Minute

	assert.True(t, Credential{AccessToken: "a", ExpiresAt: now.Add(4 * time.Minute)}.ExpiringWithin(now, margin))
	assert.True(t, Credential{AccessToken: "a", ExpiresAt: now.Add(-time.Minute)}.ExpiringWithin(now, margin), "already expired")
	assert.False(t, Credential{AccessToken: "a", ExpiresAt: now.Add(6 * time.Minute)}.ExpiringWithin(now, margin))
	assert.False(t, Credential{AccessToken: "a"}.ExpiringWithin(now, margin), "no expiry never triggers proactive refresh")
}

func TestDeviceRegistrationExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	fresh := DeviceRegistration{TTL: time.Hour, RegisteredAt: now.Add(-time.Minute)}
	assert.False(t, fresh.Expired(now))

	stale := DeviceRegistration{TTL: time.Hour, RegisteredAt: now.Add(-2 * time.Hour)}
	assert.True(t, stale.Expired(now))

	boundary := DeviceRegistration{TTL: time.Hour, RegisteredAt: now.Add(-time.Hour)}
	assert.True(t, boundary.Expired(now))

	noTTL := DeviceRegistration{RegisteredAt: now.Add(-24 * time.Hour)}
	assert.False(t, noTTL.Expired(now), "zero ttl means the service did not bound the registration")
}
