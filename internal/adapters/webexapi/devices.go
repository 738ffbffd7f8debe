package webexapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bnema/webex-term/internal/domain"
	"github.com/bnema/webex-term/internal/ports"
)

const defaultDeviceTTL = 6 * time.Hour

// Registrar creates ephemeral device registrations against the device
// management endpoint. Registrations are never persisted; expiry simply
// means registering again.
type Registrar struct {
	DevicesURL string
	DeviceName string
	HTTPClient *http.Client
	Clock      ports.Clock
}

var _ ports.DeviceRegistrar = (*Registrar)(nil)

type deviceResponse struct {
	URL          string `json:"url"`
	DeviceID     string `json:"deviceId"`
	WebSocketURL string `json:"webSocketUrl"`
	TTLSeconds   int64  `json:"ttl"`
}

func (r *Registrar) Register(ctx context.Context, cred domain.Credential) (domain.DeviceRegistration, error) {
	if r.DevicesURL == "" {
		return domain.DeviceRegistration{}, fmt.Errorf("devices url is required")
	}
	if cred.AccessToken == "" {
		return domain.DeviceRegistration{}, domain.ErrNotAuthenticated
	}

	name := r.DeviceName
	if name == "" {
		name = "Webex Terminal"
	}

	payload := map[string]string{
		"deviceName":     name,
		"deviceType":     "DESKTOP",
		"localizedModel": "Desktop",
		"model":          "Desktop",
		"name":           name,
		"systemName":     "webex-term",
		"systemVersion":  "1.0",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.DeviceRegistration{}, fmt.Errorf("encode device registration: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.DevicesURL, bytes.NewReader(body))
	if err != nil {
		return domain.DeviceRegistration{}, fmt.Errorf("create device registration request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return domain.DeviceRegistration{}, fmt.Errorf("register device: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.DeviceRegistration{}, fmt.Errorf("read device registration response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.DeviceRegistration{}, fmt.Errorf("register device status %d: %w", resp.StatusCode, domain.ErrAuthRejected)
	case resp.StatusCode == http.StatusGone:
		return domain.DeviceRegistration{}, fmt.Errorf("register device status %d: %w", resp.StatusCode, domain.ErrDeviceExpired)
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		return domain.DeviceRegistration{}, &APIError{StatusCode: resp.StatusCode, Message: apiErrorMessage(respBody)}
	}

	var device deviceResponse
	if err := json.Unmarshal(respBody, &device); err != nil {
		return domain.DeviceRegistration{}, fmt.Errorf("decode device registration response: %w", err)
	}
	if device.WebSocketURL == "" {
		return domain.DeviceRegistration{}, fmt.Errorf("device registration response has no websocket url")
	}

	deviceID := device.DeviceID
	if deviceID == "" {
		deviceID = device.URL
	}

	ttl := defaultDeviceTTL
	if device.TTLSeconds > 0 {
		ttl = time.Duration(device.TTLSeconds) * time.Second
	}

	clock := r.Clock
	if clock == nil {
		clock = ports.SystemClock{}
	}

	return domain.DeviceRegistration{
		DeviceID:     deviceID,
		WebSocketURL: device.WebSocketURL,
		TTL:          ttl,
		RegisteredAt: clock.Now(),
	}, nil
}
