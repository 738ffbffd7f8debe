package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bnema/webex-term/internal/domain"
	"github.com/bnema/webex-term/internal/ports"
)

const maxTokenResponseBytes = 1 << 20

// TokenClient talks to the OAuth token endpoint for both the one-time
// authorization-code exchange and refresh-token rotation.
type TokenClient struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	Clock        ports.Clock
}

var _ ports.TokenRefresher = (*TokenClient)(nil)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

type tokenErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
	Message     string `json:"message"`
}

// ExchangeCode trades an authorization code for the initial credential.
func (t *TokenClient) ExchangeCode(ctx context.Context, code, redirectURI string) (domain.Credential, error) {
	if code == "" {
		return domain.Credential{}, errors.New("authorization code is required")
	}
	if redirectURI == "" {
		return domain.Credential{}, errors.New("redirect uri is required")
	}

	values := url.Values{}
	values.Set("grant_type", "authorization_code")
	values.Set("code", code)
	values.Set("redirect_uri", redirectURI)

	return t.post(ctx, values)
}

// RefreshTokens rotates an existing refresh token. A rejected refresh token
// maps to domain.ErrNotAuthenticated so callers stop retrying and require a
// new login.
func (t *TokenClient) RefreshTokens(ctx context.Context, refreshToken string) (domain.Credential, error) {
	if refreshToken == "" {
		return domain.Credential{}, domain.ErrNotAuthenticated
	}

	values := url.Values{}
	values.Set("grant_type", "refresh_token")
	values.Set("refresh_token", refreshToken)

	return t.post(ctx, values)
}

func (t *TokenClient) post(ctx context.Context, values url.Values) (domain.Credential, error) {
	if t.TokenURL == "" {
		return domain.Credential{}, errors.New("token url is required")
	}
	if t.ClientID == "" {
		return domain.Credential{}, errors.New("client id is required")
	}

	values.Set("client_id", t.ClientID)
	values.Set("client_secret", t.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.TokenURL, strings.NewReader(values.Encode()))
	if err != nil {
		return domain.Credential{}, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("token endpoint request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return domain.Credential{}, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		var errResp tokenErrorResponse
		_ = json.Unmarshal(body, &errResp)
		if errResp.Error == "invalid_grant" || resp.StatusCode == http.StatusUnauthorized {
			return domain.Credential{}, fmt.Errorf("token endpoint status %d: %w", resp.StatusCode, domain.ErrNotAuthenticated)
		}
		detail := errResp.Description
		if detail == "" {
			detail = errResp.Message
		}
		if detail != "" {
			return domain.Credential{}, fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, detail)
		}
		return domain.Credential{}, fmt.Errorf("token endpoint status %d", resp.StatusCode)
	}

	var tokens tokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return domain.Credential{}, fmt.Errorf("decode token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return domain.Credential{}, errors.New("token response missing access_token")
	}

	clock := t.Clock
	if clock == nil {
		clock = ports.SystemClock{}
	}

	cred := domain.Credential{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
	}
	if tokens.Scope != "" {
		cred.Scopes = strings.Fields(tokens.Scope)
	}
	if tokens.ExpiresIn > 0 {
		cred.ExpiresAt = clock.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	}

	return cred, nil
}
