package webexapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bnema/webex-term/internal/domain"
	"github.com/rs/zerolog"
)

const maxResponseBytes = 8 << 20

// CredentialSource supplies the access token for each request. Credential
// returns a token refreshed proactively when close to expiry; ForceRefresh
// is the reactive path after the service rejects a token.
type CredentialSource interface {
	Credential(ctx context.Context) (domain.Credential, error)
	ForceRefresh(ctx context.Context) (domain.Credential, error)
}

// APIError is a non-2xx response from the REST API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("webex api status %d", e.StatusCode)
	}
	return fmt.Sprintf("webex api status %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether the failure is worth a bounded retry.
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// Client talks to the Webex REST API. All requests carry a bearer token from
// the credential source; a 401 triggers exactly one reactive refresh and
// retry before surfacing domain.ErrAuthRejected.
type Client struct {
	baseURL    string
	httpClient *http.Client
	creds      CredentialSource
	logger     zerolog.Logger

	peopleMu    sync.Mutex
	peopleCache map[string]domain.Person
}

func NewClient(baseURL string, httpClient *http.Client, creds CredentialSource, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  httpClient,
		creds:       creds,
		logger:      logger,
		peopleCache: map[string]domain.Person{},
	}
}

func (c *Client) GetMe(ctx context.Context) (domain.Person, error) {
	var person domain.Person
	if err := c.getJSON(ctx, "people/me", nil, &person); err != nil {
		return domain.Person{}, fmt.Errorf("get me: %w", err)
	}
	return person, nil
}

func (c *Client) GetPerson(ctx context.Context, personID string) (domain.Person, error) {
	c.peopleMu.Lock()
	cached, ok := c.peopleCache[personID]
	c.peopleMu.Unlock()
	if ok {
		return cached, nil
	}

	var person domain.Person
	if err := c.getJSON(ctx, "people/"+personID, nil, &person); err != nil {
		return domain.Person{}, fmt.Errorf("get person: %w", err)
	}

	c.peopleMu.Lock()
	c.peopleCache[personID] = person
	c.peopleMu.Unlock()

	return person, nil
}

func (c *Client) ListRooms(ctx context.Context, max int) ([]domain.Room, error) {
	query := url.Values{}
	if max > 0 {
		query.Set("max", strconv.Itoa(max))
	}

	var page struct {
		Items []domain.Room `json:"items"`
	}
	if err := c.getJSON(ctx, "rooms", query, &page); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return page.Items, nil
}

func (c *Client) GetRoom(ctx context.Context, roomID string) (domain.Room, error) {
	var room domain.Room
	if err := c.getJSON(ctx, "rooms/"+roomID, nil, &room); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return domain.Room{}, domain.ErrRoomNotFound
		}
		return domain.Room{}, fmt.Errorf("get room: %w", err)
	}
	return room, nil
}

// RoomByName finds a room by case-insensitive title match.
func (c *Client) RoomByName(ctx context.Context, name string) (domain.Room, error) {
	rooms, err := c.ListRooms(ctx, 0)
	if err != nil {
		return domain.Room{}, err
	}
	for _, room := range rooms {
		if strings.EqualFold(room.Title, name) {
			return room, nil
		}
	}
	return domain.Room{}, domain.ErrRoomNotFound
}

func (c *Client) ListMessages(ctx context.Context, roomID string, max int) ([]domain.Message, error) {
	query := url.Values{}
	query.Set("roomId", roomID)
	if max > 0 {
		query.Set("max", strconv.Itoa(max))
	}

	var page struct {
		Items []domain.Message `json:"items"`
	}
	if err := c.getJSON(ctx, "messages", query, &page); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return page.Items, nil
}

// GetMessage resolves a message by id with a bounded retry limited to
// transient failures. A 404 maps to domain.ErrMessageNotFound: the message
// may have been deleted between notification and fetch.
func (c *Client) GetMessage(ctx context.Context, messageID string) (domain.Message, error) {
	const attempts = 3

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		var msg domain.Message
		err := c.getJSON(ctx, "messages/"+messageID, nil, &msg)
		if err == nil {
			return msg, nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if apiErr.StatusCode == http.StatusNotFound {
				return domain.Message{}, domain.ErrMessageNotFound
			}
			if !apiErr.Transient() {
				return domain.Message{}, fmt.Errorf("get message: %w", err)
			}
		}
		if errors.Is(err, domain.ErrAuthRejected) || errors.Is(err, domain.ErrNotAuthenticated) {
			return domain.Message{}, err
		}

		lastErr = err
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return domain.Message{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
	}

	return domain.Message{}, fmt.Errorf("get message: %w", lastErr)
}

func (c *Client) CreateMessage(ctx context.Context, roomID, text, markdown string) (domain.Message, error) {
	payload := map[string]string{
		"roomId": roomID,
		"text":   text,
	}
	if markdown != "" {
		payload["markdown"] = markdown
	}

	var msg domain.Message
	if err := c.postJSON(ctx, "messages", payload, &msg); err != nil {
		return domain.Message{}, fmt.Errorf("create message: %w", err)
	}
	return msg, nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	if err := c.do(ctx, http.MethodDelete, "messages/"+messageID, nil, nil, "", nil); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (c *Client) ListRoomMembers(ctx context.Context, roomID string, max int) ([]domain.Person, error) {
	query := url.Values{}
	query.Set("roomId", roomID)
	if max > 0 {
		query.Set("max", strconv.Itoa(max))
	}

	var page struct {
		Items []struct {
			PersonID          string `json:"personId"`
			PersonDisplayName string `json:"personDisplayName"`
			PersonEmail       string `json:"personEmail"`
		} `json:"items"`
	}
	if err := c.getJSON(ctx, "memberships", query, &page); err != nil {
		return nil, fmt.Errorf("list room members: %w", err)
	}

	members := make([]domain.Person, 0, len(page.Items))
	for _, item := range page.Items {
		member := domain.Person{ID: item.PersonID, DisplayName: item.PersonDisplayName}
		if item.PersonEmail != "" {
			member.Emails = []string{item.PersonEmail}
		}
		members = append(members, member)
	}
	return members, nil
}

// SendFile uploads a local file to a room as a multipart message.
func (c *Client) SendFile(ctx context.Context, roomID, path, text string) (domain.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.Message{}, fmt.Errorf("open upload file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if err := writer.WriteField("roomId", roomID); err != nil {
		return domain.Message{}, fmt.Errorf("write upload field: %w", err)
	}
	if text != "" {
		if err := writer.WriteField("text", text); err != nil {
			return domain.Message{}, fmt.Errorf("write upload field: %w", err)
		}
	}

	part, err := writer.CreateFormFile("files", filepath.Base(path))
	if err != nil {
		return domain.Message{}, fmt.Errorf("create upload part: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return domain.Message{}, fmt.Errorf("copy upload file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return domain.Message{}, fmt.Errorf("finish upload body: %w", err)
	}

	var msg domain.Message
	if err := c.do(ctx, http.MethodPost, "messages", nil, bytes.NewReader(buf.Bytes()), writer.FormDataContentType(), &msg); err != nil {
		return domain.Message{}, fmt.Errorf("send file: %w", err)
	}
	return msg, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, "", out)
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, nil, bytes.NewReader(body), "application/json", out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("read request body: %w", err)
		}
	}

	cred, err := c.creds.Credential(ctx)
	if err != nil {
		return err
	}

	status, respBody, err := c.send(ctx, method, path, query, bodyBytes, contentType, cred.AccessToken)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized {
		cred, err = c.creds.ForceRefresh(ctx)
		if err != nil {
			return err
		}
		c.logger.Debug().Str("path", path).Msg("retrying request after credential refresh")
		status, respBody, err = c.send(ctx, method, path, query, bodyBytes, contentType, cred.AccessToken)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			return fmt.Errorf("request %s %s: %w", method, path, domain.ErrAuthRejected)
		}
	}

	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return &APIError{StatusCode: status, Message: apiErrorMessage(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response for %s %s: %w", method, path, err)
		}
	}

	return nil
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body []byte, contentType, accessToken string) (int, []byte, error) {
	endpoint := c.baseURL + "/" + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read response for %s %s: %w", method, path, err)
	}

	return resp.StatusCode, respBody, nil
}

func apiErrorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Message
}
