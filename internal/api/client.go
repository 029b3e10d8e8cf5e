// Package api is a client for the chat backend's REST endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/omochice/toy-chat-client/pkg/protocol"
)

// DefaultTimeout bounds a single REST call.
const DefaultTimeout = 15 * time.Second

// ErrUnauthorized is matched by a StatusError for 401 responses.
var ErrUnauthorized = errors.New("unauthorized")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, http.StatusText(e.Code))
}

// Is makes errors.Is(err, ErrUnauthorized) match 401 responses.
func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && e.Code == http.StatusUnauthorized
}

// Credentials supplies the bearer token. Calls without one go out anonymously.
type Credentials interface {
	Token() (string, bool)
}

// Client talks to the REST API. The token is sent both as a bearer header
// and as the "token" cookie.
type Client struct {
	baseURL    string
	creds      Credentials
	httpClient *http.Client
}

// New creates a Client for baseURL (for example http://localhost:3000/api).
func New(baseURL string, creds Credentials, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		creds:      creds,
		httpClient: httpClient,
	}
}

// envelope is the backend's standard response wrapper.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds != nil {
		if token, ok := c.creds.Token(); ok {
			req.Header.Set("Authorization", "Bearer "+token)
			req.AddCookie(&http.Cookie{Name: "token", Value: token})
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var env envelope
		_ = json.Unmarshal(raw, &env)
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Message: env.Message}
	}

	if result == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := decodeData(raw, result); err != nil {
		return fmt.Errorf("%s %s: unmarshal response: %w", method, path, err)
	}
	return nil
}

// decodeData decodes either a bare payload or the "data" field of an envelope.
func decodeData(raw []byte, result any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env envelope
		if err := json.Unmarshal(trimmed, &env); err == nil && len(env.Data) > 0 {
			return json.Unmarshal(env.Data, result)
		}
	}
	return json.Unmarshal(trimmed, result)
}

// Login authenticates and returns the session token.
func (c *Client) Login(ctx context.Context, login, password string) (string, error) {
	req := map[string]string{"password": password}
	if strings.Contains(login, "@") {
		req["email"] = login
	} else {
		req["username"] = login
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/login", nil, req, &resp); err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if resp.Token == "" {
		return "", errors.New("login: response carried no token")
	}
	return resp.Token, nil
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, r Registration) error {
	if err := c.do(ctx, http.MethodPost, "/auth/register", nil, r, nil); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return nil
}

// ChangePassword changes the current user's password.
func (c *Client) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	body := map[string]string{"oldPassword": oldPassword, "newPassword": newPassword}
	if err := c.do(ctx, http.MethodPost, "/auth/change-password", nil, body, nil); err != nil {
		return fmt.Errorf("change password: %w", err)
	}
	return nil
}

// Profile returns the current user's profile.
func (c *Client) Profile(ctx context.Context) (Profile, error) {
	var p Profile
	if err := c.do(ctx, http.MethodGet, "/auth/profile", nil, nil, &p); err != nil {
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// UpdateProfile replaces the current user's profile fields.
func (c *Client) UpdateProfile(ctx context.Context, p Profile) error {
	if err := c.do(ctx, http.MethodPut, "/auth/profile", nil, p, nil); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

// Contacts lists the current user's contacts.
func (c *Client) Contacts(ctx context.Context) ([]Contact, error) {
	var contacts []Contact
	if err := c.do(ctx, http.MethodGet, "/contacts", nil, nil, &contacts); err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	return contacts, nil
}

// Chats lists conversations with their last message.
func (c *Client) Chats(ctx context.Context) ([]Chat, error) {
	var chats []Chat
	if err := c.do(ctx, http.MethodGet, "/chat/chats", nil, nil, &chats); err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return chats, nil
}

// Messages fetches one page of history with peer, oldest first.
// It implements chat.HistorySource.
func (c *Client) Messages(ctx context.Context, peer protocol.ID, page protocol.Page) ([]protocol.Message, error) {
	q := url.Values{}
	if page.Limit > 0 {
		q.Set("limit", strconv.Itoa(page.Limit))
	}
	if page.Before != "" {
		q.Set("before", page.Before)
	}

	var msgs []protocol.Message
	if err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(string(peer)), q, nil, &msgs); err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	return msgs, nil
}

// MessagesSince fetches messages exchanged with peer after since.
func (c *Client) MessagesSince(ctx context.Context, peer protocol.ID, since time.Time) ([]protocol.Message, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}

	var msgs []protocol.Message
	if err := c.do(ctx, http.MethodGet, "/chat/messages/"+url.PathEscape(string(peer)), q, nil, &msgs); err != nil {
		return nil, fmt.Errorf("fetch messages since: %w", err)
	}
	return msgs, nil
}

// SendMessage posts a message over REST instead of the live connection.
func (c *Client) SendMessage(ctx context.Context, peer protocol.ID, content string) error {
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPost, "/chat/send/"+url.PathEscape(string(peer)), nil, body, nil); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// SearchUsers finds users matching q.
func (c *Client) SearchUsers(ctx context.Context, q string) ([]User, error) {
	var users []User
	if err := c.do(ctx, http.MethodGet, "/users/search", url.Values{"q": {q}}, nil, &users); err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return users, nil
}
