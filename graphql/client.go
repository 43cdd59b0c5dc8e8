// Package graphql is the dashboard backend client. It attaches the session's
// bearer token and Hasura headers to every call, refreshes the token through
// the session's single-flight gate when the backend rejects it, and tears the
// session down when the backend says the actor is no longer authenticated.
package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	retry "github.com/appleboy/go-httpretry"

	"github.com/go-authgate/dashctl/session"
)

// Session is what the client needs from the credential layer.
// *session.Manager implements it.
type Session interface {
	AccessToken() (string, bool)
	Refresh(ctx context.Context) (string, error)
	ClearTokens() error
}

// Profile supplies the actor's role and vendor id. *session.TokenStore
// implements it.
type Profile interface {
	Role() string
	VendorID() string
}

// Headers are the Hasura session headers. Empty fields are not sent.
type Headers struct {
	Role        string
	AdminSecret string
	VendorID    string
}

// Request is a GraphQL operation.
type Request struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

type response struct {
	Data   json.RawMessage `json:"data"`
	Errors Errors          `json:"errors"`
}

// Client calls the backend on behalf of a session.
type Client struct {
	endpoint string
	restBase string
	wsURL    string
	http     *retry.Client
	session  Session
	log      *slog.Logger

	mu       sync.RWMutex
	headers  Headers
	profile  Profile
	onUnauth func(error)
}

// Option configures a Client.
type Option func(*Client)

// WithHeaders sets static Hasura headers. Non-empty fields win over the
// profile.
func WithHeaders(h Headers) Option {
	return func(c *Client) { c.headers = h }
}

// WithProfile reads role and vendor id from p on every request.
func WithProfile(p Profile) Option {
	return func(c *Client) { c.profile = p }
}

// WithRESTBase sets the base URL used by GetJSON.
func WithRESTBase(base string) Option {
	return func(c *Client) { c.restBase = strings.TrimRight(base, "/") }
}

// WithSubscriptionURL overrides the websocket endpoint derived from the
// GraphQL endpoint.
func WithSubscriptionURL(u string) Option {
	return func(c *Client) { c.wsURL = u }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithUnauthenticatedHandler registers fn to run after the session has been
// cleared, e.g. to send the user back to the login flow.
func WithUnauthenticatedHandler(fn func(error)) Option {
	return func(c *Client) { c.onUnauth = fn }
}

// NewClient returns a Client for the GraphQL endpoint.
func NewClient(endpoint string, httpClient *retry.Client, sess Session, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		http:     httpClient,
		session:  sess,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.wsURL == "" {
		c.wsURL = websocketURL(endpoint)
	}
	return c
}

// SetHeaders replaces the static Hasura headers.
func (c *Client) SetHeaders(h Headers) {
	c.mu.Lock()
	c.headers = h
	c.mu.Unlock()
}

// headerValues merges static headers with the profile.
func (c *Client) headerValues(token string) map[string]string {
	c.mu.RLock()
	h, p := c.headers, c.profile
	c.mu.RUnlock()

	if p != nil {
		if h.Role == "" {
			h.Role = p.Role()
		}
		if h.VendorID == "" {
			h.VendorID = p.VendorID()
		}
	}

	out := make(map[string]string, 4)
	if token != "" {
		out["Authorization"] = "Bearer " + token
	}
	if h.Role != "" {
		out["x-hasura-role"] = h.Role
	}
	if h.AdminSecret != "" {
		out["x-hasura-admin-secret"] = h.AdminSecret
	}
	if h.VendorID != "" {
		out["x-hasura-vendor-id"] = h.VendorID
	}
	return out
}

// Do runs req and decodes data into out (which may be nil). GraphQL errors
// come back as Errors; a dead session as an error matching
// ErrUnauthenticated.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	build := func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Accept", "application/json")
		return r, nil
	}

	token, _ := c.session.AccessToken()
	for retried := false; ; retried = true {
		status, body, err := c.send(ctx, &token, build)
		if err != nil {
			return err
		}
		if status < 200 || status > 299 {
			return &StatusError{StatusCode: status, Body: string(body)}
		}

		var resp response
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("failed to parse graphql response: %w", err)
		}

		switch {
		case resp.Errors.HasCode(CodeUnauthenticated):
			return c.unauthenticated(resp.Errors)

		case resp.Errors.HasCode(CodeInvalidJWT):
			if retried {
				return c.unauthenticated(resp.Errors)
			}
			c.log.Debug("graphql rejected the token, refreshing")
			if token, err = c.renew(ctx, token); err != nil {
				return err
			}
			continue
		}

		if out != nil && len(resp.Data) > 0 && string(resp.Data) != "null" {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return fmt.Errorf("failed to decode graphql data: %w", err)
			}
		}
		if len(resp.Errors) > 0 {
			return resp.Errors
		}
		return nil
	}
}

// GetJSON performs an authorized REST GET against the REST base URL.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	if c.restBase == "" {
		return errors.New("graphql: no REST base URL configured")
	}
	target := c.restBase + "/" + strings.TrimLeft(path, "/")

	build := func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		r.Header.Set("Accept", "application/json")
		return r, nil
	}

	token, _ := c.session.AccessToken()
	status, body, err := c.send(ctx, &token, build)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return &StatusError{StatusCode: status, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// send performs one request and, on 401, refreshes and retries once.
// *token is updated to the credential that was last sent.
func (c *Client) send(
	ctx context.Context,
	token *string,
	build func() (*http.Request, error),
) (int, []byte, error) {
	status, body, err := c.roundTrip(ctx, *token, build)
	if err != nil || status != http.StatusUnauthorized {
		return status, body, err
	}

	c.log.Debug("access token rejected (401), refreshing")
	if *token, err = c.renew(ctx, *token); err != nil {
		return 0, nil, err
	}

	status, body, err = c.roundTrip(ctx, *token, build)
	if err != nil {
		return 0, nil, err
	}
	if status == http.StatusUnauthorized {
		return 0, nil, c.unauthenticated(errors.New("access token rejected after refresh"))
	}
	return status, body, nil
}

func (c *Client) roundTrip(
	ctx context.Context,
	token string,
	build func() (*http.Request, error),
) (int, []byte, error) {
	req, err := build()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range c.headerValues(token) {
		req.Header.Set(k, v)
	}

	resp, err := c.http.DoWithContext(ctx, req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// renew returns a replacement for the rejected token. If another request
// already refreshed the session the stored token is reused; otherwise the
// session's gate runs the exchange. A session that cannot be refreshed is
// treated as unauthenticated.
func (c *Client) renew(ctx context.Context, rejected string) (string, error) {
	if current, ok := c.session.AccessToken(); ok && current != rejected {
		return current, nil
	}

	token, err := c.session.Refresh(ctx)
	if err != nil {
		if session.NeedsReauth(err) {
			return "", c.unauthenticated(err)
		}
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	return token, nil
}

// unauthenticated clears the session and notifies the handler.
func (c *Client) unauthenticated(cause error) error {
	c.log.Warn("session is no longer authenticated", slog.Any("cause", cause))
	if err := c.session.ClearTokens(); err != nil {
		c.log.Warn("failed to clear tokens", slog.Any("error", err))
	}

	c.mu.RLock()
	fn := c.onUnauth
	c.mu.RUnlock()
	if fn != nil {
		fn(cause)
	}
	return fmt.Errorf("%w: %w", ErrUnauthenticated, cause)
}

func websocketURL(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	default:
		return endpoint
	}
}
