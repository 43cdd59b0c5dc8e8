// Package auth talks to the admin backend's OAuth server: the device
// authorization grant used by `dashctl login` and the refresh grant used to
// renew an expired access token.
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

	retry "github.com/appleboy/go-httpretry"
	"golang.org/x/oauth2"
)

// Timeout configuration for different operations
const (
	deviceCodeRequestTimeout = 10 * time.Second
	tokenExchangeTimeout     = 5 * time.Second
	refreshTokenTimeout      = 10 * time.Second
)

const (
	deviceCodePath = "/oauth/device/code"
	tokenPath      = "/oauth/token"
)

// ErrRefreshTokenExpired indicates that the refresh token has expired or is invalid
var ErrRefreshTokenExpired = errors.New("refresh token expired or invalid")

// ErrorResponse is the OAuth error body.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// Client performs OAuth exchanges for one registered client id.
type Client struct {
	serverURL string
	clientID  string
	scopes    []string
	http      *retry.Client
}

// NewClient returns a Client. httpClient carries the retry policy shared
// with the GraphQL client.
func NewClient(serverURL, clientID string, httpClient *retry.Client) *Client {
	return &Client{
		serverURL: strings.TrimRight(serverURL, "/"),
		clientID:  clientID,
		scopes:    []string{"read", "write"},
		http:      httpClient,
	}
}

// Config returns the oauth2 view of this client.
func (c *Client) Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID: c.clientID,
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: c.serverURL + deviceCodePath,
			TokenURL:      c.serverURL + tokenPath,
		},
		Scopes: c.scopes,
	}
}

// ValidateTokenResponse validates the OAuth token response
func ValidateTokenResponse(accessToken, tokenType string, expiresIn int) error {
	if accessToken == "" {
		return errors.New("access_token is empty")
	}

	if len(accessToken) < 10 {
		return fmt.Errorf("access_token is too short (length: %d)", len(accessToken))
	}

	if expiresIn <= 0 {
		return fmt.Errorf("expires_in must be positive, got: %d", expiresIn)
	}

	// Token type is optional in OAuth 2.0, but if present, should be "Bearer"
	if tokenType != "" && !strings.EqualFold(tokenType, "Bearer") {
		return fmt.Errorf("unexpected token_type: %s (expected Bearer)", tokenType)
	}

	return nil
}

// postForm sends an urlencoded POST and returns status and body.
func (c *Client) postForm(
	ctx context.Context,
	endpoint string,
	form url.Values,
) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		endpoint,
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.DoWithContext(ctx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp, body, nil
}

func (r *tokenResponse) token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		Expiry:       time.Now().Add(time.Duration(r.ExpiresIn) * time.Second),
	}
}

func parseTokenResponse(body []byte) (*tokenResponse, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if err := ValidateTokenResponse(tr.AccessToken, tr.TokenType, tr.ExpiresIn); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}
	return &tr, nil
}
