package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
)

// Refresh exchanges refreshToken for a new token pair.
//
// The server may rotate refresh tokens (a new one in every response) or keep
// them fixed (none returned); in the fixed case the old refresh token is
// carried over so the caller can always persist the result as-is.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	reqCtx, cancel := context.WithTimeout(ctx, refreshTokenTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.clientID)

	resp, body, err := c.postForm(reqCtx, c.serverURL+tokenPath, form)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			if errResp.Error == "invalid_grant" || errResp.Error == "invalid_token" {
				return nil, ErrRefreshTokenExpired
			}
			return nil, fmt.Errorf("%s: %s", errResp.Error, errResp.ErrorDescription)
		}
		return nil, fmt.Errorf("refresh failed with status %d: %s", resp.StatusCode, string(body))
	}

	tr, err := parseTokenResponse(body)
	if err != nil {
		return nil, err
	}

	token := tr.token()
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}
