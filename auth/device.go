package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// maxPollInterval caps slow_down backoff.
const maxPollInterval = 60 * time.Second

// RequestDeviceCode starts the device authorization grant.
func (c *Client) RequestDeviceCode(ctx context.Context) (*oauth2.DeviceAuthResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, deviceCodeRequestTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("scope", strings.Join(c.scopes, " "))

	resp, body, err := c.postForm(reqCtx, c.serverURL+deviceCodePath, form)
	if err != nil {
		return nil, fmt.Errorf("device code request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(
			"device code request failed with status %d: %s",
			resp.StatusCode,
			string(body),
		)
	}

	var deviceResp struct {
		DeviceCode              string `json:"device_code"`
		UserCode                string `json:"user_code"`
		VerificationURI         string `json:"verification_uri"`
		VerificationURIComplete string `json:"verification_uri_complete"`
		ExpiresIn               int    `json:"expires_in"`
		Interval                int    `json:"interval"`
	}
	if err := json.Unmarshal(body, &deviceResp); err != nil {
		return nil, fmt.Errorf("failed to parse device code response: %w", err)
	}

	return &oauth2.DeviceAuthResponse{
		DeviceCode:              deviceResp.DeviceCode,
		UserCode:                deviceResp.UserCode,
		VerificationURI:         deviceResp.VerificationURI,
		VerificationURIComplete: deviceResp.VerificationURIComplete,
		Expiry:                  time.Now().Add(time.Duration(deviceResp.ExpiresIn) * time.Second),
		Interval:                int64(deviceResp.Interval),
	}, nil
}

// PollToken polls the token endpoint until the user approves the device,
// the code expires, or ctx ends. onSlowDown, if set, is told about every
// interval increase. Backoff follows RFC 8628.
func (c *Client) PollToken(
	ctx context.Context,
	deviceAuth *oauth2.DeviceAuthResponse,
	onSlowDown func(time.Duration),
) (*oauth2.Token, error) {
	interval := deviceAuth.Interval
	if interval == 0 {
		interval = 5 // RFC 8628 default
	}

	pollInterval := time.Duration(interval) * time.Second
	backoffMultiplier := 1.0

	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-pollTicker.C:
			token, err := c.exchangeDeviceCode(ctx, deviceAuth.DeviceCode)
			if err == nil {
				return token, nil
			}

			var oauthErr *oauth2.RetrieveError
			if !errors.As(err, &oauthErr) {
				return nil, fmt.Errorf("token exchange failed: %w", err)
			}

			var errResp ErrorResponse
			if jsonErr := json.Unmarshal(oauthErr.Body, &errResp); jsonErr != nil {
				return nil, fmt.Errorf("token exchange failed: %w", err)
			}

			switch errResp.Error {
			case "authorization_pending":
				continue

			case "slow_down":
				backoffMultiplier *= 1.5
				pollInterval = min(
					time.Duration(float64(pollInterval)*backoffMultiplier),
					maxPollInterval,
				)
				pollTicker.Reset(pollInterval)
				if onSlowDown != nil {
					onSlowDown(pollInterval)
				}
				continue

			case "expired_token":
				return nil, errors.New("device code expired, please restart the flow")

			case "access_denied":
				return nil, errors.New("user denied authorization")

			default:
				return nil, fmt.Errorf(
					"authorization failed: %s - %s",
					errResp.Error,
					errResp.ErrorDescription,
				)
			}
		}
	}
}

// exchangeDeviceCode makes one token request. Non-200 answers come back as
// *oauth2.RetrieveError so the poller can inspect the OAuth error code.
func (c *Client) exchangeDeviceCode(ctx context.Context, deviceCode string) (*oauth2.Token, error) {
	reqCtx, cancel := context.WithTimeout(ctx, tokenExchangeTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")
	form.Set("device_code", deviceCode)
	form.Set("client_id", c.clientID)

	resp, body, err := c.postForm(reqCtx, c.serverURL+tokenPath, form)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &oauth2.RetrieveError{Response: resp, Body: body}
	}

	tr, err := parseTokenResponse(body)
	if err != nil {
		return nil, err
	}
	return tr.token(), nil
}
