// Package session owns the operator's credentials: the persisted token pair,
// the profile slots that go with it, and the single-flight gate that keeps
// concurrent refreshes down to one exchange.
package session

import (
	"errors"
	"log/slog"
	"time"

	"github.com/go-authgate/dashctl/store"
)

// TokenPair is the persisted credential set. Empty strings mean absent.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// TokenStore reads and writes credential slots.
//
// Getters never fail: an unavailable store reads as "no token". Setters
// return the store's error so callers can tell the user their session was
// not saved.
type TokenStore struct {
	st  store.Store
	log *slog.Logger
}

// NewTokenStore wraps st. A nil logger means slog.Default().
func NewTokenStore(st store.Store, log *slog.Logger) *TokenStore {
	if log == nil {
		log = slog.Default()
	}
	return &TokenStore{st: st, log: log}
}

func (t *TokenStore) get(key string) (string, bool) {
	v, err := t.st.Get(key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			t.log.Debug("session slot unreadable", slog.String("key", key), slog.Any("error", err))
		}
		return "", false
	}
	return v, v != ""
}

// set stores value, or removes the slot when value is empty.
func (t *TokenStore) set(key, value string) error {
	if value == "" {
		return t.st.Delete(key)
	}
	return t.st.Set(key, value)
}

// AccessToken returns the stored access token. Sessions written by older
// clients kept it under the legacy authToken slot.
func (t *TokenStore) AccessToken() (string, bool) {
	if v, ok := t.get(store.KeyAccessToken); ok {
		return v, true
	}
	return t.get(store.KeyLegacyAuthToken)
}

// SetAccessToken stores token; "" removes it.
func (t *TokenStore) SetAccessToken(token string) error {
	if token == "" {
		return t.st.Delete(store.KeyAccessToken, store.KeyLegacyAuthToken)
	}
	return t.st.Set(store.KeyAccessToken, token)
}

// RefreshToken returns the stored refresh token.
func (t *TokenStore) RefreshToken() (string, bool) {
	return t.get(store.KeyRefreshToken)
}

// SetRefreshToken stores token; "" removes it.
func (t *TokenStore) SetRefreshToken(token string) error {
	return t.set(store.KeyRefreshToken, token)
}

// Expiry returns when the access token expires, or the zero time if unknown.
func (t *TokenStore) Expiry() time.Time {
	v, ok := t.get(store.KeyTokenExpiry)
	if !ok {
		return time.Time{}
	}
	exp, err := time.Parse(time.RFC3339, v)
	if err != nil {
		t.log.Debug("ignoring malformed token expiry", slog.String("value", v))
		return time.Time{}
	}
	return exp
}

// Pair returns every credential slot at once.
func (t *TokenStore) Pair() TokenPair {
	access, _ := t.AccessToken()
	refresh, _ := t.RefreshToken()
	return TokenPair{AccessToken: access, RefreshToken: refresh, Expiry: t.Expiry()}
}

// SetPair persists p. All slots are attempted; the errors are joined.
func (t *TokenStore) SetPair(p TokenPair) error {
	var expiry string
	if !p.Expiry.IsZero() {
		expiry = p.Expiry.UTC().Format(time.RFC3339)
	}
	return errors.Join(
		t.SetAccessToken(p.AccessToken),
		t.SetRefreshToken(p.RefreshToken),
		t.set(store.KeyTokenExpiry, expiry),
	)
}

// ClearTokens removes every credential slot.
func (t *TokenStore) ClearTokens() error {
	return t.st.Delete(
		store.KeyAccessToken,
		store.KeyRefreshToken,
		store.KeyLegacyAuthToken,
		store.KeyTokenExpiry,
	)
}

// Role returns the actor's backend role (x-hasura-role).
func (t *TokenStore) Role() string {
	v, _ := t.get(store.KeyUserRole)
	return v
}

// VendorID returns the vendor account the actor operates on, if any.
func (t *TokenStore) VendorID() string {
	v, _ := t.get(store.KeyVendorAccountID)
	return v
}

// SetProfile stores role and vendor id; empty values remove the slot.
func (t *TokenStore) SetProfile(role, vendorID string) error {
	return errors.Join(
		t.set(store.KeyUserRole, role),
		t.set(store.KeyVendorAccountID, vendorID),
	)
}

// Preview shortens a token for display and logs.
func Preview(token string) string {
	const n = 12
	if len(token) <= n {
		return "[REDACTED_TOKEN]"
	}
	return token[:n] + "..."
}
