package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/go-authgate/dashctl/auth"
	"github.com/go-authgate/dashctl/store"
)

// expirySkew treats a token this close to expiry as already expired.
const expirySkew = 30 * time.Second

// ErrNoRefreshToken means there is nothing to refresh with; the user has to
// log in again.
var ErrNoRefreshToken = errors.New("no refresh token stored")

// Refresher performs the refresh grant. *auth.Client implements it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Manager is the HTTP-client side of the session: it hands out the current
// access token and renews it through a Gate.
type Manager struct {
	st        store.Store
	tokens    *TokenStore
	gate      *Gate[*oauth2.Token]
	refresher Refresher
	log       *slog.Logger
	now       func() time.Time
}

// NewManager wires a Manager over st.
func NewManager(st store.Store, refresher Refresher, gate *Gate[*oauth2.Token], log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if gate == nil {
		gate = NewGate[*oauth2.Token](DefaultRefreshTimeout)
	}
	return &Manager{
		st:        st,
		tokens:    NewTokenStore(st, log),
		gate:      gate,
		refresher: refresher,
		log:       log,
		now:       time.Now,
	}
}

// Tokens exposes the underlying token store.
func (m *Manager) Tokens() *TokenStore { return m.tokens }

// AccessToken returns the stored access token.
func (m *Manager) AccessToken() (string, bool) { return m.tokens.AccessToken() }

// ClearTokens drops the credentials but keeps the profile and access
// documents.
func (m *Manager) ClearTokens() error { return m.tokens.ClearTokens() }

// Valid reports whether an access token is stored and not about to expire.
// A token without a recorded expiry is assumed valid; the server decides.
func (m *Manager) Valid() bool {
	if _, ok := m.tokens.AccessToken(); !ok {
		return false
	}
	exp := m.tokens.Expiry()
	return exp.IsZero() || m.now().Add(expirySkew).Before(exp)
}

// Save persists a freshly issued token.
func (m *Manager) Save(tok *oauth2.Token) error {
	return m.tokens.SetPair(TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	})
}

// Refresh renews the access token and returns it. Concurrent calls share a
// single exchange. When the refresh token is missing or rejected the
// session is cleared and the returned error satisfies NeedsReauth.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	tok, err := m.gate.Do(ctx, m.exchange)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func (m *Manager) exchange(ctx context.Context) (*oauth2.Token, error) {
	refreshToken, ok := m.tokens.RefreshToken()
	if !ok {
		m.clearAfterFailure(ErrNoRefreshToken)
		return nil, ErrNoRefreshToken
	}

	m.log.Debug("refreshing access token", slog.String("refresh_token", Preview(refreshToken)))

	tok, err := m.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrRefreshTokenExpired) {
			m.clearAfterFailure(err)
		}
		return nil, fmt.Errorf("refresh failed: %w", err)
	}

	if err := m.Save(tok); err != nil {
		// The new token still works for this process.
		m.log.Warn("failed to persist refreshed token", slog.Any("error", err))
	}
	m.log.Info("access token refreshed", slog.Time("expires_at", tok.Expiry))
	return tok, nil
}

func (m *Manager) clearAfterFailure(cause error) {
	m.log.Warn("session is no longer refreshable, clearing tokens", slog.Any("cause", cause))
	if err := m.tokens.ClearTokens(); err != nil {
		m.log.Warn("failed to clear tokens", slog.Any("error", err))
	}
}

// Logout removes credentials, profile and access documents.
func (m *Manager) Logout() error {
	return m.st.Delete(
		store.KeyAccessToken,
		store.KeyRefreshToken,
		store.KeyLegacyAuthToken,
		store.KeyTokenExpiry,
		store.KeyUserRole,
		store.KeyVendorAccountID,
		store.KeyNavigationAccess,
		store.KeyServicePermissions,
	)
}

// NeedsReauth reports whether err can only be resolved by logging in again.
func NeedsReauth(err error) bool {
	return errors.Is(err, ErrNoRefreshToken) || errors.Is(err, auth.ErrRefreshTokenExpired)
}
