// Package store persists the session's string slots: tokens, the actor's role
// and vendor id, and the two JSON access documents.
//
// Implementations report failures as typed errors instead of swallowing them.
// Callers that want soft-failure semantics (the token getters) decide that
// themselves.
package store

import "errors"

// Slot keys shared by every component that reads or writes the session.
const (
	KeyAccessToken        = "access_token"
	KeyRefreshToken       = "refresh_token"
	KeyLegacyAuthToken    = "authToken"
	KeyTokenExpiry        = "token_expiry"
	KeyUserRole           = "userRole"
	KeyVendorAccountID    = "vendorAccountId"
	KeyNavigationAccess   = "navigationAccess"
	KeyServicePermissions = "servicePermissions"
)

var (
	// ErrNotFound means the slot holds no value.
	ErrNotFound = errors.New("store: key not found")
	// ErrUnavailable means the persistence layer could not be read or written.
	// Returned errors wrap it together with the underlying cause.
	ErrUnavailable = errors.New("store: persistence unavailable")
)

// Store is a synchronous string key/value store.
type Store interface {
	// Get returns the value for key, ErrNotFound if absent, or an error
	// wrapping ErrUnavailable.
	Get(key string) (string, error)
	// Set stores value under key.
	Set(key, value string) error
	// Delete removes the given keys. Missing keys are not an error.
	Delete(keys ...string) error
}
