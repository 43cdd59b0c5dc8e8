package tui

import (
	"time"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgSessionFound signals that a stored session was found.
type MsgSessionFound struct{}

// MsgSessionMissing signals that no stored session exists.
type MsgSessionMissing struct{}

// MsgTokenValid signals that the stored access token is still usable.
type MsgTokenValid struct{}

// MsgTokenExpired signals that the stored access token has expired.
type MsgTokenExpired struct{}

// MsgRefreshing signals that a token refresh is in progress.
type MsgRefreshing struct{}

// MsgRefreshOK signals that the token was refreshed.
type MsgRefreshOK struct{}

// MsgRefreshFailed signals that token refresh failed.
type MsgRefreshFailed struct{ Err error }

// MsgDeviceCodeReady signals that the device code is ready for user action.
type MsgDeviceCodeReady struct {
	UserCode          string
	VerifyURI         string
	VerifyURIComplete string
	Expiry            time.Time
}

// MsgWaitingForAuth signals that polling for authorization has started.
type MsgWaitingForAuth struct{}

// MsgPollSlowDown signals that the server requested slower polling.
type MsgPollSlowDown struct{ NewInterval time.Duration }

// MsgAuthSuccess signals that the user authorized.
type MsgAuthSuccess struct{}

// MsgSessionSaved signals that the session was written to disk.
type MsgSessionSaved struct{ Path string }

// MsgSessionSaveFailed signals that writing the session failed.
type MsgSessionSaveFailed struct{ Err error }

// MsgLoadingAccess signals that the access documents are being fetched.
type MsgLoadingAccess struct{}

// MsgAccessLoaded signals that the access documents were stored.
type MsgAccessLoaded struct{ Features, Services int }

// MsgAccessFailed signals that the access documents could not be fetched.
type MsgAccessFailed struct{ Err error }

// MsgReauthRequired signals that the session ended and a new login starts.
type MsgReauthRequired struct{ Reason error }

// MsgLoggedOut signals that the session was removed.
type MsgLoggedOut struct{ Path string }

// MsgDone carries the final session summary.
type MsgDone struct{ Summary Summary }

// MsgFatal signals a fatal error that should terminate the flow.
type MsgFatal struct{ Err error }
