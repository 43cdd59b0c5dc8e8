package tui

import (
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"
)

// Displayer abstracts all progress output of the session commands.
type Displayer interface {
	Banner()
	SessionFound()
	SessionMissing()
	TokenValid()
	TokenExpired()
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	DeviceCodeReady(userCode, verifyURI, verifyURIComplete string, expiry time.Time)
	WaitingForAuth()
	PollSlowDown(newInterval time.Duration)
	AuthSuccess()
	SessionSaved(path string)
	SessionSaveFailed(err error)
	LoadingAccess()
	AccessLoaded(features, services int)
	AccessFailed(err error)
	ReauthRequired(reason error)
	LoggedOut(path string)
	Done(s Summary)
	Fatal(err error)
}

// PlainDisplayer writes plain text to w. Used when stderr is not a TTY
// (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprintln(p.w, "=== Vendor Dashboard Session ===")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) SessionFound() {
	fmt.Fprintln(p.w, "Found stored session.")
}

func (p *PlainDisplayer) SessionMissing() {
	fmt.Fprintln(p.w, "No stored session, starting device login...")
}

func (p *PlainDisplayer) TokenValid() {
	fmt.Fprintln(p.w, "Access token is still valid.")
}

func (p *PlainDisplayer) TokenExpired() {
	fmt.Fprintln(p.w, "Access token expired.")
}

func (p *PlainDisplayer) Refreshing() {
	fmt.Fprintln(p.w, "Refreshing access token...")
}

func (p *PlainDisplayer) RefreshOK() {
	fmt.Fprintln(p.w, "Token refreshed.")
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	fmt.Fprintf(p.w, "Refresh failed: %v\n", err)
}

func (p *PlainDisplayer) DeviceCodeReady(
	userCode, verifyURI, verifyURIComplete string,
	expiry time.Time,
) {
	fmt.Fprintln(p.w, "----------------------------------------")
	if verifyURIComplete != "" {
		fmt.Fprintf(p.w, "Please open this link to sign in:\n%s\n\n", verifyURIComplete)
	}
	fmt.Fprintf(p.w, "Or visit: %s\n", verifyURI)
	fmt.Fprintf(p.w, "And enter code: %s\n", userCode)
	fmt.Fprintf(p.w, "Code expires in %s\n", formatDuration(time.Until(expiry)))
	fmt.Fprintln(p.w, "----------------------------------------")
}

func (p *PlainDisplayer) WaitingForAuth() {
	fmt.Fprintln(p.w, "Waiting for authorization...")
}

func (p *PlainDisplayer) PollSlowDown(newInterval time.Duration) {
	fmt.Fprintf(p.w, "Server requested slower polling, new interval: %s\n", newInterval)
}

func (p *PlainDisplayer) AuthSuccess() {
	fmt.Fprintln(p.w, "Authorization successful!")
}

func (p *PlainDisplayer) SessionSaved(path string) {
	fmt.Fprintf(p.w, "Session saved to %s\n", path)
}

func (p *PlainDisplayer) SessionSaveFailed(err error) {
	fmt.Fprintf(p.w, "Warning: failed to save session: %v\n", err)
}

func (p *PlainDisplayer) LoadingAccess() {
	fmt.Fprintln(p.w, "Loading access rights...")
}

func (p *PlainDisplayer) AccessLoaded(features, services int) {
	fmt.Fprintf(p.w, "Loaded %d feature and %d service grants.\n", features, services)
}

func (p *PlainDisplayer) AccessFailed(err error) {
	fmt.Fprintf(p.w, "Warning: could not load access rights: %v\n", err)
}

func (p *PlainDisplayer) ReauthRequired(reason error) {
	fmt.Fprintf(p.w, "Session ended (%v), signing in again...\n", reason)
}

func (p *PlainDisplayer) LoggedOut(path string) {
	fmt.Fprintf(p.w, "Signed out, session removed from %s\n", path)
}

func (p *PlainDisplayer) Done(s Summary) {
	fmt.Fprintln(p.w, "\n========================================")
	fmt.Fprintf(p.w, "Role:         %s\n", orNone(s.Role))
	fmt.Fprintf(p.w, "Vendor:       %s\n", orNone(s.VendorID))
	fmt.Fprintf(p.w, "Access Token: %s\n", s.Preview)
	if s.ExpiresIn > 0 {
		fmt.Fprintf(p.w, "Expires In:   %s\n", formatDuration(s.ExpiresIn))
	}
	fmt.Fprintln(p.w, "========================================")
	if t := FeatureTable(s.Features, false); t != "" {
		fmt.Fprintln(p.w, t)
	}
	if t := ServiceTable(s.Services, false); t != "" {
		fmt.Fprintln(p.w, t)
	}
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner()                                     {}
func (NoopDisplayer) SessionFound()                               {}
func (NoopDisplayer) SessionMissing()                             {}
func (NoopDisplayer) TokenValid()                                 {}
func (NoopDisplayer) TokenExpired()                               {}
func (NoopDisplayer) Refreshing()                                 {}
func (NoopDisplayer) RefreshOK()                                  {}
func (NoopDisplayer) RefreshFailed(_ error)                       {}
func (NoopDisplayer) DeviceCodeReady(_, _, _ string, _ time.Time) {}
func (NoopDisplayer) WaitingForAuth()                             {}
func (NoopDisplayer) PollSlowDown(_ time.Duration)                {}
func (NoopDisplayer) AuthSuccess()                                {}
func (NoopDisplayer) SessionSaved(_ string)                       {}
func (NoopDisplayer) SessionSaveFailed(_ error)                   {}
func (NoopDisplayer) LoadingAccess()                              {}
func (NoopDisplayer) AccessLoaded(_, _ int)                       {}
func (NoopDisplayer) AccessFailed(_ error)                        {}
func (NoopDisplayer) ReauthRequired(_ error)                      {}
func (NoopDisplayer) LoggedOut(_ string)                          {}
func (NoopDisplayer) Done(_ Summary)                              {}
func (NoopDisplayer) Fatal(_ error)                               {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner()         { t.p.Send(MsgBanner{}) }
func (t *ProgramDisplayer) SessionFound()   { t.p.Send(MsgSessionFound{}) }
func (t *ProgramDisplayer) SessionMissing() { t.p.Send(MsgSessionMissing{}) }
func (t *ProgramDisplayer) TokenValid()     { t.p.Send(MsgTokenValid{}) }
func (t *ProgramDisplayer) TokenExpired()   { t.p.Send(MsgTokenExpired{}) }
func (t *ProgramDisplayer) Refreshing()     { t.p.Send(MsgRefreshing{}) }
func (t *ProgramDisplayer) RefreshOK()      { t.p.Send(MsgRefreshOK{}) }

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) DeviceCodeReady(
	userCode, verifyURI, verifyURIComplete string,
	expiry time.Time,
) {
	t.p.Send(MsgDeviceCodeReady{
		UserCode:          userCode,
		VerifyURI:         verifyURI,
		VerifyURIComplete: verifyURIComplete,
		Expiry:            expiry,
	})
}

func (t *ProgramDisplayer) WaitingForAuth() { t.p.Send(MsgWaitingForAuth{}) }

func (t *ProgramDisplayer) PollSlowDown(newInterval time.Duration) {
	t.p.Send(MsgPollSlowDown{NewInterval: newInterval})
}

func (t *ProgramDisplayer) AuthSuccess()              { t.p.Send(MsgAuthSuccess{}) }
func (t *ProgramDisplayer) SessionSaved(path string)  { t.p.Send(MsgSessionSaved{Path: path}) }
func (t *ProgramDisplayer) SessionSaveFailed(e error) { t.p.Send(MsgSessionSaveFailed{Err: e}) }
func (t *ProgramDisplayer) LoadingAccess()            { t.p.Send(MsgLoadingAccess{}) }

func (t *ProgramDisplayer) AccessLoaded(features, services int) {
	t.p.Send(MsgAccessLoaded{Features: features, Services: services})
}

func (t *ProgramDisplayer) AccessFailed(err error)      { t.p.Send(MsgAccessFailed{Err: err}) }
func (t *ProgramDisplayer) ReauthRequired(reason error) { t.p.Send(MsgReauthRequired{Reason: reason}) }
func (t *ProgramDisplayer) LoggedOut(path string)       { t.p.Send(MsgLoggedOut{Path: path}) }
func (t *ProgramDisplayer) Done(s Summary)              { t.p.Send(MsgDone{Summary: s}) }
func (t *ProgramDisplayer) Fatal(err error)             { t.p.Send(MsgFatal{Err: err}) }
