package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"golang.org/x/oauth2"

	"github.com/go-authgate/dashctl/auth"
	"github.com/go-authgate/dashctl/config"
	"github.com/go-authgate/dashctl/graphql"
	"github.com/go-authgate/dashctl/rbac"
	"github.com/go-authgate/dashctl/session"
	"github.com/go-authgate/dashctl/store"
	"github.com/go-authgate/dashctl/tui"
)

const (
	cmdStatus     = "status"
	cmdLogin      = "login"
	cmdLogout     = "logout"
	cmdCan        = "can"
	cmdCanService = "can-service"
	cmdQuery      = "query"
	cmdGet        = "get"
	cmdSubscribe  = "subscribe"
)

var (
	// errDenied makes can/can-service exit 1 without printing an error.
	errDenied = errors.New("denied")

	errNotSignedIn = errors.New("not signed in, run `dashctl login`")
)

func knownCommand(cmd string) bool {
	switch cmd {
	case cmdStatus, cmdLogin, cmdLogout, cmdCan, cmdCanService, cmdQuery, cmdGet, cmdSubscribe:
		return true
	}
	return false
}

// interactive commands may run the device flow and get the TUI.
func interactive(cmd string) bool {
	return cmd == cmdStatus || cmd == cmdLogin
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

// app wires the session, OAuth and backend clients for one invocation.
type app struct {
	log     *slog.Logger
	d       tui.Displayer
	out     io.Writer
	store   *store.FileStore
	session *session.Manager
	oauth   *auth.Client
	api     *graphql.Client
}

func newApp(
	cfg *config.Config,
	httpClient *retry.Client,
	d tui.Displayer,
	out io.Writer,
	log *slog.Logger,
) *app {
	st := store.NewFileStore(cfg.TokenFile, cfg.ClientID)
	oauthClient := auth.NewClient(cfg.ServerURL, cfg.ClientID, httpClient)
	endpoints := oauthClient.Config().Endpoint
	log.Debug("oauth endpoints",
		slog.String("device_auth_url", endpoints.DeviceAuthURL),
		slog.String("token_url", endpoints.TokenURL),
	)
	mgr := session.NewManager(st, oauthClient, session.NewGate[*oauth2.Token](cfg.RefreshTimeout), log)

	a := &app{
		log:     log,
		d:       d,
		out:     out,
		store:   st,
		session: mgr,
		oauth:   oauthClient,
	}

	opts := []graphql.Option{
		graphql.WithLogger(log),
		graphql.WithProfile(mgr.Tokens()),
		graphql.WithHeaders(graphql.Headers{
			Role:        cfg.GraphQL.Role,
			AdminSecret: cfg.GraphQL.AdminSecret,
		}),
		graphql.WithRESTBase(cfg.GraphQL.RESTURL),
		graphql.WithUnauthenticatedHandler(func(err error) {
			log.Info("backend ended the session", slog.Any("cause", err))
		}),
	}
	if cfg.GraphQL.WSURL != "" {
		opts = append(opts, graphql.WithSubscriptionURL(cfg.GraphQL.WSURL))
	}
	a.api = graphql.NewClient(cfg.GraphQL.URL, httpClient, mgr, opts...)

	return a
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case cmdStatus:
		return a.status(ctx, false)
	case cmdLogin:
		return a.status(ctx, true)
	case cmdLogout:
		return a.logout()
	case cmdCan, cmdCanService:
		ctx = rbac.WithResolver(ctx, rbac.New(a.store, a.log))
		return a.can(ctx, cmd, args)
	case cmdQuery:
		return a.query(ctx, args)
	case cmdGet:
		return a.get(ctx, args)
	case cmdSubscribe:
		return a.subscribe(ctx, args)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// status reuses, refreshes or replaces the session, syncs the access
// documents and shows the summary.
func (a *app) status(ctx context.Context, forceLogin bool) error {
	a.d.Banner()

	if err := a.ensureSession(ctx, forceLogin); err != nil {
		a.d.Fatal(err)
		return err
	}

	err := a.syncAccess(ctx)
	if errors.Is(err, graphql.ErrUnauthenticated) {
		a.d.ReauthRequired(err)
		if err := a.login(ctx); err != nil {
			a.d.Fatal(err)
			return err
		}
		err = a.syncAccess(ctx)
	}
	if err != nil {
		// The stored documents, if any, still describe the actor.
		a.d.AccessFailed(err)
	}

	a.d.Done(a.summary())
	return nil
}

func (a *app) ensureSession(ctx context.Context, forceLogin bool) error {
	if forceLogin {
		return a.login(ctx)
	}

	if _, ok := a.session.AccessToken(); !ok {
		a.d.SessionMissing()
		return a.login(ctx)
	}
	a.d.SessionFound()

	if a.session.Valid() {
		a.d.TokenValid()
		return nil
	}

	a.d.TokenExpired()
	a.d.Refreshing()
	if _, err := a.session.Refresh(ctx); err != nil {
		a.d.RefreshFailed(err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return a.login(ctx)
	}
	a.d.RefreshOK()
	return nil
}

// login runs the device authorization flow and stores the new tokens.
func (a *app) login(ctx context.Context) error {
	deviceAuth, err := a.oauth.RequestDeviceCode(ctx)
	if err != nil {
		return fmt.Errorf("device code request failed: %w", err)
	}

	a.d.DeviceCodeReady(
		deviceAuth.UserCode,
		deviceAuth.VerificationURI,
		deviceAuth.VerificationURIComplete,
		deviceAuth.Expiry,
	)

	a.d.WaitingForAuth()
	tok, err := a.oauth.PollToken(ctx, deviceAuth, a.d.PollSlowDown)
	if err != nil {
		return fmt.Errorf("token poll failed: %w", err)
	}
	a.d.AuthSuccess()

	if err := a.session.Save(tok); err != nil {
		a.d.SessionSaveFailed(err)
	} else {
		a.d.SessionSaved(a.store.Path())
	}
	return nil
}

// requireSession makes sure a usable access token is stored without
// starting an interactive login.
func (a *app) requireSession(ctx context.Context) error {
	if _, ok := a.session.AccessToken(); !ok {
		return errNotSignedIn
	}
	if a.session.Valid() {
		return nil
	}
	if _, err := a.session.Refresh(ctx); err != nil {
		if session.NeedsReauth(err) {
			return fmt.Errorf("%w: %w", errNotSignedIn, err)
		}
		return err
	}
	return nil
}

func (a *app) logout() error {
	if err := a.session.Logout(); err != nil {
		a.d.Fatal(err)
		return err
	}
	a.d.LoggedOut(a.store.Path())
	return nil
}

func (a *app) summary() tui.Summary {
	tokens := a.session.Tokens()
	r := rbac.New(a.store, a.log)
	access, _ := tokens.AccessToken()

	s := tui.Summary{
		Role:     tokens.Role(),
		VendorID: tokens.VendorID(),
		Preview:  session.Preview(access),
		Features: r.Features(),
		Services: r.Services(),
	}
	if exp := tokens.Expiry(); !exp.IsZero() {
		s.ExpiresIn = time.Until(exp)
	}
	return s
}
