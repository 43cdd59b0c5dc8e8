package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	retry "github.com/appleboy/go-httpretry"

	"github.com/go-authgate/dashctl/config"
	"github.com/go-authgate/dashctl/graphql"
	"github.com/go-authgate/dashctl/rbac"
	"github.com/go-authgate/dashctl/session"
	"github.com/go-authgate/dashctl/store"
	"github.com/go-authgate/dashctl/tui"
)

const testClientID = "test-client"

// recorder captures the displayer calls the tests assert on.
type recorder struct {
	tui.NoopDisplayer

	mu      sync.Mutex
	events  []string
	summary *tui.Summary
	fatal   error
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) SessionFound() { r.add("session-found") }
func (r *recorder) SessionMissing() { r.add("session-missing") }
func (r *recorder) TokenValid() { r.add("token-valid") }
func (r *recorder) TokenExpired() { r.add("token-expired") }
func (r *recorder) RefreshOK() { r.add("refresh-ok") }
func (r *recorder) RefreshFailed(error) { r.add("refresh-failed") }
func (r *recorder) DeviceCodeReady(string, string, string, time.Time) { r.add("device-code") }
func (r *recorder) AuthSuccess() { r.add("auth-success") }
func (r *recorder) SessionSaved(string) { r.add("session-saved") }
func (r *recorder) AccessLoaded(int, int) { r.add("access-loaded") }
func (r *recorder) AccessFailed(error) { r.add("access-failed") }
func (r *recorder) ReauthRequired(error) { r.add("reauth") }
func (r *recorder) LoggedOut(string) { r.add("logged-out") }

func (r *recorder) Done(s tui.Summary) {
	r.mu.Lock()
	r.summary = &s
	r.mu.Unlock()
	r.add("done")
}

func (r *recorder) Fatal(err error) {
	r.mu.Lock()
	r.fatal = err
	r.mu.Unlock()
	r.add("fatal")
}

func (r *recorder) has(ev string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == ev {
			return true
		}
	}
	return false
}

// backend fakes the OAuth server and the GraphQL/REST endpoints.
type backend struct {
	*httptest.Server

	refreshes    atomic.Int32
	deviceGrants atomic.Int32
	// validToken is the access token the API accepts.
	validToken atomic.Value
	// unauthenticatedOnce makes the first access query answer UNAUTHENTICATED.
	unauthenticatedOnce atomic.Bool
}

const accessPayload = `{"data":{"dashboard_access":[{
	"user_role":"vendor",
	"vendor_account_id":"v-77",
	"navigation_access":{"features":[
		{"key":"orders","canView":true,"canEdit":true,"canDelete":false},
		{"key":"payouts","canView":true,"canEdit":false,"canDelete":false}
	]},
	"service_permissions":[
		{"service_type":"food","can_view":true,"can_edit":true,"can_delete":false,"can_approve":true},
		{"service_type":"rides","can_view":true,"can_edit":false,"can_delete":false}
	]
}]}}`

func newBackend(t *testing.T) *backend {
	t.Helper()

	b := &backend{}
	b.validToken.Store("access-token-valid-1234")

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/device/code", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"device_code":      "dev-code",
			"user_code":        "ABCD-EFGH",
			"verification_uri": "https://auth.example.com/device",
			"expires_in":       300,
			"interval":         1,
		})
	})
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		var next string
		switch r.Form.Get("grant_type") {
		case "refresh_token":
			if r.Form.Get("refresh_token") != "refresh-1" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			next = fmt.Sprintf("access-token-refreshed-%d", b.refreshes.Add(1))
		case "urn:ietf:params:oauth:grant-type:device_code":
			next = fmt.Sprintf("access-token-device-%d", b.deviceGrants.Add(1))
		default:
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b.validToken.Store(next)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  next,
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("/v1/graphql", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+b.validToken.Load().(string) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req graphql.Request
		_ = json.NewDecoder(r.Body).Decode(&req)

		w.Header().Set("Content-Type", "application/json")
		if req.OperationName == "DashboardAccess" {
			if b.unauthenticatedOnce.CompareAndSwap(true, false) {
				_, _ = w.Write([]byte(`{"errors":[{"message":"session revoked","extensions":{"code":"UNAUTHENTICATED"}}]}`))
				return
			}
			_, _ = w.Write([]byte(accessPayload))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"echo": req.Variables,
				"role": r.Header.Get("x-hasura-role"),
			},
		})
	})
	mux.HandleFunc("/api/rest/orders/42", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+b.validToken.Load().(string) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":42,"status":"delivered"}`))
	})

	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Close)
	return b
}

func testConfig(t *testing.T, serverURL string) *config.Config {
	t.Helper()
	return &config.Config{
		ServerURL: serverURL,
		ClientID:  testClientID,
		TokenFile: filepath.Join(t.TempDir(), "session.json"),
		GraphQL: config.GraphQLConfig{
			URL:     serverURL + "/v1/graphql",
			RESTURL: serverURL + "/api/rest",
		},
		RefreshTimeout: 5 * time.Second,
	}
}

func testApp(t *testing.T, cfg *config.Config) (*app, *recorder, *bytes.Buffer) {
	t.Helper()

	rc, err := retry.NewClient()
	if err != nil {
		t.Fatalf("failed to create retry client: %v", err)
	}
	rec := &recorder{}
	var out bytes.Buffer
	return newApp(cfg, rc, rec, &out, slog.New(slog.DiscardHandler)), rec, &out
}

func seedSession(t *testing.T, cfg *config.Config, access string, expiry time.Time) {
	t.Helper()

	tokens := session.NewTokenStore(store.NewFileStore(cfg.TokenFile, cfg.ClientID), nil)
	if err := tokens.SetPair(session.TokenPair{
		AccessToken:  access,
		RefreshToken: "refresh-1",
		Expiry:       expiry,
	}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func TestStatus_ValidSessionSyncsAccess(t *testing.T) {
	b := newBackend(t)
	cfg := testConfig(t, b.URL)
	seedSession(t, cfg, "access-token-valid-1234", time.Now().Add(time.Hour))

	a, rec, _ := testApp(t, cfg)
	if err := a.run(context.Background(), cmdStatus, nil); err != nil {
		t.Fatalf("status failed: %v", err)
	}

	for _, ev := range []string{"session-found", "token-valid", "access-loaded", "done"} {
		if !rec.has(ev) {
			t.Errorf("missing %q in %v", ev, rec.events)
		}
	}
	if b.refreshes.Load() != 0 || b.deviceGrants.Load() != 0 {
		t.Errorf("valid session should not refresh or log in")
	}

	s := rec.summary
	if s.Role != "vendor" || s.VendorID != "v-77" {
		t.Errorf("unexpected profile: %q / %q", s.Role, s.VendorID)
	}
	if len(s.Features) != 2 || len(s.Services) != 2 {
		t.Errorf("unexpected grants: %+v", s)
	}
	if s.Preview != "access-token..." {
		t.Errorf("unexpected preview %q", s.Preview)
	}
}

func TestStatus_ExpiredSessionRefreshes(t *testing.T) {
	b := newBackend(t)
	b.validToken.Store("not-the-stored-token")
	cfg := testConfig(t, b.URL)
	seedSession(t, cfg, "access-token-stale-0000", time.Now().Add(-time.Minute))

	a, rec, _ := testApp(t, cfg)
	if err := a.run(context.Background(), cmdStatus, nil); err != nil {
		t.Fatalf("status failed: %v", err)
	}

	if !rec.has("token-expired") || !rec.has("refresh-ok") {
		t.Errorf("expected refresh path, got %v", rec.events)
	}
	if got := b.refreshes.Load(); got != 1 {
		t.Errorf("expected 1 refresh, got %d", got)
	}
	stored, _ := a.session.AccessToken()
	if stored != "access-token-refreshed-1" {
		t.Errorf("refreshed token not stored, got %q", stored)
	}
}

func TestStatus_UnauthenticatedStartsNewLogin(t *testing.T) {
	if testing.Short() {
		t.Skip("device polling waits one interval")
	}

	b := newBackend(t)
	b.unauthenticatedOnce.Store(true)
	cfg := testConfig(t, b.URL)
	seedSession(t, cfg, "access-token-valid-1234", time.Now().Add(time.Hour))

	a, rec, _ := testApp(t, cfg)
	if err := a.run(context.Background(), cmdStatus, nil); err != nil {
		t.Fatalf("status failed: %v", err)
	}

	for _, ev := range []string{"reauth", "device-code", "auth-success", "session-saved", "access-loaded"} {
		if !rec.has(ev) {
			t.Errorf("missing %q in %v", ev, rec.events)
		}
	}
	if got := b.deviceGrants.Load(); got != 1 {
		t.Errorf("expected 1 device grant, got %d", got)
	}
}

func TestStatus_NoSessionRunsDeviceFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("device polling waits one interval")
	}

	b := newBackend(t)
	cfg := testConfig(t, b.URL)

	a, rec, _ := testApp(t, cfg)
	if err := a.run(context.Background(), cmdStatus, nil); err != nil {
		t.Fatalf("status failed: %v", err)
	}

	if !rec.has("session-missing") || !rec.has("session-saved") {
		t.Errorf("expected device flow, got %v", rec.events)
	}

	data, err := os.ReadFile(cfg.TokenFile)
	if err != nil {
		t.Fatalf("session file not written: %v", err)
	}
	if !strings.Contains(string(data), "access-token-device-1") {
		t.Errorf("device token missing from session file:\n%s", data)
	}
}

func TestCan(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	st := store.NewFileStore(cfg.TokenFile, cfg.ClientID)
	approve := true
	if err := rbac.Persist(st,
		rbac.NavigationAccess{Features: []rbac.Feature{{Key: "orders", CanView: true}}},
		[]rbac.ServicePermission{{ServiceType: rbac.ServiceFood, CanView: true, CanApprove: &approve}},
	); err != nil {
		t.Fatalf("persist: %v", err)
	}

	tests := []struct {
		cmd     string
		args    []string
		allowed bool
	}{
		{cmdCan, []string{"orders", "view"}, true},
		{cmdCan, []string{"orders", "edit"}, false},
		{cmdCan, []string{"unknown", "view"}, false},
		{cmdCanService, []string{"food", "approve"}, true},
		{cmdCanService, []string{"food", "delete"}, false},
		{cmdCanService, []string{"rides", "view"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.cmd+"/"+strings.Join(tt.args, "/"), func(t *testing.T) {
			a, _, out := testApp(t, cfg)
			err := a.run(context.Background(), tt.cmd, tt.args)

			if tt.allowed {
				if err != nil {
					t.Fatalf("expected allowed, got %v", err)
				}
				if strings.TrimSpace(out.String()) != "allowed" {
					t.Errorf("unexpected output %q", out.String())
				}
				return
			}
			if !errors.Is(err, errDenied) {
				t.Fatalf("expected errDenied, got %v", err)
			}
			if exitCode(err) != 1 {
				t.Errorf("denied must exit 1")
			}
		})
	}
}

func TestCan_BadArguments(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")

	for _, args := range [][]string{{"orders"}, {"orders", "read"}} {
		a, rec, _ := testApp(t, cfg)
		err := a.run(context.Background(), cmdCan, args)
		if err == nil || errors.Is(err, errDenied) {
			t.Errorf("args %v: expected usage error, got %v", args, err)
		}
		if rec.fatal == nil {
			t.Errorf("args %v: error not reported", args)
		}
	}
}

func TestLogout(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	seedSession(t, cfg, "access-token-valid-1234", time.Now().Add(time.Hour))

	a, rec, _ := testApp(t, cfg)
	if err := a.session.Tokens().SetProfile("vendor", "v-1"); err != nil {
		t.Fatal(err)
	}
	if err := a.run(context.Background(), cmdLogout, nil); err != nil {
		t.Fatalf("logout failed: %v", err)
	}

	if !rec.has("logged-out") {
		t.Errorf("expected logged-out, got %v", rec.events)
	}
	if _, ok := a.session.AccessToken(); ok {
		t.Error("access token survived logout")
	}
	if a.session.Tokens().Role() != "" {
		t.Error("profile survived logout")
	}
}

func TestQuery(t *testing.T) {
	b := newBackend(t)
	cfg := testConfig(t, b.URL)
	cfg.GraphQL.Role = "manager"
	seedSession(t, cfg, "access-token-valid-1234", time.Now().Add(time.Hour))

	file := filepath.Join(t.TempDir(), "orders.graphql")
	if err := os.WriteFile(file, []byte("query Orders($limit: Int!) { orders(limit: $limit) { id } }"), 0o600); err != nil {
		t.Fatal(err)
	}

	a, _, out := testApp(t, cfg)
	err := a.run(context.Background(), cmdQuery, []string{"-var", "limit=5", "-var", "status=open", file})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	var got struct {
		Echo map[string]any `json:"echo"`
		Role string         `json:"role"`
	}
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if got.Echo["limit"] != float64(5) || got.Echo["status"] != "open" {
		t.Errorf("variables not sent as expected: %v", got.Echo)
	}
	if got.Role != "manager" {
		t.Errorf("role header not sent, got %q", got.Role)
	}
}

func TestQuery_NotSignedIn(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	file := filepath.Join(t.TempDir(), "q.graphql")
	if err := os.WriteFile(file, []byte("{ me }"), 0o600); err != nil {
		t.Fatal(err)
	}

	a, _, _ := testApp(t, cfg)
	err := a.run(context.Background(), cmdQuery, []string{file})
	if !errors.Is(err, errNotSignedIn) {
		t.Fatalf("expected errNotSignedIn, got %v", err)
	}
}

func TestGet_RefreshesOnUnauthorized(t *testing.T) {
	b := newBackend(t)
	cfg := testConfig(t, b.URL)
	// Valid by expiry but already rotated server-side.
	seedSession(t, cfg, "access-token-revoked-99", time.Now().Add(time.Hour))

	a, _, out := testApp(t, cfg)
	if err := a.run(context.Background(), cmdGet, []string{"/orders/42"}); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !strings.Contains(out.String(), `"status": "delivered"`) {
		t.Errorf("unexpected output:\n%s", out.String())
	}
	if got := b.refreshes.Load(); got != 1 {
		t.Errorf("expected 1 refresh, got %d", got)
	}
}

func TestVarFlags(t *testing.T) {
	v := varFlags{}
	for _, s := range []string{"n=3", "ok=true", "name=bob", `obj={"a":1}`, "empty="} {
		if err := v.Set(s); err != nil {
			t.Fatalf("Set(%q): %v", s, err)
		}
	}
	if v["n"] != float64(3) || v["ok"] != true || v["name"] != "bob" || v["empty"] != "" {
		t.Errorf("unexpected vars: %v", v)
	}
	if _, ok := v["obj"].(map[string]any); !ok {
		t.Errorf("obj should decode as JSON, got %T", v["obj"])
	}

	for _, bad := range []string{"novalue", "=x"} {
		if err := v.Set(bad); err == nil {
			t.Errorf("Set(%q) should fail", bad)
		}
	}
}

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		command string
		rest    []string
		wantErr bool
	}{
		{"default command", nil, cmdStatus, nil, false},
		{"flags then command", []string{"-client-id", "abc", "can", "orders", "view"}, cmdCan, []string{"orders", "view"}, false},
		{"query keeps its flags", []string{"query", "-var", "a=1", "f.graphql"}, cmdQuery, []string{"-var", "a=1", "f.graphql"}, false},
		{"unknown command", []string{"frobnicate"}, "", nil, true},
		{"unknown flag", []string{"-nope"}, "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := parseArgs(tt.args, io.Discard)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if o.command != tt.command {
				t.Errorf("command = %q, want %q", o.command, tt.command)
			}
			if strings.Join(o.args, " ") != strings.Join(tt.rest, " ") {
				t.Errorf("args = %v, want %v", o.args, tt.rest)
			}
		})
	}

	o, err := parseArgs([]string{"-client-id", "abc", "-token-file", "/tmp/s.json", "status"}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if o.flags.ClientID != "abc" || o.flags.TokenFile != "/tmp/s.json" {
		t.Errorf("flags not captured: %+v", o.flags)
	}
}
