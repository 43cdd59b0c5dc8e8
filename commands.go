package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-authgate/dashctl/graphql"
	"github.com/go-authgate/dashctl/rbac"
)

// accessQuery fetches the signed-in actor's role, vendor account and access
// documents.
const accessQuery = `query DashboardAccess {
  dashboard_access {
    user_role
    vendor_account_id
    navigation_access
    service_permissions {
      service_type
      can_view
      can_edit
      can_delete
      can_approve
    }
  }
}`

type accessRecord struct {
	UserRole           string                   `json:"user_role"`
	VendorAccountID    string                   `json:"vendor_account_id"`
	NavigationAccess   rbac.NavigationAccess    `json:"navigation_access"`
	ServicePermissions []rbac.ServicePermission `json:"service_permissions"`
}

var errNoAccessRecord = errors.New("backend returned no access record")

// syncAccess fetches the access documents and stores them with the profile.
func (a *app) syncAccess(ctx context.Context) error {
	a.d.LoadingAccess()

	var resp struct {
		Access []accessRecord `json:"dashboard_access"`
	}
	req := graphql.Request{Query: accessQuery, OperationName: "DashboardAccess"}
	if err := a.api.Do(ctx, req, &resp); err != nil {
		return err
	}
	if len(resp.Access) == 0 {
		return errNoAccessRecord
	}
	rec := resp.Access[0]

	if err := rbac.Persist(a.store, rec.NavigationAccess, rec.ServicePermissions); err != nil {
		return fmt.Errorf("failed to store access documents: %w", err)
	}
	if err := a.session.Tokens().SetProfile(rec.UserRole, rec.VendorAccountID); err != nil {
		return fmt.Errorf("failed to store profile: %w", err)
	}

	a.d.AccessLoaded(len(rec.NavigationAccess.Features), len(rec.ServicePermissions))
	return nil
}

// can answers from the stored documents only; it never touches the network.
func (a *app) can(ctx context.Context, cmd string, args []string) error {
	if len(args) != 2 {
		err := fmt.Errorf("usage: dashctl %s <name> <action>", cmd)
		a.d.Fatal(err)
		return err
	}
	action, err := rbac.ParseAction(args[1])
	if err != nil {
		a.d.Fatal(err)
		return err
	}

	r, err := rbac.FromContext(ctx)
	if err != nil {
		a.d.Fatal(err)
		return err
	}

	var allowed bool
	if cmd == cmdCanService {
		allowed = r.HasServicePermission(args[0], action)
	} else {
		allowed = r.HasPermission(args[0], action)
	}

	if !allowed {
		fmt.Fprintln(a.out, "denied")
		return errDenied
	}
	fmt.Fprintln(a.out, "allowed")
	return nil
}

// varFlags collects repeated -var key=value flags. Values that parse as JSON
// are sent as JSON, anything else as a string.
type varFlags map[string]any

func (v varFlags) String() string { return fmt.Sprint(map[string]any(v)) }

func (v varFlags) Set(s string) error {
	key, raw, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	var val any
	if err := json.Unmarshal([]byte(raw), &val); err != nil {
		val = raw
	}
	v[key] = val
	return nil
}

// parseOperation reads the flags and operation file of query and subscribe.
func parseOperation(cmd string, args []string, stderr io.Writer) (graphql.Request, error) {
	vars := varFlags{}
	var opName string

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Var(vars, "var", "operation variable as key=value (repeatable)")
	fs.StringVar(&opName, "op", "", "operation name when the file holds several")
	if err := fs.Parse(args); err != nil {
		return graphql.Request{}, err
	}
	if fs.NArg() != 1 {
		return graphql.Request{}, fmt.Errorf("usage: dashctl %s [-var k=v] <file>", cmd)
	}

	query, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return graphql.Request{}, fmt.Errorf("failed to read operation: %w", err)
	}

	req := graphql.Request{Query: string(query), OperationName: opName}
	if len(vars) > 0 {
		req.Variables = vars
	}
	return req, nil
}

func (a *app) query(ctx context.Context, args []string) error {
	req, err := parseOperation(cmdQuery, args, os.Stderr)
	if err != nil {
		a.d.Fatal(err)
		return err
	}
	if err := a.requireSession(ctx); err != nil {
		a.d.Fatal(err)
		return err
	}

	var data json.RawMessage
	err = a.api.Do(ctx, req, &data)
	if len(data) > 0 {
		if perr := a.printJSON(data); perr != nil {
			return perr
		}
	}
	if err != nil {
		a.d.Fatal(a.explain(err))
		return err
	}
	return nil
}

func (a *app) get(ctx context.Context, args []string) error {
	if len(args) != 1 {
		err := errors.New("usage: dashctl get <path>")
		a.d.Fatal(err)
		return err
	}
	if err := a.requireSession(ctx); err != nil {
		a.d.Fatal(err)
		return err
	}

	var body json.RawMessage
	if err := a.api.GetJSON(ctx, args[0], &body); err != nil {
		a.d.Fatal(a.explain(err))
		return err
	}
	return a.printJSON(body)
}

// subscribe streams events as JSON lines until the server completes the
// operation or the process is interrupted.
func (a *app) subscribe(ctx context.Context, args []string) error {
	req, err := parseOperation(cmdSubscribe, args, os.Stderr)
	if err != nil {
		a.d.Fatal(err)
		return err
	}
	if err := a.requireSession(ctx); err != nil {
		a.d.Fatal(err)
		return err
	}

	sub, err := a.api.Subscribe(ctx, req)
	if err != nil {
		a.d.Fatal(a.explain(err))
		return err
	}
	defer sub.Stop()

	enc := json.NewEncoder(a.out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					a.d.Fatal(err)
					return err
				}
				return nil
			}
			line := struct {
				Data   json.RawMessage `json:"data,omitempty"`
				Errors graphql.Errors  `json:"errors,omitempty"`
			}{ev.Data, ev.Errors}
			if err := enc.Encode(line); err != nil {
				return err
			}
		}
	}
}

func (a *app) printJSON(raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		buf.Reset()
		buf.Write(raw)
	}
	buf.WriteByte('\n')
	_, err := a.out.Write(buf.Bytes())
	return err
}

// explain adds the next step to errors that need a new login.
func (a *app) explain(err error) error {
	if errors.Is(err, graphql.ErrUnauthenticated) {
		return fmt.Errorf("%w; run `dashctl login`", err)
	}
	return err
}
