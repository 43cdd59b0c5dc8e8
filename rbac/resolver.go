package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/go-authgate/dashctl/store"
)

// ErrNoResolver is returned by FromContext when no Resolver was attached.
var ErrNoResolver = errors.New("rbac: no resolver in context")

// Resolver holds the loaded access documents. Lookups are safe for
// concurrent use; a reload swaps the maps under a write lock.
type Resolver struct {
	st  store.Store
	log *slog.Logger

	mu       sync.RWMutex
	features map[string]Feature
	services map[string]ServicePermission
	loaded   bool
}

// New builds a Resolver and loads both documents from st. Load problems are
// logged and leave the affected document empty; they are never fatal.
func New(st store.Store, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	r := &Resolver{
		st:       st,
		log:      log,
		features: map[string]Feature{},
		services: map[string]ServicePermission{},
	}
	r.LoadFromStorage()
	return r
}

// LoadFromStorage (re)reads both documents. A document that cannot be read
// or parsed keeps its previous value. The returned diagnostics are also
// logged; callers may ignore them.
func (r *Resolver) LoadFromStorage() []error {
	var diags []error

	var nav NavigationAccess
	navOK, err := r.readDocument(store.KeyNavigationAccess, &nav)
	if err != nil {
		diags = append(diags, err)
	}

	var perms []ServicePermission
	permsOK, err := r.readDocument(store.KeyServicePermissions, &perms)
	if err != nil {
		diags = append(diags, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if navOK {
		r.features = make(map[string]Feature, len(nav.Features))
		for _, f := range nav.Features {
			r.features[f.Key] = f
		}
	}
	if permsOK {
		r.services = make(map[string]ServicePermission, len(perms))
		for _, p := range perms {
			r.services[p.ServiceType] = p
		}
	}
	r.loaded = true

	return diags
}

// readDocument decodes key into v. ok is true when v should replace the
// current value; an absent slot counts as an empty document.
func (r *Resolver) readDocument(key string, v any) (ok bool, err error) {
	raw, err := r.st.Get(key)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		r.log.Warn("access document unreadable", slog.String("key", key), slog.Any("error", err))
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if strings.TrimSpace(raw) == "" {
		return true, nil
	}

	if err := json.Unmarshal([]byte(raw), v); err != nil {
		r.log.Warn("access document malformed", slog.String("key", key), slog.Any("error", err))
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return true, nil
}

// Loaded reports whether LoadFromStorage has run.
func (r *Resolver) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// HasPermission reports whether the actor may perform action on the feature.
// Unknown features and actions are denied.
func (r *Resolver) HasPermission(featureKey string, action Action) bool {
	r.mu.RLock()
	f, ok := r.features[featureKey]
	r.mu.RUnlock()

	return ok && f.allows(action)
}

// HasServicePermission reports whether the actor may perform action within
// a business vertical. Unknown services are denied, and approve is denied
// when the grant does not mention it.
func (r *Resolver) HasServicePermission(serviceType string, action Action) bool {
	r.mu.RLock()
	p, ok := r.services[serviceType]
	r.mu.RUnlock()

	return ok && p.allows(action)
}

// Features returns the loaded features sorted by key.
func (r *Resolver) Features() []Feature {
	r.mu.RLock()
	out := make([]Feature, 0, len(r.features))
	for _, f := range r.features {
		out = append(out, f)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Feature) int { return strings.Compare(a.Key, b.Key) })
	return out
}

// Services returns the loaded service grants sorted by service type.
func (r *Resolver) Services() []ServicePermission {
	r.mu.RLock()
	out := make([]ServicePermission, 0, len(r.services))
	for _, p := range r.services {
		out = append(out, p)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b ServicePermission) int {
		return strings.Compare(a.ServiceType, b.ServiceType)
	})
	return out
}

// Persist writes both documents to st in the layout LoadFromStorage reads.
func Persist(st store.Store, nav NavigationAccess, perms []ServicePermission) error {
	if nav.Features == nil {
		nav.Features = []Feature{}
	}
	if perms == nil {
		perms = []ServicePermission{}
	}

	navJSON, err := json.Marshal(nav)
	if err != nil {
		return fmt.Errorf("encode navigation access: %w", err)
	}
	permsJSON, err := json.Marshal(perms)
	if err != nil {
		return fmt.Errorf("encode service permissions: %w", err)
	}

	return errors.Join(
		st.Set(store.KeyNavigationAccess, string(navJSON)),
		st.Set(store.KeyServicePermissions, string(permsJSON)),
	)
}

type ctxKey struct{}

// WithResolver attaches r to ctx.
func WithResolver(ctx context.Context, r *Resolver) context.Context {
	return context.WithValue(ctx, ctxKey{}, r)
}

// FromContext returns the Resolver attached with WithResolver.
func FromContext(ctx context.Context) (*Resolver, error) {
	if r, ok := ctx.Value(ctxKey{}).(*Resolver); ok && r != nil {
		return r, nil
	}
	return nil, ErrNoResolver
}
