package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultRefreshTimeout bounds a refresh exchange when none is configured.
const DefaultRefreshTimeout = 30 * time.Second

// ErrRefreshTimeout is returned to callers whose refresh did not settle in
// time. The gate is reset, so the next caller starts a new exchange.
var ErrRefreshTimeout = errors.New("token refresh timed out")

// Gate runs at most one exchange at a time. Callers that arrive while an
// exchange is in flight wait for it and receive its result or error; once it
// settles the next call starts a new one.
type Gate[T any] struct {
	group   singleflight.Group
	timeout time.Duration
	waiters atomic.Int32

	// gen names the current flight. Each flight runs under its own key, and
	// only a caller of the current flight can move the gate past it.
	mu  sync.Mutex
	gen uint64
}

// NewGate returns a Gate whose exchanges are bounded by timeout. A
// non-positive timeout disables the bound.
func NewGate[T any](timeout time.Duration) *Gate[T] {
	return &Gate[T]{timeout: timeout}
}

// Do joins the in-flight exchange or starts one with exchange.
//
// The exchange runs on a context that keeps ctx's values but not its
// cancellation: one impatient caller must not fail the refresh for everyone
// else. Each caller still stops waiting when its own ctx ends.
func (g *Gate[T]) Do(ctx context.Context, exchange func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	ch, gen := g.join(ctx, exchange)

	g.waiters.Add(1)
	defer g.waiters.Add(-1)

	var expired <-chan time.Time
	if g.timeout > 0 {
		timer := time.NewTimer(g.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(T)
		return v, nil

	case <-expired:
		// The exchange ignored its deadline. Stop handing it out.
		g.retire(gen)
		return zero, ErrRefreshTimeout

	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// join attaches the caller to the current flight, starting it if needed.
func (g *Gate[T]) join(
	ctx context.Context,
	exchange func(context.Context) (T, error),
) (<-chan singleflight.Result, uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	gen := g.gen
	ch := g.group.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		defer g.retire(gen)

		exCtx := context.WithoutCancel(ctx)
		if g.timeout > 0 {
			var cancel context.CancelFunc
			exCtx, cancel = context.WithTimeout(exCtx, g.timeout)
			defer cancel()
		}
		return exchange(exCtx)
	})
	return ch, gen
}

// retire moves the gate past flight gen. Later calls for an already retired
// flight are no-ops, so a slow waiter never detaches a newer flight.
func (g *Gate[T]) retire(gen uint64) {
	g.mu.Lock()
	if g.gen == gen {
		g.gen++
	}
	g.mu.Unlock()
}

// Waiters reports how many callers are currently waiting on the gate.
func (g *Gate[T]) Waiters() int {
	return int(g.waiters.Load())
}
