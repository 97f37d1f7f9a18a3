// ABOUTME: Rate-limited outbound gateway for all CMS calls
// ABOUTME: Single-flight FIFO dispatch with a rolling window budget and server reset hints
package cms

import (
	"context"
	"errors"
	stdsync "sync"
	"time"

	"github.com/harperreed/membersync/models"
)

// ErrGatewayClosed is returned for calls submitted after Close.
var ErrGatewayClosed = errors.New("cms gateway closed")

// Gateway funnels every outbound CMS call through one FIFO queue with a
// single in-flight call, no matter how many upsert workers are ready to
// dispatch. It enforces a calls-per-window budget, resyncs that budget from
// server-reported remaining quota, and transparently absorbs rate-limit
// responses by waiting out the reset and retrying; the reconciler never sees
// a RateLimitError.
type Gateway struct {
	capacity      int
	window        time.Duration
	fallbackReset time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	pending   chan *pendingCall
	closeOnce stdsync.Once
	drained   chan struct{}

	mu          stdsync.Mutex
	used        int
	windowStart time.Time
	resetAt     time.Time
	observed    bool
	observedRem int
}

type pendingCall struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// NewGateway builds a gateway allowing capacity dispatches per window and
// starts its drain loop.
func NewGateway(capacity int, window time.Duration) *Gateway {
	if capacity <= 0 {
		capacity = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	g := &Gateway{
		capacity:      capacity,
		window:        window,
		fallbackReset: time.Minute,
		now:           time.Now,
		sleep:         sleepUntil,
		pending:       make(chan *pendingCall, 256),
		drained:       make(chan struct{}),
	}
	g.windowStart = g.now()
	go g.drain()
	return g
}

// Do submits fn and blocks until it has settled. Submissions are dispatched
// strictly in enqueue order, one at a time.
func (g *Gateway) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	call := &pendingCall{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case g.pending <- call:
	case <-ctx.Done():
		return ctx.Err()
	case <-g.drained:
		return ErrGatewayClosed
	}
	select {
	case err := <-call.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ObserveRemaining resynchronizes the budget from a server-reported
// remaining-quota hint. Wire it as the HTTP client's quota hook.
func (g *Gateway) ObserveRemaining(remaining int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observed = true
	g.observedRem = remaining
}

// Close stops accepting new calls and lets queued ones fail fast.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		close(g.drained)
	})
}

func (g *Gateway) drain() {
	for {
		select {
		case <-g.drained:
			g.failPending()
			return
		case call := <-g.pending:
			if call.ctx.Err() != nil {
				call.done <- call.ctx.Err()
				continue
			}
			call.done <- g.dispatch(call)
		}
	}
}

func (g *Gateway) failPending() {
	for {
		select {
		case call := <-g.pending:
			call.done <- ErrGatewayClosed
		default:
			return
		}
	}
}

// dispatch runs one call, retrying transparently when the CMS reports a
// rate limit.
func (g *Gateway) dispatch(call *pendingCall) error {
	for {
		if err := g.waitForBudget(call.ctx); err != nil {
			return err
		}
		g.mu.Lock()
		g.observed = false
		g.mu.Unlock()

		err := call.fn(call.ctx)
		g.settle(err)

		var rl *RateLimitError
		if errors.As(err, &rl) {
			continue
		}
		return err
	}
}

func (g *Gateway) waitForBudget(ctx context.Context) error {
	for {
		g.mu.Lock()
		now := g.now()
		resetAt := g.windowStart.Add(g.window)
		if g.resetAt.After(resetAt) {
			resetAt = g.resetAt
		}
		if !now.Before(resetAt) {
			g.used = 0
			g.windowStart = now
			g.resetAt = time.Time{}
		}
		if g.used < g.capacity {
			g.mu.Unlock()
			return nil
		}
		wait := resetAt.Sub(now)
		g.mu.Unlock()
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// settle updates the budget after a dispatch: rate-limit responses exhaust
// it immediately, server quota hints override the local count, and anything
// else costs one token.
func (g *Gateway) settle(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var rl *RateLimitError
	switch {
	case errors.As(err, &rl):
		g.used = g.capacity
		reset := g.fallbackReset
		if rl.RetryAfter > 0 {
			reset = rl.RetryAfter
		}
		g.resetAt = g.now().Add(reset)
	case g.observed:
		used := g.capacity - g.observedRem
		if used < 0 {
			used = 0
		}
		g.used = used
	default:
		g.used++
	}
}

func sleepUntil(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// LimitedClient decorates a Client so every call flows through the gateway.
type LimitedClient struct {
	inner   Client
	gateway *Gateway
}

func NewLimitedClient(inner Client, gateway *Gateway) *LimitedClient {
	return &LimitedClient{inner: inner, gateway: gateway}
}

func (c *LimitedClient) FetchAllMirrored(ctx context.Context) ([]models.Item, error) {
	var out []models.Item
	err := c.gateway.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = c.inner.FetchAllMirrored(ctx)
		return innerErr
	})
	return out, err
}

func (c *LimitedClient) FetchSectors(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := c.gateway.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = c.inner.FetchSectors(ctx)
		return innerErr
	})
	return out, err
}

func (c *LimitedClient) Upsert(ctx context.Context, memberID string, fields map[string]any) (UpsertResult, error) {
	var out UpsertResult
	err := c.gateway.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = c.inner.Upsert(ctx, memberID, fields)
		return innerErr
	})
	return out, err
}

func (c *LimitedClient) Archive(ctx context.Context, itemID string) error {
	return c.gateway.Do(ctx, func(ctx context.Context) error {
		return c.inner.Archive(ctx, itemID)
	})
}

func (c *LimitedClient) Publish(ctx context.Context, reason string) (time.Time, error) {
	var out time.Time
	err := c.gateway.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = c.inner.Publish(ctx, reason)
		return innerErr
	})
	return out, err
}
