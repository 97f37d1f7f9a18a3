// ABOUTME: Publish throttle that coalesces and rate-limits site publish calls
// ABOUTME: At most one publish is pending at any time; duplicates fold into it
package cms

import (
	"context"
	stdsync "sync"
	"time"
)

type throttleState int

const (
	throttleIdle throttleState = iota
	throttlePending
	throttlePublishing
)

// PublishFunc performs the actual publish call. In production this is the
// rate-limited client's Publish wrapped to drop the timestamp.
type PublishFunc func(ctx context.Context, reason string) error

// Throttle coalesces publish requests. Publishing always reflects the entire
// current site state, so while one publish is pending any further requests in
// the same window fold into it instead of burning another rate-limit token.
type Throttle struct {
	enabled     bool
	minInterval time.Duration
	publish     PublishFunc

	now   func() time.Time
	after func(d time.Duration, f func()) *time.Timer

	mu            stdsync.Mutex
	state         throttleState
	lastPublish   time.Time
	pendingReason string
	lastErr       error
}

// ThrottleOptions configures NewThrottle.
type ThrottleOptions struct {
	Publish     PublishFunc
	Enabled     bool
	MinInterval time.Duration
}

func NewThrottle(opts ThrottleOptions) *Throttle {
	minInterval := opts.MinInterval
	if minInterval <= 0 {
		minInterval = time.Minute
	}
	return &Throttle{
		enabled:     opts.Enabled,
		minInterval: minInterval,
		publish:     opts.Publish,
		now:         time.Now,
		after:       time.AfterFunc,
	}
}

// PublishIfEnabled requests a publish when the feature flag is on. Errors are
// recorded, never returned: publishing is best-effort and secondary to data
// correctness.
func (t *Throttle) PublishIfEnabled(ctx context.Context, reason string) {
	if !t.enabled {
		return
	}
	_ = t.request(ctx, reason, false)
}

// ForcePublish bypasses the enable flag but still respects the minimum
// interval. When the publish happens immediately its error is returned;
// when it coalesces into a pending publish the error lands in LastError.
func (t *Throttle) ForcePublish(ctx context.Context, reason string) error {
	return t.request(ctx, reason, true)
}

// LastError returns the error recorded by the most recent publish attempt,
// or nil.
func (t *Throttle) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *Throttle) request(ctx context.Context, reason string, force bool) error {
	t.mu.Lock()
	if t.state != throttleIdle {
		// A publish is already pending or in flight; it covers the
		// latest accumulated state.
		if t.state == throttlePending {
			t.pendingReason = reason
		}
		t.mu.Unlock()
		return nil
	}

	elapsed := t.now().Sub(t.lastPublish)
	if !t.lastPublish.IsZero() && elapsed < t.minInterval {
		t.state = throttlePending
		t.pendingReason = reason
		delay := t.minInterval - elapsed
		t.mu.Unlock()
		t.after(delay, t.firePending)
		return nil
	}

	t.state = throttlePublishing
	t.mu.Unlock()

	err := t.publish(ctx, reason)

	t.mu.Lock()
	t.lastPublish = t.now()
	t.lastErr = err
	t.state = throttleIdle
	t.mu.Unlock()

	if force {
		return err
	}
	return nil
}

// firePending runs when the coalescing timer expires.
func (t *Throttle) firePending() {
	t.mu.Lock()
	if t.state != throttlePending {
		t.mu.Unlock()
		return
	}
	reason := t.pendingReason
	t.state = throttlePublishing
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := t.publish(ctx, reason)

	t.mu.Lock()
	t.lastPublish = t.now()
	t.lastErr = err
	t.state = throttleIdle
	t.mu.Unlock()
}
