// Package pace spaces successive calls of a single worker.
//
// The delay is a policy (last call time to next allowed time) applied by a
// Spacer with an injectable clock, so throttling is testable without
// wall-clock waits.
package pace

import (
	"context"
	"time"
)

// Policy computes the next allowed call time from the last call time.
type Policy interface {
	NextAllowed(last time.Time) time.Time
}

// Fixed spaces calls by a constant interval.
type Fixed time.Duration

// NextAllowed returns last plus the fixed interval.
func (f Fixed) NextAllowed(last time.Time) time.Time {
	return last.Add(time.Duration(f))
}

// None imposes no spacing between calls.
var None Policy = Fixed(0)

// Spacer applies a Policy between successive calls. Each worker owns its
// own Spacer; it is not safe for concurrent use.
type Spacer struct {
	policy Policy
	last   time.Time
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
}

// Option customises a Spacer. Used by tests to inject a fake clock.
type Option func(*Spacer)

// WithNow overrides the clock.
func WithNow(fn func() time.Time) Option {
	return func(s *Spacer) { s.now = fn }
}

// WithSleep overrides the blocking wait.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(s *Spacer) { s.sleep = fn }
}

// NewSpacer builds a Spacer for the given policy. A nil policy means no
// spacing.
func NewSpacer(p Policy, opts ...Option) *Spacer {
	if p == nil {
		p = None
	}
	s := &Spacer{policy: p, now: time.Now, sleep: sleepContext}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mark records that a call just completed.
func (s *Spacer) Mark() {
	s.last = s.now()
}

// Wait blocks until the policy allows the next call. Before the first Mark
// it returns immediately. Returns the context error when cancelled early.
func (s *Spacer) Wait(ctx context.Context) error {
	if s.last.IsZero() {
		return nil
	}
	d := s.policy.NextAllowed(s.last).Sub(s.now())
	if d <= 0 {
		return nil
	}
	return s.sleep(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
