// Package retry implements the bounded exponential backoff used for backend
// reconnects and dispatch retries.
package retry

import (
	"context"
	"math"
	"time"
)

type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int           `koanf:"max_retries" json:"max_retries"`
	BaseDelay  time.Duration `koanf:"base_delay" json:"base_delay"`
	MaxDelay   time.Duration `koanf:"max_delay" json:"max_delay"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   5 * time.Second,
	}
}

// Delay returns BaseDelay * 2^attempt, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt)))
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		delay = p.MaxDelay
	}
	return delay
}

// Sleep waits for the delay of the given attempt or until ctx is done.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	d := p.Delay(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn until it succeeds, returns an error retryable rejects, or the
// retry budget runs out. The last error is returned.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt >= p.MaxRetries {
			return err
		}
		if serr := p.Sleep(ctx, attempt); serr != nil {
			return err
		}
	}
}
