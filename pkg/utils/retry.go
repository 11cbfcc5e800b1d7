package utils

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy bounds a retry loop. Only errors accepted by Retryable are
// retried; anything else is returned on the first failure.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// JitterPercent spreads each wait by +/- this percentage of the computed delay.
	JitterPercent int

	Retryable func(err error) bool

	// Sleep is injectable for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	out := p
	if out.Attempts <= 0 {
		out.Attempts = 3
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = 50 * time.Millisecond
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = 2 * time.Second
	}
	if out.JitterPercent <= 0 {
		out.JitterPercent = 25
	}
	if out.Retryable == nil {
		out.Retryable = func(error) bool { return true }
	}
	if out.Sleep == nil {
		out.Sleep = sleepCtx
	}
	return out
}

// Retry runs fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx is done. The last error is returned.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var err error
	delay := p.BaseDelay
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !p.Retryable(err) || attempt == p.Attempts {
			return err
		}
		if serr := p.Sleep(ctx, JitteredDelay(delay, p.MaxDelay, p.JitterPercent)); serr != nil {
			return err
		}
		delay *= 2
	}
	return err
}

// JitteredDelay spreads base by +/- jitterPct percent and caps it.
func JitteredDelay(base, cap time.Duration, jitterPct int) time.Duration {
	if jitterPct <= 0 {
		jitterPct = 25
	}
	delta := (rand.Float64()*2 - 1) * float64(jitterPct) / 100.0
	wait := time.Duration(float64(base) * (1 + delta))
	if wait < 0 {
		wait = base
	}
	if wait > cap {
		wait = cap
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
