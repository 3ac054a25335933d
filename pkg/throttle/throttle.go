// Package throttle spaces out process launches across slot workers.
package throttle

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter hands out launch tokens. The zero value and a nil *Limiter never
// block.
type Limiter struct {
	lim *rate.Limiter
}

// New allows perSecond launches per second with the given burst. A
// non-positive rate disables limiting.
func New(perSecond float64, burst int) *Limiter {
	if perSecond <= 0 {
		return &Limiter{}
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Every allows one launch per interval.
func Every(interval time.Duration) *Limiter {
	if interval <= 0 {
		return &Limiter{}
	}
	return &Limiter{lim: rate.NewLimiter(rate.Every(interval), 1)}
}

// Acquire blocks until a token is available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil || l.lim == nil {
		return ctx.Err()
	}
	return l.lim.Wait(ctx)
}

// Unlimited reports whether Acquire never waits.
func (l *Limiter) Unlimited() bool { return l == nil || l.lim == nil }
