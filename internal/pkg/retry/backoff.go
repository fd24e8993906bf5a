package retry

import (
	"context"
	"time"
)

// Policy is a bounded exponential backoff: Base, 2*Base, 4*Base ... capped at Max.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// DefaultPolicy mirrors the 0.8s/1.6s/3.2s schedule used against rate-limited
// HTTP upstreams.
var DefaultPolicy = Policy{MaxAttempts: 3, Base: 800 * time.Millisecond, Max: 8 * time.Second}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Attempts returns the effective attempt bound (at least 1).
func (p Policy) Attempts() int { return p.attempts() }

// Delay returns the wait before retrying after the given 1-based attempt failed.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base
	if base <= 0 {
		return 0
	}
	wait := base
	for i := 1; i < attempt; i++ {
		wait *= 2
		if p.Max > 0 && wait >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && wait > p.Max {
		wait = p.Max
	}
	return wait
}

// Sleep waits d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
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
