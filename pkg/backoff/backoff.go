// Package backoff rate-limits repeated connection attempts, the role the
// original LogCabin client gives its Core::Util::Backoff collaborator: a
// LeaderRPC that keeps failing to reach any server, or keeps getting
// redirected to a leader that isn't actually leading, must slow down
// instead of hammering the cluster.
package backoff

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Backoff limits how often a caller may proceed with a new connection
// attempt. It wraps golang.org/x/time/rate rather than a hand-rolled token
// bucket, since that's the rate-limiting primitive the rest of this
// codebase's dependency stack already reaches for.
type Backoff struct {
	limiter *rate.Limiter
}

// New creates a Backoff that permits bursts of up to burst attempts, and
// thereafter allows one further attempt every period.
func New(period time.Duration, burst int) *Backoff {
	return &Backoff{
		limiter: rate.NewLimiter(rate.Every(period), burst),
	}
}

// Wait blocks until an attempt is permitted or ctx is done, whichever comes
// first.
func (b *Backoff) Wait(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// Allow reports whether an attempt may proceed right now, without
// blocking, consuming a token if so.
func (b *Backoff) Allow() bool {
	return b.limiter.Allow()
}
