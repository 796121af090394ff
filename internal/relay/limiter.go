// Package relay provides the egress shaping the Data Relay's client→peer
// path is metered through: a thin wrapper around golang.org/x/time/rate
// so one allocation's forwarding loop cannot starve the parent it hands
// packets to.
package relay

import "golang.org/x/time/rate"

// Limiter gates a session's client→peer forwarding rate. The zero value
// is not usable; use NewLimiter.
type Limiter struct {
	rl *rate.Limiter
}

// NewLimiter creates a Limiter allowing burst packets immediately and
// ratePerSec steady-state afterward. A non-positive ratePerSec disables
// limiting (every Allow call succeeds).
func NewLimiter(ratePerSec float64, burst int) *Limiter {
	if ratePerSec <= 0 {
		return &Limiter{rl: rate.NewLimiter(rate.Inf, burst)}
	}
	return &Limiter{rl: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Allow reports whether one packet may be forwarded now, consuming a
// token if so. The Data Relay drops (rather than queues) a packet that
// doesn't get a token, matching spec.md's "no queueing" data-path design.
func (l *Limiter) Allow() bool {
	return l.rl.Allow()
}
