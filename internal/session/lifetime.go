package session

import (
	"time"

	"github.com/kuuji/turncore/internal/timer"
)

// Constants (milliseconds in the core's design, expressed here as
// time.Duration): default allocation lifetime 600000, max 3600000,
// permission lifetime 300000 (see internal/permission.Lifetime), channel
// lifetime 600000 (see internal/channel.Lifetime).
const (
	defaultAllocationLifetime = 10 * time.Minute
	minAllocationLifetime     = 10 * time.Minute
	maxAllocationLifetime     = time.Hour
	defaultRefreshLifetime    = 10 * time.Minute

	// lifetimeFloor is the threshold below which a configured or
	// requested lifetime at init is non-sensible and falls back to the
	// default, per §4.2.
	lifetimeFloor = 600 * time.Second
)

// resolveInitLifetime implements §4.2's Allocation Lifetime Manager
// init rule: max(requested, 10 minutes) clamped to at most 1 hour; a
// value below 600 seconds falls back to the 10-minute default outright.
func resolveInitLifetime(requested time.Duration) time.Duration {
	if requested < lifetimeFloor {
		return defaultAllocationLifetime
	}
	d := requested
	if d < minAllocationLifetime {
		d = minAllocationLifetime
	}
	if d > maxAllocationLifetime {
		d = maxAllocationLifetime
	}
	return d
}

// resolveRefreshLifetime implements §4.1's Refresh lifetime rules for
// the non-zero, non-absent case: clamp to min(requested*1000ms, 1 hour).
// LIFETIME=0 and LIFETIME-absent are handled by the caller before this
// is reached.
func resolveRefreshLifetime(requestedSeconds uint32) time.Duration {
	d := time.Duration(requestedSeconds) * time.Second
	if d > maxAllocationLifetime {
		d = maxAllocationLifetime
	}
	return d
}

// armLifeTimer (re)arms the single allocation life timer, per §4.2:
// "on every Refresh it is cancelled and re-armed."
func (c *Core) armLifeTimer(d time.Duration) {
	c.wheel.Cancel(c.lifeTimerTok)
	tok := c.wheel.Arm(d, func(t timer.Token) {
		c.enqueue(event{kind: evLifetimeExpired, lifeTimerTok: t})
	})
	c.lifeTimerTok = tok
}

// enqueue pushes e onto the session's event channel, falling back to a
// no-op if the session has already finished its event loop.
func (c *Core) enqueue(e event) {
	select {
	case c.events <- e:
	case <-c.done:
	}
}
