// Package permission implements the allocation core's permission table:
// the set of peer IPs a client is currently authorized to exchange data
// with, each with its own independently-expiring 5-minute lifetime.
package permission

import (
	"net"
	"time"

	"github.com/kuuji/turncore/internal/blacklist"
	"github.com/kuuji/turncore/internal/timer"
	"github.com/kuuji/turncore/internal/wire"
)

// Lifetime is the fixed permission lifetime mandated by the core's design;
// every successful grant (re)arms a timer of exactly this duration.
const Lifetime = 5 * time.Minute

// entry is one granted permission: the IP's install time is implicit in
// which timer.Token currently owns it. tok is validated against the
// token carried by an Expired event before the entry is actually removed,
// so a timer superseded by a later grant for the same IP can never delete
// the newer grant out from under it.
type entry struct {
	tok timer.Token
}

// Table is the permission set for one allocation. It is not safe for
// concurrent use; callers are expected to drive it from a single session
// event loop, per the core's single-threaded-per-allocation design.
type Table struct {
	wheel       *timer.Wheel
	blacklist   *blacklist.List
	relayFamily int // wire.FamilyIPv4 or wire.FamilyIPv6
	max         int
	entries     map[string]entry // keyed by ip.String()
	onExpire    func(ip net.IP)
}

// New creates an empty Table bound to wheel (for arming/cancelling
// per-IP timers) and bl (for rejecting blacklisted peers). relayFamily
// is the family of the allocation's relayed address, used to reject
// family-mismatched peers. onExpire is invoked (from the wheel's own
// goroutine) whenever a permission's timer fires and the entry is
// actually removed; callers should forward it into their own event
// queue rather than acting on it inline, since it runs concurrently
// with the owning session's main loop.
func New(wheel *timer.Wheel, bl *blacklist.List, relayFamily int, max int, onExpire func(ip net.IP)) *Table {
	return &Table{
		wheel:       wheel,
		blacklist:   bl,
		relayFamily: relayFamily,
		max:         max,
		entries:     make(map[string]entry),
		onExpire:    onExpire,
	}
}

// Len reports the number of currently-granted permissions.
func (t *Table) Len() int {
	return len(t.entries)
}

// Has reports whether ip currently holds a live permission.
func (t *Table) Has(ip net.IP) bool {
	_, ok := t.entries[ip.String()]
	return ok
}

// Update implements update_permissions(addrs) from the core's design:
// every address is validated before any mutation occurs, so a request
// that fails partway never leaves the table partially updated.
func (t *Table) Update(addrs []net.IP) error {
	if len(addrs) == 0 {
		return wire.NewError(400)
	}

	// Quota is evaluated before dedup: each supplied address counts as a
	// new slot for admission purposes, even if it duplicates an existing
	// entry or another address in addrs.
	if len(t.entries)+len(addrs) > t.max {
		return wire.NewError(508)
	}

	for _, ip := range addrs {
		if !sameFamily(ip, t.relayFamily) {
			return wire.NewError(443)
		}
	}
	if t.blacklist.BlockedAny(addrs) {
		return wire.NewError(403)
	}

	for _, ip := range addrs {
		t.grant(ip)
	}
	return nil
}

// grant installs or refreshes a single IP's permission, cancelling
// whatever timer previously owned the slot (if any) and arming a fresh
// one. Cancel-then-arm keeps the wheel's alive map as sole source of
// truth, so a stale in-flight expiry from the old timer can never race
// with the new grant.
func (t *Table) grant(ip net.IP) {
	key := ip.String()
	if old, ok := t.entries[key]; ok {
		t.wheel.Cancel(old.tok)
	}

	var tok timer.Token
	tok = t.wheel.Arm(Lifetime, func(firedTok timer.Token) {
		t.expire(key, ip, firedTok)
	})
	t.entries[key] = entry{tok: tok}
}

// expire is the wheel callback for one IP's timer. It runs on the
// wheel's internal goroutine; the caller-supplied onExpire is expected
// to hand the event back to the owning session's serialized event loop
// rather than mutate shared state directly from here.
func (t *Table) expire(key string, ip net.IP, firedTok timer.Token) {
	cur, ok := t.entries[key]
	if !ok || cur.tok != firedTok {
		// Superseded by a later grant for the same IP; this expiry is stale.
		return
	}
	delete(t.entries, key)
	if t.onExpire != nil {
		t.onExpire(ip)
	}
}

// Remove deletes ip's permission immediately, cancelling its timer.
func (t *Table) Remove(ip net.IP) {
	key := ip.String()
	if e, ok := t.entries[key]; ok {
		t.wheel.Cancel(e.tok)
		delete(t.entries, key)
	}
}

// IPs returns the set of currently-permitted peer IPs.
func (t *Table) IPs() []net.IP {
	out := make([]net.IP, 0, len(t.entries))
	for k := range t.entries {
		out = append(out, net.ParseIP(k))
	}
	return out
}

func sameFamily(ip net.IP, relayFamily int) bool {
	isV4 := ip.To4() != nil
	if relayFamily == wire.FamilyIPv4 {
		return isV4
	}
	return !isV4
}
