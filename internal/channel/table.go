// Package channel implements the allocation core's channel table: the
// bidirectional binding between a 16-bit channel number and a peer
// address, each binding with its own independently-expiring 10-minute
// lifetime, and the one-to-one invariant that a channel and its peer
// always point back to each other.
package channel

import (
	"net"
	"time"

	"github.com/kuuji/turncore/internal/permission"
	"github.com/kuuji/turncore/internal/timer"
	"github.com/kuuji/turncore/internal/wire"
)

// Lifetime is the fixed channel-binding lifetime mandated by the core's
// design; every successful bind (re)arms a timer of exactly this
// duration.
const Lifetime = 10 * time.Minute

// MinChannel and MaxChannel bound the valid TURN channel number range.
// Validating against this range is the caller's responsibility (the
// session dispatch checks it before calling Bind), since it is a wire
// framing constraint rather than a channel-table invariant.
const (
	MinChannel = 0x4000
	MaxChannel = 0x7FFE
)

type binding struct {
	peer wire.Addr
	tok  timer.Token
}

// Table is the channel set for one allocation. Like permission.Table, it
// is driven from a single session event loop and is not safe for
// concurrent use.
type Table struct {
	wheel       *timer.Wheel
	permissions *permission.Table
	channels    map[uint16]binding
	peers       map[string]uint16 // keyed by wire.Addr.String()
	onExpire    func(channelNum uint16, peer wire.Addr)
}

// New creates an empty Table. perms is the owning allocation's permission
// table; Bind delegates permission admission to it per the core's
// design (step 3 of ChannelBind). onExpire is invoked from the wheel's
// goroutine when a channel binding's timer fires; as with
// permission.Table, callers should forward it to their own serialized
// event loop rather than act on it inline.
func New(wheel *timer.Wheel, perms *permission.Table, onExpire func(uint16, wire.Addr)) *Table {
	return &Table{
		wheel:       wheel,
		permissions: perms,
		channels:    make(map[uint16]binding),
		peers:       make(map[string]uint16),
		onExpire:    onExpire,
	}
}

// ChannelFor reports the channel bound to peer, if any.
func (t *Table) ChannelFor(peer wire.Addr) (uint16, bool) {
	c, ok := t.peers[peer.String()]
	return c, ok
}

// PeerFor reports the peer bound to channel c, if any.
func (t *Table) PeerFor(c uint16) (wire.Addr, bool) {
	b, ok := t.channels[c]
	if !ok {
		return wire.Addr{}, false
	}
	return b.peer, true
}

// Bind implements the ChannelBind operation from the core's design.
func (t *Table) Bind(c uint16, peer wire.Addr) error {
	peerKey := peer.String()

	if existing, ok := t.peers[peerKey]; ok && existing != c {
		return wire.NewError(400)
	}
	if existing, ok := t.channels[c]; ok && existing.peer.String() != peerKey {
		return wire.NewError(400)
	}

	if err := t.permissions.Update([]net.IP{peer.IP}); err != nil {
		return err
	}

	if old, ok := t.channels[c]; ok {
		t.wheel.Cancel(old.tok)
	}

	var tok timer.Token
	tok = t.wheel.Arm(Lifetime, func(firedTok timer.Token) {
		t.expire(c, firedTok)
	})

	t.channels[c] = binding{peer: peer, tok: tok}
	t.peers[peerKey] = c
	return nil
}

func (t *Table) expire(c uint16, firedTok timer.Token) {
	b, ok := t.channels[c]
	if !ok || b.tok != firedTok {
		return
	}
	delete(t.channels, c)
	delete(t.peers, b.peer.String())
	if t.onExpire != nil {
		t.onExpire(c, b.peer)
	}
}

// Remove deletes channel c's binding immediately, cancelling its timer.
func (t *Table) Remove(c uint16) {
	b, ok := t.channels[c]
	if !ok {
		return
	}
	t.wheel.Cancel(b.tok)
	delete(t.channels, c)
	delete(t.peers, b.peer.String())
}

// Len reports the number of currently-bound channels.
func (t *Table) Len() int {
	return len(t.channels)
}
