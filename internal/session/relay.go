package session

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/kuuji/turncore/internal/wire"
)

// unmapIPv4 collapses an IPv4-mapped IPv6 address to plain IPv4, per
// §4.1's XOR-MAPPED-ADDRESS rule. Addresses that are not IPv4-mapped are
// returned unchanged.
func unmapIPv4(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

// resolveParent looks up (and caches) the Parent serving peer's port,
// per §4.5's client→peer path. A port that previously failed to resolve
// is remembered so repeated Send indications to an unreachable peer
// don't repeatedly hit the resolver.
func (c *Core) resolveParent(port int) (Parent, error) {
	if c.parent != nil {
		return c.parent, nil
	}
	if c.unresolvedPorts[port] {
		return nil, fmt.Errorf("session: port %d has no resolvable parent", port)
	}
	if c.parentResolver == nil {
		return nil, fmt.Errorf("session: no parent resolver configured")
	}
	p, err := c.parentResolver.Resolve(port)
	if err != nil {
		c.unresolvedPorts[port] = true
		return nil, err
	}
	c.parent = p
	return p, nil
}

// relayOutbound implements §4.5's client → peer path: payloads that look
// like STUN (first byte < 2) are decoded into a ConnectivityCheck and
// forwarded structured; everything else is forwarded as an opaque ICE
// payload. Every payload actually handed to the parent is counted as
// sent traffic, matching the core's client→peer counter framing.
func (c *Core) relayOutbound(peer wire.Addr, payload []byte) {
	if !c.egressLimiter.Allow() {
		c.log.Debug("dropping outbound payload: egress rate exceeded", "peer", peer.String())
		return
	}

	parent, err := c.resolveParent(peer.Port)
	if err != nil {
		c.log.Debug("dropping outbound payload: no parent", "peer", peer.String(), "error", err)
		return
	}

	if len(payload) > 0 && payload[0] < 2 {
		msg, err := wire.Decode(payload)
		if err != nil {
			c.log.Debug("dropping malformed ice payload", "error", err)
			return
		}
		check := decodeConnectivityCheck(msg)
		if err := parent.ForwardConnectivityCheck(check); err != nil {
			c.log.Error("forward connectivity check failed", "error", err)
			return
		}
		c.counters.sentBytes += uint64(len(payload))
		c.counters.sentPkts++
		return
	}

	if err := parent.ForwardICEPayload(payload); err != nil {
		c.log.Error("forward ice payload failed", "error", err)
		return
	}
	c.counters.sentBytes += uint64(len(payload))
	c.counters.sentPkts++
}

// deliverConnectivityCheck implements §4.5's peer → client path for a
// structured connectivity check: it is re-encoded into STUN bytes and
// handed to deliverToClient for channel/permission-gated framing.
func (c *Core) deliverConnectivityCheck(check ConnectivityCheck) {
	if c.relayAddr == nil {
		return
	}
	c.deliverToClient(encodeConnectivityCheck(check, *c.relayAddr))
}

// deliverICEPayload implements §4.5's peer → client path for an opaque
// ICE payload.
func (c *Core) deliverICEPayload(payload []byte) {
	c.deliverToClient(payload)
}

// deliverToClient picks the framing §4.5 requires for something arriving
// from the peer side. A live permission is required no matter how it is
// framed: a channel binding never outlives the permission check on its
// own, since the channel's 10-minute lifetime can outlast the 5-minute
// permission that authorized its peer in the first place. With a live
// permission confirmed, a bound channel gets a ChannelData frame and
// anything else gets a Data indication; no permission means drop,
// regardless of channel state. Every payload actually delivered is
// counted as received traffic, matching the core's peer→client counter
// framing.
func (c *Core) deliverToClient(payload []byte) {
	if c.candidateAddr == nil {
		return
	}

	if c.permissions == nil || !c.permissions.Has(c.candidateAddr.IP) {
		return
	}

	c.counters.rcvdBytes += uint64(len(payload))
	c.counters.rcvdPkts++

	if c.channels != nil {
		if ch, ok := c.channels.ChannelFor(*c.candidateAddr); ok {
			c.send(wire.BuildChannelData(ch, payload))
			return
		}
	}

	c.seq++
	b := wire.NewBuilder(wire.MethodData, wire.ClassIndication, c.seqTxID()).
		AddXORAddress(wire.AttrXORPeerAddress, *c.candidateAddr).
		AddData(payload)
	c.send(c.codec.EncodeIndication(b, c.authKey))
}

// seqTxID derives a transaction id for a server-originated indication
// from the session's monotonic sequence counter, so no two indications
// this session sends ever collide on the wire.
func (c *Core) seqTxID() wire.TxID {
	var tx wire.TxID
	copy(tx[:], []byte(c.id))
	binary.BigEndian.PutUint32(tx[8:12], c.seq)
	return tx
}
