package session

import (
	"net"
	"time"

	"github.com/kuuji/turncore/internal/channel"
	"github.com/kuuji/turncore/internal/permission"
	"github.com/kuuji/turncore/internal/wire"
)

// handleInbound implements the core of §4.1: decode, try the
// retransmission shortcut, then dispatch by state and message kind.
func (c *Core) handleInbound(data []byte) {
	if wire.IsChannelData(data) {
		cd, err := wire.ParseChannelData(data)
		if err != nil {
			c.log.Debug("dropping malformed channel data", "error", err)
			return
		}
		if c.state == stateActive {
			c.handleChannelData(cd)
		}
		return
	}

	msg, err := c.codec.Decode(data)
	if err != nil {
		c.log.Debug("dropping malformed message", "error", err)
		return
	}

	if msg.Class == wire.ClassRequest && c.state == stateActive && c.lastTrIDSet && msg.TxID == c.lastTrID {
		c.send(c.lastPkt)
		return
	}

	switch c.state {
	case stateWaitForAllocate:
		c.handleWaitForAllocate(msg)
	case stateActive:
		c.handleActive(msg)
	}
}

func (c *Core) handleWaitForAllocate(msg *wire.Message) {
	if msg.Method != wire.MethodAllocate || msg.Class != wire.ClassRequest {
		c.log.Debug("ignoring non-allocate event in WaitForAllocate", "method", msg.Method, "class", msg.Class)
		return
	}
	c.handleAllocate(msg)
}

func (c *Core) handleActive(msg *wire.Message) {
	if msg.Class == wire.ClassRequest && msg.Method == wire.MethodAllocate {
		c.sendError(msg, 437)
		return
	}

	switch {
	case msg.Class == wire.ClassRequest && msg.Method == wire.MethodRefresh:
		c.handleRefresh(msg)
	case msg.Class == wire.ClassRequest && msg.Method == wire.MethodCreatePermission:
		c.handleCreatePermission(msg)
	case msg.Class == wire.ClassRequest && msg.Method == wire.MethodChannelBind:
		c.handleChannelBind(msg)
	case msg.Class == wire.ClassIndication && msg.Method == wire.MethodSend:
		c.handleSendIndication(msg)
	default:
		c.log.Debug("ignoring unknown event in Active", "method", msg.Method, "class", msg.Class)
	}
}

// handleAllocate implements the WaitForAllocate → Active transition
// from §4.1: ordered checks, then port selection and registry admission.
func (c *Core) handleAllocate(msg *wire.Message) {
	transportProto, ok := msg.RequestedTransport()
	if !ok {
		c.sendError(msg, 400)
		c.terminate("allocate: missing REQUESTED-TRANSPORT")
		return
	}
	if transportProto != wire.TransportUDP {
		c.sendError(msg, 442)
		c.terminate("allocate: unsupported transport")
		return
	}
	if msg.DontFragment() {
		c.sendErrorWithUnknownAttrs(msg, 420, wire.AttrDontFragment)
		c.terminate("allocate: DONT-FRAGMENT unsupported")
		return
	}
	wantsV6 := false
	if fam, ok := msg.RequestedAddressFamily(); ok && fam == wire.FamilyIPv6 {
		wantsV6 = true
	}
	if wantsV6 && c.relayIPv6 == nil {
		c.sendError(msg, 440)
		c.terminate("allocate: ipv6 requested but unsupported")
		return
	}
	if c.blacklist.Blocked(c.clientAddr.IP) {
		c.sendError(msg, 403)
		c.terminate("allocate: client blacklisted")
		return
	}
	if c.registry != nil {
		if err := c.registry.Add(udpAddr(c.clientAddr), c.username, c.realm, c.maxAllocs, c); err != nil {
			c.sendError(msg, 486)
			c.terminate("allocate: " + err.Error())
			return
		}
	}

	family := wire.FamilyIPv4
	if wantsV6 {
		family = wire.FamilyIPv6
	}
	port := randPort(c.minPort, c.maxPort)
	relay := wire.Addr{IP: c.mockRelayIP, Port: port}
	c.relayAddr = &relay

	c.permissions = permission.New(c.wheel, c.blacklist, family, c.maxPermissions, func(ip net.IP) {
		c.enqueue(event{kind: evPermissionExpired, ip: ip})
	})
	c.channels = channel.New(c.wheel, c.permissions, func(num uint16, peer wire.Addr) {
		c.enqueue(event{kind: evChannelExpired, channelNum: num, peer: peer})
	})

	lifetime := resolveInitLifetime(c.configLifetime)
	c.armLifeTimer(lifetime)

	unmapped := unmapIPv4(c.clientAddr.IP)
	b := wire.NewResponse(msg, wire.ClassSuccessResponse).
		AddXORAddress(wire.AttrXORRelayedAddress, relay).
		AddUint32(wire.AttrLifetime, uint32(lifetime/time.Second)).
		AddXORAddress(wire.AttrXORMappedAddress, wire.Addr{IP: unmapped, Port: c.clientAddr.Port}).
		AddString(wire.AttrSoftware, c.serverName)
	c.sendResponse(msg, b)

	c.state = stateActive
	c.fireStart()
}

// handleRefresh implements §4.1's Refresh handling: a family mismatch
// against the existing allocation is rejected; LIFETIME=0 tears the
// allocation down after replying; LIFETIME absent falls back to the
// 10-minute default; any other LIFETIME is clamped to at most 1 hour.
// In every surviving case the life timer is cancelled and re-armed.
func (c *Core) handleRefresh(msg *wire.Message) {
	if fam, ok := msg.RequestedAddressFamily(); ok {
		relayIsV6 := c.relayAddr != nil && c.relayAddr.IP.To4() == nil
		wantsV6 := fam == wire.FamilyIPv6
		if wantsV6 != relayIsV6 {
			c.sendError(msg, 443)
			return
		}
	}

	seconds, present := msg.Lifetime()
	switch {
	case present && seconds == 0:
		b := wire.NewResponse(msg, wire.ClassSuccessResponse).AddUint32(wire.AttrLifetime, 0)
		c.sendResponse(msg, b)
		c.terminate("refresh: lifetime 0")
		return
	case !present:
		c.armLifeTimer(defaultRefreshLifetime)
	default:
		c.armLifeTimer(resolveRefreshLifetime(seconds))
	}

	d := defaultRefreshLifetime
	if present {
		d = resolveRefreshLifetime(seconds)
	}
	b := wire.NewResponse(msg, wire.ClassSuccessResponse).AddUint32(wire.AttrLifetime, uint32(d/time.Second))
	c.sendResponse(msg, b)
}

// handleCreatePermission implements §4.1's CreatePermission: every
// XOR-PEER-ADDRESS attribute in the request is handed to the permission
// table as one batch, so quota/family/blacklist checks see the whole
// request atomically.
func (c *Core) handleCreatePermission(msg *wire.Message) {
	peers := msg.XORPeerAddresses()
	if len(peers) == 0 {
		c.sendError(msg, 400)
		return
	}
	ips := make([]net.IP, len(peers))
	for i, p := range peers {
		ips[i] = p.IP
	}
	if err := c.permissions.Update(ips); err != nil {
		if werr, ok := err.(*wire.Error); ok {
			c.sendError(msg, werr.Code)
			return
		}
		c.sendError(msg, 500)
		return
	}
	b := wire.NewResponse(msg, wire.ClassSuccessResponse)
	c.sendResponse(msg, b)
}

// handleChannelBind implements §4.1's ChannelBind: exactly one
// XOR-PEER-ADDRESS and a channel number in [0x4000, 0x7FFE] are
// required, the bind is delegated to the channel table (which in turn
// grants the implicit permission), and the candidate address used by
// the data relay is latched if this is the session's first bind.
func (c *Core) handleChannelBind(msg *wire.Message) {
	peers := msg.XORPeerAddresses()
	chanNum, hasChan := msg.ChannelNumber()
	if len(peers) != 1 || !hasChan || chanNum < channel.MinChannel || chanNum > channel.MaxChannel {
		c.sendError(msg, 400)
		return
	}
	if err := c.channels.Bind(chanNum, peers[0]); err != nil {
		if werr, ok := err.(*wire.Error); ok {
			c.sendError(msg, werr.Code)
			return
		}
		c.sendError(msg, 500)
		return
	}
	if c.candidateAddr == nil {
		addr := peers[0]
		c.candidateAddr = &addr
	}
	b := wire.NewResponse(msg, wire.ClassSuccessResponse)
	c.sendResponse(msg, b)
}

// handleSendIndication implements §4.1/§4.5's client→peer Send path: a
// permission must already exist for the destination, and Send
// indications are never acknowledged (§7's "indications get no
// response, valid or not").
func (c *Core) handleSendIndication(msg *wire.Message) {
	peers := msg.XORPeerAddresses()
	payload, hasPayload := msg.Data()
	if len(peers) != 1 || !hasPayload {
		return
	}
	peer := peers[0]
	if c.candidateAddr == nil {
		c.candidateAddr = &peer
	}
	if !c.permissions.Has(peer.IP) {
		return
	}
	c.relayOutbound(peer, payload)
}

// handleChannelData implements §4.1/§4.5's client→peer ChannelData path:
// the channel must already be bound, otherwise the frame is dropped
// silently (there is no response class for ChannelData).
func (c *Core) handleChannelData(cd wire.ChannelData) {
	peer, ok := c.channels.PeerFor(cd.Channel)
	if !ok {
		return
	}
	c.relayOutbound(peer, cd.Data)
}
