// Package session implements the allocation core itself: the
// per-allocation state machine described in the design's Session State
// Machine, Allocation Lifetime Manager, and Data Relay, driven by a
// single-threaded event loop fed by a channel that merges inbound
// protocol events, timer expiries, and parent messages.
package session

import (
	"context"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/kuuji/turncore/internal/blacklist"
	"github.com/kuuji/turncore/internal/channel"
	"github.com/kuuji/turncore/internal/permission"
	"github.com/kuuji/turncore/internal/registry"
	"github.com/kuuji/turncore/internal/relay"
	"github.com/kuuji/turncore/internal/timer"
	"github.com/kuuji/turncore/internal/transport"
	"github.com/kuuji/turncore/internal/wire"
)

// TransportKind is the client-facing transport a session was created
// over; it determines whether responses go to a fixed client_addr or on
// the already-accepted connection, and is reported in hook payloads.
type TransportKind int

const (
	TransportDatagram TransportKind = iota
	TransportStream
	TransportStreamTLS
)

func (k TransportKind) String() string {
	switch k {
	case TransportDatagram:
		return "udp"
	case TransportStream:
		return "tcp"
	case TransportStreamTLS:
		return "tls"
	default:
		return "unknown"
	}
}

type state int

const (
	stateWaitForAllocate state = iota
	stateActive
	stateTerminated
)

// Config bundles everything a Core needs at construction that comes
// from the operator's configuration rather than per-request state,
// mirroring the core's "configuration options consumed at init" list.
type Config struct {
	SessionID string
	Username  string
	Realm     string
	AuthKey   []byte

	ClientAddr    wire.Addr
	TransportKind TransportKind
	Handle        transport.Handle

	ServerName string

	RelayIPv4   net.IP
	RelayIPv6   net.IP
	MockRelayIP net.IP
	MinPort     int
	MaxPort     int

	MaxPermissions int
	MaxAllocs      int
	Blacklist      *blacklist.List

	Lifetime time.Duration

	// EgressRatePerSec and EgressBurst configure the client→peer egress
	// limiter (§4's Data Relay egress shaping). A non-positive
	// EgressRatePerSec disables limiting.
	EgressRatePerSec float64
	EgressBurst      int

	Registry       *registry.Registry
	ParentResolver ParentResolver
	Hooks          Hooks

	Log *slog.Logger
}

// Core is one TURN allocation's state machine. It must be driven by a
// single goroutine (Run) — every exported method that mutates state
// does so by enqueueing an event rather than touching fields directly,
// preserving the "one event at a time" invariant the original
// actor-per-allocation model relies on.
type Core struct {
	id            string
	username      string
	realm         string
	authKey       []byte
	clientAddr    wire.Addr
	transportKind TransportKind
	handle        transport.Handle
	serverName    string

	relayIPv4      net.IP
	relayIPv6      net.IP
	mockRelayIP    net.IP
	minPort        int
	maxPort        int
	maxAllocs      int
	maxPermissions int

	codec     wire.Codec
	blacklist *blacklist.List
	registry  *registry.Registry

	wheel       *timer.Wheel
	permissions *permission.Table
	channels    *channel.Table

	state           state
	relayAddr       *wire.Addr
	lifeTimerTok    timer.Token
	configLifetime  time.Duration
	lastTrIDSet     bool
	lastTrID        wire.TxID
	lastPkt         []byte
	seq             uint32
	candidateAddr   *wire.Addr // first peer the client addressed; the only peer→client destination, even when several peers hold permissions
	parent          Parent
	parentResolver  ParentResolver
	unresolvedPorts map[int]bool

	egressLimiter *relay.Limiter

	hooks Hooks
	log   *slog.Logger

	counters struct {
		rcvdBytes, rcvdPkts, sentBytes, sentPkts uint64
		start                                    time.Time
	}

	events    chan event
	done      chan struct{}
	stopCause string
}

type eventKind int

const (
	evInbound eventKind = iota
	evPermissionExpired
	evChannelExpired
	evLifetimeExpired
	evParentConnectivityCheck
	evParentICEPayload
	evStop
)

type event struct {
	kind eventKind

	data []byte // evInbound raw bytes

	ip net.IP // evPermissionExpired

	channelNum uint16    // evChannelExpired
	peer       wire.Addr // evChannelExpired

	lifeTimerTok timer.Token // evLifetimeExpired, validated against current token

	check      ConnectivityCheck // evParentConnectivityCheck
	icePayload []byte            // evParentICEPayload
}

// New constructs a Core in WaitForAllocate. Run must be called to start
// its event loop.
func New(cfg Config) *Core {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	c := &Core{
		id:              cfg.SessionID,
		username:        cfg.Username,
		realm:           cfg.Realm,
		authKey:         cfg.AuthKey,
		clientAddr:      cfg.ClientAddr,
		transportKind:   cfg.TransportKind,
		handle:          cfg.Handle,
		serverName:      cfg.ServerName,
		relayIPv4:       cfg.RelayIPv4,
		relayIPv6:       cfg.RelayIPv6,
		mockRelayIP:     cfg.MockRelayIP,
		minPort:         cfg.MinPort,
		maxPort:         cfg.MaxPort,
		maxAllocs:       cfg.MaxAllocs,
		maxPermissions:  cfg.MaxPermissions,
		blacklist:       cfg.Blacklist,
		registry:        cfg.Registry,
		configLifetime:  cfg.Lifetime,
		egressLimiter:   relay.NewLimiter(cfg.EgressRatePerSec, cfg.EgressBurst),
		parentResolver:  cfg.ParentResolver,
		unresolvedPorts: make(map[int]bool),
		hooks:           cfg.Hooks,
		log:             cfg.Log.With("component", "session", "session_id", cfg.SessionID),
		events:          make(chan event, 64),
		done:            make(chan struct{}),
		wheel:           timer.NewWheel(),
	}
	c.counters.start = time.Now()
	return c
}

// SessionID implements registry.Owner.
func (c *Core) SessionID() string { return c.id }

// Inbound enqueues a raw packet read from the client-facing socket. Safe
// to call from any goroutine (the listener's read loop).
func (c *Core) Inbound(data []byte) {
	cp := append([]byte(nil), data...)
	select {
	case c.events <- event{kind: evInbound, data: cp}:
	case <-c.done:
	}
}

// InjectConnectivityCheck enqueues a send_connectivity_check event from
// the parent (§4.5 Peer → Client).
func (c *Core) InjectConnectivityCheck(check ConnectivityCheck) {
	select {
	case c.events <- event{kind: evParentConnectivityCheck, check: check}:
	case <-c.done:
	}
}

// InjectICEPayload enqueues a send_ice_payload event from the parent.
func (c *Core) InjectICEPayload(payload []byte) {
	cp := append([]byte(nil), payload...)
	select {
	case c.events <- event{kind: evParentICEPayload, icePayload: cp}:
	case <-c.done:
	}
}

// Stop requests session termination, as if a stop signal had arrived.
func (c *Core) Stop() {
	select {
	case c.events <- event{kind: evStop}:
	case <-c.done:
	}
}

// Done reports a channel closed once the session's event loop exits.
func (c *Core) Done() <-chan struct{} { return c.done }

// Run drives the event loop until the session terminates or ctx is
// cancelled. It is meant to be the body of the single goroutine a
// supervisor (see cmd/turncored, which starts one goroutine running a
// Core per five-tuple) dedicates to this allocation.
func (c *Core) Run(ctx context.Context) error {
	defer close(c.done)
	defer c.wheel.CancelAll()

	for {
		select {
		case <-ctx.Done():
			c.terminate("context cancelled")
			return ctx.Err()
		case e := <-c.events:
			if c.state == stateTerminated {
				continue
			}
			c.handle(e)
			if c.state == stateTerminated {
				return nil
			}
		}
	}
}

func (c *Core) handle(e event) {
	switch e.kind {
	case evInbound:
		c.handleInbound(e.data)
	case evPermissionExpired:
		// Permission expiry never removes channels; §4.3 is explicit
		// that channels referencing the IP keep their own lifetime.
	case evChannelExpired:
		// channel.Table has already removed both directions by the
		// time this event is observed; nothing further to do here.
	case evLifetimeExpired:
		if e.lifeTimerTok != c.lifeTimerTok {
			// Superseded by a later Refresh; ignore.
			return
		}
		c.terminate("life timer expired")
	case evParentConnectivityCheck:
		c.deliverConnectivityCheck(e.check)
	case evParentICEPayload:
		c.deliverICEPayload(e.icePayload)
	case evStop:
		c.terminate("stop signal")
	}
}

// terminate transitions the session to its terminal state, cancels
// every subordinate timer, deregisters from the allocation registry,
// and fires the stop hook. Idempotent.
func (c *Core) terminate(reason string) {
	if c.state == stateTerminated {
		return
	}
	c.stopCause = reason
	c.state = stateTerminated
	c.wheel.CancelAll()
	if c.registry != nil {
		c.registry.Del(udpAddr(c.clientAddr), c.username, c.realm)
	}
	c.fireStop()
	c.log.Info("session terminated", "reason", reason)
}

func udpAddr(a wire.Addr) net.Addr {
	return &net.UDPAddr{IP: a.IP, Port: a.Port}
}

func randPort(min, max int) int {
	if min >= max {
		return min
	}
	return min + rand.Intn(max-min+1)
}

// send writes b to the client transport. It does not update the traffic
// counters: those track relayed client<->peer payload bytes (§4.1, §4.5),
// not every control response or indication this session happens to emit
// on the wire. A write failure on a reliable transport (TCP/TLS) is a
// fatal session error per the core's design; on a datagram transport it
// is dropped, since a single malformed or momentarily-unreachable UDP
// write says nothing about the client's overall reachability.
func (c *Core) send(b []byte) {
	if err := c.handle.Send(b); err != nil {
		if c.transportKind == TransportStream || c.transportKind == TransportStreamTLS {
			c.log.Error("reliable transport write failed, terminating session", "error", err)
			c.terminate("reliable transport write failed")
			return
		}
		c.log.Error("send failed", "error", err)
		return
	}
}

// sendResponse finalizes and sends a response, recording it as the
// retransmission cache entry for this request's transaction id (§4.1's
// "last_trid/last_pkt are only updated for responses").
func (c *Core) sendResponse(req *wire.Message, b *wire.Builder) {
	encoded := c.codec.Encode(b, c.authKey)
	c.lastTrID = req.TxID
	c.lastTrIDSet = true
	c.lastPkt = encoded
	c.send(encoded)
}

func (c *Core) sendError(req *wire.Message, code int) {
	_, reason := c.codec.Error(code)
	b := wire.NewResponse(req, wire.ClassErrorResponse).AddErrorCode(code, reason)
	c.sendResponse(req, b)
}

func (c *Core) sendErrorWithUnknownAttrs(req *wire.Message, code int, attrs ...uint16) {
	_, reason := c.codec.Error(code)
	b := wire.NewResponse(req, wire.ClassErrorResponse).
		AddErrorCode(code, reason).
		AddUnknownAttributes(attrs...)
	c.sendResponse(req, b)
}

