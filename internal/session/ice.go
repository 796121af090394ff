package session

import "github.com/kuuji/turncore/internal/wire"

// ConnectivityCheck is the structured form of an ICE Binding request or
// response tunneled between a client and the parent-owned peer
// connection, per the core's design: the core never interprets these
// fields beyond what it needs to re-encode them, it only relays.
type ConnectivityCheck struct {
	Class int
	TxID  wire.TxID

	Username string
	HasUsername bool

	Priority    uint32
	HasPriority bool

	UseCandidate bool

	IceControlling    uint64
	HasIceControlling bool

	IceControlled    uint64
	HasIceControlled bool

	ErrorCode    int
	ErrorReason  string
	HasErrorCode bool

	// Password is the ICE password the parent wants the response signed
	// with when the parent is the one constructing an outbound check
	// (see Core.InjectConnectivityCheck). It is unused
	// when the core only needs to forward a check it decoded itself.
	Password []byte

	// SenderHandle is opaque routing information the parent attached so
	// it can tell which local peer connection a later reply belongs to;
	// the core never inspects it, only threads it through.
	SenderHandle any
}

// decodeConnectivityCheck extracts the structured fields §4.5 says the
// core must forward when a client's Send-indication or ChannelData
// payload looks like a STUN message (first byte < 2).
func decodeConnectivityCheck(msg *wire.Message) ConnectivityCheck {
	check := ConnectivityCheck{Class: msg.Class, TxID: msg.TxID}
	if u := msg.Username(); u != "" {
		check.Username = u
		check.HasUsername = true
	}
	if p, ok := msg.Priority(); ok {
		check.Priority = p
		check.HasPriority = true
	}
	check.UseCandidate = msg.UseCandidate()
	if v, ok := msg.IceControlling(); ok {
		check.IceControlling = v
		check.HasIceControlling = true
	}
	if v, ok := msg.IceControlled(); ok {
		check.IceControlled = v
		check.HasIceControlled = true
	}
	if code, reason, ok := msg.ErrorCode(); ok {
		check.ErrorCode = code
		check.ErrorReason = reason
		check.HasErrorCode = true
	}
	return check
}

// encodeConnectivityCheck builds the wire bytes for a connectivity check
// the parent asked the core to deliver to the client: a STUN Binding
// message of the given class, signed with check.Password and closed
// with a FINGERPRINT, per §4.5's send_connectivity_check handling.
func encodeConnectivityCheck(check ConnectivityCheck, relayAddr wire.Addr) []byte {
	b := wire.NewBuilder(wire.MethodBinding, check.Class, check.TxID)
	if check.HasUsername {
		b.AddString(wire.AttrUsername, check.Username)
	}
	if check.HasPriority {
		b.AddUint32(wire.AttrPriority, check.Priority)
	}
	if check.UseCandidate {
		b.AddFlag(wire.AttrUseCandidate)
	}
	if check.HasIceControlling {
		b.AddUint64(wire.AttrIceControlling, check.IceControlling)
	}
	if check.HasIceControlled {
		b.AddUint64(wire.AttrIceControlled, check.IceControlled)
	}
	if check.HasErrorCode {
		b.AddErrorCode(check.ErrorCode, check.ErrorReason)
	}
	if check.Class == wire.ClassSuccessResponse {
		b.AddXORAddress(wire.AttrXORMappedAddress, relayAddr)
	}
	return b.Build(check.Password)
}

// Parent is the opaque handle the allocation core forwards client→peer
// payloads through. The core never owns the real relay socket; the
// parent does (see the core's mock_relay_ip design note).
type Parent interface {
	// ForwardConnectivityCheck relays a decoded STUN Binding message to
	// the peer connection this Parent represents.
	ForwardConnectivityCheck(check ConnectivityCheck) error

	// ForwardICEPayload relays an opaque (non-STUN) ICE payload.
	ForwardICEPayload(payload []byte) error
}

// ParentResolver lazily resolves a Parent from the port a client first
// addressed, modeled as a first-class interface (not a captured
// closure) per the core's design notes.
type ParentResolver interface {
	Resolve(port int) (Parent, error)
}
