// Package wire is the STUN/TURN message codec used by the allocation core.
//
// It implements only the subset of RFC 5389 (STUN) and RFC 5766 (TURN)
// needed to serve a single TURN allocation, plus the handful of RFC 8445
// ICE attributes (PRIORITY, USE-CANDIDATE, ICE-CONTROLLED, ICE-CONTROLLING)
// tunneled between a client and a parent-owned peer connection. It has no
// external dependencies: the TURN method/attribute space is not exposed by
// any importable third-party package reachable from this module (see
// DESIGN.md).
package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Header size and magic cookie, RFC 5389 §6.
const (
	HeaderSize  = 20
	MagicCookie = 0x2112A442

	fingerprintXOR = 0x5354554E
)

// STUN/TURN methods used by this core.
const (
	MethodBinding          = 0x001
	MethodAllocate         = 0x003
	MethodRefresh          = 0x004
	MethodSend             = 0x006
	MethodData             = 0x007
	MethodCreatePermission = 0x008
	MethodChannelBind      = 0x009
)

// STUN message classes.
const (
	ClassRequest         = 0x00
	ClassIndication      = 0x01
	ClassSuccessResponse = 0x02
	ClassErrorResponse   = 0x03
)

// Attribute types used by this core.
const (
	AttrMappedAddress        = 0x0001
	AttrUsername             = 0x0006
	AttrMessageIntegrity     = 0x0008
	AttrErrorCode            = 0x0009
	AttrUnknownAttributes    = 0x000A
	AttrChannelNumber        = 0x000C
	AttrLifetime             = 0x000D
	AttrXORPeerAddress       = 0x0012
	AttrData                 = 0x0013
	AttrRealm                = 0x0014
	AttrNonce                = 0x0015
	AttrXORRelayedAddress    = 0x0016
	AttrRequestedAddrFamily  = 0x0017
	AttrEvenPort             = 0x0018
	AttrRequestedTransport   = 0x0019
	AttrDontFragment         = 0x001A
	AttrXORMappedAddress     = 0x0020
	AttrReservationToken     = 0x0022
	AttrPriority             = 0x0024
	AttrUseCandidate         = 0x0025
	AttrFingerprint          = 0x8028
	AttrIceControlled        = 0x8029
	AttrIceControlling       = 0x802A
	AttrSoftware             = 0x8022
)

// Address families, RFC 5389 §15.1.
const (
	FamilyIPv4 = 0x01
	FamilyIPv6 = 0x02
)

// TransportUDP is the only value accepted for REQUESTED-TRANSPORT.
const TransportUDP = 17

// TxID is a 96-bit STUN transaction id.
type TxID [12]byte

// Addr is a decoded (non-XOR) peer or relay address.
type Addr struct {
	IP   net.IP
	Port int
}

func (a Addr) String() string {
	return fmt.Sprintf("%s:%d", a.IP.String(), a.Port)
}

// rawAttr is an undecoded, type-length-value STUN attribute.
type rawAttr struct {
	Type  uint16
	Value []byte
}

// Message is a parsed STUN/TURN message.
type Message struct {
	Method int
	Class  int
	TxID   TxID
	attrs  []rawAttr
}

// MessageType encodes method and class into the 16-bit STUN type field.
// The bit interleaving is defined in RFC 5389 §6.
func MessageType(method, class int) uint16 {
	m := uint16(method)
	c := uint16(class)
	return (m & 0x0F) | ((c & 0x01) << 4) | ((m & 0x70) << 1) | ((c & 0x02) << 7) | ((m & 0xF80) << 2)
}

// ParseMessageType extracts method and class from a STUN type field.
func ParseMessageType(t uint16) (method, class int) {
	method = int((t & 0x0F) | ((t >> 1) & 0x70) | ((t >> 2) & 0xF80))
	class = int(((t >> 4) & 0x01) | ((t >> 7) & 0x02))
	return method, class
}

// IsChannelData reports whether data begins with a ChannelData framing
// header (channel number in [0x4000, 0x7FFF]).
func IsChannelData(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	ch := binary.BigEndian.Uint16(data[0:2])
	return ch >= 0x4000 && ch <= 0x7FFF
}

// IsSTUN reports whether data looks like a STUN message: top two bits of
// the first byte are zero and the magic cookie is present.
func IsSTUN(data []byte) bool {
	if len(data) < HeaderSize {
		return false
	}
	if data[0]&0xC0 != 0 {
		return false
	}
	return binary.BigEndian.Uint32(data[4:8]) == MagicCookie
}

// ChannelData is a parsed ChannelData frame (RFC 5766 §11.4).
type ChannelData struct {
	Channel uint16
	Data    []byte
}

// ParseChannelData parses a ChannelData frame from raw bytes.
func ParseChannelData(data []byte) (ChannelData, error) {
	if len(data) < 4 {
		return ChannelData{}, fmt.Errorf("wire: channel data too short: %d bytes", len(data))
	}
	ch := binary.BigEndian.Uint16(data[0:2])
	length := binary.BigEndian.Uint16(data[2:4])
	if int(length) > len(data)-4 {
		return ChannelData{}, fmt.Errorf("wire: channel data length %d exceeds available %d", length, len(data)-4)
	}
	return ChannelData{Channel: ch, Data: data[4 : 4+length]}, nil
}

// BuildChannelData constructs a ChannelData frame, padded to a 4-byte
// boundary per RFC 5766 §11.4.
func BuildChannelData(channel uint16, payload []byte) []byte {
	padded := (len(payload) + 3) &^ 3
	buf := make([]byte, 4+padded)
	binary.BigEndian.PutUint16(buf[0:2], channel)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[4:], payload)
	return buf
}

// Decode parses a STUN message. It does not validate MESSAGE-INTEGRITY or
// FINGERPRINT; use CheckIntegrity/CheckFingerprint for that.
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("wire: message too short: %d bytes", len(data))
	}

	msgType := binary.BigEndian.Uint16(data[0:2])
	msgLen := binary.BigEndian.Uint16(data[2:4])
	cookie := binary.BigEndian.Uint32(data[4:8])
	if cookie != MagicCookie {
		return nil, fmt.Errorf("wire: bad magic cookie: %#x", cookie)
	}
	if int(msgLen)+HeaderSize > len(data) {
		return nil, fmt.Errorf("wire: message length %d exceeds available %d", msgLen, len(data)-HeaderSize)
	}

	method, class := ParseMessageType(msgType)
	msg := &Message{Method: method, Class: class}
	copy(msg.TxID[:], data[8:20])

	offset := HeaderSize
	end := HeaderSize + int(msgLen)
	for offset+4 <= end {
		attrType := binary.BigEndian.Uint16(data[offset : offset+2])
		attrLen := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		if offset+4+int(attrLen) > end {
			return nil, fmt.Errorf("wire: attribute %#x length %d exceeds message", attrType, attrLen)
		}
		value := make([]byte, attrLen)
		copy(value, data[offset+4:offset+4+int(attrLen)])
		msg.attrs = append(msg.attrs, rawAttr{Type: attrType, Value: value})
		offset += 4 + ((int(attrLen) + 3) &^ 3)
	}

	return msg, nil
}

func (m *Message) attr(attrType uint16) ([]byte, bool) {
	for _, a := range m.attrs {
		if a.Type == attrType {
			return a.Value, true
		}
	}
	return nil, false
}

func (m *Message) attrsOf(attrType uint16) [][]byte {
	var out [][]byte
	for _, a := range m.attrs {
		if a.Type == attrType {
			out = append(out, a.Value)
		}
	}
	return out
}

// Username returns the USERNAME attribute, or "" if absent.
func (m *Message) Username() string {
	v, _ := m.attr(AttrUsername)
	return string(v)
}

// Lifetime returns the LIFETIME attribute in seconds.
func (m *Message) Lifetime() (uint32, bool) {
	v, ok := m.attr(AttrLifetime)
	if !ok || len(v) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// RequestedTransport returns the REQUESTED-TRANSPORT protocol number.
func (m *Message) RequestedTransport() (byte, bool) {
	v, ok := m.attr(AttrRequestedTransport)
	if !ok || len(v) < 1 {
		return 0, false
	}
	return v[0], true
}

// DontFragment reports whether the DONT-FRAGMENT attribute is present.
func (m *Message) DontFragment() bool {
	_, ok := m.attr(AttrDontFragment)
	return ok
}

// RequestedAddressFamily returns the REQUESTED-ADDRESS-FAMILY value
// (FamilyIPv4 or FamilyIPv6).
func (m *Message) RequestedAddressFamily() (byte, bool) {
	v, ok := m.attr(AttrRequestedAddrFamily)
	if !ok || len(v) < 1 {
		return 0, false
	}
	return v[0], true
}

// ChannelNumber returns the CHANNEL-NUMBER attribute.
func (m *Message) ChannelNumber() (uint16, bool) {
	v, ok := m.attr(AttrChannelNumber)
	if !ok || len(v) < 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(v), true
}

// Data returns the DATA attribute, or nil if absent.
func (m *Message) Data() ([]byte, bool) {
	return m.attr(AttrData)
}

// Priority returns the ICE PRIORITY attribute.
func (m *Message) Priority() (uint32, bool) {
	v, ok := m.attr(AttrPriority)
	if !ok || len(v) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// UseCandidate reports whether the ICE USE-CANDIDATE flag attribute is present.
func (m *Message) UseCandidate() bool {
	_, ok := m.attr(AttrUseCandidate)
	return ok
}

// IceControlled returns the ICE-CONTROLLED tie-breaker, if present.
func (m *Message) IceControlled() (uint64, bool) {
	return m.uint64Attr(AttrIceControlled)
}

// IceControlling returns the ICE-CONTROLLING tie-breaker, if present.
func (m *Message) IceControlling() (uint64, bool) {
	return m.uint64Attr(AttrIceControlling)
}

func (m *Message) uint64Attr(attrType uint16) (uint64, bool) {
	v, ok := m.attr(attrType)
	if !ok || len(v) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(v), true
}

// ErrorCode returns the ERROR-CODE attribute, decoded to a numeric code
// and reason phrase.
func (m *Message) ErrorCode() (code int, reason string, ok bool) {
	v, present := m.attr(AttrErrorCode)
	if !present || len(v) < 4 {
		return 0, "", false
	}
	code = int(v[2])*100 + int(v[3])
	reason = string(v[4:])
	return code, reason, true
}

// XORPeerAddress decodes the first XOR-PEER-ADDRESS attribute.
func (m *Message) XORPeerAddress() (Addr, bool) {
	v, ok := m.attr(AttrXORPeerAddress)
	if !ok {
		return Addr{}, false
	}
	return decodeXORAddress(v, m.TxID)
}

// XORPeerAddresses decodes every XOR-PEER-ADDRESS attribute present.
func (m *Message) XORPeerAddresses() []Addr {
	vals := m.attrsOf(AttrXORPeerAddress)
	addrs := make([]Addr, 0, len(vals))
	for _, v := range vals {
		if a, ok := decodeXORAddress(v, m.TxID); ok {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

func decodeXORAddress(value []byte, txID TxID) (Addr, bool) {
	if len(value) < 4 {
		return Addr{}, false
	}
	family := value[1]
	xorPort := binary.BigEndian.Uint16(value[2:4])
	port := int(xorPort ^ uint16(MagicCookie>>16))

	var cookieBytes [4]byte
	binary.BigEndian.PutUint32(cookieBytes[:], MagicCookie)

	switch family {
	case FamilyIPv4:
		if len(value) < 8 {
			return Addr{}, false
		}
		ip := make(net.IP, 4)
		for i := 0; i < 4; i++ {
			ip[i] = value[4+i] ^ cookieBytes[i]
		}
		return Addr{IP: ip, Port: port}, true
	case FamilyIPv6:
		if len(value) < 20 {
			return Addr{}, false
		}
		ip := make(net.IP, 16)
		for i := 0; i < 4; i++ {
			ip[i] = value[4+i] ^ cookieBytes[i]
		}
		for i := 0; i < 12; i++ {
			ip[4+i] = value[8+i] ^ txID[i]
		}
		return Addr{IP: ip, Port: port}, true
	default:
		return Addr{}, false
	}
}
