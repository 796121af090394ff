package wire

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // required by RFC 5389 MESSAGE-INTEGRITY
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Builder constructs a STUN/TURN message attribute-by-attribute.
type Builder struct {
	method int
	class  int
	txID   TxID
	attrs  []byte
}

// NewBuilder starts a message of the given method and class.
func NewBuilder(method, class int, txID TxID) *Builder {
	return &Builder{method: method, class: class, txID: txID}
}

// NewResponse starts a response (success or error) to req, reusing its
// method and transaction id as RFC 5389 requires.
func NewResponse(req *Message, class int) *Builder {
	return NewBuilder(req.Method, class, req.TxID)
}

// AddRaw appends a raw, padded TLV attribute.
func (b *Builder) AddRaw(attrType uint16, value []byte) *Builder {
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], attrType)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(value)))
	b.attrs = append(b.attrs, hdr[:]...)
	b.attrs = append(b.attrs, value...)
	if pad := (4 - len(value)%4) % 4; pad > 0 {
		b.attrs = append(b.attrs, make([]byte, pad)...)
	}
	return b
}

// AddString adds a string-valued attribute.
func (b *Builder) AddString(attrType uint16, s string) *Builder {
	return b.AddRaw(attrType, []byte(s))
}

// AddUint32 adds a 4-byte big-endian attribute (LIFETIME, PRIORITY).
func (b *Builder) AddUint32(attrType uint16, v uint32) *Builder {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return b.AddRaw(attrType, buf[:])
}

// AddUint64 adds an 8-byte big-endian attribute (ICE-CONTROLLED/CONTROLLING).
func (b *Builder) AddUint64(attrType uint16, v uint64) *Builder {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return b.AddRaw(attrType, buf[:])
}

// AddFlag adds a zero-length flag attribute (USE-CANDIDATE).
func (b *Builder) AddFlag(attrType uint16) *Builder {
	return b.AddRaw(attrType, nil)
}

// AddErrorCode adds an ERROR-CODE attribute per RFC 5389 §15.6.
func (b *Builder) AddErrorCode(code int, reason string) *Builder {
	value := make([]byte, 4+len(reason))
	value[2] = byte(code / 100)
	value[3] = byte(code % 100)
	copy(value[4:], reason)
	return b.AddRaw(AttrErrorCode, value)
}

// AddUnknownAttributes adds an UNKNOWN-ATTRIBUTES attribute listing the
// given attribute types, used alongside 420 responses.
func (b *Builder) AddUnknownAttributes(types ...uint16) *Builder {
	value := make([]byte, 2*len(types))
	for i, t := range types {
		binary.BigEndian.PutUint16(value[2*i:2*i+2], t)
	}
	return b.AddRaw(AttrUnknownAttributes, value)
}

// AddXORAddress adds an XOR-encoded address attribute (used for
// XOR-MAPPED-ADDRESS, XOR-RELAYED-ADDRESS, XOR-PEER-ADDRESS).
func (b *Builder) AddXORAddress(attrType uint16, addr Addr) *Builder {
	var cookieBytes [4]byte
	binary.BigEndian.PutUint32(cookieBytes[:], MagicCookie)

	if ip4 := addr.IP.To4(); ip4 != nil {
		value := make([]byte, 8)
		value[1] = FamilyIPv4
		binary.BigEndian.PutUint16(value[2:4], uint16(addr.Port)^uint16(MagicCookie>>16))
		for i := 0; i < 4; i++ {
			value[4+i] = ip4[i] ^ cookieBytes[i]
		}
		return b.AddRaw(attrType, value)
	}

	ip6 := addr.IP.To16()
	if ip6 == nil {
		return b
	}
	value := make([]byte, 20)
	value[1] = FamilyIPv6
	binary.BigEndian.PutUint16(value[2:4], uint16(addr.Port)^uint16(MagicCookie>>16))
	for i := 0; i < 4; i++ {
		value[4+i] = ip6[i] ^ cookieBytes[i]
	}
	for i := 0; i < 12; i++ {
		value[8+i] = ip6[4+i] ^ b.txID[i]
	}
	return b.AddRaw(attrType, value)
}

// AddData adds a DATA attribute.
func (b *Builder) AddData(data []byte) *Builder {
	return b.AddRaw(AttrData, data)
}

// AddChannelNumber adds a CHANNEL-NUMBER attribute.
func (b *Builder) AddChannelNumber(ch uint16) *Builder {
	var v [4]byte
	binary.BigEndian.PutUint16(v[0:2], ch)
	return b.AddRaw(AttrChannelNumber, v[:])
}

// Build finalizes the message. If authKey is non-nil, a MESSAGE-INTEGRITY
// attribute is computed and appended before the trailing FINGERPRINT.
// Responses are always built with a fingerprint; indications usually call
// BuildNoFingerprint instead, matching RFC 5766's signing rules.
func (b *Builder) Build(authKey []byte) []byte {
	buf := make([]byte, HeaderSize+len(b.attrs))
	binary.BigEndian.PutUint16(buf[0:2], MessageType(b.method, b.class))
	binary.BigEndian.PutUint32(buf[4:8], MagicCookie)
	copy(buf[8:20], b.txID[:])
	copy(buf[20:], b.attrs)

	if authKey != nil {
		binary.BigEndian.PutUint16(buf[2:4], uint16(len(b.attrs)+24))
		mac := hmac.New(sha1.New, authKey)
		mac.Write(buf)
		integrity := mac.Sum(nil)
		var miHeader [4]byte
		binary.BigEndian.PutUint16(miHeader[0:2], AttrMessageIntegrity)
		binary.BigEndian.PutUint16(miHeader[2:4], 20)
		buf = append(buf, miHeader[:]...)
		buf = append(buf, integrity...)
	}

	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)-HeaderSize+8))
	crc := crc32.ChecksumIEEE(buf) ^ fingerprintXOR
	var fpHeader [4]byte
	binary.BigEndian.PutUint16(fpHeader[0:2], AttrFingerprint)
	binary.BigEndian.PutUint16(fpHeader[2:4], 4)
	buf = append(buf, fpHeader[:]...)
	var fpValue [4]byte
	binary.BigEndian.PutUint32(fpValue[:], crc)
	buf = append(buf, fpValue[:]...)

	return buf
}

// BuildNoFingerprint finalizes the message without a trailing FINGERPRINT,
// for callers that add it separately (see Codec.AddFingerprint).
func (b *Builder) BuildNoFingerprint(authKey []byte) []byte {
	buf := make([]byte, HeaderSize+len(b.attrs))
	binary.BigEndian.PutUint16(buf[0:2], MessageType(b.method, b.class))
	binary.BigEndian.PutUint32(buf[4:8], MagicCookie)
	copy(buf[8:20], b.txID[:])
	copy(buf[20:], b.attrs)

	if authKey != nil {
		binary.BigEndian.PutUint16(buf[2:4], uint16(len(b.attrs)+24))
		mac := hmac.New(sha1.New, authKey)
		mac.Write(buf)
		integrity := mac.Sum(nil)
		var miHeader [4]byte
		binary.BigEndian.PutUint16(miHeader[0:2], AttrMessageIntegrity)
		binary.BigEndian.PutUint16(miHeader[2:4], 20)
		buf = append(buf, miHeader[:]...)
		buf = append(buf, integrity...)
	}

	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)-HeaderSize))
	return buf
}

// AddFingerprint appends a FINGERPRINT attribute to an already-encoded
// message, adjusting the length field in place. It is the concrete
// implementation of the `codec.add_fingerprint` collaborator named in the
// core's design.
func AddFingerprint(data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(out)-HeaderSize+8))
	crc := crc32.ChecksumIEEE(out) ^ fingerprintXOR
	var fpHeader [4]byte
	binary.BigEndian.PutUint16(fpHeader[0:2], AttrFingerprint)
	binary.BigEndian.PutUint16(fpHeader[2:4], 4)
	out = append(out, fpHeader[:]...)
	var fpValue [4]byte
	binary.BigEndian.PutUint32(fpValue[:], crc)
	out = append(out, fpValue[:]...)
	return out
}

// CheckIntegrity validates the MESSAGE-INTEGRITY attribute of a raw
// message against authKey.
func CheckIntegrity(data []byte, authKey []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("wire: message too short")
	}

	miOffset := -1
	offset := HeaderSize
	msgLen := int(binary.BigEndian.Uint16(data[2:4]))
	end := HeaderSize + msgLen
	if end > len(data) {
		end = len(data)
	}

	for offset+4 <= end {
		attrType := binary.BigEndian.Uint16(data[offset : offset+2])
		attrLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if attrType == AttrMessageIntegrity {
			miOffset = offset
			break
		}
		offset += 4 + ((attrLen + 3) &^ 3)
	}

	if miOffset < 0 {
		return fmt.Errorf("wire: no MESSAGE-INTEGRITY attribute")
	}
	if miOffset+4+20 > len(data) {
		return fmt.Errorf("wire: MESSAGE-INTEGRITY attribute truncated")
	}

	hashData := make([]byte, miOffset)
	copy(hashData, data[:miOffset])
	binary.BigEndian.PutUint16(hashData[2:4], uint16(miOffset-HeaderSize+4+20))

	mac := hmac.New(sha1.New, authKey)
	mac.Write(hashData)
	expected := mac.Sum(nil)

	actual := data[miOffset+4 : miOffset+4+20]
	if !hmac.Equal(expected, actual) {
		return fmt.Errorf("wire: MESSAGE-INTEGRITY mismatch")
	}
	return nil
}

// CheckFingerprint validates the trailing FINGERPRINT attribute.
func CheckFingerprint(data []byte) error {
	if len(data) < HeaderSize+8 {
		return fmt.Errorf("wire: message too short for fingerprint")
	}
	fpOffset := len(data) - 8
	attrType := binary.BigEndian.Uint16(data[fpOffset : fpOffset+2])
	if attrType != AttrFingerprint {
		return fmt.Errorf("wire: last attribute is not FINGERPRINT: %#x", attrType)
	}
	expected := crc32.ChecksumIEEE(data[:fpOffset]) ^ fingerprintXOR
	actual := binary.BigEndian.Uint32(data[fpOffset+4 : fpOffset+8])
	if expected != actual {
		return fmt.Errorf("wire: FINGERPRINT mismatch: expected %#x, got %#x", expected, actual)
	}
	return nil
}
