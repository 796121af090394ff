package wire

import (
	"net"
	"testing"
)

func TestMessageType_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		method int
		class  int
	}{
		{"Allocate Request", MethodAllocate, ClassRequest},
		{"Allocate Success", MethodAllocate, ClassSuccessResponse},
		{"Allocate Error", MethodAllocate, ClassErrorResponse},
		{"Refresh Request", MethodRefresh, ClassRequest},
		{"Send Indication", MethodSend, ClassIndication},
		{"Data Indication", MethodData, ClassIndication},
		{"CreatePermission Request", MethodCreatePermission, ClassRequest},
		{"ChannelBind Request", MethodChannelBind, ClassRequest},
		{"Binding Request", MethodBinding, ClassRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := MessageType(tt.method, tt.class)
			method, class := ParseMessageType(got)
			if method != tt.method {
				t.Errorf("method: got %#x, want %#x", method, tt.method)
			}
			if class != tt.class {
				t.Errorf("class: got %d, want %d", class, tt.class)
			}
		})
	}
}

func TestBuildAndDecode_AllocateSuccess(t *testing.T) {
	t.Parallel()

	txID := TxID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	relay := Addr{IP: net.ParseIP("127.0.0.1"), Port: 50000}
	client := Addr{IP: net.ParseIP("203.0.113.9"), Port: 4242}

	built := NewBuilder(MethodAllocate, ClassSuccessResponse, txID).
		AddXORAddress(AttrXORRelayedAddress, relay).
		AddXORAddress(AttrXORMappedAddress, client).
		AddUint32(AttrLifetime, 700).
		Build(nil)

	if !IsSTUN(built) {
		t.Fatal("built message not recognized as STUN")
	}
	if IsChannelData(built) {
		t.Fatal("STUN message misidentified as ChannelData")
	}

	msg, err := Decode(built)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Method != MethodAllocate || msg.Class != ClassSuccessResponse {
		t.Fatalf("type: got method=%#x class=%d", msg.Method, msg.Class)
	}
	if msg.TxID != txID {
		t.Errorf("txID: got %v, want %v", msg.TxID, txID)
	}
	lifetime, ok := msg.Lifetime()
	if !ok || lifetime != 700 {
		t.Errorf("lifetime: got %d, ok=%v, want 700", lifetime, ok)
	}
}

func TestXORAddress_IPv4_RoundTrip(t *testing.T) {
	t.Parallel()

	txID := TxID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	addr := Addr{IP: net.ParseIP("192.168.1.1"), Port: 50000}

	built := NewBuilder(MethodAllocate, ClassSuccessResponse, txID).
		AddXORAddress(AttrXORRelayedAddress, addr).
		Build(nil)

	msg, err := Decode(built)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	peerAddrs := msg.XORPeerAddresses()
	if len(peerAddrs) != 0 {
		t.Fatalf("unexpected peer addresses: %v", peerAddrs)
	}

	raw, ok := msg.attr(AttrXORRelayedAddress)
	if !ok {
		t.Fatal("missing XOR-RELAYED-ADDRESS")
	}
	decoded, ok := decodeXORAddress(raw, msg.TxID)
	if !ok {
		t.Fatal("decode failed")
	}
	if !decoded.IP.Equal(addr.IP) {
		t.Errorf("IP: got %v, want %v", decoded.IP, addr.IP)
	}
	if decoded.Port != addr.Port {
		t.Errorf("Port: got %d, want %d", decoded.Port, addr.Port)
	}
}

func TestXORAddress_IPv6_RoundTrip(t *testing.T) {
	t.Parallel()

	txID := TxID{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66}
	addr := Addr{IP: net.ParseIP("2001:db8::1"), Port: 3478}

	built := NewBuilder(MethodChannelBind, ClassRequest, txID).
		AddXORAddress(AttrXORPeerAddress, addr).
		Build(nil)

	msg, err := Decode(built)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	decoded, ok := msg.XORPeerAddress()
	if !ok {
		t.Fatal("missing XOR-PEER-ADDRESS")
	}
	if !decoded.IP.Equal(addr.IP) {
		t.Errorf("IP: got %v, want %v", decoded.IP, addr.IP)
	}
	if decoded.Port != addr.Port {
		t.Errorf("Port: got %d, want %d", decoded.Port, addr.Port)
	}
}

func TestMessageIntegrity(t *testing.T) {
	t.Parallel()

	txID := TxID{0x01}
	authKey := []byte("shared-secret-key")

	built := NewBuilder(MethodAllocate, ClassSuccessResponse, txID).
		AddUint32(AttrLifetime, 600).
		AddXORAddress(AttrXORRelayedAddress, Addr{IP: net.ParseIP("10.0.0.1"), Port: 50000}).
		Build(authKey)

	if err := CheckIntegrity(built, authKey); err != nil {
		t.Fatalf("valid integrity rejected: %v", err)
	}

	wrongKey := []byte("different-secret")
	if err := CheckIntegrity(built, wrongKey); err == nil {
		t.Fatal("wrong key accepted")
	}
}

func TestFingerprint_Valid(t *testing.T) {
	t.Parallel()

	built := NewBuilder(MethodBinding, ClassRequest, TxID{0x42}).Build(nil)
	if err := CheckFingerprint(built); err != nil {
		t.Fatalf("valid fingerprint rejected: %v", err)
	}
}

func TestFingerprint_Tampered(t *testing.T) {
	t.Parallel()

	built := NewBuilder(MethodBinding, ClassRequest, TxID{0x42}).Build(nil)
	built[len(built)-1] ^= 0xFF
	if err := CheckFingerprint(built); err == nil {
		t.Fatal("tampered fingerprint accepted")
	}
}

func TestChannelData_RoundTrip(t *testing.T) {
	t.Parallel()

	frame := BuildChannelData(0x4000, []byte("hi"))
	if !IsChannelData(frame) {
		t.Fatal("frame not recognized as ChannelData")
	}
	cd, err := ParseChannelData(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cd.Channel != 0x4000 {
		t.Errorf("channel: got %#x, want 0x4000", cd.Channel)
	}
	if string(cd.Data) != "hi" {
		t.Errorf("data: got %q, want %q", cd.Data, "hi")
	}
}

func TestCodec_Error(t *testing.T) {
	t.Parallel()

	codec := NewCodec()
	code, reason := codec.Error(437)
	if code != 437 || reason != "Allocation Mismatch" {
		t.Errorf("got (%d, %q), want (437, %q)", code, reason, "Allocation Mismatch")
	}
}

func TestUnknownAttributes(t *testing.T) {
	t.Parallel()

	built := NewBuilder(MethodAllocate, ClassErrorResponse, TxID{0x01}).
		AddErrorCode(420, "Unknown Attribute").
		AddUnknownAttributes(AttrDontFragment).
		Build(nil)

	msg, err := Decode(built)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	code, reason, ok := msg.ErrorCode()
	if !ok || code != 420 {
		t.Fatalf("error code: got %d, ok=%v", code, ok)
	}
	if reason != "Unknown Attribute" {
		t.Errorf("reason: got %q", reason)
	}
}
