package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kuuji/turncore/internal/wire"
)

// TestFullLifecycle_AllocateBindRelay drives a session through its real
// event loop (Run), rather than calling handlers directly, covering the
// path a live UDP daemon exercises: Allocate, ChannelBind, then a payload
// arriving from the peer side delivered back to the client as ChannelData.
func TestFullLifecycle_AllocateBindRelay(t *testing.T) {
	t.Parallel()

	c, h := newTestCore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	c.Inbound(allocateBytes(t, wire.TxID{1}))
	waitForSent(t, h, 1)

	resp, err := wire.Decode(h.sent[0])
	if err != nil || resp.Class != wire.ClassSuccessResponse {
		t.Fatalf("allocate response: %+v, err=%v", resp, err)
	}

	peer := wire.Addr{IP: net.ParseIP("198.51.100.77"), Port: 9200}
	bind := wire.NewBuilder(wire.MethodChannelBind, wire.ClassRequest, wire.TxID{2}).
		AddXORAddress(wire.AttrXORPeerAddress, peer).
		AddChannelNumber(0x4010).
		Build(nil)
	c.Inbound(bind)
	waitForSent(t, h, 2)

	c.InjectICEPayload([]byte{0x11, 0x22, 0x33})
	waitForSent(t, h, 3)

	cd, err := wire.ParseChannelData(h.sent[2])
	if err != nil {
		t.Fatalf("parsing relayed channel data: %v", err)
	}
	if cd.Channel != 0x4010 {
		t.Errorf("channel = %#x, want %#x", cd.Channel, 0x4010)
	}
	if string(cd.Data) != "\x11\x22\x33" {
		t.Errorf("data = %v, want [0x11 0x22 0x33]", cd.Data)
	}

	c.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not stop")
	}
}

func allocateBytes(t *testing.T, txid wire.TxID) []byte {
	t.Helper()
	return wire.NewBuilder(wire.MethodAllocate, wire.ClassRequest, txid).
		AddRaw(wire.AttrRequestedTransport, []byte{17, 0, 0, 0}).
		Build(nil)
}

func waitForSent(t *testing.T, h *fakeHandle, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		got := len(h.sent)
		h.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sent packets", n)
}
