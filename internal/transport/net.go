package transport

import (
	"net"

	pion "github.com/pion/transport/v4"
	"github.com/pion/transport/v4/stdnet"
)

// NewDefaultNet returns the standard OS-backed pion/transport Net: real
// interfaces, real sockets. The daemon binds its client-facing UDP socket
// through this rather than calling net.ListenUDP directly, mirroring the
// teacher's own protectedNet wrapper in internal/agent/protectednet.go —
// we don't need the Android socket-protection behavior that wrapper adds,
// but keeping the same seam means a future constrained deployment (e.g.
// a sandboxed container needing cgroup-aware binding) can swap it in
// without touching callers.
func NewDefaultNet() (pion.Net, error) {
	return stdnet.NewNet()
}

// ListenClientUDP opens the UDP socket the daemon accepts client traffic
// on, through n.
func ListenClientUDP(n pion.Net, addr string) (net.PacketConn, error) {
	return n.ListenPacket("udp", addr)
}
