// Package transport implements the client-facing socket abstraction named
// `transport.send` in the allocation core's design: a small interface
// that lets the session layer write bytes to whatever concrete socket a
// client connected on (UDP datagram, TCP stream, TLS-over-TCP stream, or
// a WebSocket-framed stream) without caring which.
package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/coder/websocket"
)

// Handle is the collaborator the core calls as transport.send(sock,
// bytes) for stream sockets, or datagram send(sock, ip, port, bytes) for
// UDP. A Handle always belongs to exactly one client five-tuple; the
// allocation core holds one per session.
type Handle interface {
	// Send writes a fully-framed STUN/TURN message or ChannelData frame
	// to the client. For a stream-oriented Handle this is just a Write;
	// for a datagram Handle it sends to the client's fixed remote address.
	Send(b []byte) error

	// RemoteAddr is the client's address as seen on this socket.
	RemoteAddr() net.Addr

	// Close releases the underlying socket. Safe to call more than once.
	Close() error
}

// streamHandle adapts any net.Conn (TCP, TLS-over-TCP, or a WebSocket
// wrapped via websocket.NetConn) to Handle. All three transports are
// framed identically on the wire (STUN messages and ChannelData frames
// concatenated on a byte stream), so one implementation covers them.
type streamHandle struct {
	conn net.Conn
}

// NewStreamHandle wraps a net.Conn — typically the result of
// net.Listener.Accept, tls.Server, or websocket.NetConn — as a Handle.
func NewStreamHandle(conn net.Conn) Handle {
	return &streamHandle{conn: conn}
}

func (h *streamHandle) Send(b []byte) error {
	_, err := h.conn.Write(b)
	if err != nil {
		return fmt.Errorf("transport: stream send: %w", err)
	}
	return nil
}

func (h *streamHandle) RemoteAddr() net.Addr { return h.conn.RemoteAddr() }
func (h *streamHandle) Close() error         { return h.conn.Close() }

// NewWebSocketHandle upgrades an already-accepted HTTP connection to a
// WebSocket and wraps it as a stream Handle carrying binary-framed
// STUN/TURN traffic, mirroring the wire shape a WebSocket-tunneled TURN
// client uses.
func NewWebSocketHandle(ctx context.Context, conn *websocket.Conn) Handle {
	return NewStreamHandle(websocket.NetConn(ctx, conn, websocket.MessageBinary))
}

// datagramHandle adapts a net.PacketConn plus one fixed peer address
// (the client's five-tuple on a UDP listener) to Handle. UDP has no
// per-client socket, so every session sharing a listener gets its own
// datagramHandle bound to its own client address.
type datagramHandle struct {
	pc     net.PacketConn
	client net.Addr
}

// NewDatagramHandle wraps pc (typically shared by every UDP session on
// one listening port) and client (the specific peer this Handle always
// writes to) as a Handle.
func NewDatagramHandle(pc net.PacketConn, client net.Addr) Handle {
	return &datagramHandle{pc: pc, client: client}
}

func (h *datagramHandle) Send(b []byte) error {
	_, err := h.pc.WriteTo(b, h.client)
	if err != nil {
		return fmt.Errorf("transport: datagram send to %s: %w", h.client, err)
	}
	return nil
}

func (h *datagramHandle) RemoteAddr() net.Addr { return h.client }

// Close is a no-op: the underlying PacketConn is shared by every session
// on the listener and is owned (and closed) by the listener itself, not
// by any one session's Handle.
func (h *datagramHandle) Close() error { return nil }
