// Package udpsocket is the reference socket.Socket[string] implementation
// over net.ListenUDP (spec.md §3's NonBlockingSocket<Addr>, instantiated
// with Addr=string/"host:port"). Stdlib-only: no third-party UDP library
// appears anywhere in the example pack, so this is the justified stdlib
// exception noted in DESIGN.md.
package udpsocket

import (
	"net"
	"sync"

	"github.com/kstaniek/lockstep/internal/socket"
)

// Socket wraps a bound *net.UDPConn. A background goroutine continuously
// reads datagrams into a buffered inbox so RecvAll never blocks, matching
// the non-blocking contract every peer endpoint/session poll loop relies
// on (spec.md §5: "the non-blocking socket is polled, never blocked on").
type Socket struct {
	conn *net.UDPConn

	mu     sync.Mutex
	inbox  []socket.Packet[string]
	closed bool
	done   chan struct{}
}

// Listen binds a UDP socket at addr ("host:port", "" host means all
// interfaces) and starts its background receive loop.
func Listen(addr string) (*Socket, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	s := &Socket{conn: conn, done: make(chan struct{})}
	go s.recvLoop()
	return s, nil
}

func (s *Socket) recvLoop() {
	buf := make([]byte, 65507) // max UDP datagram payload
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return // conn closed
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		pkt := socket.Packet[string]{From: from.String(), Data: data}
		s.mu.Lock()
		if !s.closed {
			s.inbox = append(s.inbox, pkt)
		}
		s.mu.Unlock()
	}
}

// SendTo resolves dst and writes data as one UDP datagram. Errors from a
// transient unreachable host are returned, not retried; callers treat the
// transport as best-effort, per spec.md §6.
func (s *Socket) SendTo(dst string, data []byte) error {
	addr, err := net.ResolveUDPAddr("udp", dst)
	if err != nil {
		return err
	}
	_, err = s.conn.WriteToUDP(data, addr)
	return err
}

// RecvAll drains every datagram queued by the background receive loop.
func (s *Socket) RecvAll() ([]socket.Packet[string], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inbox) == 0 {
		return nil, nil
	}
	out := s.inbox
	s.inbox = nil
	return out, nil
}

// LocalAddr returns the address this socket is bound to.
func (s *Socket) LocalAddr() string { return s.conn.LocalAddr().String() }

// Close stops the receive loop and releases the underlying UDP socket.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

var _ socket.Socket[string] = (*Socket)(nil)

// ErrClosed reports a send/recv attempted after Close. net.UDPConn already
// returns a wrapped net.ErrClosed in that case; this alias exists only so
// callers can errors.Is against one stable symbol from this package.
var ErrClosed = net.ErrClosed
