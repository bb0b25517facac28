// Package conn provides the datagram transport under the tunnel device: a
// batched UDP bind for real sockets and an in-memory network for tests.
package conn

import (
	"errors"
	"net/netip"
)

// ReceiveFunc reads up to len(bufs) datagrams. It fills sizes and eps for
// each datagram and returns how many were read. It blocks until at least
// one datagram arrives or the bind is closed.
type ReceiveFunc func(bufs [][]byte, sizes []int, eps []netip.AddrPort) (n int, err error)

// Bind is a UDP-like transport.
type Bind interface {
	// Open binds to port (0 picks one) and returns one receive function per
	// underlying socket.
	Open(port uint16) (fns []ReceiveFunc, actualPort uint16, err error)
	// Send writes bufs, in order, to ep.
	Send(bufs [][]byte, ep netip.AddrPort) error
	Close() error
	// BatchSize is the preferred number of datagrams per receive call.
	BatchSize() int
}

var ErrBindClosed = errors.New("conn: bind closed")

// EndpointBytes returns the address and port of ep in the form cookies are
// bound to.
func EndpointBytes(ep netip.AddrPort) []byte {
	b, _ := ep.MarshalBinary()
	return b
}
