package obf

import (
	"fmt"
	"net/netip"
)

const (
	decoyMinPort = 1024
	decoyMaxPort = 65535
)

// DecoySet holds bogus endpoints that receive junk traffic so that a
// passive observer cannot single out the real peer endpoint.
type DecoySet struct {
	endpoints []netip.AddrPort
	addrs     map[netip.Addr]struct{}
}

// NewDecoySet draws count random endpoints from the given prefixes. When
// both families are valid the endpoints alternate between them.
func NewDecoySet(count int, prefix4, prefix6 netip.Prefix) (*DecoySet, error) {
	if count < 0 {
		return nil, fmt.Errorf("decoy count must be non-negative")
	}
	var pools []netip.Prefix
	if prefix4.IsValid() {
		if !prefix4.Addr().Is4() {
			return nil, fmt.Errorf("decoy prefix %s is not IPv4", prefix4)
		}
		pools = append(pools, prefix4.Masked())
	}
	if prefix6.IsValid() {
		if !prefix6.Addr().Is6() || prefix6.Addr().Is4In6() {
			return nil, fmt.Errorf("decoy prefix %s is not IPv6", prefix6)
		}
		pools = append(pools, prefix6.Masked())
	}
	if count > 0 && len(pools) == 0 {
		return nil, fmt.Errorf("decoy endpoints need at least one prefix")
	}

	s := &DecoySet{addrs: make(map[netip.Addr]struct{}, count)}
	for i := 0; i < count; i++ {
		addr := randomAddrIn(pools[i%len(pools)])
		port, err := randRange(decoyMinPort, decoyMaxPort)
		if err != nil {
			return nil, err
		}
		s.endpoints = append(s.endpoints, netip.AddrPortFrom(addr, uint16(port)))
		s.addrs[addr] = struct{}{}
	}
	return s, nil
}

// Endpoints returns the decoy endpoints.
func (s *DecoySet) Endpoints() []netip.AddrPort {
	if s == nil {
		return nil
	}
	return append([]netip.AddrPort(nil), s.endpoints...)
}

// Len returns the number of decoy endpoints.
func (s *DecoySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.endpoints)
}

// Contains reports whether addr is one of the decoy addresses.
func (s *DecoySet) Contains(addr netip.Addr) bool {
	if s == nil || len(s.addrs) == 0 {
		return false
	}
	_, ok := s.addrs[addr.Unmap()]
	return ok
}

// randomAddrIn keeps the prefix bits and randomizes the host bits.
func randomAddrIn(p netip.Prefix) netip.Addr {
	if p.Addr().Is4() {
		a := p.Addr().As4()
		mergeHostBits(a[:], p.Bits())
		return netip.AddrFrom4(a)
	}
	a := p.Addr().As16()
	mergeHostBits(a[:], p.Bits())
	return netip.AddrFrom16(a)
}

func mergeHostBits(addr []byte, bits int) {
	host := make([]byte, len(addr))
	_ = fillRandom(host)
	for i := range addr {
		switch {
		case bits >= (i+1)*8:
		case bits <= i*8:
			addr[i] = host[i]
		default:
			mask := byte(0xff) >> (bits - i*8)
			addr[i] = addr[i]&^mask | host[i]&mask
		}
	}
}
