// Package allowedips implements cryptokey routing: a path-compressed binary
// trie per address family mapping IP prefixes to the peer that owns them.
package allowedips

import (
	"container/list"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"net/netip"
	"sync"
)

var ErrInvalidPrefix = errors.New("allowedips: invalid prefix")

type node[P comparable] struct {
	owner    P
	hasOwner bool
	child    [2]*node[P]
	parent   *node[P]
	cidr     uint8

	bitAtByte  uint8
	bitAtShift uint8

	bits []byte
	elem *list.Element
}

func commonBits(ip1, ip2 []byte) uint8 {
	switch len(ip1) {
	case 4:
		x := binary.BigEndian.Uint32(ip1) ^ binary.BigEndian.Uint32(ip2)
		return uint8(bits.LeadingZeros32(x))
	case 16:
		x := binary.BigEndian.Uint64(ip1) ^ binary.BigEndian.Uint64(ip2)
		if x != 0 {
			return uint8(bits.LeadingZeros64(x))
		}
		x = binary.BigEndian.Uint64(ip1[8:]) ^ binary.BigEndian.Uint64(ip2[8:])
		return 64 + uint8(bits.LeadingZeros64(x))
	default:
		panic("allowedips: wrong size bit string")
	}
}

func newNode[P comparable](ip []byte, cidr uint8) *node[P] {
	n := &node[P]{
		bits:       ip,
		cidr:       cidr,
		bitAtByte:  cidr / 8,
		bitAtShift: 7 - (cidr % 8),
	}
	n.maskSelf()
	return n
}

func (n *node[P]) choose(ip []byte) byte {
	return (ip[n.bitAtByte] >> n.bitAtShift) & 1
}

func (n *node[P]) maskSelf() {
	full := int(n.cidr) / 8
	for i := range n.bits {
		switch {
		case i < full:
		case i == full:
			n.bits[i] &= ^byte(0xff >> (n.cidr % 8))
		default:
			n.bits[i] = 0
		}
	}
}

func (n *node[P]) prefix() netip.Prefix {
	a, _ := netip.AddrFromSlice(n.bits)
	return netip.PrefixFrom(a, int(n.cidr))
}

func (n *node[P]) placement(ip []byte, cidr uint8) (parent *node[P], exact bool) {
	for n != nil && n.cidr <= cidr && commonBits(n.bits, ip) >= n.cidr {
		parent = n
		if parent.cidr == cidr {
			exact = true
			return
		}
		n = n.child[n.choose(ip)]
	}
	return
}

func (n *node[P]) lookup(ip []byte) (owner P, found bool) {
	size := uint8(len(ip))
	for n != nil && commonBits(n.bits, ip) >= n.cidr {
		if n.hasOwner {
			owner, found = n.owner, true
		}
		if n.bitAtByte == size {
			break
		}
		n = n.child[n.choose(ip)]
	}
	return
}

// Table maps prefixes to owners of type P, typically *Peer. A prefix has
// exactly one owner; inserting it again moves it to the new owner.
type Table[P comparable] struct {
	mu      sync.RWMutex
	ipv4    *node[P]
	ipv6    *node[P]
	byOwner map[P]*list.List
}

// New returns an empty table.
func New[P comparable]() *Table[P] {
	return &Table[P]{byOwner: make(map[P]*list.List)}
}

func (t *Table[P]) root(ip []byte) **node[P] {
	if len(ip) == 4 {
		return &t.ipv4
	}
	return &t.ipv6
}

// slot returns the pointer that currently references n.
func (t *Table[P]) slot(n *node[P]) **node[P] {
	if n.parent == nil {
		return t.root(n.bits)
	}
	if n.parent.child[0] == n {
		return &n.parent.child[0]
	}
	return &n.parent.child[1]
}

func (t *Table[P]) setOwner(n *node[P], owner P) {
	t.clearOwner(n)
	l := t.byOwner[owner]
	if l == nil {
		l = list.New()
		t.byOwner[owner] = l
	}
	n.owner = owner
	n.hasOwner = true
	n.elem = l.PushBack(n)
}

func (t *Table[P]) clearOwner(n *node[P]) {
	if !n.hasOwner {
		return
	}
	if l := t.byOwner[n.owner]; l != nil && n.elem != nil {
		l.Remove(n.elem)
		if l.Len() == 0 {
			delete(t.byOwner, n.owner)
		}
	}
	var zero P
	n.owner = zero
	n.hasOwner = false
	n.elem = nil
}

func (t *Table[P]) attach(parent, child *node[P]) {
	child.parent = parent
	if parent == nil {
		*t.root(child.bits) = child
		return
	}
	parent.child[parent.choose(child.bits)] = child
}

func (t *Table[P]) insert(ip []byte, cidr uint8, owner P) {
	root := t.root(ip)
	if *root == nil {
		n := newNode[P](ip, cidr)
		t.setOwner(n, owner)
		*root = n
		return
	}

	parent, exact := (*root).placement(ip, cidr)
	if exact {
		t.setOwner(parent, owner)
		return
	}

	newN := newNode[P](ip, cidr)
	t.setOwner(newN, owner)

	var down *node[P]
	if parent == nil {
		down = *root
	} else {
		down = parent.child[parent.choose(ip)]
		if down == nil {
			t.attach(parent, newN)
			return
		}
	}

	common := commonBits(down.bits, ip)
	if common < cidr {
		cidr = common
	}

	if newN.cidr == cidr {
		newN.child[newN.choose(down.bits)] = down
		down.parent = newN
		t.attach(parent, newN)
		return
	}

	split := newNode[P](append([]byte{}, newN.bits...), cidr)
	split.child[split.choose(down.bits)] = down
	down.parent = split
	split.child[split.choose(newN.bits)] = newN
	newN.parent = split
	t.attach(parent, split)
}

func (t *Table[P]) remove(n *node[P]) {
	t.clearOwner(n)
	if n.child[0] != nil && n.child[1] != nil {
		return
	}

	child := n.child[0]
	if child == nil {
		child = n.child[1]
	}
	slot := t.slot(n)
	if child != nil {
		child.parent = n.parent
	}
	*slot = child

	parent := n.parent
	hadChild := child != nil
	n.parent, n.child[0], n.child[1] = nil, nil, nil
	if hadChild || parent == nil || parent.hasOwner {
		return
	}

	// parent is now a pass-through node with at most one child.
	sibling := parent.child[0]
	if sibling == nil {
		sibling = parent.child[1]
	}
	parentSlot := t.slot(parent)
	if sibling != nil {
		sibling.parent = parent.parent
	}
	*parentSlot = sibling
	parent.parent, parent.child[0], parent.child[1] = nil, nil, nil
}

func addrBytes(a netip.Addr) []byte {
	if a.Is4() {
		b := a.As4()
		return b[:]
	}
	b := a.As16()
	return b[:]
}

func normalize(prefix netip.Prefix) (netip.Prefix, error) {
	if !prefix.IsValid() {
		return netip.Prefix{}, ErrInvalidPrefix
	}
	if prefix.Addr().Is4In6() {
		if prefix.Bits() < 96 {
			return netip.Prefix{}, ErrInvalidPrefix
		}
		prefix = netip.PrefixFrom(prefix.Addr().Unmap(), prefix.Bits()-96)
	}
	if prefix.Addr().Zone() != "" {
		prefix = netip.PrefixFrom(prefix.Addr().WithZone(""), prefix.Bits())
	}
	return prefix.Masked(), nil
}

// Insert assigns prefix to owner, replacing any previous owner.
func (t *Table[P]) Insert(prefix netip.Prefix, owner P) error {
	prefix, err := normalize(prefix)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.insert(addrBytes(prefix.Addr()), uint8(prefix.Bits()), owner)
	return nil
}

// Remove deletes prefix if it is owned by owner and reports whether it did.
func (t *Table[P]) Remove(prefix netip.Prefix, owner P) bool {
	prefix, err := normalize(prefix)
	if err != nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	ip := addrBytes(prefix.Addr())
	n, exact := (*t.root(ip)).placement(ip, uint8(prefix.Bits()))
	if !exact || n == nil || !n.hasOwner || n.owner != owner {
		return false
	}
	t.remove(n)
	return true
}

// RemoveByPeer deletes every prefix owned by owner.
func (t *Table[P]) RemoveByPeer(owner P) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeByPeer(owner)
}

func (t *Table[P]) removeByPeer(owner P) {
	l := t.byOwner[owner]
	if l == nil {
		return
	}
	var next *list.Element
	for elem := l.Front(); elem != nil; elem = next {
		next = elem.Next()
		t.remove(elem.Value.(*node[P]))
	}
	delete(t.byOwner, owner)
}

// Replace makes prefixes the complete set owned by owner. Every prefix is
// checked first; on error the table is left untouched. Lookups never
// observe a state between the old and the new set.
func (t *Table[P]) Replace(owner P, prefixes []netip.Prefix) error {
	normalized := make([]netip.Prefix, 0, len(prefixes))
	for _, prefix := range prefixes {
		np, err := normalize(prefix)
		if err != nil {
			return fmt.Errorf("%w: %s", err, prefix)
		}
		normalized = append(normalized, np)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeByPeer(owner)
	for _, prefix := range normalized {
		t.insert(addrBytes(prefix.Addr()), uint8(prefix.Bits()), owner)
	}
	return nil
}

// Lookup returns the owner of the longest prefix containing addr.
func (t *Table[P]) Lookup(addr netip.Addr) (P, bool) {
	addr = addr.Unmap()
	ip := addrBytes(addr)
	t.mu.RLock()
	defer t.mu.RUnlock()
	return (*t.root(ip)).lookup(ip)
}

// LookupBytes is Lookup for a raw 4- or 16-byte address.
func (t *Table[P]) LookupBytes(ip []byte) (P, bool) {
	var zero P
	if len(ip) != 4 && len(ip) != 16 {
		return zero, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return (*t.root(ip)).lookup(ip)
}

// EntriesForPeer returns the prefixes owned by owner in insertion order.
func (t *Table[P]) EntriesForPeer(owner P) []netip.Prefix {
	t.mu.RLock()
	defer t.mu.RUnlock()

	l := t.byOwner[owner]
	if l == nil {
		return nil
	}
	out := make([]netip.Prefix, 0, l.Len())
	for elem := l.Front(); elem != nil; elem = elem.Next() {
		out = append(out, elem.Value.(*node[P]).prefix())
	}
	return out
}

// Len returns the number of owned prefixes.
func (t *Table[P]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, l := range t.byOwner {
		n += l.Len()
	}
	return n
}
