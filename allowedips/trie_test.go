package allowedips

import (
	"errors"
	"math/rand"
	"net/netip"
	"sync"
	"testing"
)

type testPeer struct {
	name string
}

func mustPrefix(s string) netip.Prefix {
	return netip.MustParsePrefix(s)
}

func TestLookupLongestPrefix(t *testing.T) {
	a, b, c := &testPeer{"a"}, &testPeer{"b"}, &testPeer{"c"}
	table := New[*testPeer]()
	for _, e := range []struct {
		prefix string
		peer   *testPeer
	}{
		{"10.0.0.0/8", a},
		{"10.1.0.0/16", b},
		{"10.1.2.3/32", c},
		{"0.0.0.0/0", c},
		{"2001:db8::/32", a},
		{"2001:db8:1::/48", b},
	} {
		if err := table.Insert(mustPrefix(e.prefix), e.peer); err != nil {
			t.Fatalf("insert %s: %v", e.prefix, err)
		}
	}

	cases := []struct {
		addr string
		want *testPeer
	}{
		{"10.200.0.1", a},
		{"10.1.9.9", b},
		{"10.1.2.3", c},
		{"10.1.2.4", b},
		{"192.168.1.1", c},
		{"::ffff:10.1.9.9", b},
		{"2001:db8:2::1", a},
		{"2001:db8:1::1", b},
	}
	for _, tc := range cases {
		t.Run(tc.addr, func(t *testing.T) {
			got, ok := table.Lookup(netip.MustParseAddr(tc.addr))
			if !ok || got != tc.want {
				t.Fatalf("lookup %s = %v, want %s", tc.addr, got, tc.want.name)
			}
		})
	}

	if _, ok := table.Lookup(netip.MustParseAddr("2001:dead::1")); ok {
		t.Fatalf("unexpected match outside inserted v6 prefixes")
	}
}

func TestInsertMovesOwnership(t *testing.T) {
	a, b := &testPeer{"a"}, &testPeer{"b"}
	table := New[*testPeer]()
	p := mustPrefix("192.0.2.0/24")
	_ = table.Insert(p, a)
	_ = table.Insert(p, b)

	if got, _ := table.Lookup(netip.MustParseAddr("192.0.2.7")); got != b {
		t.Fatalf("prefix not moved to most recent owner")
	}
	if len(table.EntriesForPeer(a)) != 0 {
		t.Fatalf("previous owner still lists the prefix")
	}
	if entries := table.EntriesForPeer(b); len(entries) != 1 || entries[0] != p {
		t.Fatalf("entries for b = %v", entries)
	}
	if table.Remove(p, a) {
		t.Fatalf("non-owner removed the prefix")
	}
}

func TestInsertMasksHostBits(t *testing.T) {
	a := &testPeer{"a"}
	table := New[*testPeer]()
	_ = table.Insert(mustPrefix("10.9.8.7/16"), a)
	entries := table.EntriesForPeer(a)
	if len(entries) != 1 || entries[0] != mustPrefix("10.9.0.0/16") {
		t.Fatalf("entries = %v", entries)
	}
}

func TestRemove(t *testing.T) {
	a, b := &testPeer{"a"}, &testPeer{"b"}
	table := New[*testPeer]()
	_ = table.Insert(mustPrefix("10.0.0.0/8"), a)
	_ = table.Insert(mustPrefix("10.1.0.0/16"), b)
	_ = table.Insert(mustPrefix("10.2.0.0/16"), b)

	if !table.Remove(mustPrefix("10.1.0.0/16"), b) {
		t.Fatalf("remove failed")
	}
	if got, _ := table.Lookup(netip.MustParseAddr("10.1.0.1")); got != a {
		t.Fatalf("lookup after remove = %v, want a", got)
	}
	if got, _ := table.Lookup(netip.MustParseAddr("10.2.0.1")); got != b {
		t.Fatalf("sibling prefix lost after remove")
	}

	table.RemoveByPeer(a)
	if _, ok := table.Lookup(netip.MustParseAddr("10.3.0.1")); ok {
		t.Fatalf("prefix survived RemoveByPeer")
	}
	if got, _ := table.Lookup(netip.MustParseAddr("10.2.0.1")); got != b {
		t.Fatalf("other peer's prefix removed")
	}
	if table.Len() != 1 {
		t.Fatalf("len = %d, want 1", table.Len())
	}
}

func TestInsertRejectsInvalidPrefix(t *testing.T) {
	table := New[*testPeer]()
	if err := table.Insert(netip.Prefix{}, &testPeer{}); err != ErrInvalidPrefix {
		t.Fatalf("expected ErrInvalidPrefix, got %v", err)
	}
}

func TestReplace(t *testing.T) {
	a, b := &testPeer{"a"}, &testPeer{"b"}
	table := New[*testPeer]()
	_ = table.Insert(mustPrefix("192.168.4.0/24"), a)
	_ = table.Insert(mustPrefix("10.9.0.0/16"), b)

	t.Run("rejected set leaves table untouched", func(t *testing.T) {
		err := table.Replace(a, []netip.Prefix{
			mustPrefix("10.20.0.0/16"),
			mustPrefix("::ffff:0.0.0.0/80"),
		})
		if !errors.Is(err, ErrInvalidPrefix) {
			t.Fatalf("expected ErrInvalidPrefix, got %v", err)
		}
		if entries := table.EntriesForPeer(a); len(entries) != 1 || entries[0] != mustPrefix("192.168.4.0/24") {
			t.Fatalf("entries for a = %v", entries)
		}
		if _, ok := table.Lookup(netip.MustParseAddr("10.20.0.1")); ok {
			t.Fatalf("part of the rejected set was installed")
		}
	})

	t.Run("swaps the whole set", func(t *testing.T) {
		err := table.Replace(a, []netip.Prefix{
			mustPrefix("10.20.0.0/16"),
			mustPrefix("::ffff:10.9.1.0/120"),
		})
		if err != nil {
			t.Fatalf("replace: %v", err)
		}
		if _, ok := table.Lookup(netip.MustParseAddr("192.168.4.1")); ok {
			t.Fatalf("old prefix survived replace")
		}
		if got, _ := table.Lookup(netip.MustParseAddr("10.9.1.5")); got != a {
			t.Fatalf("mapped prefix not installed for a")
		}
		if got, _ := table.Lookup(netip.MustParseAddr("10.9.2.5")); got != b {
			t.Fatalf("b lost its covering prefix")
		}
		if len(table.EntriesForPeer(a)) != 2 {
			t.Fatalf("entries for a = %v", table.EntriesForPeer(a))
		}
	})

	t.Run("empty set clears owner", func(t *testing.T) {
		if err := table.Replace(a, nil); err != nil {
			t.Fatalf("replace: %v", err)
		}
		if len(table.EntriesForPeer(a)) != 0 || table.Len() != 1 {
			t.Fatalf("entries for a = %v len = %d", table.EntriesForPeer(a), table.Len())
		}
	})
}

// Concurrent lookups of an address covered by both the old and the new set
// must never miss while the set is being swapped.
func TestReplaceNoLookupGap(t *testing.T) {
	a := &testPeer{"a"}
	table := New[*testPeer]()
	setA := []netip.Prefix{mustPrefix("10.0.0.0/8")}
	setB := []netip.Prefix{mustPrefix("10.0.0.0/16"), mustPrefix("172.16.0.0/12")}
	if err := table.Replace(a, setA); err != nil {
		t.Fatalf("replace: %v", err)
	}

	addr := netip.MustParseAddr("10.0.1.1")
	done := make(chan struct{})
	var wg sync.WaitGroup
	misses := make(chan int, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		n := 0
		for {
			select {
			case <-done:
				misses <- n
				return
			default:
			}
			if got, ok := table.Lookup(addr); !ok || got != a {
				n++
			}
		}
	}()
	for i := 0; i < 2000; i++ {
		set := setA
		if i%2 == 0 {
			set = setB
		}
		if err := table.Replace(a, set); err != nil {
			t.Fatalf("replace: %v", err)
		}
	}
	close(done)
	wg.Wait()
	if n := <-misses; n != 0 {
		t.Fatalf("%d lookups missed during replace", n)
	}
}

type slowEntry struct {
	prefix netip.Prefix
	peer   *testPeer
}

func slowLookup(entries []slowEntry, addr netip.Addr) *testPeer {
	var best *testPeer
	bestBits := -1
	for _, e := range entries {
		if e.prefix.Contains(addr) && e.prefix.Bits() > bestBits {
			best, bestBits = e.peer, e.prefix.Bits()
		}
	}
	return best
}

func randomAddr(r *rand.Rand, v6 bool) netip.Addr {
	if v6 {
		var b [16]byte
		r.Read(b[:])
		b[0] = 0x20
		return netip.AddrFrom16(b)
	}
	var b [4]byte
	r.Read(b[:])
	b[0] = 10
	return netip.AddrFrom4(b)
}

func TestAgainstLinearScan(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	peers := make([]*testPeer, 8)
	for i := range peers {
		peers[i] = &testPeer{name: string(rune('a' + i))}
	}
	for _, v6 := range []bool{false, true} {
		table := New[*testPeer]()
		var slow []slowEntry
		maxBits := 32
		if v6 {
			maxBits = 128
		}
		for i := 0; i < 500; i++ {
			p := netip.PrefixFrom(randomAddr(r, v6), 8+r.Intn(maxBits-7)).Masked()
			peer := peers[r.Intn(len(peers))]
			_ = table.Insert(p, peer)
			replaced := false
			for j := range slow {
				if slow[j].prefix == p {
					slow[j].peer = peer
					replaced = true
				}
			}
			if !replaced {
				slow = append(slow, slowEntry{p, peer})
			}
		}
		// Remove a third of the entries.
		for i := 0; i < len(slow); i += 3 {
			if !table.Remove(slow[i].prefix, slow[i].peer) {
				t.Fatalf("remove %s failed", slow[i].prefix)
			}
			slow[i].peer = nil
		}
		live := slow[:0]
		for _, e := range slow {
			if e.peer != nil {
				live = append(live, e)
			}
		}
		for i := 0; i < 2000; i++ {
			addr := randomAddr(r, v6)
			want := slowLookup(live, addr)
			got, ok := table.Lookup(addr)
			if want == nil {
				if ok {
					t.Fatalf("lookup %s = %v, want none", addr, got)
				}
				continue
			}
			if got != want {
				t.Fatalf("lookup %s = %v, want %v", addr, got, want)
			}
		}
		if table.Len() != len(live) {
			t.Fatalf("len = %d, want %d", table.Len(), len(live))
		}
	}
}
