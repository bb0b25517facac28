package device

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/bridgefall/tunnel/noise"
)

type indexEntry struct {
	peer    *Peer
	keypair *Keypair
}

// IndexTable maps receiver indices to in-flight handshakes and sessions.
type IndexTable struct {
	mu    sync.RWMutex
	table map[uint32]indexEntry
}

func newIndexTable() *IndexTable {
	return &IndexTable{table: make(map[uint32]indexEntry)}
}

func randUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// newIndexFunc returns the index allocator used by peer's handshake.
func (t *IndexTable) newIndexFunc(peer *Peer) noise.IndexFunc {
	return func(old uint32) (uint32, error) {
		if old != 0 {
			t.Delete(old)
		}
		for {
			index, err := randUint32()
			if err != nil {
				return 0, err
			}
			if index == 0 {
				continue
			}
			t.mu.Lock()
			if _, used := t.table[index]; !used {
				t.table[index] = indexEntry{peer: peer}
				t.mu.Unlock()
				return index, nil
			}
			t.mu.Unlock()
		}
	}
}

// SwapIndexForKeypair rebinds a handshake index to the session it produced.
func (t *IndexTable) SwapIndexForKeypair(index uint32, keypair *Keypair) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.table[index]
	if !ok {
		return
	}
	t.table[index] = indexEntry{peer: entry.peer, keypair: keypair}
}

func (t *IndexTable) Delete(index uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.table, index)
}

func (t *IndexTable) Lookup(index uint32) indexEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.table[index]
}

func (t *IndexTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.table)
}
