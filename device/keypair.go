package device

import (
	"crypto/cipher"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bridgefall/tunnel/noise"
	"github.com/bridgefall/tunnel/replay"
	"golang.org/x/crypto/chacha20poly1305"
)

// Keypair is one transport session.
type Keypair struct {
	sendNonce    atomic.Uint64
	send         cipher.AEAD
	receive      cipher.AEAD
	replayMu     sync.Mutex
	replayFilter replay.Filter
	isInitiator  bool
	created      time.Time
	localIndex   uint32
	remoteIndex  uint32
}

func newKeypair(keys *noise.SessionKeys, now time.Time) (*Keypair, error) {
	send, err := chacha20poly1305.New(keys.Send[:])
	if err != nil {
		return nil, fmt.Errorf("send aead: %w", err)
	}
	receive, err := chacha20poly1305.New(keys.Receive[:])
	if err != nil {
		return nil, fmt.Errorf("receive aead: %w", err)
	}
	return &Keypair{
		send:        send,
		receive:     receive,
		isInitiator: keys.IsInitiator,
		created:     now,
		localIndex:  keys.LocalIndex,
		remoteIndex: keys.RemoteIndex,
	}, nil
}

// mayAccept reports whether counter is outside the replay window's
// recorded set. Nothing is recorded until acceptCounter.
func (k *Keypair) mayAccept(counter uint64) bool {
	k.replayMu.Lock()
	defer k.replayMu.Unlock()
	return k.replayFilter.Check(counter, RejectAfterMessages)
}

// acceptCounter records counter for an authenticated message and reports
// whether it was fresh.
func (k *Keypair) acceptCounter(counter uint64) bool {
	k.replayMu.Lock()
	defer k.replayMu.Unlock()
	return k.replayFilter.ValidateCounter(counter, RejectAfterMessages)
}

// usable reports whether k may still encrypt or decrypt at now.
func (k *Keypair) usable(now time.Time, rejectAfter time.Duration) bool {
	return k != nil && now.Sub(k.created) < rejectAfter && k.sendNonce.Load() < RejectAfterMessages
}

const (
	slotCurrent = iota
	slotPrevious
	slotNext
	numSlots
)

// Keypairs holds a peer's session slots. Readers load slots without
// locking; every rotation bumps the generation.
type Keypairs struct {
	mu         sync.Mutex
	slots      [numSlots]atomic.Pointer[Keypair]
	generation atomic.Uint64
}

func (kp *Keypairs) Current() *Keypair { return kp.slots[slotCurrent].Load() }
func (kp *Keypairs) Previous() *Keypair { return kp.slots[slotPrevious].Load() }
func (kp *Keypairs) Next() *Keypair { return kp.slots[slotNext].Load() }

// Generation counts slot rotations.
func (kp *Keypairs) Generation() uint64 {
	return kp.generation.Load()
}

// install places a freshly derived session and returns the sessions it
// displaced. An initiator's session becomes current at once; a
// responder's waits in next until the initiator uses it.
func (kp *Keypairs) install(k *Keypair) (retired []*Keypair) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	previous := kp.slots[slotPrevious].Load()
	current := kp.slots[slotCurrent].Load()
	next := kp.slots[slotNext].Load()

	if k.isInitiator {
		if next != nil {
			kp.slots[slotNext].Store(nil)
			kp.slots[slotPrevious].Store(next)
			retired = appendKeypair(retired, current)
		} else {
			kp.slots[slotPrevious].Store(current)
		}
		retired = appendKeypair(retired, previous)
		kp.slots[slotCurrent].Store(k)
	} else {
		kp.slots[slotNext].Store(k)
		kp.slots[slotPrevious].Store(nil)
		retired = appendKeypair(retired, next, previous)
	}
	kp.generation.Add(1)
	return retired
}

// confirm promotes next to current when k is the pending next session.
func (kp *Keypairs) confirm(k *Keypair) (retired *Keypair, promoted bool) {
	if k == nil || kp.slots[slotNext].Load() != k {
		return nil, false
	}
	kp.mu.Lock()
	defer kp.mu.Unlock()
	if kp.slots[slotNext].Load() != k {
		return nil, false
	}
	retired = kp.slots[slotPrevious].Load()
	kp.slots[slotPrevious].Store(kp.slots[slotCurrent].Load())
	kp.slots[slotCurrent].Store(k)
	kp.slots[slotNext].Store(nil)
	kp.generation.Add(1)
	return retired, true
}

// clear empties every slot and returns what was held.
func (kp *Keypairs) clear() (retired []*Keypair) {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	for i := range kp.slots {
		retired = appendKeypair(retired, kp.slots[i].Swap(nil))
	}
	kp.generation.Add(1)
	return retired
}

// contains reports whether k occupies any slot.
func (kp *Keypairs) contains(k *Keypair) bool {
	for i := range kp.slots {
		if kp.slots[i].Load() == k {
			return true
		}
	}
	return false
}

func appendKeypair(list []*Keypair, ks ...*Keypair) []*Keypair {
	for _, k := range ks {
		if k != nil {
			list = append(list, k)
		}
	}
	return list
}
