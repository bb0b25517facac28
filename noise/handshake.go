package noise

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bridgefall/tunnel/tai64n"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

// State is the position of a Handshake in the IKpsk2 exchange.
type State int

const (
	StateZeroed State = iota
	StateInitiationCreated
	StateInitiationConsumed
	StateResponseCreated
	StateResponseConsumed
)

func (s State) String() string {
	switch s {
	case StateZeroed:
		return "zeroed"
	case StateInitiationCreated:
		return "initiation_created"
	case StateInitiationConsumed:
		return "initiation_consumed"
	case StateResponseCreated:
		return "response_created"
	case StateResponseConsumed:
		return "response_consumed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// InitiationRate is the minimum spacing between two accepted initiations
// from the same peer.
const InitiationRate = time.Second / 50

var (
	ErrDecrypt        = errors.New("noise: authentication failed")
	ErrReplay         = errors.New("noise: replayed initiation timestamp")
	ErrFlood          = errors.New("noise: initiation flood")
	ErrInvalidState   = errors.New("noise: invalid handshake state")
	ErrWrongType      = errors.New("noise: unexpected message type")
	ErrNotInitialized = errors.New("noise: handshake not initialized")
)

var (
	initialChainKey [blake2s.Size]byte
	initialHash     [blake2s.Size]byte
	zeroNonce       [chacha20poly1305.NonceSize]byte
)

func init() {
	initialChainKey = blake2s.Sum256([]byte(Construction))
	mixHash(&initialHash, &initialChainKey, []byte(Identifier))
}

// IndexFunc assigns a fresh local index, releasing old if non-zero. It is
// called with the handshake lock held.
type IndexFunc func(old uint32) (uint32, error)

// Handshake is the per-peer IKpsk2 state. At most one exchange is in
// flight; starting a new one discards the previous ephemeral state.
type Handshake struct {
	mu                        sync.RWMutex
	state                     State
	hash                      [blake2s.Size]byte
	chainKey                  [blake2s.Size]byte
	presharedKey              PresharedKey
	localEphemeral            PrivateKey
	localIndex                uint32
	remoteIndex               uint32
	remoteStatic              PublicKey
	remoteEphemeral           PublicKey
	precomputedStaticStatic   [PublicKeySize]byte
	lastTimestamp             tai64n.Timestamp
	lastInitiationConsumption time.Time
	now                       func() time.Time
}

// NewHandshake prepares the handshake toward remote. The static-static DH
// is computed once here.
func NewHandshake(local *StaticIdentity, remote PublicKey, psk PresharedKey) (*Handshake, error) {
	ss, err := local.private.SharedSecret(remote)
	if err != nil {
		return nil, err
	}
	return &Handshake{
		remoteStatic:            remote,
		presharedKey:            psk,
		precomputedStaticStatic: ss,
		now:                     time.Now,
	}, nil
}

// SetClock overrides the clock used for flood detection.
func (h *Handshake) SetClock(now func() time.Time) {
	h.mu.Lock()
	h.now = now
	h.mu.Unlock()
}

func (h *Handshake) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *Handshake) LocalIndex() uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.localIndex
}

func (h *Handshake) RemoteStatic() PublicKey {
	return h.remoteStatic
}

// Clear zeroes ephemeral state and returns the released local index.
func (h *Handshake) Clear() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := h.localIndex
	h.clearLocked()
	return idx
}

func (h *Handshake) clearLocked() {
	setZero(h.localEphemeral[:])
	setZero(h.remoteEphemeral[:])
	setZero(h.chainKey[:])
	setZero(h.hash[:])
	h.localIndex = 0
	h.state = StateZeroed
}

// ClearSecrets also wipes the static-static secret and the preshared key.
func (h *Handshake) ClearSecrets() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clearLocked()
	setZero(h.precomputedStaticStatic[:])
	setZero(h.presharedKey[:])
}

func (h *Handshake) mixHash(data []byte) {
	mixHash(&h.hash, &h.hash, data)
}

func (h *Handshake) mixKey(data []byte) {
	mixKey(&h.chainKey, &h.chainKey, data)
}

// CreateInitiation builds the first handshake message. MAC fields are left
// zero for the cookie generator to fill.
func (h *Handshake) CreateInitiation(local *StaticIdentity, newIndex IndexFunc) (*MessageInitiation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if isZero(h.precomputedStaticStatic[:]) {
		return nil, ErrNotInitialized
	}

	var err error
	h.hash = initialHash
	h.chainKey = initialChainKey
	h.localEphemeral, err = NewPrivateKey()
	if err != nil {
		return nil, err
	}

	h.mixHash(h.remoteStatic[:])

	msg := MessageInitiation{
		Type:      MessageInitiationType,
		Ephemeral: h.localEphemeral.PublicKey(),
	}

	h.mixKey(msg.Ephemeral[:])
	h.mixHash(msg.Ephemeral[:])

	// es
	ss, err := h.localEphemeral.SharedSecret(h.remoteStatic)
	if err != nil {
		return nil, err
	}
	var key [chacha20poly1305.KeySize]byte
	KDF2(&h.chainKey, &key, h.chainKey[:], ss[:])
	setZero(ss[:])
	newAEAD(&key).Seal(msg.Static[:0], zeroNonce[:], local.public[:], h.hash[:])
	h.mixHash(msg.Static[:])

	// ss
	KDF2(&h.chainKey, &key, h.chainKey[:], h.precomputedStaticStatic[:])
	timestamp := tai64n.At(h.now())
	newAEAD(&key).Seal(msg.Timestamp[:0], zeroNonce[:], timestamp[:], h.hash[:])
	setZero(key[:])

	msg.Sender, err = newIndex(h.localIndex)
	if err != nil {
		return nil, err
	}
	h.localIndex = msg.Sender

	h.mixHash(msg.Timestamp[:])
	h.state = StateInitiationCreated
	return &msg, nil
}

// OpenedInitiation is an initiation whose sender identity has been
// decrypted but whose timestamp has not yet been checked against the
// peer's handshake.
type OpenedInitiation struct {
	msg      *MessageInitiation
	peer     PublicKey
	hash     [blake2s.Size]byte
	chainKey [blake2s.Size]byte
}

// Peer returns the initiator's static public key.
func (o *OpenedInitiation) Peer() PublicKey {
	return o.peer
}

// OpenInitiation decrypts the initiator's static key with the local
// identity. The caller then looks up the peer and calls ConsumeInitiation
// on its handshake.
func OpenInitiation(local *StaticIdentity, msg *MessageInitiation) (*OpenedInitiation, error) {
	if msg.Type != MessageInitiationType {
		return nil, ErrWrongType
	}
	o := &OpenedInitiation{msg: msg}

	mixHash(&o.hash, &initialHash, local.public[:])
	mixHash(&o.hash, &o.hash, msg.Ephemeral[:])
	mixKey(&o.chainKey, &initialChainKey, msg.Ephemeral[:])

	// es
	ss, err := local.private.SharedSecret(msg.Ephemeral)
	if err != nil {
		return nil, ErrDecrypt
	}
	var key [chacha20poly1305.KeySize]byte
	KDF2(&o.chainKey, &key, o.chainKey[:], ss[:])
	setZero(ss[:])
	if _, err := newAEAD(&key).Open(o.peer[:0], zeroNonce[:], msg.Static[:], o.hash[:]); err != nil {
		return nil, ErrDecrypt
	}
	mixHash(&o.hash, &o.hash, msg.Static[:])
	setZero(key[:])
	return o, nil
}

// ConsumeInitiation finishes processing an opened initiation: decrypts and
// checks the timestamp against replay and flooding, then records the
// initiator's ephemeral and index.
func (h *Handshake) ConsumeInitiation(o *OpenedInitiation) error {
	if !o.peer.Equals(h.remoteStatic) {
		return ErrInvalidPublicKey
	}

	var (
		timestamp tai64n.Timestamp
		key       [chacha20poly1305.KeySize]byte
		hash      = o.hash
		chainKey  = o.chainKey
	)

	h.mu.RLock()
	if isZero(h.precomputedStaticStatic[:]) {
		h.mu.RUnlock()
		return ErrNotInitialized
	}
	KDF2(&chainKey, &key, chainKey[:], h.precomputedStaticStatic[:])
	_, err := newAEAD(&key).Open(timestamp[:0], zeroNonce[:], o.msg.Timestamp[:], hash[:])
	setZero(key[:])
	if err != nil {
		h.mu.RUnlock()
		return ErrDecrypt
	}
	mixHash(&hash, &hash, o.msg.Timestamp[:])

	now := h.now()
	replay := !timestamp.After(h.lastTimestamp)
	flood := now.Sub(h.lastInitiationConsumption) <= InitiationRate
	h.mu.RUnlock()
	if replay {
		return ErrReplay
	}
	if flood {
		return ErrFlood
	}

	h.mu.Lock()
	h.hash = hash
	h.chainKey = chainKey
	h.remoteIndex = o.msg.Sender
	h.remoteEphemeral = o.msg.Ephemeral
	if timestamp.After(h.lastTimestamp) {
		h.lastTimestamp = timestamp
	}
	if now.After(h.lastInitiationConsumption) {
		h.lastInitiationConsumption = now
	}
	h.state = StateInitiationConsumed
	h.mu.Unlock()

	setZero(hash[:])
	setZero(chainKey[:])
	return nil
}

// CreateResponse answers a consumed initiation.
func (h *Handshake) CreateResponse(newIndex IndexFunc) (*MessageResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateInitiationConsumed {
		return nil, ErrInvalidState
	}

	var err error
	h.localIndex, err = newIndex(h.localIndex)
	if err != nil {
		return nil, err
	}

	msg := MessageResponse{
		Type:     MessageResponseType,
		Sender:   h.localIndex,
		Receiver: h.remoteIndex,
	}

	h.localEphemeral, err = NewPrivateKey()
	if err != nil {
		return nil, err
	}
	msg.Ephemeral = h.localEphemeral.PublicKey()
	h.mixHash(msg.Ephemeral[:])
	h.mixKey(msg.Ephemeral[:])

	// ee
	ss, err := h.localEphemeral.SharedSecret(h.remoteEphemeral)
	if err != nil {
		return nil, err
	}
	h.mixKey(ss[:])
	// se
	ss, err = h.localEphemeral.SharedSecret(h.remoteStatic)
	if err != nil {
		return nil, err
	}
	h.mixKey(ss[:])
	setZero(ss[:])

	// psk
	var tau [blake2s.Size]byte
	var key [chacha20poly1305.KeySize]byte
	KDF3(&h.chainKey, &tau, &key, h.chainKey[:], h.presharedKey[:])
	h.mixHash(tau[:])

	newAEAD(&key).Seal(msg.Empty[:0], zeroNonce[:], nil, h.hash[:])
	h.mixHash(msg.Empty[:])
	setZero(key[:])

	h.state = StateResponseCreated
	return &msg, nil
}

// ConsumeResponse processes a response to our initiation. The caller finds
// the handshake by msg.Receiver.
func (h *Handshake) ConsumeResponse(local *StaticIdentity, msg *MessageResponse) error {
	if msg.Type != MessageResponseType {
		return ErrWrongType
	}

	var (
		hash     [blake2s.Size]byte
		chainKey [blake2s.Size]byte
	)

	err := func() error {
		h.mu.RLock()
		defer h.mu.RUnlock()

		if h.state != StateInitiationCreated || msg.Receiver != h.localIndex {
			return ErrInvalidState
		}

		mixHash(&hash, &h.hash, msg.Ephemeral[:])
		mixKey(&chainKey, &h.chainKey, msg.Ephemeral[:])

		// ee
		ss, err := h.localEphemeral.SharedSecret(msg.Ephemeral)
		if err != nil {
			return ErrDecrypt
		}
		mixKey(&chainKey, &chainKey, ss[:])
		setZero(ss[:])

		// se
		ss, err = local.private.SharedSecret(msg.Ephemeral)
		if err != nil {
			return ErrDecrypt
		}
		mixKey(&chainKey, &chainKey, ss[:])
		setZero(ss[:])

		// psk
		var tau [blake2s.Size]byte
		var key [chacha20poly1305.KeySize]byte
		KDF3(&chainKey, &tau, &key, chainKey[:], h.presharedKey[:])
		mixHash(&hash, &hash, tau[:])

		_, err = newAEAD(&key).Open(nil, zeroNonce[:], msg.Empty[:], hash[:])
		setZero(key[:])
		if err != nil {
			return ErrDecrypt
		}
		mixHash(&hash, &hash, msg.Empty[:])
		return nil
	}()
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateInitiationCreated {
		return ErrInvalidState
	}
	h.hash = hash
	h.chainKey = chainKey
	h.remoteIndex = msg.Sender
	h.state = StateResponseConsumed

	setZero(hash[:])
	setZero(chainKey[:])
	return nil
}

// SessionKeys are the transport keys derived at the end of a handshake.
type SessionKeys struct {
	Send        [chacha20poly1305.KeySize]byte
	Receive     [chacha20poly1305.KeySize]byte
	IsInitiator bool
	LocalIndex  uint32
	RemoteIndex uint32
}

// Zero wipes both keys.
func (k *SessionKeys) Zero() {
	setZero(k.Send[:])
	setZero(k.Receive[:])
}

// DeriveKeys splits the chaining key into transport keys and returns the
// handshake to StateZeroed. The initiator sends with the first output,
// the responder receives with it.
func (h *Handshake) DeriveKeys() (*SessionKeys, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	keys := &SessionKeys{
		LocalIndex:  h.localIndex,
		RemoteIndex: h.remoteIndex,
	}
	switch h.state {
	case StateResponseConsumed:
		KDF2(&keys.Send, &keys.Receive, h.chainKey[:], nil)
		keys.IsInitiator = true
	case StateResponseCreated:
		KDF2(&keys.Receive, &keys.Send, h.chainKey[:], nil)
	default:
		return nil, fmt.Errorf("%w: cannot derive keys in %v", ErrInvalidState, h.state)
	}

	setZero(h.chainKey[:])
	setZero(h.hash[:])
	setZero(h.localEphemeral[:])
	h.localIndex = 0
	h.state = StateZeroed
	return keys, nil
}
