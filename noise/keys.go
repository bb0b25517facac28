// Package noise implements the Noise_IKpsk2 handshake used to derive
// per-session transport keys between two static Curve25519 identities.
package noise

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

const (
	PublicKeySize    = 32
	PrivateKeySize   = 32
	PresharedKeySize = 32
)

type (
	PublicKey    [PublicKeySize]byte
	PrivateKey   [PrivateKeySize]byte
	PresharedKey [PresharedKeySize]byte
	Nonce        uint64
)

var (
	ErrInvalidPublicKey = errors.New("noise: invalid public key")
	ErrInvalidKeyLength = errors.New("noise: invalid key length")
)

// DecodeKeyBase64 decodes a base64 key into a 32-byte array.
func DecodeKeyBase64(val string) ([32]byte, error) {
	var out [32]byte
	raw, err := base64.StdEncoding.DecodeString(val)
	if err != nil {
		return out, fmt.Errorf("decode base64: %w", err)
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("%w: %d", ErrInvalidKeyLength, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// DerivePublicKey returns the Curve25519 public key for a private key.
func DerivePublicKey(privateKey [32]byte) ([32]byte, error) {
	var out [32]byte
	pub, err := curve25519.X25519(privateKey[:], curve25519.Basepoint)
	if err != nil {
		return out, err
	}
	copy(out[:], pub)
	return out, nil
}

// ParsePublicKey decodes a base64 public key.
func ParsePublicKey(s string) (PublicKey, error) {
	raw, err := DecodeKeyBase64(s)
	return PublicKey(raw), err
}

// ParsePrivateKey decodes a base64 private key and clamps it.
func ParsePrivateKey(s string) (PrivateKey, error) {
	raw, err := DecodeKeyBase64(s)
	if err != nil {
		return PrivateKey{}, err
	}
	sk := PrivateKey(raw)
	sk.clamp()
	return sk, nil
}

// ParsePresharedKey decodes a base64 preshared key.
func ParsePresharedKey(s string) (PresharedKey, error) {
	raw, err := DecodeKeyBase64(s)
	return PresharedKey(raw), err
}

func (sk *PrivateKey) clamp() {
	sk[0] &= 248
	sk[31] = (sk[31] & 127) | 64
}

// NewPrivateKey generates a clamped Curve25519 private key.
func NewPrivateKey() (sk PrivateKey, err error) {
	_, err = rand.Read(sk[:])
	sk.clamp()
	return
}

// NewPresharedKey generates a random preshared key.
func NewPresharedKey() (psk PresharedKey, err error) {
	_, err = rand.Read(psk[:])
	return
}

// PublicKey returns the public half of sk.
func (sk *PrivateKey) PublicKey() (pk PublicKey) {
	apk := (*[PublicKeySize]byte)(&pk)
	ask := (*[PrivateKeySize]byte)(sk)
	curve25519.ScalarBaseMult(apk, ask)
	return
}

// SharedSecret computes X25519(sk, pk). An all-zero result means pk is a
// low-order point and is reported as ErrInvalidPublicKey.
func (sk *PrivateKey) SharedSecret(pk PublicKey) (ss [PublicKeySize]byte, err error) {
	apk := (*[PublicKeySize]byte)(&pk)
	ask := (*[PrivateKeySize]byte)(sk)
	curve25519.ScalarMult(&ss, ask, apk)
	if isZero(ss[:]) {
		return ss, ErrInvalidPublicKey
	}
	return ss, nil
}

func (sk PrivateKey) IsZero() bool {
	var zero PrivateKey
	return sk.Equals(zero)
}

func (sk PrivateKey) Equals(tar PrivateKey) bool {
	return subtle.ConstantTimeCompare(sk[:], tar[:]) == 1
}

func (sk PrivateKey) String() string {
	return base64.StdEncoding.EncodeToString(sk[:])
}

func (pk PublicKey) IsZero() bool {
	var zero PublicKey
	return pk.Equals(zero)
}

func (pk PublicKey) Equals(tar PublicKey) bool {
	return subtle.ConstantTimeCompare(pk[:], tar[:]) == 1
}

func (pk PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(pk[:])
}

// Short returns an abbreviated form for logs.
func (pk PublicKey) Short() string {
	return pk.String()[:8]
}

// Hex returns the lowercase hex form.
func (pk PublicKey) Hex() string {
	return hex.EncodeToString(pk[:])
}

func (psk PresharedKey) String() string {
	return base64.StdEncoding.EncodeToString(psk[:])
}

func (psk PresharedKey) IsZero() bool {
	var zero PresharedKey
	return subtle.ConstantTimeCompare(psk[:], zero[:]) == 1
}

// StaticIdentity is the long-term key pair of the local device. It is
// immutable after construction.
type StaticIdentity struct {
	private PrivateKey
	public  PublicKey
}

// NewStaticIdentity builds an identity from a private key.
func NewStaticIdentity(sk PrivateKey) (*StaticIdentity, error) {
	if sk.IsZero() {
		return nil, fmt.Errorf("noise: zero private key")
	}
	sk.clamp()
	return &StaticIdentity{private: sk, public: sk.PublicKey()}, nil
}

// PublicKey returns the identity's public key.
func (id *StaticIdentity) PublicKey() PublicKey {
	return id.public
}

func isZero(val []byte) bool {
	acc := 1
	for _, b := range val {
		acc &= subtle.ConstantTimeByteEq(b, 0)
	}
	return acc == 1
}

func setZero(arr []byte) {
	for i := range arr {
		arr[i] = 0
	}
}

// newAEAD wraps chacha20poly1305.New for 32-byte keys, which cannot fail.
func newAEAD(key *[chacha20poly1305.KeySize]byte) cipher.AEAD {
	aead, _ := chacha20poly1305.New(key[:])
	return aead
}
