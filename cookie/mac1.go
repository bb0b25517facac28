package cookie

import (
	"crypto/subtle"

	"github.com/bridgefall/tunnel/noise"
	"golang.org/x/crypto/blake2s"
)

// Mac1Size is the length of the MAC1 and MAC2 fields.
const Mac1Size = blake2s.Size128

// DeriveMac1Key derives the MAC1 key from a receiver public key.
func DeriveMac1Key(pubKey [32]byte) ([32]byte, error) {
	return labeledHash(noise.LabelMAC1, pubKey), nil
}

// ComputeMac1 computes MAC1 over msg using the provided mac1 key.
func ComputeMac1(mac1Key [32]byte, msg []byte) ([Mac1Size]byte, error) {
	var out [Mac1Size]byte
	h, err := blake2s.New128(mac1Key[:])
	if err != nil {
		return out, err
	}
	h.Write(msg)
	h.Sum(out[:0])
	return out, nil
}

// VerifyMac1 compares the expected MAC1 to the provided bytes.
func VerifyMac1(expected [Mac1Size]byte, provided []byte) bool {
	if len(provided) != Mac1Size {
		return false
	}
	return subtle.ConstantTimeCompare(expected[:], provided) == 1
}

func labeledHash(label string, pk [32]byte) [blake2s.Size]byte {
	var out [blake2s.Size]byte
	hash, _ := blake2s.New256(nil)
	hash.Write([]byte(label))
	hash.Write(pk[:])
	hash.Sum(out[:0])
	return out
}

// macOffsets returns the start of the MAC1 and MAC2 fields, which are the
// last 32 bytes of every handshake message.
func macOffsets(msg []byte) (smac1, smac2 int, ok bool) {
	smac2 = len(msg) - blake2s.Size128
	smac1 = smac2 - blake2s.Size128
	return smac1, smac2, smac1 >= 0
}
