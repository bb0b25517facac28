package obf

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

func randUint64() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("obf: entropy source failed: %v", err))
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// randRange returns a uniform value in [min, max].
func randRange(min int, max int) (int, error) {
	if min > max {
		return 0, fmt.Errorf("invalid range")
	}
	if min == max {
		return min, nil
	}
	span := uint64(max - min + 1)
	return min + int(randUint64()%span), nil
}

func fillRandom(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	_, err := rand.Read(buf)
	return err
}
