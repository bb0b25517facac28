// Package tai64n encodes handshake timestamps in TAI64N form.
package tai64n

import (
	"bytes"
	"encoding/binary"
	"time"
)

const (
	TimestampSize = 12
	base          = uint64(0x400000000000000a)
	// Nanoseconds are truncated to about 16ms so a timestamp does not leak
	// a precise clock reading to anyone able to decrypt it.
	whitenerMask = uint32(0x1000000 - 1)
)

// Timestamp is a big-endian TAI64N label.
type Timestamp [TimestampSize]byte

func stamp(t time.Time) Timestamp {
	var ts Timestamp
	secs := base + uint64(t.Unix())
	nano := uint32(t.Nanosecond()) &^ whitenerMask
	binary.BigEndian.PutUint64(ts[:8], secs)
	binary.BigEndian.PutUint32(ts[8:], nano)
	return ts
}

// Now returns the current whitened timestamp.
func Now() Timestamp {
	return stamp(time.Now())
}

// At returns the whitened timestamp for t.
func At(t time.Time) Timestamp {
	return stamp(t)
}

// After reports whether t1 is strictly later than t2.
func (t1 Timestamp) After(t2 Timestamp) bool {
	return bytes.Compare(t1[:], t2[:]) > 0
}

// IsZero reports whether the timestamp was never set.
func (t1 Timestamp) IsZero() bool {
	return t1 == Timestamp{}
}

// Time converts the label back into a wall-clock time.
func (t1 Timestamp) Time() time.Time {
	secs := binary.BigEndian.Uint64(t1[:8]) - base
	nano := binary.BigEndian.Uint32(t1[8:])
	return time.Unix(int64(secs), int64(nano))
}

func (t1 Timestamp) String() string {
	return t1.Time().UTC().Format(time.RFC3339Nano)
}
