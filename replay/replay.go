// Package replay implements the sliding-window counter filter for transport
// messages: a read-only check before decryption and the recording check
// after it.
package replay

type block uint64

const (
	blockBitLog = 6
	blockBits   = 1 << blockBitLog
	ringBlocks  = 1 << 7
	blockMask   = ringBlocks - 1
	bitMask     = blockBits - 1

	// WindowSize is how far behind the highest accepted counter a late
	// counter may still be accepted.
	WindowSize = (ringBlocks - 1) * blockBits
)

// RejectAfterMessages is the counter limit after which a session must not be
// used.
const RejectAfterMessages = 1<<64 - 1<<13 - 1

// Filter rejects replayed counters by tracking a ring of bitmaps.
// The zero value is ready for use. Not safe for concurrent use.
type Filter struct {
	last uint64
	ring [ringBlocks]block
}

// Reset clears the filter state.
func (f *Filter) Reset() {
	f.last = 0
	f.ring[0] = 0
}

// Last returns the highest counter accepted so far.
func (f *Filter) Last() uint64 {
	return f.last
}

// Check reports whether ValidateCounter would accept counter, without
// recording it.
func (f *Filter) Check(counter, limit uint64) bool {
	if counter >= limit {
		return false
	}
	if counter > f.last {
		return true
	}
	if f.last-counter > WindowSize {
		return false
	}
	return f.ring[(counter>>blockBitLog)&blockMask]&(1<<(counter&bitMask)) == 0
}

// ValidateCounter marks counter as seen and reports whether it was fresh.
// Counters at or above limit are always rejected.
func (f *Filter) ValidateCounter(counter, limit uint64) bool {
	if counter >= limit {
		return false
	}
	indexBlock := counter >> blockBitLog
	if counter > f.last {
		current := f.last >> blockBitLog
		diff := indexBlock - current
		if diff > ringBlocks {
			diff = ringBlocks
		}
		for i := current + 1; i <= current+diff; i++ {
			f.ring[i&blockMask] = 0
		}
		f.last = counter
	} else if f.last-counter > WindowSize {
		return false
	}
	indexBlock &= blockMask
	indexBit := counter & bitMask
	old := f.ring[indexBlock]
	updated := old | 1<<indexBit
	f.ring[indexBlock] = updated
	return old != updated
}
