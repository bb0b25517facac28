package main

import (
	"fmt"
	"sort"
)

const (
	headerCount   = 4
	maxUint32     = ^uint32(0)
	msbBucketSize = 1 << 24
	// Header values below this collide with the plain message types.
	minHeaderValue = 5
	placeAttempts  = 1000
)

type headerRange struct {
	start uint32
	end   uint32
}

func (hr headerRange) String() string {
	return fmt.Sprintf("%d-%d", hr.start, hr.end)
}

func (hr headerRange) overlaps(other headerRange) bool {
	return hr.start <= other.end && hr.end >= other.start
}

// generateRanges picks headerCount non-overlapping ranges of the given width
// inside [lo, hi], sorted by start. With distinctMSB each range sits in its
// own high-order byte bucket, so the first header byte alone tells the
// message types apart.
func generateRanges(r rng, width, lo, hi uint32, distinctMSB bool) ([]headerRange, error) {
	lo = max(lo, minHeaderValue)
	if hi < lo || hi-lo < width {
		return nil, fmt.Errorf("range bounds too small for width")
	}

	var ranges []headerRange
	if distinctMSB {
		if width >= msbBucketSize {
			return nil, fmt.Errorf("width must be < %d for distinct-msb", msbBucketSize)
		}
		buckets := usableBuckets(width, lo, hi)
		if len(buckets) < headerCount {
			return nil, fmt.Errorf("only %d msb buckets in [%d, %d] fit width %d", len(buckets), lo, hi, width)
		}
		// Partial Fisher-Yates: the first headerCount entries become a
		// uniform choice of distinct buckets.
		for i := 0; i < headerCount; i++ {
			j := i + int(r.Uint32()%uint32(len(buckets)-i))
			buckets[i], buckets[j] = buckets[j], buckets[i]
		}
		for _, b := range buckets[:headerCount] {
			bLo, bHi := bucketBounds(b, lo, hi)
			start := randomInRange(r, bLo, bHi-width)
			ranges = append(ranges, headerRange{start: start, end: start + width})
		}
	} else {
		for attempt := 0; len(ranges) < headerCount; attempt++ {
			if attempt == placeAttempts {
				return nil, fmt.Errorf("could not place %d ranges of width %d in [%d, %d]", headerCount, width, lo, hi)
			}
			start := randomInRange(r, lo, hi-width)
			hr := headerRange{start: start, end: start + width}
			if !overlapsAny(hr, ranges) {
				ranges = append(ranges, hr)
			}
		}
	}

	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].start < ranges[j].start
	})
	return ranges, nil
}

// usableBuckets lists the high-order bytes whose slice of [lo, hi] can hold
// a range of width.
func usableBuckets(width, lo, hi uint32) []uint8 {
	var out []uint8
	for b := lo >> 24; b <= hi>>24; b++ {
		bLo, bHi := bucketBounds(uint8(b), lo, hi)
		if bHi-bLo >= width {
			out = append(out, uint8(b))
		}
	}
	return out
}

// bucketBounds clips bucket b to [lo, hi]. b must intersect the interval.
func bucketBounds(b uint8, lo, hi uint32) (uint32, uint32) {
	first := uint32(b) << 24
	last := first + (msbBucketSize - 1)
	return max(first, lo), min(last, hi)
}

func overlapsAny(target headerRange, ranges []headerRange) bool {
	for _, hr := range ranges {
		if target.overlaps(hr) {
			return true
		}
	}
	return false
}

func randomInRange(r rng, lo, hi uint32) uint32 {
	if hi <= lo {
		return lo
	}
	span := uint64(hi-lo) + 1
	return lo + uint32(uint64(r.Uint32())%span)
}
