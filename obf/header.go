package obf

import (
	"fmt"
	"strconv"
	"strings"
)

// Header is an inclusive range of uint32 values standing in for one message
// type on the wire.
type Header struct {
	start uint32
	end   uint32
}

// ParseHeader parses a header spec string ("7" or "100-200").
func ParseHeader(spec string) (*Header, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty header spec")
	}
	lo, hi, isRange := strings.Cut(spec, "-")
	start, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid header start %q: %w", lo, err)
	}
	end := start
	if isRange {
		end, err = strconv.ParseUint(strings.TrimSpace(hi), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid header end %q: %w", hi, err)
		}
	}
	if end < start {
		return nil, fmt.Errorf("header range %q is inverted", spec)
	}
	return &Header{start: uint32(start), end: uint32(end)}, nil
}

// GenSpec returns the canonical spec for the header.
func (h *Header) GenSpec() string {
	if h.start == h.end {
		return strconv.FormatUint(uint64(h.start), 10)
	}
	return fmt.Sprintf("%d-%d", h.start, h.end)
}

// Validate returns true if val is within the header range.
func (h *Header) Validate(val uint32) bool {
	return val >= h.start && val <= h.end
}

// Generate returns a uniformly random value in the header range.
func (h *Header) Generate() uint32 {
	if h.start == h.end {
		return h.start
	}
	span := uint64(h.end) - uint64(h.start) + 1
	return h.start + uint32(randUint64()%span)
}

// HeaderSet contains parsed header ranges.
type HeaderSet struct {
	H1 *Header
	H2 *Header
	H3 *Header
	H4 *Header
}

// DefaultHeaderSpecs returns the plain WireGuard message types.
func DefaultHeaderSpecs() []string {
	return []string{"1", "2", "3", "4"}
}

// ParseHeaders parses the header specs and validates non-overlap.
func ParseHeaders(specs []string) (*HeaderSet, error) {
	if len(specs) != 4 {
		return nil, fmt.Errorf("expected 4 header specs")
	}

	parsed := make([]*Header, 4)
	for i, spec := range specs {
		if spec == "" {
			continue
		}
		h, err := ParseHeader(spec)
		if err != nil {
			return nil, fmt.Errorf("parse header %d: %w", i+1, err)
		}
		parsed[i] = h
	}

	for i := 0; i < len(parsed); i++ {
		for j := i + 1; j < len(parsed); j++ {
			if parsed[i] == nil || parsed[j] == nil {
				continue
			}
			if headersOverlap(parsed[i], parsed[j]) {
				return nil, fmt.Errorf("headers h%d and h%d overlap", i+1, j+1)
			}
		}
	}

	return &HeaderSet{H1: parsed[0], H2: parsed[1], H3: parsed[2], H4: parsed[3]}, nil
}

// ParseHeadersWithDefaults parses headers, filling empty specs with the
// plain message type.
func ParseHeadersWithDefaults(specs []string) (*HeaderSet, error) {
	if len(specs) != 4 {
		return nil, fmt.Errorf("expected 4 header specs")
	}
	defaults := DefaultHeaderSpecs()
	resolved := make([]string, 4)
	for i, spec := range specs {
		if spec == "" {
			resolved[i] = defaults[i]
			continue
		}
		resolved[i] = spec
	}
	return ParseHeaders(resolved)
}

func headersOverlap(a *Header, b *Header) bool {
	return a.start <= b.end && b.start <= a.end
}
