package obf

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// segment is one tag of a signature chain.
type segment interface {
	Obfuscate(dst, src []byte)
	Deobfuscate(dst, src []byte) bool
	ObfuscatedLen(n int) int
	DeobfuscatedLen(n int) int
}

// Chain is a parsed signature chain such as "<b 0xc0ffee><r 16><t>".
//
// Supported tags:
//
//	<b 0xHEX>  fixed bytes
//	<r N>      N random bytes
//	<rc N>     N random ASCII letters
//	<rd N>     N random ASCII digits
//	<t>        32-bit big-endian unix timestamp
type Chain struct {
	spec     string
	segments []segment
}

// ParseChain parses an obfuscation chain spec string.
func ParseChain(spec string) (*Chain, error) {
	rest := strings.TrimSpace(spec)
	if rest == "" {
		return nil, fmt.Errorf("empty chain spec")
	}
	c := &Chain{spec: spec}
	for rest != "" {
		if rest[0] != '<' {
			return nil, fmt.Errorf("expected '<' at %q", rest)
		}
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			return nil, fmt.Errorf("unterminated tag in %q", rest)
		}
		seg, err := parseSegment(rest[1:end])
		if err != nil {
			return nil, err
		}
		c.segments = append(c.segments, seg)
		rest = strings.TrimSpace(rest[end+1:])
	}
	return c, nil
}

func parseSegment(body string) (segment, error) {
	tag, arg, _ := strings.Cut(strings.TrimSpace(body), " ")
	arg = strings.TrimSpace(arg)
	switch tag {
	case "b":
		return newBytesSegment(arg)
	case "r":
		n, err := parseSegmentLen(tag, arg)
		if err != nil {
			return nil, err
		}
		return &randSegment{length: n}, nil
	case "rc":
		n, err := parseSegmentLen(tag, arg)
		if err != nil {
			return nil, err
		}
		return &randCharSegment{length: n}, nil
	case "rd":
		n, err := parseSegmentLen(tag, arg)
		if err != nil {
			return nil, err
		}
		return &randDigitSegment{length: n}, nil
	case "t":
		if arg != "" {
			return nil, fmt.Errorf("tag <t> takes no argument")
		}
		return timestampSegment{}, nil
	default:
		return nil, fmt.Errorf("unknown chain tag %q", tag)
	}
}

func parseSegmentLen(tag, arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("tag <%s> length: %w", tag, err)
	}
	if n <= 0 || n > maxJunkLength {
		return 0, fmt.Errorf("tag <%s> length %d out of range", tag, n)
	}
	return n, nil
}

// Spec returns the original chain spec.
func (c *Chain) Spec() string {
	return c.spec
}

// Obfuscate writes the chain output to dst, consuming src for data-bearing
// segments.
func (c *Chain) Obfuscate(dst, src []byte) {
	for _, s := range c.segments {
		in := s.DeobfuscatedLen(len(src))
		out := s.ObfuscatedLen(in)
		s.Obfuscate(dst[:out], src[:in])
		dst = dst[out:]
		src = src[in:]
	}
}

// Deobfuscate checks src against the chain and writes carried data to dst.
func (c *Chain) Deobfuscate(dst, src []byte) bool {
	if len(src) != c.ObfuscatedLen(len(dst)) {
		return false
	}
	for _, s := range c.segments {
		in := s.DeobfuscatedLen(len(dst))
		out := s.ObfuscatedLen(in)
		if !s.Deobfuscate(dst[:in], src[:out]) {
			return false
		}
		dst = dst[in:]
		src = src[out:]
	}
	return true
}

// ObfuscatedLen returns the datagram length for a payload of n bytes.
func (c *Chain) ObfuscatedLen(n int) int {
	total := 0
	for _, s := range c.segments {
		total += s.ObfuscatedLen(s.DeobfuscatedLen(n))
	}
	return total
}

// DeobfuscatedLen returns the payload length carried by the chain.
func (c *Chain) DeobfuscatedLen(n int) int {
	total := 0
	for _, s := range c.segments {
		total += s.DeobfuscatedLen(n)
	}
	return total
}

// ChainSet contains parsed chain specs.
type ChainSet struct {
	I1 *Chain
	I2 *Chain
	I3 *Chain
	I4 *Chain
	I5 *Chain
}

// ParseChains parses the chain specs into a ChainSet.
func ParseChains(specs []string) (*ChainSet, error) {
	if len(specs) != 5 {
		return nil, fmt.Errorf("expected 5 chain specs")
	}

	parsed := make([]*Chain, 5)
	for i, spec := range specs {
		if spec == "" {
			continue
		}
		c, err := ParseChain(spec)
		if err != nil {
			return nil, fmt.Errorf("parse chain %d: %w", i+1, err)
		}
		parsed[i] = c
	}

	return &ChainSet{I1: parsed[0], I2: parsed[1], I3: parsed[2], I4: parsed[3], I5: parsed[4]}, nil
}

// Ordered returns the configured chains in I1..I5 order, skipping unset ones.
func (s *ChainSet) Ordered() []*Chain {
	out := make([]*Chain, 0, 5)
	for _, c := range []*Chain{s.I1, s.I2, s.I3, s.I4, s.I5} {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// SignatureInfo captures parsed fields from a signature datagram.
type SignatureInfo struct {
	Timestamp    uint32
	HasTimestamp bool
}

// ValidateSignature checks a received signature datagram against the chain.
func (c *Chain) ValidateSignature(src []byte) (SignatureInfo, bool) {
	var info SignatureInfo
	if c == nil || len(src) != c.ObfuscatedLen(0) {
		return info, false
	}
	for _, s := range c.segments {
		out := s.ObfuscatedLen(0)
		part := src[:out]
		if !s.Deobfuscate(nil, part) {
			return info, false
		}
		if _, ok := s.(timestampSegment); ok {
			info.Timestamp = binary.BigEndian.Uint32(part)
			info.HasTimestamp = true
		}
		src = src[out:]
	}
	return info, true
}

// ValidateSignatureSet validates a slice of signature datagrams against chains.
func ValidateSignatureSet(chains []*Chain, signatures [][]byte) ([]SignatureInfo, error) {
	if len(chains) != len(signatures) {
		return nil, fmt.Errorf("signature count mismatch")
	}
	results := make([]SignatureInfo, 0, len(chains))
	for i, chain := range chains {
		info, ok := chain.ValidateSignature(signatures[i])
		if !ok {
			return nil, fmt.Errorf("invalid signature %d", i)
		}
		results = append(results, info)
	}
	return results, nil
}

type bytesSegment struct {
	data []byte
}

func newBytesSegment(arg string) (segment, error) {
	hexStr := strings.TrimPrefix(strings.TrimPrefix(arg, "0x"), "0X")
	if hexStr == "" {
		return nil, fmt.Errorf("tag <b> requires hex bytes")
	}
	data, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("tag <b>: %w", err)
	}
	return &bytesSegment{data: data}, nil
}

func (s *bytesSegment) Obfuscate(dst, src []byte) { copy(dst, s.data) }

func (s *bytesSegment) Deobfuscate(dst, src []byte) bool { return bytes.Equal(src, s.data) }

func (s *bytesSegment) ObfuscatedLen(n int) int { return len(s.data) }

func (s *bytesSegment) DeobfuscatedLen(n int) int { return 0 }

type randSegment struct {
	length int
}

func (s *randSegment) Obfuscate(dst, src []byte) { _ = fillRandom(dst[:s.length]) }

func (s *randSegment) Deobfuscate(dst, src []byte) bool { return len(src) == s.length }

func (s *randSegment) ObfuscatedLen(n int) int { return s.length }

func (s *randSegment) DeobfuscatedLen(n int) int { return 0 }

const chars52 = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

type randCharSegment struct {
	length int
}

func (s *randCharSegment) Obfuscate(dst, src []byte) {
	_ = fillRandom(dst[:s.length])
	for i := range dst[:s.length] {
		dst[i] = chars52[dst[i]%52]
	}
}

func (s *randCharSegment) Deobfuscate(dst, src []byte) bool {
	for _, b := range src[:s.length] {
		if !isASCIIAlpha(b) {
			return false
		}
	}
	return true
}

func (s *randCharSegment) ObfuscatedLen(n int) int { return s.length }

func (s *randCharSegment) DeobfuscatedLen(n int) int { return 0 }

type randDigitSegment struct {
	length int
}

func (s *randDigitSegment) Obfuscate(dst, src []byte) {
	_ = fillRandom(dst[:s.length])
	for i := range dst[:s.length] {
		dst[i] = '0' + dst[i]%10
	}
}

func (s *randDigitSegment) Deobfuscate(dst, src []byte) bool {
	for _, b := range src[:s.length] {
		if b < '0' || b > '9' {
			return false
		}
	}
	return true
}

func (s *randDigitSegment) ObfuscatedLen(n int) int { return s.length }

func (s *randDigitSegment) DeobfuscatedLen(n int) int { return 0 }

type timestampSegment struct{}

func (timestampSegment) Obfuscate(dst, src []byte) {
	binary.BigEndian.PutUint32(dst, uint32(time.Now().Unix()))
}

func (timestampSegment) Deobfuscate(dst, src []byte) bool { return len(src) == 4 }

func (timestampSegment) ObfuscatedLen(n int) int { return 4 }

func (timestampSegment) DeobfuscatedLen(n int) int { return 0 }

func isASCIIAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
