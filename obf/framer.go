package obf

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageType represents framed message types.
type MessageType uint32

const (
	MessageInitiation MessageType = iota + 1
	MessageResponse
	MessageCookieReply
	MessageTransport
)

// Canonical message sizes, type field included.
const (
	InitiationSize   = 148
	ResponseSize     = 92
	CookieReplySize  = 64
	MinTransportSize = 32
)

var (
	ErrUnclassified = errors.New("obf: unable to determine message type")
	ErrShortMessage = errors.New("obf: message too short")
)

// Framer applies AWG-style obfuscation framing over UDP datagrams.
type Framer struct {
	cfg     Config
	headers *HeaderSet
	chains  *ChainSet
}

// NewFramer constructs a framer with validated config. A zero Config yields
// plain WireGuard framing.
func NewFramer(cfg Config) (*Framer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	headers, err := ParseHeadersWithDefaults(cfg.HeaderSpecs())
	if err != nil {
		return nil, err
	}
	chains, err := ParseChains(cfg.ChainSpecs())
	if err != nil {
		return nil, err
	}
	return &Framer{cfg: cfg, headers: headers, chains: chains}, nil
}

// Config returns the framer configuration.
func (f *Framer) Config() Config {
	return f.cfg
}

// EncodeFrame builds a single AWG-style datagram: S random bytes, a header
// value drawn from the type's range, then payload.
func (f *Framer) EncodeFrame(msgType MessageType, payload []byte) ([]byte, error) {
	header := f.headerFor(msgType)
	if header == nil {
		return nil, fmt.Errorf("missing header for message type %d", msgType)
	}
	padding := f.paddingFor(msgType)

	datagram := make([]byte, padding+4+len(payload))
	if err := fillRandom(datagram[:padding]); err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint32(datagram[padding:padding+4], header.Generate())
	copy(datagram[padding+4:], payload)
	return datagram, nil
}

// DecodeFrame classifies a datagram and returns its type and payload. The
// payload aliases datagram. Exactly one type must match on both size and
// header value, otherwise ErrUnclassified is returned.
func (f *Framer) DecodeFrame(datagram []byte) (MessageType, []byte, error) {
	if len(datagram) < 4 {
		return 0, nil, ErrShortMessage
	}

	var (
		match MessageType
		count int
	)
	for _, msgType := range []MessageType{MessageInitiation, MessageResponse, MessageCookieReply, MessageTransport} {
		padding := f.paddingFor(msgType)
		if !sizeMatches(msgType, len(datagram)-padding) {
			continue
		}
		typeVal := binary.LittleEndian.Uint32(datagram[padding : padding+4])
		if f.headerFor(msgType).Validate(typeVal) {
			match = msgType
			count++
		}
	}
	if count != 1 {
		return 0, nil, ErrUnclassified
	}
	return match, datagram[f.paddingFor(match)+4:], nil
}

func sizeMatches(msgType MessageType, n int) bool {
	switch msgType {
	case MessageInitiation:
		return n == InitiationSize
	case MessageResponse:
		return n == ResponseSize
	case MessageCookieReply:
		return n == CookieReplySize
	case MessageTransport:
		return n >= MinTransportSize
	}
	return false
}

// Wrap frames a canonical WireGuard message, replacing its 4-byte type field.
func (f *Framer) Wrap(msgType MessageType, msg []byte) ([]byte, error) {
	if len(msg) < 4 {
		return nil, ErrShortMessage
	}
	return f.EncodeFrame(msgType, msg[4:])
}

// Unwrap reverses Wrap and returns a freshly allocated canonical message.
func (f *Framer) Unwrap(datagram []byte) (MessageType, []byte, error) {
	msgType, payload, err := f.DecodeFrame(datagram)
	if err != nil {
		return 0, nil, err
	}
	msg := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(msg[:4], uint32(msgType))
	copy(msg[4:], payload)
	return msgType, msg, nil
}

// JunkDatagrams builds the pre-handshake junk datagrams.
func (f *Framer) JunkDatagrams() ([][]byte, error) {
	if f.cfg.Jc == 0 || f.cfg.Jmax <= 0 {
		return nil, nil
	}
	out := make([][]byte, 0, f.cfg.Jc)
	for i := 0; i < f.cfg.Jc; i++ {
		length, err := randRange(f.cfg.Jmin, f.cfg.Jmax)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, length)
		if err := fillRandom(buf); err != nil {
			return nil, err
		}
		out = append(out, buf)
	}
	return out, nil
}

// SignatureDatagrams builds the pre-handshake signature datagrams.
func (f *Framer) SignatureDatagrams() [][]byte {
	chains := f.chains.Ordered()
	out := make([][]byte, 0, len(chains))
	for _, chain := range chains {
		buf := make([]byte, chain.ObfuscatedLen(0))
		chain.Obfuscate(buf, nil)
		out = append(out, buf)
	}
	return out
}

// PreambleDatagrams returns signature datagrams followed by junk, in the
// order they precede a handshake initiation.
func (f *Framer) PreambleDatagrams() ([][]byte, error) {
	junk, err := f.JunkDatagrams()
	if err != nil {
		return nil, err
	}
	return append(f.SignatureDatagrams(), junk...), nil
}

// SignatureChains returns configured signature chains in order.
func (f *Framer) SignatureChains() []*Chain {
	return f.chains.Ordered()
}

// SignatureLengths returns expected signature datagram lengths.
func (f *Framer) SignatureLengths() []int {
	chains := f.chains.Ordered()
	out := make([]int, 0, len(chains))
	for _, chain := range chains {
		out = append(out, chain.ObfuscatedLen(0))
	}
	return out
}

func (f *Framer) headerFor(msgType MessageType) *Header {
	switch msgType {
	case MessageInitiation:
		return f.headers.H1
	case MessageResponse:
		return f.headers.H2
	case MessageCookieReply:
		return f.headers.H3
	case MessageTransport:
		return f.headers.H4
	default:
		return nil
	}
}

func (f *Framer) paddingFor(msgType MessageType) int {
	switch msgType {
	case MessageInitiation:
		return f.cfg.S1
	case MessageResponse:
		return f.cfg.S2
	case MessageCookieReply:
		return f.cfg.S3
	case MessageTransport:
		return f.cfg.S4
	default:
		return 0
	}
}
