package noise

import (
	"encoding/binary"
	"errors"

	"github.com/bridgefall/tunnel/tai64n"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/poly1305"
)

const (
	Construction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	Identifier   = "WireGuard v1 zx2c4 Jason@zx2c4.com"
	LabelMAC1    = "mac1----"
	LabelCookie  = "cookie--"
)

// Message type discriminants. The type occupies one byte followed by three
// zero bytes, read as a little-endian uint32.
const (
	MessageInitiationType  = 1
	MessageResponseType    = 2
	MessageCookieReplyType = 3
	MessageTransportType   = 4
)

const (
	MessageInitiationSize      = 148
	MessageResponseSize        = 92
	MessageCookieReplySize     = 64
	MessageTransportHeaderSize = 16
	MessageTransportSize       = MessageTransportHeaderSize + poly1305.TagSize
	MessageKeepaliveSize       = MessageTransportSize
	MessageHandshakeSize       = MessageInitiationSize
)

const (
	MessageTransportOffsetReceiver = 4
	MessageTransportOffsetCounter  = 8
	MessageTransportOffsetContent  = 16
)

var errMessageLengthMismatch = errors.New("noise: message length mismatch")

type MessageInitiation struct {
	Type      uint32
	Sender    uint32
	Ephemeral PublicKey
	Static    [PublicKeySize + poly1305.TagSize]byte
	Timestamp [tai64n.TimestampSize + poly1305.TagSize]byte
	MAC1      [blake2s.Size128]byte
	MAC2      [blake2s.Size128]byte
}

type MessageResponse struct {
	Type      uint32
	Sender    uint32
	Receiver  uint32
	Ephemeral PublicKey
	Empty     [poly1305.TagSize]byte
	MAC1      [blake2s.Size128]byte
	MAC2      [blake2s.Size128]byte
}

type MessageCookieReply struct {
	Type     uint32
	Receiver uint32
	Nonce    [chacha20poly1305.NonceSizeX]byte
	Cookie   [blake2s.Size128 + poly1305.TagSize]byte
}

func (msg *MessageInitiation) Unmarshal(b []byte) error {
	if len(b) != MessageInitiationSize {
		return errMessageLengthMismatch
	}
	msg.Type = binary.LittleEndian.Uint32(b)
	msg.Sender = binary.LittleEndian.Uint32(b[4:])
	off := 8
	off += copy(msg.Ephemeral[:], b[off:])
	off += copy(msg.Static[:], b[off:])
	off += copy(msg.Timestamp[:], b[off:])
	off += copy(msg.MAC1[:], b[off:])
	copy(msg.MAC2[:], b[off:])
	return nil
}

func (msg *MessageInitiation) Marshal(b []byte) error {
	if len(b) != MessageInitiationSize {
		return errMessageLengthMismatch
	}
	binary.LittleEndian.PutUint32(b, msg.Type)
	binary.LittleEndian.PutUint32(b[4:], msg.Sender)
	off := 8
	off += copy(b[off:], msg.Ephemeral[:])
	off += copy(b[off:], msg.Static[:])
	off += copy(b[off:], msg.Timestamp[:])
	off += copy(b[off:], msg.MAC1[:])
	copy(b[off:], msg.MAC2[:])
	return nil
}

func (msg *MessageResponse) Unmarshal(b []byte) error {
	if len(b) != MessageResponseSize {
		return errMessageLengthMismatch
	}
	msg.Type = binary.LittleEndian.Uint32(b)
	msg.Sender = binary.LittleEndian.Uint32(b[4:])
	msg.Receiver = binary.LittleEndian.Uint32(b[8:])
	off := 12
	off += copy(msg.Ephemeral[:], b[off:])
	off += copy(msg.Empty[:], b[off:])
	off += copy(msg.MAC1[:], b[off:])
	copy(msg.MAC2[:], b[off:])
	return nil
}

func (msg *MessageResponse) Marshal(b []byte) error {
	if len(b) != MessageResponseSize {
		return errMessageLengthMismatch
	}
	binary.LittleEndian.PutUint32(b, msg.Type)
	binary.LittleEndian.PutUint32(b[4:], msg.Sender)
	binary.LittleEndian.PutUint32(b[8:], msg.Receiver)
	off := 12
	off += copy(b[off:], msg.Ephemeral[:])
	off += copy(b[off:], msg.Empty[:])
	off += copy(b[off:], msg.MAC1[:])
	copy(b[off:], msg.MAC2[:])
	return nil
}

func (msg *MessageCookieReply) Unmarshal(b []byte) error {
	if len(b) != MessageCookieReplySize {
		return errMessageLengthMismatch
	}
	msg.Type = binary.LittleEndian.Uint32(b)
	msg.Receiver = binary.LittleEndian.Uint32(b[4:])
	copy(msg.Nonce[:], b[8:])
	copy(msg.Cookie[:], b[8+len(msg.Nonce):])
	return nil
}

func (msg *MessageCookieReply) Marshal(b []byte) error {
	if len(b) != MessageCookieReplySize {
		return errMessageLengthMismatch
	}
	binary.LittleEndian.PutUint32(b, msg.Type)
	binary.LittleEndian.PutUint32(b[4:], msg.Receiver)
	copy(b[8:], msg.Nonce[:])
	copy(b[8+len(msg.Nonce):], msg.Cookie[:])
	return nil
}

// PutTransportHeader writes the 16-byte transport header into b.
func PutTransportHeader(b []byte, receiver uint32, counter uint64) {
	binary.LittleEndian.PutUint32(b, MessageTransportType)
	binary.LittleEndian.PutUint32(b[MessageTransportOffsetReceiver:], receiver)
	binary.LittleEndian.PutUint64(b[MessageTransportOffsetCounter:], counter)
}

// MessageType reads the little-endian type discriminant of a canonical
// message. It returns 0 for messages shorter than four bytes.
func MessageType(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}
