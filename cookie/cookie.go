// Package cookie implements the MAC1/MAC2 handshake authenticators and the
// encrypted cookie reply used to push back on initiators while the
// responder is under load.
package cookie

import (
	"crypto/hmac"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/bridgefall/tunnel/noise"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

// DefaultRefreshTime is how long a cookie secret stays valid.
const DefaultRefreshTime = 2 * time.Minute

var ErrShortMessage = errors.New("cookie: message too short for macs")

// Checker validates MACs on incoming handshake messages and issues cookie
// replies. The secret is rotated by Rotate or lazily when it expires.
type Checker struct {
	mu      sync.RWMutex
	refresh time.Duration
	now     func() time.Time

	mac1 struct {
		key [blake2s.Size]byte
	}
	mac2 struct {
		secret        [blake2s.Size]byte
		secretSet     time.Time
		encryptionKey [chacha20poly1305.KeySize]byte
	}
}

// NewChecker returns a checker for messages addressed to pk. A zero refresh
// selects DefaultRefreshTime; a nil clock selects time.Now.
func NewChecker(pk noise.PublicKey, refresh time.Duration, now func() time.Time) *Checker {
	if refresh <= 0 {
		refresh = DefaultRefreshTime
	}
	if now == nil {
		now = time.Now
	}
	c := &Checker{refresh: refresh, now: now}
	c.mac1.key, _ = DeriveMac1Key(pk)
	c.mac2.encryptionKey = labeledHash(noise.LabelCookie, pk)
	return c
}

// RefreshTime returns the secret lifetime.
func (c *Checker) RefreshTime() time.Duration {
	return c.refresh
}

// CheckMAC1 verifies the MAC1 field of msg.
func (c *Checker) CheckMAC1(msg []byte) bool {
	smac1, smac2, ok := macOffsets(msg)
	if !ok {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	mac1, _ := ComputeMac1(c.mac1.key, msg[:smac1])
	return VerifyMac1(mac1, msg[smac1:smac2])
}

// CheckMAC2 verifies the MAC2 field of msg against the cookie bound to src.
func (c *Checker) CheckMAC2(msg, src []byte) bool {
	_, smac2, ok := macOffsets(msg)
	if !ok {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.mac2.secretSet.IsZero() || c.now().Sub(c.mac2.secretSet) > c.refresh {
		return false
	}

	var cookie [blake2s.Size128]byte
	mac, _ := blake2s.New128(c.mac2.secret[:])
	mac.Write(src)
	mac.Sum(cookie[:0])

	var mac2 [blake2s.Size128]byte
	mac, _ = blake2s.New128(cookie[:])
	mac.Write(msg[:smac2])
	mac.Sum(mac2[:0])

	return hmac.Equal(mac2[:], msg[smac2:])
}

// Rotate replaces the cookie secret. Cookies issued under the old secret
// stop validating.
func (c *Checker) Rotate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rotateLocked()
}

func (c *Checker) rotateLocked() error {
	if _, err := rand.Read(c.mac2.secret[:]); err != nil {
		return err
	}
	c.mac2.secretSet = c.now()
	return nil
}

// CreateReply builds a cookie reply for the handshake message msg sent by
// the peer with index recv from address src.
func (c *Checker) CreateReply(msg []byte, recv uint32, src []byte) (*noise.MessageCookieReply, error) {
	smac1, smac2, ok := macOffsets(msg)
	if !ok {
		return nil, ErrShortMessage
	}

	c.mu.RLock()
	if c.mac2.secretSet.IsZero() || c.now().Sub(c.mac2.secretSet) > c.refresh {
		c.mu.RUnlock()
		c.mu.Lock()
		if c.mac2.secretSet.IsZero() || c.now().Sub(c.mac2.secretSet) > c.refresh {
			if err := c.rotateLocked(); err != nil {
				c.mu.Unlock()
				return nil, err
			}
		}
		c.mu.Unlock()
		c.mu.RLock()
	}
	defer c.mu.RUnlock()

	var cookie [blake2s.Size128]byte
	mac, _ := blake2s.New128(c.mac2.secret[:])
	mac.Write(src)
	mac.Sum(cookie[:0])

	reply := &noise.MessageCookieReply{
		Type:     noise.MessageCookieReplyType,
		Receiver: recv,
	}
	if _, err := rand.Read(reply.Nonce[:]); err != nil {
		return nil, err
	}

	xchapoly, _ := chacha20poly1305.NewX(c.mac2.encryptionKey[:])
	xchapoly.Seal(reply.Cookie[:0], reply.Nonce[:], cookie[:], msg[smac1:smac2])
	return reply, nil
}

// Generator adds MACs to outgoing handshake messages toward one peer and
// remembers the last cookie that peer handed us.
type Generator struct {
	mu      sync.Mutex
	refresh time.Duration
	now     func() time.Time

	mac1 struct {
		key [blake2s.Size]byte
	}
	mac2 struct {
		cookie        [blake2s.Size128]byte
		cookieSet     time.Time
		hasLastMAC1   bool
		lastMAC1      [blake2s.Size128]byte
		encryptionKey [chacha20poly1305.KeySize]byte
	}
}

// NewGenerator returns a generator for messages sent to pk.
func NewGenerator(pk noise.PublicKey, refresh time.Duration, now func() time.Time) *Generator {
	if refresh <= 0 {
		refresh = DefaultRefreshTime
	}
	if now == nil {
		now = time.Now
	}
	g := &Generator{refresh: refresh, now: now}
	g.mac1.key, _ = DeriveMac1Key(pk)
	g.mac2.encryptionKey = labeledHash(noise.LabelCookie, pk)
	return g
}

// ConsumeReply decrypts a cookie reply answering the last message we sent.
func (g *Generator) ConsumeReply(msg *noise.MessageCookieReply) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.mac2.hasLastMAC1 {
		return false
	}

	var cookie [blake2s.Size128]byte
	xchapoly, _ := chacha20poly1305.NewX(g.mac2.encryptionKey[:])
	if _, err := xchapoly.Open(cookie[:0], msg.Nonce[:], msg.Cookie[:], g.mac2.lastMAC1[:]); err != nil {
		return false
	}

	g.mac2.cookieSet = g.now()
	g.mac2.cookie = cookie
	return true
}

// AddMacs fills the MAC1 field of msg, and MAC2 when a fresh cookie is held.
func (g *Generator) AddMacs(msg []byte) error {
	smac1, smac2, ok := macOffsets(msg)
	if !ok {
		return ErrShortMessage
	}
	mac1 := msg[smac1:smac2]
	mac2 := msg[smac2:]

	g.mu.Lock()
	defer g.mu.Unlock()

	sum, _ := ComputeMac1(g.mac1.key, msg[:smac1])
	copy(mac1, sum[:])
	g.mac2.lastMAC1 = sum
	g.mac2.hasLastMAC1 = true

	if g.mac2.cookieSet.IsZero() || g.now().Sub(g.mac2.cookieSet) > g.refresh {
		return nil
	}

	mac, _ := blake2s.New128(g.mac2.cookie[:])
	mac.Write(msg[:smac2])
	mac.Sum(mac2[:0])
	return nil
}
