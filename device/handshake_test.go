package device

import (
	"net/netip"
	"testing"
	"time"

	"github.com/bridgefall/tunnel/conn"
	"github.com/bridgefall/tunnel/cookie"
	"github.com/bridgefall/tunnel/noise"
	"github.com/bridgefall/tunnel/obf"
	"github.com/bridgefall/tunnel/tun"
)

// remoteInitiator drives the initiator half of a handshake by hand.
type remoteInitiator struct {
	id  *noise.StaticIdentity
	hs  *noise.Handshake
	gen *cookie.Generator
}

func newRemoteInitiator(t *testing.T, responder *testNode) *remoteInitiator {
	t.Helper()
	key, err := noise.NewPrivateKey()
	if err != nil {
		t.Fatalf("private key: %v", err)
	}
	id, err := noise.NewStaticIdentity(key)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	hs, err := noise.NewHandshake(id, responder.publicKey(), noise.PresharedKey{})
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	err = responder.dev.AddPeer(PeerConfig{
		PublicKey:  id.PublicKey(),
		AllowedIPs: []netip.Prefix{netip.MustParsePrefix(innerA + "/32")},
	})
	if err != nil {
		t.Fatalf("add peer: %v", err)
	}
	return &remoteInitiator{id: id, hs: hs, gen: cookie.NewGenerator(responder.publicKey(), 0, nil)}
}

func (r *remoteInitiator) initiation(t *testing.T, src netip.AddrPort) QueueHandshakeElement {
	t.Helper()
	msg, err := r.hs.CreateInitiation(r.id, func(uint32) (uint32, error) { return 7, nil })
	if err != nil {
		t.Fatalf("create initiation: %v", err)
	}
	buf := make([]byte, noise.MessageInitiationSize)
	if err := msg.Marshal(buf); err != nil {
		t.Fatalf("marshal initiation: %v", err)
	}
	if err := r.gen.AddMacs(buf); err != nil {
		t.Fatalf("add macs: %v", err)
	}
	return QueueHandshakeElement{msgType: obf.MessageInitiation, packet: buf, endpoint: src}
}

// takeCookie feeds the cookie reply sent to src into the generator.
func (r *remoteInitiator) takeCookie(t *testing.T, wire *wireLog, src netip.AddrPort) {
	t.Helper()
	replies := wire.filter(func(e wireEntry) bool {
		return e.to == src && e.msgType == obf.MessageCookieReply
	})
	if len(replies) == 0 {
		t.Fatalf("no cookie reply sent to %s", src)
	}
	_, msg, err := wire.framer.Unwrap(replies[len(replies)-1].raw)
	if err != nil {
		t.Fatalf("unwrap cookie reply: %v", err)
	}
	var reply noise.MessageCookieReply
	if err := reply.Unmarshal(msg); err != nil {
		t.Fatalf("unmarshal cookie reply: %v", err)
	}
	if !r.gen.ConsumeReply(&reply) {
		t.Fatalf("cookie reply did not authenticate")
	}
}

func frozenClock() func() time.Time {
	now := time.Unix(1_700_000_000, 0)
	return func() time.Time { return now }
}

func TestCookieRequiredBeforeDiffieHellmanUnderLoad(t *testing.T) {
	network := conn.NewNetwork()
	wire := newWireLog(t, network, obf.Config{})
	b := newTestNode(t, network, "10.0.0.2", func(cfg *Config) {
		cfg.Params.EnableAdvancedSecurity = true
	})
	remote := newRemoteInitiator(t, b)
	src := netip.MustParseAddrPort("10.0.0.9:5555")

	if !b.dev.IsUnderLoad() {
		t.Fatalf("advanced security should keep the device under load")
	}
	if got := b.dev.handleHandshake(remote.initiation(t, src)); got != DropCookieChallenged {
		t.Fatalf("first initiation: got %q want %q", got, DropCookieChallenged)
	}
	m := b.dev.Metrics()
	if got := m.InitiationsProcessed.Load(); got != 0 {
		t.Fatalf("initiation reached key agreement without a cookie")
	}
	if got := m.CookieRepliesSent.Load(); got != 1 {
		t.Fatalf("cookie replies: got %d want 1", got)
	}

	remote.takeCookie(t, wire, src)
	if got := b.dev.handleHandshake(remote.initiation(t, src)); got != "" {
		t.Fatalf("initiation with cookie dropped: %q", got)
	}
	if got := m.InitiationsProcessed.Load(); got != 1 {
		t.Fatalf("initiations processed: got %d want 1", got)
	}
	responses := wire.filter(func(e wireEntry) bool {
		return e.to == src && e.msgType == obf.MessageResponse
	})
	if len(responses) != 1 {
		t.Fatalf("responses sent: got %d want 1", len(responses))
	}
	peer := b.dev.LookupPeer(remote.id.PublicKey())
	if peer.keypairs.Next() == nil || peer.keypairs.Current() != nil {
		t.Fatalf("responder session should wait for confirmation")
	}
	if peer.Endpoint() != src {
		t.Fatalf("endpoint: got %s want %s", peer.Endpoint(), src)
	}
}

func TestCookieFromOtherSourceRejected(t *testing.T) {
	network := conn.NewNetwork()
	wire := newWireLog(t, network, obf.Config{})
	b := newTestNode(t, network, "10.0.0.2", func(cfg *Config) {
		cfg.Params.EnableAdvancedSecurity = true
	})
	remote := newRemoteInitiator(t, b)
	src := netip.MustParseAddrPort("10.0.0.9:5555")

	b.dev.handleHandshake(remote.initiation(t, src))
	remote.takeCookie(t, wire, src)

	moved := netip.MustParseAddrPort("10.0.0.9:6666")
	if got := b.dev.handleHandshake(remote.initiation(t, moved)); got != DropCookieChallenged {
		t.Fatalf("cookie bound to another port: got %q want %q", got, DropCookieChallenged)
	}
	if got := b.dev.Metrics().InitiationsProcessed.Load(); got != 0 {
		t.Fatalf("initiations processed: got %d want 0", got)
	}
}

func TestRateLimitBeforeDiffieHellman(t *testing.T) {
	network := conn.NewNetwork()
	wire := newWireLog(t, network, obf.Config{})
	b := newTestNode(t, network, "10.0.0.2", func(cfg *Config) {
		cfg.Params.EnableAdvancedSecurity = true
		cfg.Now = frozenClock()
	})
	remote := newRemoteInitiator(t, b)
	src := netip.MustParseAddrPort("10.0.0.9:5555")

	b.dev.handleHandshake(remote.initiation(t, src))
	remote.takeCookie(t, wire, src)

	// The clock never advances, so the bucket only holds its burst.
	const sent = 8
	for i := 0; i < sent; i++ {
		b.dev.handleHandshake(remote.initiation(t, src))
	}
	m := b.dev.Metrics()
	if got := m.InitiationsProcessed.Load(); got != 4 {
		t.Fatalf("initiations processed: got %d want 4", got)
	}
	if got := m.Drops.RateLimited.Load(); got < sent-4 {
		t.Fatalf("rate limited drops: got %d want at least %d", got, sent-4)
	}
}

func TestInvalidMAC1DroppedFirst(t *testing.T) {
	network := conn.NewNetwork()
	b := newTestNode(t, network, "10.0.0.2", nil)
	remote := newRemoteInitiator(t, b)

	elem := remote.initiation(t, netip.MustParseAddrPort("10.0.0.9:5555"))
	elem.packet[noise.MessageInitiationSize-32] ^= 0x01
	if got := b.dev.handleHandshake(elem); got != DropCryptoVerificationFailed {
		t.Fatalf("bad mac1: got %q want %q", got, DropCryptoVerificationFailed)
	}
	if got := b.dev.Metrics().InitiationsProcessed.Load(); got != 0 {
		t.Fatalf("initiations processed: got %d want 0", got)
	}
}

func TestInitiationFromUnknownPeer(t *testing.T) {
	network := conn.NewNetwork()
	b := newTestNode(t, network, "10.0.0.2", nil)
	remote := newRemoteInitiator(t, b)
	if err := b.dev.RemovePeer(remote.id.PublicKey()); err != nil {
		t.Fatalf("remove peer: %v", err)
	}

	got := b.dev.handleHandshake(remote.initiation(t, netip.MustParseAddrPort("10.0.0.9:5555")))
	if got != DropCryptoVerificationFailed {
		t.Fatalf("unknown peer: got %q want %q", got, DropCryptoVerificationFailed)
	}
}

func TestUnderLoadIsSticky(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cfg := testConfig(t)
	cfg.Now = func() time.Time { return now }
	network := conn.NewNetwork()
	if _, err := NewDevice(cfg, nil, nil); err == nil {
		t.Fatalf("device without tun or bind should fail")
	}
	dev, err := NewDevice(cfg, tun.NewChannelTUN(0), network.NewBind(netip.MustParseAddr("10.0.0.1")))
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	defer dev.Close()

	if dev.IsUnderLoad() {
		t.Fatalf("idle device under load")
	}
	for i := 0; i < UnderLoadQueueSize; i++ {
		dev.queue.handshake <- QueueHandshakeElement{}
	}
	if !dev.IsUnderLoad() {
		t.Fatalf("full handshake queue not under load")
	}
	for len(dev.queue.handshake) > 0 {
		<-dev.queue.handshake
	}
	now = now.Add(UnderLoadAfterTime / 2)
	if !dev.IsUnderLoad() {
		t.Fatalf("under load state should persist after the queue drains")
	}
	now = now.Add(UnderLoadAfterTime)
	if dev.IsUnderLoad() {
		t.Fatalf("under load state should expire")
	}
}
