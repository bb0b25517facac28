package device

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bridgefall/tunnel/cookie"
	"github.com/bridgefall/tunnel/noise"
)

// PeerConfig describes a peer to add.
type PeerConfig struct {
	PublicKey           noise.PublicKey
	PresharedKey        noise.PresharedKey
	Endpoint            netip.AddrPort
	AllowedIPs          []netip.Prefix
	PersistentKeepalive time.Duration
}

// Peer is a remote endpoint the device shares sessions with.
type Peer struct {
	device    *Device
	publicKey noise.PublicKey

	// handshakeMu serializes creation and consumption of handshake
	// messages so that derived keys belong to the exchange that made them.
	handshakeMu       sync.Mutex
	handshake         *noise.Handshake
	lastSentHandshake time.Time
	cookieGen         *cookie.Generator
	keypairs          Keypairs

	endpointMu sync.RWMutex
	endpoint   netip.AddrPort

	persistentKeepalive atomic.Int64
	handshakeAttempts   atomic.Int32
	unreachable         atomic.Bool
	stats               peerCounters

	timers struct {
		retransmitHandshake     *timer
		sendKeepalive           *timer
		newHandshake            *timer
		zeroKeyMaterial         *timer
		persistentKeepalive     *timer
		sentLastMinuteHandshake atomic.Bool
		needAnotherKeepalive    atomic.Bool
	}

	queue struct {
		staged   chan *QueueOutboundElement
		outbound chan *QueueOutboundElement
		inbound  chan *QueueInboundElement
	}
	// sendMu keeps nonce assignment and outbound queueing in one order.
	sendMu sync.Mutex

	stateMu  sync.Mutex
	running  atomic.Bool
	stop     chan struct{}
	stopping sync.WaitGroup
}

func (d *Device) newPeer(cfg PeerConfig) (*Peer, error) {
	hs, err := noise.NewHandshake(d.identity, cfg.PublicKey, cfg.PresharedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	hs.SetClock(d.now)

	p := &Peer{
		device:    d,
		publicKey: cfg.PublicKey,
		handshake: hs,
		cookieGen: cookie.NewGenerator(cfg.PublicKey, d.timers.CookieRefreshTime, d.now),
		endpoint:  cfg.Endpoint,
	}
	p.persistentKeepalive.Store(int64(cfg.PersistentKeepalive))
	p.queue.staged = make(chan *QueueOutboundElement, QueueStagedSize)
	p.queue.outbound = make(chan *QueueOutboundElement, QueueOutboundSize)
	p.queue.inbound = make(chan *QueueInboundElement, QueueInboundSize)
	p.timersInit()
	return p, nil
}

func (p *Peer) PublicKey() noise.PublicKey {
	return p.publicKey
}

func (p *Peer) String() string {
	return "peer(" + p.publicKey.Short() + ")"
}

func (p *Peer) isRunning() bool {
	return p.running.Load()
}

// Start launches the peer's sequential routines.
func (p *Peer) Start() {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.running.Load() {
		return
	}

	p.stop = make(chan struct{})
	p.stopping.Add(2)
	go p.routineSequentialSender(p.stop)
	go p.routineSequentialReceiver(p.stop)
	p.running.Store(true)

	p.device.log.Debug("peer started", "peer", p.String())
	if p.persistentKeepalive.Load() > 0 && p.Endpoint().IsValid() {
		p.SendKeepalive()
	}
}

// Stop halts the peer's routines, waits for them to exit and wipes its
// key material.
func (p *Peer) Stop() {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if !p.running.Swap(false) {
		return
	}

	p.timersStop()
	close(p.stop)
	p.stopping.Wait()
	p.flushStaged("")
	p.zeroKeyMaterial()
	p.handshake.ClearSecrets()
	p.device.log.Debug("peer stopped", "peer", p.String())
}

func (p *Peer) Endpoint() netip.AddrPort {
	p.endpointMu.RLock()
	defer p.endpointMu.RUnlock()
	return p.endpoint
}

func (p *Peer) SetEndpoint(ep netip.AddrPort) {
	p.endpointMu.Lock()
	p.endpoint = ep
	p.endpointMu.Unlock()
}

// setEndpointFromPacket follows a peer that roams to a new address.
func (p *Peer) setEndpointFromPacket(ep netip.AddrPort) {
	if !ep.IsValid() {
		return
	}
	p.endpointMu.Lock()
	if p.endpoint != ep {
		p.endpoint = ep
	}
	p.endpointMu.Unlock()
}

// beginSession installs keys derived from a completed handshake.
func (p *Peer) beginSession(keys *noise.SessionKeys) error {
	d := p.device
	kp, err := newKeypair(keys, d.now())
	keys.Zero()
	if err != nil {
		return err
	}
	d.indexTable.SwapIndexForKeypair(kp.localIndex, kp)
	for _, old := range p.keypairs.install(kp) {
		d.indexTable.Delete(old.localIndex)
	}
	p.timersSessionDerived()
	return nil
}

// confirmSession promotes a pending responder session on first use.
func (p *Peer) confirmSession(kp *Keypair) bool {
	retired, ok := p.keypairs.confirm(kp)
	if !ok {
		return false
	}
	if retired != nil {
		p.device.indexTable.Delete(retired.localIndex)
	}
	return true
}

func (p *Peer) zeroKeyMaterial() {
	d := p.device
	for _, kp := range p.keypairs.clear() {
		d.indexTable.Delete(kp.localIndex)
	}
	p.handshakeMu.Lock()
	if idx := p.handshake.Clear(); idx != 0 {
		d.indexTable.Delete(idx)
	}
	p.handshakeMu.Unlock()
}

// flushStaged discards queued plaintext, counting it under reason when set.
func (p *Peer) flushStaged(reason DropReason) {
	for {
		select {
		case <-p.queue.staged:
			if reason != "" {
				p.device.drop(p, reason, p.Endpoint(), "staged packet flushed")
			}
		default:
			return
		}
	}
}

// Stats returns a snapshot of the peer.
func (p *Peer) Stats() PeerStats {
	d := p.device
	return PeerStats{
		PublicKey:           p.publicKey,
		Endpoint:            p.Endpoint(),
		AllowedIPs:          d.allowedIPs.EntriesForPeer(p),
		PersistentKeepalive: time.Duration(p.persistentKeepalive.Load()),
		LastHandshake:       p.stats.lastHandshake.Load(),
		HandshakeState:      p.handshake.State().String(),
		HasSession:          p.keypairs.Current().usable(d.now(), d.timers.RejectAfterTime),
		Unreachable:         p.unreachable.Load(),
		TxBytes:             p.stats.txBytes.Load(),
		RxBytes:             p.stats.rxBytes.Load(),
		TxPackets:           p.stats.txPackets.Load(),
		RxPackets:           p.stats.rxPackets.Load(),
		HandshakesInitiated: p.stats.handshakesInitiated.Load(),
		HandshakesCompleted: p.stats.handshakesCompleted.Load(),
		HandshakeTimeouts:   p.stats.handshakeTimeouts.Load(),
		Drops:               p.stats.drops.Snapshot(),
	}
}
