// Package device is the tunnel core: peers, the handshake workers, the
// ordered parallel packet pipeline and the obfuscated wire boundary.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bridgefall/tunnel/allowedips"
	"github.com/bridgefall/tunnel/commons/metrics"
	"github.com/bridgefall/tunnel/conn"
	"github.com/bridgefall/tunnel/cookie"
	"github.com/bridgefall/tunnel/noise"
	"github.com/bridgefall/tunnel/obf"
	"github.com/bridgefall/tunnel/ratelimiter"
	"github.com/bridgefall/tunnel/tun"
	"golang.org/x/time/rate"
)

// Device is one tunnel interface.
type Device struct {
	log    *slog.Logger
	now    func() time.Time
	params Params
	timers Timers

	identity      *noise.StaticIdentity
	framer        *obf.Framer
	decoys        *obf.DecoySet
	cookieChecker *cookie.Checker
	rate          *ratelimiter.Ratelimiter
	allowedIPs    *allowedips.Table[*Peer]
	indexTable    *IndexTable

	metrics      Metrics
	logLimiter   *logLimiter
	handshakeRTT *metrics.LatencySampler

	peers struct {
		sync.RWMutex
		keyMap map[noise.PublicKey]*Peer
	}

	tun        tun.Device
	bind       conn.Bind
	listenPort uint16
	port       atomic.Uint32
	workers    int

	queue struct {
		encryption chan *QueueOutboundElement
		decryption chan *QueueInboundElement
		handshake  chan QueueHandshakeElement
	}
	underLoadUntil metrics.Timestamp

	decoyInterval time.Duration
	decoyLimiter  *rate.Limiter
	decoyNext     int

	state struct {
		sync.Mutex
		up     atomic.Bool
		closed atomic.Bool
	}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDevice builds a device around the given TUN and bind. Nothing runs
// until Up.
func NewDevice(cfg Config, tunDev tun.Device, bind conn.Bind) (*Device, error) {
	if tunDev == nil || bind == nil {
		return nil, fmt.Errorf("device: tun and bind are required")
	}
	if cfg.PrivateKey.IsZero() {
		return nil, fmt.Errorf("%w: private key is required", ErrInvalidKey)
	}
	identity, err := noise.NewStaticIdentity(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	framer, err := obf.NewFramer(cfg.Obfuscation)
	if err != nil {
		return nil, fmt.Errorf("obfuscation config: %w", err)
	}
	prefix4, prefix6, err := cfg.Params.DecoyPrefixes()
	if err != nil {
		return nil, err
	}
	decoys, err := obf.NewDecoySet(cfg.Params.BogusEndpoints, prefix4, prefix6)
	if err != nil {
		return nil, fmt.Errorf("bogus endpoints: %w", err)
	}

	d := &Device{
		log:           cfg.Logger,
		now:           cfg.Now,
		params:        cfg.Params,
		timers:        cfg.Timers.withDefaults(),
		identity:      identity,
		framer:        framer,
		decoys:        decoys,
		allowedIPs:    allowedips.New[*Peer](),
		indexTable:    newIndexTable(),
		logLimiter:    newLogLimiter(defaultLogInterval),
		handshakeRTT:  metrics.NewLatencySampler(256),
		tun:           tunDev,
		bind:          bind,
		listenPort:    cfg.ListenPort,
		workers:       cfg.Workers,
		decoyInterval: cfg.DecoyInterval,
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.workers <= 0 {
		d.workers = runtime.NumCPU()
	}
	if d.decoyInterval <= 0 {
		d.decoyInterval = DecoyInterval
	}
	d.decoyLimiter = rate.NewLimiter(rate.Every(d.decoyInterval), 1)
	d.cookieChecker = cookie.NewChecker(identity.PublicKey(), d.timers.CookieRefreshTime, d.now)
	d.rate = ratelimiter.New(ratelimiter.Config{Now: d.now})
	d.peers.keyMap = make(map[noise.PublicKey]*Peer)
	d.queue.encryption = make(chan *QueueOutboundElement, QueueOutboundSize)
	d.queue.decryption = make(chan *QueueInboundElement, QueueInboundSize)
	d.queue.handshake = make(chan QueueHandshakeElement, QueueHandshakeSize)
	d.ctx, d.cancel = context.WithCancel(context.Background())

	d.log.Info("device created",
		"public_key", identity.PublicKey().Short(),
		"obfuscation", cfg.Obfuscation.Enabled(),
		"decoys", decoys.Len(),
		"advanced_security", d.params.EnableAdvancedSecurity,
	)
	return d, nil
}

// Up opens the bind, starts the workers and every configured peer.
func (d *Device) Up() error {
	d.state.Lock()
	defer d.state.Unlock()
	if d.state.closed.Load() {
		return ErrDeviceClosed
	}
	if d.state.up.Load() {
		return ErrDeviceUp
	}

	fns, port, err := d.bind.Open(d.listenPort)
	if err != nil {
		return fmt.Errorf("open bind: %w", err)
	}
	d.port.Store(uint32(port))

	for i := 0; i < d.workers; i++ {
		d.wg.Add(3)
		go d.routineEncryption()
		go d.routineDecryption()
		go d.routineHandshake()
	}
	for _, fn := range fns {
		d.wg.Add(1)
		go d.routineReceiveIncoming(fn)
	}
	d.wg.Add(2)
	go d.routineReadFromTUN()
	go d.routineHousekeeping()
	d.state.up.Store(true)

	d.peers.RLock()
	for _, p := range d.peers.keyMap {
		p.Start()
	}
	d.peers.RUnlock()

	d.log.Info("device up", "port", port, "workers", d.workers)
	return nil
}

// Close stops every peer and routine and wipes key material. It is safe to
// call more than once.
func (d *Device) Close() error {
	d.state.Lock()
	defer d.state.Unlock()
	if d.state.closed.Swap(true) {
		return nil
	}

	// Inputs first, then peers while the workers still drain, then workers.
	bindErr := d.bind.Close()
	tunErr := d.tun.Close()

	d.peers.Lock()
	for key, p := range d.peers.keyMap {
		p.Stop()
		p.zeroKeyMaterial()
		p.handshake.ClearSecrets()
		d.allowedIPs.RemoveByPeer(p)
		delete(d.peers.keyMap, key)
	}
	d.metrics.Peers.Set(0)
	d.peers.Unlock()

	d.cancel()
	d.wg.Wait()
	d.rate.Close()
	d.state.up.Store(false)

	d.log.Info("device closed")
	if bindErr != nil {
		return bindErr
	}
	return tunErr
}

func (d *Device) isClosed() bool {
	return d.state.closed.Load()
}

func (d *Device) isUp() bool {
	return d.state.up.Load() && !d.state.closed.Load()
}

// PublicKey returns the device's static public key.
func (d *Device) PublicKey() noise.PublicKey {
	return d.identity.PublicKey()
}

// Port returns the bound UDP port once the device is up.
func (d *Device) Port() uint16 {
	return uint16(d.port.Load())
}

func (d *Device) Params() Params {
	return d.params
}

func (d *Device) Metrics() *Metrics {
	return &d.metrics
}

// HandshakeRTT returns quantiles of recent initiation-to-response times.
func (d *Device) HandshakeRTT(qs ...float64) []time.Duration {
	return d.handshakeRTT.Quantiles(qs...)
}

// Decoys returns the bogus endpoints receiving decoy traffic.
func (d *Device) Decoys() []netip.AddrPort {
	return d.decoys.Endpoints()
}

// IsUnderLoad reports whether handshakes currently require cookies. Once
// the handshake queue passes its threshold the state sticks for
// UnderLoadAfterTime.
func (d *Device) IsUnderLoad() bool {
	if d.params.EnableAdvancedSecurity {
		return true
	}
	now := d.now()
	if len(d.queue.handshake) >= UnderLoadQueueSize {
		d.underLoadUntil.Store(now.Add(UnderLoadAfterTime))
		return true
	}
	return now.Before(d.underLoadUntil.Load())
}

// LookupPeer returns the peer with public key pk, or nil.
func (d *Device) LookupPeer(pk noise.PublicKey) *Peer {
	d.peers.RLock()
	defer d.peers.RUnlock()
	return d.peers.keyMap[pk]
}

func (d *Device) sortedPeers() []*Peer {
	d.peers.RLock()
	out := make([]*Peer, 0, len(d.peers.keyMap))
	for _, p := range d.peers.keyMap {
		out = append(out, p)
	}
	d.peers.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].publicKey.String() < out[j].publicKey.String()
	})
	return out
}

// drop counts a silently discarded packet against the device and, when
// known, the peer, and logs it at a limited rate. It returns reason.
func (d *Device) drop(p *Peer, reason DropReason, ep netip.AddrPort, msg string) DropReason {
	d.metrics.Drops.For(reason).Inc()
	if p != nil {
		p.stats.drops.For(reason).Inc()
	}
	if !d.logLimiter.Allow(string(reason), d.now()) {
		return reason
	}
	attrs := []any{"reason", reason, "msg", msg}
	if ep.IsValid() {
		attrs = append(attrs, "addr", ep.String())
	}
	if p != nil {
		attrs = append(attrs, "peer", p.String())
	}
	switch reason {
	case DropCryptoVerificationFailed, DropReplayRejected, DropRoutingViolation:
		d.log.Warn("packet drop", attrs...)
	default:
		d.log.Debug("packet drop", attrs...)
	}
	return reason
}

// routineHousekeeping rotates the cookie secret and paces decoy traffic.
func (d *Device) routineHousekeeping() {
	defer d.wg.Done()

	interval := min(d.decoyInterval, d.timers.CookieRefreshTime)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastRotation := d.now()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			now := d.now()
			if now.Sub(lastRotation) >= d.timers.CookieRefreshTime {
				if err := d.cookieChecker.Rotate(); err != nil {
					d.log.Error("failed to rotate cookie secret", "err", err)
				} else {
					d.metrics.CookieRotations.Inc()
					lastRotation = now
				}
			}
			d.sendDecoyTraffic(now)
		}
	}
}
