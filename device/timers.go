package device

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

// timer runs fn once after Mod's delay. Mod and Del invalidate any pending
// run, including one already fired but not yet started.
type timer struct {
	mu  sync.Mutex
	t   *time.Timer
	gen uint64
	fn  func()
}

func newTimer(fn func()) *timer {
	return &timer{fn: fn}
}

func (tm *timer) Mod(d time.Duration) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.t != nil {
		tm.t.Stop()
	}
	tm.gen++
	gen := tm.gen
	tm.t = time.AfterFunc(d, func() {
		tm.mu.Lock()
		if tm.gen != gen {
			tm.mu.Unlock()
			return
		}
		tm.t = nil
		tm.mu.Unlock()
		tm.fn()
	})
}

func (tm *timer) Del() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.t != nil {
		tm.t.Stop()
		tm.t = nil
	}
	tm.gen++
}

func (tm *timer) IsPending() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.t != nil
}

func (p *Peer) timersInit() {
	p.timers.retransmitHandshake = newTimer(p.expiredRetransmitHandshake)
	p.timers.sendKeepalive = newTimer(p.expiredSendKeepalive)
	p.timers.newHandshake = newTimer(p.expiredNewHandshake)
	p.timers.zeroKeyMaterial = newTimer(p.expiredZeroKeyMaterial)
	p.timers.persistentKeepalive = newTimer(p.expiredPersistentKeepalive)
}

func (p *Peer) timersStop() {
	p.timers.retransmitHandshake.Del()
	p.timers.sendKeepalive.Del()
	p.timers.newHandshake.Del()
	p.timers.zeroKeyMaterial.Del()
	p.timers.persistentKeepalive.Del()
}

func (p *Peer) jitter() time.Duration {
	limit := p.device.timers.HandshakeJitter
	if limit <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	return time.Duration(binary.LittleEndian.Uint64(b[:]) % uint64(limit))
}

func (p *Peer) expiredRetransmitHandshake() {
	if !p.isRunning() {
		return
	}
	d := p.device
	attempts := int(p.handshakeAttempts.Load())
	if attempts >= d.timers.MaxHandshakeAttempts {
		d.log.Info("handshake did not complete, giving up", "peer", p.String(), "attempts", attempts)
		p.unreachable.Store(true)
		p.stats.handshakeTimeouts.Inc()
		p.timers.sendKeepalive.Del()
		p.flushStaged(DropHandshakeTimeout)
		p.handshakeMu.Lock()
		if idx := p.handshake.Clear(); idx != 0 {
			d.indexTable.Delete(idx)
		}
		p.handshakeMu.Unlock()
		if !p.timers.zeroKeyMaterial.IsPending() {
			p.timers.zeroKeyMaterial.Mod(d.timers.RejectAfterTime * 3)
		}
		return
	}
	p.handshakeAttempts.Add(1)
	d.log.Debug("handshake did not complete, retrying", "peer", p.String(), "attempt", attempts+1)
	p.SendHandshakeInitiation(true)
}

func (p *Peer) expiredSendKeepalive() {
	if !p.isRunning() {
		return
	}
	p.SendKeepalive()
	if p.timers.needAnotherKeepalive.Swap(false) {
		p.timers.sendKeepalive.Mod(p.device.timers.KeepaliveTimeout)
	}
}

func (p *Peer) expiredNewHandshake() {
	if !p.isRunning() {
		return
	}
	p.device.log.Debug("no reply to sent data, starting new handshake", "peer", p.String())
	p.SendHandshakeInitiation(false)
}

func (p *Peer) expiredZeroKeyMaterial() {
	if !p.isRunning() {
		return
	}
	p.device.log.Debug("zeroing key material", "peer", p.String())
	p.zeroKeyMaterial()
}

func (p *Peer) expiredPersistentKeepalive() {
	if !p.isRunning() {
		return
	}
	if p.persistentKeepalive.Load() > 0 {
		p.SendKeepalive()
	}
}

// timersDataSent is called after a data packet (not a keepalive) is sent.
func (p *Peer) timersDataSent() {
	if !p.timers.newHandshake.IsPending() {
		t := p.device.timers
		p.timers.newHandshake.Mod(t.KeepaliveTimeout + t.RekeyTimeout + p.jitter())
	}
}

// timersDataReceived is called after a data packet (not a keepalive) is
// received.
func (p *Peer) timersDataReceived() {
	if !p.timers.sendKeepalive.IsPending() {
		p.timers.sendKeepalive.Mod(p.device.timers.KeepaliveTimeout)
	} else {
		p.timers.needAnotherKeepalive.Store(true)
	}
}

func (p *Peer) timersAnyAuthenticatedPacketSent() {
	p.timers.sendKeepalive.Del()
}

func (p *Peer) timersAnyAuthenticatedPacketReceived() {
	p.timers.newHandshake.Del()
}

func (p *Peer) timersAnyAuthenticatedPacketTraversal() {
	if keepalive := time.Duration(p.persistentKeepalive.Load()); keepalive > 0 {
		p.timers.persistentKeepalive.Mod(keepalive)
	}
}

// timersHandshakeInitiated arms the retransmit for the initiation just sent.
func (p *Peer) timersHandshakeInitiated() {
	attempts := int(p.handshakeAttempts.Load())
	p.timers.retransmitHandshake.Mod(p.device.timers.backoff(attempts) + p.jitter())
}

func (p *Peer) timersHandshakeComplete() {
	d := p.device
	p.timers.retransmitHandshake.Del()
	p.handshakeAttempts.Store(0)
	p.unreachable.Store(false)
	p.timers.sentLastMinuteHandshake.Store(false)
	p.stats.lastHandshake.Store(d.now())
	p.stats.handshakesCompleted.Inc()
	d.metrics.HandshakesCompleted.Inc()
}

// timersSessionDerived schedules wiping of the keys if no new session
// replaces them.
func (p *Peer) timersSessionDerived() {
	p.timers.zeroKeyMaterial.Mod(p.device.timers.RejectAfterTime * 3)
}
