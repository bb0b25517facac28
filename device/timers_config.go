package device

import "time"

// Timers holds the tunable protocol timing. Zero fields take the package
// defaults.
type Timers struct {
	RekeyAfterTime       time.Duration
	RejectAfterTime      time.Duration
	RekeyTimeout         time.Duration
	KeepaliveTimeout     time.Duration
	MaxHandshakeBackoff  time.Duration
	HandshakeJitter      time.Duration
	MaxHandshakeAttempts int
	CookieRefreshTime    time.Duration
	ReorderTimeout       time.Duration
	RekeyAfterMessages   uint64
}

// DefaultTimers returns the standard WireGuard timing.
func DefaultTimers() Timers {
	return Timers{
		RekeyAfterTime:       RekeyAfterTime,
		RejectAfterTime:      RejectAfterTime,
		RekeyTimeout:         RekeyTimeout,
		KeepaliveTimeout:     KeepaliveTimeout,
		MaxHandshakeBackoff:  MaxHandshakeBackoff,
		HandshakeJitter:      RekeyTimeoutJitterMaxMs * time.Millisecond,
		MaxHandshakeAttempts: MaxHandshakeAttempts,
		CookieRefreshTime:    CookieRefreshTime,
		ReorderTimeout:       ReorderTimeout,
		RekeyAfterMessages:   RekeyAfterMessages,
	}
}

func (t Timers) withDefaults() Timers {
	def := DefaultTimers()
	if t.RekeyAfterTime <= 0 {
		t.RekeyAfterTime = def.RekeyAfterTime
	}
	if t.RejectAfterTime <= 0 {
		t.RejectAfterTime = def.RejectAfterTime
	}
	if t.RekeyTimeout <= 0 {
		t.RekeyTimeout = def.RekeyTimeout
	}
	if t.KeepaliveTimeout <= 0 {
		t.KeepaliveTimeout = def.KeepaliveTimeout
	}
	if t.MaxHandshakeBackoff <= 0 {
		t.MaxHandshakeBackoff = def.MaxHandshakeBackoff
	}
	if t.MaxHandshakeBackoff < t.RekeyTimeout {
		t.MaxHandshakeBackoff = t.RekeyTimeout
	}
	if t.HandshakeJitter < 0 {
		t.HandshakeJitter = 0
	} else if t.HandshakeJitter == 0 {
		t.HandshakeJitter = def.HandshakeJitter
	}
	if t.MaxHandshakeAttempts <= 0 {
		t.MaxHandshakeAttempts = def.MaxHandshakeAttempts
	}
	if t.CookieRefreshTime <= 0 {
		t.CookieRefreshTime = def.CookieRefreshTime
	}
	if t.ReorderTimeout <= 0 {
		t.ReorderTimeout = def.ReorderTimeout
	}
	if t.RekeyAfterMessages == 0 || t.RekeyAfterMessages > RekeyAfterMessages {
		t.RekeyAfterMessages = def.RekeyAfterMessages
	}
	return t
}

// keepKeyFreshReceivingAge is the session age after which a receiving
// initiator starts a new handshake.
func (t Timers) keepKeyFreshReceivingAge() time.Duration {
	return t.RejectAfterTime - t.KeepaliveTimeout - t.RekeyTimeout
}

// backoff returns the retransmit delay before attempt n (1-based), without
// jitter.
func (t Timers) backoff(attempt int) time.Duration {
	d := t.RekeyTimeout
	for i := 1; i < attempt && d < t.MaxHandshakeBackoff; i++ {
		d *= 2
	}
	if d > t.MaxHandshakeBackoff {
		d = t.MaxHandshakeBackoff
	}
	return d
}
