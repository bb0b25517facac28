package device

import (
	"net/netip"
	"time"

	"github.com/bridgefall/tunnel/commons/metrics"
	"github.com/bridgefall/tunnel/noise"
)

// DropReason captures why a packet was silently discarded.
type DropReason string

const (
	DropCryptoVerificationFailed DropReason = "crypto_verification_failed"
	DropReplayRejected           DropReason = "replay_rejected"
	DropRoutingViolation         DropReason = "routing_violation"
	DropHandshakeTimeout         DropReason = "handshake_timeout"
	DropRateLimited              DropReason = "rate_limited"
	DropResourceExhausted        DropReason = "resource_exhausted"
	DropJunkDiscarded            DropReason = "junk_discarded"
	DropDecoyDiscarded           DropReason = "decoy_discarded"
	DropCookieChallenged         DropReason = "cookie_challenged"
	DropNoSession                DropReason = "no_session"
	DropMalformed                DropReason = "malformed"
)

// DropReasons lists every reason in reporting order.
var DropReasons = []DropReason{
	DropCryptoVerificationFailed,
	DropReplayRejected,
	DropRoutingViolation,
	DropHandshakeTimeout,
	DropRateLimited,
	DropResourceExhausted,
	DropJunkDiscarded,
	DropDecoyDiscarded,
	DropCookieChallenged,
	DropNoSession,
	DropMalformed,
}

// DropCounters counts drops per reason.
type DropCounters struct {
	CryptoVerificationFailed metrics.Counter
	ReplayRejected           metrics.Counter
	RoutingViolation         metrics.Counter
	HandshakeTimeout         metrics.Counter
	RateLimited              metrics.Counter
	ResourceExhausted        metrics.Counter
	JunkDiscarded            metrics.Counter
	DecoyDiscarded           metrics.Counter
	CookieChallenged         metrics.Counter
	NoSession                metrics.Counter
	Malformed                metrics.Counter
}

// For returns the counter for reason, or nil for an unknown reason.
func (c *DropCounters) For(reason DropReason) *metrics.Counter {
	switch reason {
	case DropCryptoVerificationFailed:
		return &c.CryptoVerificationFailed
	case DropReplayRejected:
		return &c.ReplayRejected
	case DropRoutingViolation:
		return &c.RoutingViolation
	case DropHandshakeTimeout:
		return &c.HandshakeTimeout
	case DropRateLimited:
		return &c.RateLimited
	case DropResourceExhausted:
		return &c.ResourceExhausted
	case DropJunkDiscarded:
		return &c.JunkDiscarded
	case DropDecoyDiscarded:
		return &c.DecoyDiscarded
	case DropCookieChallenged:
		return &c.CookieChallenged
	case DropNoSession:
		return &c.NoSession
	case DropMalformed:
		return &c.Malformed
	}
	return nil
}

// Snapshot returns the non-zero counts keyed by reason.
func (c *DropCounters) Snapshot() map[DropReason]uint64 {
	out := make(map[DropReason]uint64)
	for _, reason := range DropReasons {
		if v := c.For(reason).Load(); v > 0 {
			out[reason] = v
		}
	}
	return out
}

// Metrics tracks device-wide counters.
type Metrics struct {
	Drops DropCounters

	RxDatagrams          metrics.Counter
	TxDatagrams          metrics.Counter
	RxBytes              metrics.Counter
	TxBytes              metrics.Counter
	JunkSent             metrics.Counter
	SignaturesSent       metrics.Counter
	DecoySent            metrics.Counter
	PreambleSignatures   metrics.Counter
	CookieRepliesSent    metrics.Counter
	CookieRotations      metrics.Counter
	InitiationsSent      metrics.Counter
	InitiationsProcessed metrics.Counter
	ResponsesProcessed   metrics.Counter
	HandshakesCompleted  metrics.Counter
	Peers                metrics.Gauge
}

// Snapshot returns the device counters keyed by name. Drops are reported
// separately by Drops.Snapshot.
func (m *Metrics) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"rx_datagrams":          m.RxDatagrams.Load(),
		"tx_datagrams":          m.TxDatagrams.Load(),
		"rx_bytes":              m.RxBytes.Load(),
		"tx_bytes":              m.TxBytes.Load(),
		"junk_sent":             m.JunkSent.Load(),
		"signatures_sent":       m.SignaturesSent.Load(),
		"decoy_sent":            m.DecoySent.Load(),
		"preamble_signatures":   m.PreambleSignatures.Load(),
		"cookie_replies_sent":   m.CookieRepliesSent.Load(),
		"cookie_rotations":      m.CookieRotations.Load(),
		"initiations_sent":      m.InitiationsSent.Load(),
		"initiations_processed": m.InitiationsProcessed.Load(),
		"responses_processed":   m.ResponsesProcessed.Load(),
		"handshakes_completed":  m.HandshakesCompleted.Load(),
	}
}

// peerCounters are the per-peer counters behind PeerStats.
type peerCounters struct {
	drops               DropCounters
	txBytes             metrics.Counter
	rxBytes             metrics.Counter
	txPackets           metrics.Counter
	rxPackets           metrics.Counter
	handshakesInitiated metrics.Counter
	handshakesCompleted metrics.Counter
	handshakeTimeouts   metrics.Counter
	lastHandshake       metrics.Timestamp
}

// PeerStats is a point-in-time view of one peer.
type PeerStats struct {
	PublicKey           noise.PublicKey
	Endpoint            netip.AddrPort
	AllowedIPs          []netip.Prefix
	PersistentKeepalive time.Duration
	LastHandshake       time.Time
	HandshakeState      string
	HasSession          bool
	Unreachable         bool
	TxBytes             uint64
	RxBytes             uint64
	TxPackets           uint64
	RxPackets           uint64
	HandshakesInitiated uint64
	HandshakesCompleted uint64
	HandshakeTimeouts   uint64
	Drops               map[DropReason]uint64
}
