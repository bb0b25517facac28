// Package control is the runtime configuration channel of a tunnel daemon.
// Requests and responses are single JSON documents, one pair per QUIC
// stream. A read-only HTTP endpoint serves the same status documents.
package control

import (
	"errors"
	"time"

	"github.com/bridgefall/tunnel/commons/config"
	"github.com/bridgefall/tunnel/device"
	"github.com/bridgefall/tunnel/profile"
)

// Operations.
const (
	OpAddPeer       = "add_peer"
	OpRemovePeer    = "remove_peer"
	OpSetAllowedIPs = "set_allowed_ips"
	OpSetEndpoint   = "set_endpoint"
	OpPeerStats     = "peer_stats"
	OpStatus        = "status"
)

const (
	maxRequestSize  = 64 << 10
	maxResponseSize = 8 << 20
)

var (
	ErrUnauthorized = errors.New("control: unauthorized")
	ErrBadRequest   = errors.New("control: bad request")
)

// Request is one configuration call.
type Request struct {
	Op         string               `json:"op"`
	Token      string               `json:"token,omitempty"`
	Peer       *profile.PeerProfile `json:"peer,omitempty"`
	PublicKey  string               `json:"public_key,omitempty"`
	AllowedIPs []string             `json:"allowed_ips,omitempty"`
	Endpoint   string               `json:"endpoint,omitempty"`
}

// Response carries the outcome of a Request. Code names the error class
// so clients can match it with errors.Is.
type Response struct {
	OK     bool        `json:"ok"`
	Code   string      `json:"code,omitempty"`
	Error  string      `json:"error,omitempty"`
	Status *Status     `json:"status,omitempty"`
	Peer   *PeerStatus `json:"peer,omitempty"`
}

// Status is the device summary plus every peer.
type Status struct {
	Device DeviceStatus `json:"device"`
	Peers  []PeerStatus `json:"peers"`
}

type DeviceStatus struct {
	PublicKey    string            `json:"public_key"`
	ListenPort   uint16            `json:"listen_port"`
	Peers        int               `json:"peers"`
	UnderLoad    bool              `json:"under_load"`
	Counters     map[string]uint64 `json:"counters"`
	Drops        map[string]uint64 `json:"drops,omitempty"`
	HandshakeRTT LatencySummary    `json:"handshake_rtt"`
}

type LatencySummary struct {
	P50 config.Duration `json:"p50"`
	P90 config.Duration `json:"p90"`
	P99 config.Duration `json:"p99"`
}

// PeerStatus is the wire form of device.PeerStats.
type PeerStatus struct {
	PublicKey           string            `json:"public_key"`
	Endpoint            string            `json:"endpoint,omitempty"`
	AllowedIPs          []string          `json:"allowed_ips,omitempty"`
	PersistentKeepalive config.Duration   `json:"persistent_keepalive"`
	LastHandshake       *time.Time        `json:"last_handshake,omitempty"`
	HandshakeState      string            `json:"handshake_state"`
	HasSession          bool              `json:"has_session"`
	Unreachable         bool              `json:"unreachable,omitempty"`
	TxBytes             uint64            `json:"tx_bytes"`
	RxBytes             uint64            `json:"rx_bytes"`
	TxPackets           uint64            `json:"tx_packets"`
	RxPackets           uint64            `json:"rx_packets"`
	HandshakesInitiated uint64            `json:"handshakes_initiated"`
	HandshakesCompleted uint64            `json:"handshakes_completed"`
	HandshakeTimeouts   uint64            `json:"handshake_timeouts"`
	Drops               map[string]uint64 `json:"drops,omitempty"`
}

func peerStatus(s device.PeerStats) PeerStatus {
	out := PeerStatus{
		PublicKey:           s.PublicKey.String(),
		PersistentKeepalive: config.Duration{Duration: s.PersistentKeepalive},
		HandshakeState:      s.HandshakeState,
		HasSession:          s.HasSession,
		Unreachable:         s.Unreachable,
		TxBytes:             s.TxBytes,
		RxBytes:             s.RxBytes,
		TxPackets:           s.TxPackets,
		RxPackets:           s.RxPackets,
		HandshakesInitiated: s.HandshakesInitiated,
		HandshakesCompleted: s.HandshakesCompleted,
		HandshakeTimeouts:   s.HandshakeTimeouts,
		Drops:               dropMap(s.Drops),
	}
	if s.Endpoint.IsValid() {
		out.Endpoint = s.Endpoint.String()
	}
	for _, prefix := range s.AllowedIPs {
		out.AllowedIPs = append(out.AllowedIPs, prefix.String())
	}
	if !s.LastHandshake.IsZero() {
		last := s.LastHandshake
		out.LastHandshake = &last
	}
	return out
}

func dropMap(in map[device.DropReason]uint64) map[string]uint64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]uint64, len(in))
	for reason, n := range in {
		out[string(reason)] = n
	}
	return out
}

var errorCodes = []struct {
	code string
	err  error
}{
	{"unauthorized", ErrUnauthorized},
	{"duplicate_peer", device.ErrDuplicatePeer},
	{"unknown_peer", device.ErrUnknownPeer},
	{"invalid_prefix", device.ErrInvalidPrefix},
	{"invalid_key", device.ErrInvalidKey},
	{"too_many_peers", device.ErrTooManyPeers},
	{"preshared_key_disabled", device.ErrPresharedKeyDisabled},
	{"self_peer", device.ErrSelfPeer},
	{"device_closed", device.ErrDeviceClosed},
	{"bad_request", ErrBadRequest},
}

func errorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// RemoteError is a failed Response seen from the client. It unwraps to the
// sentinel named by its code.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	for _, c := range errorCodes {
		if c.code == e.Code {
			return c.err
		}
	}
	return nil
}
