package control

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/bridgefall/tunnel/commons/config"
	"github.com/bridgefall/tunnel/commons/metrics"
	"github.com/bridgefall/tunnel/device"
	"github.com/bridgefall/tunnel/noise"
	"github.com/bridgefall/tunnel/profile"
)

// Device is the part of *device.Device the control channel drives.
type Device interface {
	AddPeer(device.PeerConfig) error
	RemovePeer(noise.PublicKey) error
	SetAllowedIPs(noise.PublicKey, []netip.Prefix) error
	SetEndpoint(noise.PublicKey, netip.AddrPort) error
	PeerStats(noise.PublicKey) (device.PeerStats, error)
	AllPeerStats() []device.PeerStats
	PublicKey() noise.PublicKey
	Port() uint16
	IsUnderLoad() bool
	Metrics() *device.Metrics
	HandshakeRTT(qs ...float64) []time.Duration
}

// Metrics counts control requests.
type Metrics struct {
	Requests     metrics.Counter
	Failures     metrics.Counter
	Unauthorized metrics.Counter
}

// Handler executes requests against a device. It is shared by the QUIC
// server and the HTTP stats endpoint.
type Handler struct {
	dev     Device
	token   string
	logger  *slog.Logger
	metrics Metrics
}

func NewHandler(dev Device, token string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{dev: dev, token: token, logger: logger}
}

func (h *Handler) Metrics() *Metrics {
	return &h.metrics
}

func (h *Handler) authorized(token string) bool {
	if h.token == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(h.token), []byte(token)) == 1
}

// Handle runs one request.
func (h *Handler) Handle(req Request) Response {
	h.metrics.Requests.Inc()
	if !h.authorized(req.Token) {
		h.metrics.Unauthorized.Inc()
		h.logger.Warn("control request rejected", "op", req.Op, "reason", "unauthorized")
		return failure(ErrUnauthorized)
	}
	resp, err := h.dispatch(req)
	if err != nil {
		h.metrics.Failures.Inc()
		h.logger.Debug("control request failed", "op", req.Op, "err", err)
		return failure(err)
	}
	h.logger.Debug("control request", "op", req.Op)
	resp.OK = true
	return resp
}

func (h *Handler) dispatch(req Request) (Response, error) {
	switch req.Op {
	case OpAddPeer:
		if req.Peer == nil {
			return Response{}, fmt.Errorf("%w: peer missing", ErrBadRequest)
		}
		cfg, err := req.Peer.ToPeerConfig()
		if err != nil {
			return Response{}, fmt.Errorf("%w: %w", ErrBadRequest, err)
		}
		if err := h.dev.AddPeer(cfg); err != nil {
			return Response{}, err
		}
		return Response{}, nil

	case OpRemovePeer:
		pk, err := parseKey(req.PublicKey)
		if err != nil {
			return Response{}, err
		}
		if err := h.dev.RemovePeer(pk); err != nil {
			return Response{}, err
		}
		return Response{}, nil

	case OpSetAllowedIPs:
		pk, err := parseKey(req.PublicKey)
		if err != nil {
			return Response{}, err
		}
		prefixes, err := profile.ParsePrefixes(req.AllowedIPs)
		if err != nil {
			return Response{}, err
		}
		return Response{}, h.dev.SetAllowedIPs(pk, prefixes)

	case OpSetEndpoint:
		pk, err := parseKey(req.PublicKey)
		if err != nil {
			return Response{}, err
		}
		ep, err := profile.ResolveEndpoint(req.Endpoint)
		if err != nil {
			return Response{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		return Response{}, h.dev.SetEndpoint(pk, ep)

	case OpPeerStats:
		pk, err := parseKey(req.PublicKey)
		if err != nil {
			return Response{}, err
		}
		stats, err := h.dev.PeerStats(pk)
		if err != nil {
			return Response{}, err
		}
		ps := peerStatus(stats)
		return Response{Peer: &ps}, nil

	case OpStatus:
		status := h.Status()
		return Response{Status: &status}, nil
	}
	return Response{}, fmt.Errorf("%w: unknown op %q", ErrBadRequest, req.Op)
}

// Status snapshots the device and all peers.
func (h *Handler) Status() Status {
	all := h.dev.AllPeerStats()
	peers := make([]PeerStatus, 0, len(all))
	for _, s := range all {
		peers = append(peers, peerStatus(s))
	}
	m := h.dev.Metrics()
	rtt := h.dev.HandshakeRTT(0.5, 0.9, 0.99)
	return Status{
		Device: DeviceStatus{
			PublicKey:  h.dev.PublicKey().String(),
			ListenPort: h.dev.Port(),
			Peers:      len(peers),
			UnderLoad:  h.dev.IsUnderLoad(),
			Counters:   m.Snapshot(),
			Drops:      dropMap(m.Drops.Snapshot()),
			HandshakeRTT: LatencySummary{
				P50: durationOf(rtt, 0),
				P90: durationOf(rtt, 1),
				P99: durationOf(rtt, 2),
			},
		},
		Peers: peers,
	}
}

func durationOf(values []time.Duration, i int) config.Duration {
	if i >= len(values) {
		return config.Duration{}
	}
	return config.Duration{Duration: values[i]}
}

func parseKey(s string) (noise.PublicKey, error) {
	pk, err := noise.ParsePublicKey(s)
	if err != nil {
		return pk, fmt.Errorf("%w: %v", device.ErrInvalidKey, err)
	}
	return pk, nil
}

func failure(err error) Response {
	return Response{Code: errorCode(err), Error: err.Error()}
}
