package device

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/bridgefall/tunnel/noise"
)

func validatePrefixes(prefixes []netip.Prefix) error {
	for _, prefix := range prefixes {
		if !prefix.IsValid() {
			return fmt.Errorf("%w: %q", ErrInvalidPrefix, prefix.String())
		}
	}
	return nil
}

// AddPeer registers a peer and, when the device is up, starts it.
func (d *Device) AddPeer(cfg PeerConfig) error {
	if cfg.PublicKey.IsZero() {
		return fmt.Errorf("%w: empty public key", ErrInvalidKey)
	}
	if cfg.PublicKey.Equals(d.identity.PublicKey()) {
		return ErrSelfPeer
	}
	if !cfg.PresharedKey.IsZero() && !d.params.EnableFullCrypto {
		return ErrPresharedKeyDisabled
	}
	if cfg.PersistentKeepalive < 0 {
		return fmt.Errorf("device: negative persistent keepalive")
	}
	if err := validatePrefixes(cfg.AllowedIPs); err != nil {
		return err
	}

	d.peers.Lock()
	defer d.peers.Unlock()

	if d.isClosed() {
		return ErrDeviceClosed
	}
	if _, ok := d.peers.keyMap[cfg.PublicKey]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePeer, cfg.PublicKey.Short())
	}
	if len(d.peers.keyMap) >= MaxPeers {
		return ErrTooManyPeers
	}
	peer, err := d.newPeer(cfg)
	if err != nil {
		return err
	}
	if err := d.allowedIPs.Replace(peer, cfg.AllowedIPs); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPrefix, err)
	}
	d.peers.keyMap[cfg.PublicKey] = peer
	d.metrics.Peers.Inc()
	d.log.Info("peer added", "peer", peer.String(), "allowed_ips", len(cfg.AllowedIPs))

	if d.isUp() {
		peer.Start()
	}
	return nil
}

// RemovePeer stops the peer, waits for its packets in flight and forgets
// it along with its allowed IPs.
func (d *Device) RemovePeer(pk noise.PublicKey) error {
	d.peers.Lock()
	peer, ok := d.peers.keyMap[pk]
	if ok {
		delete(d.peers.keyMap, pk)
		d.allowedIPs.RemoveByPeer(peer)
		d.metrics.Peers.Dec()
	}
	d.peers.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, pk.Short())
	}

	peer.Stop()
	peer.zeroKeyMaterial()
	peer.handshake.ClearSecrets()
	d.log.Info("peer removed", "peer", peer.String())
	return nil
}

// SetAllowedIPs replaces the peer's allowed prefixes. A prefix owned by
// another peer moves to this one. The swap is all or nothing: if any prefix
// is rejected the previous set stays in place.
func (d *Device) SetAllowedIPs(pk noise.PublicKey, prefixes []netip.Prefix) error {
	if err := validatePrefixes(prefixes); err != nil {
		return err
	}
	d.peers.RLock()
	defer d.peers.RUnlock()
	peer, ok := d.peers.keyMap[pk]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, pk.Short())
	}
	if err := d.allowedIPs.Replace(peer, prefixes); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPrefix, err)
	}
	return nil
}

// SetEndpoint sets where the peer's datagrams are sent.
func (d *Device) SetEndpoint(pk noise.PublicKey, ep netip.AddrPort) error {
	if !ep.IsValid() {
		return fmt.Errorf("device: invalid endpoint %q", ep.String())
	}
	peer := d.LookupPeer(pk)
	if peer == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, pk.Short())
	}
	peer.SetEndpoint(ep)
	return nil
}

// SetPersistentKeepalive changes the peer's keepalive interval; zero
// disables it.
func (d *Device) SetPersistentKeepalive(pk noise.PublicKey, interval time.Duration) error {
	if interval < 0 {
		return fmt.Errorf("device: negative persistent keepalive")
	}
	peer := d.LookupPeer(pk)
	if peer == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, pk.Short())
	}
	peer.persistentKeepalive.Store(int64(interval))
	if interval == 0 {
		peer.timers.persistentKeepalive.Del()
	} else if peer.isRunning() {
		peer.SendKeepalive()
	}
	return nil
}

// PeerStats returns the counters and state of one peer.
func (d *Device) PeerStats(pk noise.PublicKey) (PeerStats, error) {
	peer := d.LookupPeer(pk)
	if peer == nil {
		return PeerStats{}, fmt.Errorf("%w: %s", ErrUnknownPeer, pk.Short())
	}
	return peer.Stats(), nil
}

// AllPeerStats returns stats for every peer ordered by public key.
func (d *Device) AllPeerStats() []PeerStats {
	peers := d.sortedPeers()
	out := make([]PeerStats, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.Stats())
	}
	return out
}
