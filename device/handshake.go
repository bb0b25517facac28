package device

import (
	"encoding/binary"
	"errors"

	"github.com/bridgefall/tunnel/conn"
	"github.com/bridgefall/tunnel/noise"
	"github.com/bridgefall/tunnel/obf"
)

func (d *Device) routineHandshake() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case elem := <-d.queue.handshake:
			d.handleHandshake(elem)
		}
	}
}

func handshakeKind(t obf.MessageType) string {
	switch t {
	case obf.MessageInitiation:
		return "initiation"
	case obf.MessageResponse:
		return "response"
	case obf.MessageCookieReply:
		return "cookie_reply"
	}
	return "unknown"
}

func (d *Device) handleHandshake(elem QueueHandshakeElement) DropReason {
	_, span := startHandshakeSpan(handshakeKind(elem.msgType), elem.endpoint.String())
	reason := d.processHandshake(elem)
	endSpan(span, reason)
	return reason
}

// processHandshake runs the cheap checks before any Diffie-Hellman: MAC1,
// then under load the cookie (MAC2) and the per-source rate limit.
func (d *Device) processHandshake(elem QueueHandshakeElement) DropReason {
	ep := elem.endpoint
	switch elem.msgType {
	case obf.MessageCookieReply:
		return d.processCookieReply(elem)
	case obf.MessageInitiation, obf.MessageResponse:
	default:
		return d.drop(nil, DropMalformed, ep, "unexpected handshake message type")
	}

	if !d.cookieChecker.CheckMAC1(elem.packet) {
		return d.drop(nil, DropCryptoVerificationFailed, ep, "invalid mac1")
	}
	if d.IsUnderLoad() {
		if d.params.EnableCookieProtection && !d.cookieChecker.CheckMAC2(elem.packet, conn.EndpointBytes(ep)) {
			d.sendCookieReply(elem)
			return d.drop(nil, DropCookieChallenged, ep, "handshake under load without cookie")
		}
		if d.params.EnableRatelimiter && !d.rate.Allow(ep.Addr()) {
			return d.drop(nil, DropRateLimited, ep, "handshake rate limit exceeded")
		}
	}

	if elem.msgType == obf.MessageInitiation {
		return d.processInitiation(elem)
	}
	return d.processResponse(elem)
}

func (d *Device) sendCookieReply(elem QueueHandshakeElement) {
	sender := binary.LittleEndian.Uint32(elem.packet[4:8])
	reply, err := d.cookieChecker.CreateReply(elem.packet, sender, conn.EndpointBytes(elem.endpoint))
	if err != nil {
		d.log.Error("failed to create cookie reply", "err", err)
		return
	}
	buf := make([]byte, noise.MessageCookieReplySize)
	if err := reply.Marshal(buf); err != nil {
		d.log.Error("failed to marshal cookie reply", "err", err)
		return
	}
	if err := d.sendMessage(elem.endpoint, obf.MessageCookieReply, buf); err != nil {
		d.log.Debug("failed to send cookie reply", "addr", elem.endpoint.String(), "err", err)
		return
	}
	d.metrics.CookieRepliesSent.Inc()
}

func (d *Device) processCookieReply(elem QueueHandshakeElement) DropReason {
	var reply noise.MessageCookieReply
	if err := reply.Unmarshal(elem.packet); err != nil {
		return d.drop(nil, DropMalformed, elem.endpoint, "bad cookie reply")
	}
	entry := d.indexTable.Lookup(reply.Receiver)
	if entry.peer == nil {
		return d.drop(nil, DropNoSession, elem.endpoint, "cookie reply for unknown index")
	}
	if !entry.peer.cookieGen.ConsumeReply(&reply) {
		return d.drop(entry.peer, DropCryptoVerificationFailed, elem.endpoint, "cookie reply did not authenticate")
	}
	d.log.Debug("received cookie", "peer", entry.peer.String())
	return ""
}

func (d *Device) processInitiation(elem QueueHandshakeElement) DropReason {
	ep := elem.endpoint
	var msg noise.MessageInitiation
	if err := msg.Unmarshal(elem.packet); err != nil {
		return d.drop(nil, DropMalformed, ep, "bad initiation")
	}

	d.metrics.InitiationsProcessed.Inc()
	opened, err := noise.OpenInitiation(d.identity, &msg)
	if err != nil {
		return d.drop(nil, DropCryptoVerificationFailed, ep, "initiation did not decrypt")
	}
	peer := d.LookupPeer(opened.Peer())
	if peer == nil {
		return d.drop(nil, DropCryptoVerificationFailed, ep, "initiation from unknown peer")
	}
	if !peer.isRunning() {
		return d.drop(peer, DropNoSession, ep, "peer not running")
	}

	peer.handshakeMu.Lock()
	if err := peer.handshake.ConsumeInitiation(opened); err != nil {
		peer.handshakeMu.Unlock()
		switch {
		case errors.Is(err, noise.ErrReplay):
			return d.drop(peer, DropReplayRejected, ep, "replayed initiation")
		case errors.Is(err, noise.ErrFlood):
			return d.drop(peer, DropRateLimited, ep, "initiation flood")
		default:
			return d.drop(peer, DropCryptoVerificationFailed, ep, "initiation rejected")
		}
	}
	resp, err := peer.handshake.CreateResponse(d.indexTable.newIndexFunc(peer))
	var keys *noise.SessionKeys
	if err == nil {
		keys, err = peer.handshake.DeriveKeys()
	}
	peer.handshakeMu.Unlock()
	if err != nil {
		d.log.Error("failed to create handshake response", "peer", peer.String(), "err", err)
		return d.drop(peer, DropCryptoVerificationFailed, ep, "response creation failed")
	}

	peer.setEndpointFromPacket(ep)
	buf := make([]byte, noise.MessageResponseSize)
	if err := resp.Marshal(buf); err != nil {
		d.log.Error("failed to marshal handshake response", "peer", peer.String(), "err", err)
		return ""
	}
	if err := peer.cookieGen.AddMacs(buf); err != nil {
		d.log.Error("failed to add handshake macs", "peer", peer.String(), "err", err)
		return ""
	}
	if err := peer.beginSession(keys); err != nil {
		d.log.Error("failed to derive session", "peer", peer.String(), "err", err)
		return ""
	}

	peer.timersAnyAuthenticatedPacketTraversal()
	peer.timersAnyAuthenticatedPacketReceived()
	if err := d.sendMessage(ep, obf.MessageResponse, buf); err != nil {
		d.log.Debug("failed to send handshake response", "peer", peer.String(), "err", err)
	}
	return ""
}

func (d *Device) processResponse(elem QueueHandshakeElement) DropReason {
	ep := elem.endpoint
	var msg noise.MessageResponse
	if err := msg.Unmarshal(elem.packet); err != nil {
		return d.drop(nil, DropMalformed, ep, "bad response")
	}

	d.metrics.ResponsesProcessed.Inc()
	entry := d.indexTable.Lookup(msg.Receiver)
	peer := entry.peer
	if peer == nil || entry.keypair != nil {
		return d.drop(nil, DropNoSession, ep, "response for unknown handshake")
	}
	if !peer.isRunning() {
		return d.drop(peer, DropNoSession, ep, "peer not running")
	}

	peer.handshakeMu.Lock()
	err := peer.handshake.ConsumeResponse(d.identity, &msg)
	var keys *noise.SessionKeys
	if err == nil {
		keys, err = peer.handshake.DeriveKeys()
	}
	sentAt := peer.lastSentHandshake
	peer.handshakeMu.Unlock()
	if err != nil {
		return d.drop(peer, DropCryptoVerificationFailed, ep, "response rejected")
	}

	peer.setEndpointFromPacket(ep)
	if err := peer.beginSession(keys); err != nil {
		d.log.Error("failed to derive session", "peer", peer.String(), "err", err)
		return ""
	}
	if !sentAt.IsZero() {
		d.handshakeRTT.Add(d.now().Sub(sentAt))
	}
	peer.timersAnyAuthenticatedPacketTraversal()
	peer.timersAnyAuthenticatedPacketReceived()
	peer.timersHandshakeComplete()
	d.log.Debug("handshake complete", "peer", peer.String(), "role", "initiator")
	peer.SendKeepalive()
	return ""
}
