package device

import (
	"encoding/binary"
	"sync"

	"github.com/bridgefall/tunnel/noise"
	"github.com/bridgefall/tunnel/obf"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/poly1305"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

/* Outbound flow
 *
 * 1. TUN queue
 * 2. Routing (sequential)
 * 3. Nonce assignment (sequential, per peer)
 * 4. Encryption (parallel)
 * 5. Transmission (sequential, per peer)
 *
 * The element is locked before it enters both the peer's outbound queue
 * and the shared encryption queue. The sequential sender blocks on that
 * lock, so datagrams leave in the order nonces were assigned.
 */

// QueueOutboundElement is one plaintext packet on its way out.
type QueueOutboundElement struct {
	sync.Mutex
	buffer  []byte
	packet  []byte
	dataLen int
	nonce   uint64
	keypair *Keypair
	peer    *Peer
}

// newOutboundElement copies payload after room for the transport header,
// with capacity for padding and the authentication tag.
func newOutboundElement(payload []byte) *QueueOutboundElement {
	const head = noise.MessageTransportHeaderSize
	buf := make([]byte, head+len(payload), head+len(payload)+PaddingMultiple+poly1305.TagSize)
	copy(buf[head:], payload)
	return &QueueOutboundElement{
		buffer:  buf,
		packet:  buf[head:],
		dataLen: len(payload),
	}
}

func calculatePaddingSize(packetSize, mtu int) int {
	lastUnit := packetSize
	if mtu == 0 {
		return ((lastUnit + PaddingMultiple - 1) & ^(PaddingMultiple - 1)) - lastUnit
	}
	if lastUnit > mtu {
		lastUnit %= mtu
	}
	paddedSize := (lastUnit + PaddingMultiple - 1) & ^(PaddingMultiple - 1)
	if paddedSize > mtu {
		paddedSize = mtu
	}
	return paddedSize - lastUnit
}

// destination returns the destination address bytes of an IP packet.
func destination(packet []byte) ([]byte, bool) {
	if len(packet) == 0 {
		return nil, false
	}
	switch packet[0] >> 4 {
	case ipv4.Version:
		if len(packet) < ipv4.HeaderLen {
			return nil, false
		}
		return packet[16:20], true
	case ipv6.Version:
		if len(packet) < ipv6.HeaderLen {
			return nil, false
		}
		return packet[24:40], true
	}
	return nil, false
}

func (d *Device) routineReadFromTUN() {
	defer d.wg.Done()
	defer d.log.Debug("tun reader stopped")

	const offset = noise.MessageTransportHeaderSize
	batch := max(d.tun.BatchSize(), 1)
	bufs := make([][]byte, batch)
	for i := range bufs {
		bufs[i] = make([]byte, offset+MaxMessageSize)
	}
	sizes := make([]int, batch)

	for {
		n, err := d.tun.Read(bufs, sizes, offset)
		for i := 0; i < n; i++ {
			d.routeOutbound(bufs[i][offset : offset+sizes[i]])
		}
		if err != nil {
			if !d.isClosed() {
				d.log.Error("failed to read packet from tun", "err", err)
			}
			return
		}
	}
}

func (d *Device) routeOutbound(packet []byte) {
	dst, ok := destination(packet)
	if !ok {
		d.drop(nil, DropMalformed, noEndpoint, "unparseable outbound packet")
		return
	}
	peer, ok := d.allowedIPs.LookupBytes(dst)
	if !ok {
		d.drop(nil, DropRoutingViolation, noEndpoint, "no peer for destination")
		return
	}
	if !peer.isRunning() {
		return
	}
	peer.StagePacket(newOutboundElement(packet))
	peer.SendStagedPackets()
}

// StagePacket queues elem until a session is available. A full queue drops
// the new packet.
func (p *Peer) StagePacket(elem *QueueOutboundElement) {
	select {
	case p.queue.staged <- elem:
	default:
		p.device.drop(p, DropResourceExhausted, p.Endpoint(), "staged queue full")
	}
}

// SendKeepalive sends an empty transport message, starting a handshake
// first if there is no session.
func (p *Peer) SendKeepalive() {
	if len(p.queue.staged) == 0 && p.isRunning() {
		select {
		case p.queue.staged <- newOutboundElement(nil):
		default:
			return
		}
	}
	p.SendStagedPackets()
}

// SendStagedPackets assigns nonces to staged packets and hands them to the
// encryption workers, or starts a handshake when no session is usable.
func (p *Peer) SendStagedPackets() {
	d := p.device
	if !p.isRunning() || len(p.queue.staged) == 0 {
		return
	}
	kp := p.keypairs.Current()
	if !kp.usable(d.now(), d.timers.RejectAfterTime) {
		p.SendHandshakeInitiation(false)
		return
	}

	p.sendMu.Lock()
	exhausted := false
loop:
	for {
		var elem *QueueOutboundElement
		select {
		case elem = <-p.queue.staged:
		default:
			break loop
		}

		nonce := kp.sendNonce.Add(1) - 1
		if nonce >= RejectAfterMessages {
			kp.sendNonce.Store(RejectAfterMessages)
			p.StagePacket(elem)
			exhausted = true
			break loop
		}
		elem.nonce = nonce
		elem.keypair = kp
		elem.peer = p

		elem.Lock()
		select {
		case p.queue.outbound <- elem:
		default:
			elem.Unlock()
			d.drop(p, DropResourceExhausted, p.Endpoint(), "outbound queue full")
			continue
		}
		select {
		case d.queue.encryption <- elem:
		case <-d.ctx.Done():
			elem.packet = nil
			elem.Unlock()
			break loop
		}
	}
	p.sendMu.Unlock()

	if exhausted {
		p.SendHandshakeInitiation(false)
		return
	}
	p.keepKeyFreshSending()
}

func (p *Peer) keepKeyFreshSending() {
	kp := p.keypairs.Current()
	if kp == nil {
		return
	}
	d := p.device
	nonce := kp.sendNonce.Load()
	if nonce > d.timers.RekeyAfterMessages || (kp.isInitiator && d.now().Sub(kp.created) > d.timers.RekeyAfterTime) {
		p.SendHandshakeInitiation(false)
	}
}

// SendHandshakeInitiation creates and sends an initiation. Unless isRetry
// is set, it does nothing when one was sent less than RekeyTimeout ago.
func (p *Peer) SendHandshakeInitiation(isRetry bool) {
	if !p.isRunning() {
		return
	}
	d := p.device
	now := d.now()

	p.handshakeMu.Lock()
	if !isRetry {
		if !p.lastSentHandshake.IsZero() && now.Sub(p.lastSentHandshake) < d.timers.RekeyTimeout {
			p.handshakeMu.Unlock()
			return
		}
		p.handshakeAttempts.Store(1)
	}
	p.lastSentHandshake = now
	msg, err := p.handshake.CreateInitiation(d.identity, d.indexTable.newIndexFunc(p))
	p.handshakeMu.Unlock()
	if err != nil {
		d.log.Error("failed to create handshake initiation", "peer", p.String(), "err", err)
		return
	}

	buf := make([]byte, noise.MessageInitiationSize)
	if err := msg.Marshal(buf); err != nil {
		d.log.Error("failed to marshal handshake initiation", "peer", p.String(), "err", err)
		return
	}
	if err := p.cookieGen.AddMacs(buf); err != nil {
		d.log.Error("failed to add handshake macs", "peer", p.String(), "err", err)
		return
	}

	p.stats.handshakesInitiated.Inc()
	d.metrics.InitiationsSent.Inc()
	p.timersAnyAuthenticatedPacketTraversal()
	p.timersAnyAuthenticatedPacketSent()

	if err := d.sendInitiation(p.Endpoint(), buf); err != nil {
		d.log.Debug("failed to send handshake initiation", "peer", p.String(), "err", err)
	}
	p.timersHandshakeInitiated()
}

func (d *Device) routineEncryption() {
	defer d.wg.Done()

	var nonce [chacha20poly1305.NonceSize]byte
	mtu := d.tun.MTU()
	for {
		select {
		case <-d.ctx.Done():
			return
		case elem := <-d.queue.encryption:
			const head = noise.MessageTransportHeaderSize
			plainLen := len(elem.packet)
			padded := plainLen + calculatePaddingSize(plainLen, mtu)
			buf := elem.buffer[:head+padded]
			clear(buf[head+plainLen:])

			header := buf[:head]
			noise.PutTransportHeader(header, elem.keypair.remoteIndex, elem.nonce)
			binary.LittleEndian.PutUint64(nonce[4:], elem.nonce)
			elem.packet = elem.keypair.send.Seal(header, nonce[:], buf[head:], nil)
			elem.Unlock()
		}
	}
}

func (p *Peer) routineSequentialSender(stop <-chan struct{}) {
	defer p.stopping.Done()
	d := p.device

	for {
		select {
		case <-stop:
			return
		case elem := <-p.queue.outbound:
			elem.Lock()
			if elem.packet == nil {
				continue
			}
			p.timersAnyAuthenticatedPacketTraversal()
			p.timersAnyAuthenticatedPacketSent()

			if err := d.sendMessage(p.Endpoint(), obf.MessageTransport, elem.packet); err != nil {
				d.log.Debug("failed to send transport message", "peer", p.String(), "err", err)
				continue
			}
			p.stats.txPackets.Inc()
			p.stats.txBytes.Add(uint64(len(elem.packet)))
			if elem.dataLen > 0 {
				p.timersDataSent()
			}
		}
	}
}
