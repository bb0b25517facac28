package device

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/bridgefall/tunnel/conn"
	"github.com/bridgefall/tunnel/noise"
	"github.com/bridgefall/tunnel/obf"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// QueueInboundElement is one transport message on its way in.
type QueueInboundElement struct {
	sync.Mutex
	packet   []byte
	counter  uint64
	keypair  *Keypair
	endpoint netip.AddrPort
	failed   bool
}

// QueueHandshakeElement is a handshake or cookie message awaiting a
// handshake worker.
type QueueHandshakeElement struct {
	msgType  obf.MessageType
	packet   []byte
	endpoint netip.AddrPort
}

func (d *Device) routineReceiveIncoming(recv conn.ReceiveFunc) {
	defer d.wg.Done()
	defer d.log.Debug("receive routine stopped")

	batch := max(d.bind.BatchSize(), 1)
	bufs := make([][]byte, batch)
	for i := range bufs {
		bufs[i] = make([]byte, MaxMessageSize)
	}
	sizes := make([]int, batch)
	eps := make([]netip.AddrPort, batch)

	for {
		n, err := recv(bufs, sizes, eps)
		if err != nil {
			if d.isClosed() || errors.Is(err, conn.ErrBindClosed) {
				return
			}
			d.log.Debug("failed to receive datagrams", "err", err)
			select {
			case <-d.ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		for i := 0; i < n; i++ {
			d.handleDatagram(bufs[i][:sizes[i]], eps[i])
		}
	}
}

// handleDatagram is the inbound obfuscation boundary. Only datagrams that
// classify as exactly one message type pass; everything else is junk.
func (d *Device) handleDatagram(data []byte, ep netip.AddrPort) {
	d.metrics.RxDatagrams.Inc()
	d.metrics.RxBytes.Add(uint64(len(data)))

	if d.decoys.Contains(ep.Addr()) {
		d.drop(nil, DropDecoyDiscarded, ep, "datagram from decoy endpoint")
		return
	}
	msgType, msg, err := d.framer.Unwrap(data)
	if err != nil {
		d.discardUnclassified(data, ep)
		return
	}

	switch msgType {
	case obf.MessageTransport:
		d.handleTransport(msg, ep)
	case obf.MessageInitiation, obf.MessageResponse, obf.MessageCookieReply:
		select {
		case d.queue.handshake <- QueueHandshakeElement{msgType: msgType, packet: msg, endpoint: ep}:
		default:
			d.drop(nil, DropResourceExhausted, ep, "handshake queue full")
		}
	}
}

func (d *Device) handleTransport(msg []byte, ep netip.AddrPort) {
	receiver := binary.LittleEndian.Uint32(msg[noise.MessageTransportOffsetReceiver:])
	entry := d.indexTable.Lookup(receiver)
	kp, peer := entry.keypair, entry.peer
	if kp == nil || peer == nil {
		d.drop(nil, DropNoSession, ep, "unknown receiver index")
		return
	}
	if d.now().Sub(kp.created) >= d.timers.RejectAfterTime {
		d.drop(peer, DropNoSession, ep, "session expired")
		return
	}
	if !peer.isRunning() {
		return
	}
	counter := binary.LittleEndian.Uint64(msg[noise.MessageTransportOffsetCounter:])
	if !kp.mayAccept(counter) {
		d.drop(peer, DropReplayRejected, ep, "replayed transport counter")
		return
	}

	elem := &QueueInboundElement{
		packet:   msg,
		counter:  counter,
		keypair:  kp,
		endpoint: ep,
	}
	elem.Lock()
	select {
	case peer.queue.inbound <- elem:
	default:
		d.drop(peer, DropResourceExhausted, ep, "inbound queue full")
		return
	}
	select {
	case d.queue.decryption <- elem:
	case <-d.ctx.Done():
		elem.failed = true
		elem.Unlock()
	}
}

func (d *Device) routineDecryption() {
	defer d.wg.Done()

	var nonce [chacha20poly1305.NonceSize]byte
	for {
		select {
		case <-d.ctx.Done():
			return
		case elem := <-d.queue.decryption:
			content := elem.packet[noise.MessageTransportOffsetContent:]
			binary.LittleEndian.PutUint64(nonce[4:], elem.counter)
			plain, err := elem.keypair.receive.Open(content[:0], nonce[:], content, nil)
			if err != nil {
				elem.failed = true
			} else {
				elem.packet = plain
			}
			elem.Unlock()
		}
	}
}

func (p *Peer) routineSequentialReceiver(stop <-chan struct{}) {
	defer p.stopping.Done()
	d := p.device

	reorder := newReorderer(d.timers.ReorderTimeout, ReorderCapacity)
	gapTimer := time.NewTimer(time.Hour)
	gapTimer.Stop()
	defer gapTimer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-gapTimer.C:
			for _, e := range reorder.expire(d.now()) {
				p.deliver(e)
			}
		case elem := <-p.queue.inbound:
			elem.Lock()
			p.receiveElement(elem, reorder)
		}

		reorder.prune(p.keypairs.contains)
		if at, ok := reorder.deadline(); ok {
			gapTimer.Reset(max(at.Sub(d.now()), time.Millisecond))
		}
	}
}

// receiveElement runs the per-peer checks on a decrypted element in
// arrival order.
func (p *Peer) receiveElement(elem *QueueInboundElement, reorder *reorderer) {
	d := p.device
	if elem.failed {
		d.drop(p, DropCryptoVerificationFailed, elem.endpoint, "transport authentication failed")
		return
	}
	if !elem.keypair.acceptCounter(elem.counter) {
		d.drop(p, DropReplayRejected, elem.endpoint, "replayed transport counter")
		return
	}

	p.setEndpointFromPacket(elem.endpoint)
	if p.confirmSession(elem.keypair) {
		p.timersHandshakeComplete()
		p.SendStagedPackets()
	}
	p.keepKeyFreshReceiving()
	p.timersAnyAuthenticatedPacketTraversal()
	p.timersAnyAuthenticatedPacketReceived()

	ready, reason := reorder.push(elem, d.now())
	if reason != "" {
		d.drop(p, reason, elem.endpoint, "transport packet out of order")
		return
	}
	for _, e := range ready {
		p.deliver(e)
	}
}

func (p *Peer) keepKeyFreshReceiving() {
	if p.timers.sentLastMinuteHandshake.Load() {
		return
	}
	kp := p.keypairs.Current()
	d := p.device
	if kp != nil && kp.isInitiator && d.now().Sub(kp.created) > d.timers.keepKeyFreshReceivingAge() {
		p.timers.sentLastMinuteHandshake.Store(true)
		p.SendHandshakeInitiation(false)
	}
}

// deliver checks the inner source address against the peer's allowed IPs
// and writes the packet to the TUN device.
func (p *Peer) deliver(elem *QueueInboundElement) {
	d := p.device
	packet := elem.packet
	p.stats.rxPackets.Inc()
	p.stats.rxBytes.Add(uint64(len(packet)))
	if len(packet) == 0 {
		return
	}
	p.timersDataReceived()

	var src []byte
	switch packet[0] >> 4 {
	case ipv4.Version:
		if len(packet) < ipv4.HeaderLen {
			d.drop(p, DropMalformed, elem.endpoint, "short ipv4 packet")
			return
		}
		total := int(binary.BigEndian.Uint16(packet[2:4]))
		if total < ipv4.HeaderLen || total > len(packet) {
			d.drop(p, DropMalformed, elem.endpoint, "bad ipv4 length")
			return
		}
		packet = packet[:total]
		src = packet[12:16]
	case ipv6.Version:
		if len(packet) < ipv6.HeaderLen {
			d.drop(p, DropMalformed, elem.endpoint, "short ipv6 packet")
			return
		}
		total := int(binary.BigEndian.Uint16(packet[4:6])) + ipv6.HeaderLen
		if total > len(packet) {
			d.drop(p, DropMalformed, elem.endpoint, "bad ipv6 length")
			return
		}
		packet = packet[:total]
		src = packet[8:24]
	default:
		d.drop(p, DropMalformed, elem.endpoint, "unknown ip version")
		return
	}

	if owner, ok := d.allowedIPs.LookupBytes(src); !ok || owner != p {
		d.drop(p, DropRoutingViolation, elem.endpoint, "source address not allowed for peer")
		return
	}
	if _, err := d.tun.Write([][]byte{packet}, 0); err != nil && !d.isClosed() {
		d.log.Error("failed to write packet to tun", "err", err)
	}
}
