package device

import (
	"crypto/rand"
	"errors"
	"net/netip"
	"time"

	"github.com/bridgefall/tunnel/obf"
)

var errNoEndpoint = errors.New("device: peer has no endpoint")

var noEndpoint netip.AddrPort

const (
	decoyMinLength = 64
	decoyMaxLength = 256
)

// sendMessage obfuscates one canonical protocol message and sends it.
func (d *Device) sendMessage(ep netip.AddrPort, msgType obf.MessageType, msg []byte) error {
	datagram, err := d.framer.Wrap(msgType, msg)
	if err != nil {
		return err
	}
	return d.sendDatagrams(ep, [][]byte{datagram})
}

// sendInitiation sends the signature and junk preamble followed by the
// obfuscated initiation, in that order, in one batch.
func (d *Device) sendInitiation(ep netip.AddrPort, msg []byte) error {
	if !ep.IsValid() {
		return errNoEndpoint
	}
	signatures := d.framer.SignatureDatagrams()
	junk, err := d.framer.JunkDatagrams()
	if err != nil {
		return err
	}
	datagram, err := d.framer.Wrap(obf.MessageInitiation, msg)
	if err != nil {
		return err
	}

	bufs := make([][]byte, 0, len(signatures)+len(junk)+1)
	bufs = append(bufs, signatures...)
	bufs = append(bufs, junk...)
	bufs = append(bufs, datagram)
	if err := d.sendDatagrams(ep, bufs); err != nil {
		return err
	}
	d.metrics.SignaturesSent.Add(uint64(len(signatures)))
	d.metrics.JunkSent.Add(uint64(len(junk)))
	return nil
}

func (d *Device) sendDatagrams(ep netip.AddrPort, bufs [][]byte) error {
	if !ep.IsValid() {
		return errNoEndpoint
	}
	if err := d.bind.Send(bufs, ep); err != nil {
		return err
	}
	for _, b := range bufs {
		d.metrics.TxDatagrams.Inc()
		d.metrics.TxBytes.Add(uint64(len(b)))
	}
	return nil
}

// discardUnclassified accounts for a datagram no message type claimed:
// preamble signatures, junk, or garbage.
func (d *Device) discardUnclassified(data []byte, ep netip.AddrPort) {
	for _, chain := range d.framer.SignatureChains() {
		if _, ok := chain.ValidateSignature(data); ok {
			d.metrics.PreambleSignatures.Inc()
			break
		}
	}
	d.drop(nil, DropJunkDiscarded, ep, "unclassified datagram")
}

// decoyDatagrams builds the junk sent to a decoy endpoint. Without junk
// configured a single random datagram is used.
func (d *Device) decoyDatagrams() ([][]byte, error) {
	junk, err := d.framer.JunkDatagrams()
	if err != nil || len(junk) > 0 {
		return junk, err
	}
	var n [1]byte
	if _, err := rand.Read(n[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, decoyMinLength+int(n[0])%(decoyMaxLength-decoyMinLength+1))
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return [][]byte{buf}, nil
}

// sendDecoyTraffic sends one paced burst to the next decoy endpoint.
func (d *Device) sendDecoyTraffic(now time.Time) {
	endpoints := d.decoys.Endpoints()
	if len(endpoints) == 0 || !d.decoyLimiter.AllowN(now, 1) {
		return
	}
	ep := endpoints[d.decoyNext%len(endpoints)]
	d.decoyNext++

	bufs, err := d.decoyDatagrams()
	if err != nil {
		d.log.Debug("failed to build decoy traffic", "err", err)
		return
	}
	if err := d.sendDatagrams(ep, bufs); err != nil {
		d.log.Debug("failed to send decoy traffic", "addr", ep.String(), "err", err)
		return
	}
	d.metrics.DecoySent.Add(uint64(len(bufs)))
}
