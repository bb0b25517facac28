// Package tun is the plaintext side of the tunnel: the device reads IP
// packets to encrypt from it and writes decrypted packets back.
package tun

import "errors"

// Device is a layer-3 packet device.
type Device interface {
	// Read reads packets into bufs[i][offset:] and records their lengths in
	// sizes. It returns the number of packets read.
	Read(bufs [][]byte, sizes []int, offset int) (n int, err error)
	// Write writes bufs[i][offset:] as individual packets.
	Write(bufs [][]byte, offset int) (int, error)
	MTU() int
	BatchSize() int
	Close() error
}

var ErrClosed = errors.New("tun: device closed")

// DefaultMTU is used when no MTU is configured.
const DefaultMTU = 1420
