package device

import "errors"

// Configuration errors. The packet path never returns errors; it counts
// drops instead.
var (
	ErrDuplicatePeer        = errors.New("device: duplicate peer")
	ErrUnknownPeer          = errors.New("device: unknown peer")
	ErrInvalidPrefix        = errors.New("device: invalid prefix")
	ErrInvalidKey           = errors.New("device: invalid key")
	ErrTooManyPeers         = errors.New("device: too many peers")
	ErrPresharedKeyDisabled = errors.New("device: preshared keys need full crypto enabled")
	ErrSelfPeer             = errors.New("device: peer key equals device key")
	ErrDeviceClosed         = errors.New("device: closed")
	ErrDeviceUp             = errors.New("device: already up")
)
