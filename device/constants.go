package device

import (
	"time"

	"github.com/bridgefall/tunnel/replay"
)

// Protocol timing.
const (
	RekeyAfterMessages      = 1 << 60
	RejectAfterMessages     = replay.RejectAfterMessages
	RekeyAfterTime          = 120 * time.Second
	RejectAfterTime         = 180 * time.Second
	RekeyTimeout            = 5 * time.Second
	KeepaliveTimeout        = 10 * time.Second
	CookieRefreshTime       = 120 * time.Second
	MaxHandshakeBackoff     = 20 * time.Second
	MaxHandshakeAttempts    = 8
	RekeyTimeoutJitterMaxMs = 334
	ReorderTimeout          = 10 * time.Millisecond
	UnderLoadAfterTime      = time.Second
	DecoyInterval           = time.Second
)

// Queue and buffer sizes.
const (
	QueueStagedSize    = 128
	QueueOutboundSize  = 1024
	QueueInboundSize   = 1024
	QueueHandshakeSize = 1024
	ReorderCapacity    = 256
	MaxSegmentSize     = (1 << 16) - 1
	MaxPeers           = 1 << 16
	PaddingMultiple    = 16
)

const (
	UnderLoadQueueSize = QueueHandshakeSize / 8
	MaxMessageSize     = MaxSegmentSize
	MinMessageSize     = 32
)
