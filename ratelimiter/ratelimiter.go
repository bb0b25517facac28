// Package ratelimiter caps handshake processing per source address with a
// token bucket. Idle entries are collected by a background ticker that runs
// only while the table is non-empty.
package ratelimiter

import (
	"net/netip"
	"sync"
	"time"
)

const (
	defaultPacketsPerSecond = 20
	defaultPacketsBurstable = 5
	defaultHorizon          = time.Second
)

// Config tunes a Ratelimiter. Zero fields take defaults.
type Config struct {
	PacketsPerSecond int
	Burst            int
	// Horizon is how long an entry may stay idle before it is purged.
	Horizon time.Duration
	Now     func() time.Time
}

type entry struct {
	mu       sync.Mutex
	lastTime time.Time
	tokens   int64
}

type Ratelimiter struct {
	mu      sync.RWMutex
	timeNow func() time.Time

	stopReset  chan struct{}
	table      map[netip.Addr]*entry
	packetCost int64
	maxTokens  int64
	horizon    time.Duration
}

// New returns an initialised limiter.
func New(cfg Config) *Ratelimiter {
	rate := &Ratelimiter{timeNow: cfg.Now}
	rate.init(cfg)
	return rate
}

// Init (re)initialises the limiter with the given rate and burst.
func (rate *Ratelimiter) Init(pps, burst int) {
	rate.init(Config{PacketsPerSecond: pps, Burst: burst})
}

func (rate *Ratelimiter) init(cfg Config) {
	rate.mu.Lock()
	defer rate.mu.Unlock()

	pps := cfg.PacketsPerSecond
	if pps <= 0 {
		pps = defaultPacketsPerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultPacketsBurstable
	}
	rate.horizon = cfg.Horizon
	if rate.horizon <= 0 {
		rate.horizon = defaultHorizon
	}

	rate.packetCost = int64(time.Second / time.Duration(pps))
	rate.maxTokens = rate.packetCost * int64(burst)

	if cfg.Now != nil {
		rate.timeNow = cfg.Now
	}
	if rate.timeNow == nil {
		rate.timeNow = time.Now
	}
	if rate.stopReset != nil {
		close(rate.stopReset)
	}

	rate.stopReset = make(chan struct{})
	rate.table = make(map[netip.Addr]*entry)

	stopReset := rate.stopReset
	interval := rate.horizon
	go func() {
		ticker := time.NewTicker(interval)
		ticker.Stop()
		for {
			select {
			case _, ok := <-stopReset:
				ticker.Stop()
				if !ok {
					return
				}
				ticker = time.NewTicker(interval)
			case <-ticker.C:
				if rate.cleanup() {
					ticker.Stop()
				}
			}
		}
	}()
}

// Close stops the collector. A closed limiter allows everything.
func (rate *Ratelimiter) Close() {
	rate.mu.Lock()
	defer rate.mu.Unlock()

	if rate.stopReset != nil {
		close(rate.stopReset)
		rate.stopReset = nil
	}
	rate.table = nil
}

func (rate *Ratelimiter) cleanup() (empty bool) {
	rate.mu.Lock()
	defer rate.mu.Unlock()

	now := rate.timeNow()
	for key, e := range rate.table {
		e.mu.Lock()
		if now.Sub(e.lastTime) > rate.horizon {
			delete(rate.table, key)
		}
		e.mu.Unlock()
	}

	return len(rate.table) == 0
}

// Len returns the number of tracked sources.
func (rate *Ratelimiter) Len() int {
	rate.mu.RLock()
	defer rate.mu.RUnlock()
	return len(rate.table)
}

// Allow consumes one token for ip and reports whether the packet may be
// processed.
func (rate *Ratelimiter) Allow(ip netip.Addr) bool {
	ip = ip.Unmap()

	rate.mu.RLock()
	if rate.stopReset == nil {
		rate.mu.RUnlock()
		return true
	}
	e := rate.table[ip]
	rate.mu.RUnlock()

	if e == nil {
		rate.mu.Lock()
		if rate.stopReset == nil {
			rate.mu.Unlock()
			return true
		}
		if e = rate.table[ip]; e == nil {
			e = &entry{
				tokens:   rate.maxTokens - rate.packetCost,
				lastTime: rate.timeNow(),
			}
			rate.table[ip] = e
			if len(rate.table) == 1 {
				rate.stopReset <- struct{}{}
			}
			rate.mu.Unlock()
			return true
		}
		rate.mu.Unlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := rate.timeNow()
	e.tokens += now.Sub(e.lastTime).Nanoseconds()
	e.lastTime = now
	if e.tokens > rate.maxTokens {
		e.tokens = rate.maxTokens
	}
	if e.tokens > rate.packetCost {
		e.tokens -= rate.packetCost
		return true
	}
	return false
}
