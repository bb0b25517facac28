package device

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultLogInterval = 10 * time.Second

// logLimiter allows one log line per key per interval.
type logLimiter struct {
	mu      sync.Mutex
	every   rate.Limit
	buckets map[string]*rate.Limiter
}

func newLogLimiter(interval time.Duration) *logLimiter {
	if interval <= 0 {
		interval = defaultLogInterval
	}
	return &logLimiter{
		every:   rate.Every(interval),
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *logLimiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	lim := l.buckets[key]
	if lim == nil {
		lim = rate.NewLimiter(l.every, 1)
		l.buckets[key] = lim
	}
	l.mu.Unlock()
	return lim.AllowN(now, 1)
}
