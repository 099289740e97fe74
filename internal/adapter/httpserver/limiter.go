package httpserver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	rateLimiterSweepInterval = 5 * time.Minute
	rateLimiterIdleTTL       = 10 * time.Minute
)

// globalLimiter caps concurrent sockets for the whole process.
type globalLimiter struct {
	current atomic.Int64
	max     int64
}

func (l *globalLimiter) acquire() bool {
	for {
		current := l.current.Load()
		if current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *globalLimiter) release() {
	l.current.Add(-1)
}

// ipLimiter caps concurrent sockets per remote address.
type ipLimiter struct {
	mu     sync.Mutex
	ips    map[string]int
	maxPer int
}

func (l *ipLimiter) acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ips[ip] >= l.maxPer {
		return false
	}
	l.ips[ip]++
	return true
}

func (l *ipLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ips[ip] <= 1 {
		delete(l.ips, ip)
		return
	}
	l.ips[ip]--
}

func (l *ipLimiter) count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ips[ip]
}

// handshakeLimiter is a token bucket per remote address for new sockets.
type handshakeLimiter struct {
	clock   clockwork.Clock
	rate    rate.Limit
	burst   int
	mu      sync.Mutex
	buckets map[string]*bucket
	sweepAt time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func (l *handshakeLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.sweepAt) {
		for key, b := range l.buckets {
			if now.Sub(b.lastSeen) > rateLimiterIdleTTL {
				delete(l.buckets, key)
			}
		}
		l.sweepAt = now.Add(rateLimiterSweepInterval)
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// LimitReason describes why a socket was refused before the upgrade.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

// ConnectionLimits combines the global, per-IP and handshake-rate limits.
type ConnectionLimits struct {
	global *globalLimiter
	perIP  *ipLimiter
	rate   *handshakeLimiter
}

func NewConnectionLimits(globalMax, perIPMax int, connectionsPerSecond float64, burst int, clock clockwork.Clock) *ConnectionLimits {
	return &ConnectionLimits{
		global: &globalLimiter{max: int64(globalMax)},
		perIP:  &ipLimiter{ips: make(map[string]int), maxPer: perIPMax},
		rate: &handshakeLimiter{
			clock:   clock,
			rate:    rate.Limit(connectionsPerSecond),
			burst:   burst,
			buckets: make(map[string]*bucket),
			sweepAt: clock.Now().Add(rateLimiterSweepInterval),
		},
	}
}

// Acquire reserves a slot for ip. On success the caller must Release it.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	if !l.rate.allow(ip) {
		return false, LimitReasonRate
	}
	if !l.global.acquire() {
		return false, LimitReasonGlobal
	}
	if !l.perIP.acquire(ip) {
		l.global.release()
		return false, LimitReasonPerIP
	}
	return true, ""
}

func (l *ConnectionLimits) Release(ip string) {
	l.perIP.release(ip)
	l.global.release()
}

// Current returns the number of held slots.
func (l *ConnectionLimits) Current() int64 {
	return l.global.current.Load()
}
