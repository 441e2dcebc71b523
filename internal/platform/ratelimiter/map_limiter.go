package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const sweepEvery = 256

// MapLimiter keeps one token bucket per peer address and drops buckets that went idle.
type MapLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu     sync.Mutex
	byPeer map[string]*bucket
	calls  uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New returns nil when rps or burst is not positive; a nil limiter allows everything.
func New(rps float64, burst int, idleTTL time.Duration) *MapLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &MapLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		byPeer:  make(map[string]*bucket),
	}
}

// Allow consumes one token for peer at now. Peers are compared case-insensitively.
func (l *MapLimiter) Allow(peer string, now time.Time) bool {
	if l == nil {
		return true
	}
	peer = normalizePeer(peer)
	if peer == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byPeer[peer]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byPeer[peer] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	l.calls++
	if l.calls%sweepEvery == 0 {
		l.sweepLocked(now)
	}
	return allowed
}

// Forget drops the bucket of peer so its next request starts with a full burst.
func (l *MapLimiter) Forget(peer string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.byPeer, normalizePeer(peer))
	l.mu.Unlock()
}

func (l *MapLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byPeer)
}

func (l *MapLimiter) sweepLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for peer, b := range l.byPeer {
		if b.lastSeen.Before(cutoff) {
			delete(l.byPeer, peer)
		}
	}
}

func normalizePeer(peer string) string {
	peer = strings.ToLower(strings.TrimSpace(peer))
	if i := strings.IndexByte(peer, '/'); i >= 0 {
		peer = peer[:i]
	}
	return peer
}
