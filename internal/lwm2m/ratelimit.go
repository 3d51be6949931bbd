package lwm2m

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterCleanupInterval = 10 * time.Minute
	limiterIdleTimeout     = 30 * time.Minute
)

// PeerLimiter rate limits datagrams per remote host.
// A nil *PeerLimiter allows everything.
type PeerLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu          sync.Mutex
	peers       map[string]*peerLimiter
	lastCleanup time.Time
}

type peerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewPeerLimiter allows packetsPerSecond per host with the given burst.
// It returns nil when packetsPerSecond is not positive.
func NewPeerLimiter(packetsPerSecond float64, burst int) *PeerLimiter {
	if packetsPerSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &PeerLimiter{
		limit:       rate.Limit(packetsPerSecond),
		burst:       burst,
		now:         time.Now,
		peers:       make(map[string]*peerLimiter),
		lastCleanup: time.Now(),
	}
}

// Allow reports whether a datagram from remote may be processed
func (l *PeerLimiter) Allow(remote net.Addr) bool {
	if l == nil {
		return true
	}

	now := l.now()
	return l.get(peerKey(remote), now).AllowN(now, 1)
}

// Peers returns the number of tracked hosts
func (l *PeerLimiter) Peers() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

func (l *PeerLimiter) get(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastCleanup) > limiterCleanupInterval {
		l.cleanup(now)
	}

	p, ok := l.peers[key]
	if !ok {
		p = &peerLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.peers[key] = p
	}
	p.lastSeen = now
	return p.limiter
}

func (l *PeerLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-limiterIdleTimeout)
	for key, p := range l.peers {
		if p.lastSeen.Before(cutoff) {
			delete(l.peers, key)
		}
	}
	l.lastCleanup = now
}

// peerKey groups ports of one host into a single bucket
func peerKey(remote net.Addr) string {
	if remote == nil {
		return ""
	}
	if udp, ok := remote.(*net.UDPAddr); ok {
		return udp.IP.String()
	}
	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		return remote.String()
	}
	return host
}
