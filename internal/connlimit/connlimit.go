// Package connlimit enforces a per-IP cap on concurrent terminal
// connections (spec §4.H), guarding against one client exhausting PTY
// sessions or file descriptors.
package connlimit

import "sync"

// Limiter tracks the number of active connections per remote IP.
type Limiter struct {
	mu    sync.Mutex
	cap   int
	count map[string]int
}

// New creates a Limiter allowing up to maxPerIP concurrent connections for
// any single IP address.
func New(maxPerIP int) *Limiter {
	return &Limiter{
		cap:   maxPerIP,
		count: make(map[string]int),
	}
}

// TryAcquire attempts to reserve one connection slot for ip. It reports
// false without side effects if ip is already at the cap.
func (l *Limiter) TryAcquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count[ip] >= l.cap {
		return false
	}
	l.count[ip]++
	return true
}

// Release returns one connection slot for ip. Releasing more times than
// acquired saturates at zero and the entry is removed rather than going
// negative.
func (l *Limiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.count[ip]
	if !ok {
		return
	}
	if n <= 1 {
		delete(l.count, ip)
		return
	}
	l.count[ip] = n - 1
}

// Count returns the current number of active connections for ip.
func (l *Limiter) Count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count[ip]
}

// TotalCount returns the number of active connections across all IPs,
// surfaced on /health as an aggregate gauge (spec §4.H "count(ip)").
func (l *Limiter) TotalCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, n := range l.count {
		total += n
	}
	return total
}
