package server

import (
	"sync"
	"time"
)

// failedAttempts tracks bad secrets presented by one client.
type failedAttempts struct {
	Count       int
	LastAttempt time.Time
	LockedUntil time.Time
}

// clientLockout blocks a client IP after too many wrong secrets inside a
// window. The secret is shared, so lockouts are per client rather than per
// account.
type clientLockout struct {
	mu              sync.Mutex
	attempts        map[string]*failedAttempts // ip -> attempts
	maxAttempts     int
	lockoutDuration time.Duration
	windowDuration  time.Duration
	now             func() time.Time
}

func newClientLockout(maxAttempts int, lockoutDuration, windowDuration time.Duration) *clientLockout {
	return &clientLockout{
		attempts:        make(map[string]*failedAttempts),
		maxAttempts:     maxAttempts,
		lockoutDuration: lockoutDuration,
		windowDuration:  windowDuration,
		now:             time.Now,
	}
}

// recordFailure counts a bad secret and reports whether ip is now locked.
func (l *clientLockout) recordFailure(ip string) (locked bool, lockedUntil time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	a, ok := l.attempts[ip]
	if !ok {
		a = &failedAttempts{}
		l.attempts[ip] = a
	}
	if now.Sub(a.LastAttempt) > l.windowDuration {
		a.Count = 0
	}
	a.Count++
	a.LastAttempt = now

	if a.Count >= l.maxAttempts {
		a.LockedUntil = now.Add(l.lockoutDuration)
		return true, a.LockedUntil
	}
	return false, time.Time{}
}

func (l *clientLockout) recordSuccess(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, ip)
}

// lockedUntil returns the unlock time, or zero when ip may try again.
func (l *clientLockout) lockedUntil(ip string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.attempts[ip]
	if !ok || !l.now().Before(a.LockedUntil) {
		return time.Time{}
	}
	return a.LockedUntil
}

// sweep drops idle entries once the map grows, instead of a ticker
// goroutine that would outlive the server. Caller holds mu.
func (l *clientLockout) sweep(now time.Time) {
	if len(l.attempts) < 1024 {
		return
	}
	for ip, a := range l.attempts {
		if now.After(a.LockedUntil) && now.Sub(a.LastAttempt) > 2*l.windowDuration {
			delete(l.attempts, ip)
		}
	}
}
