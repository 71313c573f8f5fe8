package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Eviction defaults for idle key entries.
const (
	DefaultEvictInterval = time.Minute
	DefaultIdleAfter     = 5 * time.Minute
)

// MemoryLimiter is an in-process sliding-window limiter. Each key holds
// the timestamps of its requests within the current window; idle keys
// are evicted by a background sweep so the map stays bounded.
type MemoryLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]*windowEntry
}

type windowEntry struct {
	stamps   []time.Time
	lastSeen time.Time
}

// NewMemoryLimiter creates an empty in-memory limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		now:     time.Now,
		entries: make(map[string]*windowEntry),
	}
}

// Allow records the request if the key's window has room.
func (l *MemoryLimiter) Allow(_ context.Context, key string, capacity int) (Decision, error) {
	if capacity <= 0 {
		return Decision{Allowed: true}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e := l.entries[key]
	if e == nil {
		e = &windowEntry{}
		l.entries[key] = e
	}
	e.lastSeen = now

	cutoff := now.Add(-Window)
	i := 0
	for i < len(e.stamps) && !e.stamps[i].After(cutoff) {
		i++
	}
	e.stamps = e.stamps[i:]

	if len(e.stamps) >= capacity {
		return Decision{
			Remaining:  0,
			RetryAfter: e.stamps[0].Add(Window).Sub(now),
		}, nil
	}
	e.stamps = append(e.stamps, now)
	return Decision{Allowed: true, Remaining: capacity - len(e.stamps)}, nil
}

// StartEviction launches a background goroutine that periodically drops
// idle keys. It stops when ctx is cancelled; the caller waits on wg for
// the goroutine to exit.
func (l *MemoryLimiter) StartEviction(ctx context.Context, wg *sync.WaitGroup, interval, idleAfter time.Duration) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.evict(idleAfter)
			}
		}
	}()
}

func (l *MemoryLimiter) evict(idleAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idleAfter)
	for key, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, key)
		}
	}
}
