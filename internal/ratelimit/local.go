package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter is a per-user token bucket refilled at rpm/60 tokens per
// second with a burst of rpm. Idle users are forgotten by a cleanup loop.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*localEntry

	limit rate.Limit
	burst int

	cleanupInterval time.Duration
	entryTTL        time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

type localEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func NewLocalLimiter(rpm int) *LocalLimiter {
	l := &LocalLimiter{
		limiters:        make(map[string]*localEntry),
		limit:           rate.Limit(float64(rpm) / 60),
		burst:           rpm,
		cleanupInterval: 5 * time.Minute,
		entryTTL:        10 * time.Minute,
		stop:            make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

func (l *LocalLimiter) Allow(_ context.Context, userID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[userID]
	if !ok {
		entry = &localEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[userID] = entry
	}
	entry.lastAccess = time.Now()

	return entry.limiter.Allow(), nil
}

// Len returns the number of tracked users.
func (l *LocalLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Stop ends the cleanup loop.
func (l *LocalLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *LocalLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup(time.Now())
		case <-l.stop:
			return
		}
	}
}

func (l *LocalLimiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.entryTTL)
	for id, entry := range l.limiters {
		if entry.lastAccess.Before(cutoff) {
			delete(l.limiters, id)
		}
	}
}
