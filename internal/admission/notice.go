package admission

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedNoticeKeys caps tracked senders so rotating ids cannot grow memory.
const maxTrackedNoticeKeys = 4096

type noticeEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NoticeLimiter allows one user-facing notice per key per interval.
// Safe for concurrent use.
type NoticeLimiter struct {
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*noticeEntry
}

// NewNoticeLimiter creates a limiter. interval <= 0 allows every notice.
func NewNoticeLimiter(interval time.Duration) *NoticeLimiter {
	return &NoticeLimiter{
		interval: interval,
		now:      time.Now,
		entries:  make(map[string]*noticeEntry),
	}
}

// Allow reports whether a notice for key may be sent now.
func (l *NoticeLimiter) Allow(key string) bool {
	if l.interval <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if len(l.entries) >= maxTrackedNoticeKeys {
		for k, e := range l.entries {
			if now.Sub(e.seen) >= l.interval {
				delete(l.entries, k)
			}
		}
		for len(l.entries) >= maxTrackedNoticeKeys {
			for k := range l.entries {
				delete(l.entries, k)
				break
			}
		}
	}

	e, ok := l.entries[key]
	if !ok {
		e = &noticeEntry{limiter: rate.NewLimiter(rate.Every(l.interval), 1)}
		l.entries[key] = e
	}
	e.seen = now
	return e.limiter.AllowN(now, 1)
}

// Reset forgets key, e.g. after the user was approved.
func (l *NoticeLimiter) Reset(key string) {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}
