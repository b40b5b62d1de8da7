package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apiv1 "duet/shared/contracts/api/v1"
)

// participantLimiter holds one token bucket per participant.
// Buckets idle for longer than idle are swept on access.
type participantLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newParticipantLimiter(perSecond float64, burst int, idle time.Duration) *participantLimiter {
	if perSecond <= 0 {
		return nil
	}
	return &participantLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idle:    idle,
		buckets: make(map[string]*bucket),
	}
}

// allow reports whether participantID may act at now, and otherwise how long to wait.
// A nil limiter allows everything.
func (l *participantLimiter) allow(participantID string, now time.Time) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > l.idle {
		for id, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.idle {
				delete(l.buckets, id)
			}
		}
		l.lastSweep = now
	}

	b := l.buckets[participantID]
	if b == nil {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[participantID] = b
	}
	b.lastSeen = now

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

func (l *participantLimiter) size() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(math.Ceil(retryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, apiv1.CodeRateLimited, "too many messages")
}
