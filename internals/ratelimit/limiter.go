// Package ratelimit implements a fixed sliding-window per-peer admission
// control. It is deliberately not a token bucket: a hard per-window cutoff
// is required, which golang.org/x/time/rate's smoothed admission model
// cannot reproduce exactly (see DESIGN.md).
package ratelimit

import "time"

type window struct {
	start time.Time
	count int
}

// Limiter is owned by a single room actor and is never accessed
// concurrently; no internal locking.
type Limiter struct {
	max      int
	duration time.Duration
	windows  map[string]*window
}

func New(max int, duration time.Duration) *Limiter {
	return &Limiter{
		max:      max,
		duration: duration,
		windows:  make(map[string]*window),
	}
}

// Allow admits one message from peerID at time now: a fresh or expired
// window resets to count=1 and admits; otherwise the message is admitted
// only while count < max.
func (l *Limiter) Allow(peerID string, now time.Time) bool {
	w, ok := l.windows[peerID]
	if !ok {
		l.windows[peerID] = &window{start: now, count: 1}
		return true
	}
	if now.Sub(w.start) >= l.duration {
		w.start = now
		w.count = 1
		return true
	}
	if w.count < l.max {
		w.count++
		return true
	}
	return false
}

// Remaining is a pure derivation of how many admissions are left in the
// peer's current window; it never mutates state.
func (l *Limiter) Remaining(peerID string, now time.Time) int {
	w, ok := l.windows[peerID]
	if !ok || now.Sub(w.start) >= l.duration {
		return l.max
	}
	if l.max-w.count < 0 {
		return 0
	}
	return l.max - w.count
}

// Reset drops peerID's window entirely. Called on peer removal so the
// rate-limit map never outlives the peer it describes.
func (l *Limiter) Reset(peerID string) {
	delete(l.windows, peerID)
}

// Len reports how many peers currently hold a window; used for
// bounds-testing.
func (l *Limiter) Len() int {
	return len(l.windows)
}
