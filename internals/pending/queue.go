// Package pending buffers signaling messages addressed to peers that
// haven't registered yet — a race-tolerant delivery mechanism for the
// "candidate generated before target joins" window. Ephemeral and
// per-room owned — nothing here is persisted.
package pending

import "time"

// Entry is one buffered message awaiting delivery to a destination peer.
type Entry struct {
	Message    []byte
	ReceivedAt time.Time
	SenderID   string
}

// Queue is owned by a single room actor and is never accessed
// concurrently; no internal locking.
type Queue struct {
	ttl       time.Duration
	maxPerKey int
	byDest    map[string][]Entry
}

func New(ttl time.Duration, maxPerKey int) *Queue {
	return &Queue{
		ttl:       ttl,
		maxPerKey: maxPerKey,
		byDest:    make(map[string][]Entry),
	}
}

// Enqueue buffers msg for dst, evicting stale entries first.
// Returns false if the per-key cap is reached after eviction, in which
// case the caller must surface unknown-peer to the sender.
func (q *Queue) Enqueue(dst string, msg []byte, senderID string, now time.Time) bool {
	q.evictStale(dst, now)

	entries := q.byDest[dst]
	if len(entries) >= q.maxPerKey {
		return false
	}

	q.byDest[dst] = append(entries, Entry{Message: msg, ReceivedAt: now, SenderID: senderID})
	return true
}

// Drain returns every non-stale entry queued for dst, in arrival order,
// and deletes the key regardless of whether anything survived.
func (q *Queue) Drain(dst string, now time.Time) []Entry {
	entries := q.byDest[dst]
	delete(q.byDest, dst)

	fresh := entries[:0]
	for _, e := range entries {
		if now.Sub(e.ReceivedAt) <= q.ttl {
			fresh = append(fresh, e)
		}
	}
	return fresh
}

func (q *Queue) evictStale(dst string, now time.Time) {
	entries, ok := q.byDest[dst]
	if !ok {
		return
	}
	fresh := entries[:0]
	for _, e := range entries {
		if now.Sub(e.ReceivedAt) <= q.ttl {
			fresh = append(fresh, e)
		}
	}
	if len(fresh) == 0 {
		delete(q.byDest, dst)
		return
	}
	q.byDest[dst] = fresh
}

// GC opportunistically sweeps every key, dropping stale entries and empty
// keys. This is purely an optimization; Drain and Enqueue already enforce
// TTL on their own, so correctness never depends on GC running.
func (q *Queue) GC(now time.Time) {
	for dst := range q.byDest {
		q.evictStale(dst, now)
	}
}

// Len reports how many destination keys currently hold entries; used for
// bounds-testing.
func (q *Queue) Len() int {
	return len(q.byDest)
}

// QueuedFor reports how many entries are currently queued for dst,
// including ones that may be stale (pre-eviction), for observability.
func (q *Queue) QueuedFor(dst string) int {
	return len(q.byDest[dst])
}
