package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_AdmitsUpToMax(t *testing.T) {
	l := New(3, time.Second)
	now := time.Now()

	assert.True(t, l.Allow("alice", now))
	assert.True(t, l.Allow("alice", now))
	assert.True(t, l.Allow("alice", now))
	assert.False(t, l.Allow("alice", now), "fourth message within the window must be rejected")
}

func TestLimiter_HardCutoffNotSmoothed(t *testing.T) {
	// A token bucket would have started refilling partway through the
	// window; a fixed window must not admit anything extra until the
	// window boundary passes.
	l := New(2, time.Second)
	now := time.Now()
	assert.True(t, l.Allow("alice", now))
	assert.True(t, l.Allow("alice", now.Add(500*time.Millisecond)))
	assert.False(t, l.Allow("alice", now.Add(999*time.Millisecond)))
}

func TestLimiter_ResetsOnWindowBoundary(t *testing.T) {
	l := New(1, time.Second)
	now := time.Now()
	assert.True(t, l.Allow("alice", now))
	assert.False(t, l.Allow("alice", now.Add(500*time.Millisecond)))
	assert.True(t, l.Allow("alice", now.Add(1500*time.Millisecond)))
}

func TestLimiter_PeersAreIndependent(t *testing.T) {
	l := New(1, time.Second)
	now := time.Now()
	assert.True(t, l.Allow("alice", now))
	assert.True(t, l.Allow("bob", now))
	assert.False(t, l.Allow("alice", now))
}

func TestLimiter_Reset(t *testing.T) {
	l := New(1, time.Second)
	now := time.Now()
	l.Allow("alice", now)
	assert.Equal(t, 1, l.Len())
	l.Reset("alice")
	assert.Equal(t, 0, l.Len())
	assert.True(t, l.Allow("alice", now), "window must be fully cleared after Reset")
}

func TestLimiter_Remaining(t *testing.T) {
	l := New(3, time.Second)
	now := time.Now()
	assert.Equal(t, 3, l.Remaining("alice", now))
	l.Allow("alice", now)
	assert.Equal(t, 2, l.Remaining("alice", now))
}
