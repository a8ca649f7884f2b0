// Package broker wires configuration, logging, metrics, the HTTP
// dispatcher, and the per-room actor registry into a running process.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/peerjs-broker/broker/internals/config"
	"github.com/peerjs-broker/broker/internals/metrics"
	"github.com/peerjs-broker/broker/internals/room"
	"go.uber.org/zap"
)

// idleRoomTTL bounds how long an empty room actor is kept around before
// cleanupLoop reclaims it.
const idleRoomTTL = 30 * time.Second

// Registry owns every room actor, keyed by the `token` query parameter
// (one room per token). The registry itself is the only place a mutex is
// needed; each actor it hands out remains single-threaded internally.
type Registry struct {
	cfg    config.RoomConfig
	logger *zap.Logger

	mu    sync.Mutex
	rooms map[string]*room.Actor
}

func NewRegistry(cfg config.RoomConfig, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:    cfg,
		logger: logger,
		rooms:  make(map[string]*room.Actor),
	}
}

// GetOrCreate returns the actor for token, starting a new one if this is
// the first request for it.
func (r *Registry) GetOrCreate(token string) *room.Actor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.rooms[token]; ok {
		return a
	}

	a := room.New(token, r.cfg, r.logger)
	a.Start()
	r.rooms[token] = a
	return a
}

// Stats returns an occupancy snapshot for every currently tracked room.
func (r *Registry) Stats() []room.Stats {
	r.mu.Lock()
	actors := make([]*room.Actor, 0, len(r.rooms))
	for _, a := range r.rooms {
		actors = append(actors, a)
	}
	r.mu.Unlock()

	stats := make([]room.Stats, 0, len(actors))
	for _, a := range actors {
		stats = append(stats, a.Stats())
	}
	return stats
}

// Occupancy reports total rooms and peers across the registry.
func (r *Registry) Occupancy() (rooms, peers int) {
	stats := r.Stats()
	for _, s := range stats {
		if s.PeerCount > 0 {
			rooms++
		}
		peers += s.PeerCount
	}
	return rooms, peers
}

// cleanupLoop periodically stops and removes empty room actors, freeing
// their goroutine and mailbox.
func (r *Registry) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(idleRoomTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapEmpty()
		}
	}
}

func (r *Registry) reapEmpty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for token, a := range r.rooms {
		if a.Stats().PeerCount == 0 {
			a.Stop()
			delete(r.rooms, token)
			r.logger.Debug("reclaimed empty room", zap.String("token", token))
		}
	}
}

// StopAll halts every room actor, used during graceful shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for token, a := range r.rooms {
		a.Stop()
		delete(r.rooms, token)
	}
}

// ReportOccupancy pushes this process's current room/peer counts into m,
// called periodically from Broker's metrics loop.
func (r *Registry) ReportOccupancy(ctx context.Context, m *metrics.Metrics) {
	rooms, peers := r.Occupancy()
	m.SetOccupancy(ctx, rooms, peers)
}
