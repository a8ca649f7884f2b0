// Package room implements the room actor: a single goroutine owning one
// room's peer registry, rate limiter, and pending message queue. Exactly
// one goroutine ever touches that state, so none of it needs a mutex —
// all access is serialized through the actor's mailbox channel.
package room

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/peerjs-broker/broker/internals/config"
	"github.com/peerjs-broker/broker/internals/pending"
	"github.com/peerjs-broker/broker/internals/protocol"
	"github.com/peerjs-broker/broker/internals/ratelimit"
	"github.com/peerjs-broker/broker/internals/router"
	"github.com/peerjs-broker/broker/internals/transport"
	"go.uber.org/zap"
)

// ErrRoomFull is returned by Register when the room is already at
// capacity.
var ErrRoomFull = errors.New("room full")

// ErrDuplicatePeerID is returned by Register when a peer with the same id
// is already present; at most one peer per (room, id) is allowed.
var ErrDuplicatePeerID = errors.New("peer id already registered")

type peerEntry struct {
	id              string
	handle          *transport.Handle
	connectedAt     time.Time
	lastHeartbeatAt time.Time
}

// Stats is a point-in-time snapshot of room occupancy, safe to read
// outside the actor goroutine because it's copied out over a channel.
type Stats struct {
	Token     string
	PeerCount int
}

// Actor is a single room's serialized event loop. Construct with New and
// start it with Start before sending it any commands.
type Actor struct {
	token  string
	cfg    config.RoomConfig
	logger *zap.Logger

	mailbox chan any
	done    chan struct{}
	stopped chan struct{}

	// Touched only inside run(); every other method communicates with run()
	// exclusively through the mailbox channel.
	peers          map[string]*peerEntry
	byHandle       map[string]string
	reserved       int
	limiter        *ratelimit.Limiter
	queue          *pending.Queue
	lastActivityAt time.Time
}

func New(token string, cfg config.RoomConfig, logger *zap.Logger) *Actor {
	return &Actor{
		token:    token,
		cfg:      cfg,
		logger:   logger.With(zap.String("room", token)),
		mailbox:  make(chan any, 256),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		peers:    make(map[string]*peerEntry),
		byHandle: make(map[string]string),
		limiter:  ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow),
		queue:    pending.New(cfg.QueueTTL, cfg.MaxQueuedPerPeer),
	}
}

// Start launches the actor's event loop goroutine.
func (a *Actor) Start() {
	go a.run()
}

// --- commands exchanged over the mailbox ---

type reserveCmd struct{ resp chan bool }
type cancelReserveCmd struct{}
type registerCmd struct {
	id     string
	handle *transport.Handle
	resp   chan error
}
type frameCmd struct {
	handleID string
	data     []byte
}
type disconnectCmd struct{ handleID string }
type statsCmd struct{ resp chan Stats }
type stopCmd struct{ ack chan struct{} }

func (a *Actor) run() {
	defer close(a.stopped)
	for {
		select {
		case <-a.done:
			return
		case raw := <-a.mailbox:
			a.lastActivityAt = time.Now()
			if stop := a.dispatch(raw); stop {
				return
			}
		}
	}
}

// dispatch runs one command's handler, recovering from a panic so a bug
// in one handler never takes the whole room down; the offending peer (if
// identifiable) gets an internal-error frame and is disconnected instead.
// Returns true if the actor should stop its loop.
func (a *Actor) dispatch(raw any) (stop bool) {
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.Error("recovered from panic in room actor", zap.Any("panic", rec))
			if cmd, ok := raw.(frameCmd); ok {
				if peerID, ok := a.byHandle[cmd.handleID]; ok {
					if entry, ok := a.peers[peerID]; ok {
						entry.handle.Send(protocol.Error(protocol.ErrInternal, "Internal error processing message"))
						entry.handle.CloseNormal()
					}
				}
			}
		}
	}()

	switch cmd := raw.(type) {
	case reserveCmd:
		a.handleReserve(cmd)
	case cancelReserveCmd:
		if a.reserved > 0 {
			a.reserved--
		}
	case registerCmd:
		a.handleRegister(cmd)
	case frameCmd:
		a.handleFrame(cmd)
	case disconnectCmd:
		a.handleDisconnect(cmd.handleID)
	case statsCmd:
		cmd.resp <- Stats{Token: a.token, PeerCount: len(a.peers)}
	case stopCmd:
		a.handleStop(cmd)
		return true
	}
	return false
}

func (a *Actor) handleStop(cmd stopCmd) {
	for _, entry := range a.peers {
		entry.handle.CloseNormal()
	}
	close(cmd.ack)
}

// --- public, goroutine-safe API (each call round-trips through the mailbox) ---

// Reserve attempts to claim one of MaxPeers capacity slots before the
// caller performs the (blocking) HTTP upgrade, so a full room can be
// rejected with 429 before the upgrade even starts. On success the caller
// must follow up with either Register (consumes the reservation) or
// CancelReserve (releases it, e.g. if the upgrade itself fails).
func (a *Actor) Reserve() bool {
	resp := make(chan bool, 1)
	select {
	case a.mailbox <- reserveCmd{resp: resp}:
	case <-a.done:
		return false
	}
	select {
	case ok := <-resp:
		return ok
	case <-a.done:
		return false
	}
}

func (a *Actor) CancelReserve() {
	select {
	case a.mailbox <- cancelReserveCmd{}:
	case <-a.done:
	}
}

// Register admits handle as peer id, consuming a prior Reserve. Returns
// ErrRoomFull or ErrDuplicatePeerID on failure.
func (a *Actor) Register(id string, handle *transport.Handle) error {
	resp := make(chan error, 1)
	select {
	case a.mailbox <- registerCmd{id: id, handle: handle, resp: resp}:
	case <-a.done:
		return errors.New("room actor stopped")
	}
	select {
	case err := <-resp:
		return err
	case <-a.done:
		return errors.New("room actor stopped")
	}
}

// Dispatch hands an inbound frame to the actor for processing. Called
// from the owning connection's read pump goroutine.
func (a *Actor) Dispatch(handleID string, data []byte) {
	select {
	case a.mailbox <- frameCmd{handleID: handleID, data: data}:
	case <-a.done:
	}
}

// Disconnect notifies the actor that handleID's connection closed or
// errored.
func (a *Actor) Disconnect(handleID string) {
	select {
	case a.mailbox <- disconnectCmd{handleID: handleID}:
	case <-a.done:
	}
}

// Stats returns a point-in-time occupancy snapshot.
func (a *Actor) Stats() Stats {
	resp := make(chan Stats, 1)
	select {
	case a.mailbox <- statsCmd{resp: resp}:
	case <-a.done:
		return Stats{Token: a.token}
	}
	select {
	case s := <-resp:
		return s
	case <-a.done:
		return Stats{Token: a.token}
	}
}

// Stop closes every peer connection and halts the actor's event loop.
// Idempotent; safe to call more than once.
func (a *Actor) Stop() {
	ack := make(chan struct{})
	select {
	case a.mailbox <- stopCmd{ack: ack}:
	case <-a.done:
		return
	}
	select {
	case <-ack:
	case <-a.stopped:
	}
	select {
	case <-a.done:
	default:
		close(a.done)
	}
}

// --- internal handlers, run() goroutine only ---

func (a *Actor) handleReserve(cmd reserveCmd) {
	if len(a.peers)+a.reserved >= a.cfg.MaxPeers {
		cmd.resp <- false
		return
	}
	a.reserved++
	cmd.resp <- true
}

func (a *Actor) handleRegister(cmd registerCmd) {
	if a.reserved > 0 {
		a.reserved--
	}

	if _, exists := a.peers[cmd.id]; exists {
		cmd.resp <- ErrDuplicatePeerID
		return
	}
	if len(a.peers) >= a.cfg.MaxPeers {
		cmd.resp <- ErrRoomFull
		return
	}

	now := time.Now()
	entry := &peerEntry{id: cmd.id, handle: cmd.handle, connectedAt: now, lastHeartbeatAt: now}
	a.peers[cmd.id] = entry
	a.byHandle[cmd.handle.ID] = cmd.id
	cmd.resp <- nil

	// OPEN is enqueued before any queued deliveries so the peer's write
	// pump always drains it first, even though the queue is logically
	// processed as of this same event.
	cmd.handle.Send(protocol.Open(cmd.id))
	a.deliverQueued(cmd.id, now)
}

func (a *Actor) deliverQueued(peerID string, now time.Time) {
	entries := a.queue.Drain(peerID, now)
	entry, ok := a.peers[peerID]
	if !ok {
		return
	}
	for _, e := range entries {
		if !entry.handle.Send(e.Message) {
			a.logger.Warn("queued delivery failed", zap.String("peer", peerID))
		}
	}
}

func (a *Actor) handleFrame(cmd frameCmd) {
	peerID, ok := a.byHandle[cmd.handleID]
	if !ok {
		a.logger.Debug("frame from unrecognized connection, dropping")
		return
	}
	entry := a.peers[peerID]

	if int64(len(cmd.data)) >= a.cfg.MaxFrameBytes {
		entry.handle.Send(protocol.Error(protocol.ErrInvalidMessage, "Message size exceeds 1MB limit"))
		return
	}

	env, verr := protocol.ParseFrame(cmd.data)
	if verr != nil {
		entry.handle.Send(protocol.Error(verr.Kind, verr.Message))
		return
	}

	_, _, verr = protocol.Validate(env)
	if verr != nil {
		entry.handle.Send(protocol.Error(verr.Kind, verr.Message))
		return
	}

	now := time.Now()

	if env.Type == protocol.TypeHeartbeat {
		entry.lastHeartbeatAt = now
		a.sweep(now)
		return
	}

	if !a.limiter.Allow(peerID, now) {
		entry.handle.Send(protocol.Error(protocol.ErrRateLimitExceeded, "Rate limit exceeded (100 messages/second)"))
		return
	}

	a.sweep(now)

	// The sweep above may have just expired this very sender (its
	// heartbeat lapsed while this frame was in flight); nothing left to
	// route to or from it in that case.
	entry, ok = a.peers[peerID]
	if !ok {
		return
	}

	if env.Src != "" && env.Src != peerID {
		entry.handle.Send(protocol.Error(protocol.ErrInvalidMessage, "Message src does not match peer ID"))
		return
	}

	switch env.Type {
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeCandidate:
		a.deliverOrQueue(env.Type, peerID, env.Dst, env.Payload, now)
	case protocol.TypeLeave:
		a.handleLeave(peerID)
	default:
		entry.handle.Send(protocol.Error(protocol.ErrInvalidMessage, "Unknown message type"))
	}

	// Opportunistic queue GC: a pure optimization, never relied on for
	// correctness since Enqueue/Drain already enforce TTL synchronously.
	if rand.Intn(20) == 0 {
		a.queue.GC(now)
	}
}

func (a *Actor) deliverOrQueue(msgType, src, dst string, payload []byte, now time.Time) {
	if dstEntry, ok := a.peers[dst]; ok {
		out := router.Route(msgType, src, dst, payload)
		if !dstEntry.handle.Send(out.Frame) {
			a.logger.Warn("relay send failed", zap.String("src", src), zap.String("dst", dst))
		}
		return
	}

	out := router.Route(msgType, src, dst, payload)
	if a.queue.Enqueue(dst, out.Frame, src, now) {
		return
	}

	if senderEntry, ok := a.peers[src]; ok {
		senderEntry.handle.Send(protocol.Error(protocol.ErrUnknownPeer, fmt.Sprintf("Destination peer not found: %s", dst)))
	}
}

func (a *Actor) handleLeave(src string) {
	a.broadcast(protocol.Leave(src), src)
	if entry := a.removePeer(src); entry != nil {
		entry.handle.CloseNormal()
	}
}

func (a *Actor) handleDisconnect(handleID string) {
	peerID, ok := a.byHandle[handleID]
	if !ok {
		return
	}
	a.removePeer(peerID)
	a.broadcast(protocol.Leave(peerID), peerID)
}

func (a *Actor) sweep(now time.Time) {
	var expired []string
	for id, entry := range a.peers {
		if now.Sub(entry.lastHeartbeatAt) > a.cfg.HeartbeatTimeout {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		entry := a.removePeer(id)
		if entry != nil {
			entry.handle.CloseNormal()
		}
		a.broadcast(protocol.Expire(id), id)
	}
}

// removePeer deletes id from the registry and clears its rate-limit
// state, returning the removed entry (nil if absent).
func (a *Actor) removePeer(id string) *peerEntry {
	entry, ok := a.peers[id]
	if !ok {
		return nil
	}
	delete(a.peers, id)
	delete(a.byHandle, entry.handle.ID)
	a.limiter.Reset(id)
	return entry
}

func (a *Actor) broadcast(frame []byte, excludeID string) {
	for id, entry := range a.peers {
		if id == excludeID {
			continue
		}
		if !entry.handle.Send(frame) {
			a.logger.Warn("broadcast send failed", zap.String("peer", id))
		}
	}
}
