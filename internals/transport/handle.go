// Package transport wraps a single WebSocket connection with a stable,
// runtime-provided identity. Connection identity must not be compared by
// object reference; Handle.ID is the explicit, comparable substitute
// gorilla/websocket doesn't provide.
package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second

	// readLimitFactor bounds the transport's hard cutoff well above the
	// protocol-level MaxFrameBytes check, so an oversized frame is still
	// read in full and rejected with a graceful ERROR reply instead of
	// having gorilla kill the connection outright.
	readLimitFactor = 4
)

// Handle is a non-owning reference to one WebSocket connection: enough to
// send frames and to compare identity, never enough to reach into the
// runtime's connection internals.
type Handle struct {
	ID string

	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewHandle wraps conn for a single peer connection. maxFrameBytes sizes
// the transport-level read ceiling (see readLimitFactor).
func NewHandle(conn *websocket.Conn, maxFrameBytes int64, logger *zap.Logger) *Handle {
	conn.SetReadLimit(maxFrameBytes * readLimitFactor)
	return &Handle{
		ID:     uuid.New().String(),
		conn:   conn,
		send:   make(chan []byte, 64),
		logger: logger,
	}
}

// Send enqueues a frame for the write pump. Returns false if the send
// buffer is full or the handle is already closed; callers log fan-out
// send failures and move on, never escalating them.
func (h *Handle) Send(data []byte) bool {
	if h.closed.Load() {
		return false
	}
	select {
	case h.send <- data:
		return true
	default:
		return false
	}
}

// CloseNormal closes the connection with a normal-closure frame (close
// code 1000), used for actor-initiated rejects after an accepted
// upgrade.
func (h *Handle) CloseNormal() {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		_ = h.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		close(h.send)
		_ = h.conn.Close()
	})
}

// ReadPump blocks reading frames until the connection closes or errors,
// invoking onMessage per text frame (other data frames are ignored) and
// onDisconnect exactly once at the end.
// Must run in its own goroutine; it's the delivery mechanism that feeds
// inbound frames and lifecycle events to the room actor.
func (h *Handle) ReadPump(onMessage func(*Handle, []byte), onDisconnect func(*Handle, error)) {
	defer func() {
		h.closeOnce.Do(func() {
			h.closed.Store(true)
			close(h.send)
		})
		_ = h.conn.Close()
	}()

	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := h.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				onDisconnect(h, err)
			} else {
				onDisconnect(h, nil)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		onMessage(h, data)
	}
}

// WritePump drains the send buffer onto the wire and keeps the connection
// alive with periodic pings. Must run in its own goroutine alongside
// ReadPump.
func (h *Handle) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = h.conn.Close()
	}()

	for {
		select {
		case data, ok := <-h.send:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = h.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := h.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				if h.logger != nil {
					h.logger.Debug("write failed, closing", zap.String("handle", h.ID), zap.Error(err))
				}
				return
			}
		case <-ticker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
