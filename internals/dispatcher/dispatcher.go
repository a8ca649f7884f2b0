// Package dispatcher implements the broker's stateless HTTP surface: CORS,
// health, metrics, and the WebSocket upgrade route that hands connections
// off to the room actor for a given token. It holds no room state itself
// — only a reference to the RoomProvider that does.
package dispatcher

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/peerjs-broker/broker/internals/config"
	"github.com/peerjs-broker/broker/internals/metrics"
	"github.com/peerjs-broker/broker/internals/protocol"
	"github.com/peerjs-broker/broker/internals/room"
	"github.com/peerjs-broker/broker/internals/transport"
	"go.uber.org/zap"
)

const brokerVersion = "1.0.0"

// RoomProvider is the subset of *broker.Registry the dispatcher depends
// on; kept as an interface so dispatcher tests don't need a real
// registry.
type RoomProvider interface {
	GetOrCreate(token string) *room.Actor
}

type Dispatcher struct {
	cfg      *config.Config
	logger   *zap.Logger
	rooms    RoomProvider
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

func New(cfg *config.Config, logger *zap.Logger, rooms RoomProvider, m *metrics.Metrics) *Dispatcher {
	d := &Dispatcher{cfg: cfg, logger: logger, rooms: rooms, metrics: m}
	d.upgrader = websocket.Upgrader{
		CheckOrigin: d.checkOrigin,
	}
	return d
}

// Register attaches the dispatcher's routes to mux.
func (d *Dispatcher) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", d.withCORS(d.handleHealth))
	mux.HandleFunc("/metrics", d.withCORS(d.handleMetrics))
	mux.HandleFunc("/peerjs", d.withCORS(d.handlePeerJS))
	mux.HandleFunc("/", d.withCORS(d.handleNotFound))
}

func (d *Dispatcher) allowedOrigins() []string {
	return d.cfg.Server.AllowedOrigins
}

func (d *Dispatcher) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range d.allowedOrigins() {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// withCORS applies the broker's CORS policy, recovers from a panic in the
// wrapped handler by logging it and returning 500, and short-circuits
// preflight OPTIONS requests.
func (d *Dispatcher) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				d.logger.Error("panic handling request",
					zap.String("path", r.URL.Path),
					zap.Any("recovered", rec),
				)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()

		allowed := d.allowedOrigins()
		origin := r.Header.Get("Origin")

		// "*" in the allow list permits any origin outright; otherwise echo
		// the first configured origin regardless of what the request sent,
		// a deliberately conservative default.
		allowOrigin := ""
		for _, a := range allowed {
			if a == "*" {
				allowOrigin = "*"
				break
			}
		}
		if allowOrigin == "" && len(allowed) > 0 {
			allowOrigin = allowed[0]
		}
		if allowOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

func (d *Dispatcher) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
		"version":   brokerVersion,
	})
}

func (d *Dispatcher) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
		"metrics":   d.metrics.Snapshot(r.Context()),
	})
}

func (d *Dispatcher) handleNotFound(w http.ResponseWriter, r *http.Request) {
	http.NotFound(w, r)
}

// handlePeerJS implements the WebSocket upgrade sequence: it validates
// the request and reserves capacity before the blocking Upgrade call,
// then hands off to the room actor for registration, queued delivery,
// and the OPEN reply.
func (d *Dispatcher) handlePeerJS(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") {
		http.Error(w, "Upgrade Required", http.StatusUpgradeRequired)
		return
	}

	key := r.URL.Query().Get("key")
	id := r.URL.Query().Get("id")
	token := r.URL.Query().Get("token")

	if key == "" || id == "" || token == "" {
		http.Error(w, "missing key/id/token", http.StatusBadRequest)
		return
	}
	if !protocol.PeerIDPattern.MatchString(id) {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	actor := d.rooms.GetOrCreate(token)

	if !actor.Reserve() {
		http.Error(w, "room full", http.StatusTooManyRequests)
		return
	}

	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		actor.CancelReserve()
		return
	}

	handle := transport.NewHandle(conn, d.cfg.Room.MaxFrameBytes, d.logger)

	if err := actor.Register(id, handle); err != nil {
		d.logger.Warn("peer registration failed", zap.String("id", id), zap.Error(err))
		handle.CloseNormal()
		return
	}

	go handle.WritePump()
	go handle.ReadPump(
		func(h *transport.Handle, data []byte) {
			if d.metrics != nil {
				d.metrics.IncMessage()
			}
			actor.Dispatch(h.ID, data)
		},
		func(h *transport.Handle, err error) {
			actor.Disconnect(h.ID)
		},
	)
}
