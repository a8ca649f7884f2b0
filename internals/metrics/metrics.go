// Package metrics backs the broker's GET /metrics endpoint. The wire
// contract is a fixed JSON shape, not Prometheus exposition format, but
// the counters behind it are real prometheus.Collectors registered on a
// private registry so they never collide with a process-wide default
// registry.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/peerjs-broker/broker/internals/config"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

// Snapshot is the exact JSON shape served under the `metrics` key.
type Snapshot struct {
	ActiveRooms       int     `json:"activeRooms"`
	ActivePeers       int     `json:"activePeers"`
	MessagesPerSecond float64 `json:"messagesPerSecond"`
	ErrorRate         float64 `json:"errorRate"`
}

// Metrics owns the broker's counters and, if configured, a best-effort
// cross-instance occupancy aggregator.
type Metrics struct {
	registry      *prometheus.Registry
	activeRooms   prometheus.Gauge
	activePeers   prometheus.Gauge
	messagesTotal prometheus.Counter
	errorsTotal   prometheus.Counter

	aggregator *Aggregator

	mu           sync.Mutex
	lastSampleAt time.Time
	lastMessages float64
}

func New(cfg config.MetricsConfig, logger *zap.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		activeRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peerjs_broker_active_rooms",
			Help: "Number of rooms with at least one registered peer.",
		}),
		activePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peerjs_broker_active_peers",
			Help: "Number of currently registered peers across all rooms.",
		}),
		messagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerjs_broker_messages_total",
			Help: "Total inbound client frames received.",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerjs_broker_errors_total",
			Help: "Total errors recorded through IncError.",
		}),
		lastSampleAt: time.Now(),
	}

	registry.MustRegister(m.activeRooms, m.activePeers, m.messagesTotal, m.errorsTotal)

	agg, err := newAggregator(cfg, logger)
	if err != nil {
		logger.Warn("metrics redis unreachable, running with local-only occupancy", zap.Error(err))
	}
	m.aggregator = agg

	return m
}

// Registry exposes the private prometheus.Registry for anyone that wants
// real Prometheus exposition format alongside the JSON stub (not wired to
// an HTTP route by default — see DESIGN.md).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// IncMessage is called by the dispatcher for every inbound text frame,
// before the room actor validates it. IncError has no caller in the
// broker, so errorsTotal and the snapshot's ErrorRate stay at zero unless
// something outside it calls IncError.
func (m *Metrics) IncMessage() { m.messagesTotal.Inc() }
func (m *Metrics) IncError()   { m.errorsTotal.Inc() }

// SetOccupancy records this process's current room/peer counts, both
// locally and (if configured) to the cross-instance aggregator.
func (m *Metrics) SetOccupancy(ctx context.Context, rooms, peers int) {
	m.activeRooms.Set(float64(rooms))
	m.activePeers.Set(float64(peers))
	if m.aggregator != nil {
		m.aggregator.Report(ctx, rooms, peers)
	}
}

// Snapshot renders the current counters into the response JSON shape. If
// cross-instance aggregation is enabled, ActiveRooms/ActivePeers reflect
// every live broker instance rather than just this process.
func (m *Metrics) Snapshot(ctx context.Context) Snapshot {
	rooms := int(readGauge(m.activeRooms))
	peers := int(readGauge(m.activePeers))
	if m.aggregator != nil {
		if gr, gp, err := m.aggregator.GlobalOccupancy(ctx); err == nil {
			rooms, peers = gr, gp
		}
	}

	messages := readCounter(m.messagesTotal)
	errors := readCounter(m.errorsTotal)

	m.mu.Lock()
	elapsed := time.Since(m.lastSampleAt).Seconds()
	deltaMessages := messages - m.lastMessages
	var rate float64
	if elapsed > 0 {
		rate = deltaMessages / elapsed
	}
	var errRate float64
	if messages > 0 {
		errRate = errors / messages
	}
	m.lastSampleAt = time.Now()
	m.lastMessages = messages
	m.mu.Unlock()

	if rate < 0 {
		rate = 0
	}

	return Snapshot{
		ActiveRooms:       rooms,
		ActivePeers:       peers,
		MessagesPerSecond: rate,
		ErrorRate:         errRate,
	}
}

func readGauge(g prometheus.Gauge) float64 {
	var out dto.Metric
	if err := g.Write(&out); err != nil {
		return 0
	}
	return out.GetGauge().GetValue()
}

func readCounter(c prometheus.Counter) float64 {
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		return 0
	}
	return out.GetCounter().GetValue()
}
