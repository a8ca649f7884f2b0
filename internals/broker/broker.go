package broker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/peerjs-broker/broker/internals/config"
	"github.com/peerjs-broker/broker/internals/dispatcher"
	"github.com/peerjs-broker/broker/internals/metrics"
	"go.uber.org/zap"
)

// Broker is the top-level process: it owns the room registry, the
// metrics occupancy-reporting loop, and the HTTP server, and it is the
// only thing cmd/broker/main.go talks to.
type Broker struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *Registry
	metrics  *metrics.Metrics
	server   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg *config.Config, logger *zap.Logger) *Broker {
	ctx, cancel := context.WithCancel(context.Background())

	registry := NewRegistry(cfg.Room, logger)
	m := metrics.New(cfg.Metrics, logger)

	b := &Broker{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}

	mux := http.NewServeMux()
	dispatcher.New(cfg, logger, registry, m).Register(mux)

	b.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return b
}

// Start blocks serving HTTP until Stop is called or the server fails.
func (b *Broker) Start() error {
	b.logger.Info("starting broker",
		zap.String("host", b.cfg.Server.Host),
		zap.Int("port", b.cfg.Server.Port),
	)

	go b.registry.cleanupLoop(b.ctx)
	go b.occupancyLoop()

	go func() {
		<-b.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), b.cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = b.server.Shutdown(shutdownCtx)
	}()

	err := b.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop halts the occupancy and cleanup loops, stops every room actor
// (closing all peer connections), and lets the HTTP server drain within
// its configured shutdown timeout.
func (b *Broker) Stop() {
	b.logger.Info("stopping broker")
	b.cancel()
	b.registry.StopAll()
}

func (b *Broker) occupancyLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.registry.ReportOccupancy(b.ctx, b.metrics)
		}
	}
}
