package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/peerjs-broker/broker/internals/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// reportTTL bounds how long a dead instance's last-reported occupancy
// keeps contributing to the aggregate; an instance that stops reporting
// ages out within one interval instead of inflating the count forever.
const reportTTL = 30 * time.Second

const keyPrefix = "peerjs-broker:metrics"

// Aggregator merges per-instance occupancy into a cross-process total
// over Redis: if Redis is unreachable at startup, aggregation is simply
// disabled and every process reports its own local counts (see
// Metrics.Snapshot). Only
// ephemeral, TTL-bounded counters ever touch Redis — no peer, room, or
// message content ever gets persisted.
type Aggregator struct {
	client     *redis.Client
	logger     *zap.Logger
	instanceID string
}

func newAggregator(cfg config.MetricsConfig, logger *zap.Logger) (*Aggregator, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Aggregator{
		client:     client,
		logger:     logger,
		instanceID: uuid.New().String(),
	}, nil
}

func (a *Aggregator) roomsKey() string { return fmt.Sprintf("%s:rooms:%s", keyPrefix, a.instanceID) }
func (a *Aggregator) peersKey() string { return fmt.Sprintf("%s:peers:%s", keyPrefix, a.instanceID) }

// Report records this instance's current occupancy with a short TTL.
// Failures are logged and otherwise swallowed — metrics are best-effort
// observability, never load-bearing for signaling correctness.
func (a *Aggregator) Report(ctx context.Context, rooms, peers int) {
	if a == nil {
		return
	}
	pipe := a.client.TxPipeline()
	pipe.Set(ctx, a.roomsKey(), rooms, reportTTL)
	pipe.Set(ctx, a.peersKey(), peers, reportTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		a.logger.Debug("metrics aggregator report failed", zap.Error(err))
	}
}

// GlobalOccupancy sums every live instance's last-reported rooms/peers by
// scanning the keyspace. Instances that stopped reporting drop out once
// their keys expire, so no explicit deregistration is needed.
func (a *Aggregator) GlobalOccupancy(ctx context.Context) (rooms, peers int, err error) {
	if a == nil {
		return 0, 0, fmt.Errorf("aggregator not configured")
	}

	rooms, err = a.sumKeys(ctx, keyPrefix+":rooms:*")
	if err != nil {
		return 0, 0, err
	}
	peers, err = a.sumKeys(ctx, keyPrefix+":peers:*")
	if err != nil {
		return 0, 0, err
	}
	return rooms, peers, nil
}

func (a *Aggregator) sumKeys(ctx context.Context, pattern string) (int, error) {
	var total int
	iter := a.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		val, err := a.client.Get(ctx, iter.Val()).Int()
		if err != nil {
			continue
		}
		total += val
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	return total, nil
}

// Close releases the underlying Redis client.
func (a *Aggregator) Close() error {
	if a == nil {
		return nil
	}
	return a.client.Close()
}
