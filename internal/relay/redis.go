// Package relay mirrors published event payloads to a Redis pub/sub channel.
package relay

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tapcast/broker/internal/config"
	"github.com/tapcast/broker/internal/metrics"
)

const publishTimeout = 2 * time.Second

// Relay is a best-effort ws.Sink. Send never blocks: payloads go into a
// bounded buffer drained by Run, and are dropped when the buffer is full.
type Relay struct {
	client  *redis.Client
	channel string
	buf     chan []byte
	logger  zerolog.Logger

	stats struct {
		published atomic.Int64
		dropped   atomic.Int64
		failed    atomic.Int64
	}
}

// Stats counts relay outcomes since creation.
type Stats struct {
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
}

func newRelay(client *redis.Client, cfg config.RelayConfig, logger zerolog.Logger) *Relay {
	size := cfg.Buffer
	if size <= 0 {
		size = 256
	}
	return &Relay{
		client:  client,
		channel: cfg.Channel,
		buf:     make(chan []byte, size),
		logger:  logger,
	}
}

// Dial connects to cfg.RedisAddr and verifies the connection.
func Dial(ctx context.Context, cfg config.RelayConfig, logger zerolog.Logger) (*Relay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     4,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis relay %s: %w", cfg.RedisAddr, err)
	}

	logger.Info().
		Str("addr", cfg.RedisAddr).
		Str("channel", cfg.Channel).
		Msg("connected to Redis relay")
	return newRelay(client, cfg, logger), nil
}

// Send queues payload for publication.
func (r *Relay) Send(payload []byte) {
	select {
	case r.buf <- payload:
	default:
		r.stats.dropped.Add(1)
		metrics.IncRelayDropped()
	}
}

// Run publishes queued payloads until ctx is cancelled, then closes the
// client. Publish failures are logged and counted, never retried.
func (r *Relay) Run(ctx context.Context) error {
	defer r.client.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload := <-r.buf:
			r.publish(ctx, payload)
		}
	}
}

func (r *Relay) publish(ctx context.Context, payload []byte) {
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := r.client.Publish(pubCtx, r.channel, payload).Err(); err != nil {
		r.stats.failed.Add(1)
		r.logger.Warn().Err(err).Str("channel", r.channel).Msg("redis publish failed")
		return
	}
	r.stats.published.Add(1)
}

func (r *Relay) Stats() Stats {
	return Stats{
		Published: r.stats.published.Load(),
		Dropped:   r.stats.dropped.Load(),
		Failed:    r.stats.failed.Load(),
	}
}
