package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/cvalentine99/honeyclass/internal/logging"
)

// Sink publishes events to an external system.
type Sink interface {
	Name() string
	Publish(ctx context.Context, event *Event) error
	Close() error
}

// SinkStats counts publish outcomes of one attached sink.
type SinkStats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

// AttachedSink is a sink subscribed to a bus.
type AttachedSink struct {
	sink      Sink
	timeout   time.Duration
	published atomic.Uint64
	failed    atomic.Uint64
	logger    *slog.Logger
}

// AttachSink subscribes sink to every event on the bus. Publish errors are
// logged and counted; they never reach the emitter.
func (eb *EventBus) AttachSink(sink Sink, timeout time.Duration) *AttachedSink {
	a := &AttachedSink{
		sink:    sink,
		timeout: timeout,
		logger:  logging.EventsLogger().With("sink", sink.Name()),
	}
	eb.SubscribeAll(a.handle)
	return a
}

func (a *AttachedSink) handle(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.sink.Publish(ctx, event); err != nil {
		a.failed.Add(1)
		a.logger.Warn("failed to publish event", "type", event.Type, logging.Err(err))
		return
	}
	a.published.Add(1)
}

// Stats returns publish counters.
func (a *AttachedSink) Stats() SinkStats {
	return SinkStats{Published: a.published.Load(), Failed: a.failed.Load()}
}

// Close closes the underlying sink.
func (a *AttachedSink) Close() error {
	return a.sink.Close()
}

// =============================================================================
// NATS
// =============================================================================

type natsPublisher interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSSink publishes events as JSON on one subject.
type NATSSink struct {
	conn    natsPublisher
	subject string
}

// NewNATSSink connects to url.
func NewNATSSink(url, subject string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("honeyclass"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSSink{conn: nc, subject: subject}, nil
}

// Name implements Sink.
func (s *NATSSink) Name() string { return "nats" }

// Publish implements Sink.
func (s *NATSSink) Publish(ctx context.Context, event *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := event.JSON()
	if err != nil {
		return err
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", s.subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (s *NATSSink) Close() error {
	return s.conn.Drain()
}

// =============================================================================
// Redis
// =============================================================================

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// RedisSink publishes events as JSON on one pub/sub channel.
type RedisSink struct {
	client  redisPublisher
	channel string
}

// NewRedisSink connects to addr and checks the connection.
func NewRedisSink(ctx context.Context, addr, channel string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to connect to Redis: %w", err), client.Close())
	}
	return &RedisSink{client: client, channel: channel}, nil
}

// Name implements Sink.
func (s *RedisSink) Name() string { return "redis" }

// Publish implements Sink.
func (s *RedisSink) Publish(ctx context.Context, event *Event) error {
	data, err := event.JSON()
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.channel, string(data)).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", s.channel, err)
	}
	return nil
}

// Close closes the client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
