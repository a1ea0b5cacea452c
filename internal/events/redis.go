package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RedisSink publishes events as JSON on a Redis channel so a separate GUI
// process can follow progress. Publishing happens on its own goroutine; when
// the buffer is full status and error events are dropped, terminal ones are
// kept.
type RedisSink struct {
	client  *redis.Client
	channel string
	timeout time.Duration
	queue   chan Event
	wg      sync.WaitGroup
	once    sync.Once
	logger  *slog.Logger
}

// NewRedisSink creates a RedisSink and starts its publisher.
func NewRedisSink(addr, password string, db int, channel string, logger *slog.Logger) *RedisSink {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	s := &RedisSink{
		client:  rdb,
		channel: channel,
		timeout: 2 * time.Second,
		queue:   make(chan Event, 256),
		logger:  logger.With("component", "redis_sink"),
	}
	s.wg.Add(1)
	go s.publish()
	return s
}

// Ping checks that the server is reachable.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Emit implements Sink. Terminal events wait for room in the buffer; the
// wait is bounded by the publish timeout of the events ahead of them.
func (s *RedisSink) Emit(e Event) {
	if e.Kind.Terminal() {
		s.queue <- e
		return
	}
	select {
	case s.queue <- e:
	default:
		s.logger.Warn("event buffer full, dropping event", "kind", e.Kind, "user_id", e.UserID)
	}
}

func (s *RedisSink) publish() {
	defer s.wg.Done()
	for e := range s.queue {
		payload, err := json.Marshal(e)
		if err != nil {
			s.logger.Error("failed to encode event", "kind", e.Kind, "error", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
			s.logger.Warn("failed to publish event", "kind", e.Kind, "channel", s.channel, "error", err)
		}
		cancel()
	}
}

// Close flushes buffered events and releases the connection pool. Emit must
// not be called after Close.
func (s *RedisSink) Close() error {
	var err error
	s.once.Do(func() {
		close(s.queue)
		s.wg.Wait()
		err = s.client.Close()
	})
	return err
}
