package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"reportflow/internal/logging"
	"reportflow/internal/runner"
)

const (
	redisQueueSize      = 1024
	redisPublishTimeout = 2 * time.Second
)

// RedisPublisher mirrors events as JSON onto a Redis pub/sub channel. Emit only
// enqueues; a background goroutine publishes, and drops events when the queue is full.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	queue   chan runner.Event
	log     *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewRedisPublisherFromURL connects to redisURL and starts publishing to channel.
func NewRedisPublisherFromURL(redisURL, channel string, logger *slog.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisPublisher(client, channel, logger), nil
}

func NewRedisPublisher(client *redis.Client, channel string, logger *slog.Logger) *RedisPublisher {
	p := &RedisPublisher{
		client:  client,
		channel: channel,
		queue:   make(chan runner.Event, redisQueueSize),
		log:     logging.Component(logger, "progress.redis"),
		done:    make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *RedisPublisher) Emit(e runner.Event) {
	select {
	case <-p.done:
	case p.queue <- e:
	default:
	}
}

func (p *RedisPublisher) loop() {
	for {
		select {
		case <-p.done:
			return
		case e := <-p.queue:
			p.publish(e)
		}
	}
}

func (p *RedisPublisher) publish(e runner.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.log.Warn("encode event failed", "event", e.Type, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		p.log.Warn("publish event failed", "event", e.Type, "channel", p.channel, "err", err)
	}
}

// Close stops publishing and closes the client. Queued events are dropped.
func (p *RedisPublisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.client.Close()
	})
	return err
}
