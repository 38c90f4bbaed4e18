package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus implements Bus on Redis pub/sub so multiple processes observe the
// same coordination events.
type RedisBus struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger

	mu      sync.Mutex
	cancels []func()
	closed  bool
}

// RedisConfig configures the Redis-backed bus.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	PoolSize  int    `yaml:"pool_size" env:"POOL_SIZE"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(cfg RedisConfig, logger *zap.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "batchman:"
	}
	return &RedisBus{
		client:    client,
		keyPrefix: prefix + "bus:",
		logger:    logger.With(zap.String("component", "bus")),
	}, nil
}

func (b *RedisBus) channel(topic string) string { return b.keyPrefix + topic }

// Publish sends the payload to the topic's Redis channel.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe opens a Redis subscription and bridges it onto an Event channel.
func (b *RedisBus) Subscribe(topic string) (<-chan Event, func()) {
	sub := b.client.Subscribe(context.Background(), b.channel(topic))
	out := make(chan Event, 16)
	done := make(chan struct{})

	go func() {
		defer close(out)
		in := sub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- Event{Topic: topic, Payload: []byte(msg.Payload)}:
				default:
					b.logger.Debug("dropping bus event for slow subscriber",
						zap.String("topic", topic))
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			if err := sub.Close(); err != nil {
				b.logger.Warn("failed to close subscription", zap.Error(err))
			}
		})
	}

	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()
	return out, cancel
}

// Close cancels all subscriptions and closes the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancels := b.cancels
	b.cancels = nil
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return b.client.Close()
}
