package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// envelope carries one publish with the originating instance ID so that
// a node can skip its own publishes. User destinations travel untranslated
// and are resolved against each instance's own sessions.
type envelope struct {
	InstanceID  string          `json:"instance_id"`
	Destination string          `json:"destination"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PublishedAt time.Time       `json:"published_at"`
}

// RedisBridge relays publishes between broker instances via Redis pub/sub.
type RedisBridge struct {
	client     *redis.Client
	channel    string
	instanceID string
	target     LocalPublisher
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	active bool
}

// NewRedisBridge creates a bridge that uses Redis pub/sub for cross-instance publishes.
func NewRedisBridge(cfg *RedisConfig, target LocalPublisher, logger zerolog.Logger) *RedisBridge {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithCancel(context.Background())

	return &RedisBridge{
		client:     client,
		channel:    cfg.Channel(),
		instanceID: uuid.New().String(),
		target:     target,
		logger:     logger.With().Str("component", "redis-bridge").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// InstanceID identifies this node on the shared channel.
func (b *RedisBridge) InstanceID() string {
	return b.instanceID
}

// Start subscribes to the shared channel and begins relaying publishes.
func (b *RedisBridge) Start() error {
	if err := b.client.Ping(b.ctx).Err(); err != nil {
		return err
	}

	sub := b.client.Subscribe(b.ctx, b.channel)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(b.ctx); err != nil {
		_ = sub.Close()
		return err
	}

	b.mu.Lock()
	b.active = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.listen(sub)

	b.logger.Info().
		Str("instance_id", b.instanceID).
		Str("channel", b.channel).
		Msg("redis bridge started")
	return nil
}

// Publish sends a publish to all other instances via Redis.
func (b *RedisBridge) Publish(destination string, payload json.RawMessage) error {
	data, err := b.encode(destination, payload)
	if err != nil {
		return err
	}
	return b.client.Publish(b.ctx, b.channel, data).Err()
}

// Stop unsubscribes and closes the Redis connection.
func (b *RedisBridge) Stop() error {
	b.mu.Lock()
	b.active = false
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return b.client.Close()
}

// Available reports whether the bridge is connected.
func (b *RedisBridge) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

func (b *RedisBridge) encode(destination string, payload json.RawMessage) ([]byte, error) {
	return json.Marshal(envelope{
		InstanceID:  b.instanceID,
		Destination: destination,
		Payload:     payload,
		PublishedAt: time.Now(),
	})
}

// listen reads messages from the Redis subscription and hands them to the broker.
func (b *RedisBridge) listen(sub *redis.PubSub) {
	defer b.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleRedisMessage(msg)
		case <-b.ctx.Done():
			return
		}
	}
}

// handleRedisMessage decodes an envelope and publishes non-self messages locally.
func (b *RedisBridge) handleRedisMessage(msg *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.logger.Error().Err(err).Msg("failed to decode redis message")
		return
	}

	// Skip messages that originated from this instance.
	if env.InstanceID == b.instanceID {
		return
	}
	if env.Destination == "" {
		b.logger.Warn().Str("from_instance", env.InstanceID).Msg("relayed publish without destination")
		return
	}

	b.logger.Debug().
		Str("from_instance", env.InstanceID).
		Str("destination", env.Destination).
		Msg("relaying publish from redis")

	b.target.PublishLocal(env.Destination, env.Payload)
}
