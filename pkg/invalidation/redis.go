package invalidation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultRelayChannel is the pub/sub channel used when none is configured.
const DefaultRelayChannel = "querysync:effects"

// RedisRelayConfig holds the configuration for the Redis relay.
type RedisRelayConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

type relayMessage struct {
	Origin string `json:"origin"`
	Effect Effect `json:"effect"`
}

// RedisRelay is a Relay over Redis pub/sub. Each relay stamps its messages
// with a random origin id and drops its own echoes.
type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string
	owned   bool
	logger  zerolog.Logger
}

// NewRedisRelay connects to Redis and pings it before returning.
func NewRedisRelay(ctx context.Context, cfg *RedisRelayConfig, logger zerolog.Logger) (*RedisRelay, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	r := NewRedisRelayFromClient(rdb, cfg.Channel, logger)
	r.owned = true
	return r, nil
}

// NewRedisRelayFromClient wraps an existing client. Close does not close a
// client it did not create.
func NewRedisRelayFromClient(client *redis.Client, channel string, logger zerolog.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	origin := uuid.NewString()
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  origin,
		logger:  logger.With().Str("component", "RedisRelay").Str("origin", origin).Logger(),
	}
}

// Origin returns the id stamped on messages published by r.
func (r *RedisRelay) Origin() string { return r.origin }

func (r *RedisRelay) Publish(ctx context.Context, e Effect) error {
	payload, err := json.Marshal(relayMessage{Origin: r.origin, Effect: e})
	if err != nil {
		return fmt.Errorf("failed to marshal effect: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish effect to %s: %w", r.channel, err)
	}
	return nil
}

func (r *RedisRelay) Subscribe(ctx context.Context) (<-chan Effect, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	// Wait for the subscription confirmation so no message published after
	// we return is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	out := make(chan Effect)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var m relayMessage
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					r.logger.Warn().Err(err).Msg("Discarding malformed relay message.")
					continue
				}
				if m.Origin == r.origin {
					continue
				}
				select {
				case out <- m.Effect:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *RedisRelay) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

var _ Relay = (*RedisRelay)(nil)
