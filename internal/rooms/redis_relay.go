package rooms

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisRelay carries room broadcasts between server instances over Redis
// pub/sub.
type RedisRelay struct {
	client     *redis.Client
	instanceID string
	prefix     string
	logger     *zap.Logger
}

type relayEnvelope struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// NewRedisRelay connects to Redis and verifies the connection.
func NewRedisRelay(redisURL, instanceID string, logger *zap.Logger) (*RedisRelay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisRelayWithClient(client, instanceID, logger), nil
}

func NewRedisRelayWithClient(client *redis.Client, instanceID string, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		client:     client,
		instanceID: instanceID,
		prefix:     "room:",
		logger:     logger.Named("relay"),
	}
}

func (r *RedisRelay) channel(workspaceID string) string {
	return r.prefix + workspaceID
}

// Publish sends payload to every other instance serving workspaceID.
func (r *RedisRelay) Publish(ctx context.Context, workspaceID string, payload []byte) error {
	data, err := json.Marshal(relayEnvelope{Origin: r.instanceID, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal relay envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel(workspaceID), data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", workspaceID, err)
	}
	return nil
}

// Listen subscribes to every room channel and hands messages from other
// instances to deliver. The subscription is active when Listen returns;
// it ends when ctx is cancelled or stop is called.
func (r *RedisRelay) Listen(ctx context.Context, deliver func(ctx context.Context, workspaceID string, payload []byte) int) (stop func(), err error) {
	sub := r.client.PSubscribe(ctx, r.prefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to rooms: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env relayEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Warn("drop malformed relay message", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				if env.Origin == r.instanceID {
					continue
				}
				workspaceID := strings.TrimPrefix(msg.Channel, r.prefix)
				deliver(ctx, workspaceID, env.Payload)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}

func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
