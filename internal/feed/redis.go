package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"idrelay/internal/platform/config"
)

// RedisSource adapts a Redis instance to the Source port: Pub/Sub
// carries change notifications, plain GETs serve point reads. Feed
// paths ("a/b/c") map to Redis keys and channels ("a:b:c").
type RedisSource struct {
	client *redis.Client
	logger *slog.Logger
}

// envelope is the published change notification payload.
type envelope struct {
	Value     json.RawMessage `json:"value"`
	EventTime time.Time       `json:"event_time"`
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg config.RedisConfig, logger *slog.Logger) (*RedisSource, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisSource{client: client, logger: logger}, nil
}

// Subscribe streams change notifications published under the path
// prefix. The returned channel closes when ctx is cancelled.
func (s *RedisSource) Subscribe(ctx context.Context, path string) (<-chan Event, error) {
	pattern := pathToKey(path) + ":*"
	pubsub := s.client.PSubscribe(ctx, pattern)

	// Force the subscription to be established before returning so a
	// failure to subscribe surfaces at startup, not silently later.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := decodeEnvelope(msg.Channel, []byte(msg.Payload))
				if err != nil {
					s.logger.Warn("malformed feed notification",
						"channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// ReadOnce performs a bounded point read. Absent keys and timeouts both
// resolve to (nil, nil); only genuine transport failures return errors.
func (s *RedisSource) ReadOnce(ctx context.Context, path string, timeout time.Duration) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	val, err := s.client.Get(rctx, pathToKey(path)).Bytes()
	switch {
	case err == nil:
		return val, nil
	case errors.Is(err, redis.Nil):
		return nil, nil
	case errors.Is(err, context.DeadlineExceeded):
		return nil, nil
	default:
		return nil, fmt.Errorf("point read %s: %w", path, err)
	}
}

// Close releases the underlying Redis connection.
func (s *RedisSource) Close() error {
	return s.client.Close()
}

func decodeEnvelope(channel string, payload []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, err
	}
	return Event{
		Key:       keyToPath(channel),
		Value:     env.Value,
		EventTime: env.EventTime,
	}, nil
}

func pathToKey(path string) string {
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", ":")
}

func keyToPath(key string) string {
	return strings.ReplaceAll(key, ":", "/")
}
