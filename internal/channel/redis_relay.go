package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const defaultRelayPrefix = "m3u8:progress:"

// envelope is the Redis message body. Origin lets an instance skip its own
// publications.
type envelope struct {
	Origin  string `json:"origin"`
	Channel string `json:"channel"`
	Payload string `json:"payload"`
}

// RedisRelay fans progress messages out across server instances with Redis
// pub/sub, so a job running on one instance reaches subscribers connected to
// another. Nothing is stored; messages published while no instance listens
// are lost, like local broadcasts with no subscribers.
type RedisRelay struct {
	client redis.UniversalClient
	prefix string
	origin string
	log    *slog.Logger
}

// NewRedisRelay connects to the Redis server at rawURL (redis:// or rediss://).
func NewRedisRelay(ctx context.Context, rawURL string, log *slog.Logger) (*RedisRelay, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisRelay(client, log), nil
}

func newRedisRelay(client redis.UniversalClient, log *slog.Logger) *RedisRelay {
	if log == nil {
		log = slog.Default()
	}
	return &RedisRelay{
		client: client,
		prefix: defaultRelayPrefix,
		origin: uuid.NewString(),
		log:    log,
	}
}

// Publish implements Relay.
func (r *RedisRelay) Publish(ctx context.Context, channel string, msg []byte) error {
	body, err := json.Marshal(envelope{Origin: r.origin, Channel: channel, Payload: string(msg)})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.prefix+channel, body).Err()
}

// Run delivers messages published by other instances to local subscribers
// until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context, registry *Registry) error {
	ps := r.client.PSubscribe(ctx, r.prefix+"*")
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			r.handle(ctx, registry, m.Payload)
		}
	}
}

// Close releases the Redis connection pool.
func (r *RedisRelay) Close() error {
	return r.client.Close()
}

func (r *RedisRelay) handle(ctx context.Context, registry *Registry, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Warn("dropping malformed relay message", slog.String("error", err.Error()))
		return
	}
	if env.Origin == r.origin || env.Channel == "" {
		return
	}
	registry.Deliver(ctx, env.Channel, []byte(env.Payload))
}
