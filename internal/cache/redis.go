package cache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const settlementTTL = 24 * time.Hour

// Redis wraps a go-redis client with JSON and pub/sub helpers.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// Config defines connection parameters for Redis.
type Config struct {
	Addr     string
	Password string
	DB       int
	UseTLS   bool
}

// New returns a Redis client based on provided configuration.
func New(cfg Config, logger *slog.Logger) *Redis {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return Wrap(redis.NewClient(opts), logger)
}

// Wrap adopts an existing go-redis client.
func Wrap(client *redis.Client, logger *slog.Logger) *Redis {
	return &Redis{
		client: client,
		logger: logger.With("component", "redis"),
	}
}

// Client exposes the underlying go-redis client.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// SetJSON caches a value as JSON with the provided TTL.
func (r *Redis) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	return r.client.Set(ctx, key, data, ttl).Err()
}

// GetJSON retrieves a JSON value into dest. It reports false on a cache miss.
func (r *Redis) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	res, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(res, dest); err != nil {
		return false, fmt.Errorf("json unmarshal: %w", err)
	}
	return true, nil
}

// PublishJSON publishes value as JSON on channel.
func (r *Redis) PublishJSON(ctx context.Context, channel string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a subscription on channel. Callers must Close the returned PubSub.
func (r *Redis) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return r.client.Subscribe(ctx, channel)
}

// Close releases Redis resources.
func (r *Redis) Close() error {
	return r.client.Close()
}

// SettlementChannel is the pub/sub channel carrying proposal updates for a call.
func SettlementChannel(callID string) string {
	return "settlement:" + callID
}

func settlementKey(callID string) string {
	return "settlement:latest:" + callID
}

// PublishSettlement caches the latest proposal view for a call and notifies subscribers.
func (r *Redis) PublishSettlement(ctx context.Context, callID string, view any) error {
	if err := r.SetJSON(ctx, settlementKey(callID), view, settlementTTL); err != nil {
		return fmt.Errorf("cache settlement: %w", err)
	}
	return r.PublishJSON(ctx, SettlementChannel(callID), view)
}

// LatestSettlement loads the cached proposal view for a call.
func (r *Redis) LatestSettlement(ctx context.Context, callID string, dest any) (bool, error) {
	return r.GetJSON(ctx, settlementKey(callID), dest)
}
