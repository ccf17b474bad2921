// Package redishost provides a Redis-streams-backed sessions.SessionHost so
// the streamable HTTP transport can serve one logical session from any node
// behind a load balancer.
package redishost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/followdrabbit/mcp-protocol-lab/sessions"
)

// Config for a Redis-backed session host. Fields decode from the environment
// via envdecode struct tags.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:sessions:"`
	// StreamTTL bounds how long an idle session log is retained.
	// ENV: SESSIONS_STREAM_TTL
	StreamTTL time.Duration `env:"SESSIONS_STREAM_TTL,default=30m"`
}

// Host implements sessions.SessionHost over Redis streams. Event IDs are the
// stream entry IDs, so SSE Last-Event-ID resume maps directly onto XREAD.
type Host struct {
	client    *redis.Client
	keyPrefix string
	streamTTL time.Duration
}

// New builds a Host and verifies connectivity with a ping.
func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:sessions:"
	}
	ttl := cfg.StreamTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Host{client: cl, keyPrefix: prefix, streamTTL: ttl}, nil
}

// NewFromEnv builds a Host from environment variables.
func NewFromEnv() (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode redishost config: %w", err)
	}
	return New(cfg)
}

// Close closes the underlying Redis client.
func (h *Host) Close() error { return h.client.Close() }

var _ sessions.SessionHost = (*Host)(nil)

func (h *Host) streamKey(sessionID string) string { return h.keyPrefix + "stream:" + sessionID }
func (h *Host) metaKey(sessionID string) string   { return h.keyPrefix + "meta:" + sessionID }

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	key := h.streamKey(sessionID)
	pipe := h.client.Pipeline()
	add := pipe.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: map[string]any{"d": data}})
	pipe.Expire(ctx, key, h.streamTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("xadd %s: %w", key, err)
	}
	return add.Val(), nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	key := h.streamKey(sessionID)
	// "0" replays the whole retained log; a concrete ID resumes after it.
	cursor := lastEventID
	if cursor == "" {
		cursor = "0"
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		streams, err := h.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, cursor},
			Block:   5 * time.Second,
			Count:   64,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // block timeout, re-poll
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xread %s: %w", key, err)
		}
		for _, stream := range streams {
			for _, entry := range stream.Messages {
				data, ok := entry.Values["d"].(string)
				if !ok {
					continue
				}
				if err := handler(ctx, entry.ID, []byte(data)); err != nil {
					return err
				}
				cursor = entry.ID
			}
		}
	}
}

func (h *Host) PutSessionMeta(ctx context.Context, sessionID string, meta sessions.SessionMetadata) error {
	key := h.metaKey(sessionID)
	pipe := h.client.Pipeline()
	pipe.HSet(ctx, key,
		"user", meta.UserID,
		"proto", meta.ProtocolVersion,
		"state", string(meta.State),
	)
	pipe.Expire(ctx, key, h.streamTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

func (h *Host) GetSessionMeta(ctx context.Context, sessionID string) (sessions.SessionMetadata, bool, error) {
	key := h.metaKey(sessionID)
	vals, err := h.client.HGetAll(ctx, key).Result()
	if err != nil {
		return sessions.SessionMetadata{}, false, fmt.Errorf("hgetall %s: %w", key, err)
	}
	if len(vals) == 0 {
		return sessions.SessionMetadata{}, false, nil
	}
	return sessions.SessionMetadata{
		UserID:          vals["user"],
		ProtocolVersion: vals["proto"],
		State:           sessions.SessionState(vals["state"]),
	}, true, nil
}

func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	if err := h.client.Del(ctx, h.streamKey(sessionID), h.metaKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("del session keys: %w", err)
	}
	return nil
}
