package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configure the redis checkpoint store.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces checkpoint keys. Defaults to "parley:checkpoint:".
	KeyPrefix string

	// TTL expires checkpoints after the given duration. Zero keeps them
	// forever.
	TTL time.Duration
}

// RedisStore keeps checkpoints in redis, one key per conversation.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "parley:checkpoint:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStore{client: client, prefix: opts.KeyPrefix, ttl: opts.TTL}, nil
}

func (s *RedisStore) key(conversationID string) string {
	return s.prefix + conversationID
}

// SaveCheckpoint implements CheckpointStore.
func (s *RedisStore) SaveCheckpoint(ctx context.Context, conversationID string, state []byte) error {
	if err := s.client.Set(ctx, s.key(conversationID), state, s.ttl).Err(); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint implements CheckpointStore.
func (s *RedisStore) LoadCheckpoint(ctx context.Context, conversationID string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return data, nil
}

// ListConversations implements CheckpointStore. Keys are walked with SCAN
// to stay friendly to shared instances.
func (s *RedisStore) ListConversations(ctx context.Context) ([]Summary, error) {
	var out []Summary
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		size, err := s.client.StrLen(ctx, key).Result()
		if err != nil {
			continue
		}
		out = append(out, Summary{
			ConversationID: strings.TrimPrefix(key, s.prefix),
			Size:           int(size),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return out, nil
}

// Delete implements CheckpointStore.
func (s *RedisStore) Delete(ctx context.Context, conversationID string) error {
	if err := s.client.Del(ctx, s.key(conversationID)).Err(); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// Close implements CheckpointStore.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
