package store

import (
	"context"
	"errors"
	"fmt"
	"pow-ledger/logger"
	"sort"
	"strings"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps each checkpoint under prefix:checkpoint:<name> and
// indexes the names in the prefix:checkpoints set.
type RedisStore struct {
	*redis.Client
	prefix string
}

func NewRedisStore(ctx context.Context, addr string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	result, err := client.Ping(ctx).Result()
	if err != nil || strings.ToLower(result) != "pong" {
		client.Close()
		return nil, fmt.Errorf("failed to connect to the redis server %s: %s %v", addr, result, err)
	}

	log.WithFields(logger.Fields{
		"addr":   addr,
		"db":     db,
		"prefix": prefix,
	}).Info("Redis checkpoint store connected")
	return &RedisStore{Client: client, prefix: prefix}, nil
}

func (r *RedisStore) indexKey() string {
	return r.prefix + ":checkpoints"
}

func (r *RedisStore) dataKey(key string) string {
	return r.prefix + ":checkpoint:" + key
}

func (r *RedisStore) Save(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return ErrEmptyKey
	}

	ppl := r.TxPipeline()
	ppl.Set(ctx, r.dataKey(key), data, 0)
	ppl.SAdd(ctx, r.indexKey(), key)
	if _, err := ppl.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := r.Get(ctx, r.dataKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", key, err)
	}
	return data, nil
}

func (r *RedisStore) List(ctx context.Context) ([]string, error) {
	keys, err := r.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *RedisStore) Close() error {
	return r.Client.Close()
}
