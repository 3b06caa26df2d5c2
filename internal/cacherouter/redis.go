package cacherouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stwalsh4118/vivo/internal/logger"
)

const (
	redisKeyPrefix   = "vivo:shell:"
	redisGenerations = redisKeyPrefix + "generations"
)

// RedisStore keeps each generation in a Redis hash keyed by path,
// plus a set listing the known generations.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisStore connects to addr and verifies the connection
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	store := newRedisStore(client)
	store.logger.Info().Str("addr", addr).Msg("Connected to Redis shell cache")
	return store, nil
}

func newRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger.WithComponent("cache-redis"),
	}
}

func generationKey(generation string) string {
	return redisKeyPrefix + generation
}

// Get returns the entry for path in generation, or ErrMiss
func (r *RedisStore) Get(ctx context.Context, generation, path string) (*Entry, error) {
	data, err := r.client.HGet(ctx, generationKey(generation), path).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", path, err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		r.logger.Warn().Err(err).Str("path", path).Msg("Discarding undecodable cache entry")
		return nil, ErrMiss
	}
	return &e, nil
}

// Put stores e under path in generation
func (r *RedisStore) Put(ctx context.Context, generation, path string, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, generationKey(generation), path, data)
		pipe.SAdd(ctx, redisGenerations, generation)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put %s: %w", path, err)
	}
	return nil
}

// Generations lists stored generation names in sorted order
func (r *RedisStore) Generations(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(ctx, redisGenerations).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list generations: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteGeneration removes a generation and all of its entries
func (r *RedisStore) DeleteGeneration(ctx context.Context, generation string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, generationKey(generation))
		pipe.SRem(ctx, redisGenerations, generation)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete generation %s: %w", generation, err)
	}
	return nil
}

// Close releases the Redis connection pool
func (r *RedisStore) Close() error {
	return r.client.Close()
}
