package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"market-analyzer/internal/analysis"
)

// ErrCacheMiss is returned by Get when no entry exists.
var ErrCacheMiss = errors.New("cache: miss")

// CandidateCache stores classified results keyed by query criteria.
type CandidateCache interface {
	Get(ctx context.Context, c analysis.Criteria) (analysis.Result, error)
	Set(ctx context.Context, c analysis.Criteria, res analysis.Result) error
	Invalidate(ctx context.Context) error
}

// Options configure the Redis cache.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Redis is a CandidateCache backed by go-redis.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis constructs the cache and verifies connectivity.
func NewRedis(ctx context.Context, opts Options) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client, prefix: opts.Prefix, ttl: opts.TTL}, nil
}

// Key returns the cache key for a criteria set.
func Key(prefix string, c analysis.Criteria) string {
	return prefix + ":candidates:" +
		strconv.FormatInt(c.MinVolume, 10) + ":" +
		strconv.FormatFloat(c.ZThreshold, 'g', -1, 64) + ":" +
		strconv.Itoa(c.Limit)
}

// Get loads a cached result.
func (r *Redis) Get(ctx context.Context, c analysis.Criteria) (analysis.Result, error) {
	data, err := r.client.Get(ctx, Key(r.prefix, c)).Bytes()
	if errors.Is(err, redis.Nil) {
		return analysis.Result{}, ErrCacheMiss
	}
	if err != nil {
		return analysis.Result{}, fmt.Errorf("redis get: %w", err)
	}
	var res analysis.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return analysis.Result{}, fmt.Errorf("decode cached candidates: %w", err)
	}
	return res, nil
}

// Set stores a result for the configured TTL.
func (r *Redis) Set(ctx context.Context, c analysis.Criteria, res analysis.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode candidates: %w", err)
	}
	if err := r.client.Set(ctx, Key(r.prefix, c), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Invalidate drops every cached candidate result.
func (r *Redis) Invalidate(ctx context.Context) error {
	pattern := r.prefix + ":candidates:*"
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Noop never caches.
type Noop struct{}

func (Noop) Get(context.Context, analysis.Criteria) (analysis.Result, error) {
	return analysis.Result{}, ErrCacheMiss
}

func (Noop) Set(context.Context, analysis.Criteria, analysis.Result) error { return nil }

func (Noop) Invalidate(context.Context) error { return nil }

var (
	_ CandidateCache = (*Redis)(nil)
	_ CandidateCache = Noop{}
)
