package mirror

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/frostdev-ops/pma-realtime-go/internal/config"
	"github.com/frostdev-ops/pma-realtime-go/internal/delivery"
)

const (
	redisScanCount   = 500
	redisMGetBatch   = 200
	redisPingTimeout = 5 * time.Second
)

// Redis mirrors engine state into Redis. Every call goes through a
// circuit breaker; while it is open calls fail with gobreaker.ErrOpenState.
type Redis struct {
	client  *redis.Client
	prefix  string
	breaker *gobreaker.CircuitBreaker
	logger  *logrus.Logger

	ops       atomic.Uint64
	latencyMu sync.Mutex
	latency   time.Duration
}

// NewRedis connects to the configured server and verifies it with a ping
func NewRedis(cfg config.MirrorConfig, logger *logrus.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"addr":       cfg.Redis.Addr,
		"db":         cfg.Redis.DB,
		"key_prefix": cfg.KeyPrefix,
	}).Info("Redis mirror initialized")

	return NewRedisFromClient(client, cfg.KeyPrefix, cfg.Breaker, logger), nil
}

// NewRedisFromClient wraps an existing client without checking it
func NewRedisFromClient(client *redis.Client, prefix string, cfg config.CircuitBreakerConfig, logger *logrus.Logger) *Redis {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	r := &Redis{client: client, prefix: prefix, logger: logger}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-mirror",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// a missing key is an answer, not a failure
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})
	return r
}

func (r *Redis) execute(fn func() (interface{}, error)) (interface{}, error) {
	start := time.Now()
	r.ops.Add(1)
	v, err := r.breaker.Execute(fn)

	elapsed := time.Since(start)
	r.latencyMu.Lock()
	if r.latency == 0 {
		r.latency = elapsed
	} else {
		r.latency = (r.latency*9 + elapsed) / 10
	}
	r.latencyMu.Unlock()
	return v, err
}

func (r *Redis) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := r.execute(func() (interface{}, error) {
		return nil, r.client.Set(ctx, r.prefix+key, value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("redis put %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.execute(func() (interface{}, error) {
		return r.client.Get(ctx, r.prefix+key).Bytes()
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, delivery.ErrMirrorMiss
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v.([]byte), nil
}

// List scans for every key under prefix and fetches the values in
// batches. Keys that expire between the scan and the fetch are skipped.
func (r *Redis) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	v, err := r.execute(func() (interface{}, error) {
		var keys []string
		iter := r.client.Scan(ctx, 0, escapeGlob(r.prefix+prefix)+"*", redisScanCount).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return nil, err
		}

		out := make(map[string][]byte, len(keys))
		for start := 0; start < len(keys); start += redisMGetBatch {
			end := start + redisMGetBatch
			if end > len(keys) {
				end = len(keys)
			}
			batch := keys[start:end]
			values, err := r.client.MGet(ctx, batch...).Result()
			if err != nil {
				return nil, err
			}
			for i, raw := range values {
				s, ok := raw.(string)
				if !ok {
					continue
				}
				out[strings.TrimPrefix(batch[i], r.prefix)] = []byte(s)
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis list %s: %w", prefix, err)
	}
	return v.(map[string][]byte), nil
}

// Delete removes keys in batches and returns how many existed
func (r *Redis) Delete(ctx context.Context, keys ...string) (int64, error) {
	var removed int64
	for start := 0; start < len(keys); start += redisMGetBatch {
		end := start + redisMGetBatch
		if end > len(keys) {
			end = len(keys)
		}
		full := make([]string, 0, end-start)
		for _, key := range keys[start:end] {
			full = append(full, r.prefix+key)
		}
		v, err := r.execute(func() (interface{}, error) {
			return r.client.Del(ctx, full...).Result()
		})
		if err != nil {
			return removed, fmt.Errorf("redis delete: %w", err)
		}
		removed += v.(int64)
	}
	return removed, nil
}

func (r *Redis) Stats(ctx context.Context) (delivery.ExternalStoreMetrics, error) {
	r.latencyMu.Lock()
	stats := delivery.ExternalStoreMetrics{
		Connections: int(r.client.PoolStats().TotalConns),
		Operations:  r.ops.Load(),
		Latency:     r.latency,
	}
	r.latencyMu.Unlock()

	v, err := r.execute(func() (interface{}, error) {
		return r.client.Info(ctx, "memory").Result()
	})
	if err != nil {
		return stats, fmt.Errorf("redis info: %w", err)
	}
	stats.Memory = parseUsedMemory(v.(string))
	return stats, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func parseUsedMemory(info string) uint64 {
	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if value, ok := strings.CutPrefix(line, "used_memory:"); ok {
			n, err := strconv.ParseUint(value, 10, 64)
			if err == nil {
				return n
			}
		}
	}
	return 0
}

// escapeGlob quotes the characters SCAN MATCH treats as patterns
func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
