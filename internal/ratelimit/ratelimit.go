// Package ratelimit enforces the per-user requests-per-minute allowance of a plan.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

var ErrUnknownDriver = errors.New("ratelimit: unknown driver")

// Limiter decides whether one more request from key is allowed under an
// allowance of rpm requests per minute. rpm <= 0 means unlimited.
type Limiter interface {
	Allow(ctx context.Context, key string, rpm int) (bool, error)
}

type Config struct {
	Driver string // memory | redis | none
	Addr   string
	DB     int
	Prefix string
}

// New builds the limiter named by cfg.Driver. An empty driver means memory.
func New(ctx context.Context, cfg Config) (Limiter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "none", "off":
		return None{}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
		}
		return NewRedis(client, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// None allows everything.
type None struct{}

func (None) Allow(context.Context, string, int) (bool, error) { return true, nil }

// Memory is a token bucket per key, refilled at rpm/60 per second with a
// burst of rpm.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	rpm int
	lim *rate.Limiter
}

func NewMemory() *Memory {
	return &Memory{buckets: map[string]*bucket{}, now: time.Now}
}

func (m *Memory) Allow(_ context.Context, key string, rpm int) (bool, error) {
	if rpm <= 0 {
		return true, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok || b.rpm != rpm {
		b = &bucket{rpm: rpm, lim: rate.NewLimiter(rate.Limit(float64(rpm)/60), rpm)}
		m.buckets[key] = b
	}
	return b.lim.AllowN(m.now(), 1), nil
}

// Redis counts requests in fixed one-minute windows shared by every process
// pointing at the same server.
type Redis struct {
	client *redis.Client
	prefix string
	window time.Duration
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "correctord:rl:"
	}
	return &Redis{client: client, prefix: prefix, window: time.Minute}
}

func (r *Redis) Allow(ctx context.Context, key string, rpm int) (bool, error) {
	if rpm <= 0 {
		return true, nil
	}
	k := r.prefix + key
	count, err := r.client.Incr(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("redis incr: %w", err)
	}
	if count == 1 {
		if err := r.client.Expire(ctx, k, r.window).Err(); err != nil {
			return false, fmt.Errorf("redis expire: %w", err)
		}
	}
	return count <= int64(rpm), nil
}

func (r *Redis) Close() error { return r.client.Close() }
