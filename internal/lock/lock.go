// Package lock keeps two day runs from sending at the same time.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrLocked = errors.New("another run holds the lock")

type Config struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type Locker interface {
	// WithLock runs fn while holding key, or returns ErrLocked.
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
	Close() error
}

// New returns a Redis-backed locker, or a no-op one when no address is set.
func New(cfg Config) Locker {
	if cfg.RedisAddr == "" {
		return Noop{}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedis(client, cfg.TTL)
}

type Noop struct{}

func (Noop) WithLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (Noop) Close() error { return nil }

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Redis holds the lock with SET NX and a random owner value so only the
// holder can release it.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return err
	}
	owner := hex.EncodeToString(b)
	lockKey := "outreach:lock:" + key

	ok, err := r.client.SetNX(ctx, lockKey, owner, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", lockKey, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", lockKey, ErrLocked)
	}
	defer releaseScript.Run(context.Background(), r.client, []string{lockKey}, owner)

	return fn(ctx)
}

func (r *Redis) Close() error {
	return r.client.Close()
}
