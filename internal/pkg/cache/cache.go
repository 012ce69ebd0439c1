package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

// ErrInvalidateTimeout is returned when an invalidation exceeds its deadline.
var ErrInvalidateTimeout = errors.New("cache: invalidate timed out")

// Invalidator drops cached entries so readers reload them from the store.
type Invalidator interface {
	Invalidate(ctx context.Context, keys ...string) error
}

// Options configure the Redis connection.
type Options struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Client is an Invalidator backed by Redis (or Dragonfly).
type Client struct {
	rdb *redis.Client
}

// New connects to the cache server. A failed ping is logged but not fatal:
// invalidation is best-effort and the server may come up later.
func New(ctx context.Context, opts Options) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", opts.Host, opts.Port),
		Password: opts.Password,
		DB:       opts.DB,
	})

	pong, err := rdb.Ping(ctx).Result()
	if err != nil {
		log.Warnf("[Cache] Could not connect to cache at %s: %v", rdb.Options().Addr, err)
	} else {
		log.Infof("[Cache] Successfully connected to cache: %s", pong)
	}
	return &Client{rdb: rdb}
}

// NewFromRedis wraps an existing client.
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Redis returns the underlying client.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Invalidate deletes the given keys. Missing keys are not an error.
func (c *Client) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Nop is used when no cache is configured.
type Nop struct{}

func (Nop) Invalidate(context.Context, ...string) error { return nil }

// OrderKey is the cache key of an order.
func OrderKey(medusaOrderID string) string {
	return "order:" + medusaOrderID
}

// UserSubscriptionKey is the cache key of a user's subscription state.
func UserSubscriptionKey(userID uint) string {
	return fmt.Sprintf("subscription:user:%d", userID)
}

// InvalidateWithTimeout runs the invalidation with a hard deadline. It
// returns once timeout elapses even if the invalidator ignores ctx.
func InvalidateWithTimeout(ctx context.Context, inv Invalidator, timeout time.Duration, keys ...string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- inv.Invalidate(ctx, keys...)
	}()

	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s: %v", ErrInvalidateTimeout, timeout, err)
		}
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrInvalidateTimeout, timeout)
		}
		return ctx.Err()
	}
}
