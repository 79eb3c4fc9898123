package cache

import (
	"context"
	"errors"
	"time"
)

// Provider is the persistence contract the incident store writes through.
// A missing key is reported as ErrCacheMiss so callers can tell absence
// apart from transport failure.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Close() error
}

// ErrCacheMiss signals that a cache key was not found.
var ErrCacheMiss = errors.New("cache miss")

// NoopProvider keeps nothing. It stands in when the engine runs without a
// cache so the store wiring stays uniform.
type NoopProvider struct{}

// Get always reports a miss.
func (NoopProvider) Get(context.Context, string) ([]byte, error) { return nil, ErrCacheMiss }

// Set discards the value.
func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error { return nil }

// Del is a no-op.
func (NoopProvider) Del(context.Context, string) error { return nil }

// Close is a no-op.
func (NoopProvider) Close() error { return nil }
