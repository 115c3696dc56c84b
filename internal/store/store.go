// Package store is the key-value adapter behind device balances, IP quota
// counters, the license cache and the IP blocklist.
//
// Two drivers exist: Redis for deployments and an in-process Memory store
// for development and tests. Both honor per-key TTLs.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Store is the minimal KV surface the gateway needs.
type Store interface {
	// Get returns found=false with a nil error for a missing key.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes value; ttl 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// IncrByFloat atomically adds delta and returns the new value. A missing
	// key starts from 0.
	IncrByFloat(ctx context.Context, key string, delta float64) (float64, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// GetJSON loads and decodes a JSON value. A missing key returns (nil, nil).
func GetJSON[T any](ctx context.Context, s Store, key string) (*T, error) {
	raw, found, err := s.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("store get %q: %w", key, err)
	}
	if !found {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("store decode %q: %w", key, err)
	}
	return &v, nil
}

// SetJSON encodes v as JSON and stores it with ttl.
func SetJSON[T any](ctx context.Context, s Store, key string, v *T, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store encode %q: %w", key, err)
	}
	if err := s.Set(ctx, key, string(data), ttl); err != nil {
		return fmt.Errorf("store set %q: %w", key, err)
	}
	return nil
}

// Prefixed namespaces every key with prefix + ":".
func Prefixed(s Store, prefix string) Store {
	if prefix == "" {
		return s
	}
	return &prefixed{inner: s, prefix: prefix + ":"}
}

type prefixed struct {
	inner  Store
	prefix string
}

func (p *prefixed) Get(ctx context.Context, key string) (string, bool, error) {
	return p.inner.Get(ctx, p.prefix+key)
}

func (p *prefixed) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return p.inner.Set(ctx, p.prefix+key, value, ttl)
}

func (p *prefixed) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return p.inner.Expire(ctx, p.prefix+key, ttl)
}

func (p *prefixed) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	return p.inner.IncrByFloat(ctx, p.prefix+key, delta)
}

func (p *prefixed) Exists(ctx context.Context, key string) (bool, error) {
	return p.inner.Exists(ctx, p.prefix+key)
}

func (p *prefixed) Delete(ctx context.Context, key string) error {
	return p.inner.Delete(ctx, p.prefix+key)
}

func (p *prefixed) Ping(ctx context.Context) error {
	return p.inner.Ping(ctx)
}
