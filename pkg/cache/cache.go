// Package cache is a best-effort read accelerator in front of the store.
//
// The data-path methods (Get, Set, Invalidate) never return errors: every
// backend failure is logged and reported as an Outcome, so callers cannot
// propagate a cache problem by accident. Only Ping, used by health probes,
// reports an error.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

const (
	DefaultTTL          = 60 * time.Second
	DefaultTombstoneTTL = time.Second
	DefaultOpTimeout    = time.Second
)

// ErrDisabled is reported by Ping when no backend is configured.
var ErrDisabled = errors.New("cache disabled")

// tombstone is written by Invalidate in InvalidateTombstone mode. It decodes
// as an empty payload, so readers treat it as a miss.
var tombstone = []byte("null")

// Backend is the raw key-value transport behind Cache.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Outcome reports what a cache operation did.
type Outcome int

const (
	// Disabled means no backend is configured.
	Disabled Outcome = iota
	// Hit means a non-empty value was found and decoded.
	Hit
	// Miss means the key was absent, empty or a tombstone.
	Miss
	// Stored means a write or invalidation reached the backend.
	Stored
	// Degraded means the backend or the codec failed; the failure was logged.
	Degraded
)

func (o Outcome) String() string {
	switch o {
	case Disabled:
		return "disabled"
	case Hit:
		return "hit"
	case Miss:
		return "miss"
	case Stored:
		return "stored"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// InvalidationMode selects how Invalidate retires a key.
type InvalidationMode string

const (
	// InvalidateTombstone overwrites the key with a null value and a short TTL.
	InvalidateTombstone InvalidationMode = "tombstone"
	// InvalidateDelete removes the key.
	InvalidateDelete InvalidationMode = "delete"
)

// ParseInvalidationMode maps a config value to a mode; empty selects tombstone.
func ParseInvalidationMode(v string) (InvalidationMode, bool) {
	switch InvalidationMode(v) {
	case "", InvalidateTombstone:
		return InvalidateTombstone, true
	case InvalidateDelete:
		return InvalidateDelete, true
	default:
		return "", false
	}
}

type Options struct {
	TTL          time.Duration
	TombstoneTTL time.Duration
	Invalidation InvalidationMode
	KeyPrefix    string
	OpTimeout    time.Duration
	Logger       *slog.Logger
}

// Cache wraps a Backend with JSON encoding, TTL defaults and failure
// containment. A nil *Cache or one built without a backend is disabled.
type Cache struct {
	backend      Backend
	ttl          time.Duration
	tombstoneTTL time.Duration
	invalidation InvalidationMode
	prefix       string
	timeout      time.Duration
	logger       *slog.Logger
}

// New builds a cache over backend. A nil backend yields a disabled cache.
func New(backend Backend, opts Options) *Cache {
	c := &Cache{
		backend:      backend,
		ttl:          opts.TTL,
		tombstoneTTL: opts.TombstoneTTL,
		invalidation: opts.Invalidation,
		prefix:       opts.KeyPrefix,
		timeout:      opts.OpTimeout,
		logger:       opts.Logger,
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.tombstoneTTL <= 0 {
		c.tombstoneTTL = DefaultTombstoneTTL
	}
	if c.invalidation == "" {
		c.invalidation = InvalidateTombstone
	}
	if c.timeout <= 0 {
		c.timeout = DefaultOpTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Enabled reports whether a backend is configured.
func (c *Cache) Enabled() bool {
	return c != nil && c.backend != nil
}

// TTL returns the default entry lifetime.
func (c *Cache) TTL() time.Duration {
	if c == nil {
		return DefaultTTL
	}
	return c.ttl
}

// Get decodes the value stored under key into dst. dst is only written on Hit.
func (c *Cache) Get(ctx context.Context, key string, dst any) Outcome {
	if !c.Enabled() {
		return Disabled
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	raw, ok, err := c.backend.Get(ctx, c.key(key))
	if err != nil {
		c.logger.Warn("cache get failed", "key", key, "err", err)
		return Degraded
	}
	if !ok || isEmptyPayload(raw) {
		return Miss
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.Warn("cache decode failed", "key", key, "err", err)
		return Degraded
	}
	return Hit
}

// Set stores value under key with the default TTL.
func (c *Cache) Set(ctx context.Context, key string, value any) Outcome {
	return c.SetWithTTL(ctx, key, value, c.TTL())
}

// SetWithTTL stores value under key. The write is detached from ctx
// cancellation so that a client hanging up does not abort it.
func (c *Cache) SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) Outcome {
	if !c.Enabled() {
		return Disabled
	}
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache encode failed", "key", key, "err", err)
		return Degraded
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	if err := c.backend.Set(ctx, c.key(key), raw, ttl); err != nil {
		c.logger.Warn("cache set failed", "key", key, "err", err)
		return Degraded
	}
	return Stored
}

// Invalidate retires key so the next read goes to the store. In tombstone
// mode a reader racing the write may still see the old value until the
// overwrite lands; the tombstone itself expires after TombstoneTTL.
func (c *Cache) Invalidate(ctx context.Context, key string) Outcome {
	if !c.Enabled() {
		return Disabled
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	var err error
	switch c.invalidation {
	case InvalidateDelete:
		err = c.backend.Delete(ctx, c.key(key))
	default:
		err = c.backend.Set(ctx, c.key(key), tombstone, c.tombstoneTTL)
	}
	if err != nil {
		c.logger.Warn("cache invalidate failed", "key", key, "mode", string(c.invalidation), "err", err)
		return Degraded
	}
	return Stored
}

// Ping checks backend connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	return c.backend.Ping(ctx)
}

// Close releases the backend connection.
func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.backend.Close()
}

func (c *Cache) key(k string) string {
	return c.prefix + k
}

// isEmptyPayload reports JSON values that count as "nothing cached".
func isEmptyPayload(raw []byte) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", "[]", "{}", `""`, "0", "false":
		return true
	}
	return false
}
