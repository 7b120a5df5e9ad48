// Package cache keeps the last known entity lists on the terminal so the UI
// can render while offline. Entries carry a write timestamp and a schema
// version; stale or mismatched entries are evicted when read.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"dukafiti/offline/internal/domain"
	"dukafiti/offline/internal/kv"

	"github.com/rs/zerolog"
)

const (
	Prefix       = "dukafiti_cache:"
	publicPrefix = Prefix + "public:"

	DefaultUserTTL   = 24 * time.Hour
	DefaultPublicTTL = 48 * time.Hour
	DefaultVersion   = "1"
)

type Entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	Version   string          `json:"version"`
}

// UserKey names the per-user list of one entity type.
func UserKey(userID string, entity domain.EntityType) string {
	return UserNamespace(userID) + string(entity)
}

func UserNamespace(userID string) string {
	return Prefix + "user:" + userID + ":"
}

// PublicKey names data shared by every user, such as product templates.
func PublicKey(name string) string {
	return publicPrefix + name
}

type Cache struct {
	// held across every read-modify-write of a cached list
	mu sync.Mutex

	storage   kv.Storage
	log       zerolog.Logger
	now       func() time.Time
	version   string
	userTTL   time.Duration
	publicTTL time.Duration
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithVersion(version string) Option {
	return func(c *Cache) {
		if version != "" {
			c.version = version
		}
	}
}

func WithTTL(user time.Duration, public time.Duration) Option {
	return func(c *Cache) {
		if user > 0 {
			c.userTTL = user
		}
		if public > 0 {
			c.publicTTL = public
		}
	}
}

func New(storage kv.Storage, logger zerolog.Logger, opts ...Option) *Cache {
	c := &Cache{
		storage:   storage,
		log:       logger.With().Str("component", "cache").Logger(),
		now:       time.Now,
		version:   DefaultVersion,
		userTTL:   DefaultUserTTL,
		publicTTL: DefaultPublicTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) Version() string { return c.version }

func (c *Cache) ttlFor(key string) time.Duration {
	if strings.HasPrefix(key, publicPrefix) {
		return c.publicTTL
	}
	return c.userTTL
}

// Get returns the cached data for key. An empty version means the cache's
// configured version.
func (c *Cache) Get(ctx context.Context, key string, version string) (json.RawMessage, bool) {
	if version == "" {
		version = c.version
	}
	raw, ok, err := c.storage.Get(ctx, key)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache entry unreadable, evicting")
		c.Clear(ctx, key)
		return nil, false
	}
	age := c.now().Sub(time.UnixMilli(entry.Timestamp))
	if age >= c.ttlFor(key) || entry.Version != version {
		c.Clear(ctx, key)
		return nil, false
	}
	return entry.Data, true
}

// Set stores data under key. Write failures are logged; the cache is
// best-effort.
func (c *Cache) Set(ctx context.Context, key string, data json.RawMessage, version string) {
	if version == "" {
		version = c.version
	}
	raw, err := json.Marshal(Entry{Data: data, Timestamp: c.now().UnixMilli(), Version: version})
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("encode cache entry failed")
		return
	}
	if err := c.storage.Set(ctx, key, string(raw)); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

func (c *Cache) Clear(ctx context.Context, key string) {
	if err := c.storage.Remove(ctx, key); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache remove failed")
	}
}

// ClearNamespace removes every entry whose key starts with prefix and returns
// how many were removed.
func (c *Cache) ClearNamespace(ctx context.Context, prefix string) int {
	keys, err := c.storage.Keys(ctx, prefix)
	if err != nil {
		c.log.Warn().Err(err).Str("prefix", prefix).Msg("list cache keys failed")
		return 0
	}
	removed := 0
	for _, key := range keys {
		if err := c.storage.Remove(ctx, key); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("cache remove failed")
			continue
		}
		removed++
	}
	return removed
}

// Load decodes a cached list.
func Load[T any](ctx context.Context, c *Cache, key string) ([]T, bool) {
	data, ok := c.Get(ctx, key, "")
	if !ok {
		return nil, false
	}
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cached list has the wrong shape, evicting")
		c.Clear(ctx, key)
		return nil, false
	}
	return items, true
}

// Store replaces a cached list.
func Store[T any](ctx context.Context, c *Cache, key string, items []T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	store(ctx, c, key, items)
}

func store[T any](ctx context.Context, c *Cache, key string, items []T) {
	if items == nil {
		items = []T{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Str("type", fmt.Sprintf("%T", items)).Msg("encode cached list failed")
		return
	}
	c.Set(ctx, key, data, "")
}

// Update loads the list under key, hands it to fn and writes the result back
// when fn asks for it. No other list write can land between the read and the
// write. fn must not call back into the cache's list helpers.
func Update[T any](ctx context.Context, c *Cache, key string, fn func(items []T, cached bool) ([]T, bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	items, cached := Load[T](ctx, c, key)
	if next, write := fn(items, cached); write {
		store(ctx, c, key, next)
	}
}

// Upsert replaces the cached item with the same id, or prepends it.
func Upsert[T domain.Entity](ctx context.Context, c *Cache, key string, item T) {
	Update(ctx, c, key, func(items []T, _ bool) ([]T, bool) {
		for i := range items {
			if items[i].EntityID() == item.EntityID() {
				items[i] = item
				return items, true
			}
		}
		return append([]T{item}, items...), true
	})
}

// Remove drops the cached item with id and reports whether it was present.
func Remove[T domain.Entity](ctx context.Context, c *Cache, key string, id string) bool {
	removed := false
	Update(ctx, c, key, func(items []T, _ bool) ([]T, bool) {
		kept := make([]T, 0, len(items))
		for _, item := range items {
			if item.EntityID() != id {
				kept = append(kept, item)
			}
		}
		removed = len(kept) != len(items)
		return kept, removed
	})
	return removed
}

// Find returns the cached item with id.
func Find[T domain.Entity](ctx context.Context, c *Cache, key string, id string) (T, bool) {
	items, _ := Load[T](ctx, c, key)
	for _, item := range items {
		if item.EntityID() == id {
			return item, true
		}
	}
	var zero T
	return zero, false
}

// ReplaceLocal swaps the local copy identified by tempID, or by a local entry
// sharing the server entity's natural key, for the server entity. A server copy
// already in the list is not duplicated.
func ReplaceLocal[T domain.Entity](ctx context.Context, c *Cache, key string, tempID string, server T) bool {
	replaced := false
	Update(ctx, c, key, func(items []T, _ bool) ([]T, bool) {
		next := make([]T, 0, len(items)+1)
		for _, item := range items {
			ref := item.Ref()
			isTwin := ref.IsLocal() && (ref.ID == tempID || (ref.NaturalKey != "" && ref.NaturalKey == server.NaturalKey()))
			switch {
			case isTwin && !replaced:
				next = append(next, server)
				replaced = true
			case isTwin:
			case item.EntityID() == server.EntityID():
				if !replaced {
					next = append(next, server)
					replaced = true
				}
			default:
				next = append(next, item)
			}
		}
		if !replaced {
			next = append([]T{server}, next...)
		}
		return next, true
	})
	return replaced
}
