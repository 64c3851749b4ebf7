// Package feedcache holds rendered feed documents in memory with a
// per-entry TTL, keyed by "{channel_id}:{kind}".
package feedcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tubecast/internal/feed"
)

// refreshWindow slides an entry's expiry forward when it is read with less
// than this much lifetime left.
const refreshWindow = 2 * time.Minute

// DefaultTTL is the entry lifetime used when the configured TTL is zero.
const DefaultTTL = 5 * time.Minute

type entry struct {
	artifact  *feed.Artifact
	expiresAt time.Time
}

// Cache is a TTL-bound in-memory feed cache, safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	now     func() time.Time
}

// New creates a cache. A non-positive ttl falls back to DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries: make(map[string]*entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Key builds the cache key for a channel feed.
func Key(channelID, kind string) string {
	return channelID + ":" + kind
}

// Get returns the cached artifact for key, or nil when absent or expired.
// A hit close to expiry has its lifetime extended by the refresh window.
func (c *Cache) Get(key string) *feed.Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	now := c.now()
	if !now.Before(e.expiresAt) {
		delete(c.entries, key)
		return nil
	}
	if e.expiresAt.Sub(now) < refreshWindow {
		e.expiresAt = now.Add(refreshWindow)
	}
	return e.artifact
}

// Set stores an artifact under key with a fresh TTL.
func (c *Cache) Set(key string, art *feed.Artifact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{artifact: art, expiresAt: c.now().Add(c.ttl)}
}

// GetOrCreate returns the cached artifact or builds and stores one via
// factory. The factory runs outside the lock, so concurrent misses for the
// same key may each build; the last write wins.
func (c *Cache) GetOrCreate(ctx context.Context, key string, factory func(context.Context) (*feed.Artifact, error)) (*feed.Artifact, error) {
	if art := c.Get(key); art != nil {
		return art, nil
	}
	art, err := factory(ctx)
	if err != nil {
		return nil, err
	}
	c.Set(key, art)
	return art, nil
}

// InvalidateChannel drops the audio and video entries for a channel.
func (c *Cache) InvalidateChannel(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, Key(channelID, "audio"))
	delete(c.entries, Key(channelID, "video"))
	slog.Debug("Invalidated feed cache", "channel_id", channelID)
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// Len reports live entries, counting expired ones until they are read.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
