// Package cache implements the two-tier result cache: an in-memory
// LRU fronting a sharded on-disk tier, keyed by frame content hash,
// detector identity, config hash, and optional scene context.
package cache

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"continuity-engine/internal/frame"
)

// DefaultTTL is the default cache-entry lifetime.
const DefaultTTL = 24 * time.Hour

// DefaultMemoryCapacity is the default memory-tier entry cap.
const DefaultMemoryCapacity = 1000

// DefaultDiskMaxEntries and DefaultDiskMaxBytes are the default
// disk-tier caps.
const (
	DefaultDiskMaxEntries = 10_000
	DefaultDiskMaxBytes   = 1 << 30
)

// DefaultCleanupInterval is the background TTL-sweep cadence.
const DefaultCleanupInterval = time.Hour

// Stats aggregates memory and disk tier statistics.
type Stats struct {
	Memory LRUStats
	Disk   DiskStats
}

// Cache is the two-tier result cache. It is explicitly constructed
// and explicitly shut down; there is no process-wide instance.
type Cache struct {
	memory *LRU
	disk   *Disk
	ttl    time.Duration
	log    *log.Logger

	stopCleanup chan struct{}
	cleanupOnce sync.Once
}

// Config configures a new Cache.
type Config struct {
	MemoryCapacity  int
	DiskDir         string
	DiskMaxEntries  int
	DiskMaxBytes    int64
	TTL             time.Duration
	CleanupInterval time.Duration
	Logger          *log.Logger
}

// New constructs a Cache. The caller is responsible for calling
// Shutdown when done.
func New(cfg Config) (*Cache, error) {
	if cfg.MemoryCapacity <= 0 {
		cfg.MemoryCapacity = DefaultMemoryCapacity
	}
	if cfg.DiskMaxEntries <= 0 {
		cfg.DiskMaxEntries = DefaultDiskMaxEntries
	}
	if cfg.DiskMaxBytes <= 0 {
		cfg.DiskMaxBytes = DefaultDiskMaxBytes
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	disk, err := NewDisk(cfg.DiskDir, cfg.DiskMaxEntries, cfg.DiskMaxBytes, cfg.Logger)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		memory:      NewLRU(cfg.MemoryCapacity),
		disk:        disk,
		ttl:         cfg.TTL,
		log:         cfg.Logger,
		stopCleanup: make(chan struct{}),
	}

	go c.cleanupLoop(cfg.CleanupInterval)
	return c, nil
}

// Get looks up a composite key: a memory hit returns immediately; a
// disk hit promotes the entry to memory and returns it; otherwise a
// miss. TTL is enforced against each tier's own CreatedAt record, so
// an entry reached via Warm or reloaded from a disk index persisted
// across a process restart is checked exactly like any other entry.
func (c *Cache) Get(key string) ([]frame.Detection, bool) {
	if detections, ok := c.memory.Get(key); ok {
		if createdAt, ok := c.memory.CreatedAt(key); ok && time.Since(createdAt) > c.ttl {
			c.memory.Invalidate(key)
			c.disk.Invalidate(key)
			return nil, false
		}
		return detections, true
	}
	if detections, ok := c.disk.Get(key, c.ttl); ok {
		c.memory.Put(key, detections)
		return detections, true
	}
	return nil, false
}

// Put writes through to both tiers.
func (c *Cache) Put(key string, detections []frame.Detection) error {
	c.memory.Put(key, detections)
	return c.disk.Put(key, detections)
}

// InvalidateDetector removes all keys for the given detector name
// (every key containing ":slug:").
func (c *Cache) InvalidateDetector(name string) int {
	needle := ":" + Slug(name) + ":"
	match := func(key string) bool { return strings.Contains(key, needle) }
	return c.memory.InvalidatePattern(match) + c.disk.InvalidatePattern(match)
}

// InvalidateConfig removes keys for (name, config)'s config hash.
func (c *Cache) InvalidateConfig(name string, config map[string]any) int {
	needle := ":" + Slug(name) + ":"
	hash := ConfigHash(config)
	match := func(key string) bool {
		return strings.Contains(key, needle) && strings.Contains(key, hash)
	}
	return c.memory.InvalidatePattern(match) + c.disk.InvalidatePattern(match)
}

// InvalidateScene removes keys carrying the given scene-context suffix.
func (c *Cache) InvalidateScene(sceneContext string) int {
	match := func(key string) bool { return strings.HasSuffix(key, ":"+sceneContext) }
	return c.memory.InvalidatePattern(match) + c.disk.InvalidatePattern(match)
}

// InvalidateFrame removes keys starting with the given frame hash.
func (c *Cache) InvalidateFrame(frameHash string) int {
	prefix := frameHash + ":"
	match := func(key string) bool { return strings.HasPrefix(key, prefix) }
	return c.memory.InvalidatePattern(match) + c.disk.InvalidatePattern(match)
}

// Clear empties both tiers.
func (c *Cache) Clear() {
	c.memory.Clear()
	c.disk.Clear()
}

// Warm pre-populates the memory tier from known-hot disk keys, so a
// restarted process does not begin with a cold memory tier.
func (c *Cache) Warm(ctx context.Context, keys []string) int {
	warmed := 0
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return warmed
		default:
		}
		if detections, ok := c.disk.Get(key, c.ttl); ok {
			c.memory.Put(key, detections)
			warmed++
		}
	}
	c.log.Printf("[cache] warmed %d/%d keys", warmed, len(keys))
	return warmed
}

// Stats returns a snapshot of both tiers.
func (c *Cache) Stats() Stats {
	return Stats{Memory: c.memory.Stats(), Disk: c.disk.Stats()}
}

func (c *Cache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCleanup:
			return
		case <-ticker.C:
			n := c.disk.Cleanup(c.ttl)
			if n > 0 {
				c.log.Printf("[cache] expired %d entries from disk tier", n)
			}
		}
	}
}

// Shutdown stops the background cleanup loop and checkpoints the disk
// index.
func (c *Cache) Shutdown() error {
	c.cleanupOnce.Do(func() { close(c.stopCleanup) })
	return c.disk.Shutdown()
}
