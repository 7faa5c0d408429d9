package cache

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"continuity-engine/internal/frame"
)

// ErrCacheCorruption is logged when a disk entry's file is missing or
// its deserialization fails. The offending key is dropped from the
// index and a miss is reported; the caller of Get never sees this
// error directly.
var ErrCacheCorruption = fmt.Errorf("cache: disk entry corrupted")

// DiskStats is a snapshot of the disk tier's counters.
type DiskStats struct {
	EntryCount int
	TotalBytes int64
	MaxEntries int
	MaxBytes   int64
}

type indexEntry struct {
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
}

// Disk is the sharded on-disk cache tier. Files are sharded by the
// first two hex characters of the key; an index file maps key ->
// {size, created_at, last_access}.
type Disk struct {
	mu         sync.Mutex
	dir        string
	maxEntries int
	maxBytes   int64
	index      map[string]indexEntry
	writes     int
	log        *log.Logger
}

// NewDisk opens (or creates) a disk cache tier rooted at dir.
func NewDisk(dir string, maxEntries int, maxBytes int64, logger *log.Logger) (*Disk, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating disk cache dir: %w", err)
	}
	d := &Disk{
		dir:        dir,
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		index:      make(map[string]indexEntry),
		log:        logger,
	}
	if err := d.loadIndex(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Disk) indexPath() string { return filepath.Join(d.dir, "cache_index.json") }

func (d *Disk) shardDir(key string) string {
	shard := "00"
	if len(key) >= 2 {
		shard = key[:2]
	}
	return filepath.Join(d.dir, shard)
}

func (d *Disk) entryPath(key string) string {
	return filepath.Join(d.shardDir(key), key+".blob")
}

func (d *Disk) loadIndex() error {
	data, err := os.ReadFile(d.indexPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cache: reading index: %w", err)
	}
	var idx map[string]indexEntry
	if err := json.Unmarshal(data, &idx); err != nil {
		d.log.Printf("[cache] index file corrupted, starting fresh: %v", err)
		return nil
	}
	d.index = idx
	return nil
}

// saveIndex writes the index atomically (temp-file-then-rename). Must
// be called with d.mu held.
func (d *Disk) saveIndex() error {
	data, err := json.Marshal(d.index)
	if err != nil {
		return err
	}
	tmp := d.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("cache: writing index temp file: %w", err)
	}
	return os.Rename(tmp, d.indexPath())
}

// Get returns the cached detections for key, promoting its
// last-access time. Reports a miss (not an error) if the entry is
// missing from disk, fails to deserialize, or has exceeded ttl
// (ttl<=0 disables the check); each case drops the key from the
// index. CreatedAt is read from the index itself, so a disk entry
// reached through Warm or reloaded across a process restart is
// subject to the same TTL as one reached through Get.
func (d *Disk) Get(key string, ttl time.Duration) ([]frame.Detection, bool) {
	d.mu.Lock()
	entry, ok := d.index[key]
	if !ok {
		d.mu.Unlock()
		return nil, false
	}
	d.mu.Unlock()

	if ttl > 0 && time.Since(entry.CreatedAt) > ttl {
		d.dropKey(key)
		return nil, false
	}

	data, err := os.ReadFile(d.entryPath(key))
	if err != nil {
		d.log.Printf("[cache] %v: missing blob for key %s, dropping", ErrCacheCorruption, key)
		d.dropKey(key)
		return nil, false
	}
	var detections []frame.Detection
	if err := json.Unmarshal(data, &detections); err != nil {
		d.log.Printf("[cache] %v: undeserializable blob for key %s, dropping", ErrCacheCorruption, key)
		d.dropKey(key)
		return nil, false
	}

	d.mu.Lock()
	entry.LastAccess = time.Now()
	d.index[key] = entry
	d.mu.Unlock()

	return detections, true
}

func (d *Disk) dropKey(key string) {
	d.mu.Lock()
	delete(d.index, key)
	d.mu.Unlock()
	_ = os.Remove(d.entryPath(key))
}

// Put serializes detections and writes them under key, updating the
// index and evicting if over capacity. The index is checkpointed every
// 100 writes.
func (d *Disk) Put(key string, detections []frame.Detection) error {
	data, err := json.Marshal(detections)
	if err != nil {
		return fmt.Errorf("cache: serializing detections: %w", err)
	}
	if err := os.MkdirAll(d.shardDir(key), 0o755); err != nil {
		return fmt.Errorf("cache: creating shard dir: %w", err)
	}
	tmp := d.entryPath(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("cache: writing entry: %w", err)
	}
	if err := os.Rename(tmp, d.entryPath(key)); err != nil {
		return fmt.Errorf("cache: renaming entry: %w", err)
	}

	now := time.Now()
	d.mu.Lock()
	d.index[key] = indexEntry{Size: int64(len(data)), CreatedAt: now, LastAccess: now}
	d.writes++
	needsCheckpoint := d.writes%100 == 0
	d.mu.Unlock()

	d.evictIfNeeded()

	if needsCheckpoint {
		d.mu.Lock()
		err := d.saveIndex()
		d.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// evictIfNeeded evicts entries in ascending last-access order until
// both the entry-count and byte caps are satisfied, targeting 90% of
// the byte cap once eviction starts.
func (d *Disk) evictIfNeeded() {
	d.mu.Lock()
	defer d.mu.Unlock()

	total := d.totalBytesLocked()
	overCount := d.maxEntries > 0 && len(d.index) > d.maxEntries
	overBytes := d.maxBytes > 0 && total > d.maxBytes
	if !overCount && !overBytes {
		return
	}

	type kv struct {
		key   string
		entry indexEntry
	}
	entries := make([]kv, 0, len(d.index))
	for k, e := range d.index {
		entries = append(entries, kv{k, e})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].entry.LastAccess.Before(entries[j].entry.LastAccess)
	})

	targetBytes := int64(float64(d.maxBytes) * 0.9)
	for _, e := range entries {
		stillOverCount := d.maxEntries > 0 && len(d.index) > d.maxEntries
		stillOverBytes := d.maxBytes > 0 && total > targetBytes
		if !stillOverCount && !stillOverBytes {
			break
		}
		delete(d.index, e.key)
		total -= e.entry.Size
		_ = os.Remove(d.entryPath(e.key))
	}
}

func (d *Disk) totalBytesLocked() int64 {
	var total int64
	for _, e := range d.index {
		total += e.Size
	}
	return total
}

// Invalidate removes a single key.
func (d *Disk) Invalidate(key string) bool {
	d.mu.Lock()
	_, ok := d.index[key]
	delete(d.index, key)
	d.mu.Unlock()
	if ok {
		_ = os.Remove(d.entryPath(key))
	}
	return ok
}

// InvalidatePattern removes every key matching the predicate.
func (d *Disk) InvalidatePattern(match func(key string) bool) int {
	d.mu.Lock()
	var toRemove []string
	for key := range d.index {
		if match(key) {
			toRemove = append(toRemove, key)
		}
	}
	for _, key := range toRemove {
		delete(d.index, key)
	}
	d.mu.Unlock()
	for _, key := range toRemove {
		_ = os.Remove(d.entryPath(key))
	}
	return len(toRemove)
}

// Clear removes every entry.
func (d *Disk) Clear() {
	d.mu.Lock()
	keys := make([]string, 0, len(d.index))
	for k := range d.index {
		keys = append(keys, k)
	}
	d.index = make(map[string]indexEntry)
	d.mu.Unlock()
	for _, k := range keys {
		_ = os.Remove(d.entryPath(k))
	}
}

// Cleanup removes entries older than ttl and checkpoints the index.
func (d *Disk) Cleanup(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	d.mu.Lock()
	var expired []string
	for key, e := range d.index {
		if e.CreatedAt.Before(cutoff) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		delete(d.index, key)
	}
	_ = d.saveIndex()
	d.mu.Unlock()
	for _, key := range expired {
		_ = os.Remove(d.entryPath(key))
	}
	return len(expired)
}

// Stats returns a snapshot of disk-tier counters.
func (d *Disk) Stats() DiskStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DiskStats{
		EntryCount: len(d.index),
		TotalBytes: d.totalBytesLocked(),
		MaxEntries: d.maxEntries,
		MaxBytes:   d.maxBytes,
	}
}

// Shutdown checkpoints the index.
func (d *Disk) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.saveIndex()
}

// Keys returns every key currently indexed, for warm-start callers.
func (d *Disk) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.index))
	for k := range d.index {
		keys = append(keys, k)
	}
	return keys
}
