package orchestrator

import (
	"bytes"
	"container/list"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"sync"
)

// DefaultDecodeCacheSize is the decode LRU's capacity and the main
// memory governor: a decoded 1080p frame is ~6MB, so 100 entries cap
// resident frame memory near 600MB per orchestrator.
const DefaultDecodeCacheSize = 100

type decodeKey struct {
	takeID      int
	frameNumber int
}

type decodeEntry struct {
	key decodeKey
	img image.Image
}

// decodeCache is a single-threaded-per-orchestrator LRU of decoded
// pixel buffers, mirroring internal/cache.LRU's container/list shape
// but keyed by (take, frame) and holding image.Image instead of
// Detections.
type decodeCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[decodeKey]*list.Element
}

func newDecodeCache(capacity int) *decodeCache {
	if capacity <= 0 {
		capacity = DefaultDecodeCacheSize
	}
	return &decodeCache{capacity: capacity, ll: list.New(), index: make(map[decodeKey]*list.Element)}
}

func (c *decodeCache) get(takeID, frameNumber int) (image.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := decodeKey{takeID, frameNumber}
	el, ok := c.index[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*decodeEntry).img, true
}

func (c *decodeCache) put(takeID, frameNumber int, img image.Image) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := decodeKey{takeID, frameNumber}
	if el, ok := c.index[key]; ok {
		el.Value.(*decodeEntry).img = img
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&decodeEntry{key: key, img: img})
	c.index[key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.index, oldest.Value.(*decodeEntry).key)
		}
	}
}

// decodeOrCached decodes raw PNG/JPEG bytes, consulting and populating the decode cache.
func (o *Orchestrator) decodeOrCached(takeID, frameNumber int, raw []byte) (image.Image, error) {
	if img, ok := o.decodeCache.get(takeID, frameNumber); ok {
		return img, nil
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode frame %d/%d: %w", takeID, frameNumber, err)
	}
	o.decodeCache.put(takeID, frameNumber, img)
	return img, nil
}
