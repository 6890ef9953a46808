package containerimg

import (
	"sync"
	"time"
)

// Image is a built container image record, keyed for reuse by ConfigHash.
type Image struct {
	ImageID       string
	ImageTag      string
	ConfigHash    string
	CreatedAt     time.Time
	SizeBytes     uint64
	PythonVersion string
}

// NewImage builds an Image record for a just-built (or just-resolved) image,
// synthesizing its tag from configHash via ComputeImageTag (spec 4.L).
func NewImage(imageID, configHash, pythonVersion string, sizeBytes uint64, createdAt time.Time) Image {
	return Image{
		ImageID:       imageID,
		ImageTag:      ComputeImageTag(configHash),
		ConfigHash:    configHash,
		CreatedAt:     createdAt,
		SizeBytes:     sizeBytes,
		PythonVersion: pythonVersion,
	}
}

const defaultMaxCacheBytes = 10 * 1024 * 1024 * 1024 // 10 GiB

// Cache holds built images and evicts the oldest (by CreatedAt) entries once
// the total byte size would exceed its capacity.
type Cache struct {
	mu            sync.RWMutex
	images        map[string]Image
	totalBytes    uint64
	maxBytes      uint64
}

// NewCache builds an image cache with the given byte capacity. A zero
// maxBytes selects the 10 GiB default.
func NewCache(maxBytes uint64) *Cache {
	if maxBytes == 0 {
		maxBytes = defaultMaxCacheBytes
	}
	return &Cache{images: make(map[string]Image), maxBytes: maxBytes}
}

// Get looks up a cached image by config hash.
func (c *Cache) Get(configHash string) (Image, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	img, ok := c.images[configHash]
	return img, ok
}

// Put inserts img, evicting the oldest cached images until there is room.
func (c *Cache) Put(img Image) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.totalBytes+img.SizeBytes > c.maxBytes && len(c.images) > 0 {
		oldestHash := c.findOldestLocked()
		c.evictLocked(oldestHash)
	}

	c.totalBytes += img.SizeBytes
	c.images[img.ConfigHash] = img
}

func (c *Cache) findOldestLocked() string {
	var oldestHash string
	var oldestAt time.Time
	first := true
	for hash, img := range c.images {
		if first || img.CreatedAt.Before(oldestAt) {
			oldestHash = hash
			oldestAt = img.CreatedAt
			first = false
		}
	}
	return oldestHash
}

// Evict removes one image by config hash.
func (c *Cache) Evict(configHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(configHash)
}

func (c *Cache) evictLocked(configHash string) {
	img, ok := c.images[configHash]
	if !ok {
		return
	}
	delete(c.images, configHash)
	c.totalBytes -= img.SizeBytes
}

// Clear drops every cached image.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images = make(map[string]Image)
	c.totalBytes = 0
}

// Stats returns the current entry count, total byte size, and capacity.
func (c *Cache) Stats() (count int, sizeBytes uint64, maxBytes uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.images), c.totalBytes, c.maxBytes
}
