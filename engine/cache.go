package engine

import (
	"container/list"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache TTLs per entry category.
const (
	TTLSearch  = 30 * time.Minute
	TTLDetail  = 2 * time.Hour
	TTLTOC     = 2 * time.Hour
	TTLChapter = 24 * time.Hour
)

// MinChapterBytes is the minimum body length for a cached chapter to be
// considered valid. Shorter entries are treated as truncated reads and
// refetched.
const MinChapterBytes = 64

// CacheService is a keyed, TTL'd blob cache with two tiers: an in-memory
// LRU capped by entry count and an on-disk store of one content-addressed
// file per key with a .meta sidecar. Concurrent misses for the same key are
// coalesced so only one upstream fetch is in flight per key.
type CacheService struct {
	Logger *LoggerService

	dir        string
	maxEntries int

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List

	group singleflight.Group
}

type memEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

type diskMeta struct {
	InsertedAt time.Time     `json:"inserted_at"`
	TTL        time.Duration `json:"ttl"`
}

// NewCacheService builds the cache. dir may be empty to disable the disk
// tier (useful in tests).
func NewCacheService(logger *LoggerService, dir string, maxEntries int) *CacheService {
	if maxEntries <= 0 {
		maxEntries = 2048
	}
	if dir != "" {
		_ = os.MkdirAll(dir, 0755)
	}
	return &CacheService{
		Logger:     logger,
		dir:        dir,
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
	}
}

// CacheKey joins key parts into one canonical cache key.
func CacheKey(parts ...string) string {
	return strings.Join(parts, "|")
}

// Get returns the cached value for key if present and unexpired in either
// tier. Values shorter than minLen are rejected (and evicted) as truncated.
func (c *CacheService) Get(key string, minLen int) ([]byte, bool) {
	if v, ok := c.getMemory(key); ok {
		if len(v) >= minLen {
			return v, true
		}
		c.Evict(key)
		return nil, false
	}
	v, ttlLeft, ok := c.getDisk(key)
	if !ok {
		return nil, false
	}
	if len(v) < minLen {
		c.Evict(key)
		return nil, false
	}
	// Promote to the memory tier for the remaining TTL.
	c.putMemory(key, v, ttlLeft)
	return v, true
}

// Put stores value in both tiers.
func (c *CacheService) Put(key string, value []byte, ttl time.Duration) {
	c.putMemory(key, value, ttl)
	c.putDisk(key, value, ttl)
}

// Fill returns the cached value for key, or runs fill exactly once across
// concurrent callers, caches the result and returns it. The bool reports
// whether the value came from cache.
func (c *CacheService) Fill(ctx context.Context, key string, ttl time.Duration, minLen int, fill func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	if v, ok := c.Get(key, minLen); ok {
		return v, true, nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Double-check: another caller may have filled while we queued.
		if v, ok := c.Get(key, minLen); ok {
			return v, nil
		}
		value, err := fill(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(key, value, ttl)
		return value, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}

func (c *CacheService) getMemory(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*memEntry)
	if time.Now().After(entry.expiresAt) {
		c.lru.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.lru.MoveToFront(el)
	return entry.value, true
}

func (c *CacheService) putMemory(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*memEntry).value = value
		el.Value.(*memEntry).expiresAt = time.Now().Add(ttl)
		c.lru.MoveToFront(el)
		return
	}
	el := c.lru.PushFront(&memEntry{key: key, value: value, expiresAt: time.Now().Add(ttl)})
	c.entries[key] = el
	for c.lru.Len() > c.maxEntries {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*memEntry).key)
	}
}

func (c *CacheService) blobPath(key string) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:]))
}

func (c *CacheService) getDisk(key string) ([]byte, time.Duration, bool) {
	if c.dir == "" {
		return nil, 0, false
	}
	path := c.blobPath(key)
	metaRaw, err := os.ReadFile(path + ".meta")
	if err != nil {
		return nil, 0, false
	}
	var meta diskMeta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		_ = os.Remove(path)
		_ = os.Remove(path + ".meta")
		return nil, 0, false
	}
	expiresAt := meta.InsertedAt.Add(meta.TTL)
	if time.Now().After(expiresAt) {
		_ = os.Remove(path)
		_ = os.Remove(path + ".meta")
		return nil, 0, false
	}
	value, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, false
	}
	return value, time.Until(expiresAt), true
}

func (c *CacheService) putDisk(key string, value []byte, ttl time.Duration) {
	if c.dir == "" {
		return
	}
	path := c.blobPath(key)
	meta, err := json.Marshal(diskMeta{InsertedAt: time.Now(), TTL: ttl})
	if err != nil {
		return
	}
	if err := os.WriteFile(path, value, 0644); err != nil {
		c.Logger.Warn("cache write failed for %s: %v", path, err)
		return
	}
	if err := os.WriteFile(path+".meta", meta, 0644); err != nil {
		c.Logger.Warn("cache meta write failed for %s: %v", path, err)
		_ = os.Remove(path)
	}
}

// Evict drops key from both tiers. Callers use it when a cached value
// decodes but fails a semantic validity check the byte length cannot catch.
func (c *CacheService) Evict(key string) {
	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		c.lru.Remove(el)
		delete(c.entries, key)
	}
	c.mu.Unlock()
	if c.dir != "" {
		path := c.blobPath(key)
		_ = os.Remove(path)
		_ = os.Remove(path + ".meta")
	}
}

// Clear empties both tiers and returns the number of entries removed.
func (c *CacheService) Clear() (int, error) {
	c.mu.Lock()
	count := len(c.entries)
	c.entries = make(map[string]*list.Element)
	c.lru = list.New()
	c.mu.Unlock()

	if c.dir == "" {
		return count, nil
	}
	files, err := os.ReadDir(c.dir)
	if err != nil {
		return count, fmt.Errorf("failed to read cache directory: %w", err)
	}
	for _, entry := range files {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, entry.Name())); err != nil {
			return count, fmt.Errorf("failed to remove cache file %s: %w", entry.Name(), err)
		}
		if !strings.HasSuffix(entry.Name(), ".meta") {
			count++
		}
	}
	return count, nil
}

// Len reports the memory tier's entry count.
func (c *CacheService) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
