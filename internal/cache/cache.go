// Package cache implements the two-level cache-aside layer spec §4.10
// requires in front of bridge calls: an in-memory L1 (LRU+TTL, via
// hashicorp/golang-lru/v2's expirable.LRU) and an on-disk L2
// (size-capped+TTL, with a JSONL manifest replayed on start), with
// single-flight coalescing of concurrent misses for the same key. The
// periodic-sweep TTL shape is grounded on the teacher's
// internal/session.Evictor (eviction.go); the size-capped on-disk
// store is new, since nothing in the pack persists a cache to disk.
package cache

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/bc-dunia/sqlitebridge/internal/bridgeerr"
)

// Config mirrors spec §9's cache{} configuration block.
type Config struct {
	L1MaxEntries int
	L1TTL        time.Duration
	L2Dir        string
	L2MaxBytes   int64
	L2TTL        time.Duration
	// IdempotentMethods gates which methods are eligible for caching at
	// all (spec §4.10: only idempotent operations are cacheable).
	IdempotentMethods map[string]bool
}

// Stats reports hit/miss/size counters for observability (spec §4.10).
type Stats struct {
	L1Hits   int64
	L1Misses int64
	L2Hits   int64
	L2Misses int64
	L2Bytes  int64
	L2Items  int
}

// entry is the manifest record for one L2 item (also the JSON shape
// persisted alongside the cached payload).
type manifestEntry struct {
	Key       string    `json:"key"`
	File      string    `json:"file"`
	Size      int64     `json:"size"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Cache is the two-level cache-aside façade: L1 is checked first, then
// L2, then the origin fn; single-flight ensures concurrent callers for
// the same key share one origin call (spec §4.10).
type Cache struct {
	cfg Config
	l1  *lru.LRU[string, []byte]
	sf  singleflight.Group

	mu       sync.Mutex
	manifest map[string]manifestEntry
	l2Bytes  int64

	statsMu sync.Mutex
	stats   Stats
}

func New(cfg Config) (*Cache, error) {
	if cfg.L1MaxEntries <= 0 {
		cfg.L1MaxEntries = 1000
	}
	if cfg.L1TTL <= 0 {
		cfg.L1TTL = time.Minute
	}
	c := &Cache{
		cfg:      cfg,
		l1:       lru.NewLRU[string, []byte](cfg.L1MaxEntries, nil, cfg.L1TTL),
		manifest: make(map[string]manifestEntry),
	}
	if cfg.L2Dir != "" {
		if err := c.loadManifest(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Cacheable reports whether method is eligible for caching at all
// (spec §4.10: "idempotent-method allowlist gating cacheability").
func (c *Cache) Cacheable(method string) bool {
	return c.cfg.IdempotentMethods[method]
}

// GetOrLoad returns the cached value for key if present (L1 then L2),
// else calls load exactly once across all concurrent callers for key
// and populates both levels with the result.
func (c *Cache) GetOrLoad(key string, load func() ([]byte, error)) ([]byte, error) {
	if v, ok := c.getL1(key); ok {
		return v, nil
	}
	if v, ok := c.getL2(key); ok {
		c.l1.Add(key, v)
		return v, nil
	}

	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		data, err := load()
		if err != nil {
			return nil, err
		}
		c.l1.Add(key, data)
		if c.cfg.L2Dir != "" {
			if err := c.putL2(key, data); err != nil {
				return nil, bridgeerr.CacheError("l2-write", err)
			}
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Cache) getL1(key string) ([]byte, bool) {
	v, ok := c.l1.Get(key)
	c.statsMu.Lock()
	if ok {
		c.stats.L1Hits++
	} else {
		c.stats.L1Misses++
	}
	c.statsMu.Unlock()
	return v, ok
}

func (c *Cache) getL2(key string) ([]byte, bool) {
	if c.cfg.L2Dir == "" {
		return nil, false
	}
	c.mu.Lock()
	ent, ok := c.manifest[key]
	c.mu.Unlock()

	hit := false
	defer func() {
		c.statsMu.Lock()
		if hit {
			c.stats.L2Hits++
		} else {
			c.stats.L2Misses++
		}
		c.statsMu.Unlock()
	}()

	if !ok {
		return nil, false
	}
	if time.Now().After(ent.ExpiresAt) {
		c.removeL2(key)
		return nil, false
	}
	data, err := os.ReadFile(filepath.Join(c.cfg.L2Dir, ent.File))
	if err != nil {
		c.removeL2(key)
		return nil, false
	}
	hit = true
	return data, true
}

func (c *Cache) putL2(key string, data []byte) error {
	if err := os.MkdirAll(c.cfg.L2Dir, 0o755); err != nil {
		return err
	}
	fname := fileNameFor(key)
	if err := os.WriteFile(filepath.Join(c.cfg.L2Dir, fname), data, 0o644); err != nil {
		return err
	}

	ent := manifestEntry{
		Key:       key,
		File:      fname,
		Size:      int64(len(data)),
		ExpiresAt: time.Now().Add(c.cfg.L2TTL),
	}

	c.mu.Lock()
	if old, existed := c.manifest[key]; existed {
		c.l2Bytes -= old.Size
	}
	c.manifest[key] = ent
	c.l2Bytes += ent.Size
	c.mu.Unlock()

	c.evictIfOverCap()
	return c.appendManifest(ent)
}

// evictIfOverCap drops the oldest-expiring entries until L2 is back
// under its byte cap (spec §4.10: "size-capped").
func (c *Cache) evictIfOverCap() {
	if c.cfg.L2MaxBytes <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.l2Bytes > c.cfg.L2MaxBytes && len(c.manifest) > 0 {
		var oldestKey string
		var oldest time.Time
		first := true
		for k, e := range c.manifest {
			if first || e.ExpiresAt.Before(oldest) {
				oldestKey, oldest = k, e.ExpiresAt
				first = false
			}
		}
		ent := c.manifest[oldestKey]
		delete(c.manifest, oldestKey)
		c.l2Bytes -= ent.Size
		_ = os.Remove(filepath.Join(c.cfg.L2Dir, ent.File))
	}
}

func (c *Cache) removeL2(key string) {
	c.mu.Lock()
	ent, ok := c.manifest[key]
	if ok {
		delete(c.manifest, key)
		c.l2Bytes -= ent.Size
	}
	c.mu.Unlock()
	if ok {
		_ = os.Remove(filepath.Join(c.cfg.L2Dir, ent.File))
	}
}

// Invalidate drops every L1/L2 entry whose key has the given prefix
// (or every entry, if prefix is empty) (spec §4.10: "invalidate(prefix?)").
func (c *Cache) Invalidate(prefix string) {
	if prefix == "" {
		c.l1.Purge()
	} else {
		for _, k := range c.l1.Keys() {
			if strings.HasPrefix(k, prefix) {
				c.l1.Remove(k)
			}
		}
	}

	c.mu.Lock()
	var toRemove []manifestEntry
	for k, e := range c.manifest {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			toRemove = append(toRemove, e)
			delete(c.manifest, k)
			c.l2Bytes -= e.Size
		}
	}
	c.mu.Unlock()

	for _, e := range toRemove {
		_ = os.Remove(filepath.Join(c.cfg.L2Dir, e.File))
	}
}

func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	s := c.stats
	c.statsMu.Unlock()

	c.mu.Lock()
	s.L2Bytes = c.l2Bytes
	s.L2Items = len(c.manifest)
	c.mu.Unlock()
	return s
}

// manifestPath is where putL2/loadManifest persist the append-only
// JSONL replay log (spec §9 supplemented feature: "cache manifest JSONL
// replay on L2 start").
func (c *Cache) manifestPath() string {
	return filepath.Join(c.cfg.L2Dir, "manifest.jsonl")
}

func (c *Cache) appendManifest(ent manifestEntry) error {
	f, err := os.OpenFile(c.manifestPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	line, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

func (c *Cache) loadManifest() error {
	f, err := os.Open(c.manifestPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	now := time.Now()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ent manifestEntry
		if err := json.Unmarshal(scanner.Bytes(), &ent); err != nil {
			continue
		}
		if now.After(ent.ExpiresAt) {
			continue
		}
		if _, err := os.Stat(filepath.Join(c.cfg.L2Dir, ent.File)); err != nil {
			continue
		}
		c.manifest[ent.Key] = ent
		c.l2Bytes += ent.Size
	}
	return scanner.Err()
}

func fileNameFor(key string) string {
	return fmt.Sprintf("%x.cache", xxhash.Sum64String(key))
}
