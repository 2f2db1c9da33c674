// Package cache stores fully resolved response envelopes keyed by the
// query kind and its normalised parameters. A memory tier answers hot
// repeats; a compressed disk tier survives restarts.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/gzip"

	"github.com/varejotech/insights/pkg/envelope"
)

const (
	defaultMaxDiskBytes = 256 << 20 // 256 MiB
	defaultTTL          = 15 * time.Minute

	// evictTargetRatio is how far below the budget eviction drains the
	// disk tier once the budget is exceeded.
	evictTargetRatio = 0.8

	diskSuffix = ".json.gz"
)

// ttlByKind fixes how long each query kind stays fresh. Rankings move
// slowly; lookups and stock snapshots go stale faster.
var ttlByKind = map[string]time.Duration{
	"top_product":       6 * time.Hour,
	"top_branch":        4 * time.Hour,
	"top_segment":       4 * time.Hour,
	"products_no_sales": 12 * time.Hour,
	"stuck_stock":       2 * time.Hour,
	"product_lookup":    1 * time.Hour,
	"branch_lookup":     2 * time.Hour,
	"base_sample":       30 * time.Minute,
}

// TTLFor returns the freshness window for a query kind.
func TTLFor(kind string) time.Duration {
	if ttl, ok := ttlByKind[kind]; ok {
		return ttl
	}
	return defaultTTL
}

// Key derives the cache key for a query kind and its parameters. The
// parameters are serialised with sorted keys and lowercased string
// values so equivalent queries collide regardless of construction order
// or input casing.
func Key(kind string, params map[string]any) string {
	normalised := normaliseParams(params)
	canonical, err := json.Marshal(normalised)
	if err != nil {
		// Fallback keeps the key deterministic for unmarshalable params.
		canonical = []byte(fmt.Sprintf("%v", sortedParams(normalised)))
	}
	sum := md5.Sum([]byte(kind + ":" + string(canonical)))
	return hex.EncodeToString(sum[:])
}

func normaliseParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if s, ok := v.(string); ok {
			out[k] = strings.ToLower(s)
			continue
		}
		out[k] = v
	}
	return out
}

func sortedParams(params map[string]any) []string {
	out := make([]string, 0, len(params))
	for k, v := range params {
		out = append(out, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(out)
	return out
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	TokensSaved int64   `json:"tokens_saved"`
	MemoryItems int     `json:"memory_items"`
	DiskItems   int     `json:"disk_items"`
	DiskBytes   int64   `json:"disk_bytes"`
}

// Config holds the cache configuration.
type Config struct {
	Logger *slog.Logger

	// Dir is the disk tier root. Empty disables the disk tier.
	Dir string

	// MaxDiskBytes bounds the disk tier. Zero means the default budget.
	MaxDiskBytes int64

	// Clock is swappable for tests. Nil means the real clock.
	Clock clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.MaxDiskBytes == 0 {
		c.MaxDiskBytes = defaultMaxDiskBytes
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Cache is the two-tier envelope cache. Safe for concurrent use.
type Cache struct {
	log   *slog.Logger
	cfg   *Config
	clock clockwork.Clock

	memory *ttlcache.Cache[string, *entry]

	mu          sync.Mutex
	hits        uint64
	misses      uint64
	tokensSaved int64
}

// entry wraps a cached envelope with the token spend a hit avoids.
type entry struct {
	Envelope       *envelope.Envelope
	TokensWouldUse int64
}

// diskEntry is the on-disk record wrapping a cached envelope with its
// freshness metadata.
type diskEntry struct {
	Key            string             `json:"key"`
	Kind           string             `json:"kind"`
	StoredAt       time.Time          `json:"stored_at"`
	TTL            time.Duration      `json:"ttl_ns"`
	TokensWouldUse int64              `json:"tokens_would_use"`
	Envelope       *envelope.Envelope `json:"envelope"`
}

func New(cfg *Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate cache config: %w", err)
	}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache dir: %w", err)
		}
	}

	// Reads must not extend an item's life or the per-kind TTLs stop
	// bounding staleness for hot entries.
	memory := ttlcache.New(
		ttlcache.WithTTL[string, *entry](defaultTTL),
		ttlcache.WithDisableTouchOnHit[string, *entry](),
	)
	go memory.Start()

	return &Cache{
		log:    cfg.Logger,
		cfg:    cfg,
		clock:  cfg.Clock,
		memory: memory,
	}, nil
}

// Close stops the memory tier's expiry loop.
func (c *Cache) Close() {
	c.memory.Stop()
}

// Get looks a key up in the memory tier and then the disk tier. Disk
// hits are promoted back into memory for the entry's remaining TTL.
func (c *Cache) Get(kind string, params map[string]any) (*envelope.Envelope, bool) {
	key := Key(kind, params)

	if item := c.memory.Get(key); item != nil {
		c.countHit(item.Value().TokensWouldUse)
		return item.Value().Envelope, true
	}

	disk, ok := c.readDisk(key)
	if ok {
		remaining := disk.TTL - c.clock.Since(disk.StoredAt)
		if remaining > 0 {
			c.memory.Set(key, &entry{Envelope: disk.Envelope, TokensWouldUse: disk.TokensWouldUse}, remaining)
			c.countHit(disk.TokensWouldUse)
			return disk.Envelope, true
		}
		// Stale on disk; drop it so the next scan stays cheap.
		_ = os.Remove(c.diskPath(key))
	}

	c.countMiss()
	return nil, false
}

// Put stores an envelope in both tiers under the kind's TTL.
// tokensWouldUse is the spend a later hit avoids; it feeds Stats.
func (c *Cache) Put(kind string, params map[string]any, env *envelope.Envelope, tokensWouldUse int64) {
	key := Key(kind, params)
	ttl := TTLFor(kind)

	c.memory.Set(key, &entry{Envelope: env, TokensWouldUse: tokensWouldUse}, ttl)

	if c.cfg.Dir == "" {
		return
	}
	if err := c.writeDisk(key, &diskEntry{
		Key:            key,
		Kind:           kind,
		StoredAt:       c.clock.Now(),
		TTL:            ttl,
		TokensWouldUse: tokensWouldUse,
		Envelope:       env,
	}); err != nil {
		c.log.Warn("cache: disk write failed", "key", key, "error", err)
		return
	}
	c.evictOverBudget()
}

// Clear drops both tiers.
func (c *Cache) Clear() error {
	c.memory.DeleteAll()
	if c.cfg.Dir == "" {
		return nil
	}
	entries, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		return fmt.Errorf("failed to list cache dir: %w", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), diskSuffix) {
			if err := os.Remove(filepath.Join(c.cfg.Dir, e.Name())); err != nil {
				return fmt.Errorf("failed to remove cache entry: %w", err)
			}
		}
	}
	return nil
}

// Stats reports hit counters and tier sizes.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	stats := Stats{Hits: c.hits, Misses: c.misses, TokensSaved: c.tokensSaved}
	c.mu.Unlock()

	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}

	stats.MemoryItems = c.memory.Len()

	if c.cfg.Dir != "" {
		files, _ := c.diskFiles()
		stats.DiskItems = len(files)
		for _, f := range files {
			stats.DiskBytes += f.size
		}
	}
	return stats
}

func (c *Cache) countHit(tokensWouldUse int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits++
	c.tokensSaved += tokensWouldUse
}

func (c *Cache) countMiss() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.misses++
}

func (c *Cache) diskPath(key string) string {
	return filepath.Join(c.cfg.Dir, key+diskSuffix)
}

func (c *Cache) readDisk(key string) (*diskEntry, bool) {
	if c.cfg.Dir == "" {
		return nil, false
	}
	f, err := os.Open(c.diskPath(key))
	if err != nil {
		return nil, false
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		c.log.Warn("cache: corrupt disk entry", "key", key, "error", err)
		_ = os.Remove(c.diskPath(key))
		return nil, false
	}
	defer gz.Close()

	var entry diskEntry
	if err := json.NewDecoder(gz).Decode(&entry); err != nil {
		c.log.Warn("cache: corrupt disk entry", "key", key, "error", err)
		_ = os.Remove(c.diskPath(key))
		return nil, false
	}
	return &entry, true
}

// writeDisk persists an entry via write-then-rename so readers never see
// a partial file.
func (c *Cache) writeDisk(key string, entry *diskEntry) error {
	tmp, err := os.CreateTemp(c.cfg.Dir, "entry-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	gz := gzip.NewWriter(tmp)
	if err := json.NewEncoder(gz).Encode(entry); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush gzip: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.diskPath(key)); err != nil {
		return fmt.Errorf("failed to rename entry: %w", err)
	}
	return nil
}

type diskFile struct {
	path    string
	size    int64
	modTime time.Time
}

func (c *Cache) diskFiles() ([]diskFile, error) {
	entries, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		return nil, err
	}
	var files []diskFile
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), diskSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, diskFile{
			path:    filepath.Join(c.cfg.Dir, e.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}
	return files, nil
}

// evictOverBudget drains the disk tier oldest-first once it exceeds the
// byte budget, stopping at the eviction target below the budget.
func (c *Cache) evictOverBudget() {
	files, err := c.diskFiles()
	if err != nil {
		return
	}
	var total int64
	for _, f := range files {
		total += f.size
	}
	if total <= c.cfg.MaxDiskBytes {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	target := int64(float64(c.cfg.MaxDiskBytes) * evictTargetRatio)
	evicted := 0
	for _, f := range files {
		if total <= target {
			break
		}
		if err := os.Remove(f.path); err != nil {
			continue
		}
		total -= f.size
		evicted++
	}
	c.log.Info("cache: evicted disk entries", "evicted", evicted, "disk_bytes", total)
}
