// Package cache implements the two-tier cache manager: a bounded
// in-process LRU (L1) in front of the shared remote store (L2).
//
// Reads check L1 first and promote L2 hits into L1. Writes go through
// both tiers. Remote store failures degrade reads to misses (fail open)
// but are surfaced to callers on the write path. Entries carry their own
// expiry; an expired entry is treated as absent in whichever tier it is
// found and purged from it.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/deskmesh/cachemesh/pkg/observability"
	"github.com/deskmesh/cachemesh/pkg/redis"
)

// Config holds configuration for the tiered cache
type Config struct {
	// Prefix namespaces every key as "{prefix}:{key}" so several
	// environments can share one remote store without collisions
	Prefix string `mapstructure:"prefix"`

	DefaultTTL time.Duration `mapstructure:"default_ttl"`

	L1Enabled bool          `mapstructure:"l1_enabled"`
	L1MaxSize int           `mapstructure:"l1_max_size"`
	L1MaxAge  time.Duration `mapstructure:"l1_max_age"`

	L2Enabled bool `mapstructure:"l2_enabled"`

	CompressionCodec     string `mapstructure:"compression_codec"`
	CompressionThreshold int    `mapstructure:"compression_threshold"`

	ScanPageSize int64 `mapstructure:"scan_page_size"`
}

// DefaultConfig returns the default tiered cache configuration
func DefaultConfig() Config {
	return Config{
		Prefix:               "cachemesh",
		DefaultTTL:           5 * time.Minute,
		L1Enabled:            true,
		L1MaxSize:            1000,
		L1MaxAge:             5 * time.Minute,
		L2Enabled:            true,
		CompressionCodec:     CodecGzip,
		CompressionThreshold: 1024,
		ScanPageSize:         100,
	}
}

// TieredCache orchestrates reads and writes across L1 and L2
type TieredCache struct {
	config  Config
	l1      *expirable.LRU[string, *Entry]
	store   *redis.Client
	logger  observability.Logger
	metrics observability.MetricsClient

	// Local mirror of the remote tag index, used to clean L1 on
	// tag invalidation without a remote round trip
	tagMu    sync.Mutex
	tagIndex map[string]map[string]struct{}

	l1Hits   atomic.Int64
	l1Misses atomic.Int64
	l2Hits   atomic.Int64
	l2Misses atomic.Int64
}

// New creates a tiered cache. store may be nil only when L2 is disabled.
func New(config Config, store *redis.Client, logger observability.Logger, metrics observability.MetricsClient) (*TieredCache, error) {
	if config.Prefix == "" {
		config.Prefix = "cachemesh"
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 5 * time.Minute
	}
	if config.L1MaxSize <= 0 {
		config.L1MaxSize = 1000
	}
	if config.L1MaxAge <= 0 {
		config.L1MaxAge = config.DefaultTTL
	}
	if config.ScanPageSize <= 0 {
		config.ScanPageSize = 100
	}
	if config.L2Enabled && store == nil {
		return nil, fmt.Errorf("remote store client is required when L2 is enabled")
	}
	if logger == nil {
		logger = observability.NewStandardLogger("cache")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	return &TieredCache{
		config:   config,
		l1:       expirable.NewLRU[string, *Entry](config.L1MaxSize, nil, config.L1MaxAge),
		store:    store,
		logger:   logger,
		metrics:  metrics,
		tagIndex: make(map[string]map[string]struct{}),
	}, nil
}

// fullKey namespaces a caller key
func (c *TieredCache) fullKey(key string, opts *Options) string {
	prefix := c.config.Prefix
	if opts != nil && opts.Prefix != "" {
		prefix = opts.Prefix
	}
	return prefix + ":" + key
}

func (c *TieredCache) tagKey(tag string) string {
	return c.config.Prefix + ":tags:" + tag
}

func (c *TieredCache) useL1(opts *Options) bool {
	return c.config.L1Enabled && (opts == nil || !opts.SkipL1)
}

func (c *TieredCache) useL2(opts *Options) bool {
	return c.config.L2Enabled && c.store != nil && (opts == nil || !opts.SkipL2)
}

// Get retrieves a value into dest. It returns false on a miss; remote
// store errors are logged and reported as misses, never raised.
func (c *TieredCache) Get(ctx context.Context, key string, dest interface{}, opts *Options) (bool, error) {
	ctx, span := observability.StartSpan(ctx, "cache.get")
	defer span.End()

	start := time.Now()
	full := c.fullKey(key, opts)

	if c.useL1(opts) {
		if entry, ok := c.l1.Get(full); ok {
			if entry.Expired(time.Now()) {
				c.l1.Remove(full)
			} else if err := c.decodeInto(entry, dest); err != nil {
				// Corrupt entry, purge and fall through to L2
				c.l1.Remove(full)
				c.logger.Warn("Purged corrupt L1 entry", map[string]interface{}{
					"key":   full,
					"error": err.Error(),
				})
			} else {
				c.l1Hits.Add(1)
				c.metrics.RecordCacheOperation("get", true, time.Since(start).Seconds())
				return true, nil
			}
		}
		c.l1Misses.Add(1)
	}

	if c.useL2(opts) {
		entry, ok := c.fetchL2(ctx, full)
		if ok {
			if err := c.decodeInto(entry, dest); err != nil {
				c.purgeCorruptL2(ctx, full, err)
			} else {
				// Promote into L1 so the next read is local
				if c.useL1(opts) {
					c.l1.Add(full, entry)
				}
				c.l2Hits.Add(1)
				c.metrics.RecordCacheOperation("get", true, time.Since(start).Seconds())
				return true, nil
			}
		}
		c.l2Misses.Add(1)
	}

	c.metrics.RecordCacheOperation("get", false, time.Since(start).Seconds())
	return false, nil
}

// fetchL2 reads and validates an entry from the remote tier. Any store
// error degrades to a miss.
func (c *TieredCache) fetchL2(ctx context.Context, full string) (*Entry, bool) {
	data, err := c.store.Get(ctx, full)
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("Remote store read failed, treating as miss", map[string]interface{}{
				"key":   full,
				"error": err.Error(),
			})
		}
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		c.purgeCorruptL2(ctx, full, err)
		return nil, false
	}
	if entry.Expired(time.Now()) {
		_, _ = c.store.Del(ctx, full)
		return nil, false
	}
	return &entry, true
}

func (c *TieredCache) purgeCorruptL2(ctx context.Context, full string, cause error) {
	if _, err := c.store.Del(ctx, full); err != nil {
		c.logger.Warn("Failed to purge corrupt entry", map[string]interface{}{
			"key":   full,
			"error": err.Error(),
		})
	}
	c.logger.Warn("Purged corrupt L2 entry", map[string]interface{}{
		"key":   full,
		"error": cause.Error(),
	})
}

// decodeInto decompresses (when flagged) and unmarshals an entry's payload
func (c *TieredCache) decodeInto(entry *Entry, dest interface{}) error {
	raw, err := decodeValue(entry.Value)
	if err != nil {
		return fmt.Errorf("failed to decode cached value: %w", err)
	}
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return nil
}

// Set serializes and stores a value in both tiers. L1 is written first
// and is not rolled back if the remote write fails; callers see the L2
// error and the tiers reconverge via TTL or the next invalidation.
func (c *TieredCache) Set(ctx context.Context, key string, value interface{}, opts *Options) error {
	ctx, span := observability.StartSpan(ctx, "cache.set")
	defer span.End()

	start := time.Now()
	full := c.fullKey(key, opts)

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	ttl := c.config.DefaultTTL
	var tags []string
	threshold := c.config.CompressionThreshold
	if opts != nil {
		if opts.TTL > 0 {
			ttl = opts.TTL
		}
		tags = opts.Tags
		if opts.CompressionThreshold > 0 {
			threshold = opts.CompressionThreshold
		}
		if opts.DisableCompression {
			threshold = 0
		}
	}

	encoded, compressed := encodeValue(data, c.config.CompressionCodec, threshold)
	now := time.Now()
	entry := &Entry{
		Value:      encoded,
		Compressed: compressed,
		Tags:       tags,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}

	if c.useL1(opts) {
		c.l1.Add(full, entry)
	}
	if len(tags) > 0 {
		c.mirrorTags(full, tags)
	}

	var l2Err error
	if c.useL2(opts) {
		payload, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal cache entry: %w", err)
		}
		if err := c.store.Set(ctx, full, string(payload), ttl); err != nil {
			l2Err = fmt.Errorf("failed to write remote tier: %w", err)
		} else {
			c.indexTags(ctx, full, tags, ttl)
		}
	}

	c.metrics.RecordCacheOperation("set", l2Err == nil, time.Since(start).Seconds())
	return l2Err
}

// mirrorTags records tag membership in the local mirror
func (c *TieredCache) mirrorTags(full string, tags []string) {
	c.tagMu.Lock()
	defer c.tagMu.Unlock()
	for _, tag := range tags {
		keys, ok := c.tagIndex[tag]
		if !ok {
			keys = make(map[string]struct{})
			c.tagIndex[tag] = keys
		}
		keys[full] = struct{}{}
	}
}

// indexTags records tag membership in the remote tag index. The tag set's
// expiry is only ever extended so it outlives every member entry.
func (c *TieredCache) indexTags(ctx context.Context, full string, tags []string, ttl time.Duration) {
	for _, tag := range tags {
		tk := c.tagKey(tag)
		if err := c.store.SAdd(ctx, tk, full); err != nil {
			c.logger.Warn("Failed to index tag", map[string]interface{}{
				"tag":   tag,
				"error": err.Error(),
			})
			continue
		}
		current, err := c.store.TTL(ctx, tk)
		if err != nil || current < ttl {
			if err := c.store.Expire(ctx, tk, ttl); err != nil {
				c.logger.Warn("Failed to refresh tag expiry", map[string]interface{}{
					"tag":   tag,
					"error": err.Error(),
				})
			}
		}
	}
}

// Delete removes keys from both tiers. Deleting an absent key is not an
// error. The returned count reflects remote deletions when L2 is enabled.
func (c *TieredCache) Delete(ctx context.Context, keys []string, opts *Options) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	fulls := make([]string, len(keys))
	for i, k := range keys {
		fulls[i] = c.fullKey(k, opts)
	}

	var localRemoved int64
	if c.useL1(opts) {
		for _, full := range fulls {
			if c.l1.Remove(full) {
				localRemoved++
			}
		}
	}

	if c.useL2(opts) {
		n, err := c.store.Del(ctx, fulls...)
		if err != nil {
			return localRemoved, fmt.Errorf("failed to delete from remote tier: %w", err)
		}
		return n, nil
	}
	return localRemoved, nil
}

// Exists probes for a live entry, L1 first. Store errors report absent.
func (c *TieredCache) Exists(ctx context.Context, key string, opts *Options) (bool, error) {
	full := c.fullKey(key, opts)

	if c.useL1(opts) {
		if entry, ok := c.l1.Get(full); ok && !entry.Expired(time.Now()) {
			return true, nil
		}
	}

	if c.useL2(opts) {
		ok, err := c.store.Exists(ctx, full)
		if err != nil {
			c.logger.Warn("Remote store exists probe failed", map[string]interface{}{
				"key":   full,
				"error": err.Error(),
			})
			return false, nil
		}
		return ok, nil
	}
	return false, nil
}

// TTL returns the seconds remaining for a key, or -2 when it is absent
// (matching the remote store's convention).
func (c *TieredCache) TTL(ctx context.Context, key string, opts *Options) (int64, error) {
	full := c.fullKey(key, opts)

	if c.useL1(opts) {
		if entry, ok := c.l1.Get(full); ok {
			remaining := time.Until(entry.ExpiresAt)
			if remaining > 0 {
				return int64(remaining.Seconds()), nil
			}
			c.l1.Remove(full)
		}
	}

	if c.useL2(opts) {
		d, err := c.store.TTL(ctx, full)
		if err != nil {
			c.logger.Warn("Remote store TTL probe failed", map[string]interface{}{
				"key":   full,
				"error": err.Error(),
			})
			return -2, nil
		}
		if d < 0 {
			return -2, nil
		}
		return int64(d.Seconds()), nil
	}
	return -2, nil
}

// GetOrLoad implements the cache-aside pattern: on a miss it invokes the
// caller-supplied loader, stores the result, and decodes it into dest.
func (c *TieredCache) GetOrLoad(ctx context.Context, key string, dest interface{}, loader Loader, opts *Options) error {
	found, err := c.Get(ctx, key, dest, opts)
	if err != nil {
		return err
	}
	if found {
		return nil
	}

	value, err := loader(ctx)
	if err != nil {
		return fmt.Errorf("loader failed for %q: %w", key, err)
	}

	if err := c.Set(ctx, key, value, opts); err != nil {
		// The value is usable even if the remote write failed
		c.logger.Warn("Failed to cache loaded value", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}

	if dest != nil {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal loaded value: %w", err)
		}
		if err := json.Unmarshal(data, dest); err != nil {
			return fmt.Errorf("failed to decode loaded value: %w", err)
		}
	}
	return nil
}

// InvalidateByTags deletes every key carrying any of the tags, then the
// tag sets themselves. Stale mappings self-heal here: missing member keys
// simply delete zero entries.
func (c *TieredCache) InvalidateByTags(ctx context.Context, tags []string) (int64, error) {
	var deleted int64
	var firstErr error

	for _, tag := range tags {
		members := c.collectTagMembers(ctx, tag)
		if len(members) > 0 {
			for _, full := range members {
				c.l1.Remove(full)
			}
			if c.config.L2Enabled && c.store != nil {
				n, err := c.store.Del(ctx, members...)
				if err != nil {
					if firstErr == nil {
						firstErr = fmt.Errorf("failed to invalidate tag %q: %w", tag, err)
					}
					continue
				}
				deleted += n
			} else {
				deleted += int64(len(members))
			}
		}

		if c.config.L2Enabled && c.store != nil {
			if _, err := c.store.Del(ctx, c.tagKey(tag)); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("failed to drop tag set %q: %w", tag, err)
			}
		}
	}
	return deleted, firstErr
}

// collectTagMembers merges the remote tag set with the local mirror and
// clears the mirror entry for the tag.
func (c *TieredCache) collectTagMembers(ctx context.Context, tag string) []string {
	seen := make(map[string]struct{})

	if c.config.L2Enabled && c.store != nil {
		members, err := c.store.SMembers(ctx, c.tagKey(tag))
		if err != nil {
			c.logger.Warn("Failed to read tag set", map[string]interface{}{
				"tag":   tag,
				"error": err.Error(),
			})
		}
		for _, m := range members {
			seen[m] = struct{}{}
		}
	}

	c.tagMu.Lock()
	for k := range c.tagIndex[tag] {
		seen[k] = struct{}{}
	}
	delete(c.tagIndex, tag)
	c.tagMu.Unlock()

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	return keys
}

// InvalidateByPattern deletes every key matching the glob pattern. The
// remote keyspace is walked with a cursor; locally the pattern is applied
// as a regular expression over the L1 key set. O(keyspace) per call.
func (c *TieredCache) InvalidateByPattern(ctx context.Context, pattern string, opts *Options) (int64, error) {
	full := c.fullKey(pattern, opts)

	var deleted int64
	remote := make(map[string]struct{})

	if c.useL2(opts) {
		keys, err := c.store.ScanKeys(ctx, full, c.config.ScanPageSize)
		if err != nil {
			return 0, fmt.Errorf("failed to scan keyspace: %w", err)
		}
		if len(keys) > 0 {
			n, err := c.store.Del(ctx, keys...)
			if err != nil {
				return 0, fmt.Errorf("failed to delete matched keys: %w", err)
			}
			deleted += n
			for _, k := range keys {
				remote[k] = struct{}{}
			}
		}
	}

	if c.useL1(opts) {
		re, err := globToRegexp(full)
		if err != nil {
			return deleted, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		for _, k := range c.l1.Keys() {
			if re.MatchString(k) {
				if c.l1.Remove(k) {
					if _, ok := remote[k]; !ok {
						deleted++
					}
				}
			}
		}
	}
	return deleted, nil
}

// Clear empties L1 and removes every namespaced key from L2
func (c *TieredCache) Clear(ctx context.Context) error {
	c.l1.Purge()

	c.tagMu.Lock()
	c.tagIndex = make(map[string]map[string]struct{})
	c.tagMu.Unlock()

	if c.config.L2Enabled && c.store != nil {
		keys, err := c.store.ScanKeys(ctx, c.config.Prefix+":*", c.config.ScanPageSize)
		if err != nil {
			return fmt.Errorf("failed to scan namespace: %w", err)
		}
		// Delete in batches to keep single commands bounded
		for len(keys) > 0 {
			batch := keys
			if len(batch) > 1000 {
				batch = keys[:1000]
			}
			if _, err := c.store.Del(ctx, batch...); err != nil {
				return fmt.Errorf("failed to clear namespace: %w", err)
			}
			keys = keys[len(batch):]
		}
	}
	return nil
}

// GetStats reports per-tier and combined hit/miss accounting. The L2 size
// is sampled by a namespace scan and reported as zero if the scan fails.
func (c *TieredCache) GetStats(ctx context.Context) Stats {
	l1Hits, l1Misses := c.l1Hits.Load(), c.l1Misses.Load()
	l2Hits, l2Misses := c.l2Hits.Load(), c.l2Misses.Load()

	stats := Stats{
		L1: TierStats{
			Hits:    l1Hits,
			Misses:  l1Misses,
			Size:    c.l1.Len(),
			MaxSize: c.config.L1MaxSize,
			HitRate: hitRate(l1Hits, l1Misses),
		},
		L2: TierStats{
			Hits:    l2Hits,
			Misses:  l2Misses,
			HitRate: hitRate(l2Hits, l2Misses),
		},
		Total: TierStats{
			Hits:    l1Hits + l2Hits,
			Misses:  l2Misses,
			HitRate: hitRate(l1Hits+l2Hits, l2Misses),
		},
	}

	if c.config.L2Enabled && c.store != nil {
		if keys, err := c.store.ScanKeys(ctx, c.config.Prefix+":*", c.config.ScanPageSize); err == nil {
			stats.L2.Size = len(keys)
		}
	}
	return stats
}

// ResetStats zeroes the hit/miss counters
func (c *TieredCache) ResetStats() {
	c.l1Hits.Store(0)
	c.l1Misses.Store(0)
	c.l2Hits.Store(0)
	c.l2Misses.Store(0)
}

// RemoveLocal drops keys from L1 only. The invalidation broadcaster uses
// it when applying events that were already deleted remotely by the
// originating instance.
func (c *TieredCache) RemoveLocal(keys ...string) {
	for _, k := range keys {
		c.l1.Remove(c.config.Prefix + ":" + k)
	}
}

// Prefix returns the configured namespace prefix
func (c *TieredCache) Prefix() string {
	return c.config.Prefix
}

// globToRegexp converts a store glob into an anchored regular expression
func globToRegexp(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
