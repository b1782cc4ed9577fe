// Package ratelimit enforces request quotas cluster-wide. All state lives
// in the shared remote store, so every instance sees the same counters.
//
// Five algorithms are available; all of them fail open when the store is
// unreachable. Availability of the protected resource wins over perfect
// quota enforcement.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/deskmesh/cachemesh/pkg/observability"
	"github.com/deskmesh/cachemesh/pkg/redis"
)

// Algorithm names accepted in Config.Algorithm
const (
	AlgorithmFixedWindow    = "fixed"
	AlgorithmSlidingLog     = "sliding-log"
	AlgorithmSlidingCounter = "sliding-counter"
	AlgorithmTokenBucket    = "token-bucket"
	AlgorithmLeakyBucket    = "leaky-bucket"
)

// Config describes one rate limit
type Config struct {
	// WindowMs is the quota window in milliseconds
	WindowMs int64 `mapstructure:"window_ms"`

	// MaxRequests is the quota per window
	MaxRequests int64 `mapstructure:"max_requests"`

	Algorithm string `mapstructure:"algorithm"`

	// KeyPrefix namespaces this limit's store keys
	KeyPrefix string `mapstructure:"key_prefix"`

	// BlockDuration, when set, blocks an identifier for this long after it
	// exceeds the limit, independent of the window
	BlockDuration time.Duration `mapstructure:"block_duration"`
}

// DefaultConfig returns the default limit configuration
func DefaultConfig() Config {
	return Config{
		WindowMs:    60_000,
		MaxRequests: 100,
		Algorithm:   AlgorithmSlidingCounter,
		KeyPrefix:   "cachemesh:rl",
	}
}

// Result reports one limit decision
type Result struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int64         `json:"remaining"`
	ResetTime  time.Time     `json:"reset_time"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Total      int64         `json:"total"`
}

// bucketState is the persisted JSON blob for both bucket algorithms.
// Level means tokens for the token bucket and water for the leaky bucket.
type bucketState struct {
	Level     float64 `json:"level"`
	UpdatedMs int64   `json:"updated_ms"`
}

// Limiter dispatches limit decisions against the remote store
type Limiter struct {
	store   *redis.Client
	logger  observability.Logger
	metrics observability.MetricsClient

	// seq disambiguates sliding-log members created in the same
	// millisecond; combined with the timestamp it is collision free
	// within a process
	seq atomic.Uint64

	now func() time.Time
}

// New creates a limiter backed by the given store client
func New(store *redis.Client, logger observability.Logger, metrics observability.MetricsClient) *Limiter {
	if logger == nil {
		logger = observability.NewStandardLogger("ratelimit")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Limiter{
		store:   store,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

func normalize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.WindowMs <= 0 {
		cfg.WindowMs = def.WindowMs
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = def.Algorithm
	}
	return cfg
}

func (l *Limiter) baseKey(cfg Config, identifier string) string {
	return cfg.KeyPrefix + ":" + identifier
}

func (l *Limiter) blockKey(cfg Config, identifier string) string {
	return l.baseKey(cfg, identifier) + ":blocked"
}

// failOpen is the decision returned whenever the store is unreachable
func (l *Limiter) failOpen(cfg Config, cause error) Result {
	l.logger.Warn("Rate limit store error, failing open", map[string]interface{}{
		"error": cause.Error(),
	})
	l.metrics.IncrementCounter("ratelimit.fail_open", 1)
	return Result{
		Allowed:   true,
		Remaining: cfg.MaxRequests,
		ResetTime: l.now().Add(time.Duration(cfg.WindowMs) * time.Millisecond),
	}
}

// Limit decides whether the identifier may proceed, consuming quota when
// it may. Unknown algorithms fall back to the sliding-window counter.
func (l *Limiter) Limit(ctx context.Context, identifier string, cfg Config) Result {
	ctx, span := observability.StartSpan(ctx, "ratelimit.limit")
	defer span.End()

	cfg = normalize(cfg)

	if cfg.BlockDuration > 0 {
		if res, blocked := l.checkBlocked(ctx, identifier, cfg); blocked {
			return res
		}
	}

	var result Result
	switch cfg.Algorithm {
	case AlgorithmFixedWindow:
		result = l.fixedWindow(ctx, identifier, cfg)
	case AlgorithmSlidingLog:
		result = l.slidingLog(ctx, identifier, cfg)
	case AlgorithmSlidingCounter:
		result = l.slidingCounter(ctx, identifier, cfg)
	case AlgorithmTokenBucket:
		result = l.tokenBucket(ctx, identifier, cfg)
	case AlgorithmLeakyBucket:
		result = l.leakyBucket(ctx, identifier, cfg)
	default:
		l.logger.Warn("Unknown rate limit algorithm, using sliding-counter", map[string]interface{}{
			"algorithm": cfg.Algorithm,
		})
		result = l.slidingCounter(ctx, identifier, cfg)
	}

	if !result.Allowed && cfg.BlockDuration > 0 {
		if err := l.store.Set(ctx, l.blockKey(cfg, identifier), "1", cfg.BlockDuration); err != nil {
			l.logger.Warn("Failed to set rate limit block", map[string]interface{}{
				"identifier": identifier,
				"error":      err.Error(),
			})
		} else if result.RetryAfter < cfg.BlockDuration {
			result.RetryAfter = cfg.BlockDuration
		}
	}

	l.metrics.IncrementCounterWithLabels("ratelimit.decisions", 1, map[string]string{
		"algorithm": cfg.Algorithm,
		"allowed":   strconv.FormatBool(result.Allowed),
	})
	return result
}

// checkBlocked reports whether the identifier is serving a block penalty
func (l *Limiter) checkBlocked(ctx context.Context, identifier string, cfg Config) (Result, bool) {
	key := l.blockKey(cfg, identifier)
	exists, err := l.store.Exists(ctx, key)
	if err != nil || !exists {
		return Result{}, false
	}

	retryAfter := cfg.BlockDuration
	if ttl, err := l.store.TTL(ctx, key); err == nil && ttl > 0 {
		retryAfter = ttl
	}
	return Result{
		Allowed:    false,
		Remaining:  0,
		ResetTime:  l.now().Add(retryAfter),
		RetryAfter: retryAfter,
		Total:      cfg.MaxRequests,
	}, true
}

// fixedWindow counts requests in a store-expired counter. The expiry is
// set only on the first increment so later requests do not extend the
// window.
func (l *Limiter) fixedWindow(ctx context.Context, identifier string, cfg Config) Result {
	key := l.baseKey(cfg, identifier)
	window := time.Duration(cfg.WindowMs) * time.Millisecond

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		return l.failOpen(cfg, err)
	}
	if count == 1 {
		if err := l.store.Expire(ctx, key, window); err != nil {
			return l.failOpen(cfg, err)
		}
	}

	resetIn := window
	if ttl, err := l.store.TTL(ctx, key); err == nil && ttl > 0 {
		resetIn = ttl
	}

	res := Result{
		Allowed:   count <= cfg.MaxRequests,
		Remaining: max64(0, cfg.MaxRequests-count),
		ResetTime: l.now().Add(resetIn),
		Total:     count,
	}
	if !res.Allowed {
		res.RetryAfter = resetIn
	}
	return res
}

// slidingLog keeps one sorted-set member per allowed request, scored by
// timestamp. The member is added tentatively inside the pipeline and
// removed again when the request turns out to be over the limit, so a
// rejected request never leaves a phantom entry.
func (l *Limiter) slidingLog(ctx context.Context, identifier string, cfg Config) Result {
	key := l.baseKey(cfg, identifier)
	nowMs := l.now().UnixMilli()
	windowStart := nowMs - cfg.WindowMs
	member := fmt.Sprintf("%d-%d", nowMs, l.seq.Add(1))

	var cardCmd *goredis.IntCmd
	_, err := l.store.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart, 10))
		pipe.ZAdd(ctx, key, &goredis.Z{Score: float64(nowMs), Member: member})
		cardCmd = pipe.ZCard(ctx, key)
		pipe.Expire(ctx, key, time.Duration(cfg.WindowMs)*time.Millisecond)
		return nil
	})
	if err != nil {
		return l.failOpen(cfg, err)
	}

	count := cardCmd.Val()
	if count > cfg.MaxRequests {
		if err := l.store.ZRem(ctx, key, member); err != nil {
			l.logger.Warn("Failed to remove rejected log entry", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
		retryAfter := l.oldestEntryExpiry(ctx, key, cfg, nowMs)
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetTime:  l.now().Add(retryAfter),
			RetryAfter: retryAfter,
			Total:      count - 1,
		}
	}

	return Result{
		Allowed:   true,
		Remaining: cfg.MaxRequests - count,
		ResetTime: time.UnixMilli(nowMs + cfg.WindowMs),
		Total:     count,
	}
}

// oldestEntryExpiry computes when the oldest logged request leaves the
// window, which is when the next slot frees up
func (l *Limiter) oldestEntryExpiry(ctx context.Context, key string, cfg Config, nowMs int64) time.Duration {
	zs, err := l.store.ZRangeWithScores(ctx, key, 0, 0)
	if err != nil || len(zs) == 0 {
		return time.Duration(cfg.WindowMs) * time.Millisecond
	}
	freeAt := int64(zs[0].Score) + cfg.WindowMs
	if freeAt <= nowMs {
		return time.Millisecond
	}
	return time.Duration(freeAt-nowMs) * time.Millisecond
}

// slidingCounter approximates a rolling window with two fixed counters
// and linear interpolation between them
func (l *Limiter) slidingCounter(ctx context.Context, identifier string, cfg Config) Result {
	nowMs := l.now().UnixMilli()
	windowIdx := nowMs / cfg.WindowMs
	progress := float64(nowMs%cfg.WindowMs) / float64(cfg.WindowMs)

	base := l.baseKey(cfg, identifier)
	currentKey := fmt.Sprintf("%s:%d", base, windowIdx)
	previousKey := fmt.Sprintf("%s:%d", base, windowIdx-1)

	current, err := l.readCounter(ctx, currentKey)
	if err != nil {
		return l.failOpen(cfg, err)
	}
	previous, err := l.readCounter(ctx, previousKey)
	if err != nil {
		return l.failOpen(cfg, err)
	}

	estimated := float64(previous)*(1-progress) + float64(current)
	resetTime := time.UnixMilli((windowIdx + 1) * cfg.WindowMs)

	if estimated >= float64(cfg.MaxRequests) {
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetTime:  resetTime,
			RetryAfter: time.Until(resetTime),
			Total:      int64(estimated),
		}
	}

	count, err := l.store.Incr(ctx, currentKey)
	if err != nil {
		return l.failOpen(cfg, err)
	}
	if count == 1 {
		// The counter must survive into the next window to serve as
		// the "previous" half of the interpolation
		if err := l.store.Expire(ctx, currentKey, 2*time.Duration(cfg.WindowMs)*time.Millisecond); err != nil {
			return l.failOpen(cfg, err)
		}
	}

	return Result{
		Allowed:   true,
		Remaining: max64(0, cfg.MaxRequests-int64(estimated)-1),
		ResetTime: resetTime,
		Total:     int64(estimated) + 1,
	}
}

func (l *Limiter) readCounter(ctx context.Context, key string) (int64, error) {
	v, err := l.store.Get(ctx, key)
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		// Corrupt counter, treat as empty
		return 0, nil
	}
	return n, nil
}

// tokenBucket refills Level tokens continuously and spends one per
// allowed request
func (l *Limiter) tokenBucket(ctx context.Context, identifier string, cfg Config) Result {
	key := l.baseKey(cfg, identifier) + ":bucket"
	nowMs := l.now().UnixMilli()
	bucketSize := float64(cfg.MaxRequests)
	refillRate := bucketSize / (float64(cfg.WindowMs) / 1000)

	state, err := l.readBucket(ctx, key, bucketSize, nowMs)
	if err != nil {
		return l.failOpen(cfg, err)
	}

	elapsed := float64(nowMs-state.UpdatedMs) / 1000
	tokens := state.Level + elapsed*refillRate
	if tokens > bucketSize {
		tokens = bucketSize
	}

	allowed := tokens >= 1
	if allowed {
		tokens--
	}

	if err := l.writeBucket(ctx, key, bucketState{Level: tokens, UpdatedMs: nowMs}, cfg); err != nil {
		return l.failOpen(cfg, err)
	}

	res := Result{
		Allowed:   allowed,
		Remaining: int64(tokens),
		ResetTime: l.now().Add(time.Duration((bucketSize-tokens)/refillRate*1000) * time.Millisecond),
		Total:     cfg.MaxRequests - int64(tokens),
	}
	if !allowed {
		res.RetryAfter = time.Duration((1-tokens)/refillRate*1000) * time.Millisecond
	}
	return res
}

// leakyBucket drains Level water continuously and pours one unit per
// allowed request
func (l *Limiter) leakyBucket(ctx context.Context, identifier string, cfg Config) Result {
	key := l.baseKey(cfg, identifier) + ":bucket"
	nowMs := l.now().UnixMilli()
	bucketSize := float64(cfg.MaxRequests)
	leakRate := bucketSize / (float64(cfg.WindowMs) / 1000)

	state, err := l.readBucket(ctx, key, 0, nowMs)
	if err != nil {
		return l.failOpen(cfg, err)
	}

	elapsed := float64(nowMs-state.UpdatedMs) / 1000
	water := state.Level - elapsed*leakRate
	if water < 0 {
		water = 0
	}

	allowed := water < bucketSize
	if allowed {
		water++
	}

	if err := l.writeBucket(ctx, key, bucketState{Level: water, UpdatedMs: nowMs}, cfg); err != nil {
		return l.failOpen(cfg, err)
	}

	res := Result{
		Allowed:   allowed,
		Remaining: int64(bucketSize - water),
		ResetTime: l.now().Add(time.Duration(water/leakRate*1000) * time.Millisecond),
		Total:     int64(water),
	}
	if !allowed {
		res.RetryAfter = time.Duration((water-bucketSize+1)/leakRate*1000) * time.Millisecond
	}
	return res
}

// readBucket loads the persisted bucket state, creating a fresh one with
// initialLevel when the key is absent or corrupt
func (l *Limiter) readBucket(ctx context.Context, key string, initialLevel float64, nowMs int64) (bucketState, error) {
	fresh := bucketState{Level: initialLevel, UpdatedMs: nowMs}

	data, err := l.store.Get(ctx, key)
	if err != nil {
		if err == redis.Nil {
			return fresh, nil
		}
		return fresh, err
	}

	var state bucketState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return fresh, nil
	}
	return state, nil
}

func (l *Limiter) writeBucket(ctx context.Context, key string, state bucketState, cfg Config) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal bucket state: %w", err)
	}
	// Keep the state around long enough to fully refill or drain
	ttl := 2 * time.Duration(cfg.WindowMs) * time.Millisecond
	return l.store.Set(ctx, key, string(data), ttl)
}

// Check reports remaining quota without consuming any. For the bucket
// algorithms it is an approximation since no state is written.
func (l *Limiter) Check(ctx context.Context, identifier string, cfg Config) Result {
	cfg = normalize(cfg)
	nowMs := l.now().UnixMilli()

	if cfg.BlockDuration > 0 {
		if res, blocked := l.checkBlocked(ctx, identifier, cfg); blocked {
			return res
		}
	}

	switch cfg.Algorithm {
	case AlgorithmFixedWindow:
		count, err := l.readCounter(ctx, l.baseKey(cfg, identifier))
		if err != nil {
			return l.failOpen(cfg, err)
		}
		resetIn := time.Duration(cfg.WindowMs) * time.Millisecond
		if ttl, err := l.store.TTL(ctx, l.baseKey(cfg, identifier)); err == nil && ttl > 0 {
			resetIn = ttl
		}
		return Result{
			Allowed:   count < cfg.MaxRequests,
			Remaining: max64(0, cfg.MaxRequests-count),
			ResetTime: l.now().Add(resetIn),
			Total:     count,
		}

	case AlgorithmSlidingLog:
		key := l.baseKey(cfg, identifier)
		count, err := l.store.ZCount(ctx, key,
			strconv.FormatInt(nowMs-cfg.WindowMs, 10), strconv.FormatInt(nowMs, 10))
		if err != nil {
			return l.failOpen(cfg, err)
		}
		return Result{
			Allowed:   count < cfg.MaxRequests,
			Remaining: max64(0, cfg.MaxRequests-count),
			ResetTime: time.UnixMilli(nowMs + cfg.WindowMs),
			Total:     count,
		}

	case AlgorithmTokenBucket, AlgorithmLeakyBucket:
		key := l.baseKey(cfg, identifier) + ":bucket"
		initial := 0.0
		if cfg.Algorithm == AlgorithmTokenBucket {
			initial = float64(cfg.MaxRequests)
		}
		state, err := l.readBucket(ctx, key, initial, nowMs)
		if err != nil {
			return l.failOpen(cfg, err)
		}
		rate := float64(cfg.MaxRequests) / (float64(cfg.WindowMs) / 1000)
		elapsed := float64(nowMs-state.UpdatedMs) / 1000
		if cfg.Algorithm == AlgorithmTokenBucket {
			tokens := state.Level + elapsed*rate
			if tokens > float64(cfg.MaxRequests) {
				tokens = float64(cfg.MaxRequests)
			}
			return Result{
				Allowed:   tokens >= 1,
				Remaining: int64(tokens),
				ResetTime: l.now().Add(time.Duration(cfg.WindowMs) * time.Millisecond),
				Total:     cfg.MaxRequests - int64(tokens),
			}
		}
		water := state.Level - elapsed*rate
		if water < 0 {
			water = 0
		}
		return Result{
			Allowed:   water < float64(cfg.MaxRequests),
			Remaining: cfg.MaxRequests - int64(water),
			ResetTime: l.now().Add(time.Duration(cfg.WindowMs) * time.Millisecond),
			Total:     int64(water),
		}

	default:
		nowIdx := nowMs / cfg.WindowMs
		progress := float64(nowMs%cfg.WindowMs) / float64(cfg.WindowMs)
		base := l.baseKey(cfg, identifier)
		current, err := l.readCounter(ctx, fmt.Sprintf("%s:%d", base, nowIdx))
		if err != nil {
			return l.failOpen(cfg, err)
		}
		previous, err := l.readCounter(ctx, fmt.Sprintf("%s:%d", base, nowIdx-1))
		if err != nil {
			return l.failOpen(cfg, err)
		}
		estimated := float64(previous)*(1-progress) + float64(current)
		return Result{
			Allowed:   estimated < float64(cfg.MaxRequests),
			Remaining: max64(0, cfg.MaxRequests-int64(estimated)),
			ResetTime: time.UnixMilli((nowIdx + 1) * cfg.WindowMs),
			Total:     int64(estimated),
		}
	}
}

// Reset clears every store key held for the identifier, including window
// counters, bucket state and block penalties
func (l *Limiter) Reset(ctx context.Context, identifier string, cfg Config) error {
	cfg = normalize(cfg)

	keys, err := l.store.ScanKeys(ctx, l.baseKey(cfg, identifier)+"*", 100)
	if err != nil {
		return fmt.Errorf("failed to scan rate limit keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if _, err := l.store.Del(ctx, keys...); err != nil {
		return fmt.Errorf("failed to reset rate limit for %q: %w", identifier, err)
	}
	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
