// Package redis wraps the shared remote store connection used by every
// cachemesh component. All commands go through a retry policy and a
// circuit breaker; a miss (redis.Nil) is never treated as a failure.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/deskmesh/cachemesh/pkg/observability"
	"github.com/deskmesh/cachemesh/pkg/resilience"
	"github.com/deskmesh/cachemesh/pkg/retry"
)

// Nil is the sentinel returned when a key does not exist
const Nil = redis.Nil

// Config represents the configuration for the remote store connection
type Config struct {
	Address      string        `mapstructure:"address"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	Database     int           `mapstructure:"database"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`

	CircuitBreaker resilience.CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Retry          retry.Config                    `mapstructure:"retry"`
}

// DefaultConfig returns a default remote store configuration
func DefaultConfig() Config {
	return Config{
		Address:      "localhost:6379",
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		Retry: retry.Config{
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     1 * time.Second,
			MaxElapsedTime:  5 * time.Second,
			Multiplier:      2.0,
			MaxRetries:      2,
		},
	}
}

// Client provides resilient access to the remote store
type Client struct {
	rdb     *redis.Client
	options *redis.Options
	breaker *resilience.CircuitBreaker
	retryer retry.Policy
	logger  observability.Logger
	metrics observability.MetricsClient
}

// HealthStatus reports store connectivity for the monitoring aggregator
type HealthStatus struct {
	Connected       bool          `json:"connected"`
	Latency         time.Duration `json:"latency"`
	UsedMemoryBytes int64         `json:"used_memory_bytes,omitempty"`
	Error           string        `json:"error,omitempty"`
	CheckedAt       time.Time     `json:"checked_at"`
}

// NewClient creates a new remote store client and verifies connectivity
func NewClient(cfg Config, logger observability.Logger, metrics observability.MetricsClient) (*Client, error) {
	if logger == nil {
		logger = observability.NewStandardLogger("redis")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	options := &redis.Options{
		Addr:         cfg.Address,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.Database,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}

	rdb := redis.NewClient(options)

	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}

	cbConfig := cfg.CircuitBreaker
	cbConfig.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, redis.Nil)
	}

	retryConfig := cfg.Retry
	if retryConfig.RetryIf == nil {
		retryConfig.RetryIf = isRetryable
	}

	client := &Client{
		rdb:     rdb,
		options: options,
		breaker: resilience.NewCircuitBreaker("redis", cbConfig, logger),
		retryer: retry.NewExponentialBackoff(retryConfig),
		logger:  logger,
		metrics: metrics,
	}

	logger.Info("Connected to remote store", map[string]interface{}{
		"address":  cfg.Address,
		"database": cfg.Database,
	})

	return client, nil
}

// isRetryable rejects retries for misses and caller cancellation
func isRetryable(err error) bool {
	if errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// execute runs a store command through the breaker and retry policy
func (c *Client) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.retryer.Execute(ctx, fn)
	})
	return err
}

// Get retrieves a string value. Returns Nil when the key is absent.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := c.execute(ctx, func(ctx context.Context) error {
		v, err := c.rdb.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	return val, err
}

// Set stores a string value with an optional TTL (0 means no expiry)
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.execute(ctx, func(ctx context.Context) error {
		return c.rdb.Set(ctx, key, value, ttl).Err()
	})
}

// Del deletes keys and returns the number removed
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var n int64
	err := c.execute(ctx, func(ctx context.Context) error {
		v, err := c.rdb.Del(ctx, keys...).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

// Exists reports whether the key is present
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := c.execute(ctx, func(ctx context.Context) error {
		v, err := c.rdb.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n > 0, err
}

// TTL returns the remaining lifetime of a key. Absent keys report
// -2*time.Second, keys without expiry -1*time.Second, mirroring the store.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	var d time.Duration
	err := c.execute(ctx, func(ctx context.Context) error {
		v, err := c.rdb.TTL(ctx, key).Result()
		if err != nil {
			return err
		}
		d = v
		return nil
	})
	return d, err
}

// Incr atomically increments a counter key
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.execute(ctx, func(ctx context.Context) error {
		v, err := c.rdb.Incr(ctx, key).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

// Expire sets a key's TTL
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.execute(ctx, func(ctx context.Context) error {
		return c.rdb.Expire(ctx, key, ttl).Err()
	})
}

// ZAdd adds a scored member to a sorted set
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.execute(ctx, func(ctx context.Context) error {
		return c.rdb.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err()
	})
}

// ZRem removes members from a sorted set
func (c *Client) ZRem(ctx context.Context, key string, members ...interface{}) error {
	return c.execute(ctx, func(ctx context.Context) error {
		return c.rdb.ZRem(ctx, key, members...).Err()
	})
}

// ZRemRangeByScore removes members with scores inside [min, max]
func (c *Client) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	return c.execute(ctx, func(ctx context.Context) error {
		return c.rdb.ZRemRangeByScore(ctx, key, min, max).Err()
	})
}

// ZCard returns the cardinality of a sorted set
func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.execute(ctx, func(ctx context.Context) error {
		v, err := c.rdb.ZCard(ctx, key).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

// ZCount counts members with scores inside [min, max]
func (c *Client) ZCount(ctx context.Context, key, min, max string) (int64, error) {
	var n int64
	err := c.execute(ctx, func(ctx context.Context) error {
		v, err := c.rdb.ZCount(ctx, key, min, max).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

// ZRangeWithScores returns members with scores between the given ranks
func (c *Client) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]redis.Z, error) {
	var zs []redis.Z
	err := c.execute(ctx, func(ctx context.Context) error {
		v, err := c.rdb.ZRangeWithScores(ctx, key, start, stop).Result()
		if err != nil {
			return err
		}
		zs = v
		return nil
	})
	return zs, err
}

// SAdd adds members to a set
func (c *Client) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return c.execute(ctx, func(ctx context.Context) error {
		return c.rdb.SAdd(ctx, key, members...).Err()
	})
}

// SMembers returns all members of a set
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := c.execute(ctx, func(ctx context.Context) error {
		v, err := c.rdb.SMembers(ctx, key).Result()
		if err != nil {
			return err
		}
		members = v
		return nil
	})
	return members, err
}

// SRem removes members from a set
func (c *Client) SRem(ctx context.Context, key string, members ...interface{}) error {
	return c.execute(ctx, func(ctx context.Context) error {
		return c.rdb.SRem(ctx, key, members...).Err()
	})
}

// ScanKeys walks the keyspace with a cursor until it is exhausted and
// returns every key matching the glob pattern. pageSize is the COUNT hint.
func (c *Client) ScanKeys(ctx context.Context, pattern string, pageSize int64) ([]string, error) {
	if pageSize <= 0 {
		pageSize = 100
	}

	var keys []string
	err := c.execute(ctx, func(ctx context.Context) error {
		keys = keys[:0]
		var cursor uint64
		for {
			page, next, err := c.rdb.Scan(ctx, cursor, pattern, pageSize).Result()
			if err != nil {
				return err
			}
			keys = append(keys, page...)
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	})
	return keys, err
}

// Pipelined executes the queued commands of fn in a single transaction
// pipeline. Per-command errors surface through the returned Cmders.
func (c *Client) Pipelined(ctx context.Context, fn func(pipe redis.Pipeliner) error) ([]redis.Cmder, error) {
	var cmds []redis.Cmder
	err := c.execute(ctx, func(ctx context.Context) error {
		v, err := c.rdb.TxPipelined(ctx, fn)
		cmds = v
		// TxPipelined reports redis.Nil when a queued read missed; that
		// is not a transport failure.
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		return nil
	})
	return cmds, err
}

// Publish sends a message on a pub/sub channel
func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	return c.execute(ctx, func(ctx context.Context) error {
		return c.rdb.Publish(ctx, channel, payload).Err()
	})
}

// Subscription owns a dedicated subscriber connection. A connection in
// subscribe mode cannot issue other commands, so it is duplicated from
// the client's options rather than borrowed from the shared pool.
type Subscription struct {
	conn   *redis.Client
	pubsub *redis.PubSub
}

// Subscribe duplicates the connection and subscribes to the channel
func (c *Client) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	conn := redis.NewClient(c.options)
	pubsub := conn.Subscribe(ctx, channel)

	// Force the subscription handshake so failures surface here
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	return &Subscription{conn: conn, pubsub: pubsub}, nil
}

// Channel returns the stream of incoming messages
func (s *Subscription) Channel() <-chan *redis.Message {
	return s.pubsub.Channel()
}

// Close unsubscribes and closes the dedicated connection
func (s *Subscription) Close() error {
	if err := s.pubsub.Close(); err != nil {
		_ = s.conn.Close()
		return err
	}
	return s.conn.Close()
}

// Health pings the store and reports latency plus memory usage when the
// server exposes it. A failed ping yields Connected=false, not an error.
func (c *Client) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{CheckedAt: time.Now()}

	start := time.Now()
	err := c.rdb.Ping(ctx).Err()
	status.Latency = time.Since(start)

	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Connected = true

	if info, err := c.rdb.Info(ctx, "memory").Result(); err == nil {
		status.UsedMemoryBytes = parseUsedMemory(info)
	}

	return status
}

// parseUsedMemory extracts used_memory from an INFO memory section
func parseUsedMemory(info string) int64 {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "used_memory:"); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}

// BreakerState exposes the circuit breaker state for health reporting
func (c *Client) BreakerState() string {
	return c.breaker.State()
}

// Close closes the underlying connection pool
func (c *Client) Close() error {
	return c.rdb.Close()
}
