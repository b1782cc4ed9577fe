// Package config loads the engine configuration from a yaml file with
// environment overrides. A .env file, when present, is folded into the
// process environment first so local development matches deployment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/deskmesh/cachemesh/pkg/cache"
	"github.com/deskmesh/cachemesh/pkg/invalidation"
	"github.com/deskmesh/cachemesh/pkg/monitoring"
	"github.com/deskmesh/cachemesh/pkg/ratelimit"
	"github.com/deskmesh/cachemesh/pkg/redis"
	"github.com/deskmesh/cachemesh/pkg/warming"
)

// EngineConfig is the root configuration for the whole engine
type EngineConfig struct {
	LogLevel string `mapstructure:"log_level"`

	Redis        redis.Config        `mapstructure:"redis"`
	Cache        cache.Config        `mapstructure:"cache"`
	Invalidation invalidation.Config `mapstructure:"invalidation"`
	RateLimit    ratelimit.Config    `mapstructure:"ratelimit"`
	Warming      warming.Config      `mapstructure:"warming"`
	Monitoring   monitoring.Config   `mapstructure:"monitoring"`
}

// Default returns the engine configuration with every default applied
func Default() EngineConfig {
	return EngineConfig{
		LogLevel:   "info",
		Redis:      redis.DefaultConfig(),
		Cache:      cache.DefaultConfig(),
		RateLimit:  ratelimit.DefaultConfig(),
		Monitoring: monitoring.DefaultConfig(),
	}
}

// Load reads configuration from the given yaml file (or, when path is
// empty, from cachemesh.yaml in the working directory if one exists),
// applies CACHEMESH_* environment overrides, and validates the result.
func Load(path string) (EngineConfig, error) {
	// Missing .env is normal outside local development
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cachemesh")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CACHEMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return EngineConfig{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return EngineConfig{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()

	v.SetDefault("log_level", def.LogLevel)

	v.SetDefault("redis.address", def.Redis.Address)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.pool_size", def.Redis.PoolSize)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)

	v.SetDefault("cache.prefix", def.Cache.Prefix)
	v.SetDefault("cache.default_ttl", def.Cache.DefaultTTL)
	v.SetDefault("cache.l1_enabled", def.Cache.L1Enabled)
	v.SetDefault("cache.l1_max_size", def.Cache.L1MaxSize)
	v.SetDefault("cache.l1_max_age", def.Cache.L1MaxAge)
	v.SetDefault("cache.l2_enabled", def.Cache.L2Enabled)
	v.SetDefault("cache.compression_codec", def.Cache.CompressionCodec)
	v.SetDefault("cache.compression_threshold", def.Cache.CompressionThreshold)
	v.SetDefault("cache.scan_page_size", def.Cache.ScanPageSize)

	v.SetDefault("invalidation.channel", invalidation.DefaultChannel)

	v.SetDefault("ratelimit.window_ms", def.RateLimit.WindowMs)
	v.SetDefault("ratelimit.max_requests", def.RateLimit.MaxRequests)
	v.SetDefault("ratelimit.algorithm", def.RateLimit.Algorithm)
	v.SetDefault("ratelimit.key_prefix", def.RateLimit.KeyPrefix)

	v.SetDefault("monitoring.interval", def.Monitoring.Interval)
	v.SetDefault("monitoring.latency_window_size", def.Monitoring.LatencyWindowSize)
	v.SetDefault("monitoring.unhealthy_hit_rate", def.Monitoring.UnhealthyHitRate)
	v.SetDefault("monitoring.degraded_hit_rate", def.Monitoring.DegradedHitRate)
	v.SetDefault("monitoring.degraded_p95", def.Monitoring.DegradedP95)
}

// Validate rejects configurations that would only fail at runtime
func Validate(cfg EngineConfig) error {
	if cfg.Redis.Address == "" {
		return fmt.Errorf("redis.address is required")
	}
	if !cfg.Cache.L1Enabled && !cfg.Cache.L2Enabled {
		return fmt.Errorf("at least one cache tier must be enabled")
	}
	if cfg.Cache.CompressionCodec != "" &&
		cfg.Cache.CompressionCodec != cache.CodecGzip &&
		cfg.Cache.CompressionCodec != cache.CodecBrotli {
		return fmt.Errorf("unknown compression codec %q", cfg.Cache.CompressionCodec)
	}

	switch cfg.RateLimit.Algorithm {
	case "", ratelimit.AlgorithmFixedWindow, ratelimit.AlgorithmSlidingLog,
		ratelimit.AlgorithmSlidingCounter, ratelimit.AlgorithmTokenBucket,
		ratelimit.AlgorithmLeakyBucket:
	default:
		return fmt.Errorf("unknown rate limit algorithm %q", cfg.RateLimit.Algorithm)
	}
	if cfg.RateLimit.WindowMs < 0 {
		return fmt.Errorf("ratelimit.window_ms must not be negative")
	}

	if cfg.Monitoring.Interval < time.Second && cfg.Monitoring.Interval != 0 {
		return fmt.Errorf("monitoring.interval below 1s would hammer the store")
	}
	return nil
}
