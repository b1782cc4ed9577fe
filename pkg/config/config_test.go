package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskmesh/cachemesh/pkg/cache"
	"github.com/deskmesh/cachemesh/pkg/ratelimit"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cachemesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}"))
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
	assert.Equal(t, "cachemesh", cfg.Cache.Prefix)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefaultTTL)
	assert.True(t, cfg.Cache.L1Enabled)
	assert.Equal(t, ratelimit.AlgorithmSlidingCounter, cfg.RateLimit.Algorithm)
	assert.Equal(t, 30*time.Second, cfg.Monitoring.Interval)
}

func TestLoad_FileOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
redis:
  address: redis.internal:6380
cache:
  prefix: servicedesk
  default_ttl: 2m
  compression_codec: brotli
ratelimit:
  algorithm: token-bucket
  max_requests: 50
`))
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.Redis.Address)
	assert.Equal(t, "servicedesk", cfg.Cache.Prefix)
	assert.Equal(t, 2*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, cache.CodecBrotli, cfg.Cache.CompressionCodec)
	assert.Equal(t, ratelimit.AlgorithmTokenBucket, cfg.RateLimit.Algorithm)
	assert.Equal(t, int64(50), cfg.RateLimit.MaxRequests)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CACHEMESH_REDIS_ADDRESS", "env.example:6379")

	cfg, err := Load(writeConfig(t, "{}"))
	require.NoError(t, err)
	assert.Equal(t, "env.example:6379", cfg.Redis.Address)
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Run("unknown rate limit algorithm rejected", func(t *testing.T) {
		cfg := Default()
		cfg.RateLimit.Algorithm = "crystal-ball"
		assert.Error(t, Validate(cfg))
	})

	t.Run("unknown compression codec rejected", func(t *testing.T) {
		cfg := Default()
		cfg.Cache.CompressionCodec = "zstd"
		assert.Error(t, Validate(cfg))
	})

	t.Run("both tiers disabled rejected", func(t *testing.T) {
		cfg := Default()
		cfg.Cache.L1Enabled = false
		cfg.Cache.L2Enabled = false
		assert.Error(t, Validate(cfg))
	})

	t.Run("missing address rejected", func(t *testing.T) {
		cfg := Default()
		cfg.Redis.Address = ""
		assert.Error(t, Validate(cfg))
	})

	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, Validate(Default()))
	})
}
