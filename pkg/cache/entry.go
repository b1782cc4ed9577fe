package cache

import (
	"context"
	"time"
)

// Entry is the envelope stored in both tiers. Entries are immutable after
// creation; an overwrite replaces the whole envelope.
type Entry struct {
	// Value holds the serialized payload. Compressed payloads are
	// base64-encoded and carry a short codec prefix (GZIP: or BR:) so the
	// read path can recognize the encoding without a side channel.
	Value      string    `json:"value"`
	Compressed bool      `json:"compressed"`
	Tags       []string  `json:"tags,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the entry must be treated as absent. Physical
// presence in a tier does not matter once the deadline has passed.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Options controls a single cache call. The zero value means: default TTL,
// default namespace prefix, no tags, compression enabled with the default
// threshold, both tiers in play.
type Options struct {
	// TTL overrides the cache's default entry lifetime
	TTL time.Duration

	// Prefix overrides the configured namespace prefix
	Prefix string

	// Tags attach group-invalidation labels to the entry
	Tags []string

	// DisableCompression stores the payload verbatim regardless of size
	DisableCompression bool

	// CompressionThreshold overrides the size above which payloads are
	// compressed (bytes of serialized form)
	CompressionThreshold int

	// SkipL1 / SkipL2 exclude a tier from this call
	SkipL1 bool
	SkipL2 bool
}

// Loader produces a value on cache miss (cache-aside pattern)
type Loader func(ctx context.Context) (interface{}, error)
