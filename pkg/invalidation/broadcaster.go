// Package invalidation keeps every instance's L1 tier convergent by
// broadcasting cache mutations over the store's pub/sub channel.
//
// The originating instance applies the effect locally first and then
// publishes, so a reader on that instance never sees a state the
// publisher has not applied yet. Other instances apply the event on
// receipt; the publisher recognizes its own echo by instance ID and
// discards it. Delivery is best effort; a missed event means staleness
// bounded by the entry's TTL, not corruption.
package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/deskmesh/cachemesh/pkg/cache"
	"github.com/deskmesh/cachemesh/pkg/observability"
	"github.com/deskmesh/cachemesh/pkg/redis"
)

// Event types carried on the channel
const (
	EventKey     = "key"
	EventTag     = "tag"
	EventPattern = "pattern"
	EventClear   = "clear"
)

// DefaultChannel is the shared channel name all instances subscribe to
const DefaultChannel = "cachemesh:invalidation"

// Event is the wire format published for every cache-affecting mutation
type Event struct {
	Type      string                 `json:"type"`
	Target    []string               `json:"target,omitempty"`
	Source    string                 `json:"source"`
	Timestamp int64                  `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Callback is invoked for every foreign event after it has been applied
type Callback func(event Event)

// Stats holds the broadcaster's monotonic counters
type Stats struct {
	Published int64 `json:"published"`
	Received  int64 `json:"received"`
	Processed int64 `json:"processed"`
	Errors    int64 `json:"errors"`
}

// Config holds configuration for the broadcaster
type Config struct {
	Channel string `mapstructure:"channel"`
}

// Broadcaster publishes and consumes invalidation events for one instance
type Broadcaster struct {
	instanceID string
	channel    string
	store      *redis.Client
	cache      *cache.TieredCache
	logger     observability.Logger

	sub    *redis.Subscription
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	callbacks []Callback

	published atomic.Int64
	received  atomic.Int64
	processed atomic.Int64
	errors    atomic.Int64
}

// New creates a broadcaster. Initialize must be called before use.
func New(cfg Config, store *redis.Client, tiered *cache.TieredCache, logger observability.Logger) *Broadcaster {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if logger == nil {
		logger = observability.NewStandardLogger("invalidation")
	}
	return &Broadcaster{
		instanceID: uuid.New().String(),
		channel:    cfg.Channel,
		store:      store,
		cache:      tiered,
		logger:     logger,
	}
}

// InstanceID returns this instance's identifier, used for echo suppression
func (b *Broadcaster) InstanceID() string {
	return b.instanceID
}

// Initialize opens the dedicated subscriber connection and starts the
// consume loop. A connection in subscribe mode cannot issue commands, so
// publishing keeps using the shared client.
func (b *Broadcaster) Initialize(ctx context.Context) error {
	sub, err := b.store.Subscribe(ctx, b.channel)
	if err != nil {
		return fmt.Errorf("failed to open invalidation subscription: %w", err)
	}
	b.sub = sub

	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})

	go b.consume(loopCtx)

	b.logger.Info("Invalidation broadcaster initialized", map[string]interface{}{
		"instance_id": b.instanceID,
		"channel":     b.channel,
	})
	return nil
}

// OnInvalidation registers a callback. Callbacks run in registration
// order for every foreign event; one callback's panic or error does not
// stop the others.
func (b *Broadcaster) OnInvalidation(cb Callback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, cb)
}

// InvalidateKeys deletes keys everywhere: locally first, then by event
func (b *Broadcaster) InvalidateKeys(ctx context.Context, keys []string, metadata map[string]interface{}) error {
	if _, err := b.cache.Delete(ctx, keys, nil); err != nil {
		return fmt.Errorf("failed to apply key invalidation locally: %w", err)
	}
	return b.publish(ctx, Event{Type: EventKey, Target: keys, Metadata: metadata})
}

// InvalidateTags invalidates every key carrying any of the tags
func (b *Broadcaster) InvalidateTags(ctx context.Context, tags []string, metadata map[string]interface{}) error {
	if _, err := b.cache.InvalidateByTags(ctx, tags); err != nil {
		return fmt.Errorf("failed to apply tag invalidation locally: %w", err)
	}
	return b.publish(ctx, Event{Type: EventTag, Target: tags, Metadata: metadata})
}

// InvalidatePattern invalidates every key matching the glob pattern
func (b *Broadcaster) InvalidatePattern(ctx context.Context, pattern string, metadata map[string]interface{}) error {
	if _, err := b.cache.InvalidateByPattern(ctx, pattern, nil); err != nil {
		return fmt.Errorf("failed to apply pattern invalidation locally: %w", err)
	}
	return b.publish(ctx, Event{Type: EventPattern, Target: []string{pattern}, Metadata: metadata})
}

// ClearAll empties the cache on every instance
func (b *Broadcaster) ClearAll(ctx context.Context, metadata map[string]interface{}) error {
	if err := b.cache.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear cache locally: %w", err)
	}
	return b.publish(ctx, Event{Type: EventClear, Metadata: metadata})
}

func (b *Broadcaster) publish(ctx context.Context, event Event) error {
	event.Source = b.instanceID
	event.Timestamp = time.Now().UnixMilli()

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation event: %w", err)
	}
	if err := b.store.Publish(ctx, b.channel, string(payload)); err != nil {
		b.errors.Add(1)
		return fmt.Errorf("failed to publish invalidation event: %w", err)
	}
	b.published.Add(1)
	return nil
}

// consume runs until the subscription closes or the context is cancelled
func (b *Broadcaster) consume(ctx context.Context) {
	defer close(b.done)

	ch := b.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handle(ctx, msg.Payload)
		}
	}
}

func (b *Broadcaster) handle(ctx context.Context, payload string) {
	b.received.Add(1)

	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		b.errors.Add(1)
		b.logger.Warn("Discarded malformed invalidation event", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	// Our own echo; the effect was applied before the publish
	if event.Source == b.instanceID {
		return
	}

	if err := b.apply(ctx, event); err != nil {
		b.errors.Add(1)
		b.logger.Warn("Failed to apply invalidation event", map[string]interface{}{
			"type":   event.Type,
			"source": event.Source,
			"error":  err.Error(),
		})
		return
	}
	b.processed.Add(1)

	b.mu.Lock()
	callbacks := make([]Callback, len(b.callbacks))
	copy(callbacks, b.callbacks)
	b.mu.Unlock()

	for _, cb := range callbacks {
		b.invoke(cb, event)
	}
}

// invoke isolates one callback so a panic cannot kill the consume loop
func (b *Broadcaster) invoke(cb Callback, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.errors.Add(1)
			b.logger.Warn("Invalidation callback panicked", map[string]interface{}{
				"type":  event.Type,
				"panic": fmt.Sprintf("%v", r),
			})
		}
	}()
	cb(event)
}

// apply dispatches a foreign event onto the local cache. The originator
// already deleted the shared L2 entries, so key events only need to drop
// the local tier; tag, pattern and clear events re-run the full
// invalidation, which is idempotent.
func (b *Broadcaster) apply(ctx context.Context, event Event) error {
	switch event.Type {
	case EventKey:
		b.cache.RemoveLocal(event.Target...)
		return nil
	case EventTag:
		_, err := b.cache.InvalidateByTags(ctx, event.Target)
		return err
	case EventPattern:
		if len(event.Target) == 0 {
			return fmt.Errorf("pattern event without target")
		}
		_, err := b.cache.InvalidateByPattern(ctx, event.Target[0], nil)
		return err
	case EventClear:
		return b.cache.Clear(ctx)
	default:
		return fmt.Errorf("unknown invalidation event type %q", event.Type)
	}
}

// GetStats returns a snapshot of the counters
func (b *Broadcaster) GetStats() Stats {
	return Stats{
		Published: b.published.Load(),
		Received:  b.received.Load(),
		Processed: b.processed.Load(),
		Errors:    b.errors.Load(),
	}
}

// ResetStats zeroes all counters
func (b *Broadcaster) ResetStats() {
	b.published.Store(0)
	b.received.Store(0)
	b.processed.Store(0)
	b.errors.Store(0)
}

// Shutdown stops the consume loop, closes the subscriber connection and
// drops the registered callbacks
func (b *Broadcaster) Shutdown() error {
	if b.cancel != nil {
		b.cancel()
	}

	var err error
	if b.sub != nil {
		err = b.sub.Close()
		b.sub = nil
	}
	if b.done != nil {
		<-b.done
		b.done = nil
	}

	b.mu.Lock()
	b.callbacks = nil
	b.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to close invalidation subscription: %w", err)
	}
	return nil
}
