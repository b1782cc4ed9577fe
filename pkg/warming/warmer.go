// Package warming proactively populates the cache from caller-supplied
// fetch functions, on demand and on simple schedules, so hot keys are
// served warm instead of paying cold-start latency.
package warming

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/deskmesh/cachemesh/pkg/cache"
	"github.com/deskmesh/cachemesh/pkg/observability"
)

// Sentinel errors returned by the warmer
var (
	ErrWarmingInProgress = errors.New("warming already in progress")
	ErrUnknownStrategy   = errors.New("unknown warming strategy")
	ErrStrategyDisabled  = errors.New("warming strategy is disabled")
	ErrInvalidSchedule   = errors.New("invalid schedule expression")
	ErrInvalidPriority   = errors.New("priority must be between 1 and 10")
)

// Item is one key/value pair produced by a fetch function
type Item struct {
	Key     string
	Value   interface{}
	Options *cache.Options
}

// FetchFunc produces the items a strategy wants cached
type FetchFunc func(ctx context.Context) ([]Item, error)

// Strategy describes one registered warming source
type Strategy struct {
	Name     string
	Priority int
	Enabled  bool
	Fetch    FetchFunc

	// Schedule is an optional "every Nm" / "every Nh" expression. When
	// set, the strategy re-runs on that interval until stopped.
	Schedule string
}

// Result summarizes one strategy run. One item's failure never aborts
// the rest of the batch; it is counted and reported here instead.
type Result struct {
	Strategy  string        `json:"strategy"`
	RunID     string        `json:"run_id"`
	Success   int           `json:"success"`
	Failed    int           `json:"failed"`
	Errors    []string      `json:"errors,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Clock abstracts time for deterministic schedule tests
type Clock interface {
	Now() time.Time
	Tick(d time.Duration) (<-chan time.Time, func())
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Tick(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Config holds configuration for the warmer
type Config struct {
	// WriteRatePerSecond throttles cache writes during warming so a big
	// strategy cannot saturate the store. Zero means unlimited.
	WriteRatePerSecond float64 `mapstructure:"write_rate_per_second"`
}

// Warmer owns the strategy registry and the schedule timers
type Warmer struct {
	cache    *cache.TieredCache
	logger   observability.Logger
	clock    Clock
	throttle *rate.Limiter

	mu         sync.Mutex
	strategies map[string]*Strategy
	running    map[string]bool
	schedules  map[string]context.CancelFunc
	lastRuns   map[string]Result

	allInFlight bool
	wg          sync.WaitGroup
}

// New creates a warmer writing through the given cache
func New(cfg Config, tiered *cache.TieredCache, logger observability.Logger) *Warmer {
	if logger == nil {
		logger = observability.NewStandardLogger("warming")
	}
	limit := rate.Inf
	if cfg.WriteRatePerSecond > 0 {
		limit = rate.Limit(cfg.WriteRatePerSecond)
	}
	return &Warmer{
		cache:      tiered,
		logger:     logger,
		clock:      realClock{},
		throttle:   rate.NewLimiter(limit, 1),
		strategies: make(map[string]*Strategy),
		running:    make(map[string]bool),
		schedules:  make(map[string]context.CancelFunc),
		lastRuns:   make(map[string]Result),
	}
}

// SetClock replaces the clock. Must be called before any schedule starts.
func (w *Warmer) SetClock(clock Clock) {
	w.clock = clock
}

// parseSchedule accepts "every Nm" and "every Nh" expressions
func parseSchedule(expr string) (time.Duration, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 2 || fields[0] != "every" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSchedule, expr)
	}

	token := fields[1]
	unit := token[len(token)-1]
	n, err := strconv.Atoi(token[:len(token)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSchedule, expr)
	}

	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidSchedule, expr)
	}
}

// RegisterStrategy validates and registers a strategy. A schedule, when
// present, starts immediately for enabled strategies.
func (w *Warmer) RegisterStrategy(s Strategy) error {
	if s.Name == "" {
		return fmt.Errorf("strategy name is required")
	}
	if s.Priority < 1 || s.Priority > 10 {
		return fmt.Errorf("%w: got %d", ErrInvalidPriority, s.Priority)
	}
	if s.Fetch == nil {
		return fmt.Errorf("strategy %q has no fetch function", s.Name)
	}

	var interval time.Duration
	if s.Schedule != "" {
		d, err := parseSchedule(s.Schedule)
		if err != nil {
			return err
		}
		interval = d
	}

	w.mu.Lock()
	w.strategies[s.Name] = &s
	w.mu.Unlock()

	if interval > 0 && s.Enabled {
		w.startSchedule(s.Name, interval)
	}

	w.logger.Info("Registered warming strategy", map[string]interface{}{
		"strategy": s.Name,
		"priority": s.Priority,
		"schedule": s.Schedule,
	})
	return nil
}

// UnregisterStrategy removes a strategy and stops its schedule
func (w *Warmer) UnregisterStrategy(name string) error {
	w.mu.Lock()
	_, ok := w.strategies[name]
	if ok {
		delete(w.strategies, name)
		delete(w.lastRuns, name)
	}
	cancel := w.schedules[name]
	delete(w.schedules, name)
	w.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// SetEnabled toggles a strategy. Disabling stops its schedule; enabling
// a scheduled strategy restarts it.
func (w *Warmer) SetEnabled(name string, enabled bool) error {
	w.mu.Lock()
	s, ok := w.strategies[name]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	s.Enabled = enabled
	schedule := s.Schedule
	cancel := w.schedules[name]
	if !enabled {
		delete(w.schedules, name)
	}
	w.mu.Unlock()

	if !enabled {
		if cancel != nil {
			cancel()
		}
		return nil
	}
	if schedule != "" && cancel == nil {
		interval, err := parseSchedule(schedule)
		if err != nil {
			return err
		}
		w.startSchedule(name, interval)
	}
	return nil
}

// UpdateSchedule replaces a strategy's schedule expression
func (w *Warmer) UpdateSchedule(name, expr string) error {
	var interval time.Duration
	if expr != "" {
		d, err := parseSchedule(expr)
		if err != nil {
			return err
		}
		interval = d
	}

	w.mu.Lock()
	s, ok := w.strategies[name]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	s.Schedule = expr
	enabled := s.Enabled
	cancel := w.schedules[name]
	delete(w.schedules, name)
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if interval > 0 && enabled {
		w.startSchedule(name, interval)
	}
	return nil
}

// startSchedule runs the strategy on a cancellable ticker, tracked by
// name so StopAllSchedules can cancel it
func (w *Warmer) startSchedule(name string, interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())

	w.mu.Lock()
	if prev, ok := w.schedules[name]; ok {
		prev()
	}
	w.schedules[name] = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		tick, stop := w.clock.Tick(interval)
		defer stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-tick:
				if _, err := w.WarmStrategy(ctx, name); err != nil {
					w.logger.Warn("Scheduled warming run failed", map[string]interface{}{
						"strategy": name,
						"error":    err.Error(),
					})
				}
			}
		}
	}()
}

// StopAllSchedules cancels every schedule timer and waits for the
// schedule goroutines to exit
func (w *Warmer) StopAllSchedules() {
	w.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(w.schedules))
	for name, cancel := range w.schedules {
		cancels = append(cancels, cancel)
		delete(w.schedules, name)
	}
	w.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	w.wg.Wait()
}

// WarmStrategy runs one strategy now. Concurrent runs of the same
// strategy are rejected; different strategies may run concurrently.
func (w *Warmer) WarmStrategy(ctx context.Context, name string) (Result, error) {
	w.mu.Lock()
	s, ok := w.strategies[name]
	if !ok {
		w.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	if !s.Enabled {
		w.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrStrategyDisabled, name)
	}
	if w.running[name] {
		w.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrWarmingInProgress, name)
	}
	w.running[name] = true
	fetch := s.Fetch
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.running, name)
		w.mu.Unlock()
	}()

	result := w.run(ctx, name, fetch)

	w.mu.Lock()
	w.lastRuns[name] = result
	w.mu.Unlock()

	return result, nil
}

func (w *Warmer) run(ctx context.Context, name string, fetch FetchFunc) Result {
	result := Result{
		Strategy:  name,
		RunID:     uuid.New().String(),
		StartedAt: w.clock.Now(),
	}

	items, err := fetch(ctx)
	if err != nil {
		result.Failed = 1
		result.Errors = append(result.Errors, fmt.Sprintf("fetch: %v", err))
		result.Duration = w.clock.Now().Sub(result.StartedAt)
		return result
	}

	for _, item := range items {
		if err := w.throttle.Wait(ctx); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", item.Key, err))
			continue
		}
		if err := w.cache.Set(ctx, item.Key, item.Value, item.Options); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", item.Key, err))
			continue
		}
		result.Success++
	}

	result.Duration = w.clock.Now().Sub(result.StartedAt)
	w.logger.Info("Warming run finished", map[string]interface{}{
		"strategy": name,
		"run_id":   result.RunID,
		"success":  result.Success,
		"failed":   result.Failed,
		"duration": result.Duration.String(),
	})
	return result
}

// WarmAll runs every enabled strategy sequentially in descending
// priority order. Overlapping WarmAll calls are rejected rather than
// interleaved.
func (w *Warmer) WarmAll(ctx context.Context) ([]Result, error) {
	w.mu.Lock()
	if w.allInFlight {
		w.mu.Unlock()
		return nil, ErrWarmingInProgress
	}
	w.allInFlight = true

	ordered := make([]*Strategy, 0, len(w.strategies))
	for _, s := range w.strategies {
		if s.Enabled {
			ordered = append(ordered, s)
		}
	}
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.allInFlight = false
		w.mu.Unlock()
	}()

	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].Name < ordered[j].Name
	})

	results := make([]Result, 0, len(ordered))
	for _, s := range ordered {
		res, err := w.WarmStrategy(ctx, s.Name)
		if err != nil {
			w.logger.Warn("Strategy skipped during WarmAll", map[string]interface{}{
				"strategy": s.Name,
				"error":    err.Error(),
			})
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// LastRun returns the most recent result for a strategy
func (w *Warmer) LastRun(name string) (Result, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	res, ok := w.lastRuns[name]
	return res, ok
}

// Strategies lists the registered strategy names
func (w *Warmer) Strategies() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, 0, len(w.strategies))
	for name := range w.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
