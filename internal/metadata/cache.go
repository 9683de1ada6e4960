// Package metadata keeps the per-season dungeon reference data used to render notifications.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"example.com/runtracker/internal/logging"
)

// State describes the cache lifecycle.
type State int32

const (
	StateEmpty State = iota
	StateLoading
	StateFresh
	StateStale
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	default:
		return "empty"
	}
}

// ErrNoEntries is returned when the source answered with an empty catalog.
var ErrNoEntries = errors.New("metadata: catalog has no entries")

// Source fetches the reference data for the configured season.
type Source interface {
	FetchCatalog(ctx context.Context) (Catalog, error)
}

// Store persists snapshots across restarts.
type Store interface {
	Load() (Snapshot, error)
	Save(Snapshot) error
}

// Option configures a Cache.
type Option func(*Cache)

// WithStore persists every successful refresh.
func WithStore(store Store) Option {
	return func(c *Cache) { c.store = store }
}

// WithMaxAge sets the age after which a snapshot is stale.
func WithMaxAge(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.maxAge = d
		}
	}
}

// WithPartition names the partition the cache is expected to hold. A snapshot for any other
// partition counts as stale.
func WithPartition(key string) Option {
	return func(c *Cache) { c.partition = key }
}

// WithRetryInterval sets the minimum gap between background refresh attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.retryInterval = d
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// Cache serves the current snapshot without blocking. Readers always see either the previous
// complete snapshot or the new one; a refresh swaps the pointer only after a full fetch.
type Cache struct {
	source   Source
	store    Store
	maxAge   time.Duration
	logger   zerolog.Logger
	now      func() time.Time
	snapshot atomic.Pointer[Snapshot]
	state    atomic.Int32
	group    singleflight.Group

	partition     string
	retryInterval time.Duration

	bgMu        sync.Mutex
	bgRunning   bool
	bgAttempted time.Time
}

// NewCache builds a cache over source. Call Load to seed it from the store.
func NewCache(source Source, opts ...Option) *Cache {
	c := &Cache{
		source:        source,
		maxAge:        24 * time.Hour,
		retryInterval: 30 * time.Second,
		logger:        logging.WithComponent("metadata"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.snapshot.Store(&Snapshot{})
	return c
}

// Load seeds the cache from the persisted snapshot. A missing file leaves the cache empty.
func (c *Cache) Load() error {
	if c.store == nil {
		return nil
	}
	snap, err := c.store.Load()
	if err != nil {
		return err
	}
	if snap.IsZero() {
		return nil
	}
	c.snapshot.Store(&snap)
	c.setState(c.classify(snap))
	c.logger.Info().
		Int("entries", len(snap.Entries)).
		Str("partition", snap.PartitionKey).
		Time("refreshed_at", snap.RefreshedAt).
		Msg("metadata snapshot loaded")
	return nil
}

// State returns the current lifecycle state.
func (c *Cache) State() State {
	return State(c.state.Load())
}

// Snapshot returns the current snapshot regardless of partition.
func (c *Cache) Snapshot() Snapshot {
	return *c.snapshot.Load()
}

// Get returns the snapshot for partitionKey. A snapshot taken for another partition is
// reported as empty and forces a background refresh so the partition is replaced wholesale.
// A stale snapshot is still returned and a background refresh is started.
func (c *Cache) Get(partitionKey string) Snapshot {
	snap := *c.snapshot.Load()
	if partitionKey != "" && !strings.EqualFold(snap.PartitionKey, partitionKey) {
		lookups.WithLabelValues("partition_miss").Inc()
		c.refreshInBackground(true)
		return Snapshot{PartitionKey: partitionKey}
	}
	if c.isStale(snap) {
		lookups.WithLabelValues("stale").Inc()
		c.refreshInBackground(false)
		return snap
	}
	lookups.WithLabelValues("hit").Inc()
	return snap
}

// NeedsRefresh reports whether the snapshot is empty, older than the max age or held for a
// partition other than the one set with WithPartition.
func (c *Cache) NeedsRefresh() bool {
	return c.isStale(*c.snapshot.Load())
}

// Refresh fetches a new catalog. Without force a fresh snapshot is kept as is. Concurrent
// calls share one fetch. On failure the previous snapshot stays in place.
func (c *Cache) Refresh(ctx context.Context, force bool) (Snapshot, error) {
	if !force && !c.NeedsRefresh() {
		return *c.snapshot.Load(), nil
	}
	v, err, _ := c.group.Do("refresh", func() (any, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		return *c.snapshot.Load(), err
	}
	return v.(Snapshot), nil
}

func (c *Cache) refresh(ctx context.Context) (Snapshot, error) {
	previous := c.State()
	c.setState(StateLoading)
	started := c.now()

	catalog, err := c.source.FetchCatalog(ctx)
	if err == nil && len(catalog.Entries) == 0 {
		err = ErrNoEntries
	}
	if err != nil {
		c.setState(previous)
		refreshes.WithLabelValues("error").Inc()
		c.logger.Warn().Err(err).Msg("metadata refresh failed; keeping previous snapshot")
		return Snapshot{}, fmt.Errorf("refresh metadata: %w", err)
	}

	snap := Snapshot{
		Entries:      catalog.Entries,
		RefreshedAt:  c.now().UTC(),
		PartitionKey: catalog.PartitionKey,
	}.clone()
	c.snapshot.Store(&snap)
	c.setState(StateFresh)
	refreshes.WithLabelValues("ok").Inc()
	entryGauge.Set(float64(len(snap.Entries)))
	c.logger.Info().
		Int("entries", len(snap.Entries)).
		Str("partition", snap.PartitionKey).
		Dur("took", c.now().Sub(started)).
		Msg("metadata refreshed")

	if c.store != nil {
		if err := c.store.Save(snap); err != nil {
			c.logger.Warn().Err(err).Msg("persist metadata snapshot")
		}
	}
	return snap, nil
}

// refreshInBackground starts at most one background refresh, and none within retryInterval
// of the previous attempt, so a source that keeps answering for another partition is not
// fetched on every read.
func (c *Cache) refreshInBackground(force bool) {
	c.bgMu.Lock()
	now := c.now()
	if c.bgRunning || (!c.bgAttempted.IsZero() && now.Sub(c.bgAttempted) < c.retryInterval) {
		c.bgMu.Unlock()
		return
	}
	c.bgRunning = true
	c.bgAttempted = now
	c.bgMu.Unlock()

	go func() {
		defer func() {
			c.bgMu.Lock()
			c.bgRunning = false
			c.bgMu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_, _ = c.Refresh(ctx, force)
	}()
}

func (c *Cache) isStale(snap Snapshot) bool {
	if snap.IsZero() || snap.Age(c.now()) > c.maxAge {
		return true
	}
	return c.partition != "" && !strings.EqualFold(snap.PartitionKey, c.partition)
}

func (c *Cache) classify(snap Snapshot) State {
	if c.isStale(snap) {
		return StateStale
	}
	return StateFresh
}

func (c *Cache) setState(s State) {
	c.state.Store(int32(s))
	stateGauge.Set(float64(s))
}

func sortedNames(entries map[string]Entry) []string {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
