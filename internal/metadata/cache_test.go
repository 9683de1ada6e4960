package metadata

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/runtracker/internal/logging"
)

type stubSource struct {
	mu      sync.Mutex
	catalog Catalog
	err     error
	calls   atomic.Int32
	gate    chan struct{}
	entered chan struct{}
}

func (s *stubSource) FetchCatalog(ctx context.Context) (Catalog, error) {
	s.calls.Add(1)
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return Catalog{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catalog, s.err
}

func catalog(partition string, names ...string) Catalog {
	entries := make(map[string]Entry, len(names))
	for i, name := range names {
		entries[name] = Entry{ID: int64(i + 1), Slug: name, TimerBudgetMs: 1800000, ImageURL: "https://img/" + name + ".jpg"}
	}
	return Catalog{PartitionKey: partition, Entries: entries}
}

func TestRefreshReplacesSnapshot(t *testing.T) {
	src := &stubSource{catalog: catalog("season-tww-3", "Priory of the Sacred Flame", "The Rookery")}
	cache := NewCache(src, WithLogger(logging.Nop()))
	require.Equal(t, StateEmpty, cache.State())

	snap, err := cache.Refresh(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 2)
	require.Equal(t, StateFresh, cache.State())

	got := cache.Get("season-tww-3")
	require.Equal(t, "https://img/The Rookery.jpg", got.Image("the rookery"))
	require.Equal(t, int64(1800000), got.TimerBudget("Priory"))

	// fresh snapshot is not refetched unless forced
	_, err = cache.Refresh(context.Background(), false)
	require.NoError(t, err)
	require.EqualValues(t, 1, src.calls.Load())

	_, err = cache.Refresh(context.Background(), true)
	require.NoError(t, err)
	require.EqualValues(t, 2, src.calls.Load())
}

func TestRefreshFailureKeepsPreviousSnapshot(t *testing.T) {
	src := &stubSource{catalog: catalog("season-tww-3", "Cinderbrew Meadery")}
	cache := NewCache(src, WithLogger(logging.Nop()))
	_, err := cache.Refresh(context.Background(), true)
	require.NoError(t, err)

	src.mu.Lock()
	src.err = errors.New("upstream down")
	src.mu.Unlock()

	snap, err := cache.Refresh(context.Background(), true)
	require.Error(t, err)
	require.Len(t, snap.Entries, 1)
	require.Equal(t, StateFresh, cache.State())
	require.Contains(t, cache.Snapshot().Entries, "Cinderbrew Meadery")
}

func TestEmptyCatalogIsAnError(t *testing.T) {
	cache := NewCache(&stubSource{catalog: Catalog{PartitionKey: "season-tww-3"}}, WithLogger(logging.Nop()))
	_, err := cache.Refresh(context.Background(), true)
	require.ErrorIs(t, err, ErrNoEntries)
	require.Equal(t, StateEmpty, cache.State())
}

func TestGetDuringRefreshReturnsPreviousSnapshot(t *testing.T) {
	src := &stubSource{catalog: catalog("season-tww-3", "Darkflame Cleft")}
	cache := NewCache(src, WithLogger(logging.Nop()))
	_, err := cache.Refresh(context.Background(), true)
	require.NoError(t, err)

	src.mu.Lock()
	src.catalog = catalog("season-tww-3", "Darkflame Cleft", "Operation: Floodgate")
	src.mu.Unlock()
	src.gate = make(chan struct{})
	src.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := cache.Refresh(context.Background(), true)
		done <- err
	}()
	<-src.entered

	require.Equal(t, StateLoading, cache.State())
	during := cache.Get("season-tww-3")
	require.Len(t, during.Entries, 1)

	close(src.gate)
	require.NoError(t, <-done)
	require.Len(t, cache.Get("season-tww-3").Entries, 2)
}

func TestGetOtherPartitionIsEmpty(t *testing.T) {
	src := &stubSource{catalog: catalog("season-tww-2", "Mists of Tirna Scithe")}
	cache := NewCache(src, WithLogger(logging.Nop()))
	_, err := cache.Refresh(context.Background(), true)
	require.NoError(t, err)

	snap := cache.Get("season-tww-3")
	require.Empty(t, snap.Entries)
	require.Equal(t, DefaultImageURL, snap.Image("Mists of Tirna Scithe"))
}

func TestPartitionMissReplacesSnapshot(t *testing.T) {
	src := &stubSource{catalog: catalog("season-tww-2", "Mists of Tirna Scithe")}
	cache := NewCache(src, WithLogger(logging.Nop()))
	_, err := cache.Refresh(context.Background(), true)
	require.NoError(t, err)

	src.mu.Lock()
	src.catalog = catalog("season-tww-3", "Priory of the Sacred Flame", "The Rookery")
	src.mu.Unlock()

	require.Empty(t, cache.Get("season-tww-3").Entries)
	require.Eventually(t, func() bool {
		return len(cache.Get("season-tww-3").Entries) == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, "season-tww-3", cache.Snapshot().PartitionKey)
	require.EqualValues(t, 2, src.calls.Load())
}

func TestPartitionMissRefreshIsThrottled(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	src := &stubSource{catalog: catalog("season-tww-2", "Mists of Tirna Scithe")}
	cache := NewCache(src, WithLogger(logging.Nop()), WithClock(func() time.Time { return now }), WithRetryInterval(time.Minute))
	_, err := cache.Refresh(context.Background(), true)
	require.NoError(t, err)

	cache.Get("season-tww-3")
	require.Eventually(t, func() bool { return src.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	for i := 0; i < 5; i++ {
		cache.Get("season-tww-3")
	}
	require.Never(t, func() bool { return src.calls.Load() > 2 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestExpectedPartitionMismatchIsStale(t *testing.T) {
	src := &stubSource{catalog: catalog("season-tww-2", "Mists of Tirna Scithe")}
	cache := NewCache(src, WithLogger(logging.Nop()), WithPartition("season-tww-3"))
	_, err := cache.Refresh(context.Background(), true)
	require.NoError(t, err)
	require.True(t, cache.NeedsRefresh())
	require.Equal(t, StateStale, cache.classify(cache.Snapshot()))

	src.mu.Lock()
	src.catalog = catalog("season-tww-3", "The Rookery")
	src.mu.Unlock()

	refresher := &Refresher{Cache: cache}
	refresher.tick(context.Background())
	require.False(t, cache.NeedsRefresh())
	require.Contains(t, cache.Get("season-tww-3").Entries, "The Rookery")
}

func TestStaleSnapshotIsStillServed(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	src := &stubSource{catalog: catalog("season-tww-3", "The Stonevault")}
	cache := NewCache(src, WithLogger(logging.Nop()), WithClock(clock), WithMaxAge(time.Hour))
	_, err := cache.Refresh(context.Background(), true)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	require.True(t, cache.NeedsRefresh())
	snap := cache.Get("season-tww-3")
	require.Len(t, snap.Entries, 1)
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "metadata.json")
	store := NewFileStore(path)

	empty, err := store.Load()
	require.NoError(t, err)
	require.True(t, empty.IsZero())

	src := &stubSource{catalog: catalog("season-tww-3", "Ara-Kara, City of Echoes")}
	cache := NewCache(src, WithLogger(logging.Nop()), WithStore(store))
	written, err := cache.Refresh(context.Background(), true)
	require.NoError(t, err)

	reloaded := NewCache(&stubSource{}, WithLogger(logging.Nop()), WithStore(store))
	require.NoError(t, reloaded.Load())
	got := reloaded.Snapshot()
	require.Equal(t, written.Entries, got.Entries)
	require.Equal(t, written.PartitionKey, got.PartitionKey)
	require.True(t, written.RefreshedAt.Equal(got.RefreshedAt))
	require.Equal(t, StateFresh, reloaded.State())
}

func TestLookupFuzzy(t *testing.T) {
	snap := Snapshot{Entries: map[string]Entry{
		"Theater of Pain":        {ImageURL: "theater"},
		"Operation: Mechagon":    {ImageURL: "mechagon"},
		"The MOTHERLODE!!":       {ImageURL: "motherlode"},
		"Priory of Sacred Flame": {ImageURL: "priory"},
	}}

	require.Equal(t, "theater", snap.Image("Theater of Pain"))
	require.Equal(t, "motherlode", snap.Image("the motherlode!!"))
	require.Equal(t, "mechagon", snap.Image("Mechagon"))
	require.Equal(t, DefaultImageURL, snap.Image("Halls of Atonement"))
	require.Equal(t, DefaultImageURL, snap.Image(""))
}
