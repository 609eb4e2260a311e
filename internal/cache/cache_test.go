package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membergate/membergate/internal/domain"
	"github.com/membergate/membergate/internal/kvstore"
	"github.com/membergate/membergate/pkg/apperrors"
	"github.com/membergate/membergate/pkg/logger"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type countingFetcher struct {
	mu    sync.Mutex
	calls atomic.Int64
	items []domain.Resource
	err   error
}

func (f *countingFetcher) fetch(ctx context.Context) ([]domain.Resource, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

func (f *countingFetcher) set(items []domain.Resource, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = items
	f.err = err
}

func testStore(t *testing.T) kvstore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return kvstore.NewRedisStore(client, "mg:")
}

func testCache(t *testing.T, fetcher *countingFetcher, clock *fakeClock) *Cache {
	t.Helper()
	c, err := New(
		[]Descriptor{{
			Name:        domain.CollectionTags,
			SoftTTL:     2 * time.Minute,
			HardCeiling: 24 * time.Hour,
			Fetch:       fetcher.fetch,
		}},
		testStore(t),
		logger.NewWithWriter("cache-test", "error", testWriter{t}),
		WithClock(clock.Now),
	)
	require.NoError(t, err)
	return c
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestCache_MissTriggersBlockingRefresh(t *testing.T) {
	clock := newFakeClock()
	fetcher := &countingFetcher{}
	fetcher.set([]domain.Resource{{ID: 7, Name: "members"}}, nil)
	c := testCache(t, fetcher, clock)

	items, err := c.Get(context.Background(), domain.CollectionTags)
	require.NoError(t, err)
	assert.Equal(t, "members", items[7].Name)
	assert.EqualValues(t, 1, fetcher.calls.Load())
}

func TestCache_FreshSnapshotServedWithoutFetch(t *testing.T) {
	clock := newFakeClock()
	fetcher := &countingFetcher{}
	fetcher.set([]domain.Resource{{ID: 7, Name: "members"}}, nil)
	c := testCache(t, fetcher, clock)

	_, err := c.Get(context.Background(), domain.CollectionTags)
	require.NoError(t, err)

	clock.Advance(90 * time.Second)
	_, err = c.Get(context.Background(), domain.CollectionTags)
	require.NoError(t, err)

	assert.EqualValues(t, 1, fetcher.calls.Load())
	assert.False(t, c.NeedsRefresh(context.Background(), domain.CollectionTags))
}

func TestCache_PastSoftTTLServesStaleAndReportsDue(t *testing.T) {
	clock := newFakeClock()
	fetcher := &countingFetcher{}
	fetcher.set([]domain.Resource{{ID: 7, Name: "members"}}, nil)
	c := testCache(t, fetcher, clock)

	_, err := c.Get(context.Background(), domain.CollectionTags)
	require.NoError(t, err)

	clock.Advance(2*time.Minute + time.Second)

	// Reads keep serving the stale snapshot without blocking on a fetch.
	items, err := c.Get(context.Background(), domain.CollectionTags)
	require.NoError(t, err)
	assert.Equal(t, "members", items[7].Name)
	assert.EqualValues(t, 1, fetcher.calls.Load())

	assert.True(t, c.NeedsRefresh(context.Background(), domain.CollectionTags))
	assert.Equal(t, []domain.Collection{domain.CollectionTags}, c.Due(context.Background()))
}

func TestCache_FailedRefreshKeepsPreviousSnapshot(t *testing.T) {
	clock := newFakeClock()
	fetcher := &countingFetcher{}
	fetcher.set([]domain.Resource{{ID: 7, Name: "members"}}, nil)
	c := testCache(t, fetcher, clock)

	_, err := c.Get(context.Background(), domain.CollectionTags)
	require.NoError(t, err)

	clock.Advance(2*time.Minute + time.Second)
	fetcher.set(nil, apperrors.Network(assert.AnError))

	err = c.Refresh(context.Background(), domain.CollectionTags)
	require.Error(t, err)

	items, err := c.Get(context.Background(), domain.CollectionTags)
	require.NoError(t, err)
	assert.Equal(t, "members", items[7].Name)
	assert.Equal(
		t, clock.Now().Add(-(2*time.Minute + time.Second)),
		c.LastRefreshedAt(context.Background(), domain.CollectionTags),
	)
}

func TestCache_PastHardCeilingFailsClosedWhenRefreshFails(t *testing.T) {
	clock := newFakeClock()
	fetcher := &countingFetcher{}
	fetcher.set([]domain.Resource{{ID: 7, Name: "members"}}, nil)
	c := testCache(t, fetcher, clock)

	_, err := c.Get(context.Background(), domain.CollectionTags)
	require.NoError(t, err)

	clock.Advance(24*time.Hour + time.Minute)
	fetcher.set(nil, apperrors.Network(assert.AnError))

	_, err = c.Get(context.Background(), domain.CollectionTags)
	require.Error(t, err)
}

func TestCache_SuccessfulRefreshReplacesAtomically(t *testing.T) {
	clock := newFakeClock()
	fetcher := &countingFetcher{}
	fetcher.set([]domain.Resource{{ID: 7, Name: "members"}, {ID: 8, Name: "trial"}}, nil)
	c := testCache(t, fetcher, clock)

	_, err := c.Get(context.Background(), domain.CollectionTags)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	fetcher.set([]domain.Resource{{ID: 9, Name: "annual"}}, nil)
	require.NoError(t, c.Refresh(context.Background(), domain.CollectionTags))

	items, err := c.Get(context.Background(), domain.CollectionTags)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, "annual", items[9].Name)
	assert.Equal(t, clock.Now(), c.LastRefreshedAt(context.Background(), domain.CollectionTags))
}

func TestCache_ConcurrentRefreshesShareOneFetch(t *testing.T) {
	clock := newFakeClock()
	fetcher := &countingFetcher{}
	fetcher.set([]domain.Resource{{ID: 7, Name: "members"}}, nil)
	c := testCache(t, fetcher, clock)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Refresh(context.Background(), domain.CollectionTags)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, fetcher.calls.Load(), int64(2))
	items, err := c.Get(context.Background(), domain.CollectionTags)
	require.NoError(t, err)
	assert.Equal(t, "members", items[7].Name)
}

func TestCache_WarmStartFromPersistedSnapshot(t *testing.T) {
	clock := newFakeClock()
	fetcher := &countingFetcher{}
	fetcher.set([]domain.Resource{{ID: 7, Name: "members"}}, nil)

	store := testStore(t)
	log := logger.NewWithWriter("cache-test", "error", testWriter{t})

	first, err := New(
		[]Descriptor{{
			Name:        domain.CollectionTags,
			SoftTTL:     2 * time.Minute,
			HardCeiling: 24 * time.Hour,
			Fetch:       fetcher.fetch,
		}},
		store, log, WithClock(clock.Now),
	)
	require.NoError(t, err)
	require.NoError(t, first.Refresh(context.Background(), domain.CollectionTags))

	// A new cache over the same store serves without fetching.
	second, err := New(
		[]Descriptor{{
			Name:        domain.CollectionTags,
			SoftTTL:     2 * time.Minute,
			HardCeiling: 24 * time.Hour,
			Fetch:       fetcher.fetch,
		}},
		store, log, WithClock(clock.Now),
	)
	require.NoError(t, err)

	items, err := second.Get(context.Background(), domain.CollectionTags)
	require.NoError(t, err)
	assert.Equal(t, "members", items[7].Name)
	assert.EqualValues(t, 1, fetcher.calls.Load())
}

func TestCache_InvalidateAllDropsMemoryAndStore(t *testing.T) {
	clock := newFakeClock()
	fetcher := &countingFetcher{}
	fetcher.set([]domain.Resource{{ID: 7, Name: "members"}}, nil)
	c := testCache(t, fetcher, clock)

	_, err := c.Get(context.Background(), domain.CollectionTags)
	require.NoError(t, err)

	c.InvalidateAll(context.Background())

	_, err = c.Get(context.Background(), domain.CollectionTags)
	require.NoError(t, err)
	assert.EqualValues(t, 2, fetcher.calls.Load())
}

func TestCache_RejectsBadDescriptors(t *testing.T) {
	store := testStore(t)
	log := logger.NewWithWriter("cache-test", "error", testWriter{t})
	fetch := func(context.Context) ([]domain.Resource, error) { return nil, nil }

	tests := []struct {
		name string
		desc Descriptor
	}{
		{"unknown collection", Descriptor{Name: "widgets", SoftTTL: time.Minute, HardCeiling: time.Hour, Fetch: fetch}},
		{"missing fetcher", Descriptor{Name: domain.CollectionTags, SoftTTL: time.Minute, HardCeiling: time.Hour}},
		{"ceiling below ttl", Descriptor{Name: domain.CollectionTags, SoftTTL: time.Hour, HardCeiling: time.Minute, Fetch: fetch}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New([]Descriptor{tt.desc}, store, log)
			assert.Error(t, err)
		})
	}
}
