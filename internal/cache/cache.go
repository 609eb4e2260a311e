// Package cache maintains the read-through, TTL-bound mirror of the remote
// service's named collections. Collections are replaced atomically on
// refresh; a failed refresh leaves the previous snapshot untouched so read
// paths always serve what they have, up to a hard staleness ceiling.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/membergate/membergate/internal/domain"
	"github.com/membergate/membergate/internal/kvstore"
	"github.com/membergate/membergate/pkg/apperrors"
)

var (
	refreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membergate_cache_refreshes_total",
			Help: "Collection refresh attempts by outcome",
		},
		[]string{"collection", "outcome"},
	)

	readsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membergate_cache_reads_total",
			Help: "Collection reads by freshness at read time",
		},
		[]string{"collection", "freshness"},
	)
)

// Fetcher retrieves the complete remote collection, pagination included.
type Fetcher func(ctx context.Context) ([]domain.Resource, error)

// Descriptor registers one collection with the cache: its name, its TTLs and
// how to fetch it. The set of descriptors is fixed at construction; there is
// no runtime registration.
type Descriptor struct {
	Name domain.Collection

	// SoftTTL is the preferred refresh interval. A snapshot older than this
	// is still served, but reported as due for refresh.
	SoftTTL time.Duration

	// HardCeiling is the absolute age beyond which the snapshot must never
	// be served without a blocking refresh attempt.
	HardCeiling time.Duration

	Fetch Fetcher
}

// Cache is the collection mirror. Snapshots live in memory and are persisted
// to the KV store as one blob per collection so a restarted process
// warm-starts without an immediate remote fetch.
type Cache struct {
	store  kvstore.Store
	logger *slog.Logger
	now    func() time.Time

	descs map[domain.Collection]Descriptor

	mu   sync.RWMutex
	data map[domain.Collection]*domain.CachedCollection

	flight singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache over the given collection descriptors.
func New(descriptors []Descriptor, store kvstore.Store, logger *slog.Logger, opts ...Option) (*Cache, error) {
	c := &Cache{
		store:  store,
		logger: logger,
		now:    time.Now,
		descs:  make(map[domain.Collection]Descriptor, len(descriptors)),
		data:   make(map[domain.Collection]*domain.CachedCollection),
	}

	for _, d := range descriptors {
		if !d.Name.Valid() {
			return nil, apperrors.Configuration(fmt.Sprintf("unknown collection %q", d.Name))
		}
		if d.Fetch == nil {
			return nil, apperrors.Configuration(fmt.Sprintf("collection %q has no fetcher", d.Name))
		}
		if d.SoftTTL <= 0 || d.HardCeiling <= d.SoftTTL {
			return nil, apperrors.Configuration(fmt.Sprintf("collection %q needs 0 < soft ttl < hard ceiling", d.Name))
		}
		c.descs[d.Name] = d
	}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns the named collection's items. A snapshot younger than the soft
// TTL is returned as-is; between soft TTL and the hard ceiling it is still
// returned while NeedsRefresh reports true (the scheduling of that refresh
// belongs to an outside collaborator); past the hard ceiling the call blocks
// on a refresh and fails rather than serve the over-aged snapshot.
//
// The returned map is the live snapshot; callers must treat it as read-only.
func (c *Cache) Get(ctx context.Context, name domain.Collection) (map[int64]domain.Resource, error) {
	desc, ok := c.descs[name]
	if !ok {
		return nil, apperrors.InvalidInput(fmt.Sprintf("unknown collection %q", name))
	}

	snapshot := c.snapshot(ctx, name)
	if snapshot == nil {
		readsTotal.WithLabelValues(string(name), "miss").Inc()
		if err := c.Refresh(ctx, name); err != nil {
			return nil, err
		}
		snapshot = c.snapshot(ctx, name)
		return snapshot.Items, nil
	}

	age := snapshot.Age(c.now())
	switch {
	case age <= desc.SoftTTL:
		readsTotal.WithLabelValues(string(name), "fresh").Inc()
		return snapshot.Items, nil

	case age <= desc.HardCeiling:
		readsTotal.WithLabelValues(string(name), "stale").Inc()
		return snapshot.Items, nil

	default:
		readsTotal.WithLabelValues(string(name), "expired").Inc()
		if err := c.Refresh(ctx, name); err != nil {
			return nil, fmt.Errorf("collection %s past staleness ceiling: %w", name, err)
		}
		snapshot = c.snapshot(ctx, name)
		return snapshot.Items, nil
	}
}

// Lookup returns one resource from the named collection.
func (c *Cache) Lookup(ctx context.Context, name domain.Collection, id int64) (domain.Resource, bool, error) {
	items, err := c.Get(ctx, name)
	if err != nil {
		return domain.Resource{}, false, err
	}
	res, ok := items[id]
	return res, ok, nil
}

// NeedsRefresh reports whether the named collection is past its soft TTL
// (or has never been fetched).
func (c *Cache) NeedsRefresh(ctx context.Context, name domain.Collection) bool {
	desc, ok := c.descs[name]
	if !ok {
		return false
	}
	snapshot := c.snapshot(ctx, name)
	return snapshot == nil || snapshot.Age(c.now()) > desc.SoftTTL
}

// Due returns every collection currently past its soft TTL, for the refresh
// scheduler.
func (c *Cache) Due(ctx context.Context) []domain.Collection {
	var due []domain.Collection
	for name := range c.descs {
		if c.NeedsRefresh(ctx, name) {
			due = append(due, name)
		}
	}
	return due
}

// Refresh fetches the complete collection and atomically replaces the stored
// snapshot and timestamp. On failure the previous snapshot stays untouched.
// Concurrent refreshes of the same collection share one outbound fetch.
func (c *Cache) Refresh(ctx context.Context, name domain.Collection) error {
	desc, ok := c.descs[name]
	if !ok {
		return apperrors.InvalidInput(fmt.Sprintf("unknown collection %q", name))
	}

	_, err, _ := c.flight.Do(string(name), func() (any, error) {
		items, err := desc.Fetch(ctx)
		if err != nil {
			refreshesTotal.WithLabelValues(string(name), "error").Inc()
			return nil, err
		}

		byID := make(map[int64]domain.Resource, len(items))
		for _, item := range items {
			byID[item.ID] = item
		}

		snapshot := &domain.CachedCollection{
			Items:           byID,
			LastRefreshedAt: c.now(),
		}

		c.persist(ctx, name, snapshot)

		c.mu.Lock()
		c.data[name] = snapshot
		c.mu.Unlock()

		refreshesTotal.WithLabelValues(string(name), "ok").Inc()
		c.logger.InfoContext(ctx, "collection refreshed",
			slog.String("collection", string(name)),
			slog.Int("items", len(byID)),
		)
		return nil, nil
	})
	return err
}

// InvalidateAll clears every collection, memory and KV store both. Called on
// disconnect: cached remote ids are meaningless without a connection.
func (c *Cache) InvalidateAll(ctx context.Context) {
	c.mu.Lock()
	c.data = make(map[domain.Collection]*domain.CachedCollection)
	c.mu.Unlock()

	for name := range c.descs {
		if err := c.store.Delete(ctx, blobKey(name)); err != nil {
			c.logger.ErrorContext(ctx, "failed to drop persisted collection",
				slog.String("collection", string(name)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// LastRefreshedAt returns when the named collection was last refreshed, or a
// zero time when it never was.
func (c *Cache) LastRefreshedAt(ctx context.Context, name domain.Collection) time.Time {
	if snapshot := c.snapshot(ctx, name); snapshot != nil {
		return snapshot.LastRefreshedAt
	}
	return time.Time{}
}

// snapshot returns the in-memory snapshot, falling back to the persisted
// blob once per process start.
func (c *Cache) snapshot(ctx context.Context, name domain.Collection) *domain.CachedCollection {
	c.mu.RLock()
	snapshot, ok := c.data[name]
	c.mu.RUnlock()
	if ok {
		return snapshot
	}

	data, err := c.store.Get(ctx, blobKey(name))
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			c.logger.ErrorContext(ctx, "failed to load persisted collection",
				slog.String("collection", string(name)),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}

	var loaded domain.CachedCollection
	if err := json.Unmarshal(data, &loaded); err != nil {
		c.logger.ErrorContext(ctx, "corrupt persisted collection dropped",
			slog.String("collection", string(name)),
			slog.String("error", err.Error()),
		)
		_ = c.store.Delete(ctx, blobKey(name))
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.data[name]; ok {
		return existing
	}
	c.data[name] = &loaded
	return &loaded
}

func (c *Cache) persist(ctx context.Context, name domain.Collection, snapshot *domain.CachedCollection) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to marshal collection snapshot",
			slog.String("collection", string(name)),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := c.store.Set(ctx, blobKey(name), data, 0); err != nil {
		// Persistence is a warm-start optimization; the in-memory snapshot
		// remains authoritative for this process.
		c.logger.ErrorContext(ctx, "failed to persist collection snapshot",
			slog.String("collection", string(name)),
			slog.String("error", err.Error()),
		)
	}
}

func blobKey(name domain.Collection) string {
	return "cache:" + string(name)
}
