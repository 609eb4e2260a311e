// Package worker drives the periodic collection refresh. The cache itself
// only reports what is due; this loop is the scheduling collaborator that
// acts on it.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/membergate/membergate/internal/domain"
)

// RefreshTarget is the slice of the collection cache the worker drives.
type RefreshTarget interface {
	Due(ctx context.Context) []domain.Collection
	Refresh(ctx context.Context, name domain.Collection) error
	Get(ctx context.Context, name domain.Collection) (map[int64]domain.Resource, error)
}

// Connection gates refreshing on an account connection being present;
// without one every remote fetch would fail with the same error.
type Connection interface {
	Connected(ctx context.Context) bool
}

// Events receives refresh domain events.
type Events interface {
	CacheRefreshed(ctx context.Context, collection domain.Collection, items int)
}

// Refresher periodically refreshes collections past their soft TTL.
type Refresher struct {
	cache      RefreshTarget
	connection Connection
	events     Events
	logger     *slog.Logger
	interval   time.Duration
}

func NewRefresher(cache RefreshTarget, connection Connection, events Events, log *slog.Logger, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Refresher{
		cache:      cache,
		connection: connection,
		events:     events,
		logger:     log,
		interval:   interval,
	}
}

// Run loops until the context is cancelled. A failed refresh is logged and
// retried on the next tick; the cache keeps serving its previous snapshot in
// the meantime.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Refresher) tick(ctx context.Context) {
	if !r.connection.Connected(ctx) {
		return
	}

	for _, name := range r.cache.Due(ctx) {
		if err := r.cache.Refresh(ctx, name); err != nil {
			r.logger.ErrorContext(ctx, "scheduled refresh failed",
				slog.String("collection", string(name)),
				slog.String("error", err.Error()),
			)
			continue
		}
		items, err := r.cache.Get(ctx, name)
		if err == nil {
			r.events.CacheRefreshed(ctx, name, len(items))
		}
	}
}
