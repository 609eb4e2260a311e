// Package entitlement answers whether a subscriber holds the tag or product
// a piece of content requires. Membership truth lives in the remote service;
// results are cached in the KV store so repeated page loads do not repeat
// remote calls.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/membergate/membergate/internal/domain"
	"github.com/membergate/membergate/internal/kvstore"
	"github.com/membergate/membergate/pkg/apperrors"
)

var checksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "membergate_entitlement_checks_total",
		Help: "Entitlement checks by outcome and cache disposition",
	},
	[]string{"kind", "outcome", "cached"},
)

const (
	// DefaultNegativeTTL bounds how long a "does not hold it" answer is
	// reused. Short on purpose: a purchase or tag grant should take effect
	// within this window.
	DefaultNegativeTTL = 5 * time.Minute
)

// Membership is the slice of the remote client the evaluator needs.
type Membership interface {
	SubscriberTagIDs(ctx context.Context, subscriberID int64) ([]int64, error)
	SubscriberProductIDs(ctx context.Context, subscriberID int64) ([]int64, error)
}

// Evaluator decides tag and product entitlement for subscribers.
//
// Positive answers are cached for the session token lifetime: once a
// sign-in has confirmed access, later page views in the same session need
// no re-check. Negative answers are cached for a much shorter window to
// bound remote traffic from a visitor who keeps reloading a page they
// cannot see.
type Evaluator struct {
	membership  Membership
	store       kvstore.Store
	logger      *slog.Logger
	positiveTTL time.Duration
	negativeTTL time.Duration
}

func NewEvaluator(membership Membership, store kvstore.Store, log *slog.Logger, positiveTTL, negativeTTL time.Duration) *Evaluator {
	if negativeTTL <= 0 {
		negativeTTL = DefaultNegativeTTL
	}
	return &Evaluator{
		membership:  membership,
		store:       store,
		logger:      log,
		positiveTTL: positiveTTL,
		negativeTTL: negativeTTL,
	}
}

// HasEntitlement reports whether the subscriber holds the entitlement.
//
// It never fails open: when the remote check cannot be completed the answer
// is false and the error is returned alongside for the caller's logs. An
// anonymous subscriber holds nothing, by definition.
func (e *Evaluator) HasEntitlement(ctx context.Context, sub domain.Subscriber, ent domain.Entitlement) (bool, error) {
	if sub.Anonymous() {
		return false, nil
	}
	if !ent.Kind.Valid() {
		return false, apperrors.InvalidInput(fmt.Sprintf("unknown entitlement kind %q", ent.Kind))
	}

	key := cacheKey(sub.ID, ent)
	if cached, err := e.store.Get(ctx, key); err == nil {
		held := string(cached) == "1"
		checksTotal.WithLabelValues(string(ent.Kind), outcome(held), "hit").Inc()
		return held, nil
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		e.logger.ErrorContext(ctx, "entitlement cache read failed",
			slog.String("error", err.Error()),
		)
	}

	held, err := e.check(ctx, sub.ID, ent)
	if err != nil {
		checksTotal.WithLabelValues(string(ent.Kind), "error", "miss").Inc()
		return false, fmt.Errorf("check %s entitlement: %w", ent.Kind, err)
	}

	ttl := e.negativeTTL
	value := []byte("0")
	if held {
		ttl = e.positiveTTL
		value = []byte("1")
	}
	if err := e.store.Set(ctx, key, value, ttl); err != nil {
		e.logger.ErrorContext(ctx, "entitlement cache write failed",
			slog.String("error", err.Error()),
		)
	}

	checksTotal.WithLabelValues(string(ent.Kind), outcome(held), "miss").Inc()
	return held, nil
}

// Invalidate drops both cached answers for one (subscriber, entitlement)
// pair, forcing the next check to hit the remote service.
func (e *Evaluator) Invalidate(ctx context.Context, subscriberID int64, ent domain.Entitlement) error {
	return e.store.Delete(ctx, cacheKey(subscriberID, ent))
}

func (e *Evaluator) check(ctx context.Context, subscriberID int64, ent domain.Entitlement) (bool, error) {
	var ids []int64
	var err error
	switch ent.Kind {
	case domain.EntitlementTag:
		ids, err = e.membership.SubscriberTagIDs(ctx, subscriberID)
	case domain.EntitlementProduct:
		ids, err = e.membership.SubscriberProductIDs(ctx, subscriberID)
	default:
		return false, apperrors.InvalidInput(fmt.Sprintf("unknown entitlement kind %q", ent.Kind))
	}
	if err != nil {
		return false, err
	}

	for _, id := range ids {
		if id == ent.ID {
			return true, nil
		}
	}
	return false, nil
}

func cacheKey(subscriberID int64, ent domain.Entitlement) string {
	return fmt.Sprintf("entitle:%d:%s", subscriberID, ent.Key())
}

func outcome(held bool) string {
	if held {
		return "granted"
	}
	return "denied"
}
