// Package gating makes the per-request content-access decision. It is the
// only place that turns identity and entitlement into the three
// visitor-facing outcomes: authorized, challenged, denied.
package gating

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/membergate/membergate/internal/domain"
)

var decisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "membergate_gating_decisions_total",
		Help: "Content-access decisions by outcome",
	},
	[]string{"decision"},
)

// Verifier resolves a raw session token into a subscriber.
type Verifier interface {
	VerifyToken(tokenString string) (domain.Subscriber, error)
}

// Checker answers the entitlement question for a resolved subscriber.
type Checker interface {
	HasEntitlement(ctx context.Context, sub domain.Subscriber, ent domain.Entitlement) (bool, error)
}

// Events receives the gating domain events.
type Events interface {
	GatingDenied(ctx context.Context, slug string, subscriberID int64, reason domain.DenialReason)
}

// Request is one content-access evaluation.
type Request struct {
	Piece domain.Piece

	// Token is the raw session cookie value; empty when no cookie was sent.
	Token string

	UserAgent string
}

// Result is the outcome the rendering layer acts on. Internal error detail
// never rides along; that goes to the logs.
type Result struct {
	Decision   domain.Decision
	Reason     domain.DenialReason
	Subscriber domain.Subscriber
}

// Controller evaluates gating requests.
type Controller struct {
	verifier       Verifier
	checker        Checker
	events         Events
	logger         *slog.Logger
	permitCrawlers bool
}

func NewController(verifier Verifier, checker Checker, events Events, log *slog.Logger, permitCrawlers bool) *Controller {
	return &Controller{
		verifier:       verifier,
		checker:        checker,
		events:         events,
		logger:         log,
		permitCrawlers: permitCrawlers,
	}
}

// Evaluate decides access to one piece of content.
//
// A missing or defective token makes the visitor anonymous, never a
// different subscriber. Anonymous visitors are challenged, unless they
// present as a search crawler and the operator permits those. Authenticated
// subscribers are authorized or denied on the entitlement answer alone; a
// failed entitlement check denies, it never grants.
func (c *Controller) Evaluate(ctx context.Context, req Request) Result {
	sub := c.resolve(ctx, req.Token)

	if sub.Anonymous() {
		if c.permitCrawlers && IsCrawler(req.UserAgent) {
			c.logger.InfoContext(ctx, "crawler bypass granted",
				slog.String("slug", req.Piece.Slug),
				slog.String("user_agent", req.UserAgent),
			)
			return c.done(Result{Decision: domain.DecisionAuthorized, Subscriber: sub})
		}
		return c.done(Result{
			Decision:   domain.DecisionChallenged,
			Reason:     domain.ReasonNotSignedIn,
			Subscriber: sub,
		})
	}

	held, err := c.checker.HasEntitlement(ctx, sub, req.Piece.Entitlement)
	if err != nil {
		c.logger.ErrorContext(ctx, "entitlement check failed, denying",
			slog.String("slug", req.Piece.Slug),
			slog.Int64("subscriber_id", sub.ID),
			slog.String("error", err.Error()),
		)
	}
	if !held {
		c.events.GatingDenied(ctx, req.Piece.Slug, sub.ID, domain.ReasonInsufficientAccess)
		return c.done(Result{
			Decision:   domain.DecisionDenied,
			Reason:     domain.ReasonInsufficientAccess,
			Subscriber: sub,
		})
	}

	return c.done(Result{Decision: domain.DecisionAuthorized, Subscriber: sub})
}

// resolve turns the raw cookie token into a subscriber, failing closed to
// anonymous on any verification defect.
func (c *Controller) resolve(ctx context.Context, token string) domain.Subscriber {
	if token == "" {
		return domain.Subscriber{}
	}
	sub, err := c.verifier.VerifyToken(token)
	if err != nil {
		c.logger.InfoContext(ctx, "session token rejected",
			slog.String("error", err.Error()),
		)
		return domain.Subscriber{}
	}
	return sub
}

func (c *Controller) done(res Result) Result {
	decisionsTotal.WithLabelValues(string(res.Decision)).Inc()
	return res
}
