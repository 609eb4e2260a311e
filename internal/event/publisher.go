// Package event publishes membergate domain events to Kafka. Publishing is
// best-effort: a broker outage must never fail the request that produced
// the event, so errors are logged and swallowed here.
package event

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/membergate/membergate/internal/domain"
	"github.com/membergate/membergate/pkg/kafka"
	"github.com/membergate/membergate/pkg/logger"
)

const (
	TopicSubscriberAuthenticated = "membergate.subscriber.authenticated"
	TopicGatingDenied            = "membergate.gating.denied"
	TopicAccountDisconnected     = "membergate.account.disconnected"
	TopicCacheRefreshed          = "membergate.cache.refreshed"

	source = "membergate"
)

// SubscriberAuthenticated is emitted when a login code is redeemed and a
// session token minted.
type SubscriberAuthenticated struct {
	SubscriberID int64     `json:"subscriber_id"`
	Email        string    `json:"email"`
	At           time.Time `json:"at"`
}

// GatingDenied is emitted when a gated piece request ends in a denial.
type GatingDenied struct {
	Slug         string    `json:"slug"`
	SubscriberID int64     `json:"subscriber_id,omitempty"`
	Reason       string    `json:"reason"`
	At           time.Time `json:"at"`
}

// AccountDisconnected is emitted when the operator severs the remote account
// connection.
type AccountDisconnected struct {
	At time.Time `json:"at"`
}

// CacheRefreshed is emitted after a collection refresh completes.
type CacheRefreshed struct {
	Collection string    `json:"collection"`
	Items      int       `json:"items"`
	At         time.Time `json:"at"`
}

// Publisher emits typed domain events. A nil Publisher is valid and
// publishes nothing, which keeps wiring simple where Kafka is disabled.
type Publisher struct {
	producer *kafka.Producer
	logger   *slog.Logger
}

func NewPublisher(producer *kafka.Producer, log *slog.Logger) *Publisher {
	return &Publisher{producer: producer, logger: log}
}

func (p *Publisher) SubscriberAuthenticated(ctx context.Context, sub domain.Subscriber) {
	p.publish(ctx, TopicSubscriberAuthenticated, strconv.FormatInt(sub.ID, 10), "subscriber",
		SubscriberAuthenticated{SubscriberID: sub.ID, Email: sub.Email, At: time.Now().UTC()})
}

func (p *Publisher) GatingDenied(ctx context.Context, slug string, subscriberID int64, reason domain.DenialReason) {
	p.publish(ctx, TopicGatingDenied, slug, "piece",
		GatingDenied{Slug: slug, SubscriberID: subscriberID, Reason: string(reason), At: time.Now().UTC()})
}

func (p *Publisher) AccountDisconnected(ctx context.Context) {
	p.publish(ctx, TopicAccountDisconnected, "account", "account",
		AccountDisconnected{At: time.Now().UTC()})
}

func (p *Publisher) CacheRefreshed(ctx context.Context, collection domain.Collection, items int) {
	p.publish(ctx, TopicCacheRefreshed, string(collection), "collection",
		CacheRefreshed{Collection: string(collection), Items: items, At: time.Now().UTC()})
}

func (p *Publisher) publish(ctx context.Context, topic, aggregateID, aggregateType string, data any) {
	if p == nil || p.producer == nil {
		return
	}

	evt, err := kafka.NewEvent(topic, aggregateID, aggregateType, source, data)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to build event",
			slog.String("topic", topic),
			slog.String("error", err.Error()),
		)
		return
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		evt = evt.WithCorrelationID(id)
	}

	if err := p.producer.Publish(ctx, topic, evt); err != nil {
		p.logger.ErrorContext(ctx, "failed to publish event",
			slog.String("topic", topic),
			slog.String("error", err.Error()),
		)
	}
}
