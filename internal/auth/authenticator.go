// Package auth implements subscriber sessions: magic-link login codes
// delivered by email, and the signed tokens that carry the resulting
// session in a cookie.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/membergate/membergate/internal/domain"
	"github.com/membergate/membergate/pkg/apperrors"
	"github.com/membergate/membergate/pkg/validator"
)

// Directory is the slice of the remote client the authenticator needs.
type Directory interface {
	SubscriberByEmail(ctx context.Context, email string) (*domain.Subscriber, error)
	DeliverLoginCode(ctx context.Context, email, code string) error
}

// Events receives the authentication domain events.
type Events interface {
	SubscriberAuthenticated(ctx context.Context, sub domain.Subscriber)
}

// Authenticator runs the magic-link login flow and verifies session tokens.
type Authenticator struct {
	directory  Directory
	signer     *TokenSigner
	challenges *ChallengeStore
	events     Events
	logger     *slog.Logger
}

func NewAuthenticator(directory Directory, signer *TokenSigner, challenges *ChallengeStore, events Events, log *slog.Logger) *Authenticator {
	return &Authenticator{
		directory:  directory,
		signer:     signer,
		challenges: challenges,
		events:     events,
		logger:     log,
	}
}

// RequestLogin starts a magic-link login for the email and returns the
// opaque challenge reference the client must present alongside the code.
//
// The response never reveals whether the email belongs to a subscriber:
// unknown addresses get a decoy reference that no code can redeem. Only
// malformed input and remote transport failures surface as errors.
func (a *Authenticator) RequestLogin(ctx context.Context, email string) (string, error) {
	if !validator.ValidEmail(email) {
		return "", apperrors.InvalidInput("invalid email address")
	}

	sub, err := a.directory.SubscriberByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			a.logger.InfoContext(ctx, "login requested for unknown email")
			return uuid.NewString(), nil
		}
		return "", fmt.Errorf("look up subscriber: %w", err)
	}

	ref, code, err := a.challenges.Create(sub.ID, sub.Email)
	if err != nil {
		return "", err
	}

	if err := a.directory.DeliverLoginCode(ctx, sub.Email, code); err != nil {
		return "", fmt.Errorf("deliver login code: %w", err)
	}

	a.logger.InfoContext(ctx, "login code delivered",
		slog.Int64("subscriber_id", sub.ID),
	)
	return ref, nil
}

// RedeemCode exchanges a challenge reference and the emailed code for a
// signed session token.
func (a *Authenticator) RedeemCode(ctx context.Context, ref, code string) (string, domain.Subscriber, error) {
	id, email, err := a.challenges.Redeem(ref, code)
	if err != nil {
		return "", domain.Subscriber{}, err
	}

	token, err := a.signer.Sign(id)
	if err != nil {
		return "", domain.Subscriber{}, err
	}

	sub := domain.Subscriber{ID: id, Email: email}
	a.events.SubscriberAuthenticated(ctx, sub)
	a.logger.InfoContext(ctx, "subscriber authenticated",
		slog.Int64("subscriber_id", id),
	)
	return token, sub, nil
}

// VerifyToken validates a session token and returns the subscriber it
// names. Every verification defect is an error; callers treat any failure
// as an anonymous visitor.
func (a *Authenticator) VerifyToken(tokenString string) (domain.Subscriber, error) {
	id, err := a.signer.Verify(tokenString)
	if err != nil {
		return domain.Subscriber{}, err
	}
	return domain.Subscriber{ID: id}, nil
}

// CookieMaxAge is the session cookie lifetime matching token expiry.
func (a *Authenticator) CookieMaxAge() int {
	return int(a.signer.MaxAge().Seconds())
}
