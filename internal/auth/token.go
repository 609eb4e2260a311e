package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/membergate/membergate/pkg/apperrors"
)

// TokenSigner mints and verifies the signed subscriber tokens carried in the
// session cookie. Tokens are HMAC-SHA256 JWTs; the signing secret never
// leaves this process.
type TokenSigner struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewTokenSigner creates a signer. The secret must be non-empty and maxAge
// positive; both come from configuration validated at startup.
func NewTokenSigner(secret []byte, maxAge time.Duration) (*TokenSigner, error) {
	if len(secret) == 0 {
		return nil, apperrors.Configuration("session secret is empty")
	}
	if maxAge <= 0 {
		return nil, apperrors.Configuration("session max age must be positive")
	}
	return &TokenSigner{secret: secret, maxAge: maxAge, now: time.Now}, nil
}

// WithSignerClock overrides the signer's time source, for tests.
func (s *TokenSigner) WithSignerClock(now func() time.Time) *TokenSigner {
	s.now = now
	return s
}

// MaxAge is the lifetime of tokens this signer mints, which is also the
// session cookie max age.
func (s *TokenSigner) MaxAge() time.Duration {
	return s.maxAge
}

// Sign mints a signed token for the subscriber.
func (s *TokenSigner) Sign(subscriberID int64) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(subscriberID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.maxAge)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign subscriber token: %w", err)
	}
	return signed, nil
}

// Verify checks the token's signature and expiry and returns the subscriber
// id it names. Any defect, malformed token, wrong algorithm, bad signature,
// garbage subject, maps to ErrInvalidSignature except expiry, which maps to
// ErrTokenExpired so callers can distinguish "sign in again" from "tampered".
func (s *TokenSigner) Verify(tokenString string) (int64, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, fmt.Errorf("verify subscriber token: %w", apperrors.ErrTokenExpired)
		}
		return 0, fmt.Errorf("verify subscriber token: %w", apperrors.ErrInvalidSignature)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return 0, fmt.Errorf("verify subscriber token: %w", apperrors.ErrInvalidSignature)
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("verify subscriber token: %w", apperrors.ErrInvalidSignature)
	}
	return id, nil
}
