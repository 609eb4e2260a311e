package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/membergate/membergate/pkg/apperrors"
)

const (
	// DefaultChallengeTTL bounds how long a delivered login code stays
	// redeemable.
	DefaultChallengeTTL = 10 * time.Minute

	// DefaultMaxAttempts is the number of wrong codes a single challenge
	// tolerates before it locks.
	DefaultMaxAttempts = 3

	codeLength = 6
)

// challenge is one outstanding magic-link login. Only the SHA-256 digest of
// the code is retained; the plaintext exists solely in the delivered email.
type challenge struct {
	subscriberID int64
	email        string
	digest       [sha256.Size]byte
	expiresAt    time.Time
	attempts     int
	locked       bool
}

// ChallengeStore holds outstanding login challenges in memory. Challenges
// are short-lived and tied to this process; losing them on restart only
// means the subscriber requests a fresh code.
type ChallengeStore struct {
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time

	mu         sync.Mutex
	challenges map[string]*challenge
}

// NewChallengeStore creates a store with the given code lifetime and attempt
// budget; zero values select the defaults.
func NewChallengeStore(ttl time.Duration, maxAttempts int) *ChallengeStore {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &ChallengeStore{
		ttl:         ttl,
		maxAttempts: maxAttempts,
		now:         time.Now,
		challenges:  make(map[string]*challenge),
	}
}

// WithStoreClock overrides the store's time source, for tests.
func (s *ChallengeStore) WithStoreClock(now func() time.Time) *ChallengeStore {
	s.now = now
	return s
}

// Create registers a new challenge for the subscriber and returns the opaque
// reference handed to the client and the plaintext code to deliver by email.
func (s *ChallengeStore) Create(subscriberID int64, email string) (ref, code string, err error) {
	code, err = generateCode()
	if err != nil {
		return "", "", fmt.Errorf("generate login code: %w", err)
	}

	ref = uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()
	s.challenges[ref] = &challenge{
		subscriberID: subscriberID,
		email:        email,
		digest:       sha256.Sum256([]byte(code)),
		expiresAt:    s.now().Add(s.ttl),
	}
	return ref, code, nil
}

// Redeem checks the submitted code against the referenced challenge. A
// correct code consumes the challenge and returns the subscriber it was
// issued for; codes cannot be redeemed twice. Wrong codes burn an attempt,
// and once the budget is spent the challenge locks for its remaining
// lifetime.
func (s *ChallengeStore) Redeem(ref, code string) (subscriberID int64, email string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.challenges[ref]
	if !ok || s.now().After(ch.expiresAt) {
		delete(s.challenges, ref)
		return 0, "", fmt.Errorf("redeem login code: %w", apperrors.ErrInvalidCode)
	}
	if ch.locked {
		return 0, "", fmt.Errorf("redeem login code: %w", apperrors.ErrLockedOut)
	}

	digest := sha256.Sum256([]byte(code))
	if subtle.ConstantTimeCompare(digest[:], ch.digest[:]) != 1 {
		ch.attempts++
		if ch.attempts >= s.maxAttempts {
			ch.locked = true
		}
		return 0, "", fmt.Errorf("redeem login code: %w", apperrors.ErrInvalidCode)
	}

	delete(s.challenges, ref)
	return ch.subscriberID, ch.email, nil
}

// purgeLocked drops expired challenges. Caller holds the mutex.
func (s *ChallengeStore) purgeLocked() {
	now := s.now()
	for ref, ch := range s.challenges {
		if now.After(ch.expiresAt) {
			delete(s.challenges, ref)
		}
	}
}

// generateCode produces a uniformly random numeric login code.
func generateCode() (string, error) {
	upper := big.NewInt(1)
	for i := 0; i < codeLength; i++ {
		upper.Mul(upper, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, upper)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeLength, n), nil
}
