package entitlement

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/membergate/membergate/internal/domain"
	"github.com/membergate/membergate/internal/kvstore"
	"github.com/membergate/membergate/pkg/apperrors"
	"github.com/membergate/membergate/pkg/logger"
)

type mockMembership struct {
	mock.Mock
}

func (m *mockMembership) SubscriberTagIDs(ctx context.Context, subscriberID int64) ([]int64, error) {
	args := m.Called(ctx, subscriberID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}

func (m *mockMembership) SubscriberProductIDs(ctx context.Context, subscriberID int64) ([]int64, error) {
	args := m.Called(ctx, subscriberID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testEvaluator(t *testing.T, membership Membership) (*Evaluator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := kvstore.NewRedisStore(client, "mg:")
	log := logger.NewWithWriter("entitlement-test", "error", testWriter{t})
	return NewEvaluator(membership, store, log, time.Hour, 5*time.Minute), mr
}

func TestEvaluator_TagMembership(t *testing.T) {
	membership := new(mockMembership)
	e, _ := testEvaluator(t, membership)
	sub := domain.Subscriber{ID: 42}

	membership.On("SubscriberTagIDs", mock.Anything, int64(42)).
		Return([]int64{7, 9}, nil).Once()

	held, err := e.HasEntitlement(context.Background(), sub, domain.Entitlement{Kind: domain.EntitlementTag, ID: 9})
	require.NoError(t, err)
	assert.True(t, held)

	// Second check of the same pair comes from the cache, not the remote.
	held, err = e.HasEntitlement(context.Background(), sub, domain.Entitlement{Kind: domain.EntitlementTag, ID: 9})
	require.NoError(t, err)
	assert.True(t, held)
	membership.AssertNumberOfCalls(t, "SubscriberTagIDs", 1)
}

func TestEvaluator_ProductMembership(t *testing.T) {
	membership := new(mockMembership)
	e, _ := testEvaluator(t, membership)
	sub := domain.Subscriber{ID: 42}

	membership.On("SubscriberProductIDs", mock.Anything, int64(42)).
		Return([]int64{100}, nil).Once()

	held, err := e.HasEntitlement(context.Background(), sub, domain.Entitlement{Kind: domain.EntitlementProduct, ID: 200})
	require.NoError(t, err)
	assert.False(t, held)
}

func TestEvaluator_NegativeAnswerExpires(t *testing.T) {
	membership := new(mockMembership)
	e, mr := testEvaluator(t, membership)
	sub := domain.Subscriber{ID: 42}
	ent := domain.Entitlement{Kind: domain.EntitlementTag, ID: 9}

	membership.On("SubscriberTagIDs", mock.Anything, int64(42)).
		Return([]int64{}, nil).Once()

	held, err := e.HasEntitlement(context.Background(), sub, ent)
	require.NoError(t, err)
	assert.False(t, held)

	// Within the negative TTL the cached denial is reused.
	held, err = e.HasEntitlement(context.Background(), sub, ent)
	require.NoError(t, err)
	assert.False(t, held)
	membership.AssertNumberOfCalls(t, "SubscriberTagIDs", 1)

	// Once the negative entry expires the remote is consulted again and the
	// newly granted tag shows up.
	mr.FastForward(5*time.Minute + time.Second)
	membership.On("SubscriberTagIDs", mock.Anything, int64(42)).
		Return([]int64{9}, nil).Once()

	held, err = e.HasEntitlement(context.Background(), sub, ent)
	require.NoError(t, err)
	assert.True(t, held)
	membership.AssertExpectations(t)
}

func TestEvaluator_FailsClosedOnRemoteError(t *testing.T) {
	membership := new(mockMembership)
	e, _ := testEvaluator(t, membership)
	sub := domain.Subscriber{ID: 42}

	membership.On("SubscriberTagIDs", mock.Anything, int64(42)).
		Return(nil, apperrors.Network(assert.AnError))

	held, err := e.HasEntitlement(context.Background(), sub, domain.Entitlement{Kind: domain.EntitlementTag, ID: 9})
	assert.False(t, held)
	assert.ErrorIs(t, err, apperrors.ErrNetwork)

	// Errors are not cached; the next check retries the remote.
	_, _ = e.HasEntitlement(context.Background(), sub, domain.Entitlement{Kind: domain.EntitlementTag, ID: 9})
	membership.AssertNumberOfCalls(t, "SubscriberTagIDs", 2)
}

func TestEvaluator_AnonymousHoldsNothing(t *testing.T) {
	membership := new(mockMembership)
	e, _ := testEvaluator(t, membership)

	held, err := e.HasEntitlement(context.Background(), domain.Subscriber{}, domain.Entitlement{Kind: domain.EntitlementTag, ID: 9})
	require.NoError(t, err)
	assert.False(t, held)
	membership.AssertNotCalled(t, "SubscriberTagIDs", mock.Anything, mock.Anything)
}

func TestEvaluator_Invalidate(t *testing.T) {
	membership := new(mockMembership)
	e, _ := testEvaluator(t, membership)
	sub := domain.Subscriber{ID: 42}
	ent := domain.Entitlement{Kind: domain.EntitlementProduct, ID: 100}

	membership.On("SubscriberProductIDs", mock.Anything, int64(42)).
		Return([]int64{}, nil).Once()
	_, err := e.HasEntitlement(context.Background(), sub, ent)
	require.NoError(t, err)

	require.NoError(t, e.Invalidate(context.Background(), sub.ID, ent))

	membership.On("SubscriberProductIDs", mock.Anything, int64(42)).
		Return([]int64{100}, nil).Once()
	held, err := e.HasEntitlement(context.Background(), sub, ent)
	require.NoError(t, err)
	assert.True(t, held)
	membership.AssertExpectations(t)
}
