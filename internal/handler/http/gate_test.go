package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/membergate/membergate/internal/domain"
	"github.com/membergate/membergate/internal/gating"
	"github.com/membergate/membergate/internal/repository"
	"github.com/membergate/membergate/pkg/apperrors"
	"github.com/membergate/membergate/pkg/httputil"
)

const testCookieName = "mg_subscriber"

// ============================================================================
// Mocks
// ============================================================================

type mockPieceRepository struct {
	mock.Mock
}

func (m *mockPieceRepository) Create(ctx context.Context, p *domain.Piece) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *mockPieceRepository) GetByID(ctx context.Context, id string) (*domain.Piece, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Piece), args.Error(1)
}

func (m *mockPieceRepository) GetBySlug(ctx context.Context, slug string) (*domain.Piece, error) {
	args := m.Called(ctx, slug)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Piece), args.Error(1)
}

func (m *mockPieceRepository) List(ctx context.Context, filter repository.PieceFilter) ([]domain.Piece, int, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]domain.Piece), args.Int(1), args.Error(2)
}

func (m *mockPieceRepository) Update(ctx context.Context, p *domain.Piece) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *mockPieceRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type stubVerifier struct {
	sub domain.Subscriber
	err error
}

func (s stubVerifier) VerifyToken(string) (domain.Subscriber, error) {
	return s.sub, s.err
}

type stubChecker struct {
	held bool
	err  error
}

func (s stubChecker) HasEntitlement(context.Context, domain.Subscriber, domain.Entitlement) (bool, error) {
	return s.held, s.err
}

type nopEvents struct{}

func (nopEvents) GatingDenied(context.Context, string, int64, domain.DenialReason) {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func gatedPiece() *domain.Piece {
	return &domain.Piece{
		ID:          "piece-001",
		Slug:        "premium-post",
		Title:       "Premium Post",
		Body:        "Members only.",
		Entitlement: domain.Entitlement{Kind: domain.EntitlementTag, ID: 9},
	}
}

func gateServer(t *testing.T, pieces repository.PieceRepository, verifier gating.Verifier, checker gating.Checker) *httptest.Server {
	t.Helper()
	controller := gating.NewController(verifier, checker, nopEvents{}, testLogger(), false)
	handler := NewGateHandler(pieces, controller, testCookieName, testLogger())

	r := chi.NewRouter()
	r.Get("/content/{slug}", handler.GetContent)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

// ============================================================================
// Tests
// ============================================================================

func TestGetContent_AuthorizedIncludesBody(t *testing.T) {
	pieces := new(mockPieceRepository)
	pieces.On("GetBySlug", mock.Anything, "premium-post").Return(gatedPiece(), nil)

	srv := gateServer(t, pieces,
		stubVerifier{sub: domain.Subscriber{ID: 42}},
		stubChecker{held: true},
	)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/content/premium-post", nil)
	req.AddCookie(&http.Cookie{Name: testCookieName, Value: "token"})
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data PieceResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Members only.", body.Data.Body)
}

func TestGetContent_AnonymousGetsCTAWithoutBody(t *testing.T) {
	pieces := new(mockPieceRepository)
	pieces.On("GetBySlug", mock.Anything, "premium-post").Return(gatedPiece(), nil)

	srv := gateServer(t, pieces, stubVerifier{}, stubChecker{})

	resp, err := srv.Client().Get(srv.URL + "/content/premium-post")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body struct {
		Data CTAResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, domain.DecisionChallenged, body.Data.Decision)
	assert.Equal(t, domain.ReasonNotSignedIn, body.Data.Reason)
}

func TestGetContent_UnentitledSubscriberGetsDenied(t *testing.T) {
	pieces := new(mockPieceRepository)
	pieces.On("GetBySlug", mock.Anything, "premium-post").Return(gatedPiece(), nil)

	srv := gateServer(t, pieces,
		stubVerifier{sub: domain.Subscriber{ID: 42}},
		stubChecker{held: false},
	)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/content/premium-post", nil)
	req.AddCookie(&http.Cookie{Name: testCookieName, Value: "token"})
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var body struct {
		Data CTAResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, domain.ReasonInsufficientAccess, body.Data.Reason)
}

func TestGetContent_UnknownSlugIs404(t *testing.T) {
	pieces := new(mockPieceRepository)
	pieces.On("GetBySlug", mock.Anything, "missing").
		Return(nil, apperrors.NotFound("piece", "missing"))

	srv := gateServer(t, pieces, stubVerifier{}, stubChecker{})

	resp, err := srv.Client().Get(srv.URL + "/content/missing")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body httputil.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotNil(t, body.Error)
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
}
