package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/membergate/membergate/internal/kvstore"
)

// ============================================================================
// Mocks
// ============================================================================

type mockConnection struct {
	mock.Mock
}

func (m *mockConnection) Connect(ctx context.Context, code string) error {
	args := m.Called(ctx, code)
	return args.Error(0)
}

func (m *mockConnection) Clear(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockConnection) Connected(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

type stubAuthorizer struct{}

func (stubAuthorizer) AuthorizeURL(state string) string {
	return "https://provider.example.com/oauth/authorize?state=" + state
}

type mockInvalidator struct {
	mock.Mock
}

func (m *mockInvalidator) InvalidateAll(ctx context.Context) {
	m.Called(ctx)
}

type recordingConnectionEvents struct {
	disconnected int
}

func (r *recordingConnectionEvents) AccountDisconnected(context.Context) {
	r.disconnected++
}

type oauthFixture struct {
	srv        *httptest.Server
	connection *mockConnection
	cache      *mockInvalidator
	events     *recordingConnectionEvents
}

func newOAuthFixture(t *testing.T) *oauthFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	store := kvstore.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "mg:")

	connection := new(mockConnection)
	cache := new(mockInvalidator)
	events := &recordingConnectionEvents{}
	handler := NewOAuthHandler(connection, stubAuthorizer{}, cache, store, events, testLogger())

	r := chi.NewRouter()
	r.Get("/api/v1/oauth", handler.Status)
	r.Get("/api/v1/oauth/authorize", handler.Authorize)
	r.Get("/api/v1/oauth/callback", handler.Callback)
	r.Delete("/api/v1/oauth", handler.Disconnect)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &oauthFixture{srv: srv, connection: connection, cache: cache, events: events}
}

// authorize starts the flow and returns the issued state parameter.
func (f *oauthFixture) authorize(t *testing.T) string {
	t.Helper()

	resp, err := f.srv.Client().Get(f.srv.URL + "/api/v1/oauth/authorize")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data AuthorizeResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	u, err := url.Parse(body.Data.AuthorizeURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

// ============================================================================
// Tests
// ============================================================================

func TestOAuth_CallbackConnectsWithIssuedState(t *testing.T) {
	f := newOAuthFixture(t)
	state := f.authorize(t)

	f.connection.On("Connect", mock.Anything, "grant-code").Return(nil)

	resp, err := f.srv.Client().Get(f.srv.URL + "/api/v1/oauth/callback?code=grant-code&state=" + state)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	f.connection.AssertExpectations(t)
}

func TestOAuth_CallbackRejectsUnknownState(t *testing.T) {
	f := newOAuthFixture(t)

	resp, err := f.srv.Client().Get(f.srv.URL + "/api/v1/oauth/callback?code=grant-code&state=forged")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	f.connection.AssertNotCalled(t, "Connect", mock.Anything, mock.Anything)
}

func TestOAuth_StateIsSingleUse(t *testing.T) {
	f := newOAuthFixture(t)
	state := f.authorize(t)

	f.connection.On("Connect", mock.Anything, "grant-code").Return(nil).Once()

	first, err := f.srv.Client().Get(f.srv.URL + "/api/v1/oauth/callback?code=grant-code&state=" + state)
	require.NoError(t, err)
	first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	second, err := f.srv.Client().Get(f.srv.URL + "/api/v1/oauth/callback?code=grant-code&state=" + state)
	require.NoError(t, err)
	defer second.Body.Close()

	assert.Equal(t, http.StatusBadRequest, second.StatusCode)
}

func TestOAuth_CallbackRequiresCodeAndState(t *testing.T) {
	f := newOAuthFixture(t)

	resp, err := f.srv.Client().Get(f.srv.URL + "/api/v1/oauth/callback")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOAuth_DisconnectInvalidatesCacheAndEmitsEvent(t *testing.T) {
	f := newOAuthFixture(t)

	f.connection.On("Clear", mock.Anything).Return(nil)
	f.cache.On("InvalidateAll", mock.Anything).Return()

	req, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/api/v1/oauth", nil)
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	f.cache.AssertExpectations(t)
	assert.Equal(t, 1, f.events.disconnected)

	var body struct {
		Data ConnectionResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Data.Connected)
}

func TestOAuth_StatusReportsConnection(t *testing.T) {
	f := newOAuthFixture(t)

	f.connection.On("Connected", mock.Anything).Return(true)

	resp, err := f.srv.Client().Get(f.srv.URL + "/api/v1/oauth")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data ConnectionResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Data.Connected)
}