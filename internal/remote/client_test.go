package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membergate/membergate/internal/domain"
	"github.com/membergate/membergate/pkg/apperrors"
	"github.com/membergate/membergate/pkg/httpclient"
	"github.com/membergate/membergate/pkg/logger"
)

// stubTokens hands out tokens in sequence: first Token(), then one
// replacement per HandleUnauthorized call.
type stubTokens struct {
	current       string
	replacement   string
	unauthorized  atomic.Int32
	refreshFailed error
}

func (s *stubTokens) Token(context.Context) (string, error) {
	return s.current, nil
}

func (s *stubTokens) HandleUnauthorized(context.Context) (string, error) {
	s.unauthorized.Add(1)
	if s.refreshFailed != nil {
		return "", s.refreshFailed
	}
	return s.replacement, nil
}

func testClient(t *testing.T, srv *httptest.Server, tokens TokenSource) *Client {
	t.Helper()
	base := httpclient.New(httpclient.Config{
		Timeout:         2 * time.Second,
		MaxRetries:      0,
		RetryWaitMin:    time.Millisecond,
		RetryWaitMax:    time.Millisecond,
		MaxConnsPerHost: 4,
	})
	breaker := httpclient.NewBreakerClient(base, httpclient.DefaultBreakerConfig("remote-test"), logger.NewWithWriter("remote-test", "error", testWriter{t}))
	return NewClient(srv.URL+"/v4", breaker, tokens)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestListCollection_FollowsCursorPagination(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v4/tags", r.URL.Path)
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		switch calls.Add(1) {
		case 1:
			assert.Empty(t, r.URL.Query().Get("after"))
			writeJSON(w, http.StatusOK, map[string]any{
				"tags":       []map[string]any{{"id": 1, "name": "one"}, {"id": 2, "name": "two"}},
				"pagination": map[string]any{"has_next_page": true, "end_cursor": "c2"},
			})
		default:
			assert.Equal(t, "c2", r.URL.Query().Get("after"))
			writeJSON(w, http.StatusOK, map[string]any{
				"tags":       []map[string]any{{"id": 3, "name": "three"}},
				"pagination": map[string]any{"has_next_page": false},
			})
		}
	}))
	defer srv.Close()

	client := testClient(t, srv, &stubTokens{current: "tok-1"})

	items, err := client.ListCollection(context.Background(), domain.CollectionTags)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, int64(3), items[2].ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestListCollection_RejectsUnknownName(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	client := testClient(t, srv, &stubTokens{current: "tok-1"})

	_, err := client.ListCollection(context.Background(), domain.Collection("widgets"))
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, http.StatusBadRequest, appErr.Status)
}

func TestDoJSON_RefreshesOnceAfter401(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			require.Equal(t, "Bearer stale", r.Header.Get("Authorization"))
			writeJSON(w, http.StatusUnauthorized, map[string]any{"errors": []string{"token expired"}})
			return
		}
		require.Equal(t, "Bearer fresh", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{
			"subscriber": map[string]any{"id": 42, "email_address": "member@example.com"},
		})
	}))
	defer srv.Close()

	tokens := &stubTokens{current: "stale", replacement: "fresh"}
	client := testClient(t, srv, tokens)

	sub, err := client.Subscriber(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), sub.ID)
	assert.Equal(t, "member@example.com", sub.Email)
	assert.Equal(t, int32(1), tokens.unauthorized.Load())
}

func TestDoJSON_SecondUnauthorizedSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"errors": []string{"token revoked"}})
	}))
	defer srv.Close()

	tokens := &stubTokens{current: "stale", replacement: "still-stale"}
	client := testClient(t, srv, tokens)

	_, err := client.Subscriber(context.Background(), 42)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	assert.Equal(t, int32(1), tokens.unauthorized.Load())
}

func TestDoJSON_RefreshFailureStopsRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, nil)
	}))
	defer srv.Close()

	boom := errors.New("refresh grant gone")
	client := testClient(t, srv, &stubTokens{current: "stale", refreshFailed: boom})

	_, err := client.Subscriber(context.Background(), 42)
	assert.ErrorIs(t, err, boom)
}

func TestResponseError_RateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"errors": []string{"slow down"}})
	}))
	defer srv.Close()

	client := testClient(t, srv, &stubTokens{current: "tok-1"})

	_, err := client.Subscriber(context.Background(), 42)
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, http.StatusTooManyRequests, appErr.Status)
	assert.Equal(t, 120*time.Second, appErr.RetryAfter)
}

func TestResponseError_ValidationMessageSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"errors": []string{"email_address is invalid"}})
	}))
	defer srv.Close()

	client := testClient(t, srv, &stubTokens{current: "tok-1"})

	err := client.DeliverLoginCode(context.Background(), "broken@", "123456")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email_address is invalid")
}

func TestSubscriberByEmail_EmptyResultIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "stranger@example.com", r.URL.Query().Get("email_address"))
		writeJSON(w, http.StatusOK, map[string]any{"subscribers": []any{}})
	}))
	defer srv.Close()

	client := testClient(t, srv, &stubTokens{current: "tok-1"})

	_, err := client.SubscriberByEmail(context.Background(), "stranger@example.com")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSubscriberTagIDs_CollectsIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v4/subscribers/42/tags", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"tags": []map[string]any{{"id": 7}, {"id": 9}},
		})
	}))
	defer srv.Close()

	client := testClient(t, srv, &stubTokens{current: "tok-1"})

	ids, err := client.SubscriberTagIDs(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 9}, ids)
}