// Package remote implements the typed client for the content/marketing
// service's versioned HTTP+JSON API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/membergate/membergate/internal/domain"
	"github.com/membergate/membergate/pkg/apperrors"
	"github.com/membergate/membergate/pkg/httpclient"
)

// TokenSource supplies bearer tokens for authenticated calls. Token returns
// the current access token, refreshing proactively when it is about to
// expire. HandleUnauthorized is invoked after a 401: it attempts exactly one
// refresh and returns the replacement token, or ErrNeedsReauthorization when
// the refresh grant is gone too.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	HandleUnauthorized(ctx context.Context) (string, error)
}

// Client is the authenticated remote API client. Responses that fail with
// 401 trigger one coordinated refresh-and-retry through the TokenSource; a
// second 401 is surfaced as-is.
type Client struct {
	baseURL string
	http    *httpclient.BreakerClient
	tokens  TokenSource
}

// NewClient creates a remote API client. baseURL includes the API version
// prefix, e.g. "https://api.example.com/v4".
func NewClient(baseURL string, http *httpclient.BreakerClient, tokens TokenSource) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    http,
		tokens:  tokens,
	}
}

// Account fetches the connected account's profile.
func (c *Client) Account(ctx context.Context) (*Account, error) {
	var envelope struct {
		Account Account `json:"account"`
	}
	if err := c.getJSON(ctx, "/account", nil, &envelope); err != nil {
		return nil, err
	}
	return &envelope.Account, nil
}

// ListCollection fetches the complete named collection, following cursor
// pagination until the remote reports no further pages.
func (c *Client) ListCollection(ctx context.Context, col domain.Collection) ([]domain.Resource, error) {
	if !col.Valid() {
		return nil, apperrors.InvalidInput(fmt.Sprintf("unknown collection %q", col))
	}

	var all []domain.Resource
	cursor := ""

	for {
		query := url.Values{"per_page": {"500"}}
		if cursor != "" {
			query.Set("after", cursor)
		}

		var envelope map[string]json.RawMessage
		if err := c.getJSON(ctx, "/"+string(col), query, &envelope); err != nil {
			return nil, err
		}

		var items []domain.Resource
		if raw, ok := envelope[string(col)]; ok {
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, fmt.Errorf("decode %s page: %w", col, err)
			}
		}
		all = append(all, items...)

		var page pagination
		if raw, ok := envelope["pagination"]; ok {
			if err := json.Unmarshal(raw, &page); err != nil {
				return nil, fmt.Errorf("decode %s pagination: %w", col, err)
			}
		}
		if !page.HasNextPage || page.EndCursor == "" {
			return all, nil
		}
		cursor = page.EndCursor
	}
}

// SubscriberByEmail looks up a subscriber by email address. Returns
// apperrors.ErrNotFound when the address is not a subscriber; the caller is
// responsible for keeping that distinction out of visitor-facing messages.
func (c *Client) SubscriberByEmail(ctx context.Context, email string) (*domain.Subscriber, error) {
	query := url.Values{"email_address": {email}}

	var envelope struct {
		Subscribers []subscriberRecord `json:"subscribers"`
	}
	if err := c.getJSON(ctx, "/subscribers", query, &envelope); err != nil {
		return nil, err
	}
	if len(envelope.Subscribers) == 0 {
		return nil, apperrors.ErrNotFound
	}

	rec := envelope.Subscribers[0]
	return &domain.Subscriber{ID: rec.ID, Email: rec.EmailAddress}, nil
}

// Subscriber fetches a subscriber by remote id.
func (c *Client) Subscriber(ctx context.Context, id int64) (*domain.Subscriber, error) {
	var envelope struct {
		Subscriber subscriberRecord `json:"subscriber"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/subscribers/%d", id), nil, &envelope); err != nil {
		return nil, err
	}
	return &domain.Subscriber{ID: envelope.Subscriber.ID, Email: envelope.Subscriber.EmailAddress}, nil
}

// SubscriberTagIDs returns the ids of every tag on the subscriber.
func (c *Client) SubscriberTagIDs(ctx context.Context, subscriberID int64) ([]int64, error) {
	var envelope struct {
		Tags []struct {
			ID int64 `json:"id"`
		} `json:"tags"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/subscribers/%d/tags", subscriberID), nil, &envelope); err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(envelope.Tags))
	for _, tag := range envelope.Tags {
		ids = append(ids, tag.ID)
	}
	return ids, nil
}

// SubscriberProductIDs returns the ids of every product the subscriber has
// purchased or holds an active subscription to.
func (c *Client) SubscriberProductIDs(ctx context.Context, subscriberID int64) ([]int64, error) {
	var envelope struct {
		Products []struct {
			ID int64 `json:"id"`
		} `json:"products"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/subscribers/%d/products", subscriberID), nil, &envelope); err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(envelope.Products))
	for _, product := range envelope.Products {
		ids = append(ids, product.ID)
	}
	return ids, nil
}

// DeliverLoginCode asks the remote service to email the given one-time code
// to the address. The remote service owns delivery; this call only requests
// it. Code verification happens locally against the stored challenge.
func (c *Client) DeliverLoginCode(ctx context.Context, email, code string) error {
	payload := map[string]string{
		"email_address": email,
		"code":          code,
	}
	return c.postJSON(ctx, "/subscribers/login_codes", payload, nil)
}

// --- transport plumbing ---

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.doJSON(ctx, req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(ctx, req, out)
}

// doJSON performs the request with a bearer token, decoding a JSON body into
// out when out is non-nil. A 401 response invokes the token source's
// unauthorized path once and retries with the replacement token.
func (c *Client) doJSON(ctx context.Context, req *http.Request, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	resp, err := c.send(ctx, req, token)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()

		token, err = c.tokens.HandleUnauthorized(ctx)
		if err != nil {
			return err
		}
		resp, err = c.send(ctx, req, token)
		if err != nil {
			return err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return responseError(resp)
	}

	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, req *http.Request, token string) (*http.Response, error) {
	// Clone so the retry after a 401 carries a fresh body reader.
	attempt := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		attempt.Body = body
	}
	attempt.Header.Set("Authorization", "Bearer "+token)
	attempt.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(ctx, attempt)
	if err != nil {
		return nil, apperrors.Network(err)
	}
	return resp, nil
}
