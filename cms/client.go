// ABOUTME: HTTP client for the site CMS, the mirrored target system
// ABOUTME: Maps CMS responses onto the sync error taxonomy and quota hints
package cms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harperreed/membersync/models"
)

// UpsertResult reports what the CMS did with an upsert.
type UpsertResult struct {
	ID     string `json:"id"`
	Action string `json:"action"` // "created" or "updated"
}

// Client is the write-side view of the CMS the sync engine consumes.
type Client interface {
	FetchAllMirrored(ctx context.Context) ([]models.Item, error)
	FetchSectors(ctx context.Context) (map[string]string, error)
	Upsert(ctx context.Context, memberID string, fields map[string]any) (UpsertResult, error)
	Archive(ctx context.Context, itemID string) error
	Publish(ctx context.Context, reason string) (time.Time, error)
}

// TokenProvider supplies the CMS bearer token. Token acquisition itself is
// handled outside the engine.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken wraps a fixed token as a TokenProvider.
func StaticToken(token string) TokenProvider {
	return func(ctx context.Context) (string, error) {
		return token, nil
	}
}

// HTTPClient talks to the CMS REST API. It retries transient network
// failures itself; rate-limit pacing belongs to the gateway in front of it.
type HTTPClient struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	maxRetries    int
	retryDelay    time.Duration
	quotaHook     func(remaining int)
}

// HTTPClientOptions configures NewHTTPClient. Zero values get sensible
// defaults.
type HTTPClientOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	MaxRetries    int
	RetryDelay    time.Duration
}

func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}
	return &HTTPClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		maxRetries:    maxRetries,
		retryDelay:    retryDelay,
	}
}

// OnQuota registers a callback invoked with the server's remaining-quota
// hint whenever a response carries one. The gateway uses it to resync its
// budget instead of counting blind.
func (c *HTTPClient) OnQuota(hook func(remaining int)) {
	c.quotaHook = hook
}

type itemPage struct {
	Items      []models.Item `json:"items"`
	NextCursor *string       `json:"nextCursor"`
}

// FetchAllMirrored pages through the mirrored collection.
func (c *HTTPClient) FetchAllMirrored(ctx context.Context) ([]models.Item, error) {
	var all []models.Item
	cursor := ""
	for {
		q := url.Values{}
		q.Set("limit", "100")
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var page itemPage
		if err := c.doJSON(ctx, http.MethodGet, "/v1/collections/members/items?"+q.Encode(), nil, &page); err != nil {
			return nil, fmt.Errorf("failed to fetch mirrored items: %w", err)
		}
		all = append(all, page.Items...)
		if page.NextCursor == nil || *page.NextCursor == "" {
			break
		}
		cursor = *page.NextCursor
	}
	return all, nil
}

type sectorItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FetchSectors returns the sector lookup collection as name -> item id.
func (c *HTTPClient) FetchSectors(ctx context.Context) (map[string]string, error) {
	var out struct {
		Items []sectorItem `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/collections/sectors/items", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch sectors: %w", err)
	}
	sectors := make(map[string]string, len(out.Items))
	for _, item := range out.Items {
		sectors[strings.ToLower(strings.TrimSpace(item.Name))] = item.ID
	}
	return sectors, nil
}

// Upsert creates or updates the mirrored item keyed by memberID.
func (c *HTTPClient) Upsert(ctx context.Context, memberID string, fields map[string]any) (UpsertResult, error) {
	body := map[string]any{
		"memberId":  memberID,
		"fieldData": fields,
	}
	var out UpsertResult
	if err := c.doJSON(ctx, http.MethodPut, "/v1/collections/members/items/upsert", body, &out); err != nil {
		return UpsertResult{}, err
	}
	return out, nil
}

// Archive soft-deletes an item. The item stays in the collection and can be
// unarchived by a later upsert.
func (c *HTTPClient) Archive(ctx context.Context, itemID string) error {
	path := "/v1/collections/members/items/" + url.PathEscape(itemID) + "/archive"
	return c.doJSON(ctx, http.MethodPost, path, map[string]any{"archived": true}, nil)
}

// Publish asks the CMS to republish the site.
func (c *HTTPClient) Publish(ctx context.Context, reason string) (time.Time, error) {
	var out struct {
		PublishedAt time.Time `json:"publishedAt"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/site/publish", map[string]any{"reason": reason}, &out); err != nil {
		return time.Time{}, err
	}
	return out.PublishedAt, nil
}

// doJSON performs one API call with bounded retries and linear backoff for
// network-class failures and 5xx responses. Taxonomy errors (rate limit,
// not-found, validation) surface immediately; the gateway handles pacing.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	if c.tokenProvider == nil {
		return fmt.Errorf("cms token provider is required")
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepUntil(ctx, time.Duration(attempt)*c.retryDelay); err != nil {
				return err
			}
		}

		done, err := c.attempt(ctx, method, path, payload, out)
		if done {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("cms request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

// attempt runs a single request. done=false means the failure is retryable.
func (c *HTTPClient) attempt(ctx context.Context, method, path string, payload []byte, out any) (bool, error) {
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return true, fmt.Errorf("failed to obtain cms token: %w", err)
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return true, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return false, readErr
	}

	if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining != "" && c.quotaHook != nil {
		if value, parseErr := strconv.Atoi(remaining); parseErr == nil && value >= 0 {
			c.quotaHook(value)
		}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		if out == nil || len(respBody) == 0 {
			return true, nil
		}
		return true, json.Unmarshal(respBody, out)
	case resp.StatusCode == http.StatusTooManyRequests:
		return true, &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusNotFound:
		return true, &NotFoundError{ItemID: path}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return true, &ValidationError{StatusCode: resp.StatusCode, Detail: errorDetail(respBody)}
	case resp.StatusCode >= 500:
		return false, fmt.Errorf("cms returned status %d: %s", resp.StatusCode, errorDetail(respBody))
	default:
		return true, fmt.Errorf("cms returned status %d: %s", resp.StatusCode, errorDetail(respBody))
	}
}

func errorDetail(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil && strings.TrimSpace(parsed.Message) != "" {
		return parsed.Message
	}
	return strings.TrimSpace(string(body))
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
