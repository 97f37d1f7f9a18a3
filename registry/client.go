// ABOUTME: HTTP client for the member registry, the source-of-truth system
// ABOUTME: Retries transient failures with bounded attempts and linear backoff
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harperreed/membersync/models"
)

// ErrNotFound is returned when the registry has no member for an id.
var ErrNotFound = errors.New("registry: member not found")

// Client is the read-only view of the registry the sync engine consumes.
// FetchChangedSince may ignore the since parameter entirely and return the
// whole collection; callers must never assume server-side filtering happened.
type Client interface {
	FetchAll(ctx context.Context) ([]models.Member, error)
	FetchChangedSince(ctx context.Context, since time.Time) ([]models.Member, error)
	FetchByID(ctx context.Context, id string) (models.Member, error)
}

// HTTPClient talks to the registry's REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
}

// HTTPClientOptions configures NewHTTPClient. Zero values get sensible
// defaults.
type HTTPClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	MaxRetries int
	RetryDelay time.Duration
}

func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
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
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// FetchAll returns every member in the registry.
func (c *HTTPClient) FetchAll(ctx context.Context) ([]models.Member, error) {
	var out []models.Member
	if err := c.getJSON(ctx, "/v1/members", &out); err != nil {
		return nil, fmt.Errorf("failed to fetch members: %w", err)
	}
	return out, nil
}

// FetchChangedSince asks the registry for members modified after since. The
// registry is known to silently drop unknown query parameters, so an empty
// result here is not proof that nothing changed.
func (c *HTTPClient) FetchChangedSince(ctx context.Context, since time.Time) ([]models.Member, error) {
	q := url.Values{}
	q.Set("modifiedSince", since.UTC().Format(time.RFC3339))
	var out []models.Member
	if err := c.getJSON(ctx, "/v1/members?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("failed to fetch changed members: %w", err)
	}
	return out, nil
}

// FetchByID returns a single member, or ErrNotFound.
func (c *HTTPClient) FetchByID(ctx context.Context, id string) (models.Member, error) {
	var out models.Member
	err := c.getJSON(ctx, "/v1/members/"+url.PathEscape(id), &out)
	if err != nil {
		return models.Member{}, fmt.Errorf("failed to fetch member %s: %w", id, err)
	}
	return out, nil
}

// getJSON performs a GET with bounded retries and linear backoff. Only
// network-class failures and 5xx responses are retried; 4xx surface
// immediately.
func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, time.Duration(attempt)*c.retryDelay); err != nil {
				return err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			if out == nil || len(body) == 0 {
				return nil
			}
			return json.Unmarshal(body, out)
		case resp.StatusCode == http.StatusNotFound:
			return ErrNotFound
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("registry returned status %d", resp.StatusCode)
			continue
		default:
			return fmt.Errorf("registry returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
	}
	return fmt.Errorf("registry request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
