// Ledgerlink - Accounting API Synchronization and Read Cache
// Copyright 2026 Finvoy Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finvoy/ledgerlink

/*
client.go - XA Accounting API Client

HTTP client for the XA accounting platform's REST API. All list endpoints
share one shape: bearer-token auth, page/page_size pagination, and an
optional updated_since delta filter, so a single generic page fetch serves
every entity type.

Resilience:
  - Bounded request timeout from configuration
  - Automatic HTTP 429 retry with exponential backoff (1s, 2s, 4s, ...)
    honoring Retry-After when XA sends one
  - Context cancellation during backoff waits

Circuit breaking is deliberately NOT in here. The sync engine wraps calls in
its per-dependency breaker so rejected calls never reach the wire.
*/
package xa

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/finvoy/ledgerlink/internal/config"
	"github.com/finvoy/ledgerlink/internal/logging"
	"github.com/finvoy/ledgerlink/internal/metrics"
	"github.com/finvoy/ledgerlink/internal/models"
)

// maxErrorBodySize caps how much of an error response body is read back for
// diagnostics.
const maxErrorBodySize = 64 * 1024

// Page is one page of raw records from an XA list endpoint. Records stay
// unparsed here; projection happens per record so one malformed record does
// not poison the page.
type Page struct {
	Records []json.RawMessage `json:"data"`
	Page    int               `json:"page"`
	HasMore bool              `json:"has_more"`
}

// ClientInterface is the surface the sync engine and health checks depend
// on. Implemented by Client for production and by fakes in tests.
type ClientInterface interface {
	Ping(ctx context.Context) error
	ListEntities(ctx context.Context, entityType models.EntityType, since *time.Time, page, pageSize int) (*Page, error)
}

// Client talks to the XA REST API.
//
// Thread safety: safe for concurrent use. Each request creates its own
// http.Request.
type Client struct {
	baseURL        string
	apiKey         string
	client         *http.Client
	maxRetries     int
	retryBaseDelay time.Duration
}

// NewClient creates an XA API client from configuration.
func NewClient(cfg *config.XAConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Client{
		baseURL:        cfg.BaseURL,
		apiKey:         cfg.APIKey,
		client:         &http.Client{Timeout: timeout},
		maxRetries:     maxRetries,
		retryBaseDelay: 1 * time.Second,
	}
}

// Ping verifies connectivity and credentials against the XA status endpoint.
func (c *Client) Ping(ctx context.Context) error {
	var status struct {
		Status string `json:"status"`
	}
	if err := c.makeRequest(ctx, "/v1/status", nil, &status); err != nil {
		return err
	}
	if status.Status != "ok" {
		return fmt.Errorf("xa reported status %q", status.Status)
	}
	return nil
}

// ListEntities fetches one page of records for an entity type. A nil since
// omits the delta filter and pulls everything.
func (c *Client) ListEntities(ctx context.Context, entityType models.EntityType, since *time.Time, page, pageSize int) (*Page, error) {
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("page_size", strconv.Itoa(pageSize))
	if since != nil {
		params.Set("updated_since", since.UTC().Format(time.RFC3339))
	}

	var result Page
	if err := c.makeRequest(ctx, "/v1/"+entityType.String(), params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// makeRequest performs a GET against one XA endpoint and decodes the JSON
// body into result.
func (c *Client) makeRequest(ctx context.Context, path string, params url.Values, result interface{}) error {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	start := time.Now()
	resp, err := c.doRequestWithRateLimit(ctx, reqURL)
	if err != nil {
		metrics.RecordUpstreamRequest(path, "error", time.Since(start))
		return fmt.Errorf("xa %s request failed: %w", path, err)
	}
	metrics.RecordUpstreamRequest(path, strconv.Itoa(resp.StatusCode), time.Since(start))
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body := readBodyForError(resp.Body)
		return fmt.Errorf("xa %s returned status %d: %s", path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode xa %s response: %w", path, err)
	}
	return nil
}

// doRequestWithRateLimit performs an HTTP GET with automatic 429 handling.
// Backoff doubles per attempt unless XA supplies a Retry-After in seconds.
func (c *Client) doRequestWithRateLimit(ctx context.Context, reqURL string) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("HTTP request failed: %w", err)
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		// Rate limited. Close the body and retry with backoff.
		_ = resp.Body.Close()
		metrics.UpstreamRateLimited.Inc()

		if attempt == c.maxRetries {
			lastErr = fmt.Errorf("rate limit exceeded after %d retries (HTTP 429)", c.maxRetries)
			break
		}

		delay := c.retryBaseDelay * time.Duration(1<<uint(attempt))
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
				delay = time.Duration(seconds) * time.Second
			}
		}

		logging.Debug().Int("attempt", attempt+1).Dur("delay", delay).
			Msg("xa rate limited, backing off")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, lastErr
}

// readBodyForError reads at most maxErrorBodySize of a response body for
// error reporting.
func readBodyForError(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return []byte("(failed to read response body)")
	}
	if len(body) == maxErrorBodySize {
		return append(body, []byte("\n... (truncated)")...)
	}
	return body
}
