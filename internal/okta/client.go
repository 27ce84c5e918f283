package okta

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/oktamirror/oktamirror/internal/metrics"
)

const (
	defaultConcurrentLimit  = 18
	defaultRequestTimeout   = 300 * time.Second
	defaultMaxPages         = 100
	defaultRateLimitRetries = 5
	defaultInterCallDelay   = 100 * time.Millisecond
	transientRetries        = 3
)

// Config configures the rate-limited Okta client.
type Config struct {
	// OrgURL is the tenant base URL, e.g. https://acme.okta.com.
	OrgURL string
	// AuthMethod is "API_TOKEN" or "OAUTH2".
	AuthMethod string

	APIToken string

	OAuth2ClientID      string
	OAuth2PrivateKeyPEM string
	OAuth2Scopes        []string

	// ConcurrentLimit caps in-flight calls to the tenant (default 18).
	ConcurrentLimit int
	RequestTimeout  time.Duration
	MaxPages        int

	// Sink receives progress events. Nil means events are dropped.
	Sink Sink

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client is the single authoritative path to the Okta API: it owns
// authentication, retry with server-directed backoff, Link-header
// pagination, response normalization, and progress eventing.
type Client struct {
	orgURL string
	httpc  *http.Client
	auth   authProvider

	sem              *semaphore.Weighted
	concurrentLimit  int
	requestTimeout   time.Duration
	maxPages         int
	rateLimitRetries int
	interCallDelay   time.Duration

	progress *progressTracker

	// test hooks
	sleep  func(context.Context, time.Duration) error
	jitter func() float64
}

// Result is the outcome of a successful Request call.
type Result struct {
	Items      []map[string]any
	Pages      int
	TotalItems int
}

func New(cfg Config) (*Client, error) {
	orgURL := strings.TrimRight(strings.TrimSpace(cfg.OrgURL), "/")
	if orgURL == "" {
		return nil, errors.New("okta org URL is required")
	}

	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}

	var auth authProvider
	switch strings.ToUpper(strings.TrimSpace(cfg.AuthMethod)) {
	case "", "API_TOKEN":
		token := strings.TrimSpace(cfg.APIToken)
		if token == "" {
			return nil, errors.New("okta api token is required")
		}
		auth = &sswsAuth{token: token}
	case "OAUTH2":
		clientID := strings.TrimSpace(cfg.OAuth2ClientID)
		if clientID == "" {
			return nil, errors.New("okta oauth2 client id is required")
		}
		a, err := newOAuth2Auth(orgURL, clientID, cfg.OAuth2PrivateKeyPEM, cfg.OAuth2Scopes, httpc)
		if err != nil {
			return nil, err
		}
		auth = a
	default:
		return nil, fmt.Errorf("unsupported okta auth method %q", cfg.AuthMethod)
	}

	limit := cfg.ConcurrentLimit
	if limit < 1 {
		limit = defaultConcurrentLimit
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	maxPages := cfg.MaxPages
	if maxPages < 1 {
		maxPages = defaultMaxPages
	}

	return &Client{
		orgURL:           orgURL,
		httpc:            httpc,
		auth:             auth,
		sem:              semaphore.NewWeighted(int64(limit)),
		concurrentLimit:  limit,
		requestTimeout:   timeout,
		maxPages:         maxPages,
		rateLimitRetries: defaultRateLimitRetries,
		interCallDelay:   defaultInterCallDelay,
		progress:         newProgressTracker(cfg.Sink, time.Now),
		sleep:            sleepWithContext,
		jitter:           defaultJitter,
	}, nil
}

// Derived per-entity fan-out bounds. Users make ~2 follow-up calls each;
// the app→groups endpoint has its own stricter budget.

func (c *Client) MaxConcurrentUsers() int  { return maxInt(1, c.concurrentLimit/2) }
func (c *Client) MaxConcurrentApps() int   { return maxInt(1, c.concurrentLimit*2/5) }
func (c *Client) MaxConcurrentGroups() int { return maxInt(1, c.concurrentLimit*4/5) }

// MaxConcurrentPolicies bounds the policy→rules fan-out. Rules listings are
// a single light call per policy, so the bound matches the group budget.
func (c *Client) MaxConcurrentPolicies() int { return maxInt(1, c.concurrentLimit*4/5) }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Progress batch surface used by fetchers and the orchestrator.

func (c *Client) StartEntityProgress(label string, total int) {
	c.progress.StartEntityProgress(label, total)
}

func (c *Client) UpdateEntityProgress(label string, processed, errs int) {
	c.progress.UpdateEntityProgress(label, processed, errs)
}

func (c *Client) IncrementEntityErrors(label string, n int) {
	c.progress.IncrementEntityErrors(label, n)
}

func (c *Client) CompleteEntityProgress(label string, success bool, errs int) {
	c.progress.CompleteEntityProgress(label, success, errs)
}

// Request issues an API call and returns the accumulated, normalized items.
// Only GET paginates; maxResults <= 0 means unbounded.
func (c *Client) Request(ctx context.Context, endpoint, method string, query url.Values, body any, maxResults int, entityLabel string) (*Result, error) {
	var items []map[string]any
	pages, err := c.RequestPages(ctx, endpoint, method, query, body, maxResults, entityLabel, func(page []map[string]any) error {
		items = append(items, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Result{Items: items, Pages: pages, TotalItems: len(items)}, nil
}

// RequestPages is the streaming form of Request: pageFn is invoked once per
// page so callers can process results without accumulating the full set.
func (c *Client) RequestPages(ctx context.Context, endpoint, method string, query url.Values, body any, maxResults int, entityLabel string, pageFn func([]map[string]any) error) (int, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return 0, fmt.Errorf("unsupported method %q", method)
	}

	rawURL, err := c.buildURL(endpoint, query, method)
	if err != nil {
		return 0, err
	}

	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request body: %w", err)
		}
	}

	label := entityLabel
	if label == "" {
		label = endpoint
	}

	pages := 0
	total := 0
	for {
		resp, err := c.call(ctx, method, rawURL, bodyBytes, endpoint, label)
		if err != nil {
			return pages, err
		}
		pages++

		items, err := normalizeItems(resp.body)
		if err != nil {
			return pages, err
		}

		truncated := false
		if maxResults > 0 && total+len(items) > maxResults {
			items = items[:maxResults-total]
			truncated = true
		}

		if len(items) > 0 {
			if err := pageFn(items); err != nil {
				return pages, err
			}
			total += len(items)
		}

		c.progress.emit(Event{
			Type:    EventDiscovery,
			Label:   label,
			Current: total,
			Total:   -1,
			Status:  "running",
			Message: fmt.Sprintf("page %d, %d items", pages, total),
		})

		if method != http.MethodGet {
			return pages, nil
		}
		if truncated || (maxResults > 0 && total >= maxResults) {
			return pages, nil
		}
		if len(items) == 0 {
			return pages, nil
		}
		next := parseNextLink(resp.header)
		if next == "" {
			return pages, nil
		}
		if pages >= c.maxPages {
			slog.Warn("okta pagination stopped at page cap",
				"endpoint", endpoint, "pages", pages, "items", total)
			return pages, nil
		}
		rawURL = next
		bodyBytes = nil
	}
}

func (c *Client) buildURL(endpoint string, query url.Values, method string) (string, error) {
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	u, err := url.Parse(c.orgURL + endpoint)
	if err != nil {
		return "", fmt.Errorf("okta endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	for key, vals := range query {
		for _, v := range vals {
			q.Set(key, v)
		}
	}
	if method == http.MethodGet && q.Get("limit") == "" {
		q.Set("limit", strconv.Itoa(endpointDefaultLimit(u.Path)))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// endpointDefaultLimit injects the endpoint-specific page-size maximum to
// minimize page count when the caller does not supply one.
func endpointDefaultLimit(path string) int {
	trimmed := strings.Trim(strings.TrimPrefix(path, "/api/v1"), "/")
	segments := strings.Split(trimmed, "/")
	if len(segments) == 0 {
		return 100
	}
	if segments[len(segments)-1] == "logs" {
		return 1000
	}
	if len(segments) == 1 {
		switch segments[0] {
		case "users", "groups", "apps":
			return 200
		}
	}
	return 100
}

type apiResponse struct {
	status int
	header http.Header
	body   []byte
}

// call runs a request to completion, absorbing 429s per the server-directed
// policy: up to rateLimitRetries waits, then a rate-limit-exhausted error.
func (c *Client) call(ctx context.Context, method, rawURL string, body []byte, endpoint, label string) (*apiResponse, error) {
	waits := 0
	for {
		resp, err := c.send(ctx, method, rawURL, body, endpoint)
		if err != nil {
			return nil, err
		}
		if resp.status != http.StatusTooManyRequests {
			return resp, nil
		}

		waits++
		if waits > c.rateLimitRetries {
			return nil, &APIError{
				Code:              CodeRateLimited,
				StatusCode:        http.StatusTooManyRequests,
				Detail:            fmt.Sprintf("%s: retry budget exhausted after %d waits", endpoint, c.rateLimitRetries),
				RateLimitExceeded: true,
			}
		}

		wait, regime := rateLimitWait(resp.header, time.Now(), c.jitter)
		metrics.RateLimitWaitsTotal.WithLabelValues(regime).Inc()
		metrics.RateLimitWaitSeconds.Observe(wait.Seconds())
		c.progress.emit(Event{
			Type:        EventRateLimitWait,
			Label:       label,
			WaitSeconds: wait.Seconds(),
			Status:      "waiting",
			Message:     fmt.Sprintf("rate limited (%s regime), waiting %.1fs", regime, wait.Seconds()),
		})
		slog.Warn("okta rate limited, waiting",
			"endpoint", endpoint, "regime", regime, "wait_seconds", wait.Seconds(), "attempt", waits)

		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// send issues one logical request, retrying transient failures (timeouts,
// network errors, 5xx) with exponential backoff. 429 responses are returned
// to the caller, not retried here.
func (c *Client) send(ctx context.Context, method, rawURL string, body []byte, endpoint string) (*apiResponse, error) {
	op := func() (*apiResponse, error) {
		resp, err := c.attempt(ctx, method, rawURL, body, endpoint)
		if err == nil {
			return resp, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			switch apiErr.Code {
			case CodeTimeout, CodeNetwork, CodeServer:
				return nil, err
			}
		}
		return nil, backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	return backoff.RetryWithData(op, backoff.WithContext(backoff.WithMaxRetries(policy, transientRetries), ctx))
}

// attempt performs exactly one HTTP round trip under the concurrency
// semaphore and classifies the outcome.
func (c *Client) attempt(ctx context.Context, method, rawURL string, body []byte, endpoint string) (*apiResponse, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	// A short pause between calls keeps fan-out from arriving as a burst.
	if c.interCallDelay > 0 {
		if err := c.sleep(ctx, c.interCallDelay); err != nil {
			return nil, err
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.auth.apply(reqCtx, req); err != nil {
		return nil, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues(method, "network_error").Inc()
		return nil, classifyTransportError(err, endpoint)
	}
	respBody, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		metrics.APIRequestsTotal.WithLabelValues(method, "network_error").Inc()
		return nil, &APIError{Code: CodeNetwork, Detail: endpoint + ": " + readErr.Error()}
	}

	parseRateLimitHeaders(resp.Header).warnIfLow(endpoint)
	metrics.APIRequestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &apiResponse{status: resp.StatusCode, header: resp.Header, body: respBody}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &apiResponse{status: resp.StatusCode, header: resp.Header, body: respBody}, nil
	case resp.StatusCode == http.StatusUnauthorized:
		c.auth.invalidate()
		return nil, &APIError{Code: CodeAuth, StatusCode: resp.StatusCode, Detail: errorSummary(respBody, endpoint)}
	case resp.StatusCode == http.StatusForbidden:
		return nil, &APIError{Code: CodeForbidden, StatusCode: resp.StatusCode, Detail: errorSummary(respBody, endpoint)}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &APIError{Code: CodeNotFound, StatusCode: resp.StatusCode, Detail: errorSummary(respBody, endpoint)}
	case resp.StatusCode >= 500:
		return nil, &APIError{Code: CodeServer, StatusCode: resp.StatusCode, Detail: errorSummary(respBody, endpoint)}
	default:
		return nil, &APIError{Code: CodeUnknown, StatusCode: resp.StatusCode, Detail: errorSummary(respBody, endpoint)}
	}
}

func classifyTransportError(err error, endpoint string) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &APIError{Code: CodeTimeout, Detail: endpoint + ": " + err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &APIError{Code: CodeNetwork, Detail: endpoint + ": " + err.Error()}
}

// errorSummary pulls errorSummary/errorCode out of an Okta error body.
func errorSummary(body []byte, endpoint string) string {
	var payload struct {
		ErrorCode    string `json:"errorCode"`
		ErrorSummary string `json:"errorSummary"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		summary := strings.TrimSpace(payload.ErrorSummary)
		if summary != "" {
			return endpoint + ": " + summary
		}
	}
	return endpoint
}

func parseNextLink(h http.Header) string {
	for _, raw := range h.Values("Link") {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if !strings.Contains(part, `rel="next"`) {
				continue
			}
			start := strings.Index(part, "<")
			end := strings.Index(part, ">")
			if start >= 0 && end > start {
				return part[start+1 : end]
			}
		}
	}
	return ""
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
