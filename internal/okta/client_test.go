package okta

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *captureSink) Emit(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *captureSink) byType(t EventType) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestClient(t *testing.T, srv *httptest.Server, sink Sink) *Client {
	t.Helper()
	c, err := New(Config{
		OrgURL:     srv.URL,
		AuthMethod: "API_TOKEN",
		APIToken:   "test-token",
		Sink:       sink,
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.interCallDelay = 0
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestRequestFollowsLinkPagination(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "SSWS test-token" {
			t.Errorf("Authorization = %q", got)
		}
		switch r.URL.Query().Get("after") {
		case "":
			if got := r.URL.Query().Get("limit"); got != "200" {
				t.Errorf("injected limit = %q, want 200", got)
			}
			w.Header().Set("Link", fmt.Sprintf(`<%s/api/v1/users?after=p2&limit=200>; rel="next"`, srv.URL))
			fmt.Fprint(w, `[{"id":"u1"},{"id":"u2"}]`)
		case "p2":
			fmt.Fprint(w, `[{"id":"u3"}]`)
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("after"))
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	res, err := c.Request(context.Background(), "/api/v1/users", http.MethodGet, nil, nil, 0, "users")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if res.TotalItems != 3 || res.Pages != 2 {
		t.Fatalf("got %d items over %d pages, want 3 over 2", res.TotalItems, res.Pages)
	}
	if id, _ := res.Items[2]["id"].(string); id != "u3" {
		t.Fatalf("last item id = %q, want u3", id)
	}
}

func TestRequestTruncatesAtMaxResults(t *testing.T) {
	t.Parallel()

	var pagesServed atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pagesServed.Add(1)
		w.Header().Set("Link", fmt.Sprintf(`<%s/api/v1/groups?after=more>; rel="next"`, srv.URL))
		fmt.Fprint(w, `[{"id":"g1"},{"id":"g2"},{"id":"g3"}]`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	res, err := c.Request(context.Background(), "/api/v1/groups", http.MethodGet, nil, nil, 5, "groups")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if res.TotalItems != 5 {
		t.Fatalf("got %d items, want 5", res.TotalItems)
	}
	if got := pagesServed.Load(); got != 2 {
		t.Fatalf("server saw %d pages, want pagination to stop at 2", got)
	}
}

func TestRequestStopsOnEmptyPage(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A next link is always present; the empty body must still stop the walk.
		w.Header().Set("Link", fmt.Sprintf(`<%s/api/v1/apps?after=x>; rel="next"`, srv.URL))
		if r.URL.Query().Get("after") == "" {
			fmt.Fprint(w, `[{"id":"a1"}]`)
		} else {
			fmt.Fprint(w, `[]`)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	res, err := c.Request(context.Background(), "/api/v1/apps", http.MethodGet, nil, nil, 0, "apps")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if res.TotalItems != 1 || res.Pages != 2 {
		t.Fatalf("got %d items over %d pages, want 1 over 2", res.TotalItems, res.Pages)
	}
}

func TestRequestPagesStreamsWithoutAccumulating(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("after") == "" {
			w.Header().Set("Link", fmt.Sprintf(`<%s/api/v1/logs?after=n>; rel="next"`, srv.URL))
			fmt.Fprint(w, `[{"id":"e1"},{"id":"e2"}]`)
			return
		}
		fmt.Fprint(w, `[{"id":"e3"}]`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	var sizes []int
	pages, err := c.RequestPages(context.Background(), "/api/v1/logs", http.MethodGet, nil, nil, 0, "logs",
		func(page []map[string]any) error {
			sizes = append(sizes, len(page))
			return nil
		})
	if err != nil {
		t.Fatalf("RequestPages: %v", err)
	}
	if pages != 2 || len(sizes) != 2 || sizes[0] != 2 || sizes[1] != 1 {
		t.Fatalf("pages=%d sizes=%v, want 2 pages of [2 1]", pages, sizes)
	}
}

func TestPostDoesNotPaginate(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/api/v1/groups?after=x>; rel="next"`, srv.URL))
		fmt.Fprint(w, `{"id":"g-new"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	res, err := c.Request(context.Background(), "/api/v1/groups", http.MethodPost, nil,
		map[string]any{"profile": map[string]string{"name": "eng"}}, 0, "groups")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if calls.Load() != 1 || res.TotalItems != 1 {
		t.Fatalf("calls=%d items=%d, want 1 and 1", calls.Load(), res.TotalItems)
	}
}

func TestRateLimitedCallWaitsAndRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set(headerRateLimit, "600")
			w.Header().Set(headerRateRemaining, "0")
			w.Header().Set("Retry-After", "12")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `[{"id":"u1"}]`)
	}))
	defer srv.Close()

	sink := &captureSink{}
	c := newTestClient(t, srv, sink)
	var waited []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		waited = append(waited, d)
		return nil
	}

	res, err := c.Request(context.Background(), "/api/v1/users", http.MethodGet, nil, nil, 0, "users")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if res.TotalItems != 1 {
		t.Fatalf("items = %d, want 1", res.TotalItems)
	}
	if len(waited) != 1 || waited[0] != 12*time.Second {
		t.Fatalf("waits = %v, want exactly the server-directed 12s", waited)
	}

	events := sink.byType(EventRateLimitWait)
	if len(events) != 1 {
		t.Fatalf("rate_limit_wait events = %d, want 1", len(events))
	}
	if events[0].WaitSeconds != 12 {
		t.Fatalf("WaitSeconds = %v, want 12", events[0].WaitSeconds)
	}
}

func TestConcurrentRateLimitWaitIsBounded(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set(headerRateLimit, "0")
			w.Header().Set(headerRateRemaining, "0")
			w.Header().Set("Retry-After", "600")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `[{"id":"u1"}]`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	c.jitter = func() float64 { return 0.5 }
	var waited []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		waited = append(waited, d)
		return nil
	}

	if _, err := c.Request(context.Background(), "/api/v1/users", http.MethodGet, nil, nil, 0, "users"); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if len(waited) != 1 {
		t.Fatalf("waits = %v, want one", waited)
	}
	min, max := concurrentWaitCap, concurrentWaitCap+concurrentJitter
	if waited[0] < min || waited[0] > max {
		t.Fatalf("wait = %v, want within [%v, %v]", waited[0], min, max)
	}
}

func TestRateLimitRetryBudgetExhausts(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerRateLimit, "600")
		w.Header().Set(headerRateRemaining, "0")
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	c.rateLimitRetries = 2

	_, err := c.Request(context.Background(), "/api/v1/users", http.MethodGet, nil, nil, 0, "users")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !IsRateLimitExhausted(err) {
		t.Fatalf("IsRateLimitExhausted(%v) = false", err)
	}
	if codeOf(err) != CodeRateLimited {
		t.Fatalf("code = %q, want %q", codeOf(err), CodeRateLimited)
	}
	if !errors.Is(err, ErrAPI) {
		t.Fatalf("error does not unwrap to ErrAPI: %v", err)
	}
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"errorCode":"E0000011","errorSummary":"Invalid token provided"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	_, err := c.Request(context.Background(), "/api/v1/users", http.MethodGet, nil, nil, 0, "users")
	if !IsAuthFailure(err) {
		t.Fatalf("IsAuthFailure(%v) = false", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("server saw %d calls, want exactly 1", got)
	}
}

func TestNotFoundSurfacesAsTypedError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"errorCode":"E0000007","errorSummary":"Not found: u123"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	_, err := c.Request(context.Background(), "/api/v1/users/u123", http.MethodGet, nil, nil, 0, "users")
	if !IsNotFound(err) {
		t.Fatalf("IsNotFound(%v) = false", err)
	}
}

func TestServerErrorsAreRetriedTransiently(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `[{"id":"g1"}]`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	res, err := c.Request(context.Background(), "/api/v1/groups", http.MethodGet, nil, nil, 0, "groups")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if res.TotalItems != 1 || calls.Load() != 3 {
		t.Fatalf("items=%d calls=%d, want recovery on the third attempt", res.TotalItems, calls.Load())
	}
}

func TestEndpointDefaultLimits(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want int
	}{
		{"/api/v1/users", 200},
		{"/api/v1/groups", 200},
		{"/api/v1/apps", 200},
		{"/api/v1/logs", 1000},
		{"/api/v1/devices", 100},
		{"/api/v1/users/u1/appLinks", 100},
		{"/api/v1/policies", 100},
	}
	for _, tc := range cases {
		if got := endpointDefaultLimit(tc.path); got != tc.want {
			t.Errorf("endpointDefaultLimit(%q) = %d, want %d", tc.path, got, tc.want)
		}
	}
}

func TestExplicitLimitIsNotOverridden(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "1000" {
			t.Errorf("limit = %q, want caller's 1000", got)
		}
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	q := url.Values{"limit": []string{"1000"}}
	if _, err := c.Request(context.Background(), "/api/v1/groups", http.MethodGet, q, nil, 0, "groups"); err != nil {
		t.Fatalf("Request: %v", err)
	}
}

func TestConcurrencyKnobs(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	if got := c.MaxConcurrentUsers(); got != 9 {
		t.Errorf("MaxConcurrentUsers = %d, want 9", got)
	}
	if got := c.MaxConcurrentApps(); got != 7 {
		t.Errorf("MaxConcurrentApps = %d, want 7", got)
	}
	if got := c.MaxConcurrentGroups(); got != 14 {
		t.Errorf("MaxConcurrentGroups = %d, want 14", got)
	}
	if got := c.MaxConcurrentPolicies(); got != 14 {
		t.Errorf("MaxConcurrentPolicies = %d, want 14", got)
	}
}

func TestParseNextLink(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Add("Link", `<https://acme.okta.com/api/v1/users?limit=200>; rel="self"`)
	h.Add("Link", `<https://acme.okta.com/api/v1/users?after=abc&limit=200>; rel="next"`)
	if got := parseNextLink(h); got != "https://acme.okta.com/api/v1/users?after=abc&limit=200" {
		t.Fatalf("parseNextLink = %q", got)
	}

	combined := http.Header{}
	combined.Set("Link", `<https://x/self>; rel="self", <https://x/next>; rel="next"`)
	if got := parseNextLink(combined); got != "https://x/next" {
		t.Fatalf("parseNextLink combined = %q", got)
	}

	if got := parseNextLink(http.Header{}); got != "" {
		t.Fatalf("parseNextLink empty = %q, want empty", got)
	}
}
