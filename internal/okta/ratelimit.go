package okta

import (
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	headerRateLimit     = "X-Rate-Limit-Limit"
	headerRateRemaining = "X-Rate-Limit-Remaining"
	headerRateReset     = "X-Rate-Limit-Reset"

	// Concurrent-regime waits are short; the server frees an in-flight slot
	// as soon as any call finishes.
	concurrentWaitCap = 30 * time.Second
	concurrentJitter  = 3 * time.Second

	// Org-wide budgets reset at a wall-clock minute boundary.
	orgWideWaitCap = 300 * time.Second

	defaultRetryAfter = 30 * time.Second
)

const (
	regimeConcurrent = "concurrent"
	regimeOrgWide    = "org_wide"
)

type rateLimitState struct {
	limit     int
	remaining int
	reset     int64
	hasLimit  bool
}

func parseRateLimitHeaders(h http.Header) rateLimitState {
	st := rateLimitState{limit: -1, remaining: -1, reset: -1}
	if v := strings.TrimSpace(h.Get(headerRateLimit)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			st.limit = n
			st.hasLimit = true
		}
	}
	if v := strings.TrimSpace(h.Get(headerRateRemaining)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			st.remaining = n
		}
	}
	if v := strings.TrimSpace(h.Get(headerRateReset)); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			st.reset = n
		}
	}
	return st
}

// concurrent reports whether a 429 came from the in-flight slot limiter
// rather than the per-minute org budget. Okta signals it with
// Limit=0 Remaining=0.
func (st rateLimitState) concurrent() bool {
	return st.hasLimit && st.limit == 0 && st.remaining == 0
}

// warnIfLow logs when a response shows the org budget running out.
func (st rateLimitState) warnIfLow(endpoint string) {
	if !st.hasLimit || st.limit <= 0 || st.remaining < 0 {
		return
	}
	ratio := float64(st.remaining) / float64(st.limit)
	switch {
	case ratio < 0.10:
		slog.Warn("okta rate limit nearly exhausted",
			"endpoint", endpoint, "remaining", st.remaining, "limit", st.limit)
	case ratio < 0.25:
		slog.Warn("okta rate limit running low",
			"endpoint", endpoint, "remaining", st.remaining, "limit", st.limit)
	}
}

// retryAfter extracts the server-directed wait from a 429 response,
// preferring Retry-After and falling back to the reset timestamp.
func retryAfter(h http.Header, now time.Time) time.Duration {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	st := parseRateLimitHeaders(h)
	if st.reset > 0 {
		if d := time.Unix(st.reset, 0).Sub(now); d > 0 {
			return d
		}
	}
	return defaultRetryAfter
}

// rateLimitWait decides the wait before retrying a 429 call and names the
// regime that caused it.
func rateLimitWait(h http.Header, now time.Time, jitter func() float64) (time.Duration, string) {
	base := retryAfter(h, now)
	st := parseRateLimitHeaders(h)

	if st.concurrent() {
		wait := min(base, concurrentWaitCap)
		wait += time.Duration(jitter() * float64(concurrentJitter))
		return wait, regimeConcurrent
	}
	return min(base, orgWideWaitCap), regimeOrgWide
}

func defaultJitter() float64 {
	return rand.Float64()
}
