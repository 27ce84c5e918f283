package okta

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes surfaced to callers. The E-prefixed codes mirror Okta's own
// error code vocabulary so operators can correlate with Okta-side logs.
const (
	CodeTimeout     = "TIMEOUT"
	CodeNetwork     = "NETWORK_ERROR"
	CodeAuth        = "E0000011"
	CodeForbidden   = "E0000006"
	CodeNotFound    = "E0000007"
	CodeRateLimited = "E0000047"
	CodeServer      = "E0000009"
	CodeUnknown     = "UNKNOWN_ERROR"
)

// ErrAPI is the sentinel all client errors unwrap to.
var ErrAPI = errors.New("okta api error")

// APIError describes a failed Okta API call.
type APIError struct {
	Code              string
	StatusCode        int
	Detail            string
	RateLimitExceeded bool
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	detail := strings.TrimSpace(e.Detail)
	switch {
	case detail != "" && e.StatusCode != 0:
		return fmt.Sprintf("okta api error %s (http %d): %s", e.Code, e.StatusCode, detail)
	case detail != "":
		return fmt.Sprintf("okta api error %s: %s", e.Code, detail)
	case e.StatusCode != 0:
		return fmt.Sprintf("okta api error %s (http %d)", e.Code, e.StatusCode)
	default:
		return fmt.Sprintf("okta api error %s", e.Code)
	}
}

func (e *APIError) Unwrap() error {
	return ErrAPI
}

func codeOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// IsNotFound reports whether err is an Okta 404.
func IsNotFound(err error) bool {
	return codeOf(err) == CodeNotFound
}

// IsAuthFailure reports whether err is an Okta auth failure (401).
func IsAuthFailure(err error) bool {
	return codeOf(err) == CodeAuth
}

// IsRateLimitExhausted reports whether err means the 429 retry budget ran out.
func IsRateLimitExhausted(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.RateLimitExceeded
}
