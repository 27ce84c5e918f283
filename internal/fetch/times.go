package fetch

import (
	"strings"
	"time"
)

// oktaTimeLayout is the instant format Okta accepts in filter expressions.
const oktaTimeLayout = "2006-01-02T15:04:05.000Z"

// parseTime converts an Okta timestamp string to a UTC instant. Okta emits
// RFC 3339 with or without fractional seconds. A value that cannot be
// parsed yields nil, never an error.
func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func timeField(item map[string]any, key string) *time.Time {
	return parseTime(str(item, key))
}

// filterTime renders an instant for use inside an Okta filter expression.
func filterTime(t time.Time) string {
	return t.UTC().Format(oktaTimeLayout)
}
