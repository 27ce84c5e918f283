// Package fetch builds Okta API queries per entity kind, applies the
// incremental-sync filters, and fans out relationship calls. Each fetcher
// streams typed batches through a caller-supplied processor so nothing
// larger than one page is ever held in memory.
package fetch

import (
	"context"
	"errors"
	"time"

	"github.com/oktamirror/oktamirror/internal/okta"
)

// Options tune the per-tenant fetch behavior.
type Options struct {
	// CustomAttributes lists the tenant-configured user profile fields to
	// extract as first-class attributes.
	CustomAttributes []string

	// SyncDeprovisionedUsers widens the user filter to include
	// DEPROVISIONED users, optionally bounded by the cutoff dates.
	SyncDeprovisionedUsers    bool
	DeprovisionedCreatedAfter *time.Time
	DeprovisionedUpdatedAfter *time.Time
}

// Fetcher issues entity queries against one tenant through the shared
// rate-limited client.
type Fetcher struct {
	client *okta.Client
	opts   Options
}

func New(client *okta.Client, opts Options) *Fetcher {
	return &Fetcher{client: client, opts: opts}
}

// isFatal classifies errors that must abort the surrounding entity phase.
// Everything else is a soft, per-item failure: the record is written
// without the failed piece and the batch error counter is bumped.
func isFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return okta.IsAuthFailure(err) || okta.IsRateLimitExhausted(err)
}
