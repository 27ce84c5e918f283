package sync

import (
	"log/slog"
	gosync "sync"
	"time"

	"github.com/oktamirror/oktamirror/internal/okta"
)

const defaultProgressInterval = 5 * time.Second

// LogReporter is a progress sink that writes events to slog, throttling
// per-label progress updates so long batches do not flood the log.
type LogReporter struct {
	Logger           *slog.Logger
	ProgressInterval time.Duration

	mu         gosync.Mutex
	lastLogged map[string]time.Time
}

func (r *LogReporter) Emit(e okta.Event) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch e.Type {
	case okta.EventEntityStart:
		logger.Info("entity sync started", "entity", e.Label, "total", e.Total)
	case okta.EventEntityComplete:
		attrs := []any{"entity", e.Label, "processed", e.Current, "errors", e.Errors}
		if e.Status == "failed" {
			logger.Error("entity sync failed", attrs...)
			return
		}
		logger.Info("entity sync completed", attrs...)
	case okta.EventRateLimitWait:
		logger.Warn("waiting on rate limit",
			"entity", e.Label, "wait_seconds", e.WaitSeconds, "message", e.Message)
	case okta.EventEntityProgress:
		if !r.shouldLog(e) {
			return
		}
		attrs := []any{"entity", e.Label, "processed", e.Current}
		if e.Total > 0 {
			attrs = append(attrs, "total", e.Total, "percent", e.Percent)
		}
		if e.Errors > 0 {
			attrs = append(attrs, "errors", e.Errors)
		}
		logger.Info("entity sync progress", attrs...)
	case okta.EventDiscovery:
		logger.Debug("page fetched", "entity", e.Label, "items", e.Current, "message", e.Message)
	}
}

// shouldLog rate-limits progress lines to one per interval per label.
// Final updates (processed == total) always log.
func (r *LogReporter) shouldLog(e okta.Event) bool {
	if e.Total > 0 && e.Current >= e.Total {
		return true
	}

	interval := r.ProgressInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	now := e.At
	if now.IsZero() {
		now = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastLogged == nil {
		r.lastLogged = make(map[string]time.Time)
	}
	if last, ok := r.lastLogged[e.Label]; ok && now.Sub(last) < interval {
		return false
	}
	r.lastLogged[e.Label] = now
	return true
}
