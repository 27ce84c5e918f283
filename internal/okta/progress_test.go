package okta

import (
	"testing"
	"time"
)

func fixedNow() time.Time { return time.Unix(1700000000, 0) }

func TestProgressThrottlesUpdates(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	p := newProgressTracker(sink, fixedNow)

	const total = 1000
	p.StartEntityProgress("users", total)
	for i := 1; i <= total; i++ {
		p.UpdateEntityProgress("users", i, 0)
	}
	p.CompleteEntityProgress("users", true, 0)

	updates := sink.byType(EventEntityProgress)
	if len(updates) > maxUpdatesPerBatch+1 {
		t.Fatalf("got %d progress events, want at most %d", len(updates), maxUpdatesPerBatch+1)
	}
	if len(updates) == 0 {
		t.Fatal("expected at least one progress event")
	}
	last := updates[len(updates)-1]
	if last.Current != total || last.Percent != 100 {
		t.Fatalf("final update = %d (%.0f%%), want %d (100%%)", last.Current, last.Percent, total)
	}

	if got := sink.byType(EventEntityStart); len(got) != 1 || got[0].Total != total {
		t.Fatalf("start events = %+v", got)
	}
	done := sink.byType(EventEntityComplete)
	if len(done) != 1 || done[0].Status != "completed" {
		t.Fatalf("complete events = %+v", done)
	}
}

func TestProgressSmallBatchEmitsEveryUpdate(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	p := newProgressTracker(sink, fixedNow)

	p.StartEntityProgress("devices", 3)
	p.UpdateEntityProgress("devices", 1, 0)
	p.UpdateEntityProgress("devices", 2, 0)
	p.UpdateEntityProgress("devices", 3, 1)

	updates := sink.byType(EventEntityProgress)
	if len(updates) != 3 {
		t.Fatalf("got %d updates, want 3", len(updates))
	}
	if updates[2].Errors != 1 {
		t.Fatalf("final errors = %d, want 1", updates[2].Errors)
	}
}

func TestProgressCompleteCarriesAccumulatedErrors(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	p := newProgressTracker(sink, fixedNow)

	p.StartEntityProgress("apps", 10)
	p.IncrementEntityErrors("apps", 2)
	p.IncrementEntityErrors("apps", 1)
	p.CompleteEntityProgress("apps", false, 0)

	done := sink.byType(EventEntityComplete)
	if len(done) != 1 {
		t.Fatalf("complete events = %d, want 1", len(done))
	}
	if done[0].Status != "failed" || done[0].Errors != 3 {
		t.Fatalf("complete = %+v, want failed with 3 errors", done[0])
	}
}

func TestProgressUnknownTotal(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	p := newProgressTracker(sink, fixedNow)

	p.StartEntityProgress("policies", -1)
	p.UpdateEntityProgress("policies", 5, 0)
	p.CompleteEntityProgress("policies", true, 0)

	updates := sink.byType(EventEntityProgress)
	if len(updates) == 0 {
		t.Fatal("expected progress events for unknown totals")
	}
	if updates[0].Percent != 0 {
		t.Fatalf("percent = %v, want 0 when total is unknown", updates[0].Percent)
	}
}

func TestNilSinkIsSafe(t *testing.T) {
	t.Parallel()

	p := newProgressTracker(nil, nil)
	p.StartEntityProgress("users", 2)
	p.UpdateEntityProgress("users", 2, 0)
	p.CompleteEntityProgress("users", true, 0)
}

func TestPercentOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		current, total int
		want           float64
	}{
		{0, 100, 0},
		{25, 100, 25},
		{150, 100, 100},
		{5, 0, 0},
		{5, -1, 0},
	}
	for _, tc := range cases {
		if got := percentOf(tc.current, tc.total); got != tc.want {
			t.Errorf("percentOf(%d, %d) = %v, want %v", tc.current, tc.total, got, tc.want)
		}
	}
}
