package sync

import (
	"context"
	"path/filepath"
	gosync "sync"
	"testing"

	"github.com/oktamirror/oktamirror/internal/metadata"
)

// stubRunner blocks until released or canceled, recording what it saw.
type stubRunner struct {
	release chan struct{}

	mu       gosync.Mutex
	runs     []string
	canceled bool
}

func newStubRunner() *stubRunner {
	return &stubRunner{release: make(chan struct{})}
}

func (r *stubRunner) Run(ctx context.Context, syncID string) error {
	r.mu.Lock()
	r.runs = append(r.runs, syncID)
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		r.mu.Lock()
		r.canceled = true
		r.mu.Unlock()
		return ctx.Err()
	case <-r.release:
		return nil
	}
}

func newTestService(t *testing.T) (*Service, *stubRunner) {
	t.Helper()
	meta, err := metadata.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("metadata.Open: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	runner := newStubRunner()
	svc := NewService(meta)
	svc.RegisterTenant("acme", runner)
	return svc, runner
}

func TestStartSyncIsSingleFlight(t *testing.T) {
	t.Parallel()

	svc, runner := newTestService(t)
	ctx := context.Background()

	firstID, status, err := svc.StartSync(ctx, "acme")
	if err != nil || status != StartStatusStarted {
		t.Fatalf("first start: id=%q status=%q err=%v", firstID, status, err)
	}

	secondID, status, err := svc.StartSync(ctx, "acme")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if status != StartStatusAlreadyRunning || secondID != firstID {
		t.Fatalf("second start = (%q, %q), want the active run echoed back", secondID, status)
	}

	close(runner.release)
	svc.Wait("acme")

	runner.mu.Lock()
	runs := len(runner.runs)
	runner.mu.Unlock()
	if runs != 1 {
		t.Fatalf("runner invoked %d times, want 1", runs)
	}

	// A new sync is allowed once the previous one finished.
	thirdID, status, err := svc.StartSync(ctx, "acme")
	if err != nil || status != StartStatusStarted {
		t.Fatalf("third start: %v, %q", err, status)
	}
	if thirdID == firstID {
		t.Fatal("third start reused the previous sync id")
	}
	svc.Wait("acme")
}

func TestCancelSyncStopsTheRun(t *testing.T) {
	t.Parallel()

	svc, runner := newTestService(t)

	syncID, _, err := svc.StartSync(context.Background(), "acme")
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	canceledID, running := svc.CancelSync("acme")
	if !running || canceledID != syncID {
		t.Fatalf("CancelSync = (%q, %v), want the active sync", canceledID, running)
	}
	svc.Wait("acme")

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if !runner.canceled {
		t.Fatal("runner context was not canceled")
	}
}

func TestCancelSyncWithNothingRunning(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	if id, running := svc.CancelSync("acme"); running || id != "" {
		t.Fatalf("CancelSync = (%q, %v), want no-op", id, running)
	}
}

func TestStartSyncUnknownTenant(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	if _, _, err := svc.StartSync(context.Background(), "nobody"); err == nil {
		t.Fatal("expected an error for an unregistered tenant")
	}
}

func TestGetStatusReflectsActiveRun(t *testing.T) {
	t.Parallel()

	svc, runner := newTestService(t)
	ctx := context.Background()

	syncID, _, err := svc.StartSync(ctx, "acme")
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	// The history row is written before the goroutine starts, so status is
	// immediately observable.
	st, err := svc.GetStatus(ctx, "acme")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if !st.Running || st.Active == nil || st.Active.ID != syncID {
		t.Fatalf("status = %+v", st)
	}
	if st.Last != nil {
		t.Fatalf("no completed sync yet, got last = %+v", st.Last)
	}

	close(runner.release)
	svc.Wait("acme")

	rows, err := svc.History(ctx, "acme", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != syncID {
		t.Fatalf("history = %+v", rows)
	}
}
