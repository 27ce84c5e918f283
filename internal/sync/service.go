package sync

import (
	"context"
	"fmt"
	gosync "sync"

	"github.com/oktamirror/oktamirror/internal/metadata"
)

// Start outcomes returned by StartSync.
const (
	StartStatusStarted        = "started"
	StartStatusAlreadyRunning = "already_running"
)

// Runner executes one sync attached to an existing history row.
type Runner interface {
	Run(ctx context.Context, syncID string) error
}

type activeRun struct {
	syncID string
	cancel context.CancelFunc
	done   chan struct{}
}

// Service is the sync-control surface: it serializes runs so at most one
// sync per tenant is in flight and exposes start, cancel, and status.
type Service struct {
	meta    *metadata.Store
	runners map[string]Runner

	mu     gosync.Mutex
	active map[string]*activeRun
}

func NewService(meta *metadata.Store) *Service {
	return &Service{
		meta:    meta,
		runners: make(map[string]Runner),
		active:  make(map[string]*activeRun),
	}
}

// RegisterTenant binds a runner to a tenant name.
func (s *Service) RegisterTenant(tenant string, runner Runner) {
	s.mu.Lock()
	s.runners[tenant] = runner
	s.mu.Unlock()
}

// StartSync launches a sync for the tenant. If one is already running, the
// active sync id is returned with status already_running.
func (s *Service) StartSync(ctx context.Context, tenant string) (string, string, error) {
	s.mu.Lock()
	if run, ok := s.active[tenant]; ok {
		s.mu.Unlock()
		return run.syncID, StartStatusAlreadyRunning, nil
	}
	runner, ok := s.runners[tenant]
	if !ok {
		s.mu.Unlock()
		return "", "", fmt.Errorf("unknown tenant %q", tenant)
	}

	syncID, err := s.meta.CreateSyncRecord(ctx, tenant, "full")
	if err != nil {
		s.mu.Unlock()
		return "", "", err
	}

	// The run outlives the caller's request context.
	runCtx, cancel := context.WithCancel(context.Background())
	run := &activeRun{syncID: syncID, cancel: cancel, done: make(chan struct{})}
	s.active[tenant] = run
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			close(run.done)
			s.mu.Lock()
			delete(s.active, tenant)
			s.mu.Unlock()
		}()
		_ = runner.Run(runCtx, syncID)
	}()

	return syncID, StartStatusStarted, nil
}

// CancelSync signals the tenant's running sync to stop. The second return
// reports whether a sync was actually running.
func (s *Service) CancelSync(tenant string) (string, bool) {
	s.mu.Lock()
	run, ok := s.active[tenant]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	run.cancel()
	return run.syncID, true
}

// Wait blocks until the tenant's running sync finishes. Used by tests and
// one-shot callers; returns immediately when nothing is running.
func (s *Service) Wait(tenant string) {
	s.mu.Lock()
	run, ok := s.active[tenant]
	s.mu.Unlock()
	if ok {
		<-run.done
	}
}

// Status describes a tenant's sync state for the control surface.
type Status struct {
	Tenant  string               `json:"tenant"`
	Running bool                 `json:"running"`
	Active  *metadata.SyncRecord `json:"active,omitempty"`
	Last    *metadata.SyncRecord `json:"last,omitempty"`
}

func (s *Service) GetStatus(ctx context.Context, tenant string) (Status, error) {
	active, err := s.meta.GetActiveSync(ctx, tenant)
	if err != nil {
		return Status{}, err
	}
	last, err := s.meta.GetLastCompletedSync(ctx, tenant)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Tenant:  tenant,
		Running: active != nil,
		Active:  active,
		Last:    last,
	}, nil
}

// History returns the tenant's recent sync rows, newest first.
func (s *Service) History(ctx context.Context, tenant string, limit int) ([]metadata.SyncRecord, error) {
	return s.meta.GetSyncHistory(ctx, tenant, limit)
}
