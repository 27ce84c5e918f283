// Package sync runs complete tenant syncs end to end: dependency-ordered
// entity phases, streaming writes into a staging snapshot, history row
// upkeep, cooperative cancellation, and staging promotion.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oktamirror/oktamirror/internal/fetch"
	"github.com/oktamirror/oktamirror/internal/graph"
	"github.com/oktamirror/oktamirror/internal/metadata"
	"github.com/oktamirror/oktamirror/internal/metrics"
	"github.com/oktamirror/oktamirror/internal/okta"
)

// cancelCheckStride is how many users are written between cooperative
// cancellation checks inside a batch.
const cancelCheckStride = 10

// Coarse per-phase progress marks, in dependency order.
const (
	percentGroups   = 10
	percentApps     = 25
	percentUsers    = 75
	percentDevices  = 85
	percentPolicies = 95
	percentDone     = 100
)

// Options configure one orchestrator, bound to a single tenant.
type Options struct {
	Tenant           string
	CustomAttributes []string

	// SinceLast narrows group and user queries to records updated after
	// the last completed sync.
	SinceLast bool

	// PromoteOnErrors keeps promoting snapshots that accumulated write
	// errors. Disabled, a snapshot with any error stays unpromoted.
	PromoteOnErrors bool
}

// Orchestrator executes syncs for one tenant.
type Orchestrator struct {
	client   *okta.Client
	fetcher  *fetch.Fetcher
	versions *graph.VersionManager
	meta     *metadata.Store
	opts     Options
}

func NewOrchestrator(client *okta.Client, fetcher *fetch.Fetcher, versions *graph.VersionManager, meta *metadata.Store, opts Options) *Orchestrator {
	return &Orchestrator{
		client:   client,
		fetcher:  fetcher,
		versions: versions,
		meta:     meta,
		opts:     opts,
	}
}

type entityCounts struct {
	groups   int
	apps     int
	users    int
	factors  int
	devices  int
	policies int
}

// Run executes one sync against the history row syncID, which must already
// exist in running state. The row is finalized here on every path.
func (o *Orchestrator) Run(ctx context.Context, syncID string) error {
	start := time.Now()
	tenant := o.opts.Tenant

	err := o.run(ctx, syncID)

	duration := time.Since(start)
	metrics.SyncDuration.WithLabelValues(tenant).Observe(duration.Seconds())

	switch {
	case err == nil:
		metrics.SyncRunsTotal.WithLabelValues(tenant, metadata.StatusCompleted).Inc()
		metrics.SyncLastSuccessTimestamp.WithLabelValues(tenant).Set(float64(time.Now().Unix()))
		slog.Info("sync completed", "tenant", tenant, "sync_id", syncID, "duration", duration)
	case errors.Is(err, context.Canceled):
		metrics.SyncRunsTotal.WithLabelValues(tenant, metadata.StatusCanceled).Inc()
		slog.Warn("sync canceled", "tenant", tenant, "sync_id", syncID)
	default:
		metrics.SyncRunsTotal.WithLabelValues(tenant, metadata.StatusFailed).Inc()
		slog.Error("sync failed", "tenant", tenant, "sync_id", syncID, "error", err)
	}
	return err
}

func (o *Orchestrator) run(ctx context.Context, syncID string) error {
	since, err := o.incrementalSince(ctx)
	if err != nil {
		o.finalize(syncID, metadata.StatusFailed, err, nil, 0, false)
		return err
	}

	// An incremental run only fetches changed records, so staging must
	// start as a copy of the current mirror for the deltas to land on.
	if since != nil {
		seeded, err := o.versions.SeedStagingFromCurrent()
		if err != nil {
			err = fmt.Errorf("seed staging snapshot: %w", err)
			o.finalize(syncID, metadata.StatusFailed, err, nil, 0, false)
			return err
		}
		if !seeded {
			slog.Warn("no snapshot to seed incremental sync, running full",
				"tenant", o.opts.Tenant, "sync_id", syncID)
			since = nil
		}
	}

	staging := o.versions.StagingPath()
	writer, err := graph.OpenWriter(staging, o.opts.Tenant, o.opts.CustomAttributes)
	if err != nil {
		o.finalize(syncID, metadata.StatusFailed, err, nil, 0, false)
		return err
	}

	counts := &entityCounts{}
	writeErrs, phaseErr := o.runPhases(ctx, syncID, writer, since, counts)
	if closeErr := writer.Close(); closeErr != nil && phaseErr == nil {
		phaseErr = fmt.Errorf("close staging snapshot: %w", closeErr)
	}

	if phaseErr != nil {
		status := metadata.StatusFailed
		if errors.Is(phaseErr, context.Canceled) {
			status = metadata.StatusCanceled
		}
		// Staging stays on disk; the next run rebuilds over it.
		o.finalize(syncID, status, phaseErr, counts, 0, false)
		return phaseErr
	}

	if writeErrs > 0 && !o.opts.PromoteOnErrors {
		slog.Warn("snapshot not promoted, write errors present",
			"tenant", o.opts.Tenant, "errors", writeErrs)
		o.finalize(syncID, metadata.StatusCompleted, nil, counts, 0, false)
		return nil
	}

	version, err := o.versions.PromoteStaging(ctx, true)
	if err != nil {
		err = fmt.Errorf("promote staging: %w", err)
		o.finalize(syncID, metadata.StatusFailed, err, counts, 0, false)
		return err
	}

	o.finalize(syncID, metadata.StatusCompleted, nil, counts, version, true)
	return nil
}

// incrementalSince resolves the lower bound for incremental queries.
func (o *Orchestrator) incrementalSince(ctx context.Context) (*time.Time, error) {
	if !o.opts.SinceLast {
		return nil, nil
	}
	last, err := o.meta.GetLastCompletedSync(ctx, o.opts.Tenant)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, nil
	}
	t := time.UnixMilli(last.StartTime).UTC()
	return &t, nil
}

// runPhases walks the dependency order: groups, applications, users,
// devices, policies. Edge targets always exist before edges are written;
// the two derived edge sets resolve after their source phases.
func (o *Orchestrator) runPhases(ctx context.Context, syncID string, writer *graph.Writer, since *time.Time, counts *entityCounts) (int, error) {
	writeErrs := 0

	err := o.phase(ctx, "groups", func() error {
		_, err := o.fetcher.Groups(ctx, since, func(batch []fetch.GroupRecord) error {
			writeErrs += writer.WriteGroups(ctx, batch)
			counts.groups += len(batch)
			o.client.UpdateEntityProgress("groups", counts.groups, writeErrs)
			return o.updateProgress(syncID, counts, percentGroups)
		})
		return err
	})
	if err != nil {
		return writeErrs, err
	}

	err = o.phase(ctx, "applications", func() error {
		_, err := o.fetcher.Applications(ctx, func(batch []fetch.AppRecord) error {
			writeErrs += writer.WriteApplications(ctx, batch)
			counts.apps += len(batch)
			o.client.UpdateEntityProgress("applications", counts.apps, writeErrs)
			return o.updateProgress(syncID, counts, percentApps)
		})
		return err
	})
	if err != nil {
		return writeErrs, err
	}

	err = o.phase(ctx, "users", func() error {
		_, err := o.fetcher.Users(ctx, since, func(batch []fetch.UserRecord) error {
			for chunkStart := 0; chunkStart < len(batch); chunkStart += cancelCheckStride {
				if err := ctx.Err(); err != nil {
					return err
				}
				end := min(chunkStart+cancelCheckStride, len(batch))
				chunk := batch[chunkStart:end]
				writeErrs += writer.WriteUsers(ctx, chunk)
				counts.users += len(chunk)
				for _, u := range chunk {
					counts.factors += len(u.Factors)
				}
				o.client.UpdateEntityProgress("users", counts.users, writeErrs)
				if err := o.updateProgress(syncID, counts, percentUsers); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		n, err := writer.ResolveManagerEdges(ctx)
		if err != nil {
			return err
		}
		slog.Debug("manager edges resolved", "tenant", o.opts.Tenant, "edges", n)
		return nil
	})
	if err != nil {
		return writeErrs, err
	}

	err = o.phase(ctx, "devices", func() error {
		_, err := o.fetcher.Devices(ctx, func(batch []fetch.DeviceRecord) error {
			writeErrs += writer.WriteDevices(ctx, batch)
			counts.devices += len(batch)
			o.client.UpdateEntityProgress("devices", counts.devices, writeErrs)
			return o.updateProgress(syncID, counts, percentDevices)
		})
		return err
	})
	if err != nil {
		return writeErrs, err
	}

	err = o.phase(ctx, "policies", func() error {
		_, err := o.fetcher.Policies(ctx, func(batch []fetch.PolicyRecord) error {
			writeErrs += writer.WritePolicies(ctx, batch)
			counts.policies += len(batch)
			o.client.UpdateEntityProgress("policies", counts.policies, writeErrs)
			return o.updateProgress(syncID, counts, percentPolicies)
		})
		if err != nil {
			return err
		}
		n, err := writer.ResolveGovernedByEdges(ctx)
		if err != nil {
			return err
		}
		slog.Debug("governed_by edges resolved", "tenant", o.opts.Tenant, "edges", n)
		return nil
	})
	return writeErrs, err
}

// phase wraps one entity phase with a cancellation check and progress
// bracketing.
func (o *Orchestrator) phase(ctx context.Context, label string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.client.StartEntityProgress(label, -1)
	err := fn()
	o.client.CompleteEntityProgress(label, err == nil, 0)
	if err != nil {
		return fmt.Errorf("%s phase: %w", label, err)
	}
	return nil
}

// updateProgress persists running counts so polling readers never see a
// count higher than what has actually been written.
func (o *Orchestrator) updateProgress(syncID string, counts *entityCounts, percent float64) error {
	return o.meta.UpdateSyncRecord(context.Background(), syncID, metadata.Update{
		GroupsCount:        &counts.groups,
		AppsCount:          &counts.apps,
		UsersCount:         &counts.users,
		FactorsCount:       &counts.factors,
		DevicesCount:       &counts.devices,
		PoliciesCount:      &counts.policies,
		ProgressPercentage: &percent,
	})
}

// finalize writes the history row's terminal state. It deliberately uses a
// background context so a canceled sync still records its outcome.
func (o *Orchestrator) finalize(syncID, status string, runErr error, counts *entityCounts, version int, promoted bool) {
	now := time.Now()
	success := status == metadata.StatusCompleted
	u := metadata.Update{
		Status:          &status,
		Success:         &success,
		EndTime:         &now,
		GraphDBPromoted: &promoted,
	}
	if runErr != nil {
		detail := runErr.Error()
		u.ErrorDetails = &detail
	}
	if counts != nil {
		u.GroupsCount = &counts.groups
		u.AppsCount = &counts.apps
		u.UsersCount = &counts.users
		u.FactorsCount = &counts.factors
		u.DevicesCount = &counts.devices
		u.PoliciesCount = &counts.policies
	}
	if promoted {
		u.GraphDBVersion = &version
		percent := float64(percentDone)
		u.ProgressPercentage = &percent
	}
	if err := o.meta.UpdateSyncRecord(context.Background(), syncID, u); err != nil {
		slog.Error("sync history finalize failed", "sync_id", syncID, "error", err)
	}
}
