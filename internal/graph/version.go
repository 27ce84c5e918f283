package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/oktamirror/oktamirror/internal/metrics"
)

const versionDirPrefix = "okta_v"

// defaultKeepVersions retains current plus the previous snapshot so
// already-open readers survive one promotion cycle.
const defaultKeepVersions = 2

// VersionManager names the reader-visible snapshot and the writer-visible
// staging snapshot. Promotion is a single integer increment under the
// mutex; no renames, no symlinks.
type VersionManager struct {
	mu      sync.Mutex
	root    string
	current int
	keep    int
	tenant  string
}

// NewVersionManager scans root for existing okta_v{N} directories and
// resumes at the highest version found, or 1 on a fresh directory.
func NewVersionManager(root, tenant string, keepVersions int) (*VersionManager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create graph root: %w", err)
	}
	if keepVersions < 1 {
		keepVersions = defaultKeepVersions
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("scan graph root: %w", err)
	}
	current := 1
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var v int
		if _, err := fmt.Sscanf(e.Name(), versionDirPrefix+"%d", &v); err == nil && v > current {
			current = v
		}
	}

	metrics.CurrentGraphVersion.Set(float64(current))
	return &VersionManager{root: root, current: current, keep: keepVersions, tenant: tenant}, nil
}

func (m *VersionManager) versionPath(v int) string {
	return filepath.Join(m.root, fmt.Sprintf("%s%d", versionDirPrefix, v))
}

// CurrentVersion returns the reader-visible snapshot version.
func (m *VersionManager) CurrentVersion() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CurrentPath returns the absolute path of the reader-visible snapshot.
func (m *VersionManager) CurrentPath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versionPath(m.current)
}

// StagingPath returns the absolute path of the writer-visible snapshot.
// The directory is created lazily by the writer.
func (m *VersionManager) StagingPath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versionPath(m.current + 1)
}

// SeedStagingFromCurrent replaces the staging directory with a copy of the
// current snapshot so an incremental run upserts its deltas over the full
// mirror instead of building from empty. Reports whether a snapshot was
// available to copy.
func (m *VersionManager) SeedStagingFromCurrent() (bool, error) {
	m.mu.Lock()
	src := m.versionPath(m.current)
	dst := m.versionPath(m.current + 1)
	m.mu.Unlock()

	if _, err := os.Stat(filepath.Join(src, snapshotFileName)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat current snapshot: %w", err)
	}

	// Leftover staging from a failed run would shadow the seed.
	if err := os.RemoveAll(dst); err != nil {
		return false, fmt.Errorf("clear staging: %w", err)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return false, fmt.Errorf("create staging: %w", err)
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return false, fmt.Errorf("scan current snapshot: %w", err)
	}
	for _, e := range entries {
		// The database plus any WAL sidecar files.
		if e.IsDir() || !strings.HasPrefix(e.Name(), snapshotFileName) {
			continue
		}
		if err := copyFile(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return false, err
		}
	}
	return true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", dst, err)
	}
	return out.Close()
}

// PromoteStaging makes the staging snapshot the current one. With validate
// set, promotion is refused unless staging holds at least one user node.
// Returns the new current version.
func (m *VersionManager) PromoteStaging(ctx context.Context, validate bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	staging := m.versionPath(m.current + 1)
	if _, err := os.Stat(staging); err != nil {
		return 0, fmt.Errorf("staging snapshot missing: %w", err)
	}

	if validate {
		if err := validateSnapshot(ctx, staging, m.tenant); err != nil {
			return 0, fmt.Errorf("staging validation: %w", err)
		}
	}

	m.current++
	metrics.CurrentGraphVersion.Set(float64(m.current))
	metrics.PromotionsTotal.Inc()
	slog.Info("snapshot promoted", "version", m.current, "path", m.versionPath(m.current))

	m.cleanupLocked()
	return m.current, nil
}

func validateSnapshot(ctx context.Context, dir, tenant string) error {
	reader, err := OpenReader(dir)
	if err != nil {
		return err
	}
	defer reader.Close()
	n, err := reader.UserCount(ctx, tenant)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("snapshot holds no users")
	}
	return nil
}

// cleanupLocked removes snapshots older than the retention window.
// Callers hold the mutex.
func (m *VersionManager) cleanupLocked() {
	cutoff := m.current - m.keep + 1
	entries, err := os.ReadDir(m.root)
	if err != nil {
		slog.Warn("retention scan failed", "error", err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var v int
		if _, err := fmt.Sscanf(e.Name(), versionDirPrefix+"%d", &v); err != nil {
			continue
		}
		if v >= cutoff {
			continue
		}
		path := filepath.Join(m.root, e.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("snapshot removal failed", "path", path, "error", err)
			continue
		}
		slog.Info("old snapshot removed", "version", v, "path", path)
	}
}

// ForceCleanupOldVersions removes every snapshot older than current,
// regardless of the retention window.
func (m *VersionManager) ForceCleanupOldVersions() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.root)
	if err != nil {
		return fmt.Errorf("scan graph root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var v int
		if _, err := fmt.Sscanf(e.Name(), versionDirPrefix+"%d", &v); err != nil {
			continue
		}
		if v >= m.current {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, e.Name())); err != nil {
			return fmt.Errorf("remove snapshot v%d: %w", v, err)
		}
	}
	return nil
}

// Versions lists the snapshot versions present on disk, ascending.
func (m *VersionManager) Versions() ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("scan graph root: %w", err)
	}
	var out []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var v int
		if _, err := fmt.Sscanf(e.Name(), versionDirPrefix+"%d", &v); err == nil {
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out, nil
}
