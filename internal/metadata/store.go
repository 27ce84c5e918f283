// Package metadata persists sync operational state: one relational table,
// sync_history, consumed by progress surfaces while the graph is building.
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Terminal and non-terminal sync states.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// historyRetention caps the rows kept per tenant.
const historyRetention = 100

// SyncRecord is one row of sync_history. Times are epoch milliseconds.
type SyncRecord struct {
	ID                 string  `db:"id" json:"id"`
	TenantID           string  `db:"tenant_id" json:"tenant_id"`
	SyncType           string  `db:"sync_type" json:"sync_type"`
	StartTime          int64   `db:"start_time" json:"start_time"`
	EndTime            *int64  `db:"end_time" json:"end_time,omitempty"`
	Status             string  `db:"status" json:"status"`
	Success            bool    `db:"success" json:"success"`
	ErrorDetails       string  `db:"error_details" json:"error_details,omitempty"`
	UsersCount         int     `db:"users_count" json:"users_count"`
	GroupsCount        int     `db:"groups_count" json:"groups_count"`
	AppsCount          int     `db:"apps_count" json:"apps_count"`
	DevicesCount       int     `db:"devices_count" json:"devices_count"`
	PoliciesCount      int     `db:"policies_count" json:"policies_count"`
	FactorsCount       int     `db:"factors_count" json:"factors_count"`
	ProgressPercentage float64 `db:"progress_percentage" json:"progress_percentage"`
	GraphDBVersion     *int    `db:"graphdb_version" json:"graphdb_version,omitempty"`
	GraphDBPromoted    bool    `db:"graphdb_promoted" json:"graphdb_promoted"`
}

const schema = `
CREATE TABLE IF NOT EXISTS sync_history (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	sync_type TEXT NOT NULL DEFAULT 'full',
	start_time INTEGER NOT NULL,
	end_time INTEGER,
	status TEXT NOT NULL,
	success INTEGER NOT NULL DEFAULT 0,
	error_details TEXT NOT NULL DEFAULT '',
	users_count INTEGER NOT NULL DEFAULT 0,
	groups_count INTEGER NOT NULL DEFAULT 0,
	apps_count INTEGER NOT NULL DEFAULT 0,
	devices_count INTEGER NOT NULL DEFAULT 0,
	policies_count INTEGER NOT NULL DEFAULT 0,
	factors_count INTEGER NOT NULL DEFAULT 0,
	progress_percentage REAL NOT NULL DEFAULT 0,
	graphdb_version INTEGER,
	graphdb_promoted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sync_history_tenant_start ON sync_history (tenant_id, start_time DESC);
`

// Store is the single-writer metadata sidecar.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create metadata dir: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite",
		"file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("metadata schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSyncRecord opens a new running row and prunes rows beyond the
// retention cap. Returns the new sync id.
func (s *Store) CreateSyncRecord(ctx context.Context, tenant, syncType string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_history (id, tenant_id, sync_type, start_time, status)
		 VALUES (?, ?, ?, ?, ?)`,
		id, tenant, syncType, s.now().UnixMilli(), StatusRunning)
	if err != nil {
		return "", fmt.Errorf("create sync record: %w", err)
	}
	if err := s.pruneHistory(ctx, tenant); err != nil {
		return "", err
	}
	return id, nil
}

// Update carries the mutable fields of a sync row. Nil fields are left
// unchanged.
type Update struct {
	Status             *string
	Success            *bool
	ErrorDetails       *string
	EndTime            *time.Time
	UsersCount         *int
	GroupsCount        *int
	AppsCount          *int
	DevicesCount       *int
	PoliciesCount      *int
	FactorsCount       *int
	ProgressPercentage *float64
	GraphDBVersion     *int
	GraphDBPromoted    *bool
}

func (s *Store) UpdateSyncRecord(ctx context.Context, id string, u Update) error {
	var sets []string
	var args []any
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.Status != nil {
		add("status", *u.Status)
	}
	if u.Success != nil {
		add("success", boolToInt(*u.Success))
	}
	if u.ErrorDetails != nil {
		add("error_details", *u.ErrorDetails)
	}
	if u.EndTime != nil {
		add("end_time", u.EndTime.UnixMilli())
	}
	if u.UsersCount != nil {
		add("users_count", *u.UsersCount)
	}
	if u.GroupsCount != nil {
		add("groups_count", *u.GroupsCount)
	}
	if u.AppsCount != nil {
		add("apps_count", *u.AppsCount)
	}
	if u.DevicesCount != nil {
		add("devices_count", *u.DevicesCount)
	}
	if u.PoliciesCount != nil {
		add("policies_count", *u.PoliciesCount)
	}
	if u.FactorsCount != nil {
		add("factors_count", *u.FactorsCount)
	}
	if u.ProgressPercentage != nil {
		add("progress_percentage", *u.ProgressPercentage)
	}
	if u.GraphDBVersion != nil {
		add("graphdb_version", *u.GraphDBVersion)
	}
	if u.GraphDBPromoted != nil {
		add("graphdb_promoted", boolToInt(*u.GraphDBPromoted))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	query := `UPDATE sync_history SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update sync record %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sync record %s not found", id)
	}
	return nil
}

// GetActiveSync returns the tenant's running sync, or nil when idle.
func (s *Store) GetActiveSync(ctx context.Context, tenant string) (*SyncRecord, error) {
	var rec SyncRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT * FROM sync_history
		 WHERE tenant_id = ? AND status = ?
		 ORDER BY start_time DESC LIMIT 1`, tenant, StatusRunning)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active sync: %w", err)
	}
	return &rec, nil
}

// GetLastCompletedSync returns the tenant's most recent successful sync,
// or nil when none exists.
func (s *Store) GetLastCompletedSync(ctx context.Context, tenant string) (*SyncRecord, error) {
	var rec SyncRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT * FROM sync_history
		 WHERE tenant_id = ? AND status = ? AND success = 1
		 ORDER BY start_time DESC LIMIT 1`, tenant, StatusCompleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last completed sync: %w", err)
	}
	return &rec, nil
}

// GetSyncRecord fetches one row by id.
func (s *Store) GetSyncRecord(ctx context.Context, id string) (*SyncRecord, error) {
	var rec SyncRecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM sync_history WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync record: %w", err)
	}
	return &rec, nil
}

// GetSyncHistory returns the tenant's most recent rows, newest first.
func (s *Store) GetSyncHistory(ctx context.Context, tenant string, limit int) ([]SyncRecord, error) {
	if limit < 1 || limit > historyRetention {
		limit = historyRetention
	}
	var out []SyncRecord
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM sync_history
		 WHERE tenant_id = ?
		 ORDER BY start_time DESC LIMIT ?`, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("get sync history: %w", err)
	}
	return out, nil
}

func (s *Store) pruneHistory(ctx context.Context, tenant string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_history
		 WHERE tenant_id = ? AND id NOT IN (
			SELECT id FROM sync_history
			WHERE tenant_id = ?
			ORDER BY start_time DESC LIMIT ?
		 )`, tenant, tenant, historyRetention)
	if err != nil {
		return fmt.Errorf("prune sync history: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
