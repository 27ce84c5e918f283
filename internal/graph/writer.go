// Package graph owns the versioned snapshot store: schema bootstrap,
// idempotent node and edge upserts into the staging snapshot, read-only
// access to promoted snapshots, and the version manager that atomically
// swaps staging to current.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/oktamirror/oktamirror/internal/fetch"
	"github.com/oktamirror/oktamirror/internal/metrics"
)

const snapshotFileName = "graph.db"

func openSnapshotDB(dir string, readOnly bool) (*sqlx.DB, error) {
	dsn := "file:" + filepath.Join(dir, snapshotFileName) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	if readOnly {
		dsn += "&mode=ro"
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", dir, err)
	}
	// The snapshot has exactly one writer; a single connection avoids
	// SQLITE_BUSY between concurrent statements.
	db.SetMaxOpenConns(1)
	return db, nil
}

// Writer upserts entity batches into one staging snapshot. It is the
// snapshot's sole owner for the duration of a sync.
type Writer struct {
	db     *sqlx.DB
	tenant string
	now    func() time.Time

	// customColumns maps raw attribute names to their sanitized user
	// table columns.
	customColumns map[string]string
}

// OpenWriter creates the snapshot directory if needed, bootstraps the
// schema, and evolves the users table with the tenant's custom attributes.
func OpenWriter(dir, tenant string, customAttributes []string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	db, err := openSnapshotDB(dir, false)
	if err != nil {
		return nil, err
	}
	if err := bootstrapSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	columns, err := addCustomColumns(db, customAttributes)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Writer{db: db, tenant: tenant, now: time.Now, customColumns: columns}, nil
}

func (w *Writer) Close() error {
	return w.db.Close()
}

func (w *Writer) writeError(entity, oktaID string, err error) {
	slog.Error("graph write failed", "entity", entity, "okta_id", oktaID, "error", err)
	metrics.WriteErrorsTotal.WithLabelValues(w.tenant, entity).Inc()
}

// upsertEdge runs an endpoint-guarded edge upsert. A zero rows-affected
// result means an endpoint node is missing and the edge was skipped.
func (w *Writer) upsertEdge(ctx context.Context, entity, srcID, dstID, query string, args ...any) (bool, error) {
	res, err := w.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		slog.Warn("edge skipped, endpoint missing",
			"entity", entity, "src", srcID, "dst", dstID)
		return false, nil
	}
	return true, nil
}

func millis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

const upsertGroupSQL = `
INSERT INTO "groups" (tenant_id, okta_id, name, description, group_type, source_type,
	created, last_updated, last_membership_updated, last_synced_at, is_deleted)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
ON CONFLICT (tenant_id, okta_id) DO UPDATE SET
	name = excluded.name,
	description = excluded.description,
	group_type = excluded.group_type,
	source_type = excluded.source_type,
	created = excluded.created,
	last_updated = excluded.last_updated,
	last_membership_updated = excluded.last_membership_updated,
	last_synced_at = excluded.last_synced_at,
	is_deleted = 0`

// WriteGroups upserts a batch of group nodes and returns the number of
// records skipped due to write errors.
func (w *Writer) WriteGroups(ctx context.Context, batch []fetch.GroupRecord) int {
	now := w.now().UnixMilli()
	errs := 0
	for _, g := range batch {
		_, err := w.db.ExecContext(ctx, upsertGroupSQL,
			w.tenant, g.OktaID, g.Name, g.Description, g.Type, g.SourceType,
			millis(g.Created), millis(g.LastUpdated), millis(g.LastMembershipUpdated), now)
		if err != nil {
			w.writeError("groups", g.OktaID, err)
			errs++
			continue
		}
		metrics.EntitiesSyncedTotal.WithLabelValues(w.tenant, "groups").Inc()
	}
	return errs
}

const upsertAppSQL = `
INSERT INTO applications (tenant_id, okta_id, name, label, status, sign_on_mode,
	access_policy_id, features, saml_attributes, created, last_updated, last_synced_at, is_deleted)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
ON CONFLICT (tenant_id, okta_id) DO UPDATE SET
	name = excluded.name,
	label = excluded.label,
	status = excluded.status,
	sign_on_mode = excluded.sign_on_mode,
	access_policy_id = excluded.access_policy_id,
	features = excluded.features,
	saml_attributes = excluded.saml_attributes,
	created = excluded.created,
	last_updated = excluded.last_updated,
	last_synced_at = excluded.last_synced_at,
	is_deleted = 0`

const upsertGroupAccessSQL = `
INSERT INTO group_has_access (tenant_id, group_id, app_id, priority, assigned_at)
SELECT ?, ?, ?, ?, ?
WHERE EXISTS (SELECT 1 FROM "groups" WHERE tenant_id = ? AND okta_id = ?)
  AND EXISTS (SELECT 1 FROM applications WHERE tenant_id = ? AND okta_id = ?)
ON CONFLICT (tenant_id, group_id, app_id) DO UPDATE SET
	priority = excluded.priority,
	assigned_at = excluded.assigned_at`

// WriteApplications upserts application nodes and their group-assignment
// edges. The app's access policy reference is stored on the node; the
// GOVERNED_BY edge is materialized later, once policies are written.
func (w *Writer) WriteApplications(ctx context.Context, batch []fetch.AppRecord) int {
	now := w.now().UnixMilli()
	errs := 0
	for _, a := range batch {
		features, _ := json.Marshal(a.Features)
		samlAttrs, _ := json.Marshal(a.SAMLAttributes)
		_, err := w.db.ExecContext(ctx, upsertAppSQL,
			w.tenant, a.OktaID, a.Name, a.Label, a.Status, a.SignOnMode,
			a.AccessPolicyID, string(features), string(samlAttrs),
			millis(a.Created), millis(a.LastUpdated), now)
		if err != nil {
			w.writeError("applications", a.OktaID, err)
			errs++
			continue
		}
		metrics.EntitiesSyncedTotal.WithLabelValues(w.tenant, "applications").Inc()

		for _, g := range a.Groups {
			_, err := w.upsertEdge(ctx, "group_has_access", g.GroupID, a.OktaID, upsertGroupAccessSQL,
				w.tenant, g.GroupID, a.OktaID, g.Priority, millis(g.AssignedAt),
				w.tenant, g.GroupID, w.tenant, a.OktaID)
			if err != nil {
				w.writeError("group_has_access", a.OktaID, err)
				errs++
			}
		}
	}
	return errs
}

const upsertMemberOfSQL = `
INSERT INTO member_of (tenant_id, user_id, group_id, assigned_at)
SELECT ?, ?, ?, ?
WHERE EXISTS (SELECT 1 FROM users WHERE tenant_id = ? AND okta_id = ?)
  AND EXISTS (SELECT 1 FROM "groups" WHERE tenant_id = ? AND okta_id = ?)
ON CONFLICT (tenant_id, user_id, group_id) DO UPDATE SET
	assigned_at = excluded.assigned_at`

const upsertHasAccessSQL = `
INSERT INTO has_access (tenant_id, user_id, app_id, scope, hidden, credentials_setup, assigned_at)
SELECT ?, ?, ?, ?, ?, ?, ?
WHERE EXISTS (SELECT 1 FROM users WHERE tenant_id = ? AND okta_id = ?)
  AND EXISTS (SELECT 1 FROM applications WHERE tenant_id = ? AND okta_id = ?)
ON CONFLICT (tenant_id, user_id, app_id) DO UPDATE SET
	scope = excluded.scope,
	hidden = excluded.hidden,
	credentials_setup = excluded.credentials_setup,
	assigned_at = excluded.assigned_at`

const upsertFactorSQL = `
INSERT INTO factors (tenant_id, okta_id, factor_type, provider, status,
	created, last_updated, last_synced_at, is_deleted)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
ON CONFLICT (tenant_id, okta_id) DO UPDATE SET
	factor_type = excluded.factor_type,
	provider = excluded.provider,
	status = excluded.status,
	created = excluded.created,
	last_updated = excluded.last_updated,
	last_synced_at = excluded.last_synced_at,
	is_deleted = 0`

const upsertEnrolledSQL = `
INSERT INTO enrolled (tenant_id, user_id, factor_id, assigned_at)
SELECT ?, ?, ?, ?
WHERE EXISTS (SELECT 1 FROM users WHERE tenant_id = ? AND okta_id = ?)
  AND EXISTS (SELECT 1 FROM factors WHERE tenant_id = ? AND okta_id = ?)
ON CONFLICT (tenant_id, user_id, factor_id) DO UPDATE SET
	assigned_at = excluded.assigned_at`

// WriteUsers upserts each user as a coherent bundle: the node first, then
// its membership, app-access, and factor edges.
func (w *Writer) WriteUsers(ctx context.Context, batch []fetch.UserRecord) int {
	now := w.now().UnixMilli()
	errs := 0
	for i := range batch {
		u := &batch[i]
		if err := w.upsertUser(ctx, u, now); err != nil {
			w.writeError("users", u.OktaID, err)
			errs++
			continue
		}
		metrics.EntitiesSyncedTotal.WithLabelValues(w.tenant, "users").Inc()
		errs += w.writeUserEdges(ctx, u, now)
	}
	return errs
}

func (w *Writer) upsertUser(ctx context.Context, u *fetch.UserRecord, now int64) error {
	cols := []string{
		"tenant_id", "okta_id", "status", "login", "email", "second_email",
		"first_name", "last_name", "display_name", "title", "department",
		"employee_number", "mobile_phone", "user_type", "manager_login",
		"created", "activated", "status_changed", "last_login", "last_updated",
		"password_changed", "last_synced_at", "is_deleted",
	}
	args := []any{
		w.tenant, u.OktaID, u.Status, u.Login, u.Email, u.SecondEmail,
		u.FirstName, u.LastName, u.DisplayName, u.Title, u.Department,
		u.EmployeeNumber, u.MobilePhone, u.UserType, u.ManagerLogin,
		millis(u.Created), millis(u.Activated), millis(u.StatusChanged),
		millis(u.LastLogin), millis(u.LastUpdated), millis(u.PasswordChanged),
		now, 0,
	}
	for raw, col := range w.customColumns {
		cols = append(cols, col)
		if v, ok := u.CustomAttributes[raw]; ok {
			args = append(args, v)
		} else {
			args = append(args, nil)
		}
	}

	var sets []string
	for _, c := range cols[2:] {
		sets = append(sets, c+" = excluded."+c)
	}
	query := fmt.Sprintf(
		`INSERT INTO users (%s) VALUES (%s) ON CONFLICT (tenant_id, okta_id) DO UPDATE SET %s`,
		strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
		strings.Join(sets, ", "),
	)
	_, err := w.db.ExecContext(ctx, query, args...)
	return err
}

func (w *Writer) writeUserEdges(ctx context.Context, u *fetch.UserRecord, now int64) int {
	errs := 0
	for _, groupID := range u.GroupIDs {
		_, err := w.upsertEdge(ctx, "member_of", u.OktaID, groupID, upsertMemberOfSQL,
			w.tenant, u.OktaID, groupID, now,
			w.tenant, u.OktaID, w.tenant, groupID)
		if err != nil {
			w.writeError("member_of", u.OktaID, err)
			errs++
		}
	}

	for _, link := range u.AppLinks {
		if link.AppID == "" {
			continue
		}
		_, err := w.upsertEdge(ctx, "has_access", u.OktaID, link.AppID, upsertHasAccessSQL,
			w.tenant, u.OktaID, link.AppID, link.Scope, b2i(link.Hidden), b2i(link.CredentialsSetup), now,
			w.tenant, u.OktaID, w.tenant, link.AppID)
		if err != nil {
			w.writeError("has_access", u.OktaID, err)
			errs++
		}
	}

	for _, f := range u.Factors {
		_, err := w.db.ExecContext(ctx, upsertFactorSQL,
			w.tenant, f.OktaID, f.FactorType, f.Provider, f.Status,
			millis(f.Created), millis(f.LastUpdated), now)
		if err != nil {
			w.writeError("factors", f.OktaID, err)
			errs++
			continue
		}
		metrics.EntitiesSyncedTotal.WithLabelValues(w.tenant, "factors").Inc()

		_, err = w.upsertEdge(ctx, "enrolled", u.OktaID, f.OktaID, upsertEnrolledSQL,
			w.tenant, u.OktaID, f.OktaID, millis(f.Created),
			w.tenant, u.OktaID, w.tenant, f.OktaID)
		if err != nil {
			w.writeError("enrolled", u.OktaID, err)
			errs++
		}
	}
	return errs
}

const upsertDeviceSQL = `
INSERT INTO devices (tenant_id, okta_id, status, display_name, platform, manufacturer,
	model, os_version, serial_number, udid, disk_encryption_type, secure_hardware_present,
	registered, created, last_updated, last_synced_at, is_deleted)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
ON CONFLICT (tenant_id, okta_id) DO UPDATE SET
	status = excluded.status,
	display_name = excluded.display_name,
	platform = excluded.platform,
	manufacturer = excluded.manufacturer,
	model = excluded.model,
	os_version = excluded.os_version,
	serial_number = excluded.serial_number,
	udid = excluded.udid,
	disk_encryption_type = excluded.disk_encryption_type,
	secure_hardware_present = excluded.secure_hardware_present,
	registered = excluded.registered,
	created = excluded.created,
	last_updated = excluded.last_updated,
	last_synced_at = excluded.last_synced_at,
	is_deleted = 0`

const upsertOwnsSQL = `
INSERT INTO owns (tenant_id, user_id, device_id, management_status, screen_lock_type, assigned_at)
SELECT ?, ?, ?, ?, ?, ?
WHERE EXISTS (SELECT 1 FROM users WHERE tenant_id = ? AND okta_id = ?)
  AND EXISTS (SELECT 1 FROM devices WHERE tenant_id = ? AND okta_id = ?)
ON CONFLICT (tenant_id, user_id, device_id) DO UPDATE SET
	management_status = excluded.management_status,
	screen_lock_type = excluded.screen_lock_type,
	assigned_at = excluded.assigned_at`

// WriteDevices upserts device nodes and their user-ownership edges.
func (w *Writer) WriteDevices(ctx context.Context, batch []fetch.DeviceRecord) int {
	now := w.now().UnixMilli()
	errs := 0
	for _, d := range batch {
		_, err := w.db.ExecContext(ctx, upsertDeviceSQL,
			w.tenant, d.OktaID, d.Status, d.DisplayName, d.Platform, d.Manufacturer,
			d.Model, d.OSVersion, d.SerialNumber, d.UDID, d.DiskEncryptionType,
			b2i(d.SecureHardwarePresent), millis(d.Registered), millis(d.Created),
			millis(d.LastUpdated), now)
		if err != nil {
			w.writeError("devices", d.OktaID, err)
			errs++
			continue
		}
		metrics.EntitiesSyncedTotal.WithLabelValues(w.tenant, "devices").Inc()

		for _, du := range d.Users {
			_, err := w.upsertEdge(ctx, "owns", du.UserID, d.OktaID, upsertOwnsSQL,
				w.tenant, du.UserID, d.OktaID, du.ManagementStatus, du.ScreenLockType, millis(du.AssignedAt),
				w.tenant, du.UserID, w.tenant, d.OktaID)
			if err != nil {
				w.writeError("owns", d.OktaID, err)
				errs++
			}
		}
	}
	return errs
}

const upsertPolicySQL = `
INSERT INTO policies (tenant_id, okta_id, policy_type, name, description, status,
	priority, is_system, created, last_updated, last_synced_at, is_deleted)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
ON CONFLICT (tenant_id, okta_id) DO UPDATE SET
	policy_type = excluded.policy_type,
	name = excluded.name,
	description = excluded.description,
	status = excluded.status,
	priority = excluded.priority,
	is_system = excluded.is_system,
	created = excluded.created,
	last_updated = excluded.last_updated,
	last_synced_at = excluded.last_synced_at,
	is_deleted = 0`

const upsertPolicyRuleSQL = `
INSERT INTO policy_rules (tenant_id, okta_id, name, rule_type, status,
	priority, is_system, created, last_updated, last_synced_at, is_deleted)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
ON CONFLICT (tenant_id, okta_id) DO UPDATE SET
	name = excluded.name,
	rule_type = excluded.rule_type,
	status = excluded.status,
	priority = excluded.priority,
	is_system = excluded.is_system,
	created = excluded.created,
	last_updated = excluded.last_updated,
	last_synced_at = excluded.last_synced_at,
	is_deleted = 0`

const upsertContainsRuleSQL = `
INSERT INTO contains_rule (tenant_id, policy_id, rule_id, assigned_at)
SELECT ?, ?, ?, ?
WHERE EXISTS (SELECT 1 FROM policies WHERE tenant_id = ? AND okta_id = ?)
  AND EXISTS (SELECT 1 FROM policy_rules WHERE tenant_id = ? AND okta_id = ?)
ON CONFLICT (tenant_id, policy_id, rule_id) DO UPDATE SET
	assigned_at = excluded.assigned_at`

// WritePolicies upserts policy nodes, their rules, and CONTAINS_RULE edges.
func (w *Writer) WritePolicies(ctx context.Context, batch []fetch.PolicyRecord) int {
	now := w.now().UnixMilli()
	errs := 0
	for _, p := range batch {
		_, err := w.db.ExecContext(ctx, upsertPolicySQL,
			w.tenant, p.OktaID, p.Type, p.Name, p.Description, p.Status,
			p.Priority, b2i(p.System), millis(p.Created), millis(p.LastUpdated), now)
		if err != nil {
			w.writeError("policies", p.OktaID, err)
			errs++
			continue
		}
		metrics.EntitiesSyncedTotal.WithLabelValues(w.tenant, "policies").Inc()

		for _, r := range p.Rules {
			_, err := w.db.ExecContext(ctx, upsertPolicyRuleSQL,
				w.tenant, r.OktaID, r.Name, r.Type, r.Status,
				r.Priority, b2i(r.System), millis(r.Created), millis(r.LastUpdated), now)
			if err != nil {
				w.writeError("policy_rules", r.OktaID, err)
				errs++
				continue
			}
			_, err = w.upsertEdge(ctx, "contains_rule", p.OktaID, r.OktaID, upsertContainsRuleSQL,
				w.tenant, p.OktaID, r.OktaID, now,
				w.tenant, p.OktaID, w.tenant, r.OktaID)
			if err != nil {
				w.writeError("contains_rule", p.OktaID, err)
				errs++
			}
		}
	}
	return errs
}

const resolveGovernedBySQL = `
INSERT INTO governed_by (tenant_id, app_id, policy_id, assigned_at)
SELECT a.tenant_id, a.okta_id, a.access_policy_id, a.last_synced_at
FROM applications a
WHERE a.tenant_id = ?
  AND a.access_policy_id != ''
  AND EXISTS (SELECT 1 FROM policies p WHERE p.tenant_id = a.tenant_id AND p.okta_id = a.access_policy_id)
ON CONFLICT (tenant_id, app_id) DO UPDATE SET
	policy_id = excluded.policy_id,
	assigned_at = excluded.assigned_at`

// ResolveGovernedByEdges materializes Application→Policy edges from the
// policy references captured during the application phase. Runs after the
// policies phase so both endpoints exist.
func (w *Writer) ResolveGovernedByEdges(ctx context.Context) (int64, error) {
	res, err := w.db.ExecContext(ctx, resolveGovernedBySQL, w.tenant)
	if err != nil {
		return 0, fmt.Errorf("resolve governed_by edges: %w", err)
	}
	return res.RowsAffected()
}

const resolveReportsToSQL = `
INSERT INTO reports_to (tenant_id, user_id, manager_id, assigned_at)
SELECT u.tenant_id, u.okta_id, m.okta_id, u.last_synced_at
FROM users u
JOIN users m ON m.tenant_id = u.tenant_id AND m.login = u.manager_login
WHERE u.tenant_id = ?
  AND u.manager_login != ''
  AND m.okta_id != u.okta_id
ON CONFLICT (tenant_id, user_id) DO UPDATE SET
	manager_id = excluded.manager_id,
	assigned_at = excluded.assigned_at`

// ResolveManagerEdges derives User→User reporting edges from the manager
// login captured on each user. Runs after the users phase so both sides of
// the join are present.
func (w *Writer) ResolveManagerEdges(ctx context.Context) (int64, error) {
	res, err := w.db.ExecContext(ctx, resolveReportsToSQL, w.tenant)
	if err != nil {
		return 0, fmt.Errorf("resolve reports_to edges: %w", err)
	}
	return res.RowsAffected()
}
