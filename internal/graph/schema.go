package graph

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Node and edge tables of one snapshot. Every node is identified by
// (tenant_id, okta_id); every edge carries tenant_id and assigned_at.
// Timestamps are stored as epoch milliseconds.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		tenant_id TEXT NOT NULL,
		okta_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		login TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		second_email TEXT NOT NULL DEFAULT '',
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		department TEXT NOT NULL DEFAULT '',
		employee_number TEXT NOT NULL DEFAULT '',
		mobile_phone TEXT NOT NULL DEFAULT '',
		user_type TEXT NOT NULL DEFAULT '',
		manager_login TEXT NOT NULL DEFAULT '',
		created INTEGER,
		activated INTEGER,
		status_changed INTEGER,
		last_login INTEGER,
		last_updated INTEGER,
		password_changed INTEGER,
		last_synced_at INTEGER NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, okta_id)
	)`,
	`CREATE TABLE IF NOT EXISTS "groups" (
		tenant_id TEXT NOT NULL,
		okta_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		group_type TEXT NOT NULL DEFAULT '',
		source_type TEXT NOT NULL DEFAULT '',
		created INTEGER,
		last_updated INTEGER,
		last_membership_updated INTEGER,
		last_synced_at INTEGER NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, okta_id)
	)`,
	`CREATE TABLE IF NOT EXISTS applications (
		tenant_id TEXT NOT NULL,
		okta_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		label TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		sign_on_mode TEXT NOT NULL DEFAULT '',
		access_policy_id TEXT NOT NULL DEFAULT '',
		features TEXT NOT NULL DEFAULT '[]',
		saml_attributes TEXT NOT NULL DEFAULT '[]',
		created INTEGER,
		last_updated INTEGER,
		last_synced_at INTEGER NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, okta_id)
	)`,
	`CREATE TABLE IF NOT EXISTS policies (
		tenant_id TEXT NOT NULL,
		okta_id TEXT NOT NULL,
		policy_type TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		is_system INTEGER NOT NULL DEFAULT 0,
		created INTEGER,
		last_updated INTEGER,
		last_synced_at INTEGER NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, okta_id)
	)`,
	`CREATE TABLE IF NOT EXISTS policy_rules (
		tenant_id TEXT NOT NULL,
		okta_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		rule_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		is_system INTEGER NOT NULL DEFAULT 0,
		created INTEGER,
		last_updated INTEGER,
		last_synced_at INTEGER NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, okta_id)
	)`,
	`CREATE TABLE IF NOT EXISTS factors (
		tenant_id TEXT NOT NULL,
		okta_id TEXT NOT NULL,
		factor_type TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		created INTEGER,
		last_updated INTEGER,
		last_synced_at INTEGER NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, okta_id)
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		tenant_id TEXT NOT NULL,
		okta_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL DEFAULT '',
		manufacturer TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		os_version TEXT NOT NULL DEFAULT '',
		serial_number TEXT NOT NULL DEFAULT '',
		udid TEXT NOT NULL DEFAULT '',
		disk_encryption_type TEXT NOT NULL DEFAULT '',
		secure_hardware_present INTEGER NOT NULL DEFAULT 0,
		registered INTEGER,
		created INTEGER,
		last_updated INTEGER,
		last_synced_at INTEGER NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, okta_id)
	)`,
	`CREATE TABLE IF NOT EXISTS network_zones (
		tenant_id TEXT NOT NULL,
		okta_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		zone_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		created INTEGER,
		last_updated INTEGER,
		last_synced_at INTEGER NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, okta_id)
	)`,

	`CREATE TABLE IF NOT EXISTS member_of (
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		group_id TEXT NOT NULL,
		assigned_at INTEGER,
		PRIMARY KEY (tenant_id, user_id, group_id)
	)`,
	`CREATE TABLE IF NOT EXISTS has_access (
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		app_id TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT '',
		hidden INTEGER NOT NULL DEFAULT 0,
		credentials_setup INTEGER NOT NULL DEFAULT 0,
		assigned_at INTEGER,
		PRIMARY KEY (tenant_id, user_id, app_id)
	)`,
	`CREATE TABLE IF NOT EXISTS group_has_access (
		tenant_id TEXT NOT NULL,
		group_id TEXT NOT NULL,
		app_id TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		assigned_at INTEGER,
		PRIMARY KEY (tenant_id, group_id, app_id)
	)`,
	`CREATE TABLE IF NOT EXISTS enrolled (
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		factor_id TEXT NOT NULL,
		assigned_at INTEGER,
		PRIMARY KEY (tenant_id, user_id, factor_id)
	)`,
	`CREATE TABLE IF NOT EXISTS owns (
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		management_status TEXT NOT NULL DEFAULT '',
		screen_lock_type TEXT NOT NULL DEFAULT '',
		assigned_at INTEGER,
		PRIMARY KEY (tenant_id, user_id, device_id)
	)`,
	`CREATE TABLE IF NOT EXISTS governed_by (
		tenant_id TEXT NOT NULL,
		app_id TEXT NOT NULL,
		policy_id TEXT NOT NULL,
		assigned_at INTEGER,
		PRIMARY KEY (tenant_id, app_id)
	)`,
	`CREATE TABLE IF NOT EXISTS contains_rule (
		tenant_id TEXT NOT NULL,
		policy_id TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		assigned_at INTEGER,
		PRIMARY KEY (tenant_id, policy_id, rule_id)
	)`,
	`CREATE TABLE IF NOT EXISTS applies_to_group (
		tenant_id TEXT NOT NULL,
		policy_id TEXT NOT NULL,
		group_id TEXT NOT NULL,
		assigned_at INTEGER,
		PRIMARY KEY (tenant_id, policy_id, group_id)
	)`,
	`CREATE TABLE IF NOT EXISTS applies_to_zone (
		tenant_id TEXT NOT NULL,
		policy_id TEXT NOT NULL,
		zone_id TEXT NOT NULL,
		assigned_at INTEGER,
		PRIMARY KEY (tenant_id, policy_id, zone_id)
	)`,
	`CREATE TABLE IF NOT EXISTS reports_to (
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		manager_id TEXT NOT NULL,
		assigned_at INTEGER,
		PRIMARY KEY (tenant_id, user_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_users_email ON users (email)`,
	`CREATE INDEX IF NOT EXISTS idx_users_login ON users (login)`,
	`CREATE INDEX IF NOT EXISTS idx_users_status ON users (status)`,
	`CREATE INDEX IF NOT EXISTS idx_groups_name ON "groups" (name)`,
	`CREATE INDEX IF NOT EXISTS idx_applications_label ON applications (label)`,
	`CREATE INDEX IF NOT EXISTS idx_applications_status ON applications (status)`,
	`CREATE INDEX IF NOT EXISTS idx_policies_name ON policies (name)`,
	`CREATE INDEX IF NOT EXISTS idx_factors_type ON factors (factor_type)`,
}

func bootstrapSchema(db *sqlx.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("schema bootstrap: %w", err)
		}
	}
	return nil
}

var columnNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9_]`)

// sanitizeColumnName maps a tenant-configured attribute name onto a safe
// SQL identifier: hyphens, spaces, and dots become underscores, anything
// else outside [A-Za-z0-9_] is dropped.
func sanitizeColumnName(name string) string {
	replaced := strings.NewReplacer("-", "_", " ", "_", ".", "_").Replace(strings.TrimSpace(name))
	cleaned := columnNameSanitizer.ReplaceAllString(replaced, "")
	if cleaned == "" {
		return ""
	}
	if cleaned[0] >= '0' && cleaned[0] <= '9' {
		cleaned = "_" + cleaned
	}
	return cleaned
}

// addCustomColumns evolves the users table with one nullable TEXT column
// per configured attribute. "duplicate column" means a previous sync
// already added it.
func addCustomColumns(db *sqlx.DB, names []string) (map[string]string, error) {
	columns := make(map[string]string, len(names))
	for _, raw := range names {
		col := sanitizeColumnName(raw)
		if col == "" {
			continue
		}
		if _, err := db.Exec(fmt.Sprintf(`ALTER TABLE users ADD COLUMN %s TEXT`, col)); err != nil {
			if !strings.Contains(err.Error(), "duplicate column") {
				return nil, fmt.Errorf("add custom column %s: %w", col, err)
			}
		}
		columns[raw] = col
	}
	return columns, nil
}
