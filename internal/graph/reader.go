package graph

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Reader is a read-only handle on one snapshot. Readers opened against a
// promoted snapshot keep working even after a newer version is promoted;
// the directory survives until retention removes it.
type Reader struct {
	db *sqlx.DB
}

func OpenReader(dir string) (*Reader, error) {
	db, err := openSnapshotDB(dir, true)
	if err != nil {
		return nil, err
	}
	return &Reader{db: db}, nil
}

func (r *Reader) Close() error {
	return r.db.Close()
}

// DB exposes the underlying handle for read-only traversals.
func (r *Reader) DB() *sqlx.DB {
	return r.db
}

func (r *Reader) UserCount(ctx context.Context, tenant string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM users WHERE tenant_id = ?`, tenant)
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// Counts summarizes a snapshot's node and edge populations.
type Counts struct {
	Users          int `db:"users"`
	Groups         int `db:"groups"`
	Applications   int `db:"applications"`
	Policies       int `db:"policies"`
	PolicyRules    int `db:"policy_rules"`
	Factors        int `db:"factors"`
	Devices        int `db:"devices"`
	MemberOf       int `db:"member_of"`
	HasAccess      int `db:"has_access"`
	GroupHasAccess int `db:"group_has_access"`
	Enrolled       int `db:"enrolled"`
	Owns           int `db:"owns"`
	GovernedBy     int `db:"governed_by"`
	ContainsRule   int `db:"contains_rule"`
	ReportsTo      int `db:"reports_to"`
}

func (r *Reader) Counts(ctx context.Context, tenant string) (Counts, error) {
	var c Counts
	tables := []struct {
		name string
		dst  *int
	}{
		{`users`, &c.Users},
		{`"groups"`, &c.Groups},
		{`applications`, &c.Applications},
		{`policies`, &c.Policies},
		{`policy_rules`, &c.PolicyRules},
		{`factors`, &c.Factors},
		{`devices`, &c.Devices},
		{`member_of`, &c.MemberOf},
		{`has_access`, &c.HasAccess},
		{`group_has_access`, &c.GroupHasAccess},
		{`enrolled`, &c.Enrolled},
		{`owns`, &c.Owns},
		{`governed_by`, &c.GovernedBy},
		{`contains_rule`, &c.ContainsRule},
		{`reports_to`, &c.ReportsTo},
	}
	for _, tbl := range tables {
		query := `SELECT COUNT(*) FROM ` + tbl.name + ` WHERE tenant_id = ?`
		if err := r.db.GetContext(ctx, tbl.dst, query, tenant); err != nil {
			return Counts{}, fmt.Errorf("snapshot counts (%s): %w", tbl.name, err)
		}
	}
	return c, nil
}
