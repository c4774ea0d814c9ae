// Package sqlite stores tenants and plans in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/filehaven/filehaven/internal/tenant"
	_ "modernc.org/sqlite"
)

// Store implements tenant.Store on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs migrations.
// path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS plans (
    name TEXT PRIMARY KEY,
    description TEXT NOT NULL DEFAULT '',
    price INTEGER NOT NULL DEFAULT 0,
    storage_limit INTEGER
);

CREATE TABLE IF NOT EXISTS tenants (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL DEFAULT '',
    plan TEXT NOT NULL,
    used_bytes INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (plan) REFERENCES plans(name)
);
`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateTenant(ctx context.Context, name, plan string) (*tenant.Tenant, error) {
	p, err := s.Plan(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, plan)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO tenants (name, plan, used_bytes, created_at) VALUES (?, ?, 0, ?)",
		name, p.Name, now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert tenant: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("tenant id: %w", err)
	}
	return &tenant.Tenant{ID: id, Name: name, Plan: *p, CreatedAt: time.Unix(now.Unix(), 0).UTC()}, nil
}

const tenantColumns = `t.id, t.name, t.used_bytes, t.created_at, p.name, p.description, p.price, p.storage_limit`

type scanner interface {
	Scan(dest ...any) error
}

func scanTenant(row scanner) (*tenant.Tenant, error) {
	var (
		t       tenant.Tenant
		created int64
		limit   sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.Name, &t.UsedBytes, &created,
		&t.Plan.Name, &t.Plan.Description, &t.Plan.Price, &limit)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = time.Unix(created, 0).UTC()
	if limit.Valid {
		t.Plan.LimitBytes = &limit.Int64
	}
	return &t, nil
}

func (s *Store) Tenant(ctx context.Context, id int64) (*tenant.Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+tenantColumns+" FROM tenants t JOIN plans p ON p.name = t.plan WHERE t.id = ?", id)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenant.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return t, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]tenant.Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+tenantColumns+" FROM tenants t JOIN plans p ON p.name = t.plan ORDER BY t.id")
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []tenant.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) SetPlan(ctx context.Context, id int64, plan string) error {
	p, err := s.Plan(ctx, plan)
	if err != nil {
		return fmt.Errorf("%w: %s", err, plan)
	}
	return s.updateOne(ctx, "set plan", "UPDATE tenants SET plan = ? WHERE id = ?", p.Name, id)
}

func (s *Store) UpdateUsedBytes(ctx context.Context, id int64, used int64) error {
	return s.updateOne(ctx, "update used bytes", "UPDATE tenants SET used_bytes = ? WHERE id = ?", used, id)
}

func (s *Store) updateOne(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return tenant.ErrTenantNotFound
	}
	return nil
}

func (s *Store) SavePlan(ctx context.Context, p tenant.Plan) error {
	var limit sql.NullInt64
	if p.LimitBytes != nil {
		limit = sql.NullInt64{Int64: *p.LimitBytes, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO plans (name, description, price, storage_limit) VALUES (?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET description = excluded.description,
    price = excluded.price, storage_limit = excluded.storage_limit`,
		tenant.NormalizePlanName(p.Name), p.Description, p.Price, limit,
	)
	if err != nil {
		return fmt.Errorf("save plan: %w", err)
	}
	return nil
}

func scanPlan(row scanner) (*tenant.Plan, error) {
	var (
		p     tenant.Plan
		limit sql.NullInt64
	)
	if err := row.Scan(&p.Name, &p.Description, &p.Price, &limit); err != nil {
		return nil, err
	}
	if limit.Valid {
		p.LimitBytes = &limit.Int64
	}
	return &p, nil
}

func (s *Store) Plan(ctx context.Context, name string) (*tenant.Plan, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT name, description, price, storage_limit FROM plans WHERE name = ?",
		tenant.NormalizePlanName(name))
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenant.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return p, nil
}

func (s *Store) ListPlans(ctx context.Context) ([]tenant.Plan, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, description, price, storage_limit FROM plans ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []tenant.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

var _ tenant.Store = (*Store)(nil)
