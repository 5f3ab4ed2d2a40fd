package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Registry tables live in the public schema and are shared by all tenants.
var registryStatements = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id               UUID PRIMARY KEY,
		name             TEXT NOT NULL,
		partition        TEXT NOT NULL UNIQUE,
		active           BOOLEAN NOT NULL DEFAULT FALSE,
		rate_limit_rps   INTEGER NOT NULL DEFAULT 0,
		monthly_quota    BIGINT NOT NULL DEFAULT 0,
		max_credentials  INTEGER NOT NULL DEFAULT 0,
		allowed_cidrs    TEXT[] NOT NULL DEFAULT '{}',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS api_key_routes (
		key_hash   TEXT PRIMARY KEY,
		key_id     UUID NOT NULL,
		tenant_id  UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS api_key_routes_tenant_idx ON api_key_routes (tenant_id)`,
}

// Migrate creates the shared registry tables.
func Migrate(ctx context.Context, db DB) error {
	for _, stmt := range registryStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate registry: %w", err)
		}
	}
	return nil
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

const tenantColumns = `id, name, partition, active, rate_limit_rps, monthly_quota, max_credentials, allowed_cidrs, created_at, updated_at`

func scanTenant(row pgx.Row) (*Tenant, error) {
	var t Tenant
	err := row.Scan(
		&t.ID, &t.Name, &t.Partition, &t.Active,
		&t.Limits.RateLimitRPS, &t.Limits.MonthlyQuota, &t.Limits.MaxCredentials, &t.Limits.AllowedCIDRs,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func cidrs(l Limits) []string {
	if l.AllowedCIDRs == nil {
		return []string{}
	}
	return l.AllowedCIDRs
}

func (s *PostgresStore) Create(ctx context.Context, t *Tenant) error {
	query := `
		INSERT INTO tenants (id, name, partition, active, rate_limit_rps, monthly_quota, max_credentials, allowed_cidrs)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`
	err := s.db.QueryRow(ctx, query,
		t.ID, t.Name, t.Partition, t.Active,
		t.Limits.RateLimitRPS, t.Limits.MonthlyQuota, t.Limits.MaxCredentials, cidrs(t.Limits),
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Tenant, error) {
	t, err := scanTenant(s.db.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.db.Query(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var out []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenants: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Update(ctx context.Context, t *Tenant) error {
	query := `
		UPDATE tenants
		SET name = $2, rate_limit_rps = $3, monthly_quota = $4, max_credentials = $5, allowed_cidrs = $6, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`
	err := s.db.QueryRow(ctx, query,
		t.ID, t.Name, t.Limits.RateLimitRPS, t.Limits.MonthlyQuota, t.Limits.MaxCredentials, cidrs(t.Limits),
	).Scan(&t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE tenants SET active = $2, updated_at = now() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("failed to set tenant active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
