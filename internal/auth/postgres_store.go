package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vnmchuo/tenant-gateway/internal/tenant"
)

type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Lookup(ctx context.Context, keyHash string) (*APIKey, error) {
	var tenantID, keyID, schema string
	err := s.db.QueryRow(ctx, `
		SELECT r.tenant_id, r.key_id, t.partition
		FROM api_key_routes r
		JOIN tenants t ON t.id = r.tenant_id
		WHERE r.key_hash = $1
	`, keyHash).Scan(&tenantID, &keyID, &schema)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to route api key: %w", err)
	}
	if err := tenant.ValidatePartition(schema); err != nil {
		return nil, err
	}
	p := tenant.Partition{TenantID: tenantID, Schema: schema}

	query := fmt.Sprintf(`
		SELECT id, name, key_hash, active, usage_count, last_used_at, created_at
		FROM %s
		WHERE id = $1 AND key_hash = $2 AND active = true
	`, p.Table(tenant.TableAPIKeys))

	k := APIKey{TenantID: tenantID}
	err = s.db.QueryRow(ctx, query, keyID, keyHash).Scan(
		&k.ID, &k.Name, &k.KeyHash, &k.Active, &k.UsageCount, &k.LastUsedAt, &k.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return &k, nil
}

// Create inserts the key and its route. maxActive of zero means no limit.
// The active-key count and the insert run under a per-partition advisory
// lock so concurrent creates cannot both pass the limit.
func (s *PostgresStore) Create(ctx context.Context, p tenant.Partition, apiKey *APIKey, maxActive int) error {
	if apiKey.KeyHash == "" {
		return fmt.Errorf("key_hash is required")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create api key: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, p.Schema+"/api_keys"); err != nil {
		return fmt.Errorf("lock api keys of %s: %w", p.Schema, err)
	}

	table := p.Table(tenant.TableAPIKeys)
	if maxActive > 0 {
		var active int
		if err := tx.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE active`, table)).Scan(&active); err != nil {
			return fmt.Errorf("failed to count api keys: %w", err)
		}
		if active >= maxActive {
			return ErrCredentialLimit
		}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, key_hash, name, active)
		VALUES (gen_random_uuid(), $1, $2, true)
		RETURNING id, created_at
	`, table)
	if err := tx.QueryRow(ctx, query, apiKey.KeyHash, apiKey.Name).Scan(&apiKey.ID, &apiKey.CreatedAt); err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO api_key_routes (key_hash, key_id, tenant_id) VALUES ($1, $2, $3)`,
		apiKey.KeyHash, apiKey.ID, p.TenantID); err != nil {
		return fmt.Errorf("failed to route api key: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create api key: %w", err)
	}
	apiKey.Active = true
	return nil
}

func (s *PostgresStore) List(ctx context.Context, p tenant.Partition) ([]*APIKey, error) {
	query := fmt.Sprintf(`
		SELECT id, name, key_hash, active, usage_count, last_used_at, created_at
		FROM %s
		ORDER BY created_at
	`, p.Table(tenant.TableAPIKeys))

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		k := APIKey{TenantID: p.TenantID}
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.Active, &k.UsageCount, &k.LastUsedAt, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating api keys: %w", err)
	}
	return keys, nil
}

func (s *PostgresStore) Revoke(ctx context.Context, p tenant.Partition, keyID string) (string, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET active = false, revoked_at = now()
		WHERE id = $1 AND active = true
		RETURNING key_hash
	`, p.Table(tenant.TableAPIKeys))

	var keyHash string
	if err := s.db.QueryRow(ctx, query, keyID).Scan(&keyHash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrKeyNotFound
		}
		return "", fmt.Errorf("failed to revoke api key: %w", err)
	}

	if _, err := s.db.Exec(ctx, `DELETE FROM api_key_routes WHERE key_hash = $1`, keyHash); err != nil {
		return keyHash, fmt.Errorf("failed to remove api key route: %w", err)
	}
	return keyHash, nil
}

func (s *PostgresStore) Touch(ctx context.Context, p tenant.Partition, keyID string) error {
	query := fmt.Sprintf(`UPDATE %s SET usage_count = usage_count + 1, last_used_at = now() WHERE id = $1`,
		p.Table(tenant.TableAPIKeys))
	if _, err := s.db.Exec(ctx, query, keyID); err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}
	return nil
}
