package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Tenant-local tables created in every partition.
const (
	TableAPIKeys           = "api_keys"
	TableVendorCredentials = "vendor_credentials"
	TableUsageRecords      = "usage_records"
	TableUsageAggregates   = "usage_aggregates"
	TableQuotaCounters     = "quota_counters"
)

var localTables = []string{
	TableAPIKeys,
	TableVendorCredentials,
	TableUsageRecords,
	TableUsageAggregates,
	TableQuotaCounters,
}

type SchemaDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SchemaManager provisions, verifies and drops tenant partitions.
type SchemaManager struct {
	db     SchemaDB
	logger *zap.Logger
}

func NewSchemaManager(db SchemaDB, logger *zap.Logger) *SchemaManager {
	return &SchemaManager{db: db, logger: logger}
}

func ownerMarker(tenantID string) (string, error) {
	id, err := uuid.Parse(tenantID)
	if err != nil {
		return "", fmt.Errorf("invalid tenant id %q: %w", tenantID, err)
	}
	return "tenant:" + id.String(), nil
}

func (m *SchemaManager) handle(t *Tenant) (Partition, string, error) {
	if err := ValidatePartition(t.Partition); err != nil {
		return Partition{}, "", err
	}
	marker, err := ownerMarker(t.ID)
	if err != nil {
		return Partition{}, "", err
	}
	return t.Handle(), marker, nil
}

// Provision creates the partition and its tables. Calling it again for the
// same tenant is a no-op. A schema of the same name owned by anyone else is
// ErrPartitionCollision and is left untouched.
func (m *SchemaManager) Provision(ctx context.Context, t *Tenant) (Partition, error) {
	p, marker, err := m.handle(t)
	if err != nil {
		return Partition{}, err
	}

	tx, err := m.db.Begin(ctx)
	if err != nil {
		return Partition{}, fmt.Errorf("begin provision %s: %w", p.Schema, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, p.Schema); err != nil {
		return Partition{}, fmt.Errorf("lock partition %s: %w", p.Schema, err)
	}

	owner, exists, err := schemaOwner(ctx, tx, p.Schema)
	if err != nil {
		return Partition{}, err
	}
	if exists && owner != marker {
		return Partition{}, fmt.Errorf("%w: %s", ErrPartitionCollision, p.Schema)
	}

	for _, stmt := range provisionStatements(p, marker) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return Partition{}, fmt.Errorf("provision %s: %w", p.Schema, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Partition{}, fmt.Errorf("commit provision %s: %w", p.Schema, err)
	}

	m.logger.Info("partition provisioned",
		zap.String("tenant_id", t.ID),
		zap.String("partition", p.Schema),
		zap.Bool("already_existed", exists),
	)
	return p, nil
}

// Verify checks that the partition exists, belongs to the tenant and holds
// every tenant-local table.
func (m *SchemaManager) Verify(ctx context.Context, t *Tenant) error {
	p, marker, err := m.handle(t)
	if err != nil {
		return err
	}

	owner, exists, err := schemaOwner(ctx, m.db, p.Schema)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrPartitionMissing, p.Schema)
	}
	if owner != marker {
		return fmt.Errorf("%w: %s", ErrPartitionCollision, p.Schema)
	}

	for _, table := range localTables {
		var found bool
		if err := m.db.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, p.Table(table)).Scan(&found); err != nil {
			return fmt.Errorf("verify %s: %w", p.Table(table), err)
		}
		if !found {
			return fmt.Errorf("%w: %s is missing", ErrPartitionMissing, p.Table(table))
		}
	}
	return nil
}

// Drop removes the partition and everything in it. Dropping a partition that
// is already gone is a no-op. A schema owned by another tenant is refused.
func (m *SchemaManager) Drop(ctx context.Context, t *Tenant) error {
	p, marker, err := m.handle(t)
	if err != nil {
		return err
	}

	tx, err := m.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin drop %s: %w", p.Schema, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, p.Schema); err != nil {
		return fmt.Errorf("lock partition %s: %w", p.Schema, err)
	}

	owner, exists, err := schemaOwner(ctx, tx, p.Schema)
	if err != nil {
		return err
	}
	if !exists {
		m.logger.Info("partition already dropped", zap.String("tenant_id", t.ID), zap.String("partition", p.Schema))
		return nil
	}
	if owner != marker {
		return fmt.Errorf("%w: refusing to drop %s", ErrPartitionCollision, p.Schema)
	}

	if _, err := tx.Exec(ctx, "DROP SCHEMA IF EXISTS "+p.Ident()+" CASCADE"); err != nil {
		return fmt.Errorf("drop %s: %w", p.Schema, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit drop %s: %w", p.Schema, err)
	}

	m.logger.Warn("partition dropped", zap.String("tenant_id", t.ID), zap.String("partition", p.Schema))
	return nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func schemaOwner(ctx context.Context, q rowQuerier, schema string) (string, bool, error) {
	var owner *string
	err := q.QueryRow(ctx,
		`SELECT obj_description(oid, 'pg_namespace') FROM pg_namespace WHERE nspname = $1`,
		schema,
	).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("look up partition %s: %w", schema, err)
	}
	if owner == nil {
		return "", true, nil
	}
	return *owner, true, nil
}

// provisionStatements is the ordered DDL for one partition. Every statement
// is safe to re-run.
func provisionStatements(p Partition, marker string) []string {
	return []string{
		"CREATE SCHEMA IF NOT EXISTS " + p.Ident(),
		// COMMENT takes no bind parameters; marker is built from a parsed UUID.
		fmt.Sprintf("COMMENT ON SCHEMA %s IS '%s'", p.Ident(), marker),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id            UUID PRIMARY KEY,
			key_hash      TEXT NOT NULL UNIQUE,
			name          TEXT NOT NULL DEFAULT '',
			active        BOOLEAN NOT NULL DEFAULT TRUE,
			usage_count   BIGINT NOT NULL DEFAULT 0,
			last_used_at  TIMESTAMPTZ,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			revoked_at    TIMESTAMPTZ
		)`, p.Table(TableAPIKeys)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			vendor      TEXT PRIMARY KEY,
			ciphertext  BYTEA NOT NULL,
			key_id      TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, p.Table(TableVendorCredentials)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			request_id      TEXT PRIMARY KEY,
			tenant_id       UUID NOT NULL,
			vendor          TEXT NOT NULL,
			model           TEXT NOT NULL,
			request         JSONB,
			response        JSONB,
			failure_reason  TEXT NOT NULL DEFAULT '',
			input_tokens    BIGINT CHECK (input_tokens >= 0),
			output_tokens   BIGINT CHECK (output_tokens >= 0),
			cost_usd        DOUBLE PRECISION NOT NULL DEFAULT 0,
			cost_status     TEXT NOT NULL,
			latency_ms      BIGINT NOT NULL DEFAULT 0,
			status          INTEGER NOT NULL,
			outcome         TEXT NOT NULL,
			fingerprint     TEXT NOT NULL,
			attempts        INTEGER NOT NULL DEFAULT 1,
			diagnostics     JSONB,
			source          TEXT NOT NULL DEFAULT 'proxy',
			created_at      TIMESTAMPTZ NOT NULL
		)`, p.Table(TableUsageRecords)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS usage_records_created_at_idx ON %s (created_at)`, p.Table(TableUsageRecords)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			day            DATE NOT NULL,
			vendor         TEXT NOT NULL,
			model          TEXT NOT NULL,
			request_count  BIGINT NOT NULL DEFAULT 0,
			input_tokens   BIGINT NOT NULL DEFAULT 0,
			output_tokens  BIGINT NOT NULL DEFAULT 0,
			cost_usd       DOUBLE PRECISION NOT NULL DEFAULT 0,
			PRIMARY KEY (day, vendor, model)
		)`, p.Table(TableUsageAggregates)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			period         TEXT PRIMARY KEY,
			request_count  BIGINT NOT NULL DEFAULT 0,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, p.Table(TableQuotaCounters)),
	}
}
