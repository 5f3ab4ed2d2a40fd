package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vnmchuo/tenant-gateway/internal/tenant"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresCounter struct {
	db DB
}

func NewPostgresCounter(db DB) Counter {
	return &PostgresCounter{db: db}
}

// Increment is a single conditional upsert so concurrent requests cannot
// both pass a check made before either increments.
func (c *PostgresCounter) Increment(ctx context.Context, p tenant.Partition, period string, limit int64) (int64, bool, error) {
	table := p.Table(tenant.TableQuotaCounters)
	query := fmt.Sprintf(`
		INSERT INTO %s AS q (period, request_count)
		SELECT $1, 1 WHERE $2::bigint > 0
		ON CONFLICT (period) DO UPDATE
		SET request_count = q.request_count + 1, updated_at = now()
		WHERE q.request_count < $2::bigint
		RETURNING request_count
	`, table)

	var count int64
	err := c.db.QueryRow(ctx, query, period, limit).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to increment quota counter: %w", err)
	}
	return count, true, nil
}

func (c *PostgresCounter) Current(ctx context.Context, p tenant.Partition, period string) (int64, error) {
	query := fmt.Sprintf(`SELECT request_count FROM %s WHERE period = $1`, p.Table(tenant.TableQuotaCounters))
	var count int64
	if err := c.db.QueryRow(ctx, query, period).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read quota counter: %w", err)
	}
	return count, nil
}
