package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vnmchuo/tenant-gateway/internal/pricing"
	"github.com/vnmchuo/tenant-gateway/internal/tenant"
)

type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

// Insert writes the record and, only if it was new, folds it into the daily
// aggregates in the same transaction.
func (s *PostgresStore) Insert(ctx context.Context, p tenant.Partition, r *Record) (bool, error) {
	var diagnostics []byte
	if r.Diagnostics != nil {
		b, err := json.Marshal(r.Diagnostics)
		if err != nil {
			return false, fmt.Errorf("failed to encode diagnostics: %w", err)
		}
		diagnostics = b
	}

	insert := fmt.Sprintf(`
		INSERT INTO %s (
			request_id, tenant_id, vendor, model, request, response, failure_reason,
			input_tokens, output_tokens, cost_usd, cost_status, latency_ms, status,
			outcome, fingerprint, attempts, diagnostics, source, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (request_id) DO NOTHING
	`, p.Table(tenant.TableUsageRecords))

	aggregate := fmt.Sprintf(`
		INSERT INTO %s AS a (day, vendor, model, request_count, input_tokens, output_tokens, cost_usd)
		VALUES (($1::timestamptz AT TIME ZONE 'UTC')::date, $2, $3, 1, $4, $5, $6)
		ON CONFLICT (day, vendor, model) DO UPDATE SET
			request_count = a.request_count + 1,
			input_tokens = a.input_tokens + EXCLUDED.input_tokens,
			output_tokens = a.output_tokens + EXCLUDED.output_tokens,
			cost_usd = a.cost_usd + EXCLUDED.cost_usd
	`, p.Table(tenant.TableUsageAggregates))

	var inserted bool
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insert,
			r.RequestID, r.TenantID, r.Vendor, r.Model, nullJSON(r.Request), nullJSON(r.Response), r.FailureReason,
			r.InputTokens, r.OutputTokens, r.CostUSD, string(r.CostStatus), r.LatencyMs, r.Status,
			string(r.Outcome), r.Fingerprint, r.Attempts, nullJSON(diagnostics), string(r.Source), r.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert usage record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		inserted = true

		_, err = tx.Exec(ctx, aggregate, r.CreatedAt, r.Vendor, r.Model,
			valueOrZero(r.InputTokens), valueOrZero(r.OutputTokens), r.CostUSD)
		if err != nil {
			return fmt.Errorf("failed to update usage aggregates: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (s *PostgresStore) Scan(ctx context.Context, p tenant.Partition, from, to time.Time, limit int) ([]*Record, error) {
	query := fmt.Sprintf(`
		SELECT request_id, tenant_id, vendor, model, request, response, failure_reason,
			input_tokens, output_tokens, cost_usd, cost_status, latency_ms, status,
			outcome, fingerprint, attempts, diagnostics, source, created_at
		FROM %s
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at, request_id
		LIMIT $3
	`, p.Table(tenant.TableUsageRecords))

	rows, err := s.db.Query(ctx, query, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var (
			r                               Record
			request, response, diagnostics []byte
			costStatus, outcome, source     string
		)
		err := rows.Scan(
			&r.RequestID, &r.TenantID, &r.Vendor, &r.Model, &request, &response, &r.FailureReason,
			&r.InputTokens, &r.OutputTokens, &r.CostUSD, &costStatus, &r.LatencyMs, &r.Status,
			&outcome, &r.Fingerprint, &r.Attempts, &diagnostics, &source, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		r.Request = request
		r.Response = response
		r.CostStatus = pricing.Status(costStatus)
		r.Outcome = Outcome(outcome)
		r.Source = Source(source)
		if len(diagnostics) > 0 {
			r.Diagnostics = &Diagnostics{}
			if err := json.Unmarshal(diagnostics, r.Diagnostics); err != nil {
				return nil, fmt.Errorf("failed to decode diagnostics: %w", err)
			}
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) Totals(ctx context.Context, p tenant.Partition, from, to time.Time) ([]Total, error) {
	query := fmt.Sprintf(`
		SELECT vendor, model, count(*),
			COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0),
			count(*) FILTER (WHERE cost_status <> 'computed')
		FROM %s
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY vendor, model
		ORDER BY vendor, model
	`, p.Table(tenant.TableUsageRecords))

	rows, err := s.db.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to sum usage records: %w", err)
	}
	defer rows.Close()

	var totals []Total
	for rows.Next() {
		var t Total
		if err := rows.Scan(&t.Vendor, &t.Model, &t.Requests, &t.InputTokens, &t.OutputTokens, &t.CostUSD, &t.IncompleteCost); err != nil {
			return nil, fmt.Errorf("failed to scan usage total: %w", err)
		}
		totals = append(totals, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage totals: %w", err)
	}
	return totals, nil
}

func (s *PostgresStore) Daily(ctx context.Context, p tenant.Partition, from, to time.Time) ([]DailyTotal, error) {
	query := fmt.Sprintf(`
		SELECT to_char(day, 'YYYY-MM-DD'), vendor, model, request_count, input_tokens, output_tokens, cost_usd
		FROM %s
		WHERE day BETWEEN ($1::timestamptz AT TIME ZONE 'UTC')::date AND ($2::timestamptz AT TIME ZONE 'UTC')::date
		ORDER BY day, vendor, model
	`, p.Table(tenant.TableUsageAggregates))

	rows, err := s.db.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage aggregates: %w", err)
	}
	defer rows.Close()

	var days []DailyTotal
	for rows.Next() {
		var d DailyTotal
		if err := rows.Scan(&d.Day, &d.Vendor, &d.Model, &d.Requests, &d.InputTokens, &d.OutputTokens, &d.CostUSD); err != nil {
			return nil, fmt.Errorf("failed to scan usage aggregate: %w", err)
		}
		days = append(days, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage aggregates: %w", err)
	}
	return days, nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func valueOrZero(n *int64) int64 {
	if n == nil {
		return 0
	}
	return *n
}
