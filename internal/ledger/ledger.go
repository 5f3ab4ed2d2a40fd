// Package ledger is the append-only store of usage and cost records, one
// table per tenant partition.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/tenant-gateway/internal/apperr"
	"github.com/vnmchuo/tenant-gateway/internal/tenant"
)

// MaxBatch bounds one appendBatch call.
const MaxBatch = 1000

// Total sums records for one vendor and model.
type Total struct {
	Vendor         string  `json:"vendor"`
	Model          string  `json:"model"`
	Requests       int64   `json:"requests"`
	InputTokens    int64   `json:"input_tokens"`
	OutputTokens   int64   `json:"output_tokens"`
	CostUSD        float64 `json:"cost_usd"`
	IncompleteCost int64   `json:"incomplete_cost_records"`
}

// DailyTotal is a row of the per-day aggregate counters.
type DailyTotal struct {
	Day          string  `json:"day"`
	Vendor       string  `json:"vendor"`
	Model        string  `json:"model"`
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Store writes records into a partition. Insert reports false when a record
// with the same request id already exists; nothing is changed in that case.
type Store interface {
	Insert(ctx context.Context, p tenant.Partition, r *Record) (bool, error)
	Scan(ctx context.Context, p tenant.Partition, from, to time.Time, limit int) ([]*Record, error)
	Totals(ctx context.Context, p tenant.Partition, from, to time.Time) ([]Total, error)
	Daily(ctx context.Context, p tenant.Partition, from, to time.Time) ([]DailyTotal, error)
}

// TenantGetter is satisfied by *tenant.Service.
type TenantGetter interface {
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
}

type Ledger struct {
	store   Store
	tenants TenantGetter
	logger  *zap.Logger
}

func New(store Store, tenants TenantGetter, logger *zap.Logger) *Ledger {
	return &Ledger{store: store, tenants: tenants, logger: logger}
}

// Append stores r in the tenant's partition. Appending a request id that is
// already stored succeeds without changing anything.
func (l *Ledger) Append(ctx context.Context, t *tenant.Tenant, r *Record) error {
	r.Normalize()
	if err := r.Validate(); err != nil {
		return apperr.InvalidRequest(err.Error())
	}
	if r.TenantID != t.ID {
		return apperr.InvalidRequest("record belongs to another tenant")
	}
	inserted, err := l.store.Insert(ctx, t.Handle(), r)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "append usage record", err)
	}
	if !inserted {
		l.logger.Debug("duplicate usage record ignored",
			zap.String("tenant_id", t.ID), zap.String("request_id", r.RequestID))
	}
	return nil
}

// Replay appends a record written earlier by the proxy. The tenant's active
// flag is not checked: the request was admitted when it ran.
func (l *Ledger) Replay(ctx context.Context, r *Record) error {
	t, err := l.tenants.Get(ctx, r.TenantID)
	if err != nil {
		return err
	}
	return l.Append(ctx, t, r)
}

// Rejection explains why one batch item was not stored.
type Rejection struct {
	Index     int    `json:"index"`
	RequestID string `json:"request_id,omitempty"`
	Reason    string `json:"reason"`
}

// BatchResult counts duplicates as accepted: the caller may drop them.
type BatchResult struct {
	Accepted   int         `json:"accepted"`
	Duplicates int         `json:"duplicates"`
	Rejected   []Rejection `json:"rejected"`
}

// AppendBatch stores each record on its own. A bad record is rejected with a
// reason and does not stop the rest of the batch.
func (l *Ledger) AppendBatch(ctx context.Context, records []*Record) (*BatchResult, error) {
	if len(records) > MaxBatch {
		return nil, apperr.InvalidRequest(fmt.Sprintf("batch holds %d records; at most %d allowed", len(records), MaxBatch))
	}

	res := &BatchResult{Rejected: []Rejection{}}
	tenants := map[string]*tenant.Tenant{}
	reject := func(i int, r *Record, reason string) {
		res.Rejected = append(res.Rejected, Rejection{Index: i, RequestID: r.RequestID, Reason: reason})
	}

	for i, r := range records {
		if r == nil {
			res.Rejected = append(res.Rejected, Rejection{Index: i, Reason: "record is null"})
			continue
		}
		r.Normalize()
		if err := r.Validate(); err != nil {
			reject(i, r, err.Error())
			continue
		}

		t, ok := tenants[r.TenantID]
		if !ok {
			var err error
			t, err = l.tenants.Get(ctx, r.TenantID)
			if err != nil {
				if !apperr.Is(err, apperr.KindNotFound) {
					return res, err
				}
				t = nil
			}
			tenants[r.TenantID] = t
		}
		if t == nil {
			reject(i, r, "unknown tenant")
			continue
		}
		if !t.Active {
			reject(i, r, "tenant is inactive")
			continue
		}

		inserted, err := l.store.Insert(ctx, t.Handle(), r)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return res, apperr.Wrap(apperr.KindStorage, "append usage batch", err)
			}
			l.logger.Error("failed to append usage record",
				zap.String("tenant_id", r.TenantID), zap.String("request_id", r.RequestID), zap.Error(err))
			reject(i, r, "storage error")
			continue
		}
		res.Accepted++
		if !inserted {
			res.Duplicates++
		}
	}
	return res, nil
}

// Scan returns records in [from, to) in write order.
func (l *Ledger) Scan(ctx context.Context, t *tenant.Tenant, from, to time.Time, limit int) ([]*Record, error) {
	if !from.Before(to) {
		return nil, apperr.InvalidRequest("from must be before to")
	}
	if limit <= 0 || limit > MaxBatch {
		limit = MaxBatch
	}
	recs, err := l.store.Scan(ctx, t.Handle(), from, to, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "scan usage records", err)
	}
	return recs, nil
}

func (l *Ledger) Totals(ctx context.Context, t *tenant.Tenant, from, to time.Time) ([]Total, error) {
	if !from.Before(to) {
		return nil, apperr.InvalidRequest("from must be before to")
	}
	totals, err := l.store.Totals(ctx, t.Handle(), from, to)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "sum usage records", err)
	}
	return totals, nil
}

// Daily reads the aggregate counters for the UTC days covering [from, to].
func (l *Ledger) Daily(ctx context.Context, t *tenant.Tenant, from, to time.Time) ([]DailyTotal, error) {
	if to.Before(from) {
		return nil, apperr.InvalidRequest("from must not be after to")
	}
	days, err := l.store.Daily(ctx, t.Handle(), from, to)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "read daily usage", err)
	}
	return days, nil
}
