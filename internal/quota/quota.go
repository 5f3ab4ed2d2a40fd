// Package quota admits requests against a tenant's per-second ceiling and
// monthly request quota.
package quota

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/tenant-gateway/internal/apperr"
	"github.com/vnmchuo/tenant-gateway/internal/tenant"
)

// Counter increments the period counter only while it is below limit.
// ok is false when the quota is exhausted and nothing was counted.
type Counter interface {
	Increment(ctx context.Context, p tenant.Partition, period string, limit int64) (count int64, ok bool, err error)
	Current(ctx context.Context, p tenant.Partition, period string) (int64, error)
}

// RateLimiter is satisfied by *ratelimit.Limiter.
type RateLimiter interface {
	Allow(ctx context.Context, tenantID string, limit int) (bool, error)
}

type Enforcer struct {
	rate    RateLimiter
	counter Counter
	logger  *zap.Logger
	now     func() time.Time
}

func NewEnforcer(rate RateLimiter, counter Counter, logger *zap.Logger) *Enforcer {
	return &Enforcer{rate: rate, counter: counter, logger: logger, now: time.Now}
}

// Period is the monthly counter key, e.g. "2024-05".
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// UntilNextPeriod is the time left until the next UTC month starts.
func UntilNextPeriod(t time.Time) time.Duration {
	t = t.UTC()
	next := time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	return next.Sub(t)
}

// Admit charges one request to the tenant. The rate ceiling is checked
// first so a throttled request does not consume monthly quota. A rate
// limiter outage admits the request; a counter outage does not.
func (e *Enforcer) Admit(ctx context.Context, t *tenant.Tenant) error {
	if t.Limits.RateLimitRPS > 0 {
		ok, err := e.rate.Allow(ctx, t.ID, t.Limits.RateLimitRPS)
		if err != nil {
			e.logger.Warn("rate limiter unavailable; admitting request",
				zap.String("tenant_id", t.ID), zap.Error(err))
		} else if !ok {
			return apperr.QuotaExceeded(
				fmt.Sprintf("rate limit of %d requests per second exceeded", t.Limits.RateLimitRPS), time.Second)
		}
	}

	if t.Limits.MonthlyQuota <= 0 {
		return nil
	}
	now := e.now()
	_, ok, err := e.counter.Increment(ctx, t.Handle(), Period(now), t.Limits.MonthlyQuota)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "quota check failed", err)
	}
	if !ok {
		return apperr.QuotaExceeded(
			fmt.Sprintf("monthly quota of %d requests exhausted", t.Limits.MonthlyQuota), UntilNextPeriod(now))
	}
	return nil
}

// Usage reports the requests counted this month.
func (e *Enforcer) Usage(ctx context.Context, t *tenant.Tenant) (int64, error) {
	n, err := e.counter.Current(ctx, t.Handle(), Period(e.now()))
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStorage, "read quota counter", err)
	}
	return n, nil
}
