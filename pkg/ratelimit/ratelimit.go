package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// StoreFactory builds a limiter store for one limit value.
type StoreFactory func(limit int) extratelimit.Limiter

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter that
// applies a per-tenant limit. Tenants sharing a limit share a store; the
// window is fixed for the whole limiter.
type Limiter struct {
	newStore StoreFactory

	mu     sync.Mutex
	stores map[int]extratelimit.Limiter
}

// NewLimiter returns a limiter counting requests per window in Redis.
func NewLimiter(rdb *redis.Client, window time.Duration) *Limiter {
	return NewTestLimiter(func(limit int) extratelimit.Limiter {
		return extratelimit.NewRedisStore(rdb,
			extratelimit.WithLimit(limit),
			extratelimit.WithWindow(window),
		)
	})
}

func NewTestLimiter(newStore StoreFactory) *Limiter {
	return &Limiter{newStore: newStore, stores: make(map[int]extratelimit.Limiter)}
}

func (l *Limiter) store(limit int) extratelimit.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stores[limit]
	if !ok {
		s = l.newStore(limit)
		l.stores[limit] = s
	}
	return s
}

func key(tenantID string) string {
	return fmt.Sprintf("ratelimit:tenant:%s", tenantID)
}

// Allow admits one request for the tenant. A limit of zero or less is
// unlimited.
func (l *Limiter) Allow(ctx context.Context, tenantID string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	res, err := l.store(limit).AllowN(ctx, key(tenantID), 1)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, tenantID string, limit int) (*extratelimit.Result, error) {
	return l.store(limit).Status(ctx, key(tenantID))
}
