package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vnmchuo/tenant-gateway/internal/tenant"
)

func TestPostgresStore_ConcurrentCreateRespectsLimit(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, tenant.Migrate(ctx, pool))

	const (
		callers = 20
		limit   = 3
	)
	svc := tenant.NewService(tenant.NewPostgresStore(pool), tenant.NewSchemaManager(pool, zap.NewNop()), zap.NewNop())
	tn, err := svc.Create(ctx, tenant.CreateInput{Name: "Acme", Limits: tenant.Limits{MaxCredentials: limit}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Delete(context.Background(), tn.ID) })

	store := NewPostgresStore(pool)
	var (
		created atomic.Int64
		limited atomic.Int64
		wg      sync.WaitGroup
		start   = make(chan struct{})
		errs    = make(chan error, callers)
	)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			k := &APIKey{Name: fmt.Sprintf("key-%d", i), KeyHash: hashKey(fmt.Sprintf("gw_%s_%d", tn.ID, i))}
			err := store.Create(ctx, tn.Handle(), k, limit)
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, ErrCredentialLimit):
				limited.Add(1)
			default:
				errs <- err
			}
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(limit), created.Load())
	assert.Equal(t, int64(callers-limit), limited.Load())

	keys, err := store.List(ctx, tn.Handle())
	require.NoError(t, err)
	assert.Len(t, keys, limit)
}
