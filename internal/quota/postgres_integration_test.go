package quota

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vnmchuo/tenant-gateway/internal/tenant"
)

func TestPostgresCounter_ConcurrentAdmissionsStopAtLimit(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	tn := &tenant.Tenant{ID: uuid.New().String(), Name: "Acme", Active: true}
	tn.Partition = tenant.PartitionName(tn.Name, time.Now())
	schemas := tenant.NewSchemaManager(pool, zap.NewNop())
	_, err = schemas.Provision(ctx, tn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = schemas.Drop(context.Background(), tn) })

	const (
		callers = 40
		limit   = 7
	)
	counter := NewPostgresCounter(pool)
	period := Period(time.Now())

	var (
		admitted atomic.Int64
		wg       sync.WaitGroup
		start    = make(chan struct{})
		errs     = make(chan error, callers)
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, ok, err := counter.Increment(ctx, tn.Handle(), period, limit)
			if err != nil {
				errs <- err
				return
			}
			if ok {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(limit), admitted.Load())

	current, err := counter.Current(ctx, tn.Handle(), period)
	require.NoError(t, err)
	assert.Equal(t, int64(limit), current)
}
