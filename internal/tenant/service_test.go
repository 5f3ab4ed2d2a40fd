package tenant

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vnmchuo/tenant-gateway/internal/apperr"
)

type memStore struct {
	mu      sync.Mutex
	tenants map[string]*Tenant
	failDel error
}

func newMemStore() *memStore {
	return &memStore{tenants: make(map[string]*Tenant)}
}

func (s *memStore) Create(_ context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tenants[t.ID] = &cp
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) List(_ context.Context) ([]*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Tenant
	for _, t := range s.tenants {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memStore) Update(_ context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tenants[t.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Name = t.Name
	cur.Limits = t.Limits
	return nil
}

func (s *memStore) SetActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return ErrNotFound
	}
	t.Active = active
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDel != nil {
		err := s.failDel
		s.failDel = nil
		return err
	}
	if _, ok := s.tenants[id]; !ok {
		return ErrNotFound
	}
	delete(s.tenants, id)
	return nil
}

// memSchemas models partitions as schema name -> owning tenant id.
type memSchemas struct {
	mu         sync.Mutex
	owners     map[string]string
	provisions int
	drops      int
	failNext   error
}

func newMemSchemas() *memSchemas {
	return &memSchemas{owners: make(map[string]string)}
}

func (m *memSchemas) Provision(_ context.Context, t *Tenant) (Partition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provisions++
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return Partition{}, err
	}
	if owner, ok := m.owners[t.Partition]; ok && owner != t.ID {
		return Partition{}, ErrPartitionCollision
	}
	m.owners[t.Partition] = t.ID
	return t.Handle(), nil
}

func (m *memSchemas) Verify(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[t.Partition] != t.ID {
		return ErrPartitionMissing
	}
	return nil
}

func (m *memSchemas) Drop(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drops++
	delete(m.owners, t.Partition)
	return nil
}

func (m *memSchemas) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.owners)
}

func newTestService() (*Service, *memStore, *memSchemas) {
	store := newMemStore()
	schemas := newMemSchemas()
	return NewService(store, schemas, zap.NewNop()), store, schemas
}

func acmeInput() CreateInput {
	return CreateInput{Name: "Acme", Limits: Limits{RateLimitRPS: 100, MonthlyQuota: 1_000_000}}
}

func TestCreate(t *testing.T) {
	svc, store, schemas := newTestService()

	tn, err := svc.Create(context.Background(), acmeInput())
	require.NoError(t, err)

	assert.True(t, tn.Active)
	assert.NoError(t, ValidatePartition(tn.Partition))
	assert.Equal(t, 1, schemas.count())

	stored, err := store.Get(context.Background(), tn.ID)
	require.NoError(t, err)
	assert.True(t, stored.Active)
	assert.Equal(t, int64(1_000_000), stored.Limits.MonthlyQuota)
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.Create(context.Background(), CreateInput{Name: "  "})
	assert.True(t, apperr.Is(err, apperr.KindInvalidRequest))

	_, err = svc.Create(context.Background(), CreateInput{Name: "Acme", Limits: Limits{AllowedCIDRs: []string{"nope"}}})
	assert.True(t, apperr.Is(err, apperr.KindInvalidRequest))
}

func TestCreate_ProvisionFailureLeavesInactiveRow(t *testing.T) {
	svc, store, schemas := newTestService()
	schemas.failNext = errors.New("connection reset")

	_, err := svc.Create(context.Background(), acmeInput())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindStorage))

	list, _ := store.List(context.Background())
	require.Len(t, list, 1)
	assert.False(t, list[0].Active)

	// Retrying the provision hook completes the work; activation then succeeds.
	_, err = svc.Provision(context.Background(), list[0].ID)
	require.NoError(t, err)

	active := true
	tn, err := svc.Update(context.Background(), list[0].ID, UpdateInput{Active: &active})
	require.NoError(t, err)
	assert.True(t, tn.Active)
}

func TestCreate_CollisionIsFatal(t *testing.T) {
	svc, store, schemas := newTestService()
	fixed := svc.now()
	svc.now = func() time.Time { return fixed }

	first, err := svc.Create(context.Background(), acmeInput())
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), acmeInput())
	require.Error(t, err)

	list, _ := store.List(context.Background())
	require.Len(t, list, 1, "the colliding tenant row is discarded")
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, first.ID, schemas.owners[first.Partition], "existing partition untouched")
}

func TestProvision_Idempotent(t *testing.T) {
	svc, _, schemas := newTestService()
	tn, err := svc.Create(context.Background(), acmeInput())
	require.NoError(t, err)

	p1, err := svc.Provision(context.Background(), tn.ID)
	require.NoError(t, err)
	p2, err := svc.Provision(context.Background(), tn.ID)
	require.NoError(t, err)

	assert.Equal(t, p1, p2)
	assert.Equal(t, 1, schemas.count())
}

func TestDelete_TwiceIsNoop(t *testing.T) {
	svc, store, schemas := newTestService()
	tn, err := svc.Create(context.Background(), acmeInput())
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), tn.ID))
	require.NoError(t, svc.Delete(context.Background(), tn.ID))

	assert.Equal(t, 0, schemas.count())
	_, err = store.Get(context.Background(), tn.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, schemas.drops)
}

func TestDelete_PartialFailureIsRetryable(t *testing.T) {
	svc, store, schemas := newTestService()
	tn, err := svc.Create(context.Background(), acmeInput())
	require.NoError(t, err)

	store.failDel = errors.New("connection reset")
	err = svc.Delete(context.Background(), tn.ID)
	require.Error(t, err)
	assert.Equal(t, 0, schemas.count(), "partition is gone even though the row remains")

	stored, err := store.Get(context.Background(), tn.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active, "a half-deleted tenant is never active")

	require.NoError(t, svc.Delete(context.Background(), tn.ID))
	_, err = store.Get(context.Background(), tn.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdate_ActivationRequiresPartition(t *testing.T) {
	svc, store, schemas := newTestService()
	tn, err := svc.Create(context.Background(), acmeInput())
	require.NoError(t, err)

	inactive := false
	_, err = svc.Update(context.Background(), tn.ID, UpdateInput{Active: &inactive})
	require.NoError(t, err)

	delete(schemas.owners, tn.Partition)
	active := true
	_, err = svc.Update(context.Background(), tn.ID, UpdateInput{Active: &active})
	assert.True(t, apperr.Is(err, apperr.KindInvalidRequest))

	stored, _ := store.Get(context.Background(), tn.ID)
	assert.False(t, stored.Active)
}

func TestUpdate_Limits(t *testing.T) {
	svc, _, _ := newTestService()
	tn, err := svc.Create(context.Background(), acmeInput())
	require.NoError(t, err)

	limits := Limits{RateLimitRPS: 5, MonthlyQuota: 10, MaxCredentials: 2}
	got, err := svc.Update(context.Background(), tn.ID, UpdateInput{Limits: &limits})
	require.NoError(t, err)
	assert.Equal(t, limits, got.Limits)
	assert.Equal(t, tn.Partition, got.Partition, "renames never move the partition")
}

func TestResolve(t *testing.T) {
	svc, _, _ := newTestService()
	tn, err := svc.Create(context.Background(), acmeInput())
	require.NoError(t, err)

	got, err := svc.Resolve(context.Background(), tn.ID)
	require.NoError(t, err)
	assert.Equal(t, tn.ID, got.ID)

	inactive := false
	_, err = svc.Update(context.Background(), tn.ID, UpdateInput{Active: &inactive})
	require.NoError(t, err)

	_, err = svc.Resolve(context.Background(), tn.ID)
	assert.True(t, apperr.Is(err, apperr.KindTenantInactive))

	_, err = svc.Resolve(context.Background(), "00000000-0000-0000-0000-00000000dead")
	assert.True(t, apperr.Is(err, apperr.KindInvalidCredential))
}
