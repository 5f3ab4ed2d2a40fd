package seeder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vnmchuo/tenant-gateway/internal/apperr"
	"github.com/vnmchuo/tenant-gateway/internal/auth"
	"github.com/vnmchuo/tenant-gateway/internal/tenant"
)

type fakeTenants struct {
	tenants []*tenant.Tenant
	created int
}

func (f *fakeTenants) List(context.Context) ([]*tenant.Tenant, error) {
	return f.tenants, nil
}

func (f *fakeTenants) Create(_ context.Context, in tenant.CreateInput) (*tenant.Tenant, error) {
	f.created++
	t := &tenant.Tenant{ID: "t-acme", Name: in.Name, Partition: "t_acme_1", Active: true, Limits: in.Limits}
	f.tenants = append(f.tenants, t)
	return t, nil
}

// fakeKeys doubles as the authenticator so issued keys become valid.
type fakeKeys struct {
	issued map[string]string
}

func (f *fakeKeys) IssueWithSecret(_ context.Context, t *tenant.Tenant, _, plaintext string) (*auth.APIKey, error) {
	f.issued[plaintext] = t.ID
	return &auth.APIKey{ID: "k1", TenantID: t.ID}, nil
}

func (f *fakeKeys) Authenticate(_ context.Context, bearer string) (*auth.Principal, error) {
	id, ok := f.issued[bearer]
	if !ok {
		return nil, apperr.InvalidCredential("invalid API key")
	}
	return &auth.Principal{KeyID: "k1", TenantID: id}, nil
}

func TestSeed_IsIdempotent(t *testing.T) {
	tenants := &fakeTenants{}
	keys := &fakeKeys{issued: map[string]string{}}

	first, err := Seed(context.Background(), tenants, keys, keys, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, DemoTenantName, first.Name)
	assert.Equal(t, 100, first.Limits.RateLimitRPS)
	assert.Equal(t, int64(1_000_000), first.Limits.MonthlyQuota)

	second, err := Seed(context.Background(), tenants, keys, keys, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, tenants.created)
	assert.Len(t, keys.issued, 1)
}
