package seeder

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/vnmchuo/tenant-gateway/internal/auth"
	"github.com/vnmchuo/tenant-gateway/internal/tenant"
)

const (
	DemoTenantName = "Acme"
	DemoAPIKey     = "gw_acme_demo_key_0000000000000000"
)

var demoLimits = tenant.Limits{RateLimitRPS: 100, MonthlyQuota: 1_000_000}

type Tenants interface {
	List(ctx context.Context) ([]*tenant.Tenant, error)
	Create(ctx context.Context, in tenant.CreateInput) (*tenant.Tenant, error)
}

type Keys interface {
	IssueWithSecret(ctx context.Context, t *tenant.Tenant, name, plaintext string) (*auth.APIKey, error)
}

type Authenticator interface {
	Authenticate(ctx context.Context, bearer string) (*auth.Principal, error)
}

// Seed creates the demo tenant and its inbound key. Running it again is a
// no-op.
func Seed(ctx context.Context, tenants Tenants, keys Keys, authn Authenticator, logger *zap.Logger) (*tenant.Tenant, error) {
	all, err := tenants.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	var acme *tenant.Tenant
	for _, t := range all {
		if t.Name == DemoTenantName {
			acme = t
			break
		}
	}
	if acme == nil {
		if acme, err = tenants.Create(ctx, tenant.CreateInput{Name: DemoTenantName, Limits: demoLimits}); err != nil {
			return nil, fmt.Errorf("create demo tenant: %w", err)
		}
		logger.Info("[seeder] demo tenant created", zap.String("tenant_id", acme.ID), zap.String("partition", acme.Partition))
	}

	if p, err := authn.Authenticate(ctx, DemoAPIKey); err == nil && p.TenantID == acme.ID {
		logger.Info("[seeder] demo key already present, skipping", zap.String("tenant_id", acme.ID))
		return acme, nil
	}
	if _, err := keys.IssueWithSecret(ctx, acme, "demo", DemoAPIKey); err != nil {
		return nil, fmt.Errorf("issue demo key: %w", err)
	}
	logger.Info("[seeder] demo key created", zap.String("tenant_id", acme.ID), zap.String("key", DemoAPIKey))
	return acme, nil
}
