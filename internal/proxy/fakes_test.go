package proxy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/tenant-gateway/internal/apperr"
	"github.com/vnmchuo/tenant-gateway/internal/auth"
	"github.com/vnmchuo/tenant-gateway/internal/ledger"
	"github.com/vnmchuo/tenant-gateway/internal/pricing"
	"github.com/vnmchuo/tenant-gateway/internal/provider"
	"github.com/vnmchuo/tenant-gateway/internal/telemetry"
	"github.com/vnmchuo/tenant-gateway/internal/tenant"
)

const (
	acmeKey     = "gw_acme"
	dormantKey  = "gw_dormant"
	acmeOpenAI  = "sk-acme-openai"
	testModel   = "gpt-4"
	testTimeout = 50 * time.Millisecond
)

type fakeAuth struct {
	principals map[string]*auth.Principal
}

func (f *fakeAuth) Authenticate(_ context.Context, bearer string) (*auth.Principal, error) {
	if p, ok := f.principals[bearer]; ok {
		return p, nil
	}
	return nil, apperr.InvalidCredential("invalid API key")
}

type fakeTenants struct {
	tenants map[string]*tenant.Tenant
}

func (f *fakeTenants) Resolve(_ context.Context, id string) (*tenant.Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return nil, apperr.InvalidCredential("unknown tenant")
	}
	if !t.Active {
		return nil, apperr.TenantInactive("tenant is inactive")
	}
	return t, nil
}

type fakeKeys struct {
	mu   sync.Mutex
	uses []string
}

func (f *fakeKeys) CountUse(_ context.Context, _ *tenant.Tenant, keyID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uses = append(f.uses, keyID)
}

type fakeQuota struct {
	err   error
	calls int
	used  int64
}

func (f *fakeQuota) Admit(context.Context, *tenant.Tenant) error {
	f.calls++
	return f.err
}

func (f *fakeQuota) Usage(context.Context, *tenant.Tenant) (int64, error) {
	return f.used, nil
}

type fakeCredentials struct {
	keys map[provider.Vendor]string
}

func (f *fakeCredentials) Resolve(_ context.Context, _ *tenant.Tenant, vendor provider.Vendor) (provider.Credential, error) {
	k, ok := f.keys[vendor]
	if !ok {
		return provider.Credential{}, apperr.CredentialMissing("no " + string(vendor) + " credential configured")
	}
	return provider.Credential{APIKey: k}, nil
}

// fakeAdapter answers each call with respond(n), where n counts from 1.
type fakeAdapter struct {
	mu      sync.Mutex
	vendor  provider.Vendor
	calls   int
	creds   []string
	deltas  []string
	respond func(ctx context.Context, n int) (*provider.Response, error)
}

func (a *fakeAdapter) Vendor() provider.Vendor { return a.vendor }

func (a *fakeAdapter) next(ctx context.Context, cred provider.Credential) (*provider.Response, error) {
	a.mu.Lock()
	a.calls++
	n := a.calls
	a.creds = append(a.creds, cred.APIKey)
	a.mu.Unlock()
	return a.respond(ctx, n)
}

func (a *fakeAdapter) Invoke(ctx context.Context, _ *provider.Request, cred provider.Credential) (*provider.Response, error) {
	return a.next(ctx, cred)
}

func (a *fakeAdapter) Stream(ctx context.Context, _ *provider.Request, cred provider.Credential, emit provider.Emit) (*provider.Response, error) {
	for _, d := range a.deltas {
		if err := emit(d); err != nil {
			f := provider.NewFailure(a.vendor, provider.FailureNetwork, "stream consumer: "+err.Error())
			f.Retryable = false
			return nil, f
		}
	}
	return a.next(ctx, cred)
}

func (a *fakeAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func okResponse(in, out int) func(context.Context, int) (*provider.Response, error) {
	return func(context.Context, int) (*provider.Response, error) {
		return &provider.Response{
			ID:           "chatcmpl-1",
			Vendor:       provider.VendorOpenAI,
			Model:        testModel,
			Content:      "Hello!",
			FinishReason: "stop",
			Usage:        provider.Usage{InputTokens: provider.Tokens(in), OutputTokens: provider.Tokens(out)},
		}, nil
	}
}

func failing(kind provider.FailureKind) func(context.Context, int) (*provider.Response, error) {
	return func(context.Context, int) (*provider.Response, error) {
		return nil, provider.NewFailure(provider.VendorOpenAI, kind, "scripted failure")
	}
}

type fakeLedger struct {
	mu      sync.Mutex
	err     error
	calls   int
	records []*ledger.Record
}

func (f *fakeLedger) Append(_ context.Context, _ *tenant.Tenant, r *ledger.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, r)
	return nil
}

type fakeSpool struct {
	mu      sync.Mutex
	records []*ledger.Record
}

func (f *fakeSpool) Enqueue(_ context.Context, rec *ledger.Record, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

type fixture struct {
	pipeline *Pipeline
	adapter  *fakeAdapter
	quota    *fakeQuota
	keys     *fakeKeys
	ledger   *fakeLedger
	spool    *fakeSpool
	metrics  *telemetry.Metrics
	tenant   *tenant.Tenant
}

// newFixture wires a pipeline for tenant "Acme" holding an OpenAI credential.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	acme := &tenant.Tenant{
		ID:     uuid.New().String(),
		Name:   "Acme",
		Active: true,
		Limits: tenant.Limits{RateLimitRPS: 100, MonthlyQuota: 1_000_000},
	}
	dormant := &tenant.Tenant{ID: uuid.New().String(), Name: "Dormant"}

	f := &fixture{
		adapter: &fakeAdapter{vendor: provider.VendorOpenAI, respond: okResponse(5, 10)},
		quota:   &fakeQuota{},
		keys:    &fakeKeys{},
		ledger:  &fakeLedger{},
		spool:   &fakeSpool{},
		metrics: telemetry.NewMetrics(prometheus.NewRegistry()),
		tenant:  acme,
	}
	prices, err := pricing.NewTable([]pricing.Entry{
		{Vendor: "openai", Model: testModel, InputPer1K: 0.03, OutputPer1K: 0.06},
	})
	if err != nil {
		t.Fatalf("price table: %v", err)
	}

	f.pipeline = NewPipeline(Deps{
		Auth: &fakeAuth{principals: map[string]*auth.Principal{
			acmeKey:    {KeyID: "key-acme", TenantID: acme.ID},
			dormantKey: {KeyID: "key-dormant", TenantID: dormant.ID},
		}},
		Tenants:     &fakeTenants{tenants: map[string]*tenant.Tenant{acme.ID: acme, dormant.ID: dormant}},
		Keys:        f.keys,
		Quota:       f.quota,
		Credentials: &fakeCredentials{keys: map[provider.Vendor]string{provider.VendorOpenAI: acmeOpenAI}},
		Router:      NewRouter(f.adapter),
		Prices:      prices,
		Ledger:      f.ledger,
		Spool:       f.spool,
		Metrics:     f.metrics,
		Tracer:      noop.NewTracerProvider().Tracer("test"),
		Logger:      zap.NewNop(),
	}, Config{
		VendorTimeout:     testTimeout,
		VendorMaxAttempts: 3,
		VendorBackoffBase: time.Millisecond,
		LedgerMaxAttempts: 3,
		LedgerBackoffBase: time.Millisecond,
		MaxRetryAfter:     100 * time.Millisecond,
	})
	return f
}

func chatRequest() *provider.Request {
	return &provider.Request{
		Model:    testModel,
		Messages: []provider.Message{{Role: "user", Content: "Hi"}},
	}
}

func acmeCall() *Call {
	return &Call{Bearer: acmeKey, ClientIP: "203.0.113.7", Vendor: "openai", Request: chatRequest()}
}
