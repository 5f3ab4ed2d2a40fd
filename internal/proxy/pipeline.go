package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/tenant-gateway/internal/apperr"
	"github.com/vnmchuo/tenant-gateway/internal/auth"
	"github.com/vnmchuo/tenant-gateway/internal/ledger"
	"github.com/vnmchuo/tenant-gateway/internal/pricing"
	"github.com/vnmchuo/tenant-gateway/internal/provider"
	"github.com/vnmchuo/tenant-gateway/internal/telemetry"
	"github.com/vnmchuo/tenant-gateway/internal/tenant"
)

// State is a step of the request state machine. Each request moves forward
// only; the terminal states end it early.
type State string

const (
	StateReceived           State = "Received"
	StateAuthenticated      State = "Authenticated"
	StateTenantResolved     State = "TenantResolved"
	StateCredentialResolved State = "CredentialResolved"
	StateVendorInvoked      State = "VendorInvoked"
	StateCosted             State = "Costed"
	StateLogged             State = "Logged"
	StateResponded          State = "Responded"

	StateAuthFailed        State = "AuthFailed"
	StatePermissionDenied  State = "PermissionDenied"
	StateTenantInactive    State = "TenantInactive"
	StateInvalidRequest    State = "InvalidRequest"
	StateQuotaExceeded     State = "QuotaExceeded"
	StateCredentialMissing State = "CredentialMissing"
	StateVendorFailed      State = "VendorFailed"
	StateFailed            State = "Failed"
)

type Authenticator interface {
	Authenticate(ctx context.Context, bearer string) (*auth.Principal, error)
}

type TenantResolver interface {
	Resolve(ctx context.Context, id string) (*tenant.Tenant, error)
}

type KeyCounter interface {
	CountUse(ctx context.Context, t *tenant.Tenant, keyID string)
}

type Admitter interface {
	Admit(ctx context.Context, t *tenant.Tenant) error
}

type CredentialResolver interface {
	Resolve(ctx context.Context, t *tenant.Tenant, vendor provider.Vendor) (provider.Credential, error)
}

type Pricer interface {
	Cost(vendor, model string, inputTokens, outputTokens *int64, at time.Time) (pricing.Cost, error)
}

type Recorder interface {
	Append(ctx context.Context, t *tenant.Tenant, r *ledger.Record) error
}

type Spooler interface {
	Enqueue(ctx context.Context, rec *ledger.Record, cause error) error
}

// Config is the retry policy for vendor calls and ledger writes.
type Config struct {
	VendorTimeout     time.Duration
	VendorMaxAttempts int
	VendorBackoffBase time.Duration
	LedgerMaxAttempts int
	LedgerBackoffBase time.Duration
	// MaxRetryAfter caps how long a vendor Retry-After hint is honoured
	// inside one request. Longer hints are returned to the caller.
	MaxRetryAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		VendorTimeout:     60 * time.Second,
		VendorMaxAttempts: 3,
		VendorBackoffBase: 500 * time.Millisecond,
		LedgerMaxAttempts: 3,
		LedgerBackoffBase: 200 * time.Millisecond,
		MaxRetryAfter:     10 * time.Second,
	}
}

// Deps are the collaborators the pipeline drives.
type Deps struct {
	Auth        Authenticator
	Tenants     TenantResolver
	Keys        KeyCounter
	Quota       Admitter
	Credentials CredentialResolver
	Router      *Router
	Prices      Pricer
	Ledger      Recorder
	Spool       Spooler
	Metrics     *telemetry.Metrics
	Tracer      trace.Tracer
	Logger      *zap.Logger
}

type Pipeline struct {
	Deps
	cfg Config
	now func() time.Time

	inflight sync.WaitGroup
}

func NewPipeline(d Deps, cfg Config) *Pipeline {
	def := DefaultConfig()
	if cfg.VendorTimeout <= 0 {
		cfg.VendorTimeout = def.VendorTimeout
	}
	if cfg.VendorMaxAttempts < 1 {
		cfg.VendorMaxAttempts = def.VendorMaxAttempts
	}
	if cfg.VendorBackoffBase <= 0 {
		cfg.VendorBackoffBase = def.VendorBackoffBase
	}
	if cfg.LedgerMaxAttempts < 1 {
		cfg.LedgerMaxAttempts = def.LedgerMaxAttempts
	}
	if cfg.LedgerBackoffBase <= 0 {
		cfg.LedgerBackoffBase = def.LedgerBackoffBase
	}
	if cfg.MaxRetryAfter <= 0 {
		cfg.MaxRetryAfter = def.MaxRetryAfter
	}
	return &Pipeline{Deps: d, cfg: cfg, now: time.Now}
}

// Call is one inbound proxy request. DecodeErr carries a body that could not
// be parsed; it is reported only after the caller has authenticated.
type Call struct {
	RequestID string
	Bearer    string
	ClientIP  string
	Vendor    string
	Request   *provider.Request
	DecodeErr error
}

// Result is what the caller receives. Err is set for every terminal state
// other than Responded.
type Result struct {
	RequestID string
	State     State
	Response  *provider.Response
	Cost      pricing.Cost
	Attempts  int
	Err       error
}

// run is the per-request state shared by the stages.
type run struct {
	call     *Call
	state    State
	tenant   *tenant.Tenant
	keyID    string
	vendor   provider.Vendor
	payload  []byte
	started  time.Time
	attempts []ledger.Attempt
	resp     *provider.Response
	failure  *provider.Failure
	usage    provider.Usage
	cost     pricing.Cost
	err      error

	consumerGone bool
}

// Run drives one request through the state machine. emit is nil for
// non-streamed calls. A ledger record is written for every request that
// reached an active tenant, whatever the outcome.
func (p *Pipeline) Run(ctx context.Context, call *Call, emit provider.Emit) *Result {
	p.inflight.Add(1)
	defer p.inflight.Done()

	if call.RequestID == "" {
		call.RequestID = uuid.New().String()
	}
	ctx, span := p.Tracer.Start(ctx, "proxy.pipeline")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", call.RequestID),
		attribute.String("vendor", call.Vendor),
	)

	r := &run{call: call, state: StateReceived, started: p.now()}
	p.execute(ctx, r, emit)
	if r.err == nil {
		r.state = StateResponded
	}

	if r.err != nil {
		span.SetStatus(codes.Error, string(r.state))
	}
	span.SetAttributes(attribute.String("state", string(r.state)))
	p.Metrics.Requests.WithLabelValues(string(r.vendor), string(r.state)).Inc()

	return &Result{
		RequestID: call.RequestID,
		State:     r.state,
		Response:  r.resp,
		Cost:      r.cost,
		Attempts:  len(r.attempts),
		Err:       r.err,
	}
}

// Wait blocks until every Run in progress has returned, or ctx ends. Runs
// keep writing to the ledger and spool after their caller is gone, so those
// must stay open until Wait returns.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) execute(ctx context.Context, r *run, emit provider.Emit) {
	principal, err := p.authenticate(ctx, r)
	if err != nil {
		r.fail(StateAuthFailed, err)
		return
	}
	r.keyID = principal.KeyID
	r.state = StateAuthenticated

	t, err := p.Tenants.Resolve(ctx, principal.TenantID)
	if err != nil {
		switch {
		case apperr.Is(err, apperr.KindTenantInactive):
			r.fail(StateTenantInactive, err)
		case apperr.Is(err, apperr.KindInvalidCredential):
			r.fail(StateAuthFailed, err)
		default:
			r.fail(StateFailed, err)
		}
		return
	}
	if !t.Limits.AllowsIP(r.call.ClientIP) {
		p.Logger.Warn("client address not in tenant allow-list",
			zap.String("tenant_id", t.ID), zap.String("client_ip", r.call.ClientIP))
		r.fail(StatePermissionDenied, apperr.PermissionDenied("client address is not allowed for this tenant"))
		return
	}
	r.tenant = t
	r.state = StateTenantResolved
	p.Keys.CountUse(context.WithoutCancel(ctx), t, r.keyID)

	// From here on the tenant is known and every outcome is recorded.
	defer p.record(ctx, r)

	adapter, err := p.validate(r)
	if err != nil {
		r.fail(StateInvalidRequest, err)
		return
	}

	if err := p.admit(ctx, r); err != nil {
		if apperr.Is(err, apperr.KindQuotaExceeded) {
			r.fail(StateQuotaExceeded, err)
		} else {
			r.fail(StateFailed, err)
		}
		return
	}

	cred, err := p.Credentials.Resolve(ctx, t, r.vendor)
	if err != nil {
		if apperr.Is(err, apperr.KindCredentialMissing) {
			r.fail(StateCredentialMissing, err)
		} else {
			r.fail(StateFailed, err)
		}
		return
	}
	r.state = StateCredentialResolved

	p.invoke(ctx, r, adapter, cred, emit)
}

func (p *Pipeline) authenticate(ctx context.Context, r *run) (*auth.Principal, error) {
	ctx, span := p.Tracer.Start(ctx, "proxy.authenticate")
	defer span.End()
	return p.Auth.Authenticate(ctx, r.call.Bearer)
}

func (p *Pipeline) validate(r *run) (provider.Adapter, error) {
	req := r.call.Request
	if req != nil {
		r.payload, _ = json.Marshal(req)
	}
	vendor, err := provider.ParseVendor(r.call.Vendor)
	if err != nil {
		return nil, apperr.NotFound(err.Error())
	}
	r.vendor = vendor
	var tooLarge *http.MaxBytesError
	if errors.As(r.call.DecodeErr, &tooLarge) {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), r.call.DecodeErr)
	}
	if r.call.DecodeErr != nil {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, "request body is not valid JSON", r.call.DecodeErr)
	}
	if req == nil {
		return nil, apperr.InvalidRequest("request body is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperr.InvalidRequest(err.Error())
	}
	return p.Router.Route(vendor)
}

func (p *Pipeline) admit(ctx context.Context, r *run) error {
	ctx, span := p.Tracer.Start(ctx, "proxy.admit")
	defer span.End()
	return p.Quota.Admit(ctx, r.tenant)
}

// invoke calls the vendor under the retry policy. The call is detached from
// the inbound context so a departed client does not orphan a billed call.
func (p *Pipeline) invoke(ctx context.Context, r *run, a provider.Adapter, cred provider.Credential, emit provider.Emit) {
	ctx, span := p.Tracer.Start(ctx, "proxy.invoke_vendor")
	defer span.End()

	detached := context.WithoutCancel(ctx)
	streamed := emit != nil
	var emitted bool
	// A consumer that goes away stops receiving deltas, but the vendor
	// stream is read to its end so the final usage is still recorded.
	forward := func(delta string) error {
		emitted = true
		if r.consumerGone {
			return nil
		}
		if err := emit(delta); err != nil {
			r.consumerGone = true
			p.Logger.Info("stream consumer gone; draining vendor stream",
				zap.String("request_id", r.call.RequestID),
				zap.String("vendor", string(r.vendor)),
				zap.Error(err))
		}
		return nil
	}

	op := func() (*provider.Response, error) {
		attemptCtx, cancel := context.WithTimeout(detached, p.cfg.VendorTimeout)
		defer cancel()

		start := p.now()
		var (
			resp *provider.Response
			err  error
		)
		if streamed {
			resp, err = p.Router.ExecuteStream(attemptCtx, a, r.call.Request, cred, forward)
		} else {
			resp, err = p.Router.Execute(attemptCtx, a, r.call.Request, cred)
		}
		elapsed := p.now().Sub(start)
		p.Metrics.VendorLatency.WithLabelValues(string(r.vendor)).Observe(elapsed.Seconds())

		if err == nil {
			r.failure = nil
			r.attempts = append(r.attempts, ledger.Attempt{
				Number: len(r.attempts) + 1, Result: "ok", Status: 200, LatencyMs: elapsed.Milliseconds(),
			})
			p.Metrics.VendorAttempts.WithLabelValues(string(r.vendor), "ok").Inc()
			return resp, nil
		}

		f := provider.AsFailure(r.vendor, err)
		r.failure = f
		r.attempts = append(r.attempts, ledger.Attempt{
			Number:    len(r.attempts) + 1,
			Result:    string(f.Kind),
			Status:    f.Status,
			LatencyMs: elapsed.Milliseconds(),
			Detail:    f.Detail,
		})
		p.Metrics.VendorAttempts.WithLabelValues(string(r.vendor), string(f.Kind)).Inc()

		// Deltas already reached the caller; a retry would duplicate them.
		if !f.Retryable || (streamed && emitted) || f.RetryAfter > p.cfg.MaxRetryAfter {
			return nil, backoff.Permanent(f)
		}
		if f.RetryAfter > 0 {
			return nil, &backoff.RetryAfterError{Duration: f.RetryAfter}
		}
		return nil, f
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.VendorBackoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = 30 * time.Second

	resp, _ := backoff.Retry(detached, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.cfg.VendorMaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.Logger.Info("retrying vendor call",
				zap.String("request_id", r.call.RequestID),
				zap.String("vendor", string(r.vendor)),
				zap.Int("attempt", len(r.attempts)),
				zap.Duration("backoff", next),
				zap.Error(err))
		}),
	)
	span.SetAttributes(attribute.Int("attempts", len(r.attempts)))

	if r.failure != nil || resp == nil {
		f := r.failure
		if f == nil {
			f = provider.NewFailure(r.vendor, provider.FailureNetwork, "vendor call produced no response")
		}
		r.failure = f
		r.usage = f.Usage
		span.SetStatus(codes.Error, string(f.Kind))
		r.fail(StateVendorFailed, vendorError(f))
		return
	}

	r.resp = resp
	r.usage = resp.Usage
	r.state = StateVendorInvoked
}

// vendorError maps an adapter failure onto the caller-facing error kinds.
func vendorError(f *provider.Failure) error {
	var kind apperr.Kind
	switch f.Kind {
	case provider.FailureAuth:
		kind = apperr.KindVendorAuthFailed
	case provider.FailureRateLimited:
		kind = apperr.KindVendorRateLimited
	case provider.FailureBadRequest:
		kind = apperr.KindVendorRejected
	case provider.FailureTimeout:
		kind = apperr.KindVendorTimeout
	default:
		kind = apperr.KindVendorUnavailable
	}
	e := apperr.Wrap(kind, string(f.Vendor)+" request failed: "+string(f.Kind), f)
	if f.RetryAfter > 0 {
		e.WithRetryAfter(f.RetryAfter)
	}
	return e
}

func (r *run) fail(state State, err error) {
	r.state = state
	r.err = err
}

func outcomeOf(state State) ledger.Outcome {
	switch state {
	case StateQuotaExceeded:
		return ledger.OutcomeQuotaExceeded
	case StateCredentialMissing:
		return ledger.OutcomeCredentialMissing
	case StateInvalidRequest:
		return ledger.OutcomeInvalidRequest
	case StateVendorFailed:
		return ledger.OutcomeVendorFailed
	case StateFailed:
		return ledger.OutcomeInternalError
	default:
		return ledger.OutcomeSuccess
	}
}

// price resolves cost from the usage the vendor reported, including the
// partial usage of a failed call.
func (p *Pipeline) price(ctx context.Context, r *run, model string) {
	_, span := p.Tracer.Start(ctx, "proxy.cost")
	defer span.End()

	if r.usage.InputTokens == nil && r.usage.OutputTokens == nil && r.err != nil {
		r.cost = pricing.Cost{Status: pricing.StatusUnknown}
		return
	}
	cost, err := p.Prices.Cost(string(r.vendor), model, r.usage.InputTokens, r.usage.OutputTokens, r.started)
	if errors.Is(err, pricing.ErrNoPrice) {
		p.Metrics.CostUnresolved.WithLabelValues(string(r.vendor), model).Inc()
		p.Logger.Warn("no price entry for model; cost recorded as unknown",
			zap.String("vendor", string(r.vendor)), zap.String("model", model))
	}
	r.cost = cost
	if r.err == nil {
		r.state = StateCosted
	}
}

// record builds the single ledger row for the request and writes it. A
// write that keeps failing is spooled; the caller's response is unaffected.
func (p *Pipeline) record(ctx context.Context, r *run) {
	// Priced by the requested model; vendors echo dated aliases that the
	// price table does not carry.
	model := ""
	if r.call.Request != nil {
		model = strings.TrimSpace(r.call.Request.Model)
	}
	if model == "" {
		model = "unknown"
	}
	if r.vendor == "" {
		r.vendor = provider.Vendor(r.call.Vendor)
	}
	p.price(ctx, r, model)

	rec := p.buildRecord(r, model)

	ctx, span := p.Tracer.Start(ctx, "proxy.record")
	defer span.End()
	detached := context.WithoutCancel(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.LedgerBackoffBase
	b.Multiplier = 2
	_, err := backoff.Retry(detached, func() (struct{}, error) {
		err := p.Ledger.Append(detached, r.tenant, rec)
		if apperr.Is(err, apperr.KindInvalidRequest) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(p.cfg.LedgerMaxAttempts)))

	if err == nil {
		if r.err == nil {
			r.state = StateLogged
		}
		return
	}

	span.RecordError(err)
	p.Logger.Error("ledger write failed; spooling record",
		zap.String("request_id", rec.RequestID),
		zap.String("tenant_id", rec.TenantID),
		zap.Error(err))
	p.Metrics.LedgerSpooled.Inc()
	if serr := p.Spool.Enqueue(detached, rec, err); serr != nil {
		// Last resort: the log line is the only copy.
		p.Logger.Error("failed to spool usage record",
			zap.String("request_id", rec.RequestID),
			zap.String("tenant_id", rec.TenantID),
			zap.String("vendor", rec.Vendor),
			zap.String("model", rec.Model),
			zap.Int64p("input_tokens", rec.InputTokens),
			zap.Int64p("output_tokens", rec.OutputTokens),
			zap.Float64("cost_usd", rec.CostUSD),
			zap.Error(serr))
	}
	if r.err == nil {
		r.state = StateLogged
	}
}

func (p *Pipeline) buildRecord(r *run, model string) *ledger.Record {
	finalState := r.state
	if r.err == nil {
		finalState = StateResponded
	}
	rec := &ledger.Record{
		RequestID:    r.call.RequestID,
		TenantID:     r.tenant.ID,
		Vendor:       string(r.vendor),
		Model:        model,
		Request:      r.payload,
		InputTokens:  r.usage.InputTokens,
		OutputTokens: r.usage.OutputTokens,
		CostUSD:      r.cost.Amount,
		CostStatus:   r.cost.Status,
		LatencyMs:    p.now().Sub(r.started).Milliseconds(),
		Status:       200,
		Outcome:      outcomeOf(r.state),
		Attempts:     len(r.attempts),
		Source:       ledger.SourceProxy,
		CreatedAt:    r.started,
		Diagnostics: &ledger.Diagnostics{
			FinalState: string(finalState),
			Attempts:   r.attempts,
			Streamed:   r.call.Request != nil && r.call.Request.Stream,

			ConsumerGone: r.consumerGone,
		},
	}
	if rec.CostStatus == "" {
		rec.CostStatus = pricing.StatusUnknown
	}
	if rec.Attempts == 0 {
		rec.Attempts = 1
	}
	if r.err != nil {
		rec.Status = apperr.As(r.err).HTTPStatus()
		rec.FailureReason = r.err.Error()
	}
	if r.resp != nil {
		rec.Response, _ = json.Marshal(r.resp)
	}
	return rec
}
