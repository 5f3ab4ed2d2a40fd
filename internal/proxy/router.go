package proxy

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/tenant-gateway/internal/apperr"
	"github.com/vnmchuo/tenant-gateway/internal/provider"
)

// Router holds one adapter and one circuit breaker per vendor. Breakers are
// shared across tenants; only vendor-side failures count towards tripping.
type Router struct {
	adapters map[provider.Vendor]provider.Adapter
	breakers map[provider.Vendor]*gobreaker.CircuitBreaker
}

func NewRouter(adapters ...provider.Adapter) *Router {
	r := &Router{
		adapters: make(map[provider.Vendor]provider.Adapter),
		breakers: make(map[provider.Vendor]*gobreaker.CircuitBreaker),
	}
	for _, a := range adapters {
		settings := gobreaker.Settings{
			Name:        string(a.Vendor()),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			IsSuccessful: vendorHealthy,
		}
		r.adapters[a.Vendor()] = a
		r.breakers[a.Vendor()] = gobreaker.NewCircuitBreaker(settings)
	}
	return r
}

// vendorHealthy treats caller mistakes (bad request, bad key) as a healthy
// vendor so one tenant cannot open the breaker for everyone.
func vendorHealthy(err error) bool {
	if err == nil {
		return true
	}
	var f *provider.Failure
	if errors.As(err, &f) {
		return !f.Retryable || f.Kind == provider.FailureRateLimited
	}
	return false
}

// Route returns the adapter registered for vendor.
func (r *Router) Route(vendor provider.Vendor) (provider.Adapter, error) {
	a, ok := r.adapters[vendor]
	if !ok {
		return nil, apperr.NotFound("vendor " + string(vendor) + " is not configured")
	}
	return a, nil
}

// Open reports whether the vendor's breaker is currently rejecting calls.
func (r *Router) Open(vendor provider.Vendor) bool {
	cb, ok := r.breakers[vendor]
	return ok && cb.State() == gobreaker.StateOpen
}

func (r *Router) Execute(ctx context.Context, a provider.Adapter, req *provider.Request, cred provider.Credential) (*provider.Response, error) {
	cb := r.breakers[a.Vendor()]
	result, err := cb.Execute(func() (interface{}, error) {
		return a.Invoke(ctx, req, cred)
	})
	if err != nil {
		return nil, breakerFailure(a.Vendor(), err)
	}
	return result.(*provider.Response), nil
}

// ExecuteStream runs a streamed call under the breaker. Deltas reach emit as
// the adapter produces them.
func (r *Router) ExecuteStream(ctx context.Context, a provider.Adapter, req *provider.Request, cred provider.Credential, emit provider.Emit) (*provider.Response, error) {
	cb := r.breakers[a.Vendor()]
	result, err := cb.Execute(func() (interface{}, error) {
		return a.Stream(ctx, req, cred, emit)
	})
	if err != nil {
		return nil, breakerFailure(a.Vendor(), err)
	}
	return result.(*provider.Response), nil
}

func breakerFailure(vendor provider.Vendor, err error) *provider.Failure {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return provider.NewFailure(vendor, provider.FailureUnavailable, "circuit breaker is open")
	}
	return provider.AsFailure(vendor, err)
}
