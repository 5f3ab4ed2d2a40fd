package auth

import (
	"context"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/vnmchuo/tenant-gateway/internal/apperr"
)

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	tenantIDKey  contextKey = "tenant_id"
	apiKeyIDKey  contextKey = "api_key_id"
	requestIDKey contextKey = "request_id"
)

// RequestIDMiddleware assigns every request a globally unique id, echoed in
// X-Request-ID. It becomes the ledger key for the request.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), requestID)))
	})
}

// NewMiddleware authenticates the bearer key and stores the principal in the
// request context.
func NewMiddleware(authn *Authenticator) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			p, err := authn.Authenticate(ctx, BearerToken(r))
			if err != nil {
				apperr.Write(w, err, RequestID(ctx))
				return
			}
			ctx = WithTenantID(ctx, p.TenantID)
			ctx = WithAPIKeyID(ctx, p.KeyID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func stringValue(ctx context.Context, key contextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// TenantID is the tenant of the authenticated caller, or "".
func TenantID(ctx context.Context) string { return stringValue(ctx, tenantIDKey) }

func APIKeyID(ctx context.Context) string { return stringValue(ctx, apiKeyIDKey) }

// RequestID falls back to chi's request id for routes mounted before
// RequestIDMiddleware.
func RequestID(ctx context.Context) string {
	if id := stringValue(ctx, requestIDKey); id != "" {
		return id
	}
	return chimiddleware.GetReqID(ctx)
}

func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func WithAPIKeyID(ctx context.Context, apiKeyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, apiKeyID)
}
