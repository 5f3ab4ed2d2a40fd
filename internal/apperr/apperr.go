// Package apperr defines the caller-facing error taxonomy of the gateway and
// its mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is a stable, machine-readable error category.
type Kind string

const (
	KindInvalidCredential Kind = "invalid_credential"
	KindPermissionDenied  Kind = "permission_denied"
	KindTenantInactive    Kind = "tenant_inactive"
	KindNotFound          Kind = "not_found"
	KindInvalidRequest    Kind = "invalid_request"
	KindCredentialMissing Kind = "credential_missing"
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindVendorRejected    Kind = "vendor_rejected"
	KindVendorAuthFailed  Kind = "vendor_auth_failed"
	KindVendorUnavailable Kind = "vendor_unavailable"
	KindVendorTimeout     Kind = "vendor_timeout"
	KindVendorRateLimited Kind = "vendor_rate_limited"
	KindStorage           Kind = "storage_error"
	KindInternal          Kind = "internal"
)

// Error is returned to callers of the gateway. RetryAfter is only set for
// kinds the caller may retry later.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error kind onto a response status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidCredential:
		return http.StatusUnauthorized
	case KindPermissionDenied, KindTenantInactive:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidRequest, KindCredentialMissing, KindVendorRejected:
		return http.StatusUnprocessableEntity
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindVendorAuthFailed, KindVendorUnavailable:
		return http.StatusBadGateway
	case KindVendorTimeout:
		return http.StatusGatewayTimeout
	case KindVendorRateLimited:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithRetryAfter sets the retry hint and returns the same error.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

func InvalidCredential(message string) *Error { return New(KindInvalidCredential, message) }
func PermissionDenied(message string) *Error  { return New(KindPermissionDenied, message) }
func TenantInactive(message string) *Error    { return New(KindTenantInactive, message) }
func NotFound(message string) *Error          { return New(KindNotFound, message) }
func InvalidRequest(message string) *Error    { return New(KindInvalidRequest, message) }
func CredentialMissing(message string) *Error { return New(KindCredentialMissing, message) }

func QuotaExceeded(message string, retryAfter time.Duration) *Error {
	return New(KindQuotaExceeded, message).WithRetryAfter(retryAfter)
}

// As extracts an *Error from err. Anything else is reported as internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(KindInternal, "internal error", err)
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
