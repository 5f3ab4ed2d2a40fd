package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindInvalidCredential: http.StatusUnauthorized,
		KindPermissionDenied:  http.StatusForbidden,
		KindTenantInactive:    http.StatusForbidden,
		KindNotFound:          http.StatusNotFound,
		KindInvalidRequest:    http.StatusUnprocessableEntity,
		KindCredentialMissing: http.StatusUnprocessableEntity,
		KindQuotaExceeded:     http.StatusTooManyRequests,
		KindVendorRejected:    http.StatusUnprocessableEntity,
		KindVendorAuthFailed:  http.StatusBadGateway,
		KindVendorUnavailable: http.StatusBadGateway,
		KindVendorTimeout:     http.StatusGatewayTimeout,
		KindVendorRateLimited: http.StatusServiceUnavailable,
		KindStorage:           http.StatusInternalServerError,
		KindInternal:          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, New(kind, "x").HTTPStatus(), kind)
	}
}

func TestAs(t *testing.T) {
	quota := QuotaExceeded("monthly quota reached", 30*time.Second)
	wrapped := fmt.Errorf("pipeline: %w", quota)

	got := As(wrapped)
	assert.Equal(t, KindQuotaExceeded, got.Kind)
	assert.Equal(t, 30*time.Second, got.RetryAfter)
	assert.True(t, Is(wrapped, KindQuotaExceeded))

	plain := As(errors.New("boom"))
	assert.Equal(t, KindInternal, plain.Kind)
	assert.Nil(t, As(nil))
}

func TestWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, QuotaExceeded("monthly quota reached", 1500*time.Millisecond), "req-1")

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	var got map[string]any
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "req-1", got["request_id"])
	assert.Equal(t, "quota_exceeded", got["error"].(map[string]any)["kind"])
}

func TestWrite_HidesInternalCause(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, errors.New("dial tcp 10.0.0.3:5432: connection refused"), "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.3")
}
