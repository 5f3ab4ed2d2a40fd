package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type FailureKind string

const (
	FailureAuth        FailureKind = "auth"
	FailureRateLimited FailureKind = "rate_limited"
	FailureBadRequest  FailureKind = "bad_request"
	FailureUnavailable FailureKind = "unavailable"
	FailureTimeout     FailureKind = "timeout"
	FailureNetwork     FailureKind = "network"
)

// DefaultRetryAfter is used when a vendor rate-limits without a hint.
const DefaultRetryAfter = time.Second

// Failure is the error half of an adapter result. Usage is a best-effort
// snapshot of what the vendor reported before failing.
type Failure struct {
	Vendor     Vendor
	Kind       FailureKind
	Retryable  bool
	RetryAfter time.Duration
	Status     int
	Detail     string
	Usage      Usage
	Latency    time.Duration
}

func (f *Failure) Error() string {
	if f.Status != 0 {
		return fmt.Sprintf("%s %s (status %d): %s", f.Vendor, f.Kind, f.Status, f.Detail)
	}
	return fmt.Sprintf("%s %s: %s", f.Vendor, f.Kind, f.Detail)
}

func NewFailure(vendor Vendor, kind FailureKind, detail string) *Failure {
	f := &Failure{Vendor: vendor, Kind: kind, Detail: detail}
	switch kind {
	case FailureRateLimited, FailureUnavailable, FailureTimeout, FailureNetwork:
		f.Retryable = true
	}
	if kind == FailureRateLimited {
		f.RetryAfter = DefaultRetryAfter
	}
	return f
}

// AsFailure returns err as a *Failure, classifying transport errors that did
// not come from an adapter.
func AsFailure(vendor Vendor, err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewFailure(vendor, FailureTimeout, err.Error())
	}
	return NewFailure(vendor, FailureNetwork, err.Error())
}

// ClassifyStatus turns a non-2xx vendor response into a Failure.
func ClassifyStatus(vendor Vendor, status int, header http.Header, body []byte) *Failure {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 512 {
		detail = detail[:512]
	}

	var kind FailureKind
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = FailureAuth
	case status == http.StatusTooManyRequests:
		kind = FailureRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = FailureTimeout
	case status >= 500:
		kind = FailureUnavailable
	default:
		kind = FailureBadRequest
	}

	f := NewFailure(vendor, kind, detail)
	f.Status = status
	if header != nil {
		if d := ParseRetryAfter(header.Get("Retry-After")); d > 0 {
			f.RetryAfter = d
		}
	}
	return f
}

// ParseRetryAfter accepts both delta-seconds and HTTP-date forms.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
