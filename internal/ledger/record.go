package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vnmchuo/tenant-gateway/internal/pricing"
)

type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeVendorFailed      Outcome = "vendor_failed"
	OutcomeQuotaExceeded     Outcome = "quota_exceeded"
	OutcomeCredentialMissing Outcome = "credential_missing"
	OutcomeInvalidRequest    Outcome = "invalid_request"
	// OutcomeInternalError covers gateway-side faults where no vendor was called.
	OutcomeInternalError Outcome = "internal_error"
)

type Source string

const (
	SourceProxy Source = "proxy"
	SourceEdge  Source = "edge"
)

const maxRequestIDLen = 128

// Attempt describes one vendor call made while handling a request.
type Attempt struct {
	Number    int    `json:"number"`
	Result    string `json:"result"`
	Status    int    `json:"status,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
	Detail    string `json:"detail,omitempty"`
}

// Diagnostics is non-billable metadata kept on the record.
type Diagnostics struct {
	FinalState string    `json:"final_state,omitempty"`
	Attempts   []Attempt `json:"attempts,omitempty"`
	Streamed   bool      `json:"streamed,omitempty"`

	// ConsumerGone is set when the caller disconnected mid-stream.
	ConsumerGone bool `json:"consumer_gone,omitempty"`
}

// Record is one immutable ledger row. A nil token count is unknown.
type Record struct {
	RequestID     string          `json:"request_id"`
	TenantID      string          `json:"tenant_id"`
	Vendor        string          `json:"vendor"`
	Model         string          `json:"model"`
	Request       json.RawMessage `json:"request,omitempty"`
	Response      json.RawMessage `json:"response,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	InputTokens   *int64          `json:"input_tokens"`
	OutputTokens  *int64          `json:"output_tokens"`
	CostUSD       float64         `json:"cost_usd"`
	CostStatus    pricing.Status  `json:"cost_status"`
	LatencyMs     int64           `json:"latency_ms"`
	Status        int             `json:"status"`
	Outcome       Outcome         `json:"outcome"`
	Fingerprint   string          `json:"fingerprint"`
	Attempts      int             `json:"attempts"`
	Diagnostics   *Diagnostics    `json:"diagnostics,omitempty"`
	Source        Source          `json:"source"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Fingerprint hashes the request payload. It identifies identical inputs for
// audit; it is never used as a cache key.
func Fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Normalize fills derivable fields before validation.
func (r *Record) Normalize() {
	r.RequestID = strings.TrimSpace(r.RequestID)
	r.Vendor = strings.ToLower(strings.TrimSpace(r.Vendor))
	if r.Source == "" {
		r.Source = SourceProxy
	}
	if r.Attempts == 0 {
		r.Attempts = 1
	}
	if r.Fingerprint == "" {
		r.Fingerprint = Fingerprint(r.Request)
	}
	r.CreatedAt = r.CreatedAt.UTC()
}

// Validate reports the first reason the record cannot be stored.
func (r *Record) Validate() error {
	switch {
	case r.RequestID == "":
		return errors.New("request_id is required")
	case len(r.RequestID) > maxRequestIDLen:
		return fmt.Errorf("request_id longer than %d bytes", maxRequestIDLen)
	case r.Vendor == "":
		return errors.New("vendor is required")
	case strings.TrimSpace(r.Model) == "":
		return errors.New("model is required")
	case r.CreatedAt.IsZero():
		return errors.New("created_at is required")
	case r.Status < 100 || r.Status > 599:
		return fmt.Errorf("status %d is not an HTTP status", r.Status)
	case r.LatencyMs < 0:
		return errors.New("latency_ms must not be negative")
	case r.Attempts < 1:
		return errors.New("attempts must be at least 1")
	}
	if _, err := uuid.Parse(r.TenantID); err != nil {
		return errors.New("tenant_id must be a uuid")
	}
	if r.InputTokens != nil && *r.InputTokens < 0 {
		return errors.New("input_tokens must not be negative")
	}
	if r.OutputTokens != nil && *r.OutputTokens < 0 {
		return errors.New("output_tokens must not be negative")
	}
	if math.IsNaN(r.CostUSD) || math.IsInf(r.CostUSD, 0) || r.CostUSD < 0 {
		return errors.New("cost_usd must be a non-negative number")
	}
	switch r.CostStatus {
	case pricing.StatusComputed, pricing.StatusPartial, pricing.StatusUnknown:
	default:
		return fmt.Errorf("unknown cost_status %q", r.CostStatus)
	}
	switch r.Outcome {
	case OutcomeSuccess, OutcomeVendorFailed, OutcomeQuotaExceeded, OutcomeCredentialMissing, OutcomeInvalidRequest, OutcomeInternalError:
	default:
		return fmt.Errorf("unknown outcome %q", r.Outcome)
	}
	switch r.Source {
	case SourceProxy, SourceEdge:
	default:
		return fmt.Errorf("unknown source %q", r.Source)
	}
	if len(r.Request) > 0 && !json.Valid(r.Request) {
		return errors.New("request is not valid JSON")
	}
	if len(r.Response) > 0 && !json.Valid(r.Response) {
		return errors.New("response is not valid JSON")
	}
	return nil
}
