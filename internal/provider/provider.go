package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Vendor string

const (
	VendorOpenAI    Vendor = "openai"
	VendorAnthropic Vendor = "anthropic"
	VendorGoogle    Vendor = "google"
)

// ParseVendor accepts the vendor names used in routes and credentials.
func ParseVendor(s string) (Vendor, error) {
	switch v := Vendor(strings.ToLower(strings.TrimSpace(s))); v {
	case VendorOpenAI, VendorAnthropic, VendorGoogle:
		return v, nil
	}
	return "", fmt.Errorf("unknown vendor %q", s)
}

// MaxRecordedChunks bounds how many stream deltas are kept on a Response.
const MaxRecordedChunks = 1024

type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Validate checks the fields every adapter depends on.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return errors.New("model is required")
	}
	if len(r.Messages) == 0 {
		return errors.New("messages must not be empty")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case "user", "assistant", "system":
		default:
			return fmt.Errorf("messages[%d]: unsupported role %q", i, m.Role)
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return errors.New("temperature must be between 0 and 2")
	}
	if r.MaxTokens < 0 {
		return errors.New("max_tokens must not be negative")
	}
	return nil
}

// Usage holds vendor-reported token counts. A nil count means the vendor did
// not report it; it is never defaulted to zero.
type Usage struct {
	InputTokens  *int64 `json:"input_tokens"`
	OutputTokens *int64 `json:"output_tokens"`
}

// Tokens converts a vendor counter into a known count. Negative values are
// treated as unknown.
func Tokens(n int) *int64 {
	if n < 0 {
		return nil
	}
	v := int64(n)
	return &v
}

func (u Usage) Known() bool {
	return u.InputTokens != nil && u.OutputTokens != nil
}

type Response struct {
	ID           string        `json:"id"`
	Vendor       Vendor        `json:"vendor"`
	Model        string        `json:"model"`
	Content      string        `json:"content"`
	Chunks       []string      `json:"chunks,omitempty"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        Usage         `json:"usage"`
	Latency      time.Duration `json:"-"`
}

// Credential is a decrypted vendor key. It lives only for one outbound call.
type Credential struct {
	APIKey string
}

// Emit forwards one stream delta to the caller.
type Emit func(delta string) error

// Adapter translates canonical requests to one vendor's wire format. Every
// error returned by Invoke or Stream is a *Failure.
type Adapter interface {
	Vendor() Vendor
	Invoke(ctx context.Context, req *Request, cred Credential) (*Response, error)
	Stream(ctx context.Context, req *Request, cred Credential, emit Emit) (*Response, error)
}

// Accumulator collects stream deltas into a Response.
type Accumulator struct {
	content strings.Builder
	chunks  []string
}

func (a *Accumulator) Add(delta string) {
	a.content.WriteString(delta)
	if len(a.chunks) < MaxRecordedChunks {
		a.chunks = append(a.chunks, delta)
	}
}

func (a *Accumulator) Emitted() bool {
	return a.content.Len() > 0
}

func (a *Accumulator) Fill(resp *Response) {
	resp.Content = a.content.String()
	resp.Chunks = a.chunks
}
