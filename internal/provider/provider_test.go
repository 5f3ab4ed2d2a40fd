package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestValidate(t *testing.T) {
	hot := 3.0
	cases := []struct {
		name string
		req  Request
		ok   bool
	}{
		{"valid", Request{Model: "gpt-4", Messages: []Message{{Role: "user", Content: "Hi"}}}, true},
		{"missing model", Request{Messages: []Message{{Role: "user", Content: "Hi"}}}, false},
		{"no messages", Request{Model: "gpt-4"}, false},
		{"bad role", Request{Model: "gpt-4", Messages: []Message{{Role: "tool", Content: "x"}}}, false},
		{"temperature out of range", Request{Model: "gpt-4", Messages: []Message{{Role: "user"}}, Temperature: &hot}, false},
		{"negative max tokens", Request{Model: "gpt-4", Messages: []Message{{Role: "user"}}, MaxTokens: -1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")

	f := ClassifyStatus(VendorOpenAI, http.StatusTooManyRequests, h, []byte("slow down"))
	assert.Equal(t, FailureRateLimited, f.Kind)
	assert.True(t, f.Retryable)
	assert.Equal(t, 7*time.Second, f.RetryAfter)

	f = ClassifyStatus(VendorOpenAI, http.StatusTooManyRequests, nil, nil)
	assert.Equal(t, DefaultRetryAfter, f.RetryAfter)

	f = ClassifyStatus(VendorAnthropic, http.StatusUnauthorized, nil, nil)
	assert.Equal(t, FailureAuth, f.Kind)
	assert.False(t, f.Retryable)

	f = ClassifyStatus(VendorGoogle, http.StatusBadRequest, nil, []byte("bad"))
	assert.Equal(t, FailureBadRequest, f.Kind)
	assert.False(t, f.Retryable)

	f = ClassifyStatus(VendorGoogle, http.StatusServiceUnavailable, nil, nil)
	assert.Equal(t, FailureUnavailable, f.Kind)
	assert.True(t, f.Retryable)

	f = ClassifyStatus(VendorGoogle, http.StatusGatewayTimeout, nil, nil)
	assert.Equal(t, FailureTimeout, f.Kind)
}

func TestAsFailure(t *testing.T) {
	f := AsFailure(VendorOpenAI, fmt.Errorf("call: %w", context.DeadlineExceeded))
	require.NotNil(t, f)
	assert.Equal(t, FailureTimeout, f.Kind)
	assert.True(t, f.Retryable)

	f = AsFailure(VendorOpenAI, errors.New("connection reset"))
	assert.Equal(t, FailureNetwork, f.Kind)

	orig := NewFailure(VendorOpenAI, FailureAuth, "bad key")
	assert.Same(t, orig, AsFailure(VendorOpenAI, fmt.Errorf("wrapped: %w", orig)))
	assert.Nil(t, AsFailure(VendorOpenAI, nil))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, ParseRetryAfter("3"))
	assert.Zero(t, ParseRetryAfter(""))
	assert.Zero(t, ParseRetryAfter("-4"))
	future := time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat)
	d := ParseRetryAfter(future)
	assert.Greater(t, d, 5*time.Second)
}

func TestAccumulatorBounded(t *testing.T) {
	var acc Accumulator
	for i := 0; i < MaxRecordedChunks+10; i++ {
		acc.Add("a")
	}
	var resp Response
	acc.Fill(&resp)
	assert.Len(t, resp.Chunks, MaxRecordedChunks)
	assert.Len(t, resp.Content, MaxRecordedChunks+10)
	assert.True(t, acc.Emitted())
}

func TestTokens(t *testing.T) {
	assert.Nil(t, Tokens(-1))
	require.NotNil(t, Tokens(0))
	assert.Equal(t, int64(0), *Tokens(0))
	assert.True(t, Usage{InputTokens: Tokens(1), OutputTokens: Tokens(2)}.Known())
	assert.False(t, Usage{InputTokens: Tokens(1)}.Known())
}

func TestParseVendor(t *testing.T) {
	v, err := ParseVendor(" OpenAI ")
	require.NoError(t, err)
	assert.Equal(t, VendorOpenAI, v)

	_, err = ParseVendor("mistral")
	assert.Error(t, err)
}
