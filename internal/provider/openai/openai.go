package openai

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/vnmchuo/tenant-gateway/internal/provider"
)

const defaultBaseURL = "https://api.openai.com/v1"

type OpenAIProvider struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string, httpClient *http.Client) *OpenAIProvider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = provider.NewHTTPClient()
	}
	return &OpenAIProvider{
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

func (p *OpenAIProvider) Vendor() provider.Vendor {
	return provider.VendorOpenAI
}

// headerRecorder keeps the headers of the last error response. go-openai's
// error types drop them, and Retry-After lives there.
type headerRecorder struct {
	next   http.RoundTripper
	mu     sync.Mutex
	header http.Header
}

func (h *headerRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := h.next.RoundTrip(req)
	if err == nil && resp.StatusCode >= http.StatusBadRequest {
		h.mu.Lock()
		h.header = resp.Header.Clone()
		h.mu.Unlock()
	}
	return resp, err
}

func (h *headerRecorder) last() http.Header {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.header
}

// client is built per call because the key belongs to the calling tenant.
func (p *OpenAIProvider) client(cred provider.Credential) (*goopenai.Client, *headerRecorder) {
	rec := &headerRecorder{next: p.httpClient.Transport}
	if rec.next == nil {
		rec.next = http.DefaultTransport
	}
	hc := *p.httpClient
	hc.Transport = rec

	cfg := goopenai.DefaultConfig(cred.APIKey)
	cfg.BaseURL = p.baseURL
	cfg.HTTPClient = &hc
	return goopenai.NewClientWithConfig(cfg), rec
}

func (p *OpenAIProvider) Invoke(ctx context.Context, req *provider.Request, cred provider.Credential) (*provider.Response, error) {
	start := time.Now()
	client, headers := p.client(cred)
	resp, err := client.CreateChatCompletion(ctx, p.mapRequest(req))
	if err != nil {
		f := p.classify(err, headers.last())
		f.Latency = time.Since(start)
		return nil, f
	}

	if len(resp.Choices) == 0 {
		f := provider.NewFailure(p.Vendor(), provider.FailureUnavailable, "openai api returned no choices")
		f.Usage = mapUsage(resp.Usage)
		f.Latency = time.Since(start)
		return nil, f
	}

	return &provider.Response{
		ID:           resp.ID,
		Vendor:       p.Vendor(),
		Model:        resp.Model,
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage:        mapUsage(resp.Usage),
		Latency:      time.Since(start),
	}, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, req *provider.Request, cred provider.Credential, emit provider.Emit) (*provider.Response, error) {
	start := time.Now()
	r := p.mapRequest(req)
	r.Stream = true
	r.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}

	client, headers := p.client(cred)
	stream, err := client.CreateChatCompletionStream(ctx, r)
	if err != nil {
		f := p.classify(err, headers.last())
		f.Latency = time.Since(start)
		return nil, f
	}
	defer stream.Close()

	out := &provider.Response{Vendor: p.Vendor(), Model: req.Model}
	var acc provider.Accumulator

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			f := p.classify(err, headers.last())
			f.Usage = out.Usage
			f.Latency = time.Since(start)
			return nil, f
		}

		if chunk.ID != "" {
			out.ID = chunk.ID
		}
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if chunk.Usage != nil {
			out.Usage = mapUsage(*chunk.Usage)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if fr := chunk.Choices[0].FinishReason; fr != "" {
			out.FinishReason = string(fr)
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			acc.Add(delta)
			if err := emit(delta); err != nil {
				f := provider.NewFailure(p.Vendor(), provider.FailureNetwork, "stream consumer: "+err.Error())
				f.Retryable = false
				f.Usage = out.Usage
				f.Latency = time.Since(start)
				return nil, f
			}
		}
	}

	acc.Fill(out)
	out.Latency = time.Since(start)
	return out, nil
}

func (p *OpenAIProvider) mapRequest(req *provider.Request) goopenai.ChatCompletionRequest {
	messages := make([]goopenai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = goopenai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	r := goopenai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Stop:      req.Stop,
	}
	if req.Temperature != nil {
		r.Temperature = float32(*req.Temperature)
		// The field is omitempty; an explicit zero would be dropped and the
		// vendor default applied instead.
		if r.Temperature == 0 {
			r.Temperature = math.SmallestNonzeroFloat32
		}
	}
	return r
}

func (p *OpenAIProvider) classify(err error, header http.Header) *provider.Failure {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return provider.ClassifyStatus(p.Vendor(), apiErr.HTTPStatusCode, header, []byte(apiErr.Message))
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return provider.ClassifyStatus(p.Vendor(), reqErr.HTTPStatusCode, header, []byte(reqErr.Error()))
	}
	return provider.AsFailure(p.Vendor(), err)
}

// mapUsage treats an all-zero usage block as not reported.
func mapUsage(u goopenai.Usage) provider.Usage {
	if u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0 {
		return provider.Usage{}
	}
	return provider.Usage{
		InputTokens:  provider.Tokens(u.PromptTokens),
		OutputTokens: provider.Tokens(u.CompletionTokens),
	}
}
