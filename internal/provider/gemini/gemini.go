package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vnmchuo/tenant-gateway/internal/provider"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

type GeminiProvider struct {
	baseURL    string
	httpClient *http.Client
}

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate    `json:"candidates"`
	UsageMetadata  *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	PromptFeedback *promptFeedback      `json:"promptFeedback,omitempty"`
	ModelVersion   string               `json:"modelVersion,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     *int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount *int `json:"candidatesTokenCount,omitempty"`
}

type promptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

func New(baseURL string, httpClient *http.Client) *GeminiProvider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = provider.NewHTTPClient()
	}
	return &GeminiProvider{
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

func (p *GeminiProvider) Vendor() provider.Vendor {
	return provider.VendorGoogle
}

func (p *GeminiProvider) Invoke(ctx context.Context, req *provider.Request, cred provider.Credential) (*provider.Response, error) {
	start := time.Now()
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, url.PathEscape(req.Model))
	resp, err := p.send(ctx, endpoint, p.mapRequest(req), cred)
	if err != nil {
		return nil, p.fail(err, provider.Usage{}, start)
	}
	defer resp.Body.Close()

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, p.fail(err, provider.Usage{}, start)
	}

	usage := mapUsage(geminiResp.UsageMetadata)
	if f := blocked(&geminiResp); f != nil {
		return nil, p.fail(f, usage, start)
	}
	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		f := provider.NewFailure(p.Vendor(), provider.FailureUnavailable, "gemini api returned no candidates")
		return nil, p.fail(f, usage, start)
	}

	model := req.Model
	if geminiResp.ModelVersion != "" {
		model = geminiResp.ModelVersion
	}

	return &provider.Response{
		Vendor:       p.Vendor(),
		Model:        model,
		Content:      joinParts(geminiResp.Candidates[0].Content.Parts),
		FinishReason: geminiResp.Candidates[0].FinishReason,
		Usage:        usage,
		Latency:      time.Since(start),
	}, nil
}

func (p *GeminiProvider) Stream(ctx context.Context, req *provider.Request, cred provider.Credential, emit provider.Emit) (*provider.Response, error) {
	start := time.Now()
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", p.baseURL, url.PathEscape(req.Model))
	resp, err := p.send(ctx, endpoint, p.mapRequest(req), cred)
	if err != nil {
		return nil, p.fail(err, provider.Usage{}, start)
	}
	defer resp.Body.Close()

	out := &provider.Response{Vendor: p.Vendor(), Model: req.Model}
	var acc provider.Accumulator

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, p.fail(err, out.Usage, start)
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		var geminiResp geminiResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &geminiResp); err != nil {
			f := provider.NewFailure(p.Vendor(), provider.FailureUnavailable, "decode stream chunk: "+err.Error())
			return nil, p.fail(f, out.Usage, start)
		}

		// Each chunk carries cumulative usage; the last one wins.
		if geminiResp.UsageMetadata != nil {
			out.Usage = mapUsage(geminiResp.UsageMetadata)
		}
		if f := blocked(&geminiResp); f != nil {
			return nil, p.fail(f, out.Usage, start)
		}
		if geminiResp.ModelVersion != "" {
			out.Model = geminiResp.ModelVersion
		}
		if len(geminiResp.Candidates) == 0 {
			continue
		}
		if fr := geminiResp.Candidates[0].FinishReason; fr != "" {
			out.FinishReason = fr
		}
		if text := joinParts(geminiResp.Candidates[0].Content.Parts); text != "" {
			acc.Add(text)
			if err := emit(text); err != nil {
				f := provider.NewFailure(p.Vendor(), provider.FailureNetwork, "stream consumer: "+err.Error())
				f.Retryable = false
				return nil, p.fail(f, out.Usage, start)
			}
		}
	}

	// The final chunk carries a finishReason; without one the stream was cut.
	if out.FinishReason == "" {
		f := provider.NewFailure(p.Vendor(), provider.FailureNetwork, "gemini stream ended without finishReason")
		return nil, p.fail(f, out.Usage, start)
	}

	acc.Fill(out)
	out.Latency = time.Since(start)
	return out, nil
}

func (p *GeminiProvider) send(ctx context.Context, endpoint string, body geminiRequest, cred provider.Credential) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// Header, not query string, so the key never lands in access logs.
	httpReq.Header.Set("x-goog-api-key", cred.APIKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, provider.ClassifyStatus(p.Vendor(), resp.StatusCode, resp.Header, respBody)
	}
	return resp, nil
}

func (p *GeminiProvider) fail(err error, usage provider.Usage, start time.Time) *provider.Failure {
	f := provider.AsFailure(p.Vendor(), err)
	f.Usage = usage
	f.Latency = time.Since(start)
	return f
}

func (p *GeminiProvider) mapRequest(req *provider.Request) geminiRequest {
	var system []geminiPart
	contents := make([]geminiContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, geminiPart{Text: m.Content})
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}

	out := geminiRequest{
		Contents: contents,
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			StopSequences:   req.Stop,
		},
	}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{Parts: system}
	}
	return out
}

func blocked(r *geminiResponse) *provider.Failure {
	if r.PromptFeedback == nil || r.PromptFeedback.BlockReason == "" || len(r.Candidates) > 0 {
		return nil
	}
	return provider.NewFailure(provider.VendorGoogle, provider.FailureBadRequest, "prompt blocked: "+r.PromptFeedback.BlockReason)
}

func joinParts(parts []geminiPart) string {
	if len(parts) == 1 {
		return parts[0].Text
	}
	var b strings.Builder
	for _, part := range parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

func mapUsage(u *geminiUsageMetadata) provider.Usage {
	if u == nil {
		return provider.Usage{}
	}
	var out provider.Usage
	if u.PromptTokenCount != nil {
		out.InputTokens = provider.Tokens(*u.PromptTokenCount)
	}
	if u.CandidatesTokenCount != nil {
		out.OutputTokens = provider.Tokens(*u.CandidatesTokenCount)
	} else if u.PromptTokenCount != nil {
		// Gemini omits candidatesTokenCount when the candidate is empty.
		out.OutputTokens = provider.Tokens(0)
	}
	return out
}
