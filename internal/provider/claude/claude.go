package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/tenant-gateway/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

type ClaudeProvider struct {
	baseURL    string
	httpClient *http.Client
}

type claudeRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	System        string          `json:"system,omitempty"`
	Messages      []claudeMessage `json:"messages"`
	Temperature   *float64        `json:"temperature,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID         string          `json:"id"`
	Content    []claudeContent `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stop_reason"`
	Usage      *claudeUsage    `json:"usage"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  *int `json:"input_tokens"`
	OutputTokens *int `json:"output_tokens"`
}

type claudeStreamEvent struct {
	Type    string          `json:"type"`
	Message *claudeResponse `json:"message,omitempty"`
	Delta   claudeDelta     `json:"delta,omitempty"`
	Usage   *claudeUsage    `json:"usage,omitempty"`
	Error   *claudeError    `json:"error,omitempty"`
}

type claudeDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

type claudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func New(baseURL string, httpClient *http.Client) *ClaudeProvider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = provider.NewHTTPClient()
	}
	return &ClaudeProvider{
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

func (p *ClaudeProvider) Vendor() provider.Vendor {
	return provider.VendorAnthropic
}

func (p *ClaudeProvider) Invoke(ctx context.Context, req *provider.Request, cred provider.Credential) (*provider.Response, error) {
	start := time.Now()
	resp, err := p.send(ctx, p.mapRequest(req, false), cred)
	if err != nil {
		return nil, p.fail(err, provider.Usage{}, start)
	}
	defer resp.Body.Close()

	var claudeResp claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&claudeResp); err != nil {
		return nil, p.fail(err, provider.Usage{}, start)
	}

	usage := mapUsage(claudeResp.Usage)
	if len(claudeResp.Content) == 0 {
		f := provider.NewFailure(p.Vendor(), provider.FailureUnavailable, "claude api returned no content")
		return nil, p.fail(f, usage, start)
	}

	var text strings.Builder
	for _, c := range claudeResp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}

	return &provider.Response{
		ID:           claudeResp.ID,
		Vendor:       p.Vendor(),
		Model:        claudeResp.Model,
		Content:      text.String(),
		FinishReason: claudeResp.StopReason,
		Usage:        usage,
		Latency:      time.Since(start),
	}, nil
}

func (p *ClaudeProvider) Stream(ctx context.Context, req *provider.Request, cred provider.Credential, emit provider.Emit) (*provider.Response, error) {
	start := time.Now()
	resp, err := p.send(ctx, p.mapRequest(req, true), cred)
	if err != nil {
		return nil, p.fail(err, provider.Usage{}, start)
	}
	defer resp.Body.Close()

	out := &provider.Response{Vendor: p.Vendor(), Model: req.Model}
	var acc provider.Accumulator

	reader := bufio.NewReader(resp.Body)
	var currentEvent string

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				// A stream cut before message_stop is incomplete.
				f := provider.NewFailure(p.Vendor(), provider.FailureNetwork, "claude stream ended before message_stop")
				return nil, p.fail(f, out.Usage, start)
			}
			return nil, p.fail(err, out.Usage, start)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev claudeStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}

		switch currentEvent {
		case "message_start":
			if ev.Message != nil {
				out.ID = ev.Message.ID
				if ev.Message.Model != "" {
					out.Model = ev.Message.Model
				}
				if ev.Message.Usage != nil && ev.Message.Usage.InputTokens != nil {
					out.Usage.InputTokens = provider.Tokens(*ev.Message.Usage.InputTokens)
				}
			}
		case "content_block_delta":
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				acc.Add(ev.Delta.Text)
				if err := emit(ev.Delta.Text); err != nil {
					f := provider.NewFailure(p.Vendor(), provider.FailureNetwork, "stream consumer: "+err.Error())
					f.Retryable = false
					return nil, p.fail(f, out.Usage, start)
				}
			}
		case "message_delta":
			if ev.Delta.StopReason != "" {
				out.FinishReason = ev.Delta.StopReason
			}
			if ev.Usage != nil && ev.Usage.OutputTokens != nil {
				out.Usage.OutputTokens = provider.Tokens(*ev.Usage.OutputTokens)
			}
		case "message_stop":
			acc.Fill(out)
			out.Latency = time.Since(start)
			return out, nil
		case "error":
			if ev.Error != nil {
				return nil, p.fail(streamFailure(ev.Error), out.Usage, start)
			}
		}
	}
}

func (p *ClaudeProvider) send(ctx context.Context, body claudeRequest, cred provider.Credential) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", cred.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

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

func (p *ClaudeProvider) fail(err error, usage provider.Usage, start time.Time) *provider.Failure {
	f := provider.AsFailure(p.Vendor(), err)
	f.Usage = usage
	f.Latency = time.Since(start)
	return f
}

func (p *ClaudeProvider) mapRequest(req *provider.Request, stream bool) claudeRequest {
	var system []string
	var messages []claudeMessage

	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, claudeMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return claudeRequest{
		Model:         req.Model,
		MaxTokens:     maxTokens,
		System:        strings.Join(system, "\n\n"),
		Messages:      messages,
		Temperature:   req.Temperature,
		StopSequences: req.Stop,
		Stream:        stream,
	}
}

// streamFailure maps an in-band error event. Anthropic reports overload this
// way after the 200 has already been sent.
func streamFailure(e *claudeError) *provider.Failure {
	kind := provider.FailureBadRequest
	switch e.Type {
	case "overloaded_error", "api_error":
		kind = provider.FailureUnavailable
	case "rate_limit_error":
		kind = provider.FailureRateLimited
	case "authentication_error", "permission_error":
		kind = provider.FailureAuth
	}
	return provider.NewFailure(provider.VendorAnthropic, kind, "claude stream error: "+e.Message)
}

func mapUsage(u *claudeUsage) provider.Usage {
	if u == nil {
		return provider.Usage{}
	}
	var out provider.Usage
	if u.InputTokens != nil {
		out.InputTokens = provider.Tokens(*u.InputTokens)
	}
	if u.OutputTokens != nil {
		out.OutputTokens = provider.Tokens(*u.OutputTokens)
	}
	return out
}
