package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/tenant-gateway/internal/apperr"
	"github.com/vnmchuo/tenant-gateway/internal/auth"
	"github.com/vnmchuo/tenant-gateway/internal/ledger"
	"github.com/vnmchuo/tenant-gateway/internal/pricing"
	"github.com/vnmchuo/tenant-gateway/internal/provider"
	"github.com/vnmchuo/tenant-gateway/internal/tenant"
)

// maxChatBody caps a chat completion request body.
const maxChatBody = 4 << 20

// UsageReader is the read side of the ledger.
type UsageReader interface {
	Scan(ctx context.Context, t *tenant.Tenant, from, to time.Time, limit int) ([]*ledger.Record, error)
	Totals(ctx context.Context, t *tenant.Tenant, from, to time.Time) ([]ledger.Total, error)
	Daily(ctx context.Context, t *tenant.Tenant, from, to time.Time) ([]ledger.DailyTotal, error)
}

type QuotaReader interface {
	Usage(ctx context.Context, t *tenant.Tenant) (int64, error)
}

type Handler struct {
	pipeline *Pipeline
	usage    UsageReader
	tenants  TenantResolver
	quota    QuotaReader
	tracer   trace.Tracer
}

func NewHandler(pipeline *Pipeline, usage UsageReader, tenants TenantResolver, quota QuotaReader, tracer trace.Tracer) *Handler {
	return &Handler{
		pipeline: pipeline,
		usage:    usage,
		tenants:  tenants,
		quota:    quota,
		tracer:   tracer,
	}
}

type choice struct {
	Index        int      `json:"index"`
	Message      *message `json:"message,omitempty"`
	Delta        *message `json:"delta,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type message struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}

type completion struct {
	ID        string          `json:"id"`
	Object    string          `json:"object"`
	Vendor    provider.Vendor `json:"vendor"`
	Model     string          `json:"model"`
	Choices   []choice        `json:"choices,omitempty"`
	Usage     *provider.Usage `json:"usage,omitempty"`
	Cost      *pricing.Cost   `json:"cost,omitempty"`
	RequestID string          `json:"request_id"`
}

// HandleChatCompletion serves POST /v1/{vendor}/chat/completions. The body
// is parsed up front but any problem with it is reported by the pipeline,
// after authentication.
func (h *Handler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	call := &Call{
		RequestID: auth.RequestID(r.Context()),
		Bearer:    auth.BearerToken(r),
		ClientIP:  clientIP(r),
		Vendor:    chi.URLParam(r, "vendor"),
	}
	if call.RequestID == "" {
		call.RequestID = uuid.New().String()
	}
	var req provider.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&req); err != nil {
		call.DecodeErr = err
	} else {
		call.Request = &req
	}

	if call.Request != nil && call.Request.Stream {
		h.stream(w, r, call)
		return
	}

	res := h.pipeline.Run(r.Context(), call, nil)
	if res.Err != nil {
		apperr.Write(w, res.Err, res.RequestID)
		return
	}

	resp := res.Response
	id := resp.ID
	if id == "" {
		id = res.RequestID
	}
	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}
	writeJSON(w, http.StatusOK, completion{
		ID:     id,
		Object: "chat.completion",
		Vendor: resp.Vendor,
		Model:  resp.Model,
		Choices: []choice{{
			Message:      &message{Role: "assistant", Content: resp.Content},
			FinishReason: finish,
		}},
		Usage:     &resp.Usage,
		Cost:      &res.Cost,
		RequestID: res.RequestID,
	})
}

// stream relays vendor deltas as server-sent events. Headers are committed
// on the first delta, so failures before it still get a JSON error body.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, call *Call) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		apperr.Write(w, apperr.New(apperr.KindInternal, "streaming unsupported"), call.RequestID)
		return
	}

	started := false
	emit := func(delta string) error {
		// The pipeline keeps draining the vendor after this error; nothing
		// more is written to a departed client.
		if err := r.Context().Err(); err != nil {
			return err
		}
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := writeEvent(w, "", completion{
			ID:        call.RequestID,
			Object:    "chat.completion.chunk",
			Vendor:    provider.Vendor(call.Vendor),
			Model:     call.Request.Model,
			Choices:   []choice{{Delta: &message{Content: delta}}},
			RequestID: call.RequestID,
		}); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	res := h.pipeline.Run(r.Context(), call, emit)
	if res.Err != nil && !started {
		apperr.Write(w, res.Err, res.RequestID)
		return
	}
	if !started {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
	}

	if res.Err != nil {
		e := apperr.As(res.Err)
		_ = writeEvent(w, "error", map[string]interface{}{
			"error":      map[string]string{"kind": string(e.Kind), "message": e.Message},
			"request_id": res.RequestID,
		})
		flusher.Flush()
		return
	}

	resp := res.Response
	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}
	_ = writeEvent(w, "", completion{
		ID:        res.RequestID,
		Object:    "chat.completion.chunk",
		Vendor:    resp.Vendor,
		Model:     resp.Model,
		Choices:   []choice{{Delta: &message{Content: ""}, FinishReason: finish}},
		Usage:     &resp.Usage,
		Cost:      &res.Cost,
		RequestID: res.RequestID,
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func writeEvent(w http.ResponseWriter, event string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// clientIP strips the port from RemoteAddr, which chi's RealIP middleware
// may already have rewritten.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// HandleUsage serves GET /v1/usage for the authenticated tenant. Query
// parameters: from, to (RFC 3339, default last 30 days), limit, and
// group=day for daily totals.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "proxy.usage")
	defer span.End()
	requestID := auth.RequestID(ctx)

	tenantID := auth.TenantID(ctx)
	if tenantID == "" {
		apperr.Write(w, apperr.InvalidCredential("unauthorized"), requestID)
		return
	}
	span.SetAttributes(attribute.String("tenant_id", tenantID))

	t, err := h.tenants.Resolve(ctx, tenantID)
	if err != nil {
		apperr.Write(w, err, requestID)
		return
	}

	q := r.URL.Query()
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -30)
	to := now
	if v := q.Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			apperr.Write(w, apperr.InvalidRequest("invalid 'from' date format (use RFC3339)"), requestID)
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			apperr.Write(w, apperr.InvalidRequest("invalid 'to' date format (use RFC3339)"), requestID)
			return
		}
	}
	if !from.Before(to) {
		apperr.Write(w, apperr.InvalidRequest("'from' must be before 'to'"), requestID)
		return
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 || limit > 1000 {
			apperr.Write(w, apperr.InvalidRequest("limit must be between 1 and 1000"), requestID)
			return
		}
	}

	totals, err := h.usage.Totals(ctx, t, from, to)
	if err != nil {
		apperr.Write(w, err, requestID)
		return
	}
	var totalCost float64
	var requests int64
	for _, tot := range totals {
		totalCost += tot.CostUSD
		requests += tot.Requests
	}

	out := map[string]interface{}{
		"tenant_id":      t.ID,
		"from":           from,
		"to":             to,
		"total_requests": requests,
		"total_cost_usd": totalCost,
		"totals":         totals,
	}

	if q.Get("group") == "day" {
		daily, err := h.usage.Daily(ctx, t, from, to)
		if err != nil {
			apperr.Write(w, err, requestID)
			return
		}
		out["daily"] = daily
	} else {
		records, err := h.usage.Scan(ctx, t, from, to, limit)
		if err != nil {
			apperr.Write(w, err, requestID)
			return
		}
		out["records"] = records
	}

	if used, err := h.quota.Usage(ctx, t); err == nil {
		out["quota"] = map[string]int64{"used": used, "limit": t.Limits.MonthlyQuota}
	}

	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
