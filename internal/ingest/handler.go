// Package ingest accepts usage records pushed by remote forwarding agents
// that already made the vendor call themselves.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vnmchuo/tenant-gateway/internal/apperr"
	"github.com/vnmchuo/tenant-gateway/internal/auth"
	"github.com/vnmchuo/tenant-gateway/internal/ledger"
	"github.com/vnmchuo/tenant-gateway/internal/pricing"
	"github.com/vnmchuo/tenant-gateway/internal/telemetry"
)

const maxBody = 16 << 20

type BatchAppender interface {
	AppendBatch(ctx context.Context, records []*ledger.Record) (*ledger.BatchResult, error)
}

type Pricer interface {
	Cost(vendor, model string, inputTokens, outputTokens *int64, at time.Time) (pricing.Cost, error)
}

type Handler struct {
	ledger  BatchAppender
	prices  Pricer
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

func NewHandler(l BatchAppender, prices Pricer, metrics *telemetry.Metrics, logger *zap.Logger) *Handler {
	return &Handler{ledger: l, prices: prices, metrics: metrics, logger: logger}
}

// Routes mounts the ingestion endpoint. The caller guards it with the edge
// shared secret.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.handleBatch)
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	requestID := auth.RequestID(r.Context())

	var records []*ledger.Record
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&records); err != nil {
		apperr.Write(w, apperr.InvalidRequest("body must be a JSON array of usage records"), requestID)
		return
	}
	if len(records) == 0 {
		apperr.Write(w, apperr.InvalidRequest("batch is empty"), requestID)
		return
	}

	for _, rec := range records {
		if rec != nil {
			h.prepare(rec)
		}
	}

	res, err := h.ledger.AppendBatch(r.Context(), records)
	if err != nil {
		h.logger.Error("edge batch ingestion failed", zap.Int("records", len(records)), zap.Error(err))
		apperr.Write(w, err, requestID)
		return
	}

	h.metrics.IngestRecords.WithLabelValues("accepted").Add(float64(res.Accepted - res.Duplicates))
	h.metrics.IngestRecords.WithLabelValues("duplicate").Add(float64(res.Duplicates))
	h.metrics.IngestRecords.WithLabelValues("rejected").Add(float64(len(res.Rejected)))
	if len(res.Rejected) > 0 {
		h.logger.Warn("edge batch had rejected records",
			zap.Int("accepted", res.Accepted), zap.Int("rejected", len(res.Rejected)))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(res)
}

// prepare marks the record as edge-sourced and prices it from the local
// table. Agent-supplied costs are not trusted.
func (h *Handler) prepare(rec *ledger.Record) {
	// Pricing keys on the canonical vendor name.
	rec.Normalize()
	rec.Source = ledger.SourceEdge
	if rec.CreatedAt.IsZero() {
		return
	}
	cost, err := h.prices.Cost(rec.Vendor, rec.Model, rec.InputTokens, rec.OutputTokens, rec.CreatedAt)
	if errors.Is(err, pricing.ErrNoPrice) {
		h.metrics.CostUnresolved.WithLabelValues(rec.Vendor, rec.Model).Inc()
	}
	rec.CostUSD = cost.Amount
	rec.CostStatus = cost.Status
}
