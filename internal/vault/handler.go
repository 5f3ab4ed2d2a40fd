package vault

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/vnmchuo/tenant-gateway/internal/apperr"
	"github.com/vnmchuo/tenant-gateway/internal/provider"
	"github.com/vnmchuo/tenant-gateway/internal/tenant"
)

type TenantGetter interface {
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
}

type Handler struct {
	vault   *Vault
	tenants TenantGetter
}

func NewHandler(v *Vault, tenants TenantGetter) *Handler {
	return &Handler{vault: v, tenants: tenants}
}

// Routes mounts on /admin/tenants/{tenantID}/vendor-keys.
func (h *Handler) Routes(r chi.Router) {
	r.Put("/{vendor}", h.HandlePut)
	r.Delete("/{vendor}", h.HandleDelete)
}

type putRequest struct {
	APIKey string `json:"api_key"`
}

func (h *Handler) target(r *http.Request) (*tenant.Tenant, provider.Vendor, error) {
	vendor, err := provider.ParseVendor(chi.URLParam(r, "vendor"))
	if err != nil {
		return nil, "", apperr.NotFound(err.Error())
	}
	t, err := h.tenants.Get(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		return nil, "", err
	}
	return t, vendor, nil
}

func (h *Handler) HandlePut(w http.ResponseWriter, r *http.Request) {
	reqID := chimiddleware.GetReqID(r.Context())
	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.Write(w, apperr.InvalidRequest("invalid request body"), reqID)
		return
	}
	t, vendor, err := h.target(r)
	if err != nil {
		apperr.Write(w, err, reqID)
		return
	}
	if err := h.vault.Put(r.Context(), t, vendor, req.APIKey); err != nil {
		apperr.Write(w, err, reqID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	reqID := chimiddleware.GetReqID(r.Context())
	t, vendor, err := h.target(r)
	if err != nil {
		apperr.Write(w, err, reqID)
		return
	}
	if err := h.vault.Delete(r.Context(), t, vendor); err != nil {
		apperr.Write(w, err, reqID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
