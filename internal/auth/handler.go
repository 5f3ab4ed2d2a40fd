package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vnmchuo/tenant-gateway/internal/apperr"
	"github.com/vnmchuo/tenant-gateway/internal/tenant"
)

// TenantGetter loads a tenant for the admin handlers. *tenant.Service
// satisfies it.
type TenantGetter interface {
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
}

type KeyHandler struct {
	keys    *Keys
	tenants TenantGetter
}

func NewKeyHandler(keys *Keys, tenants TenantGetter) *KeyHandler {
	return &KeyHandler{keys: keys, tenants: tenants}
}

// Routes mounts on /admin/tenants/{tenantID}/keys.
func (h *KeyHandler) Routes(r chi.Router) {
	r.Post("/", h.HandleIssue)
	r.Get("/", h.HandleList)
	r.Delete("/{keyID}", h.HandleRevoke)
}

type issueRequest struct {
	Name string `json:"name"`
}

type issueResponse struct {
	Key    string  `json:"key"`
	APIKey *APIKey `json:"api_key"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *KeyHandler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.Write(w, apperr.InvalidRequest("invalid request body"), RequestID(ctx))
		return
	}
	t, err := h.tenants.Get(ctx, chi.URLParam(r, "tenantID"))
	if err != nil {
		apperr.Write(w, err, RequestID(ctx))
		return
	}
	plaintext, key, err := h.keys.Issue(ctx, t, req.Name)
	if err != nil {
		apperr.Write(w, err, RequestID(ctx))
		return
	}
	writeJSON(w, http.StatusCreated, issueResponse{Key: plaintext, APIKey: key})
}

func (h *KeyHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := h.tenants.Get(ctx, chi.URLParam(r, "tenantID"))
	if err != nil {
		apperr.Write(w, err, RequestID(ctx))
		return
	}
	keys, err := h.keys.List(ctx, t)
	if err != nil {
		apperr.Write(w, err, RequestID(ctx))
		return
	}
	if keys == nil {
		keys = []*APIKey{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (h *KeyHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := h.tenants.Get(ctx, chi.URLParam(r, "tenantID"))
	if err != nil {
		apperr.Write(w, err, RequestID(ctx))
		return
	}
	if err := h.keys.Revoke(ctx, t, chi.URLParam(r, "keyID")); err != nil {
		apperr.Write(w, err, RequestID(ctx))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
