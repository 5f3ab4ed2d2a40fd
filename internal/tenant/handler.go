package tenant

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/vnmchuo/tenant-gateway/internal/apperr"
)

// Handler exposes the administrative tenant operations.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes mounts the handlers on an /admin/tenants sub-router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.HandleCreate)
	r.Get("/", h.HandleList)
	r.Get("/{tenantID}", h.HandleGet)
	r.Patch("/{tenantID}", h.HandleUpdate)
	r.Delete("/{tenantID}", h.HandleDelete)
	r.Post("/{tenantID}/provision", h.HandleProvision)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		apperr.Write(w, apperr.InvalidRequest("invalid request body"), chimiddleware.GetReqID(r.Context()))
		return
	}
	t, err := h.svc.Create(r.Context(), in)
	if err != nil {
		apperr.Write(w, err, chimiddleware.GetReqID(r.Context()))
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.List(r.Context())
	if err != nil {
		apperr.Write(w, err, chimiddleware.GetReqID(r.Context()))
		return
	}
	if list == nil {
		list = []*Tenant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": list})
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Get(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		apperr.Write(w, err, chimiddleware.GetReqID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var in UpdateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		apperr.Write(w, apperr.InvalidRequest("invalid request body"), chimiddleware.GetReqID(r.Context()))
		return
	}
	t, err := h.svc.Update(r.Context(), chi.URLParam(r, "tenantID"), in)
	if err != nil {
		apperr.Write(w, err, chimiddleware.GetReqID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "tenantID")); err != nil {
		apperr.Write(w, err, chimiddleware.GetReqID(r.Context()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleProvision(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Provision(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		apperr.Write(w, err, chimiddleware.GetReqID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"tenant_id": p.TenantID,
		"partition": p.Schema,
	})
}
