package handler

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"nameguard-service/internal/ledger"
	"nameguard-service/internal/models"
	"nameguard-service/internal/service"
	"nameguard-service/internal/util"
)

var errUnauthorized = errors.New("unauthorized")

// AdminHandler exposes operator commands. Every route needs the admin bearer
// token; with no token configured the routes are not mounted.
type AdminHandler struct {
	responder
	svc   *service.VerificationService
	token string
}

func NewAdminHandler(svc *service.VerificationService, token string, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{responder: responder{logger: logger}, svc: svc, token: token}
}

// BindingSummary is the list form of a binding.
type BindingSummary struct {
	Key           string            `json:"key"`
	PreferredName string            `json:"preferred_name"`
	AccountClass  models.Edition    `json:"account_class"`
	Trust         ledger.TrustLevel `json:"trust"`
	Fingerprints  int               `json:"fingerprints"`
	FirstSeen     time.Time         `json:"first_seen"`
	LastSeen      time.Time         `json:"last_seen"`
	TotalPlaytime string            `json:"total_playtime"`
}

func summarize(b *ledger.Binding) BindingSummary {
	return BindingSummary{
		Key:           b.Key,
		PreferredName: b.PreferredName,
		AccountClass:  b.AccountClass,
		Trust:         b.Trust,
		Fingerprints:  len(b.Fingerprints),
		FirstSeen:     b.FirstSeen,
		LastSeen:      b.LastSeen,
		TotalPlaytime: b.TotalPlaytime.String(),
	}
}

type trustRequest struct {
	Trust string `json:"trust"`
}

func (h *AdminHandler) RegisterRoutes(router chi.Router) {
	if h.token == "" {
		h.logger.Warn("ADMIN_TOKEN is empty; admin routes are disabled")
		return
	}
	router.Route("/admin", func(r chi.Router) {
		r.Use(h.requireToken)

		r.Get("/bindings", h.ListBindings)
		r.Get("/bindings/{name}", h.GetBinding)
		r.Post("/bindings/{name}/bind", h.Bind)
		r.Delete("/bindings/{name}", h.Unbind)
		r.Put("/bindings/{name}/trust", h.SetTrust)

		r.Post("/policy/reload", h.ReloadPolicy)

		r.Get("/allowlist", h.ListAllowed)
		r.Put("/allowlist/{name}", h.Allow)
		r.Delete("/allowlist/{name}", h.Disallow)
	})
}

func (h *AdminHandler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			h.respondWithError(w, http.StatusUnauthorized, errUnauthorized, "Admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *AdminHandler) ListBindings(w http.ResponseWriter, r *http.Request) {
	bindings, err := h.svc.Export(r.Context())
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to list bindings")
		return
	}
	out := make([]BindingSummary, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, summarize(b))
	}
	resp := successResponse(out, "")
	resp.Meta = &Meta{Total: len(out)}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) GetBinding(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.Check(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to get binding")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(b, ""))
}

func (h *AdminHandler) Bind(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.Bind(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to bind name")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(summarize(b), "Binding locked"))
}

func (h *AdminHandler) Unbind(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	removed, err := h.svc.Unbind(r.Context(), name)
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to unbind name")
		return
	}
	if !removed {
		h.respondWithError(w, http.StatusNotFound, service.ErrBindingNotFound, "Failed to unbind name")
		return
	}
	h.logger.Info("Binding removed via HTTP", util.String("name", util.SanitizeInput(name)))
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Binding removed"))
}

func (h *AdminHandler) SetTrust(w http.ResponseWriter, r *http.Request) {
	var req trustRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	b, err := h.svc.SetTrust(r.Context(), chi.URLParam(r, "name"), req.Trust)
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to set trust")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(summarize(b), "Trust updated"))
}

func (h *AdminHandler) ReloadPolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Reload(r.Context()); err != nil {
		status := getStatusCode(err)
		if status == http.StatusInternalServerError {
			// Decode and validation failures leave the old policy in place.
			status = http.StatusUnprocessableEntity
		}
		h.respondWithError(w, status, err, "Failed to reload policy")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Policy reloaded"))
}

func (h *AdminHandler) ListAllowed(w http.ResponseWriter, r *http.Request) {
	keys, err := h.svc.AllowList(r.Context())
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to list allow-list")
		return
	}
	resp := successResponse(keys, "")
	resp.Meta = &Meta{Total: len(keys)}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) Allow(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Allow(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to allow name")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Name allowed"))
}

func (h *AdminHandler) Disallow(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Disallow(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to disallow name")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Name disallowed"))
}
