package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"nameguard-service/internal/credential"
	"nameguard-service/internal/models"
	"nameguard-service/internal/service"
	"nameguard-service/internal/util"
)

// VerificationHandler serves the endpoints the game host calls during a
// player's connection.
type VerificationHandler struct {
	responder
	svc *service.VerificationService
}

func NewVerificationHandler(svc *service.VerificationService, logger *zap.Logger) *VerificationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VerificationHandler{responder: responder{logger: logger}, svc: svc}
}

// DecisionResponse is the wire form of a models.Decision.
type DecisionResponse struct {
	Outcome  models.Outcome  `json:"outcome"`
	Decision models.Decision `json:"decision"`
}

type credentialRequest struct {
	Credential string `json:"credential"`
}

type authorizeResponse struct {
	Action  credential.Action `json:"action"`
	Allowed bool              `json:"allowed"`
}

// sessionView omits the pending fingerprint.
type sessionView struct {
	ID          string              `json:"id"`
	Key         string              `json:"name_key"`
	DisplayName string              `json:"display_name"`
	Edition     models.Edition      `json:"edition"`
	State       models.SessionState `json:"state"`
	Failures    int                 `json:"failures"`
	StartedAt   time.Time           `json:"started_at"`
}

func (h *VerificationHandler) RegisterRoutes(router chi.Router) {
	router.Post("/verify", h.Verify)
	router.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Post("/credential", h.SubmitCredential)
		r.Get("/authorize", h.Authorize)
		r.Post("/end", h.EndSession)
	})
}

// Verify decides one connection attempt. Every decision, including Denied,
// is a 200; only malformed requests fail.
func (h *VerificationHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var attempt models.ConnectionAttempt
	if err := h.decodeJSON(w, r, &attempt); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	decision, err := h.svc.Verify(r.Context(), attempt)
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Verification failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(DecisionResponse{
		Outcome:  decision.Outcome(),
		Decision: decision,
	}, ""))
}

func (h *VerificationHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Session(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to get session")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(sessionView{
		ID:          sess.ID,
		Key:         sess.Key,
		DisplayName: sess.DisplayName,
		Edition:     sess.Edition,
		State:       sess.State,
		Failures:    sess.Failures,
		StartedAt:   sess.StartedAt,
	}, ""))
}

func (h *VerificationHandler) SubmitCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	res, err := h.svc.SubmitCredential(r.Context(), sessionID, req.Credential)
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to submit credential")
		return
	}
	h.logger.Info("Credential submitted",
		util.String("session_id", sessionID),
		util.String("outcome", string(res.Outcome)),
	)
	h.respondWithJSON(w, http.StatusOK, successResponse(res, ""))
}

func (h *VerificationHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	action := credential.Action(r.URL.Query().Get("action"))
	if action == "" {
		h.respondWithError(w, http.StatusBadRequest, service.ErrInvalidInput, "Missing action")
		return
	}
	ok, err := h.svc.Authorize(r.Context(), chi.URLParam(r, "sessionID"), action)
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to authorize action")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(authorizeResponse{Action: action, Allowed: ok}, ""))
}

func (h *VerificationHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.EndSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to end session")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(sum, "Session ended"))
}
