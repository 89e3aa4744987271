package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"nameguard-service/internal/credential"
	"nameguard-service/internal/service"
	"nameguard-service/internal/util"
)

const maxBodyBytes = 64 << 10

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// Meta carries list sizes
type Meta struct {
	Total int `json:"total"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// responder is embedded by every handler for the shared JSON plumbing.
type responder struct {
	logger *zap.Logger
}

func (h responder) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h responder) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// decodeJSON reads a bounded JSON body into dst. Unknown fields are rejected.
func (h responder) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", service.ErrInvalidInput, err)
	}
	return nil
}

// getStatusCode determines the appropriate HTTP status code for an error
func getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, credential.ErrEmptyCredential):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrBindingNotFound), errors.Is(err, credential.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNoLiveSession), errors.Is(err, credential.ErrNotInChallenge),
		errors.Is(err, service.ErrAlreadyRegistered):
		return http.StatusConflict
	case errors.Is(err, credential.ErrSessionTerminated):
		return http.StatusGone
	case errors.Is(err, service.ErrNoPolicyFile):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}
