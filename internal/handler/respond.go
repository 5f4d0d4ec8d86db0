package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/hapo/internal/apperr"
	"github.com/dukerupert/hapo/internal/middleware"
)

// envelope is the body of every API response.
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string      `json:"code"`
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	if errors.Is(err, apperr.ErrForbidden) {
		return http.StatusForbidden
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindExpired:
		return http.StatusGone
	case apperr.KindAuth:
		return http.StatusUnauthorized
	case apperr.KindDelivery:
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

func errorBodyFor(err error) *errorBody {
	body := &errorBody{
		Code:    apperr.CodeOf(err),
		Kind:    apperr.KindOf(err),
		Message: apperr.ErrStorageUnavailable.Message,
	}
	var e *apperr.Error
	if errors.As(err, &e) {
		body.Message = e.Message
	}
	return body
}

// writeError renders err in the envelope. data, when non-nil, is returned
// alongside the error so the client can recover (for example, the account
// id of a sign-up whose code could not be delivered).
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, data any) {
	status := StatusFor(err)
	if status >= 500 {
		logger.Error("request failed",
			"request_id", middleware.RequestID(r.Context()),
			"path", r.URL.Path,
			"code", apperr.CodeOf(err),
			"error", err,
		)
	}
	writeJSON(w, status, envelope{Success: false, Data: data, Error: errorBodyFor(err)})
}
