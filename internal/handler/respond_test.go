package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dukerupert/hapo/internal/apperr"
	"github.com/dukerupert/hapo/internal/middleware"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.Validation("bad"), http.StatusBadRequest},
		{apperr.ErrInvalidAmount, http.StatusBadRequest},
		{apperr.ErrStudentNotFound, http.StatusNotFound},
		{apperr.ErrNotPending, http.StatusConflict},
		{apperr.ErrDuplicateEmail, http.StatusConflict},
		{apperr.ErrExpired, http.StatusGone},
		{apperr.ErrCodeMismatch, http.StatusUnauthorized},
		{apperr.ErrForbidden, http.StatusForbidden},
		{apperr.ErrDeliveryFailed, http.StatusBadGateway},
		{apperr.Storage(errors.New("disk")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		if got := StatusFor(tc.err); got != tc.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	req := httptest.NewRequest(http.MethodGet, "/api/children", nil)
	writeError(rec, req, logger, apperr.Wrap(apperr.ErrStorageUnavailable, errors.New("secret detail")), nil)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["success"] != false {
		t.Errorf("success = %v, want false", body["success"])
	}
	if _, ok := body["data"]; ok {
		t.Error("data should be omitted when nil")
	}
	e := body["error"].(map[string]any)
	if e["code"] != "storage_unavailable" || e["kind"] != "storage" {
		t.Errorf("error = %v", e)
	}
	if strings.Contains(rec.Body.String(), "secret detail") {
		t.Error("cause must not leak into the response")
	}
}

func TestWriteErrorWithData(t *testing.T) {
	rec := httptest.NewRecorder()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup", nil)
	writeError(rec, req, logger, apperr.ErrDeliveryFailed, map[string]string{"account_id": "a1"})

	var body struct {
		Data  map[string]string `json:"data"`
		Error errorBody         `json:"error"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Data["account_id"] != "a1" {
		t.Errorf("data = %v", body.Data)
	}
	if body.Error.Code != "delivery_failed" {
		t.Errorf("code = %q", body.Error.Code)
	}
}

func TestWriteErrorLogsRequestID(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	h := middleware.RequestLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, r, logger, apperr.Storage(errors.New("disk full")), nil)
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/transactions", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var entry map[string]any
	if err := json.Unmarshal(logs.Bytes(), &entry); err != nil {
		t.Fatalf("decode log: %v (%s)", err, logs.String())
	}
	if entry["request_id"] != "req-42" {
		t.Errorf("request_id = %v, want req-42", entry["request_id"])
	}
	if entry["path"] != "/api/transactions" {
		t.Errorf("path = %v", entry["path"])
	}
}
