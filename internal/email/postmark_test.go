package email

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/dukerupert/hapo/internal/model"
)

func TestDeliverVerificationCode(t *testing.T) {
	var received postmarkEmail
	var gotToken string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Postmark-Server-Token")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"MessageID": "test-id"}`))
	}))
	defer server.Close()

	client := NewClient("test-token", "noreply@example.com", WithAPIURL(server.URL), WithHTTPClient(server.Client()))
	if err := client.Deliver(context.Background(), "alice@example.com", "123456", model.PurposeEmailVerification); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if gotToken != "test-token" {
		t.Errorf("server token = %q, want %q", gotToken, "test-token")
	}
	if received.To != "alice@example.com" {
		t.Errorf("To = %q, want %q", received.To, "alice@example.com")
	}
	if received.Subject != "Verify your Hapo email" {
		t.Errorf("Subject = %q", received.Subject)
	}
	if !strings.Contains(received.TextBody, "123456") || !strings.Contains(received.TextBody, "10 minutes") {
		t.Errorf("TextBody = %q", received.TextBody)
	}
}

func TestDeliverMFASubject(t *testing.T) {
	var received postmarkEmail
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
	}))
	defer server.Close()

	client := NewClient("test-token", "noreply@example.com", WithAPIURL(server.URL))
	if err := client.Deliver(context.Background(), "bob@example.com", "654321", model.PurposeMFA); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if received.Subject != "Your Hapo sign-in code" {
		t.Errorf("Subject = %q", received.Subject)
	}
	if !strings.Contains(received.TextBody, "5 minutes") {
		t.Errorf("TextBody = %q", received.TextBody)
	}
}

func TestDeliverRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient("test-token", "noreply@example.com", WithAPIURL(server.URL))
	if err := client.Deliver(context.Background(), "a@b.com", "111111", model.PurposeMFA); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestDeliverDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := NewClient("test-token", "noreply@example.com", WithAPIURL(server.URL))
	if err := client.Deliver(context.Background(), "a@b.com", "111111", model.PurposeMFA); err == nil {
		t.Fatal("expected error for 422")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestDeliverNotConfigured(t *testing.T) {
	client := NewClient("", "noreply@example.com")
	if err := client.Deliver(context.Background(), "a@b.com", "123456", model.PurposeMFA); err == nil {
		t.Fatal("expected error for unconfigured client")
	}
}

func TestLogDeliverer(t *testing.T) {
	var buf bytes.Buffer
	d := NewLogDeliverer(slog.New(slog.NewTextHandler(&buf, nil)))
	if err := d.Deliver(context.Background(), "a@b.com", "424242", model.PurposeEmailVerification); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !strings.Contains(buf.String(), "424242") {
		t.Errorf("log = %q, want code", buf.String())
	}
}
