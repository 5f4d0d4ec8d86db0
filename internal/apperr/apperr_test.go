package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := Wrap(ErrStorageUnavailable, errors.New("disk full"))
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Error("expected wrapped error to match ErrStorageUnavailable")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("did not expect match with ErrNotFound")
	}
}

func TestIsThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("verify email: %w", ErrCodeMismatch)
	if !errors.Is(err, ErrCodeMismatch) {
		t.Error("expected errors.Is through fmt wrap")
	}
	if KindOf(err) != KindAuth {
		t.Errorf("kind = %q, want %q", KindOf(err), KindAuth)
	}
}

func TestValidationMessage(t *testing.T) {
	err := Validation("email %s is malformed", "x")
	if !errors.Is(err, ErrValidationFailed) {
		t.Error("expected validation error to match ErrValidationFailed")
	}
	if err.Error() != "email x is malformed" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestStoragePassThrough(t *testing.T) {
	if Storage(nil) != nil {
		t.Error("expected nil for nil error")
	}
	if got := Storage(ErrDuplicateEmail); !errors.Is(got, ErrDuplicateEmail) {
		t.Errorf("got %v, want duplicate_email", got)
	}
	raw := errors.New("connection refused")
	got := Storage(raw)
	if !errors.Is(got, ErrStorageUnavailable) {
		t.Errorf("got %v, want storage_unavailable", got)
	}
	if !errors.Is(got, raw) {
		t.Error("expected cause to be preserved")
	}
}

func TestKindAndCodeOfUnknown(t *testing.T) {
	err := errors.New("boom")
	if KindOf(err) != KindStorage {
		t.Errorf("kind = %q, want %q", KindOf(err), KindStorage)
	}
	if CodeOf(err) != "storage_unavailable" {
		t.Errorf("code = %q", CodeOf(err))
	}
	if CodeOf(ErrNotPending) != "not_pending" {
		t.Errorf("code = %q", CodeOf(ErrNotPending))
	}
}
