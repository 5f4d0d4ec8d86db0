package apperr

import (
	"errors"
	"fmt"
)

// Kind groups error codes into the categories callers branch on.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindExpired    Kind = "expired"
	KindAuth       Kind = "auth"
	KindStorage    Kind = "storage"
	KindDelivery   Kind = "delivery"
)

// Error is the error type returned by the service layer.
// Two errors match under errors.Is when their codes are equal.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func newErr(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrValidationFailed      = newErr(KindValidation, "validation_failed", "validation failed")
	ErrInvalidAmount         = newErr(KindValidation, "invalid_amount", "amount must be a positive value with at most two decimal places")
	ErrDuplicateEmail        = newErr(KindConflict, "duplicate_email", "an account with this email or username already exists")
	ErrNotPending            = newErr(KindConflict, "not_pending", "request has already been resolved")
	ErrVersionConflict       = newErr(KindConflict, "version_conflict", "record was modified concurrently")
	ErrIdempotencyConflict   = newErr(KindConflict, "idempotency_conflict", "idempotency key was already used for a different request")
	ErrNotFound              = newErr(KindNotFound, "not_found", "not found")
	ErrStudentNotFound       = newErr(KindNotFound, "student_not_found", "student not found")
	ErrNoPendingVerification = newErr(KindNotFound, "no_pending_verification", "no pending email verification")
	ErrNoPendingChallenge    = newErr(KindNotFound, "no_pending_challenge", "no pending MFA challenge")
	ErrExpired               = newErr(KindExpired, "expired", "code has expired")
	ErrInvalidCredentials    = newErr(KindAuth, "invalid_credentials", "invalid email or password")
	ErrEmailNotVerified      = newErr(KindAuth, "email_not_verified", "please verify your email address before signing in")
	ErrCodeMismatch          = newErr(KindAuth, "code_mismatch", "invalid verification code")
	ErrInvalidToken          = newErr(KindAuth, "invalid_token", "invalid or expired token")
	ErrForbidden             = newErr(KindAuth, "forbidden", "not allowed")
	ErrStorageUnavailable    = newErr(KindStorage, "storage_unavailable", "storage unavailable")
	ErrDeliveryFailed        = newErr(KindDelivery, "delivery_failed", "could not deliver verification code")
)

// Validation returns a validation_failed error carrying a specific message.
func Validation(format string, args ...any) error {
	return &Error{
		Kind:    KindValidation,
		Code:    ErrValidationFailed.Code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap attaches a cause to one of the package errors.
func Wrap(base *Error, err error) error {
	return &Error{Kind: base.Kind, Code: base.Code, Message: base.Message, Err: err}
}

// Storage passes taxonomy errors through and wraps everything else as
// storage_unavailable.
func Storage(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Wrap(ErrStorageUnavailable, err)
}

// KindOf reports the kind of err, or KindStorage for errors outside the taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorage
}

// CodeOf reports the code of err, or storage_unavailable for errors outside the taxonomy.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrStorageUnavailable.Code
}
