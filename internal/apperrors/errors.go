package apperrors

import "errors"

// Error kinds. Every business error unwraps to exactly one of these.
var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Error is a business-rule violation returned verbatim to callers
type Error struct {
	Kind    error
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes the kind so errors.Is(err, ErrConflict) works
func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(kind error, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Referral and ledger errors
var (
	ErrDriverNotFound   = newError(ErrNotFound, "driver_not_found", "driver not found")
	ErrReferralNotFound = newError(ErrNotFound, "referral_not_found", "referral not found")
	ErrInvalidCode      = newError(ErrNotFound, "invalid_code", "invalid referral code")

	ErrClosed            = newError(ErrConflict, "referral_closed", "referral code is no longer active")
	ErrAlreadyUsed       = newError(ErrConflict, "code_already_used", "referral code has already been used")
	ErrSelfReferral      = newError(ErrConflict, "self_referral", "drivers cannot redeem their own referral code")
	ErrAlreadyReferred   = newError(ErrConflict, "already_referred", "driver has already been referred")
	ErrInvalidTransition = newError(ErrConflict, "invalid_transition", "referral is not pending")

	ErrMalformedCode   = newError(ErrInvalidInput, "malformed_code", "referral code format is invalid")
	ErrInvalidAmount   = newError(ErrInvalidInput, "invalid_amount", "amount must be greater than zero")
	ErrInvalidProgress = newError(ErrInvalidInput, "invalid_progress", "progress counters must not be negative")

	ErrConcurrentUpdate = newError(ErrConflict, "concurrent_update", "record was modified concurrently, retry the request")

	ErrNotEnoughBalance = newError(ErrInsufficientBalance, "insufficient_balance", "insufficient balance")
)

// CodeOf returns the machine readable code of err, or "" for non-business errors
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsBusiness reports whether err is a business-rule violation rather than an infrastructure failure
func IsBusiness(err error) bool {
	var appErr *Error
	return errors.As(err, &appErr)
}
