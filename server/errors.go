package server

import (
	"errors"
	"fmt"
)

// Flow error codes reported by CompleteSignIn.
const (
	ErrorCodeInvalidState   = "invalid_state"
	ErrorCodeExpiredState   = "expired_state"
	ErrorCodeNonceMismatch  = "nonce_mismatch"
	ErrorCodeExchangeFailed = "exchange_failed"
)

// FlowError is returned when an authorization callback cannot be completed.
// errors.Is matches on Code, so callers can test against the sentinels below.
type FlowError struct {
	Code        string
	Description string
	Err         error
}

func (e *FlowError) Error() string {
	msg := e.Code
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a FlowError with the same code.
func (e *FlowError) Is(target error) bool {
	var t *FlowError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	// ErrInvalidState means the callback's state names no pending flow,
	// including one that was already consumed.
	ErrInvalidState = &FlowError{Code: ErrorCodeInvalidState}

	// ErrExpiredState means the pending flow outlived its TTL.
	ErrExpiredState = &FlowError{Code: ErrorCodeExpiredState}

	// ErrNonceMismatch means the ID token does not echo the flow's nonce.
	ErrNonceMismatch = &FlowError{Code: ErrorCodeNonceMismatch}

	// ErrExchangeFailed means the identity provider rejected the code or
	// returned an unusable response.
	ErrExchangeFailed = &FlowError{Code: ErrorCodeExchangeFailed}
)

func newFlowError(code, description string, err error) *FlowError {
	return &FlowError{Code: code, Description: description, Err: err}
}

var (
	// ErrNeedsInteraction means no usable token can be obtained silently and
	// the user must sign in again.
	ErrNeedsInteraction = errors.New("interactive sign-in required")

	// ErrTransientRefresh means a refresh failed for a reason that may go
	// away on retry (network, provider outage, throttling).
	ErrTransientRefresh = errors.New("token refresh failed transiently")

	// ErrInvalidRequest means StartSignIn was given unusable scopes or an
	// unsafe return path.
	ErrInvalidRequest = errors.New("invalid sign-in request")

	// ErrNoSession means the session reference is missing, invalid, expired
	// or names no stored session.
	ErrNoSession = errors.New("no session")
)

func needsInteraction(reason string) error {
	return fmt.Errorf("%w: %s", ErrNeedsInteraction, reason)
}

// transient wraps cause so that errors.Is matches both ErrTransientRefresh
// and cause.
func transient(cause error) error {
	return fmt.Errorf("%w: %w", ErrTransientRefresh, cause)
}
