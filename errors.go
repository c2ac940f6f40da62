package tokenkeeper

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/tokenkeeper/server"
)

// Error codes written in JSON error bodies
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidState            = server.ErrorCodeInvalidState
	ErrorCodeExpiredState            = server.ErrorCodeExpiredState
	ErrorCodeNonceMismatch           = server.ErrorCodeNonceMismatch
	ErrorCodeExchangeFailed          = server.ErrorCodeExchangeFailed
	ErrorCodeNeedsInteractive        = "needs_interactive"
	ErrorCodeTransientRefreshFailure = "transient_refresh_failure"
	ErrorCodeUnauthenticated         = "unauthenticated"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeDownstreamError         = "downstream_error"
	ErrorCodeServerError             = "server_error"
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
)

// OAuthError is an error response of the HTTP surface
type OAuthError struct {
	Code        string // error code (e.g., "invalid_state", "needs_interactive")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrUnauthenticated indicates the request carries no valid session
	ErrUnauthenticated = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnauthenticated, desc, http.StatusUnauthorized)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)

// ErrorFromDomain maps an error returned by the server package to its HTTP
// representation. A sign-in failure never leaks the underlying cause.
//
//	invalid_state, expired_state, nonce_mismatch  400
//	exchange_failed                               502
//	needs_interactive                             401 (handlers redirect instead)
//	transient_refresh_failure                     503
//	invalid_request                               400
//	anything else                                 500
func ErrorFromDomain(err error) *OAuthError {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe
	}

	var fe *server.FlowError
	if errors.As(err, &fe) {
		switch fe.Code {
		case server.ErrorCodeExchangeFailed:
			return NewOAuthError(fe.Code, "The identity provider rejected the sign-in. Please sign in again.", http.StatusBadGateway)
		case server.ErrorCodeExpiredState:
			return NewOAuthError(fe.Code, "The sign-in request expired. Please sign in again.", http.StatusBadRequest)
		case server.ErrorCodeNonceMismatch:
			return NewOAuthError(fe.Code, "The sign-in response could not be verified. Please sign in again.", http.StatusBadRequest)
		default:
			return NewOAuthError(fe.Code, "Unknown or already used sign-in request. Please sign in again.", http.StatusBadRequest)
		}
	}

	switch {
	case errors.Is(err, server.ErrNeedsInteraction):
		return NewOAuthError(ErrorCodeNeedsInteractive, "Interactive sign-in required", http.StatusUnauthorized)
	case errors.Is(err, server.ErrTransientRefresh):
		return NewOAuthError(ErrorCodeTransientRefreshFailure, "Token refresh failed. Please retry.", http.StatusServiceUnavailable)
	case errors.Is(err, server.ErrInvalidRequest):
		return ErrInvalidRequest(err.Error())
	case errors.Is(err, server.ErrNoSession):
		return ErrUnauthenticated("No valid session")
	}
	return ErrServerError("Internal error")
}
