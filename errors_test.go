package tokenkeeper

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/giantswarm/tokenkeeper/server"
)

func TestErrorFromDomain(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"invalid state", server.ErrInvalidState, ErrorCodeInvalidState, http.StatusBadRequest},
		{"expired state", server.ErrExpiredState, ErrorCodeExpiredState, http.StatusBadRequest},
		{"nonce mismatch", server.ErrNonceMismatch, ErrorCodeNonceMismatch, http.StatusBadRequest},
		{"exchange failed", server.ErrExchangeFailed, ErrorCodeExchangeFailed, http.StatusBadGateway},
		{
			name:       "wrapped flow error",
			err:        fmt.Errorf("callback: %w", &server.FlowError{Code: server.ErrorCodeExpiredState, Description: "late"}),
			wantCode:   ErrorCodeExpiredState,
			wantStatus: http.StatusBadRequest,
		},
		{"needs interaction", fmt.Errorf("%w: revoked", server.ErrNeedsInteraction), ErrorCodeNeedsInteractive, http.StatusUnauthorized},
		{"transient", fmt.Errorf("%w: timeout", server.ErrTransientRefresh), ErrorCodeTransientRefreshFailure, http.StatusServiceUnavailable},
		{"invalid request", fmt.Errorf("%w: bad scope", server.ErrInvalidRequest), ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"no session", server.ErrNoSession, ErrorCodeUnauthenticated, http.StatusUnauthorized},
		{"http error passes through", NewOAuthError(ErrorCodeRateLimitExceeded, "slow down", http.StatusTooManyRequests), ErrorCodeRateLimitExceeded, http.StatusTooManyRequests},
		{"unknown", errors.New("boom"), ErrorCodeServerError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ErrorFromDomain(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", got.Code, tt.wantCode)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", got.Status, tt.wantStatus)
			}
		})
	}
}

func TestErrorFromDomain_HidesCause(t *testing.T) {
	err := &server.FlowError{
		Code: server.ErrorCodeExchangeFailed,
		Err:  errors.New("client secret expired for app 1234"),
	}
	if got := ErrorFromDomain(err); got.Description == err.Error() {
		t.Errorf("Description leaks the cause: %q", got.Description)
	}
}

func TestOAuthError_Error(t *testing.T) {
	err := NewOAuthError(ErrorCodeInvalidRequest, "missing state", http.StatusBadRequest)
	if got, want := err.Error(), "invalid_request: missing state"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
