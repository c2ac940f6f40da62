package tokenkeeper

// ErrorResponse is the JSON body of every error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// SessionInfo describes the caller's session
type SessionInfo struct {
	Authenticated bool           `json:"authenticated"`
	Account       *AccountInfo   `json:"account,omitempty"`
	Claims        map[string]any `json:"claims,omitempty"`
	ExpiresAt     int64          `json:"expires_at,omitempty"` // unix seconds, 0 when the session never expires
}

// AccountInfo is the public part of a signed-in account
type AccountInfo struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
}

// HealthResponse is the body of the health endpoint
type HealthResponse struct {
	Status   string `json:"status"`
	Provider string `json:"provider"`
	Error    string `json:"error,omitempty"`
}
