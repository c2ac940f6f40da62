package providers

import (
	"context"
	"errors"
	"slices"

	"golang.org/x/oauth2"
)

// Provider defines the interface the token lifecycle needs from an identity provider.
type Provider interface {
	// Name returns the provider name (e.g., "entra", "oidc")
	Name() string

	// AuthorizationURL builds the URL the user agent is redirected to in order to
	// start an authorization code flow. State, nonce and the PKCE challenge are
	// passed through unchanged.
	AuthorizationURL(params AuthorizationParams) string

	// ExchangeCode redeems an authorization code. codeVerifier is the PKCE
	// verifier matching the challenge sent in the authorization request.
	ExchangeCode(ctx context.Context, code string, codeVerifier string) (*oauth2.Token, error)

	// RefreshToken redeems a refresh token for a new access token covering scopes.
	// Providers may or may not rotate the refresh token; when they don't, the
	// returned token has an empty RefreshToken.
	RefreshToken(ctx context.Context, refreshToken string, scopes []string) (*oauth2.Token, error)

	// ResolveIdentity extracts the account identity from a token response,
	// typically from its ID token.
	ResolveIdentity(ctx context.Context, token *oauth2.Token) (*Identity, error)

	// HealthCheck verifies that the provider's endpoints are reachable.
	HealthCheck(ctx context.Context) error
}

// AuthorizationParams carries the per-flow values of an authorization request.
type AuthorizationParams struct {
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string

	// Scopes overrides the provider's default scopes when non-empty.
	Scopes []string

	// Prompt and LoginHint are forwarded as-is when set.
	Prompt    string
	LoginHint string
}

// Identity is the account identity asserted by an ID token.
type Identity struct {
	// AccountID is the stable cache partition key for the account.
	AccountID string

	Subject  string
	Username string
	TenantID string

	// Nonce is the nonce claim echoed back by the provider.
	Nonce string

	// Claims holds every claim of the ID token.
	Claims map[string]any
}

// ErrInteractionRequired is returned by providers when a grant can only be
// recovered by the user signing in again.
var ErrInteractionRequired = errors.New("user interaction required")

// interactionErrorCodes are the OAuth error codes after which retrying the
// same refresh token cannot succeed.
var interactionErrorCodes = []string{
	"invalid_grant",
	"interaction_required",
	"login_required",
	"consent_required",
}

// IsInteractionRequired reports whether err means the refresh token is no
// longer usable and the user must complete an interactive sign-in.
// Network failures and 5xx responses are not interaction errors.
func IsInteractionRequired(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInteractionRequired) {
		return true
	}
	return slices.Contains(interactionErrorCodes, ErrorCode(err))
}

// ErrorCode returns the OAuth error code carried by err, or "" if err is not
// an OAuth error response.
func ErrorCode(err error) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return re.ErrorCode
	}
	return ""
}
