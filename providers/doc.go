// Package providers defines the identity provider interface used by the token
// lifecycle and the helpers shared by its implementations.
//
// Implementations are provided in subpackages:
//   - providers/oidc: generic OpenID Connect provider built on discovery
//   - providers/entra: Microsoft Entra ID (v2.0 endpoints)
//   - providers/mock: configurable provider for tests
//
// A provider handles:
//   - authorization URL generation carrying state, nonce and a PKCE challenge
//   - authorization code exchange with the PKCE verifier
//   - refresh token redemption for a requested scope set
//   - resolving the account identity from the ID token
//   - health checks
//
// Refresh failures are classified with IsInteractionRequired. An invalid_grant
// (or interaction_required, login_required, consent_required) response means
// the stored refresh token is dead and the user has to sign in again; anything
// else is treated by callers as transient.
//
// Example usage:
//
//	provider, err := entra.NewProvider(ctx, &entra.Config{
//	    TenantID:     "contoso.onmicrosoft.com",
//	    ClientID:     "your-client-id",
//	    ClientSecret: "your-client-secret",
//	    RedirectURL:  "https://app.example.com/auth/callback",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
package providers
