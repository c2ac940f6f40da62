// Package server implements the delegated token lifecycle.
//
// A Server coordinates four parts:
//   - Sign-in flows (StartSignIn / CompleteSignIn): authorization requests
//     carrying state, nonce and an S256 PKCE challenge, and their callbacks.
//   - TokenAcquirer: silent acquisition from the token cache, refreshing with
//     the identity provider when needed. Concurrent refreshes of one
//     (account, scope set) key share a single provider call.
//   - RefreshScheduler: a background sweep that force-refreshes tokens close
//     to expiry so foreground requests rarely wait on the network.
//   - SessionManager: signed session references backed by server-side records.
//
// Errors callers act on:
//   - *FlowError (ErrInvalidState, ErrExpiredState, ErrNonceMismatch,
//     ErrExchangeFailed) from CompleteSignIn.
//   - ErrNeedsInteraction when the user has to sign in again.
//   - ErrTransientRefresh when a retry may succeed.
//   - ErrNoSession for any session reference that does not resolve.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(provider, store, store, store, &server.Config{
//	    BaseURL:           "https://app.example.com",
//	    DefaultScopes:     []string{"User.Read"},
//	    SessionSigningKey: secret,
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv.Start(ctx)
//	defer srv.Shutdown(context.Background())
//
//	tok, err := srv.AcquireTokenSilent(ctx, accountID, []string{"User.Read"})
package server
