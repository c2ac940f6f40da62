package server

import (
	"golang.org/x/oauth2"
)

// PKCEMethodS256 is the only code_challenge_method used for outgoing requests.
const PKCEMethodS256 = "S256"

// pkcePair is a PKCE verifier and its S256 challenge (RFC 7636).
type pkcePair struct {
	Verifier  string
	Challenge string
	Method    string
}

// newPKCE returns a fresh 43 character verifier and its challenge.
func newPKCE() pkcePair {
	verifier := oauth2.GenerateVerifier()
	return pkcePair{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		Method:    PKCEMethodS256,
	}
}

// generateRandomToken returns 32 random bytes, URL-safe base64 encoded.
// Used for state and nonce values.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
