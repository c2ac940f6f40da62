package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/tokenkeeper/storage"
)

// MockTime provides a controllable time source for deterministic testing.
// Safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateRandomString generates a random base64url string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GenerateTestToken creates an IdP token response expiring at expiry.
func GenerateTestToken(expiry time.Time) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  GenerateRandomString(32),
		TokenType:    "Bearer",
		RefreshToken: GenerateRandomString(32),
		Expiry:       expiry,
	}
}

// GenerateCachedToken creates a cache record for accountID and scopes.
func GenerateCachedToken(accountID string, scopes []string, expiresOn time.Time) *storage.CachedToken {
	return &storage.CachedToken{
		Key: storage.NewCacheKey(accountID, scopes),
		Account: storage.Account{
			ID:       accountID,
			Username: accountID + "@example.com",
		},
		Scopes:       scopes,
		AccessToken:  "at-" + GenerateRandomString(24),
		TokenType:    "Bearer",
		ExpiresOn:    expiresOn,
		RefreshToken: "rt-" + GenerateRandomString(24),
		UpdatedAt:    expiresOn.Add(-time.Hour),
	}
}

var (
	signingKeyOnce sync.Once
	signingKey     *rsa.PrivateKey
)

// SigningKey returns a process-wide RSA key used to sign test ID tokens.
func SigningKey() *rsa.PrivateKey {
	signingKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(fmt.Sprintf("failed to generate RSA key: %v", err))
		}
		signingKey = k
	})
	return signingKey
}

// SignIDToken returns an RS256 compact JWS carrying claims.
func SignIDToken(t *testing.T, claims map[string]any) string {
	t.Helper()

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: SigningKey()},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", "test"),
	)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		t.Fatalf("failed to sign ID token: %v", err)
	}
	return raw
}

// WithIDToken returns a copy of tok carrying rawIDToken the way the token
// endpoint response does.
func WithIDToken(tok *oauth2.Token, rawIDToken string) *oauth2.Token {
	return tok.WithExtra(map[string]any{"id_token": rawIDToken})
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual(t *testing.T, got, want any) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// WaitFor polls cond until it returns true or timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
