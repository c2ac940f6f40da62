package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/go-jose/go-jose/v4"
)

const discoveryPath = "/.well-known/openid-configuration"

// TokenHandler answers a token endpoint request. body is JSON encoded.
type TokenHandler func(form url.Values) (status int, body any)

// IdentityProvider is an httptest OpenID Connect provider serving discovery,
// a token endpoint and the JWKS of SigningKey.
//
// Discovery is answered for any path ending in /.well-known/openid-configuration;
// the issuer is the server URL plus that path prefix unless IssuerOverride is set.
type IdentityProvider struct {
	Server *httptest.Server

	mu                sync.Mutex
	tokenHandler      TokenHandler
	tokenRequests     []url.Values
	discoveryHits     int
	discoveryFailures int
	issuerOverride    string
}

// NewIdentityProvider starts a provider that is closed with the test.
func NewIdentityProvider(t *testing.T) *IdentityProvider {
	t.Helper()

	p := &IdentityProvider{
		tokenHandler: func(url.Values) (int, any) {
			return http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"}
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", p.serveToken)
	mux.HandleFunc("/keys", p.serveKeys)
	mux.HandleFunc("/", p.serveDiscovery)

	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// URL returns the base URL of the server.
func (p *IdentityProvider) URL() string {
	return p.Server.URL
}

// SetTokenHandler replaces the token endpoint behavior.
func (p *IdentityProvider) SetTokenHandler(h TokenHandler) {
	p.mu.Lock()
	p.tokenHandler = h
	p.mu.Unlock()
}

// SetIssuerOverride makes discovery report issuer instead of the derived one.
func (p *IdentityProvider) SetIssuerOverride(issuer string) {
	p.mu.Lock()
	p.issuerOverride = issuer
	p.mu.Unlock()
}

// FailDiscovery makes the next n discovery requests answer 503.
func (p *IdentityProvider) FailDiscovery(n int) {
	p.mu.Lock()
	p.discoveryFailures = n
	p.mu.Unlock()
}

// DiscoveryHits returns how many discovery requests were received.
func (p *IdentityProvider) DiscoveryHits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discoveryHits
}

// TokenRequests returns the forms posted to the token endpoint so far.
func (p *IdentityProvider) TokenRequests() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.tokenRequests...)
}

func (p *IdentityProvider) serveDiscovery(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, discoveryPath) {
		http.NotFound(w, r)
		return
	}

	p.mu.Lock()
	p.discoveryHits++
	fail := p.discoveryFailures > 0
	if fail {
		p.discoveryFailures--
	}
	issuer := p.issuerOverride
	p.mu.Unlock()

	if fail {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if issuer == "" {
		issuer = p.Server.URL + strings.TrimSuffix(r.URL.Path, discoveryPath)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                p.Server.URL + "/authorize",
		"token_endpoint":                        p.Server.URL + "/token",
		"jwks_uri":                              p.Server.URL + "/keys",
		"response_types_supported":              []string{"code"},
		"code_challenge_methods_supported":      []string{"S256"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (p *IdentityProvider) serveToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	form := r.PostForm

	// oauth2.Config sends client credentials in the Authorization header.
	if id, secret, ok := r.BasicAuth(); ok {
		form.Set("client_id", id)
		form.Set("client_secret", secret)
	}

	p.mu.Lock()
	p.tokenRequests = append(p.tokenRequests, form)
	h := p.tokenHandler
	p.mu.Unlock()

	status, body := h(form)
	writeJSON(w, status, body)
}

func (p *IdentityProvider) serveKeys(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &SigningKey().PublicKey,
		KeyID:     "test",
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
