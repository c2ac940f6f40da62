package server

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/giantswarm/tokenkeeper/providers/mock"
	"github.com/giantswarm/tokenkeeper/storage/memory"
)

// newServerWithBaseURL creates a server for baseURL and returns its log output.
func newServerWithBaseURL(t *testing.T, baseURL string, allowInsecure bool) (*Server, string, error) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	srv, err := New(mock.NewProvider(), store, store, store, &Config{
		BaseURL:           baseURL,
		AllowInsecureHTTP: allowInsecure,
		SessionSigningKey: testSigningKey,
	}, logger)
	return srv, buf.String(), err
}

func TestValidateHTTPSEnforcement(t *testing.T) {
	tests := []struct {
		name          string
		baseURL       string
		allowInsecure bool
		wantErr       bool
		wantLog       string
	}{
		{name: "empty base URL", baseURL: ""},
		{name: "HTTPS", baseURL: "https://app.example.com"},
		{name: "HTTPS with port and path", baseURL: "https://app.example.com:8443/portal"},
		{name: "HTTP localhost", baseURL: "http://localhost:5000", wantLog: "Running over HTTP on localhost"},
		{name: "HTTP 127.0.0.1", baseURL: "http://127.0.0.1:5000", wantLog: "Running over HTTP on localhost"},
		{name: "HTTP IPv6 loopback", baseURL: "http://[::1]:5000", wantLog: "Running over HTTP on localhost"},
		{name: "HTTP localhost with flag", baseURL: "http://localhost:5000", allowInsecure: true},
		{name: "HTTP public host", baseURL: "http://app.example.com", wantErr: true},
		{name: "HTTP private IP", baseURL: "http://192.168.1.100", wantErr: true},
		{
			name:          "HTTP public host with flag",
			baseURL:       "http://app.example.com",
			allowInsecure: true,
			wantLog:       "Running over HTTP on a non-loopback host",
		},
		{name: "unsupported scheme", baseURL: "ftp://app.example.com", wantErr: true},
		{name: "unparseable", baseURL: "http://[::1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, logs, err := newServerWithBaseURL(t, tt.baseURL, tt.allowInsecure)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if srv != nil {
					t.Error("server should not be created")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantLog != "" && !strings.Contains(logs, tt.wantLog) {
				t.Errorf("expected log %q, got: %s", tt.wantLog, logs)
			}
			if tt.wantLog == "" && strings.Contains(logs, "Running over HTTP") {
				t.Errorf("unexpected HTTP warning: %s", logs)
			}
		})
	}
}

func TestValidateScopes(t *testing.T) {
	tooMany := make([]string, maxRequestedScopes+1)
	for i := range tooMany {
		tooMany[i] = "scope"
	}

	tests := []struct {
		name    string
		scopes  []string
		wantErr bool
	}{
		{name: "none", scopes: nil},
		{name: "graph scopes", scopes: []string{"User.Read", "Mail.Send"}},
		{name: "resource URI scope", scopes: []string{"api://1234/access_as_user", "https://graph.microsoft.com/.default"}},
		{name: "at the limit", scopes: tooMany[:maxRequestedScopes]},
		{name: "too many", scopes: tooMany, wantErr: true},
		{name: "too long", scopes: []string{strings.Repeat("a", maxRequestedScopeBytes+1)}, wantErr: true},
		{name: "space", scopes: []string{"User Read"}, wantErr: true},
		{name: "quote", scopes: []string{`User"Read`}, wantErr: true},
		{name: "backslash", scopes: []string{`User\Read`}, wantErr: true},
		{name: "control character", scopes: []string{"User\nRead"}, wantErr: true},
		{name: "non-ASCII", scopes: []string{"Usér.Read"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateScopes(tt.scopes)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateScopes() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateReturnTo(t *testing.T) {
	tests := []struct {
		returnTo string
		wantErr  bool
	}{
		{"", false},
		{"/", false},
		{"/reports?id=1#top", false},
		{"reports", true},
		{"//evil.example.com", true},
		{`/\evil.example.com`, true},
		{"https://evil.example.com", true},
		{"javascript:alert(1)", true},
	}

	for _, tt := range tests {
		t.Run(tt.returnTo, func(t *testing.T) {
			err := validateReturnTo(tt.returnTo)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateReturnTo(%q) error = %v, wantErr %v", tt.returnTo, err, tt.wantErr)
			}
		})
	}
}
