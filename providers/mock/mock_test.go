package mock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"golang.org/x/oauth2"

	"github.com/giantswarm/tokenkeeper/providers"
)

func TestProvider_Defaults(t *testing.T) {
	m := NewProvider()
	ctx := context.Background()

	if m.Name() != "mock" {
		t.Errorf("Name() = %q", m.Name())
	}
	u := m.AuthorizationURL(providers.AuthorizationParams{State: "s1", Nonce: "n1", CodeChallenge: "c", CodeChallengeMethod: "S256"})
	if !strings.Contains(u, "state=s1") || !strings.Contains(u, "nonce=n1") {
		t.Errorf("AuthorizationURL() = %q", u)
	}
	if _, err := m.ExchangeCode(ctx, "code", "verifier"); err != nil {
		t.Errorf("ExchangeCode() error = %v", err)
	}
	if _, err := m.RefreshToken(ctx, "rt", []string{"a"}); err != nil {
		t.Errorf("RefreshToken() error = %v", err)
	}
	id, err := m.ResolveIdentity(ctx, &oauth2.Token{})
	if err != nil || id.AccountID != "mock-user" {
		t.Errorf("ResolveIdentity() = %+v, %v", id, err)
	}
	if err := m.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	for _, method := range []string{"Name", "AuthorizationURL", "ExchangeCode", "RefreshToken", "ResolveIdentity", "HealthCheck"} {
		if got := m.GetCallCount(method); got != 1 {
			t.Errorf("GetCallCount(%s) = %d, want 1", method, got)
		}
	}

	m.ResetCallCounts()
	if got := m.GetCallCount("Name"); got != 0 {
		t.Errorf("after reset GetCallCount(Name) = %d", got)
	}
}

func TestProvider_Unconfigured(t *testing.T) {
	m := &Provider{}
	ctx := context.Background()

	if m.Name() != "mock" {
		t.Errorf("Name() = %q", m.Name())
	}
	if _, err := m.ExchangeCode(ctx, "c", "v"); err == nil {
		t.Error("expected error from unconfigured ExchangeCode")
	}
	if _, err := m.RefreshToken(ctx, "rt", nil); err == nil {
		t.Error("expected error from unconfigured RefreshToken")
	}
	if _, err := m.ResolveIdentity(ctx, nil); err == nil {
		t.Error("expected error from unconfigured ResolveIdentity")
	}
}

func TestProvider_FuncMayReenter(t *testing.T) {
	m := NewProvider()
	m.RefreshTokenFunc = func(ctx context.Context, rt string, scopes []string) (*oauth2.Token, error) {
		_ = m.Name()
		return nil, providers.ErrInteractionRequired
	}

	_, err := m.RefreshToken(context.Background(), "rt", nil)
	if !errors.Is(err, providers.ErrInteractionRequired) {
		t.Errorf("error = %v", err)
	}
}

func TestProvider_ConcurrentCounts(t *testing.T) {
	m := NewProvider()
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.RefreshToken(context.Background(), "rt", nil)
		}()
	}
	wg.Wait()
	if got := m.GetCallCount("RefreshToken"); got != 50 {
		t.Errorf("GetCallCount(RefreshToken) = %d, want 50", got)
	}
}
