package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/tokenkeeper/internal/testutil"
	"github.com/giantswarm/tokenkeeper/storage"
)

const testAccountID = "oid-1.tid-1"

var testScopes = []string{"User.Read", "offline_access"}

// ============================================================
// TokenCache Tests
// ============================================================

func TestStore_SaveAndGetToken(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	tok := testutil.GenerateCachedToken(testAccountID, testScopes, time.Now().Add(time.Hour))
	if err := store.SaveToken(ctx, tok); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	// Same scope set in a different order resolves to the same entry.
	got, err := store.GetToken(ctx, storage.NewCacheKey(testAccountID, []string{"offline_access", "User.Read"}))
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if got.AccessToken != tok.AccessToken {
		t.Errorf("AccessToken = %q, want %q", got.AccessToken, tok.AccessToken)
	}
	if store.tokensCount.Load() != 1 {
		t.Errorf("tokensCount = %d, want 1", store.tokensCount.Load())
	}
}

func TestStore_GetToken_NotFound(t *testing.T) {
	store := New()
	defer store.Stop()

	_, err := store.GetToken(context.Background(), storage.NewCacheKey("nobody", testScopes))
	if !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetToken() error = %v, want ErrTokenNotFound", err)
	}
}

func TestStore_GetToken_ReturnsCopy(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	tok := testutil.GenerateCachedToken(testAccountID, testScopes, time.Now().Add(time.Hour))
	tok.IDTokenClaims = map[string]any{"name": "Alice"}
	if err := store.SaveToken(ctx, tok); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	// Mutating the caller's record after saving must not leak into the cache.
	tok.AccessToken = "mutated"
	tok.IDTokenClaims["name"] = "Mallory"

	got, _ := store.GetToken(ctx, tok.Key)
	if got.AccessToken == "mutated" || got.IDTokenClaims["name"] != "Alice" {
		t.Fatalf("cache record was mutated through caller reference: %+v", got)
	}

	got.AccessToken = "mutated-again"
	again, _ := store.GetToken(ctx, tok.Key)
	if again.AccessToken == "mutated-again" {
		t.Error("cache record was mutated through returned copy")
	}
}

func TestStore_SaveToken_Invalid(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	tests := []struct {
		name  string
		token *storage.CachedToken
	}{
		{"nil token", nil},
		{"empty account", &storage.CachedToken{}},
		{
			name: "key does not match scopes",
			token: &storage.CachedToken{
				Key:     storage.NewCacheKey(testAccountID, []string{"other"}),
				Account: storage.Account{ID: testAccountID},
				Scopes:  testScopes,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.SaveToken(ctx, tt.token)
			if !errors.Is(err, storage.ErrInvalidRecord) {
				t.Errorf("SaveToken() error = %v, want ErrInvalidRecord", err)
			}
		})
	}
}

func TestStore_SaveToken_ReplacesAtomically(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	base := testutil.GenerateCachedToken(testAccountID, testScopes, time.Now().Add(time.Hour))
	base.AccessToken = "at-init"
	base.RefreshToken = "rt-init"
	if err := store.SaveToken(ctx, base); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	// Writers publish records whose access and refresh tokens share a
	// generation suffix. A reader must never observe a mixed record.
	var wg sync.WaitGroup
	stop := make(chan struct{})
	var torn atomic.Int32

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				next := base.Clone()
				gen := fmt.Sprintf("%d-%d", w, i)
				next.AccessToken = "at-" + gen
				next.RefreshToken = "rt-" + gen
				_ = store.SaveToken(ctx, next)
			}
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			got, err := store.GetToken(ctx, base.Key)
			if err != nil {
				continue
			}
			if got.AccessToken[3:] != got.RefreshToken[3:] {
				torn.Add(1)
			}
		}
	}()

	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()

	if torn.Load() != 0 {
		t.Errorf("observed %d torn records", torn.Load())
	}
	if store.tokensCount.Load() != 1 {
		t.Errorf("tokensCount = %d, want 1", store.tokensCount.Load())
	}
}

func TestStore_DeleteToken(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	tok := testutil.GenerateCachedToken(testAccountID, testScopes, time.Now().Add(time.Hour))
	_ = store.SaveToken(ctx, tok)

	if err := store.DeleteToken(ctx, tok.Key); err != nil {
		t.Fatalf("DeleteToken() error = %v", err)
	}
	if err := store.DeleteToken(ctx, tok.Key); err != nil {
		t.Fatalf("second DeleteToken() error = %v", err)
	}
	if _, err := store.GetToken(ctx, tok.Key); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetToken() after delete error = %v, want ErrTokenNotFound", err)
	}
	if store.tokensCount.Load() != 0 {
		t.Errorf("tokensCount = %d, want 0", store.tokensCount.Load())
	}
}

func TestStore_MarkRequiresInteraction(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	tok := testutil.GenerateCachedToken(testAccountID, testScopes, time.Now().Add(time.Hour))
	_ = store.SaveToken(ctx, tok)

	t.Run("stale refresh token is ignored", func(t *testing.T) {
		marked, err := store.MarkRequiresInteraction(ctx, tok.Key, "some-older-refresh-token")
		if err != nil {
			t.Fatalf("MarkRequiresInteraction() error = %v", err)
		}
		if marked {
			t.Error("MarkRequiresInteraction() = true for a replaced refresh token")
		}
	})

	t.Run("current refresh token is marked", func(t *testing.T) {
		marked, err := store.MarkRequiresInteraction(ctx, tok.Key, tok.RefreshToken)
		if err != nil {
			t.Fatalf("MarkRequiresInteraction() error = %v", err)
		}
		if !marked {
			t.Fatal("MarkRequiresInteraction() = false, want true")
		}
		got, _ := store.GetToken(ctx, tok.Key)
		if !got.RequiresInteraction {
			t.Error("RequiresInteraction = false after marking")
		}
		if got.AccessToken != tok.AccessToken {
			t.Error("marking changed the access token")
		}
	})

	t.Run("missing entry", func(t *testing.T) {
		marked, err := store.MarkRequiresInteraction(ctx, storage.NewCacheKey("nobody", nil), "x")
		if err != nil || marked {
			t.Errorf("MarkRequiresInteraction() = (%v, %v), want (false, nil)", marked, err)
		}
	})
}

func TestStore_ReplaceRefreshToken(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	shared := testutil.GenerateCachedToken(testAccountID, testScopes, expires)
	sibling := testutil.GenerateCachedToken(testAccountID, []string{"Mail.Read"}, expires)
	sibling.RefreshToken = shared.RefreshToken
	marked := testutil.GenerateCachedToken(testAccountID, []string{"Files.Read"}, expires)
	marked.RefreshToken = shared.RefreshToken
	marked.RequiresInteraction = true
	newer := testutil.GenerateCachedToken(testAccountID, []string{"Calendars.Read"}, expires)
	other := testutil.GenerateCachedToken("other-account", testScopes, expires)
	other.RefreshToken = shared.RefreshToken

	for _, tok := range []*storage.CachedToken{shared, sibling, marked, newer, other} {
		if err := store.SaveToken(ctx, tok); err != nil {
			t.Fatalf("SaveToken() error = %v", err)
		}
	}

	n, err := store.ReplaceRefreshToken(ctx, testAccountID, shared.RefreshToken, "rt-next")
	if err != nil {
		t.Fatalf("ReplaceRefreshToken() error = %v", err)
	}
	if n != 2 {
		t.Errorf("ReplaceRefreshToken() = %d, want 2", n)
	}

	tests := []struct {
		name string
		key  storage.CacheKey
		want string
	}{
		{"holder", shared.Key, "rt-next"},
		{"sibling", sibling.Key, "rt-next"},
		{"marked entry", marked.Key, shared.RefreshToken},
		{"different refresh token", newer.Key, newer.RefreshToken},
		{"other account", other.Key, shared.RefreshToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.GetToken(ctx, tt.key)
			if err != nil {
				t.Fatalf("GetToken() error = %v", err)
			}
			if got.RefreshToken != tt.want {
				t.Errorf("RefreshToken = %q, want %q", got.RefreshToken, tt.want)
			}
		})
	}

	if n, _ := store.ReplaceRefreshToken(ctx, testAccountID, "", "rt-x"); n != 0 {
		t.Errorf("empty refresh token replaced %d records", n)
	}
}

func TestStore_ListTokens(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	exp := time.Now().Add(time.Hour)
	_ = store.SaveToken(ctx, testutil.GenerateCachedToken("a", []string{"x"}, exp))
	_ = store.SaveToken(ctx, testutil.GenerateCachedToken("a", []string{"y"}, exp))
	_ = store.SaveToken(ctx, testutil.GenerateCachedToken("b", []string{"x"}, exp))

	all, err := store.ListTokens(ctx)
	if err != nil {
		t.Fatalf("ListTokens() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListTokens() returned %d entries, want 3", len(all))
	}

	own, err := store.ListAccountTokens(ctx, "a")
	if err != nil {
		t.Fatalf("ListAccountTokens() error = %v", err)
	}
	if len(own) != 2 {
		t.Errorf("ListAccountTokens() returned %d entries, want 2", len(own))
	}
	for _, tok := range own {
		if tok.Account.ID != "a" {
			t.Errorf("ListAccountTokens() returned entry of account %q", tok.Account.ID)
		}
	}
}

// ============================================================
// FlowStore Tests
// ============================================================

func newTestFlow(state string, now time.Time) *storage.PendingFlow {
	return &storage.PendingFlow{
		State:        state,
		Nonce:        "nonce-" + state,
		CodeVerifier: testutil.GenerateRandomString(43),
		Scopes:       testScopes,
		CreatedAt:    now,
		ExpiresAt:    now.Add(10 * time.Minute),
	}
}

func TestStore_ConsumePendingFlow_OneShot(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	flow := newTestFlow("state-1", time.Now())
	if err := store.SavePendingFlow(ctx, flow); err != nil {
		t.Fatalf("SavePendingFlow() error = %v", err)
	}

	got, err := store.ConsumePendingFlow(ctx, "state-1")
	if err != nil {
		t.Fatalf("ConsumePendingFlow() error = %v", err)
	}
	if got.CodeVerifier != flow.CodeVerifier {
		t.Errorf("CodeVerifier = %q, want %q", got.CodeVerifier, flow.CodeVerifier)
	}

	if _, err := store.ConsumePendingFlow(ctx, "state-1"); !errors.Is(err, storage.ErrPendingFlowNotFound) {
		t.Errorf("second ConsumePendingFlow() error = %v, want ErrPendingFlowNotFound", err)
	}
}

func TestStore_ConsumePendingFlow_Concurrent(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	_ = store.SavePendingFlow(ctx, newTestFlow("contested", time.Now()))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ConsumePendingFlow(ctx, "contested"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("%d goroutines consumed the flow, want exactly 1", wins.Load())
	}
}

func TestStore_SavePendingFlow_Invalid(t *testing.T) {
	store := New()
	defer store.Stop()

	if err := store.SavePendingFlow(context.Background(), &storage.PendingFlow{}); !errors.Is(err, storage.ErrInvalidRecord) {
		t.Errorf("SavePendingFlow() error = %v, want ErrInvalidRecord", err)
	}
}

// ============================================================
// SessionStore Tests
// ============================================================

func TestStore_Sessions(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	sess := &storage.Session{
		ID:            "sid-1",
		Account:       storage.Account{ID: testAccountID},
		IDTokenClaims: map[string]any{"name": "Alice"},
		CreatedAt:     time.Now(),
	}
	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	got, err := store.GetSession(ctx, "sid-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Account.ID != testAccountID {
		t.Errorf("Account.ID = %q, want %q", got.Account.ID, testAccountID)
	}

	if err := store.DeleteSession(ctx, "sid-1"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if err := store.DeleteSession(ctx, "sid-1"); err != nil {
		t.Fatalf("second DeleteSession() error = %v", err)
	}
	if _, err := store.GetSession(ctx, "sid-1"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("GetSession() after delete error = %v, want ErrSessionNotFound", err)
	}
}

// ============================================================
// Cleanup Tests
// ============================================================

func TestStore_Cleanup(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := testutil.NewMockTime(start)
	store.SetClock(clock.Now)

	_ = store.SavePendingFlow(ctx, newTestFlow("old", start))
	_ = store.SaveSession(ctx, &storage.Session{ID: "expiring", ExpiresAt: start.Add(time.Hour)})
	_ = store.SaveSession(ctx, &storage.Session{ID: "forever"})

	refreshable := testutil.GenerateCachedToken("live", testScopes, start)
	dead := testutil.GenerateCachedToken("dead", testScopes, start)
	dead.RequiresInteraction = true
	_ = store.SaveToken(ctx, refreshable)
	_ = store.SaveToken(ctx, dead)

	// Past flow TTL but within retention: the flow is still reported.
	clock.Advance(15 * time.Minute)
	store.cleanup()
	if store.flowsCount.Load() != 1 {
		t.Errorf("flow purged inside retention window")
	}

	clock.Advance(48 * time.Hour)
	store.cleanup()

	if _, err := store.ConsumePendingFlow(ctx, "old"); !errors.Is(err, storage.ErrPendingFlowNotFound) {
		t.Errorf("expired flow not purged: %v", err)
	}
	if _, err := store.GetSession(ctx, "expiring"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("expired session not purged: %v", err)
	}
	if _, err := store.GetSession(ctx, "forever"); err != nil {
		t.Errorf("session without expiry purged: %v", err)
	}
	if _, err := store.GetToken(ctx, dead.Key); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("abandoned token not purged: %v", err)
	}
	if _, err := store.GetToken(ctx, refreshable.Key); err != nil {
		t.Errorf("refreshable token purged: %v", err)
	}
}

func TestStore_SetFlowRetention(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := testutil.NewMockTime(start)
	store.SetClock(clock.Now)
	store.SetFlowRetention(time.Minute)

	_ = store.SavePendingFlow(ctx, newTestFlow("short", start))

	// Flow TTL is 10 minutes; with one minute of retention it is gone at 12.
	clock.Advance(12 * time.Minute)
	store.cleanup()

	if _, err := store.ConsumePendingFlow(ctx, "short"); !errors.Is(err, storage.ErrPendingFlowNotFound) {
		t.Errorf("ConsumePendingFlow() error = %v, want ErrPendingFlowNotFound", err)
	}
}

func TestStore_StopIdempotent(t *testing.T) {
	store := New()
	store.Stop()
	store.Stop()
}
