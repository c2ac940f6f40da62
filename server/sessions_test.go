package server

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/tokenkeeper/internal/testutil"
	"github.com/giantswarm/tokenkeeper/storage"
	"github.com/giantswarm/tokenkeeper/storage/memory"
)

func newTestSessionManager(t *testing.T, ttl time.Duration) (*SessionManager, *memory.Store, *testutil.MockTime) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)
	clock := testutil.NewMockTime(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	m, err := NewSessionManager(store, testSigningKey, "", ttl, discardLogger())
	if err != nil {
		t.Fatalf("NewSessionManager() error = %v", err)
	}
	m.clock = clock.Now
	return m, store, clock
}

var testAccount = storage.Account{ID: "alice", Username: "alice@example.com", TenantID: "tenant-1"}

func TestSessionManager_CreateLookup(t *testing.T) {
	m, _, _ := newTestSessionManager(t, time.Hour)
	ctx := context.Background()

	created, ref, err := m.Create(ctx, testAccount, map[string]any{"name": "Alice"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created.ID == "" || ref == "" {
		t.Fatal("Create() should return an ID and a reference")
	}

	got, err := m.Lookup(ctx, ref)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("ID = %q, want %q", got.ID, created.ID)
	}
	if got.Account != testAccount {
		t.Errorf("Account = %+v, want %+v", got.Account, testAccount)
	}
	if got.IDTokenClaims["name"] != "Alice" {
		t.Errorf("claims = %v", got.IDTokenClaims)
	}
}

func TestSessionManager_LookupRejects(t *testing.T) {
	m, store, _ := newTestSessionManager(t, time.Hour)
	ctx := context.Background()

	_, ref, err := m.Create(ctx, testAccount, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	parts := strings.Split(ref, ".")

	other, err := NewSessionManager(store, []byte("another-signing-key-0123456789abcdefgh"), "", time.Hour, discardLogger())
	if err != nil {
		t.Fatalf("NewSessionManager() error = %v", err)
	}
	_, foreignRef, err := other.Create(ctx, testAccount, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	otherIssuer, err := NewSessionManager(store, testSigningKey, "someone-else", time.Hour, discardLogger())
	if err != nil {
		t.Fatalf("NewSessionManager() error = %v", err)
	}
	_, wrongIssuerRef, err := otherIssuer.Create(ctx, testAccount, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	badSignature := parts[0] + "." + parts[1] + "." + string(sig)

	forgedPayload := base64.RawURLEncoding.EncodeToString([]byte(`{"jti":"x","sub":"mallory","iss":"tokenkeeper"}`))
	tamperedPayload := parts[0] + "." + forgedPayload + "." + parts[2]

	tests := []struct {
		name string
		ref  string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"bad signature", badSignature},
		{"tampered payload", tamperedPayload},
		{"foreign key", foreignRef},
		{"wrong issuer", wrongIssuerRef},
		{"unsigned", parts[0] + "." + parts[1] + "."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, err := m.Lookup(ctx, tt.ref)
			if !errors.Is(err, ErrNoSession) {
				t.Errorf("Lookup() error = %v, want ErrNoSession", err)
			}
			if session != nil {
				t.Error("Lookup() should not return a session")
			}
		})
	}
}

func TestSessionManager_Expiry(t *testing.T) {
	m, _, clock := newTestSessionManager(t, time.Hour)
	ctx := context.Background()

	_, ref, err := m.Create(ctx, testAccount, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	clock.Advance(59 * time.Minute)
	if _, err := m.Lookup(ctx, ref); err != nil {
		t.Fatalf("Lookup() before expiry error = %v", err)
	}

	clock.Advance(2 * time.Minute)
	if _, err := m.Lookup(ctx, ref); !errors.Is(err, ErrNoSession) {
		t.Errorf("Lookup() after expiry error = %v, want ErrNoSession", err)
	}
}

func TestSessionManager_NoExpiry(t *testing.T) {
	m, _, clock := newTestSessionManager(t, 0)
	ctx := context.Background()

	created, ref, err := m.Create(ctx, testAccount, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !created.ExpiresAt.IsZero() {
		t.Errorf("ExpiresAt = %v, want zero", created.ExpiresAt)
	}

	clock.Advance(365 * 24 * time.Hour)
	if _, err := m.Lookup(ctx, ref); err != nil {
		t.Errorf("Lookup() error = %v", err)
	}
}

func TestSessionManager_DeletedRecord(t *testing.T) {
	m, store, _ := newTestSessionManager(t, time.Hour)
	ctx := context.Background()

	created, ref, err := m.Create(ctx, testAccount, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.DeleteSession(ctx, created.ID); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}

	if _, err := m.Lookup(ctx, ref); !errors.Is(err, ErrNoSession) {
		t.Errorf("Lookup() error = %v, want ErrNoSession", err)
	}
}

func TestSessionManager_DestroyIsIdempotent(t *testing.T) {
	m, store, clock := newTestSessionManager(t, time.Hour)
	ctx := context.Background()

	created, ref, err := m.Create(ctx, testAccount, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	for i := range 2 {
		if err := m.Destroy(ctx, ref); err != nil {
			t.Fatalf("Destroy() #%d error = %v", i+1, err)
		}
	}
	if _, err := store.GetSession(ctx, created.ID); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("session should be deleted, GetSession() error = %v", err)
	}
	if _, err := m.Lookup(ctx, ref); !errors.Is(err, ErrNoSession) {
		t.Errorf("Lookup() after Destroy error = %v, want ErrNoSession", err)
	}

	for _, ref := range []string{"", "garbage"} {
		if err := m.Destroy(ctx, ref); err != nil {
			t.Errorf("Destroy(%q) error = %v", ref, err)
		}
	}

	// An expired reference still logs its session out.
	created, ref, err = m.Create(ctx, testAccount, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	clock.Advance(2 * time.Hour)
	if err := m.Destroy(ctx, ref); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if _, err := store.GetSession(ctx, created.ID); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("expired reference should still delete its session, GetSession() error = %v", err)
	}
}

func TestNewSessionManager_Validation(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	if _, err := NewSessionManager(nil, testSigningKey, "", time.Hour, nil); err == nil {
		t.Error("NewSessionManager() without store should fail")
	}
	if _, err := NewSessionManager(store, []byte("short"), "", time.Hour, nil); err == nil {
		t.Error("NewSessionManager() with a short secret should fail")
	}
}
