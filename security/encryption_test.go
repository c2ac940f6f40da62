package security

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
)

func TestNewEncryptor(t *testing.T) {
	tests := []struct {
		name        string
		key         []byte
		wantErr     bool
		wantEnabled bool
	}{
		{"nil key disables", nil, false, false},
		{"empty key disables", []byte{}, false, false},
		{"valid key", bytes.Repeat([]byte{1}, KeySize), false, true},
		{"short key", []byte("too-short"), true, false},
		{"long key", bytes.Repeat([]byte{1}, 64), true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewEncryptor(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEncryptor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && enc.IsEnabled() != tt.wantEnabled {
				t.Errorf("IsEnabled() = %v, want %v", enc.IsEnabled(), tt.wantEnabled)
			}
		})
	}
}

func TestEncryptor_SealOpen(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	payload := []byte(`{"code_verifier":"abc"}`)
	sealed, err := enc.Encrypt(payload, []byte("flow:state-1"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if strings.Contains(sealed, "code_verifier") {
		t.Error("sealed value contains plaintext")
	}

	opened, err := enc.Decrypt(sealed, []byte("flow:state-1"))
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(opened, payload) {
		t.Errorf("Decrypt() = %q, want %q", opened, payload)
	}

	if _, err := enc.Decrypt(sealed, []byte("flow:state-2")); err == nil {
		t.Error("Decrypt() with different additional data should fail")
	}
	if _, err := enc.Decrypt("AAAA", nil); err == nil {
		t.Error("Decrypt() of a short payload should fail")
	}
}

func TestEncryptor_Disabled(t *testing.T) {
	enc, _ := NewEncryptor(nil)

	sealed, err := enc.Encrypt([]byte("plain"), nil)
	if err != nil || sealed != "plain" {
		t.Fatalf("Encrypt() = (%q, %v), want passthrough", sealed, err)
	}
	opened, err := enc.Decrypt("plain", nil)
	if err != nil || string(opened) != "plain" {
		t.Fatalf("Decrypt() = (%q, %v), want passthrough", opened, err)
	}

	var nilEnc *Encryptor
	if nilEnc.IsEnabled() {
		t.Error("nil Encryptor reports enabled")
	}
}

func TestDeriveKey(t *testing.T) {
	secret := []byte(strings.Repeat("s", MinSecretLength))

	a, err := DeriveKey(secret, "session-signing")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	b, _ := DeriveKey(secret, "session-signing")
	c, _ := DeriveKey(secret, "record-encryption")

	if len(a) != KeySize {
		t.Errorf("len(key) = %d, want %d", len(a), KeySize)
	}
	if !bytes.Equal(a, b) {
		t.Error("DeriveKey() is not deterministic")
	}
	if bytes.Equal(a, c) {
		t.Error("different purposes produced the same key")
	}

	if _, err := DeriveKey([]byte("short"), "x"); err == nil {
		t.Error("DeriveKey() with a short secret should fail")
	}
	if _, err := DeriveKey(secret, ""); err == nil {
		t.Error("DeriveKey() without purpose should fail")
	}
}

func TestKeyFromBase64(t *testing.T) {
	key, _ := GenerateKey()
	got, err := KeyFromBase64(base64.StdEncoding.EncodeToString(key))
	if err != nil || !bytes.Equal(got, key) {
		t.Fatalf("KeyFromBase64() = (%x, %v), want %x", got, err, key)
	}

	if _, err := KeyFromBase64("not base64!"); err == nil {
		t.Error("KeyFromBase64() should reject invalid input")
	}
	if _, err := KeyFromBase64("c2hvcnQ="); err == nil {
		t.Error("KeyFromBase64() should reject short keys")
	}
}
