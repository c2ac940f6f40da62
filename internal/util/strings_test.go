package util

import (
	"slices"
	"testing"
)

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"shorter than maxLen", "short", 10, "short"},
		{"equal to maxLen", "exactly10c", 10, "exactly10c"},
		{"longer than maxLen", "this-is-a-very-long-token-string", 8, "this-is-"},
		{"empty string", "", 5, ""},
		{"zero maxLen", "test", 0, ""},
		{"negative maxLen", "test", -1, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestNormalizeScopes(t *testing.T) {
	tests := []struct {
		name  string
		input []string
		want  []string
	}{
		{"nil", nil, []string{}},
		{"already sorted", []string{"a", "b"}, []string{"a", "b"}},
		{"unsorted with duplicates", []string{"User.Read", "openid", "User.Read"}, []string{"User.Read", "openid"}},
		{"blank entries dropped", []string{" ", "profile ", ""}, []string{"profile"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeScopes(tt.input)
			if !slices.Equal(got, tt.want) {
				t.Errorf("NormalizeScopes(%v) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeScopes_DoesNotMutateInput(t *testing.T) {
	in := []string{"b", "a"}
	_ = NormalizeScopes(in)
	if in[0] != "b" || in[1] != "a" {
		t.Errorf("input was modified: %v", in)
	}
}

func TestScopeString(t *testing.T) {
	a := ScopeString([]string{"profile", "openid"})
	b := ScopeString([]string{"openid", "profile", "openid"})
	if a != b {
		t.Errorf("ScopeString not canonical: %q vs %q", a, b)
	}
	if a != "openid profile" {
		t.Errorf("ScopeString() = %q, want %q", a, "openid profile")
	}
}

func TestSplitScopes(t *testing.T) {
	got := SplitScopes("openid, profile  offline_access\tUser.Read")
	want := []string{"User.Read", "offline_access", "openid", "profile"}
	if !slices.Equal(got, want) {
		t.Errorf("SplitScopes() = %v, want %v", got, want)
	}
}

func TestIsLoopbackHostname(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"127.0.0.1", true},
		{"127.10.0.3", true},
		{"[::1]", true},
		{"::1", true},
		{"0.0.0.0", false},
		{"example.com", false},
		{"10.0.0.1", false},
	}
	for _, tt := range tests {
		if got := IsLoopbackHostname(tt.host); got != tt.want {
			t.Errorf("IsLoopbackHostname(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}
