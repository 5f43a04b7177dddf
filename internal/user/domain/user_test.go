package domain

import (
	"slices"
	"testing"
)

func TestUser_Validate(t *testing.T) {
	tests := []struct {
		name    string
		user    User
		wantErr bool
	}{
		{"valid", User{Username: "alice", Email: "a@example.com", PasswordHash: "h"}, false},
		{"missing username", User{Email: "a@example.com", PasswordHash: "h"}, true},
		{"blank username", User{Username: "  ", Email: "a@example.com", PasswordHash: "h"}, true},
		{"missing email", User{Username: "alice", PasswordHash: "h"}, true},
		{"missing hash", User{Username: "alice", Email: "a@example.com"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			u := tc.user
			err := u.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tc.wantErr)
			}
			if err == nil && u.RefreshTokens == nil {
				t.Error("Validate should initialize RefreshTokens to an empty list")
			}
		})
	}
}

func TestReplaceToken_KeepsPosition(t *testing.T) {
	in := []string{"a", "b", "c"}
	out, ok := ReplaceToken(in, "b", "z")
	if !ok {
		t.Fatal("ReplaceToken: want ok")
	}
	if !slices.Equal(out, []string{"a", "z", "c"}) {
		t.Errorf("ReplaceToken = %v", out)
	}
	if !slices.Equal(in, []string{"a", "b", "c"}) {
		t.Errorf("input modified: %v", in)
	}
	if _, ok := ReplaceToken(in, "missing", "z"); ok {
		t.Error("ReplaceToken of absent entry should report false")
	}
}

func TestRemoveToken(t *testing.T) {
	in := []string{"a", "b", "c"}
	if got := RemoveToken(in, "b"); !slices.Equal(got, []string{"a", "c"}) {
		t.Errorf("RemoveToken = %v", got)
	}
	if got := RemoveToken(in, "x"); !slices.Equal(got, in) {
		t.Errorf("RemoveToken of absent entry = %v", got)
	}
	if got := RemoveToken(nil, "x"); got == nil || len(got) != 0 {
		t.Errorf("RemoveToken(nil) = %#v, want empty non-nil", got)
	}
}

func TestAppendToken_Limit(t *testing.T) {
	tests := []struct {
		name  string
		in    []string
		limit int
		want  []string
	}{
		{"unlimited", []string{"a", "b"}, 0, []string{"a", "b", "n"}},
		{"under limit", []string{"a"}, 3, []string{"a", "n"}},
		{"drops oldest", []string{"a", "b", "c"}, 3, []string{"b", "c", "n"}},
		{"empty", nil, 2, []string{"n"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := AppendToken(tc.in, "n", tc.limit); !slices.Equal(got, tc.want) {
				t.Errorf("AppendToken = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestUser_PublicOmitsCredentials(t *testing.T) {
	u := &User{ID: "1", Username: "alice", Email: "a@example.com", PasswordHash: "secret", RefreshTokens: []string{"x"}}
	p := u.Public()
	if p.ID != "1" || p.Username != "alice" || p.Email != "a@example.com" {
		t.Errorf("Public() = %+v", p)
	}
}
