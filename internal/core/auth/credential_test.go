package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return s
}

func TestParseCredentialClaims(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	iat := now.Add(-24 * time.Hour)
	exp := iat.Add(30 * 24 * time.Hour)

	tok := signed(t, jwt.MapClaims{
		"usr": "user-42",
		"dom": float64(7),
		"iat": iat.Unix(),
		"exp": exp.Unix(),
	})

	cred, err := ParseCredential("Bearer "+tok, now)
	if err != nil {
		t.Fatalf("ParseCredential() error = %v", err)
	}
	if cred.UserID != "user-42" {
		t.Errorf("UserID = %q, want user-42", cred.UserID)
	}
	if cred.DomainID != "7" {
		t.Errorf("DomainID = %q, want 7", cred.DomainID)
	}
	if !cred.IssuedAt.Equal(iat) {
		t.Errorf("IssuedAt = %v, want %v", cred.IssuedAt, iat)
	}
	if !cred.ExpiresAt().Equal(exp) {
		t.Errorf("ExpiresAt() = %v, want %v", cred.ExpiresAt(), exp)
	}
	if cred.Value != tok {
		t.Errorf("Value should have the Bearer prefix stripped")
	}
}

func TestParseCredentialDefaults(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		value    string
		wantErr  error
		lifetime time.Duration
	}{
		{name: "opaque token", value: "abcdef", lifetime: DefaultLifetime},
		{name: "jwt without times", value: signed(t, jwt.MapClaims{"usr": "u"}), lifetime: DefaultLifetime},
		{name: "empty", value: "   ", wantErr: ErrInvalidCredential},
		{name: "malformed jwt", value: "a.b.c", wantErr: ErrInvalidCredential},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := ParseCredential(tt.value, now)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseCredential() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCredential() error = %v", err)
			}
			if cred.Lifetime != tt.lifetime {
				t.Errorf("Lifetime = %v, want %v", cred.Lifetime, tt.lifetime)
			}
			if !cred.IssuedAt.Equal(now) {
				t.Errorf("IssuedAt = %v, want %v", cred.IssuedAt, now)
			}
		})
	}
}
