// Package auth tracks the lifecycle of the SmartGrade API credential.
//
// The vendor issues a long-lived bearer token (a JWT) through an SMS pairing
// flow that happens outside this daemon. Nothing here can renew it: the
// Tracker only ages it, warns before it runs out, and blocks API access once
// it has expired or the server rejected it.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultLifetime is used when the token does not carry iat/exp claims.
	DefaultLifetime = 30 * 24 * time.Hour
	// WarningWindow is how long before expiry the expiring_soon advisory fires.
	WarningWindow = 3 * 24 * time.Hour
)

// Credential is the bearer token plus the identity claims the push channel needs.
type Credential struct {
	Value    string        `json:"-"`
	IssuedAt time.Time     `json:"issued_at"`
	Lifetime time.Duration `json:"lifetime"`
	UserID   string        `json:"user_id,omitempty"`
	DomainID string        `json:"domain_id,omitempty"`
}

// ExpiresAt returns the instant the credential stops being usable.
func (c Credential) ExpiresAt() time.Time {
	return c.IssuedAt.Add(c.Lifetime)
}

// IsZero reports whether no credential value is present.
func (c Credential) IsZero() bool {
	return c.Value == ""
}

// ParseCredential builds a Credential from a raw token value.
//
// JWT claims are read without verifying the signature: the server is the
// only party that can judge validity and tells us so with 401/403. `usr` and
// `dom` become UserID and DomainID, `iat` the issue time and `exp - iat` the
// lifetime. Opaque (non-JWT) values are accepted with IssuedAt=now and the
// default lifetime.
func ParseCredential(value string, now time.Time) (Credential, error) {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "Bearer ")
	if value == "" {
		return Credential{}, ErrInvalidCredential
	}

	cred := Credential{
		Value:    value,
		IssuedAt: now,
		Lifetime: DefaultLifetime,
	}

	if strings.Count(value, ".") != 2 {
		return cred, nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(value, claims); err != nil {
		return Credential{}, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}

	cred.UserID = claimString(claims, "usr")
	cred.DomainID = claimString(claims, "dom")

	iat, _ := claims.GetIssuedAt()
	exp, _ := claims.GetExpirationTime()
	if iat != nil {
		cred.IssuedAt = iat.Time
	}
	if exp != nil {
		cred.Lifetime = max(exp.Time.Sub(cred.IssuedAt), 0)
	}
	return cred, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	v, ok := claims[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return fmt.Sprint(t)
	}
}
