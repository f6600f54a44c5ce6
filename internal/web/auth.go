// Package web exposes the read-only status API: recent events and runtime
// statistics, guarded by short-lived admin tokens.
package web

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenLifetime = 12 * time.Hour

// Auth issues and verifies HS256 admin tokens. The signing key is derived
// from the admin secret so no extra key material needs configuring.
type Auth struct {
	adminSecret string
	signingKey  []byte
	nowFunc     func() time.Time
}

// NewAuth creates the token authority.
func NewAuth(adminSecret string) *Auth {
	key := sha256.Sum256([]byte("token-signing:" + adminSecret))
	return &Auth{
		adminSecret: adminSecret,
		signingKey:  key[:],
		nowFunc:     time.Now,
	}
}

// Exchange trades the admin secret for a signed token.
func (a *Auth) Exchange(secret string) (string, error) {
	if a.adminSecret == "" {
		return "", fmt.Errorf("status api is disabled")
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(a.adminSecret)) != 1 {
		return "", fmt.Errorf("invalid admin secret")
	}

	now := a.nowFunc()
	claims := jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks a bearer token.
func (a *Auth) Verify(tokenString string) error {
	if a.adminSecret == "" {
		return fmt.Errorf("status api is disabled")
	}
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.signingKey, nil
	}, jwt.WithTimeFunc(a.nowFunc))
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}
