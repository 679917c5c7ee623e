package streaming

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// resumeClaims identifies which execution's room a resume token grants
// access to, and when that grant expires. Unlike the teacher's user-auth
// bearer tokens, this token carries no identity — it is an opaque capability
// scoped to one executionId, handed to a client so it can reconnect to a
// still-running stream after a network drop.
type resumeClaims struct {
	ExecutionID string `json:"executionId"`
	jwt.RegisteredClaims
}

// TokenSigner issues and verifies execution-scoped resume tokens.
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenSigner builds a signer. ttl bounds how long a token may be used
// to resume a stream after it was issued.
func NewTokenSigner(secret []byte, ttl time.Duration) *TokenSigner {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenSigner{secret: secret, ttl: ttl}
}

// Issue signs a resume token scoped to executionID.
func (s *TokenSigner) Issue(executionID string) (string, error) {
	now := time.Now()
	claims := resumeClaims{
		ExecutionID: executionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign resume token: %w", err)
	}
	return signed, nil
}

// Verify checks tokenString's signature and expiry and returns the
// executionId it was scoped to.
func (s *TokenSigner) Verify(tokenString string) (string, error) {
	var claims resumeClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse resume token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("resume token invalid")
	}
	return claims.ExecutionID, nil
}
