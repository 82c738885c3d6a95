// Package auth verifies connection credentials. Tokens are the HS256 JWTs
// issued by the marketplace's REST API at login; only verification lives
// here.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for tokens that are malformed, expired, or
// carry a bad signature.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is the authenticated principal behind a connection.
type Identity struct {
	ID   string
	Name string
}

// Verifier authenticates a raw credential into an Identity. Implementations
// must respect context cancellation when verification involves I/O.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// Claims is the JWT payload issued by the REST API.
type Claims struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	jwt.RegisteredClaims
}

// JWTVerifier implements Verifier for HS256-signed tokens.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier using the shared HMAC secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify parses and validates the token's signature and expiry, returning
// the identity it asserts.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("auth: verify: %w", err)
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}

	return &Identity{ID: claims.UserID, Name: claims.Name}, nil
}
