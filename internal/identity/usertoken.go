package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrMissingSubject is returned for tokens without a tenant subject.
var ErrMissingSubject = errors.New("token has no subject")

// TenantClaims are the JWT claims of a tenant session token.
type TenantClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// OwnerID returns the tenant identifier carried in the subject.
func (c *TenantClaims) OwnerID() string { return c.Subject }

// TokenVerifier issues and verifies tenant JWTs signed with a shared secret.
type TokenVerifier struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenVerifier creates a TokenVerifier.
//
//	issuer: the expected "iss" claim; empty disables the issuer check.
//	ttl:    lifetime of tokens created by Issue (default: 24 hours).
func NewTokenVerifier(secret []byte, issuer string, ttl time.Duration) *TokenVerifier {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &TokenVerifier{secret: secret, issuer: issuer, ttl: ttl}
}

// Issue creates a signed tenant token. The platform normally receives tokens
// from the auth service; Issue exists for tooling and tests.
func (v *TokenVerifier) Issue(ownerID, email string) (string, error) {
	now := time.Now().UTC()
	claims := TenantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   ownerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
			ID:        uuid.New().String(),
		},
		Email: email,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign tenant token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a tenant token, returning its claims.
func (v *TokenVerifier) Verify(tokenStr string) (*TenantClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&TenantClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return v.secret, nil
		},
		opts...,
	)
	if err != nil {
		return nil, fmt.Errorf("verify tenant token: %w", err)
	}
	claims, ok := token.Claims.(*TenantClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid tenant token claims")
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}
	return claims, nil
}
