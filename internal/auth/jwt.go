// Package auth verifies bearer tokens on ingress (C8, spec.md §4.8). Token
// issuance is an external collaborator (spec.md §1 Out-of-scope) — this
// package only ever loads a public key and validates signatures against it.
package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// Claims holds the claims embedded in an access token minted by the
// external auth collaborator. Subject is the userID consulted by the
// Scope Router (spec.md §4.8 step 4: "the token's subject must equal the
// resolved userID").
type Claims struct {
	jwt.RegisteredClaims
}

// JWTManager verifies RS256-signed access tokens against a public key. It
// never holds a private key — this relay does not issue tokens.
type JWTManager struct {
	publicKey *rsa.PublicKey
	issuer    string
}

// NewJWTManagerFromFile loads an RSA public key from a PEM file on disk.
func NewJWTManagerFromFile(publicKeyPath, issuer string) (*JWTManager, error) {
	pubBytes, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("auth: reading public key file: %w", err)
	}
	return newJWTManagerFromPEM(pubBytes, issuer)
}

// NewJWTManagerFromPEM parses a PEM-encoded RSA public key given directly,
// for example loaded from an environment variable.
func NewJWTManagerFromPEM(publicKeyPEM []byte, issuer string) (*JWTManager, error) {
	return newJWTManagerFromPEM(publicKeyPEM, issuer)
}

func newJWTManagerFromPEM(publicPEM []byte, issuer string) (*JWTManager, error) {
	pubBlock, _ := pem.Decode(publicPEM)
	if pubBlock == nil {
		return nil, errors.New("auth: failed to decode public key PEM block")
	}

	pubInterface, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing public key: %w", err)
	}

	publicKey, ok := pubInterface.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("auth: public key is not an RSA key")
	}

	return &JWTManager{publicKey: publicKey, issuer: issuer}, nil
}

// ValidateAccessToken parses and verifies a JWT string, returning its claims
// on success or a sentinel error (ErrTokenExpired, ErrTokenInvalid) on
// failure.
func (m *JWTManager) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			// Reject anything but RS256 — prevents "alg:none" and HMAC
			// confusion attacks where a public key is mistaken for an HMAC
			// secret.
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

// UserID returns the claims' subject, the userID the Scope Router compares
// against the resolved user-scope identity.
func (c *Claims) UserID() string {
	return c.Subject
}
