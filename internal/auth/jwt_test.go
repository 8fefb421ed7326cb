package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIssuer = "homecast-auth"

func generateTestKeyPair(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	return priv, pubPEM
}

func signTestToken(t *testing.T, priv *rsa.PrivateKey, subject string, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    testIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(priv)
	require.NoError(t, err)
	return signed
}

func TestValidateAccessToken_Valid(t *testing.T) {
	priv, pubPEM := generateTestKeyPair(t)
	mgr, err := NewJWTManagerFromPEM(pubPEM, testIssuer)
	require.NoError(t, err)

	tokenString := signTestToken(t, priv, "user-123", time.Hour)

	claims, err := mgr.ValidateAccessToken(tokenString)
	require.NoError(t, err)
	assert.Equal(t, "user-123", claims.UserID())
}

func TestValidateAccessToken_Expired(t *testing.T) {
	priv, pubPEM := generateTestKeyPair(t)
	mgr, err := NewJWTManagerFromPEM(pubPEM, testIssuer)
	require.NoError(t, err)

	tokenString := signTestToken(t, priv, "user-123", -time.Hour)

	_, err = mgr.ValidateAccessToken(tokenString)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidateAccessToken_WrongKey(t *testing.T) {
	_, pubPEM := generateTestKeyPair(t)
	otherPriv, _ := generateTestKeyPair(t)
	mgr, err := NewJWTManagerFromPEM(pubPEM, testIssuer)
	require.NoError(t, err)

	tokenString := signTestToken(t, otherPriv, "user-123", time.Hour)

	_, err = mgr.ValidateAccessToken(tokenString)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidateAccessToken_WrongIssuer(t *testing.T) {
	priv, pubPEM := generateTestKeyPair(t)
	mgr, err := NewJWTManagerFromPEM(pubPEM, "someone-else")
	require.NoError(t, err)

	tokenString := signTestToken(t, priv, "user-123", time.Hour)

	_, err = mgr.ValidateAccessToken(tokenString)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestNewJWTManagerFromPEM_RejectsGarbage(t *testing.T) {
	_, err := NewJWTManagerFromPEM([]byte("not a pem"), testIssuer)
	assert.Error(t, err)
}
