package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAccessTokenRoundTrip(t *testing.T) {
	manager := NewJWTManager("test-secret")

	token, err := manager.GenerateAccessJWT("user-123", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	userID, err := manager.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-123", userID)
}

func TestValidateAccessTokenExpired(t *testing.T) {
	manager := NewJWTManager("test-secret")

	token, err := manager.GenerateAccessJWT("user-123", -time.Minute)
	require.NoError(t, err)

	_, err = manager.ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrExpiredJWTToken)
}

func TestValidateAccessTokenWrongSecret(t *testing.T) {
	issued, err := NewJWTManager("secret-a").GenerateAccessJWT("user-123", time.Minute)
	require.NoError(t, err)

	_, err = NewJWTManager("secret-b").ValidateAccessToken(issued)
	assert.Error(t, err)
}

func TestValidateAccessTokenGarbage(t *testing.T) {
	manager := NewJWTManager("test-secret")
	_, err := manager.ValidateAccessToken("not-a-token")
	assert.Error(t, err)
}

func TestValidateAccessTokenMissingUserID(t *testing.T) {
	claims := &AccessTokenCustomClaims{
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  time.Now().Unix(),
			ExpiresAt: time.Now().Add(time.Minute).Unix(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = NewJWTManager("test-secret").ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrInvalidJWTToken)
}
