package utils

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	SetSecret("test-secret")

	token, err := GenerateToken("u1", "org-1", []string{"admin"}, time.Hour)
	require.NoError(t, err)

	claims, err := ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "org-1", claims.OrganizationID)
	assert.True(t, claims.HasRole("admin"))
	assert.False(t, claims.HasRole("viewer"))
}

func TestValidateTokenRejects(t *testing.T) {
	SetSecret("test-secret")

	expired, err := GenerateToken("u1", "org-1", nil, -time.Minute)
	require.NoError(t, err)
	_, err = ValidateToken(expired)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	noOrg, err := GenerateToken("u1", "", nil, time.Hour)
	require.NoError(t, err)
	_, err = ValidateToken(noOrg)
	assert.Error(t, err)

	SetSecret("other-secret")
	defer SetSecret("test-secret")
	valid, err := GenerateToken("u1", "org-1", nil, time.Hour)
	require.NoError(t, err)
	SetSecret("test-secret")
	_, err = ValidateToken(valid)
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
}
