package manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenManagerGenerateAndValidate(t *testing.T) {
	tm := NewTokenManager()

	jt, err := tm.GenerateToken("voter", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, jt.Token)

	role, err := tm.ValidateToken(jt.Token)
	require.NoError(t, err)
	require.Equal(t, "voter", role)
}

func TestTokenManagerValidateUnknownToken(t *testing.T) {
	tm := NewTokenManager()
	_, err := tm.ValidateToken("does-not-exist")
	require.Error(t, err)
}

func TestTokenManagerValidateExpiredToken(t *testing.T) {
	tm := NewTokenManager()
	jt, err := tm.GenerateToken("nonvoter", -time.Second)
	require.NoError(t, err)

	_, err = tm.ValidateToken(jt.Token)
	require.Error(t, err)
}

func TestTokenManagerRevoke(t *testing.T) {
	tm := NewTokenManager()
	jt, err := tm.GenerateToken("voter", time.Hour)
	require.NoError(t, err)

	tm.RevokeToken(jt.Token)
	_, err = tm.ValidateToken(jt.Token)
	require.Error(t, err)
}

func TestTokenManagerCleanupExpiredTokens(t *testing.T) {
	tm := NewTokenManager()
	_, err := tm.GenerateToken("voter", -time.Second)
	require.NoError(t, err)
	live, err := tm.GenerateToken("voter", time.Hour)
	require.NoError(t, err)

	tm.CleanupExpiredTokens()

	tokens := tm.ListTokens()
	require.Len(t, tokens, 1)
	require.Equal(t, live.Token, tokens[0].Token)
}
