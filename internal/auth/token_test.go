package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParse(t *testing.T) {
	tm := NewTokenManager("secret", "bot-topup", time.Hour)
	token, err := tm.Generate(42)
	require.NoError(t, err)

	userID, err := tm.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), userID)
}

func TestParseRejects(t *testing.T) {
	tm := NewTokenManager("secret", "bot-topup", time.Hour)
	good, err := tm.Generate(42)
	require.NoError(t, err)

	other, err := NewTokenManager("other", "bot-topup", time.Hour).Generate(42)
	require.NoError(t, err)
	wrongIssuer, err := NewTokenManager("secret", "someone-else", time.Hour).Generate(42)
	require.NoError(t, err)

	expiredTM := NewTokenManager("secret", "bot-topup", time.Minute)
	expiredTM.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, err := expiredTM.Generate(42)
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"iss": "bot-topup",
		"sub": "42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "bot-topup",
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	for name, raw := range map[string]string{
		"garbage":      "not-a-token",
		"wrong secret": other,
		"wrong issuer": wrongIssuer,
		"expired":      expired,
		"alg none":     unsigned,
		"bad subject":  badSubject,
		"tampered":     good + "x",
	} {
		_, err := tm.Parse(raw)
		assert.ErrorIs(t, err, ErrInvalidToken, name)
	}
}

func TestEmptySecret(t *testing.T) {
	tm := NewTokenManager("", "bot-topup", time.Hour)
	_, err := tm.Generate(1)
	assert.Error(t, err)
	_, err = tm.Parse("x.y.z")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
