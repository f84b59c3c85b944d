// internal/auth/auth_test.go
package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(expiration time.Duration) *TokenConfig {
	return &TokenConfig{
		Secret:     []byte("test-secret-key-for-signing"),
		Expiration: expiration,
	}
}

func TestGenerateAndParseToken(t *testing.T) {
	config := testConfig(time.Hour)

	tokenString, err := GenerateToken("console", config)
	require.NoError(t, err, "token generation should succeed")
	require.Contains(t, tokenString, ".", "token should have payload.signature format")

	token, err := ParseToken(tokenString, config)
	require.NoError(t, err, "a freshly generated token should parse")
	assert.Equal(t, "console", token.Subject)
	assert.Greater(t, token.ExpiresAt, token.IssuedAt, "expiration should be after issuance")
	assert.InDelta(t, time.Now().Unix(), token.IssuedAt, 2, "issued_at should be about now")
}

func TestParseTokenRejectsExpired(t *testing.T) {
	// Negative expiration puts expires_at in the past
	config := testConfig(-time.Minute)

	tokenString, err := GenerateToken("console", config)
	require.NoError(t, err)

	_, err = ParseToken(tokenString, config)
	require.Error(t, err, "expired token should be rejected")
	assert.Contains(t, err.Error(), "expired")
}

func TestParseTokenRejectsTamperedPayload(t *testing.T) {
	config := testConfig(time.Hour)

	tokenString, err := GenerateToken("console", config)
	require.NoError(t, err)

	// Swap the payload for one with a different subject, keep the signature
	parts := strings.Split(tokenString, ".")
	require.Len(t, parts, 2)
	forged, err := GenerateToken("attacker", config)
	require.NoError(t, err)
	forgedParts := strings.Split(forged, ".")

	_, err = ParseToken(forgedParts[0]+"."+parts[1], config)
	assert.Error(t, err, "payload with a mismatched signature should be rejected")
}

func TestParseTokenRejectsWrongKey(t *testing.T) {
	config := testConfig(time.Hour)
	tokenString, err := GenerateToken("console", config)
	require.NoError(t, err)

	otherConfig := &TokenConfig{
		Secret:     []byte("a-completely-different-secret"),
		Expiration: time.Hour,
	}
	_, err = ParseToken(tokenString, otherConfig)
	assert.Error(t, err, "token signed with another key should be rejected")
}

func TestParseTokenRejectsMalformedInput(t *testing.T) {
	config := testConfig(time.Hour)

	cases := []struct {
		name  string
		token string
	}{
		{"empty string", ""},
		{"no separator", "justonepart"},
		{"too many parts", "a.b.c"},
		{"invalid base64 payload", "!!!.c2ln"},
		{"invalid base64 signature", "cGF5bG9hZA==.!!!"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseToken(tc.token, config)
			assert.Error(t, err)
		})
	}
}

func TestTokenRequiresSecret(t *testing.T) {
	empty := &TokenConfig{Expiration: time.Hour}

	_, err := GenerateToken("console", empty)
	assert.Error(t, err, "generation without a secret should fail")

	valid := testConfig(time.Hour)
	tokenString, err := GenerateToken("console", valid)
	require.NoError(t, err)

	_, err = ParseToken(tokenString, empty)
	assert.Error(t, err, "parsing without a secret should fail")
}

func TestGenerateSecureKey(t *testing.T) {
	key, err := GenerateSecureKey(16)
	require.NoError(t, err)
	assert.Len(t, key, 16)

	// Non-positive lengths fall back to 256 bits
	key, err = GenerateSecureKey(0)
	require.NoError(t, err)
	assert.Len(t, key, 32)

	other, err := GenerateSecureKey(32)
	require.NoError(t, err)
	assert.NotEqual(t, key, other, "two generated keys should differ")
}
