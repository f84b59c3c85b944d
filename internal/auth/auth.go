// internal/auth/auth.go
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TokenConfig holds the signing secret and lifetime for session tokens
type TokenConfig struct {
	Secret     []byte
	Expiration time.Duration
}

// SessionToken represents a short-lived operator session.
// SSE and WebSocket clients cannot send custom headers, so they exchange
// the static access token for one of these and pass it as a query parameter.
type SessionToken struct {
	Subject   string `json:"subject"`
	ExpiresAt int64  `json:"expires_at"`
	IssuedAt  int64  `json:"issued_at"`
}

// sign computes the HMAC-SHA256 signature over a raw payload
func sign(payload, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// GenerateToken issues a signed token of the form
// base64url(subject|expires|issued).base64url(signature)
func GenerateToken(subject string, config *TokenConfig) (string, error) {
	if len(config.Secret) == 0 {
		return "", fmt.Errorf("signing secret is required")
	}

	now := time.Now()
	payload := fmt.Sprintf("%s|%d|%d", subject, now.Add(config.Expiration).Unix(), now.Unix())

	enc := base64.URLEncoding
	return enc.EncodeToString([]byte(payload)) + "." +
		enc.EncodeToString(sign([]byte(payload), config.Secret)), nil
}

// ParseToken verifies the signature and expiration, then decodes the claims
func ParseToken(tokenString string, config *TokenConfig) (*SessionToken, error) {
	if len(config.Secret) == 0 {
		return nil, fmt.Errorf("signing secret is required")
	}

	payloadB64, sigB64, found := strings.Cut(tokenString, ".")
	if !found {
		return nil, fmt.Errorf("malformed token")
	}

	payload, err := base64.URLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	sig, err := base64.URLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}

	// Verify before trusting any claim
	if !hmac.Equal(sig, sign(payload, config.Secret)) {
		return nil, fmt.Errorf("signature mismatch")
	}

	fields := strings.Split(string(payload), "|")
	if len(fields) != 3 {
		return nil, fmt.Errorf("malformed payload")
	}

	expiresAt, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse expiration: %w", err)
	}
	issuedAt, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse issued_at: %w", err)
	}

	if time.Now().Unix() > expiresAt {
		return nil, fmt.Errorf("token expired")
	}

	return &SessionToken{Subject: fields[0], ExpiresAt: expiresAt, IssuedAt: issuedAt}, nil
}

// GenerateSecureKey returns length random bytes for token signing;
// non-positive lengths fall back to 32 bytes
func GenerateSecureKey(length int) ([]byte, error) {
	if length <= 0 {
		length = 32
	}

	key := make([]byte, length)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
