// Package auth provides password hashing and the signed bearer tokens used
// by the web API.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/nes-lab/shepherd-server/internal/domain"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashPassword derives an argon2id hash in the standard encoded form.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("op=auth.hash_password: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword checks a password against an encoded argon2id hash in
// constant time.
func VerifyPassword(password, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, iterations, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// tokenClaims is the payload of a bearer token.
type tokenClaims struct {
	Email     string `json:"email"`
	ExpiresAt int64  `json:"exp"`
}

// TokenManager issues and verifies HMAC-signed bearer tokens of the form
// base64(payload).base64(signature).
type TokenManager struct {
	secret   []byte
	lifetime time.Duration
}

func NewTokenManager(secret string, lifetime time.Duration) *TokenManager {
	return &TokenManager{secret: []byte(secret), lifetime: lifetime}
}

// Issue creates a token bound to the given account.
func (t *TokenManager) Issue(email string, now time.Time) (string, error) {
	claims := tokenClaims{Email: email, ExpiresAt: now.Add(t.lifetime).Unix()}
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("op=auth.issue: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return payload + "." + t.sign(payload), nil
}

// Verify checks signature and expiry and returns the bound account email.
func (t *TokenManager) Verify(token string, now time.Time) (string, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok {
		return "", fmt.Errorf("op=auth.verify: malformed token: %w", domain.ErrUnauthorized)
	}
	if subtle.ConstantTimeCompare([]byte(signature), []byte(t.sign(payload))) != 1 {
		return "", fmt.Errorf("op=auth.verify: bad signature: %w", domain.ErrUnauthorized)
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("op=auth.verify: %w", domain.ErrUnauthorized)
	}
	var claims tokenClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return "", fmt.Errorf("op=auth.verify: %w", domain.ErrUnauthorized)
	}
	if now.Unix() >= claims.ExpiresAt {
		return "", fmt.Errorf("op=auth.verify: token expired: %w", domain.ErrUnauthorized)
	}
	return claims.Email, nil
}

func (t *TokenManager) sign(payload string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// DerivedToken produces the short one-time token mailed out for account
// approval, verification and password reset: the last 12 hex characters of a
// salted hash over the account plus fresh randomness.
func DerivedToken(salt, email string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("op=auth.derived_token: %w", err)
	}
	sum := sha256.Sum256(append([]byte(salt+email), nonce...))
	full := hex.EncodeToString(sum[:])
	return full[len(full)-12:], nil
}
