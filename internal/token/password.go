package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"golang.org/x/crypto/argon2"
)

const saltSize = 16

// PasswordParams are the Argon2id cost parameters.
type PasswordParams struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	KeyLen  uint32
}

// DefaultParams matches the cost used for backup key derivation.
var DefaultParams = PasswordParams{Time: 3, Memory: 64 * 1024, Threads: 4, KeyLen: 32}

var errMalformedDigest = errors.New("malformed password digest")

// HashPassword derives an Argon2id digest with a fresh random salt.
// The returned string embeds the parameters and salt.
func HashPassword(plaintext string, params PasswordParams) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return HashPasswordWithSalt(plaintext, salt, params), nil
}

// HashPasswordWithSalt is deterministic: the same plaintext, salt and
// parameters always produce the same digest.
func HashPasswordWithSalt(plaintext string, salt []byte, params PasswordParams) string {
	key := argon2.IDKey([]byte(plaintext), salt, params.Time, params.Memory, params.Threads, params.KeyLen)
	return fmt.Sprintf("argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, params.Memory, params.Time, params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
}

// VerifyPassword reports whether plaintext matches digest.
func VerifyPassword(plaintext, digest string) bool {
	params, salt, key, err := decodeDigest(digest)
	if err != nil {
		return false
	}
	params.KeyLen = uint32(len(key))
	other := argon2.IDKey([]byte(plaintext), salt, params.Time, params.Memory, params.Threads, params.KeyLen)
	return subtle.ConstantTimeCompare(key, other) == 1
}

func decodeDigest(digest string) (PasswordParams, []byte, []byte, error) {
	var p PasswordParams
	parts := strings.Split(digest, "$")
	if len(parts) != 5 || parts[0] != "argon2id" {
		return p, nil, nil, errMalformedDigest
	}
	var version int
	if _, err := fmt.Sscanf(parts[1], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, errMalformedDigest
	}
	if _, err := fmt.Sscanf(parts[2], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return p, nil, nil, errMalformedDigest
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return p, nil, nil, errMalformedDigest
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(key) == 0 {
		return p, nil, nil, errMalformedDigest
	}
	return p, salt, key, nil
}

// Strength scores a password from 0 to 5, one point per satisfied rule.
type Strength struct {
	Score    int      `json:"score"`
	Feedback []string `json:"feedback,omitempty"`
}

const MinPasswordLength = 8

func CheckStrength(password string) Strength {
	var s Strength
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case strings.ContainsRune(`!@#$%^&*(),.?":{}|<>`, r):
			special = true
		}
	}

	rules := []struct {
		ok       bool
		feedback string
	}{
		{len(password) >= MinPasswordLength, "At least 8 characters"},
		{upper, "One uppercase letter"},
		{lower, "One lowercase letter"},
		{digit, "One number"},
		{special, "One special character"},
	}
	for _, r := range rules {
		if r.ok {
			s.Score++
		} else {
			s.Feedback = append(s.Feedback, r.feedback)
		}
	}
	return s
}
