package keygen

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// MinSecretBytes is the smallest secret this package will generate (256 bits).
const MinSecretBytes = 32

// RandomBytes returns n random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// HexSecret returns a hex encoded random secret of at least MinSecretBytes.
func HexSecret(n int) (string, error) {
	if n < MinSecretBytes {
		n = MinSecretBytes
	}
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// URLToken returns a base64url (unpadded) random token of at least MinSecretBytes.
func URLToken(n int) (string, error) {
	if n < MinSecretBytes {
		n = MinSecretBytes
	}
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Password returns a random password safe for SQL literals and URLs.
func Password() (string, error) {
	return HexSecret(24)
}

// TokenHash returns the hex SHA-256 digest used to store one-time tokens.
func TokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
