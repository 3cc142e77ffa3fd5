// Package seal encrypts small payloads with NaCl secretbox under keys derived
// from a single master key.
//
// Sealed format: [24-byte nonce][secretbox output].
package seal

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the secretbox key length.
	KeySize   = 32
	nonceSize = 24
)

// ErrOpen is returned when a sealed payload cannot be authenticated.
var ErrOpen = errors.New("sealed payload failed authentication")

// Key is a secretbox key.
type Key [KeySize]byte

// DeriveKey derives a purpose-bound key from master using HKDF-SHA256.
// The info string binds the key to its use, e.g. "tenant-secrets" or
// "machine:<app>".
func DeriveKey(master []byte, info string) (Key, error) {
	var k Key
	if len(master) < KeySize {
		return k, fmt.Errorf("master key must be at least %d bytes", KeySize)
	}
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	if _, err := io.ReadFull(r, k[:]); err != nil {
		return k, fmt.Errorf("failed to derive key: %w", err)
	}
	return k, nil
}

// Seal encrypts and authenticates plaintext.
func Seal(key Key, plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	k := [KeySize]byte(key)
	return secretbox.Seal(nonce[:], plaintext, &nonce, &k), nil
}

// Open authenticates and decrypts a payload produced by Seal.
func Open(key Key, sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrOpen
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	k := [KeySize]byte(key)
	out, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &k)
	if !ok {
		return nil, ErrOpen
	}
	return out, nil
}
