// Package metacipher implements authenticated encryption and
// decryption of per-contact metadata with AES-256-GCM. Every
// encryption draws a fresh 96-bit IV; there is no AAD. The wire
// representation is three base64-standard tokens joined by colons:
//
//	base64(iv) ":" base64(tag) ":" base64(ciphertext)
//
// Decryption failure of any kind — wrong key, tampered tag, malformed
// envelope — is reported as ErrNoMetadata so callers can treat it as
// "no metadata for this match" rather than aborting a matching pass.
package metacipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
)

// KeyBytes is the required AES-256 key length.
const KeyBytes = 32

// IVBytes is the GCM nonce length used on encryption.
const IVBytes = 12

// MaxPlaintextBytes is the plaintext JSON size cap (§4.3: 8 KiB).
const MaxPlaintextBytes = 8 * 1024

// ErrMetadataTooLarge is returned by Encrypt when plaintext exceeds
// MaxPlaintextBytes.
var ErrMetadataTooLarge = errors.New("metacipher: plaintext metadata exceeds 8192 bytes")

// ErrInvalidKey is returned when a key is not exactly KeyBytes long.
var ErrInvalidKey = errors.New("metacipher: key must be 32 bytes")

// ErrNoMetadata is the single failure mode Decrypt ever returns: wrong
// key, tampered tag, or malformed wire envelope all collapse to this.
var ErrNoMetadata = errors.New("metacipher: no metadata")

// Encrypt seals plaintext under key and returns the three-token wire
// string. It fails only on oversized plaintext or a malformed key —
// both are programmer errors, never network or peer conditions.
func Encrypt(plaintext []byte, key []byte) (string, error) {
	if len(plaintext) > MaxPlaintextBytes {
		return "", ErrMetadataTooLarge
	}
	if len(key) != KeyBytes {
		return "", ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	iv := make([]byte, IVBytes)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	// crypto/cipher appends the tag to the ciphertext; split it back
	// out so the wire format carries iv/tag/ciphertext as three
	// independent tokens per §4.3.
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext := sealed[:tagStart]
	tag := sealed[tagStart:]

	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ciphertext),
	}, ":"), nil
}

// Decrypt opens a wire string under key. Any failure — malformed
// shape, bad base64, wrong key, tampered tag — returns ErrNoMetadata
// and nothing else; this function never panics and never returns a
// different error type, so callers can treat "no metadata" uniformly.
func Decrypt(wire string, key []byte) ([]byte, error) {
	if len(key) != KeyBytes {
		return nil, ErrNoMetadata
	}

	parts := strings.Split(wire, ":")
	if len(parts) != 3 {
		return nil, ErrNoMetadata
	}

	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrNoMetadata
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrNoMetadata
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrNoMetadata
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrNoMetadata
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrNoMetadata
	}
	if len(iv) != gcm.NonceSize() {
		return nil, ErrNoMetadata
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrNoMetadata
	}
	return plaintext, nil
}
