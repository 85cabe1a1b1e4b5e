package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key size in bytes
	KeySize = 32

	// NonceSize is the AES-GCM nonce size (96 bits is the standard)
	NonceSize = 12

	// KeyIterations is the PBKDF2 iteration count (100,000 is recommended minimum)
	KeyIterations = 100000

	// derivationSalt is constant per application so both peers derive the
	// same key from the same pairing secret without exchanging material
	derivationSalt = "pairlink-channel-v1"
)

// DefaultSharedSecret seeds the channel key when no pairing secret is
// configured. It ships in every build, so frames sealed under it are opaque
// only to observers without the source; supply a per-pairing secret to
// DeriveKey for real confidentiality.
const DefaultSharedSecret = "pairlink-local-channel"

// Key is a 256-bit channel key.
type Key [KeySize]byte

// DeriveKey derives a channel key from a shared pairing secret using
// PBKDF2-SHA256. Derivation is deterministic: equal secrets yield equal keys
// on both peers. An empty secret falls back to DefaultSharedSecret.
func DeriveKey(secret string) Key {
	if secret == "" {
		secret = DefaultSharedSecret
	}

	derived := pbkdf2.Key([]byte(secret), []byte(derivationSalt), KeyIterations, KeySize, sha256.New)

	var key Key
	copy(key[:], derived)
	return key
}

// Cipher seals and opens wire frames with AES-256-GCM.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a cipher for the given channel key.
func NewCipher(key Key) (*Cipher, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext with a fresh random nonce and prepends the nonce,
// so the returned frame is self-contained: nonce || ciphertext || tag.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open authenticates and decrypts a frame produced by Seal.
func (c *Cipher) Open(frame []byte) ([]byte, error) {
	if len(frame) < NonceSize {
		return nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}

	nonce, ciphertext := frame[:NonceSize], frame[NonceSize:]

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong key or corrupted frame): %w", err)
	}

	return plaintext, nil
}
