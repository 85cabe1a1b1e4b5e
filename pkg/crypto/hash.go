package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"hash"

	"golang.org/x/crypto/blake2b"
)

// ChecksumSize is the digest size in bytes
const ChecksumSize = 32

// NewHasher returns a BLAKE2b-256 hasher for streaming file content.
func NewHasher() hash.Hash {
	h, _ := blake2b.New256(nil) // unkeyed New256 never fails
	return h
}

// Checksum generates a BLAKE2b-256 digest of data and returns it hex encoded.
func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum verifies that data matches an expected hex digest.
func VerifyChecksum(data []byte, expected string) bool {
	return Checksum(data) == expected
}

// GenerateNonce generates a random nonce
func GenerateNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	_, err := rand.Read(nonce)
	if err != nil {
		return nil, err
	}
	return nonce, nil
}
