package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"

	"github.com/pairlink/pairlink/pkg/crypto"
)

// Liveness token constants
const (
	// PingTokenBytes is the random payload size of a probe token
	PingTokenBytes = 16

	pingPrefix = "ping:"
	pongPrefix = "pong:"
)

// PingToken is a single-probe liveness token of the form "ping:<32 hex>".
type PingToken string

// BuildPing generates a fresh probe token with a random payload.
func BuildPing() PingToken {
	payload, err := crypto.GenerateNonce(PingTokenBytes)
	if err != nil {
		// Fallback: derive the payload from the clock if crypto/rand fails.
		// Collisions only matter across rapid successive probes, which
		// nanosecond timestamps still distinguish.
		payload = make([]byte, PingTokenBytes)
		binary.BigEndian.PutUint64(payload, uint64(time.Now().UnixNano()))
	}
	return PingToken(pingPrefix + hex.EncodeToString(payload))
}

// Pong returns the response value that answers this probe.
func (t PingToken) Pong() string {
	return pongPrefix + strings.TrimPrefix(string(t), pingPrefix)
}

// ParsePing classifies a raw request value as a liveness probe. Malformed
// values classify as "not a ping" so the caller routes them normally.
func ParsePing(raw string) (PingToken, bool) {
	if !strings.HasPrefix(raw, pingPrefix) {
		return "", false
	}

	payload := strings.TrimPrefix(raw, pingPrefix)
	if len(payload) != PingTokenBytes*2 {
		return "", false
	}
	if _, err := hex.DecodeString(payload); err != nil {
		return "", false
	}

	return PingToken(raw), true
}

// IsPong validates a probe response against the token that was sent. The
// exchange is a symmetric readiness signal, not a cryptographic challenge.
func IsPong(response string, sent PingToken) bool {
	return response == sent.Pong()
}
