package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pairlink/pairlink/pkg/crypto"
)

// Codec errors
var (
	ErrEmptyFrame  = errors.New("empty frame")
	ErrNilContent  = errors.New("nil envelope content")
	ErrUnknownKind = errors.New("unknown content kind")
)

// Envelope is the wire unit of the message socket: typed content plus the
// claimed sender.
type Envelope struct {
	Content Content
	Sender  SenderInfo
}

// wireEnvelope is the JSON layout of a plaintext envelope.
type wireEnvelope struct {
	Type    string          `json:"type"`
	Sender  SenderInfo      `json:"sender"`
	Content json.RawMessage `json:"content"`
}

// Codec serializes envelopes to encrypted frames and back. A codec is safe
// for concurrent use.
type Codec struct {
	cipher *crypto.Cipher
}

// NewCodec creates a codec that seals frames under the given channel key.
func NewCodec(key crypto.Key) (*Codec, error) {
	cipher, err := crypto.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel cipher: %w", err)
	}
	return &Codec{cipher: cipher}, nil
}

// Encode builds the envelope around content, serializes it to JSON and
// seals it into a self-contained frame ready for the socket.
func (c *Codec) Encode(content Content, sender SenderInfo) ([]byte, error) {
	if content == nil {
		return nil, ErrNilContent
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s content: %w", content.Kind(), err)
	}

	plaintext, err := json.Marshal(wireEnvelope{
		Type:    content.Kind(),
		Sender:  sender,
		Content: raw,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	frame, err := c.cipher.Seal(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to seal envelope: %w", err)
	}

	return frame, nil
}

// Decode opens a frame and parses the plaintext back into a typed
// envelope. Failures are per-frame errors: the caller drops the offending
// frame and keeps the subscription alive.
func (c *Codec) Decode(frame []byte) (*Envelope, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}

	plaintext, err := c.cipher.Open(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame: %w", err)
	}

	var wire wireEnvelope
	if err := json.Unmarshal(plaintext, &wire); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}

	content, err := decodeContent(wire.Type, wire.Content)
	if err != nil {
		return nil, err
	}

	return &Envelope{Content: content, Sender: wire.Sender}, nil
}

// decodeContent parses the raw content payload according to its kind tag.
func decodeContent(kind string, raw json.RawMessage) (Content, error) {
	switch kind {
	case KindText:
		var content TextMessage
		if err := json.Unmarshal(raw, &content); err != nil {
			return nil, fmt.Errorf("malformed %s content: %w", kind, err)
		}
		return content, nil

	case KindFilesRequest:
		var content FilesRequest
		if err := json.Unmarshal(raw, &content); err != nil {
			return nil, fmt.Errorf("malformed %s content: %w", kind, err)
		}
		return content, nil

	case KindFilesResponse:
		var content FilesResponse
		if err := json.Unmarshal(raw, &content); err != nil {
			return nil, fmt.Errorf("malformed %s content: %w", kind, err)
		}
		return content, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
