// Package protocol implements the pairlink channel wire protocol.
//
// The protocol package defines the liveness tokens, message content types,
// and the encrypted envelope codec used on the channel between two paired
// peers.
//
// # Protocol Overview
//
// A channel multiplexes three kinds of traffic over one listening port:
//   - Liveness probes: plain ping/pong request-response exchanges
//   - The message socket: a single persistent duplex socket for envelopes
//   - File sockets: one duplex socket per active file transfer
//
// # Liveness Tokens
//
// A probe carries a token of the form "ping:<32 hex chars>" built from 16
// random bytes. A ready server answers with "pong:" followed by the same
// hex value. Tokens prove readiness and let the server tell probe traffic
// apart from socket-upgrade traffic; they are not an authentication
// mechanism. Anything that does not parse as a ping token is classified as
// regular traffic, never rejected.
//
// # Content Kinds
//
// Envelope content is one of a fixed set of kinds:
//   - text: a plain chat message
//   - files-request: offer to transfer the listed files, carries the
//     generated transfer id
//   - files-response: accept or decline a pending files-request
//
// # Envelope Format
//
// Every message-socket frame is an encrypted envelope. The plaintext is a
// JSON document:
//
//	{
//	  "type": "text",
//	  "sender": {"identity": "...", "name": "..."},
//	  "content": {"text": "hello"}
//	}
//
// The codec seals the JSON with AES-256-GCM and prepends the random nonce,
// so a frame on the wire is nonce || ciphertext || tag. File payload bytes
// never travel inside envelopes; they flow over dedicated file sockets.
//
// # Usage Example
//
//	codec, _ := protocol.NewCodec(crypto.DeriveKey(secret))
//
//	frame, _ := codec.Encode(
//	    protocol.TextMessage{Text: "hello"},
//	    protocol.SenderInfo{Identity: "device-a", Name: "Phone"},
//	)
//
//	// Send frame over the message socket...
//
//	env, _ := codec.Decode(frame)
//	switch content := env.Content.(type) {
//	case protocol.TextMessage:
//	    fmt.Println(content.Text)
//	}
//
// # Security Considerations
//
// Envelopes are confidential only against observers without the channel
// key. The default key is derived from a compiled-in secret shared by every
// build; deployments that need confidentiality must configure a per-pairing
// secret. Sender identities inside envelopes are claims, not proofs; the
// channel layer pins them to the peer bound at connect time.
package protocol
