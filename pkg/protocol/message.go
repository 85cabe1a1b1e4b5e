package protocol

import "errors"

// Message validation errors
var (
	ErrNoRecipient = errors.New("message has no recipient identity")
	ErrNoContent   = errors.New("message has no content")
)

// Message is an outbound unit handed to the channel: the peer identity it
// is addressed to plus the content to deliver.
type Message struct {
	To      string
	Content Content
}

// NewTextMessage creates a text message addressed to the given peer.
func NewTextMessage(to, text string) Message {
	return Message{To: to, Content: TextMessage{Text: text}}
}

// Validate checks the message shape. Called before any send is attempted;
// an invalid message fails the send immediately instead of degrading to a
// silent drop.
func (m Message) Validate() error {
	if m.To == "" {
		return ErrNoRecipient
	}
	if m.Content == nil {
		return ErrNoContent
	}
	return nil
}
