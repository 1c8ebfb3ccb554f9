// Package transport abstracts the store-and-forward messaging core the
// engine rides on. Delivery, retries, and offline queueing belong to the
// implementation behind this boundary, not to the engine.
package transport

import "context"

// Message is the engine-visible shape of a chat message. The transport
// fills ID, ChatID, and FromID on send; the remaining fields mirror what
// the messaging core exposes to receivers.
type Message struct {
	ID          string
	ChatID      string
	FromID      string
	Subject     string
	Text        string
	MimeHeaders string
	// Encrypted reports end-to-end protection at the transport layer
	// (the padlock). Control traffic is only honored on encrypted chats.
	Encrypted bool
	Filename  string
}

// Transport sends and deletes messages on behalf of the engine.
type Transport interface {
	// SendMessage submits a message to a chat and returns its message id.
	SendMessage(ctx context.Context, chatID string, msg Message) (string, error)
	// DeleteMessages removes messages from the visible conversation.
	// Deletion is irreversible; callers sequence it after the payload has
	// been handed to the next stage.
	DeleteMessages(ctx context.Context, msgIDs ...string) error
	// IsContactRequest reports whether the chat is still an unestablished
	// contact-request conversation.
	IsContactRequest(chatID string) bool
}
