// Package vault defines the boundary to the cryptographic engine holding
// identities, per-chat secrets, and file keys. The engine treats it as an
// opaque capability: an event sink plus a handful of synchronous queries.
// FileVault is the reference implementation backing tests and the demo.
package vault

import (
	"context"
	"errors"

	"github.com/sourav673/privitty-go/internal/protocol"
)

var (
	ErrLocked         = errors.New("vault is locked")
	ErrNotInitialized = errors.New("vault not initialized")
	ErrInvalidPass    = errors.New("invalid passphrase")
	ErrCorruptState   = errors.New("corrupted vault state")
	ErrClosed         = errors.New("vault is closed")
)

// Vault is the narrow contract the engine holds on the crypto engine.
type Vault interface {
	// ProduceEvent hands a protocol event to the vault. Consumption is
	// asynchronous; resulting status reports are pushed to the emitter
	// installed via Start.
	ProduceEvent(ev protocol.Event) error

	// EncryptFile seals an attachment for a chat on behalf of the owner
	// and returns the path of the encrypted copy. Unconditional on send.
	EncryptFile(ctx context.Context, chatID, path, name string) (string, protocol.Status, error)

	// DecryptFile recovers the plaintext of a sealed attachment. When the
	// caller holds no share it returns StatusAwaitingPeerAuth and emits a
	// secret-sharing request event instead.
	DecryptFile(ctx context.Context, chatID, path, name string) (string, protocol.Status, error)

	// RevokeFile withdraws the peer's access to a file this side owns.
	RevokeFile(ctx context.Context, chatID, name string) error

	// RecordActivity appends a durable audit entry for a chat (the single
	// session-lifecycle event surfaced as a local record).
	RecordActivity(chatID, fromID, text, kind string) error

	// IsPeerAdded reports whether a handshake exists for the chat.
	IsPeerAdded(chatID string) bool
	// IsChatProtected reports whether the chat handshake has concluded.
	IsChatProtected(chatID string) bool
	// IsChatVersion inspects transport mime headers for the marker set by
	// protocol-aware clients.
	IsChatVersion(mimeHeaders string) bool

	Close() error
}
