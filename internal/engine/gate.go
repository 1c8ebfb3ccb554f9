package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sourav673/privitty-go/internal/protocol"
)

// CanDecrypt classifies an access attempt on a protected file. The owner
// of a file is always allowed, regardless of session state; everyone else
// is classified by the session, and no session at all means unknown, which
// callers must treat as denied.
func (e *Engine) CanDecrypt(chatID, file, requester string) protocol.Access {
	e.mu.RLock()
	defer e.mu.RUnlock()

	key := sessionKey{chatID, file}
	if e.owned[key] && (requester == "" || requester == e.selfID) {
		return protocol.AccessAllowed
	}
	if rel, ok := e.relationships[chatID]; ok && rel.State == protocol.TrustBlocked {
		return protocol.AccessDenied
	}
	sess, ok := e.sessions[key]
	if !ok {
		return protocol.AccessUnknown
	}
	return protocol.ClassifySession(sess.State)
}

// SessionState resolves the current state of a file-access session.
func (e *Engine) SessionState(chatID, file string) protocol.SessionState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if sess, ok := e.sessions[sessionKey{chatID, file}]; ok {
		return sess.State
	}
	return protocol.SessionNone
}

// EncryptOnSend seals an outbound attachment. Every attachment in a
// protected chat is sealed before transport, with no per-file opt-out.
// The engine remembers ownership so the local side never gates itself.
func (e *Engine) EncryptOnSend(ctx context.Context, chatID, path, name string) (string, error) {
	sealed, status, err := e.vault.EncryptFile(ctx, chatID, path, name)
	if err != nil {
		e.metrics.recordFailure(status.String())
		return "", fmt.Errorf("encrypt %q for chat %s: %w", name, chatID, err)
	}

	e.mu.Lock()
	e.owned[sessionKey{chatID, name}] = true
	e.mu.Unlock()

	e.log.Debug("attachment sealed", zap.String("chat_id", chatID), zap.String("file", name))
	return sealed, nil
}

// RequestDecrypt attempts to open a sealed attachment. Outcomes:
//   - the plaintext path, when this side holds the share or owns the file;
//   - AccessPending with no error, when a share request went out and the
//     session is waiting on the owner;
//   - AccessDenied with an error, when the session is revoked or the
//     ciphertext fails to open.
func (e *Engine) RequestDecrypt(ctx context.Context, chatID, path, name string) (string, protocol.Access, error) {
	if access := e.CanDecrypt(chatID, name, e.selfID); access == protocol.AccessDenied {
		return "", protocol.AccessDenied, fmt.Errorf("access to %q in chat %s is denied", name, chatID)
	}

	plain, status, err := e.vault.DecryptFile(ctx, chatID, path, name)
	switch {
	case err != nil:
		e.metrics.recordFailure(status.String())
		// A failed primitive is a denial, but distinct from revocation:
		// the session state is left alone.
		return "", protocol.AccessDenied, fmt.Errorf("decrypt %q for chat %s: %w", name, chatID, err)
	case status == protocol.StatusAwaitingPeerAuth:
		return "", protocol.AccessPending, nil
	default:
		return plain, protocol.AccessAllowed, nil
	}
}

// Revoke withdraws the peer's access to a file this side owns. The session
// transition itself arrives back through the vault's status report.
func (e *Engine) Revoke(ctx context.Context, chatID, name string) error {
	e.mu.RLock()
	owned := e.owned[sessionKey{chatID, name}]
	e.mu.RUnlock()
	if !owned {
		return fmt.Errorf("file %q in chat %s is not owned by this side", name, chatID)
	}
	return e.vault.RevokeFile(ctx, chatID, name)
}
