package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/sourav673/privitty-go/internal/protocol"
)

// trustRank orders the forward-only handshake progression. BLOCKED sits
// outside the ladder and is reachable from anywhere.
func trustRank(s protocol.TrustState) int {
	switch s {
	case protocol.TrustPending:
		return 1
	case protocol.TrustAccepted:
		return 2
	case protocol.TrustComplete:
		return 3
	case protocol.TrustConcluded:
		return 4
	default:
		return 0
	}
}

func (e *Engine) dispatchStatus(ctx context.Context, ev protocol.Event) {
	e.metrics.recordStatus(ev.Status.String())

	if ev.Status.Fatal() {
		// The originating event is abandoned; state does not change and
		// the handshake can retry from its last confirmed point.
		e.metrics.recordFailure(ev.Status.String())
		e.log.Error("vault reported failure for event",
			zap.String("status", ev.Status.String()), zap.String("chat_id", ev.ChatID))
		return
	}

	switch ev.Status {
	case protocol.StatusVaultIsReady:
		e.vaultReady.Store(true)
		e.log.Info("vault is ready")

	case protocol.StatusSendPeerPDU:
		e.handleSendPeerPDU(ev)
	case protocol.StatusPeerAddAccepted:
		e.advanceTrust(ev.ChatID, protocol.TrustAccepted)
	case protocol.StatusPeerAddComplete:
		if e.advanceTrust(ev.ChatID, protocol.TrustComplete) && len(ev.PDU) > 0 {
			e.composeControl(ev.ChatID, actionNewPeerComplete, ev.PDU)
		}
	case protocol.StatusPeerAddConcluded:
		e.handleConcluded(ctx, ev)
	case protocol.StatusPeerAddPending:
		// Retry signal from the vault; no outbound action is defined.
		e.log.Info("peer add still pending", zap.String("chat_id", ev.ChatID))
	case protocol.StatusPeerAlreadyAdded:
		e.handleAlreadyAdded(ev)
	case protocol.StatusPeerBlocked:
		e.blockPeer(ev.ChatID)

	case protocol.StatusPeerSSSRequest,
		protocol.StatusPeerSSSResponse,
		protocol.StatusPeerOTSPSSS,
		protocol.StatusPeerSSSRevoked:
		e.dispatchSessionStatus(ev)

	case protocol.StatusDeleteChat:
		e.dropChatSessions(ev.ChatID)

	case protocol.StatusFileEncrypted:
		e.log.Debug("file encrypted", zap.String("chat_id", ev.ChatID), zap.String("file", ev.File))
	case protocol.StatusAwaitingPeerAuth:
		e.log.Info("file awaiting peer authorization",
			zap.String("chat_id", ev.ChatID), zap.String("file", ev.File))
	default:
		if ev.Status.FileFailure() {
			e.metrics.recordFailure(ev.Status.String())
			e.log.Warn("file operation failed",
				zap.String("status", ev.Status.String()),
				zap.String("chat_id", ev.ChatID), zap.String("file", ev.File))
			return
		}
		e.log.Warn("unhandled vault status",
			zap.String("status", ev.Status.String()), zap.String("chat_id", ev.ChatID))
	}
}

// handleSendPeerPDU starts the outbound half of a locally initiated
// handshake: the vault produced the first PDU, which goes out as a
// new_peer_add control message.
func (e *Engine) handleSendPeerPDU(ev protocol.Event) {
	if len(ev.PDU) == 0 {
		e.metrics.recordFailure("empty_pdu")
		e.log.Warn("send_peer_pdu without payload", zap.String("chat_id", ev.ChatID))
		return
	}

	e.mu.Lock()
	rel, ok := e.relationships[ev.ChatID]
	if !ok {
		rel = e.upsertRelationshipLocked(ev.ChatID, protocol.TrustPending)
	}
	rel.PendingRequest = true
	rel.LastPDU = append([]byte(nil), ev.PDU...)
	e.persistRelationshipLocked(rel)
	e.mu.Unlock()

	e.composeControl(ev.ChatID, actionNewPeerAdd, ev.PDU)
}

func (e *Engine) handleConcluded(ctx context.Context, ev protocol.Event) {
	e.mu.Lock()
	rel, ok := e.relationships[ev.ChatID]
	if ok && rel.State == protocol.TrustConcluded {
		// Idempotent: a repeated conclusion changes nothing and produces
		// no duplicate outbound message.
		e.mu.Unlock()
		e.log.Debug("relationship already concluded", zap.String("chat_id", ev.ChatID))
		return
	}
	e.mu.Unlock()

	if !e.advanceTrust(ev.ChatID, protocol.TrustConcluded) {
		return
	}
	if len(ev.PDU) > 0 {
		e.composeControl(ev.ChatID, actionNewPeerConclude, ev.PDU)
	}
	e.pruneHandshakeMarkers(ctx, ev.ChatID)
}

func (e *Engine) handleAlreadyAdded(ev protocol.Event) {
	e.mu.RLock()
	rel, ok := e.relationships[ev.ChatID]
	concluded := ok && rel.State == protocol.TrustConcluded
	state := protocol.TrustNone
	if ok {
		state = rel.State
	}
	e.mu.RUnlock()

	if concluded {
		return
	}
	// Conflict: both sides initiated, or the vault knows a handshake this
	// engine never saw. State is left unchanged.
	e.log.Warn("peer already added conflict",
		zap.String("chat_id", ev.ChatID), zap.String("state", state.String()))
	e.metrics.recordFailure("peer_already_added")
}

// advanceTrust moves a relationship forward on the handshake ladder.
// Returns false when the transition is not reachable.
func (e *Engine) advanceTrust(chatID string, target protocol.TrustState) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	rel, ok := e.relationships[chatID]
	if !ok {
		e.log.Warn("status for unknown relationship",
			zap.String("chat_id", chatID), zap.String("target", target.String()))
		e.metrics.recordFailure("unknown_relationship")
		return false
	}
	if rel.State == protocol.TrustBlocked {
		e.log.Warn("ignoring transition for blocked relationship", zap.String("chat_id", chatID))
		return false
	}
	if trustRank(target) <= trustRank(rel.State) {
		e.log.Debug("trust transition already satisfied",
			zap.String("chat_id", chatID),
			zap.String("state", rel.State.String()),
			zap.String("target", target.String()))
		return false
	}

	prev := rel.State
	e.upsertRelationshipLocked(chatID, target)
	if target == protocol.TrustConcluded {
		rel.PendingRequest = false
	}
	e.persistRelationshipLocked(rel)
	e.log.Info("trust state advanced",
		zap.String("chat_id", chatID),
		zap.String("from", prev.String()),
		zap.String("to", target.String()))
	return true
}

// blockPeer is the only forced transition: terminal for the relationship
// and, in the same processing pass, for every session of the chat.
func (e *Engine) blockPeer(chatID string) {
	e.mu.Lock()
	rel := e.upsertRelationshipLocked(chatID, protocol.TrustBlocked)
	rel.PendingRequest = false
	e.persistRelationshipLocked(rel)

	blocked := 0
	for key, sess := range e.sessions {
		if key.chatID != chatID || sess.State == protocol.SessionBlocked {
			continue
		}
		sess.State = protocol.SessionBlocked
		sess.LastActivity = nowUTC()
		e.persistSessionLocked(sess)
		blocked++
	}
	e.mu.Unlock()

	e.log.Warn("peer blocked", zap.String("chat_id", chatID), zap.Int("sessions_blocked", blocked))
}

// pruneHandshakeMarkers removes this handshake's control messages from
// the visible conversation.
func (e *Engine) pruneHandshakeMarkers(ctx context.Context, chatID string) {
	e.mu.Lock()
	rel, ok := e.relationships[chatID]
	var ids []string
	if ok {
		ids = rel.markerMsgIDs
		rel.markerMsgIDs = nil
	}
	e.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	if err := e.transport.DeleteMessages(ctx, ids...); err != nil {
		e.log.Warn("prune handshake markers", zap.Error(err), zap.String("chat_id", chatID))
	}
}
