package engine

import (
	"go.uber.org/zap"

	"github.com/sourav673/privitty-go/internal/protocol"
)

func (e *Engine) dispatchSessionStatus(ev protocol.Event) {
	if ev.File == "" {
		e.metrics.recordFailure("session_without_file")
		e.log.Warn("session status without file",
			zap.String("status", ev.Status.String()), zap.String("chat_id", ev.ChatID))
		return
	}

	switch ev.Status {
	case protocol.StatusPeerSSSRequest:
		e.handleSSSRequest(ev)
	case protocol.StatusPeerOTSPSSS:
		e.handleOTSPGrant(ev)
	case protocol.StatusPeerSSSResponse:
		e.handleSSSResponse(ev)
	case protocol.StatusPeerSSSRevoked:
		e.handleSSSRevoked(ev)
	}
}

// handleSSSRequest opens (or re-opens) a session in the request state. On
// the requesting side the vault supplies a PDU to send; on the owning side
// the request arrived over the wire and only the counter moves.
func (e *Engine) handleSSSRequest(ev protocol.Event) {
	e.mu.Lock()
	key := sessionKey{ev.ChatID, ev.File}
	sess, ok := e.sessions[key]
	if ok && sess.State.Terminal() {
		state := sess.State
		e.mu.Unlock()
		// A revoked or blocked session never reopens; the peer keeps asking
		// into a wall.
		e.log.Info("access request for terminal session",
			zap.String("chat_id", ev.ChatID), zap.String("file", ev.File),
			zap.String("state", state.String()))
		return
	}
	if !ok {
		sess = &FileAccessSession{ChatID: ev.ChatID, File: ev.File}
		e.sessions[key] = sess
	}
	if sess.State == protocol.SessionNone {
		sess.State = protocol.SessionRequest
	}
	if ev.FromID != "" {
		sess.Requester = ev.FromID
	}
	sess.Outstanding++
	sess.LastActivity = nowUTC()
	e.persistSessionLocked(sess)
	e.mu.Unlock()

	if len(ev.PDU) > 0 {
		e.composeControl(ev.ChatID, actionSSSRequest, ev.PDU)
	}
	e.log.Info("file access requested",
		zap.String("chat_id", ev.ChatID), zap.String("file", ev.File))
}

// handleOTSPGrant ships a one-time share packet granting access. The grant
// is the one protocol step that also leaves a durable activity record.
func (e *Engine) handleOTSPGrant(ev protocol.Event) {
	if len(ev.PDU) == 0 {
		e.metrics.recordFailure("empty_pdu")
		e.log.Warn("grant without share packet",
			zap.String("chat_id", ev.ChatID), zap.String("file", ev.File))
		return
	}
	if !e.activateSession(ev, "grant") {
		return
	}

	e.composeControl(ev.ChatID, actionOTSPSent, ev.PDU)
	if err := e.vault.RecordActivity(ev.ChatID, e.selfID, actionOTSPSent, "system"); err != nil {
		e.log.Warn("record grant activity", zap.Error(err), zap.String("chat_id", ev.ChatID))
	}
}

// handleSSSResponse settles a pending request on the requesting side: the
// share arrived and was absorbed by the vault, so the session goes active.
func (e *Engine) handleSSSResponse(ev protocol.Event) {
	if !e.activateSession(ev, "response") {
		return
	}
	if len(ev.PDU) > 0 {
		e.composeControl(ev.ChatID, actionSSSResponse, ev.PDU)
	}
}

// activateSession moves a session to active under the parent-trust
// invariant: no session activates in a chat whose relationship is blocked
// or was never established.
func (e *Engine) activateSession(ev protocol.Event, via string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	rel, ok := e.relationships[ev.ChatID]
	if !ok || !rel.State.Trusted() {
		e.metrics.recordFailure("untrusted_session")
		e.log.Warn("refusing session activation without trusted relationship",
			zap.String("chat_id", ev.ChatID), zap.String("file", ev.File), zap.String("via", via))
		return false
	}

	key := sessionKey{ev.ChatID, ev.File}
	sess, ok := e.sessions[key]
	if !ok {
		sess = &FileAccessSession{ChatID: ev.ChatID, File: ev.File, State: protocol.SessionRequest}
		e.sessions[key] = sess
	}
	if sess.State.Terminal() {
		e.log.Info("ignoring activation for terminal session",
			zap.String("chat_id", ev.ChatID), zap.String("file", ev.File))
		return false
	}
	if sess.State == protocol.SessionActive {
		sess.LastActivity = nowUTC()
		e.persistSessionLocked(sess)
		return true
	}

	sess.State = protocol.SessionActive
	if sess.Outstanding > 0 {
		sess.Outstanding--
	}
	sess.LastActivity = nowUTC()
	e.persistSessionLocked(sess)
	e.log.Info("file access session active",
		zap.String("chat_id", ev.ChatID), zap.String("file", ev.File), zap.String("via", via))
	return true
}

// handleSSSRevoked retires a session. Terminal in both directions: a local
// revocation also notifies the peer when the vault produced a PDU for it.
func (e *Engine) handleSSSRevoked(ev protocol.Event) {
	e.mu.Lock()
	key := sessionKey{ev.ChatID, ev.File}
	sess, ok := e.sessions[key]
	if !ok {
		sess = &FileAccessSession{ChatID: ev.ChatID, File: ev.File}
		e.sessions[key] = sess
	}
	already := sess.State == protocol.SessionRevoked
	if !already && sess.State != protocol.SessionBlocked {
		sess.State = protocol.SessionRevoked
		sess.Outstanding = 0
		sess.LastActivity = nowUTC()
		e.persistSessionLocked(sess)
	}
	e.mu.Unlock()

	if already {
		return
	}
	if len(ev.PDU) > 0 {
		e.composeControl(ev.ChatID, actionSSSRevoked, ev.PDU)
	}
	e.log.Info("file access revoked",
		zap.String("chat_id", ev.ChatID), zap.String("file", ev.File))
}

// dropChatSessions removes every session of a chat, in memory and in the
// store. Relationship state is untouched.
func (e *Engine) dropChatSessions(chatID string) {
	e.mu.Lock()
	removed := 0
	for key := range e.sessions {
		if key.chatID != chatID {
			continue
		}
		delete(e.sessions, key)
		delete(e.owned, key)
		removed++
	}
	e.publishGaugesLocked()
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.DeleteSessions(chatID); err != nil {
			e.log.Error("delete chat sessions", zap.Error(err), zap.String("chat_id", chatID))
		}
	}
	e.log.Info("chat sessions dropped", zap.String("chat_id", chatID), zap.Int("removed", removed))
}
