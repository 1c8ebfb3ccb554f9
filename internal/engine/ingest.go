package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sourav673/privitty-go/internal/codec"
	"github.com/sourav673/privitty-go/internal/protocol"
	"github.com/sourav673/privitty-go/internal/transport"
)

// HandleIncoming classifies one inbound chat message. Control traffic is
// lifted into an event and scrubbed from the conversation; ordinary
// messages pass through untouched except for two side effects: a handshake
// trigger on the first encrypted message from an unknown peer, and a
// one-time nudge for legacy clients.
func (e *Engine) HandleIncoming(ctx context.Context, msg transport.Message) {
	if e.transport.IsContactRequest(msg.ChatID) {
		// Nothing is negotiated with a contact that was never accepted.
		e.log.Debug("skipping contact request chat", zap.String("chat_id", msg.ChatID))
		return
	}

	tag, err := codec.DecodeSubject(msg.Subject)
	switch {
	case err == nil:
		e.ingestControl(ctx, msg, tag)
		return
	case errors.Is(err, codec.ErrUnknownAction):
		// Well-formed protocol tag, unknown verb. Scrubbed so the user never
		// sees machine traffic, but nothing else happens.
		e.log.Warn("dropping control message with unknown action",
			zap.String("chat_id", msg.ChatID), zap.String("type", tag.Type))
		e.scrub(ctx, msg)
		return
	}

	// Ordinary user message from here on; it stays visible.
	if msg.Encrypted {
		if !e.vault.IsPeerAdded(msg.ChatID) {
			if err := e.Submit(protocol.Event{
				Kind:   protocol.KindAddNewPeer,
				ChatID: msg.ChatID,
				FromID: msg.FromID,
				MsgID:  msg.ID,
			}); err != nil {
				e.log.Warn("queue handshake trigger", zap.Error(err), zap.String("chat_id", msg.ChatID))
			}
		}
		return
	}
	if !e.vault.IsChatVersion(msg.MimeHeaders) {
		if err := e.Submit(protocol.Event{
			Kind:   protocol.KindLegacyPeer,
			ChatID: msg.ChatID,
			FromID: msg.FromID,
		}); err != nil {
			e.log.Warn("queue legacy nudge", zap.Error(err), zap.String("chat_id", msg.ChatID))
		}
	}
}

func (e *Engine) ingestControl(ctx context.Context, msg transport.Message, tag codec.Subject) {
	if tag.ConcludeMarker() {
		// The conclusion PDU already arrived through the complete exchange;
		// the marker only exists so the peer's copy gets cleaned up.
		e.log.Debug("consumed conclude marker", zap.String("chat_id", msg.ChatID))
		e.scrub(ctx, msg)
		return
	}

	pdu, err := codec.DecodeBody(msg.Text)
	if err != nil {
		// Undecodable payloads carry nothing worth retrying; the carrier
		// still leaves the conversation.
		e.metrics.recordFailure("bad_body")
		e.log.Warn("control message with undecodable body", zap.Error(err),
			zap.String("chat_id", msg.ChatID), zap.String("type", tag.Type))
		e.scrub(ctx, msg)
		return
	}

	if err := e.Submit(protocol.Event{
		Kind:   protocol.KindReceivedPeerPDU,
		ChatID: msg.ChatID,
		MsgID:  msg.ID,
		FromID: msg.FromID,
		File:   msg.Filename,
		PDU:    pdu,
	}); err != nil {
		// The transport will redeliver; deleting now would lose the PDU.
		e.log.Error("queue inbound pdu", zap.Error(err),
			zap.String("chat_id", msg.ChatID), zap.String("type", tag.Type))
		return
	}
	e.scrub(ctx, msg)
}

func (e *Engine) scrub(ctx context.Context, msg transport.Message) {
	if msg.ID == "" {
		return
	}
	if err := e.transport.DeleteMessages(ctx, msg.ID); err != nil {
		e.log.Warn("scrub control message", zap.Error(err),
			zap.String("chat_id", msg.ChatID), zap.String("msg_id", msg.ID))
	}
}
