package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sourav673/privitty-go/internal/codec"
	"github.com/sourav673/privitty-go/internal/transport"
)

const (
	actionNewPeerAdd      = codec.ActionNewPeerAdd
	actionNewPeerComplete = codec.ActionNewPeerComplete
	actionNewPeerConclude = codec.ActionNewPeerConclude
	actionOTSPSent        = codec.ActionOTSPSent
	actionSSSRequest      = codec.ActionSSSRequest
	actionSSSResponse     = codec.ActionSSSResponse
	actionSSSRevoked      = codec.ActionSSSRevoked
)

const (
	upgradeNudgeText = "Please install the Privitty chat app to keep shared files protected."

	defaultOutboxSize = 64
)

func nowUTC() time.Time { return time.Now().UTC() }

// outboundItem is one message awaiting transport delivery. A control item
// carries an action and payload; a text item only carries Text.
type outboundItem struct {
	action  string
	payload []byte
	text    string
}

type composerConfig struct {
	log        *zap.Logger
	transport  transport.Transport
	outboxSize int
	metrics    *Metrics
	// onSent observes successful control sends with the transport message
	// id, keyed by chat and action.
	onSent func(chatID, action, msgID string)
}

// composer serializes outbound messages per chat. Each chat gets its own
// FIFO worker so transport latency in one conversation never delays
// another, while ordering within a conversation is preserved.
type composer struct {
	log       *zap.Logger
	transport transport.Transport
	size      int
	metrics   *Metrics
	onSent    func(chatID, action, msgID string)

	mu      sync.Mutex
	outbox  map[string]chan outboundItem
	closing bool
	wg      sync.WaitGroup
}

func newComposer(cfg composerConfig) *composer {
	if cfg.log == nil {
		cfg.log = zap.NewNop()
	}
	if cfg.outboxSize <= 0 {
		cfg.outboxSize = defaultOutboxSize
	}
	return &composer{
		log:       cfg.log,
		transport: cfg.transport,
		size:      cfg.outboxSize,
		metrics:   cfg.metrics,
		onSent:    cfg.onSent,
		outbox:    make(map[string]chan outboundItem),
	}
}

// enqueueControl schedules a protocol control message: tagged subject,
// base64 body.
func (c *composer) enqueueControl(chatID, action string, pdu []byte) {
	c.enqueue(chatID, outboundItem{action: action, payload: pdu})
}

// enqueueText schedules a plain text message.
func (c *composer) enqueueText(chatID, text string) {
	c.enqueue(chatID, outboundItem{text: text})
}

func (c *composer) enqueue(chatID string, item outboundItem) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		c.log.Warn("outbound message dropped during shutdown", zap.String("chat_id", chatID))
		return
	}
	ch, ok := c.outbox[chatID]
	if !ok {
		ch = make(chan outboundItem, c.size)
		c.outbox[chatID] = ch
		c.wg.Add(1)
		go c.deliver(chatID, ch)
	}
	c.mu.Unlock()

	select {
	case ch <- item:
	default:
		c.metrics.recordDrop()
		c.log.Warn("outbox full, dropping message",
			zap.String("chat_id", chatID), zap.String("action", item.action))
	}
}

func (c *composer) deliver(chatID string, ch chan outboundItem) {
	defer c.wg.Done()
	for item := range ch {
		msgID, err := c.transport.SendMessage(context.Background(), chatID, c.build(item))
		if err != nil {
			c.log.Error("send message", zap.Error(err),
				zap.String("chat_id", chatID), zap.String("action", item.action))
			continue
		}
		if item.action != "" {
			c.metrics.recordOutbound(item.action)
			if c.onSent != nil {
				c.onSent(chatID, item.action, msgID)
			}
		}
	}
}

func (c *composer) build(item outboundItem) transport.Message {
	if item.action == "" {
		return transport.Message{Text: item.text}
	}
	return transport.Message{
		Subject: codec.EncodeSubject(item.action),
		Text:    codec.EncodeBody(item.payload),
	}
}

// close drains every outbox and waits for in-flight sends.
func (c *composer) close() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	for _, ch := range c.outbox {
		close(ch)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// composeControl emits a control message carrying a vault-produced PDU.
func (e *Engine) composeControl(chatID, action string, pdu []byte) {
	e.composer.enqueueControl(chatID, action, pdu)
}
