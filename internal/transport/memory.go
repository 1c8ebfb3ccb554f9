package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Memory is an in-process transport connecting a fixed set of endpoints.
// It backs the package tests and the demo walkthrough; a production host
// embeds the engine against its own messaging core instead.
type Memory struct {
	mu        sync.Mutex
	nextID    int
	endpoints map[string]*Endpoint
	chats     map[string][2]string
	messages  map[string]Message
	deleted   map[string]bool
	contactRq map[string]bool
}

// NewMemory builds an empty in-memory network.
func NewMemory() *Memory {
	return &Memory{
		endpoints: make(map[string]*Endpoint),
		chats:     make(map[string][2]string),
		messages:  make(map[string]Message),
		deleted:   make(map[string]bool),
		contactRq: make(map[string]bool),
	}
}

// Endpoint is one participant's view of the network. It satisfies
// Transport for the engine bound to it.
type Endpoint struct {
	net  *Memory
	self string

	mu      sync.Mutex
	handler func(Message)
	pending []Message
}

// Register adds a participant and returns its endpoint.
func (m *Memory) Register(peerID string) *Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep := &Endpoint{net: m, self: peerID}
	m.endpoints[peerID] = ep
	return ep
}

// Bind creates a two-party chat between registered participants.
func (m *Memory) Bind(chatID, a, b string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[chatID] = [2]string{a, b}
}

// SetContactRequest marks a chat as an unestablished conversation.
func (m *Memory) SetContactRequest(chatID string, pending bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contactRq[chatID] = pending
}

// Visible reports whether a message is still part of the conversation.
func (m *Memory) Visible(msgID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.messages[msgID]
	return ok && !m.deleted[msgID]
}

// Self returns the participant id behind this endpoint.
func (e *Endpoint) Self() string { return e.self }

// OnMessage installs the inbound handler and flushes anything delivered
// before the handler existed, in arrival order.
func (e *Endpoint) OnMessage(handler func(Message)) {
	e.mu.Lock()
	e.handler = handler
	backlog := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, msg := range backlog {
		handler(msg)
	}
}

// SendMessage delivers msg to the chat counterpart.
func (e *Endpoint) SendMessage(ctx context.Context, chatID string, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	e.net.mu.Lock()
	pair, ok := e.net.chats[chatID]
	if !ok {
		e.net.mu.Unlock()
		return "", fmt.Errorf("chat %s is not bound", chatID)
	}
	var target string
	switch e.self {
	case pair[0]:
		target = pair[1]
	case pair[1]:
		target = pair[0]
	default:
		e.net.mu.Unlock()
		return "", fmt.Errorf("%s is not a participant of chat %s", e.self, chatID)
	}

	e.net.nextID++
	msg.ID = fmt.Sprintf("msg-%d", e.net.nextID)
	msg.ChatID = chatID
	msg.FromID = e.self
	// Bound chats are end-to-end protected in this fake.
	msg.Encrypted = true
	e.net.messages[msg.ID] = msg
	peer := e.net.endpoints[target]
	e.net.mu.Unlock()

	if peer == nil {
		return "", errors.New("counterpart is not registered")
	}
	peer.deliver(msg)
	return msg.ID, nil
}

// DeleteMessages marks messages as removed from the conversation.
func (e *Endpoint) DeleteMessages(ctx context.Context, msgIDs ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	for _, id := range msgIDs {
		if id == "" {
			continue
		}
		e.net.deleted[id] = true
	}
	return nil
}

// IsContactRequest reports whether the chat is still unestablished.
func (e *Endpoint) IsContactRequest(chatID string) bool {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	return e.net.contactRq[chatID]
}

// Inject hands an externally crafted message to this endpoint as if the
// counterpart had sent it. Used by tests to simulate legacy clients.
func (e *Endpoint) Inject(msg Message) string {
	e.net.mu.Lock()
	e.net.nextID++
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("msg-%d", e.net.nextID)
	}
	e.net.messages[msg.ID] = msg
	e.net.mu.Unlock()

	e.deliver(msg)
	return msg.ID
}

func (e *Endpoint) deliver(msg Message) {
	e.mu.Lock()
	handler := e.handler
	if handler == nil {
		e.pending = append(e.pending, msg)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	handler(msg)
}
