// Package store persists peer relationships and file-access sessions so
// trust state survives process restarts. Relationships are never deleted,
// only transitioned, so the records are written on every transition.
package store

import (
	"time"

	"github.com/sourav673/privitty-go/internal/protocol"
)

// RelationshipRecord is the durable form of a peer relationship.
type RelationshipRecord struct {
	ChatID         string               `json:"chat_id"`
	State          protocol.TrustState  `json:"state"`
	LastPDU        []byte               `json:"last_pdu,omitempty"`
	PendingRequest bool                 `json:"pending_request"`
	Blocked        bool                 `json:"blocked"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// SessionRecord is the durable form of a file-access session.
type SessionRecord struct {
	ChatID       string                `json:"chat_id"`
	File         string                `json:"file"`
	State        protocol.SessionState `json:"state"`
	Requester    string                `json:"requester,omitempty"`
	Outstanding  int                   `json:"outstanding"`
	ForwardedTo  []string              `json:"forwarded_to,omitempty"`
	LastActivity time.Time             `json:"last_activity"`
}

// Store is the persistence contract consumed by the engine. The engine's
// event loop is the only writer.
type Store interface {
	PutRelationship(rec RelationshipRecord) error
	PutSession(rec SessionRecord) error
	// DeleteSessions drops every session of one chat (vault-driven chat
	// deletion). Relationship records are never deleted.
	DeleteSessions(chatID string) error
	Relationships() ([]RelationshipRecord, error)
	Sessions() ([]SessionRecord, error)
	Close() error
}
