// Package codec recognizes and builds protocol-tagged chat messages. A
// message is protocol traffic iff its subject parses as a JSON object with
// a truthy "privitty" marker; the body then carries a base64-encoded PDU.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Control actions carried in the subject's "type" field.
const (
	ActionNewPeerAdd      = "new_peer_add"
	ActionNewPeerComplete = "new_peer_complete"
	ActionNewPeerConclude = "new_peer_conclude"
	ActionOTSPSent        = "OTSP_SENT"
	ActionSSSRequest      = "SSS_REQUEST"
	ActionSSSResponse     = "SSS_RESPONSE"
	ActionSSSRevoked      = "SSS_REVOKED"
)

// ErrNotProtocol marks a subject that does not carry the protocol tag;
// the message is ordinary user content and must stay visible.
var ErrNotProtocol = errors.New("subject is not protocol-tagged")

// ErrUnknownAction marks a well-formed tag with an unrecognized type
// string. Such messages are dropped without crashing.
var ErrUnknownAction = errors.New("unrecognized control action")

var knownActions = map[string]struct{}{
	ActionNewPeerAdd:      {},
	ActionNewPeerComplete: {},
	ActionNewPeerConclude: {},
	// Older clients emit the trailing-d spelling for the conclude marker.
	"new_peer_concluded": {},
	ActionOTSPSent:       {},
	ActionSSSRequest:     {},
	ActionSSSResponse:    {},
	ActionSSSRevoked:     {},
}

// Subject is the structured tag carried in a control message's subject.
type Subject struct {
	Privitty string `json:"privitty"`
	Type     string `json:"type"`
}

// Protocol reports whether the tag carries the truthy protocol marker.
func (s Subject) Protocol() bool {
	return strings.EqualFold(s.Privitty, "true")
}

// ConcludeMarker reports whether the action is the idempotent no-op
// conclude marker, consumed without forwarding to the vault.
func (s Subject) ConcludeMarker() bool {
	return strings.EqualFold(s.Type, ActionNewPeerConclude) ||
		strings.EqualFold(s.Type, "new_peer_concluded")
}

// EncodeSubject renders the structured tag for an outbound control message.
func EncodeSubject(action string) string {
	raw, _ := json.Marshal(Subject{Privitty: "true", Type: action})
	return string(raw)
}

// DecodeSubject parses a subject field. Subjects written by older clients
// use single-quoted JSON; those are normalized before parsing. Returns
// ErrNotProtocol when the subject is not a protocol tag at all.
func DecodeSubject(subject string) (Subject, error) {
	trimmed := strings.TrimSpace(subject)
	if !strings.HasPrefix(trimmed, "{") {
		return Subject{}, ErrNotProtocol
	}

	var tag Subject
	if err := json.Unmarshal([]byte(trimmed), &tag); err != nil {
		normalized := normalizeQuotes(trimmed)
		if err := json.Unmarshal([]byte(normalized), &tag); err != nil {
			return Subject{}, ErrNotProtocol
		}
	}
	if !tag.Protocol() {
		return Subject{}, ErrNotProtocol
	}
	if _, ok := knownActions[tag.Type]; !ok {
		return tag, fmt.Errorf("%w: %q", ErrUnknownAction, tag.Type)
	}
	return tag, nil
}

// EncodeBody renders the message body for a PDU.
func EncodeBody(pdu []byte) string {
	return base64.StdEncoding.EncodeToString(pdu)
}

// DecodeBody recovers the PDU bytes from a control message body.
func DecodeBody(body string) ([]byte, error) {
	pdu, err := base64.StdEncoding.DecodeString(strings.TrimSpace(body))
	if err != nil {
		return nil, fmt.Errorf("decode control body: %w", err)
	}
	return pdu, nil
}

// normalizeQuotes rewrites a single-quoted tag into strict JSON. Only
// applied to subjects that already look like a tag object; values never
// contain escaped quotes in the observed wire shape.
func normalizeQuotes(s string) string {
	if strings.Contains(s, `"`) {
		return s
	}
	return strings.ReplaceAll(s, "'", `"`)
}
