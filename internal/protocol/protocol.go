// Package protocol defines the event and status taxonomy exchanged between
// the vault boundary, the codec, and the engine's state machines.
package protocol

// Kind classifies an event entering the ingest queue.
type Kind int

const (
	KindNone Kind = iota
	// KindAddNewPeer is a local trigger asking the vault to begin a
	// handshake with the peer behind a chat.
	KindAddNewPeer
	// KindReceivedPeerPDU carries an opaque PDU lifted out of an inbound
	// control message.
	KindReceivedPeerPDU
	// KindLegacyPeer flags an inbound message from a client that does not
	// speak the protocol at all.
	KindLegacyPeer
	// KindPeerOffline and KindPeerTimeoutReached are advisory; they never
	// force a state transition.
	KindPeerOffline
	KindPeerTimeoutReached
	// KindFileSanityFailed reports a damaged attachment noticed outside the
	// vault. Advisory.
	KindFileSanityFailed
	// KindStatus wraps a vault status report; Status is set.
	KindStatus
	// KindShutdown is the end-of-stream sentinel. The ingest loop exits
	// cleanly when it dequeues one.
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindAddNewPeer:
		return "add_new_peer"
	case KindReceivedPeerPDU:
		return "received_peer_pdu"
	case KindLegacyPeer:
		return "legacy_peer"
	case KindPeerOffline:
		return "peer_offline"
	case KindPeerTimeoutReached:
		return "peer_timeout_reached"
	case KindFileSanityFailed:
		return "file_sanity_failed"
	case KindStatus:
		return "status"
	case KindShutdown:
		return "shutdown"
	default:
		return "none"
	}
}

// Status enumerates vault status reports.
type Status int

const (
	StatusNone Status = iota
	StatusError
	StatusFailed
	StatusInvalidRequest
	StatusVaultIsReady
	StatusVaultFailed
	StatusUserAlreadyExists
	StatusUserDoesNotExist
	StatusPeerAlreadyAdded
	StatusSendPeerPDU
	StatusPeerAddAccepted
	StatusPeerAddComplete
	StatusPeerAddConcluded
	StatusPeerAddPending
	StatusPeerBlocked
	StatusFileEncrypted
	StatusFileEncryptionFailed
	StatusFileDecryptionFailed
	StatusInvalidFile
	StatusFileInaccessible
	StatusAwaitingPeerAuth
	StatusPeerSSSRequest
	StatusPeerSSSResponse
	StatusPeerSSSRevoked
	StatusPeerOTSPSSS
	StatusDeleteChat
)

var statusNames = map[Status]string{
	StatusNone:                 "none",
	StatusError:                "error",
	StatusFailed:               "failed",
	StatusInvalidRequest:       "invalid_request",
	StatusVaultIsReady:         "vault_is_ready",
	StatusVaultFailed:          "vault_failed",
	StatusUserAlreadyExists:    "user_already_exists",
	StatusUserDoesNotExist:     "user_does_not_exist",
	StatusPeerAlreadyAdded:     "peer_already_added",
	StatusSendPeerPDU:          "send_peer_pdu",
	StatusPeerAddAccepted:      "peer_add_accepted",
	StatusPeerAddComplete:      "peer_add_complete",
	StatusPeerAddConcluded:     "peer_add_concluded",
	StatusPeerAddPending:       "peer_add_pending",
	StatusPeerBlocked:          "peer_blocked",
	StatusFileEncrypted:        "file_encrypted",
	StatusFileEncryptionFailed: "file_encryption_failed",
	StatusFileDecryptionFailed: "file_decryption_failed",
	StatusInvalidFile:          "invalid_file",
	StatusFileInaccessible:     "file_inaccessible",
	StatusAwaitingPeerAuth:     "awaiting_peer_auth",
	StatusPeerSSSRequest:       "peer_sss_request",
	StatusPeerSSSResponse:      "peer_sss_response",
	StatusPeerSSSRevoked:       "peer_sss_revoked",
	StatusPeerOTSPSSS:          "peer_otsp_sss",
	StatusDeleteChat:           "delete_chat",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// Fatal reports whether the status abandons the event under processing
// without advancing any state machine.
func (s Status) Fatal() bool {
	switch s {
	case StatusError, StatusFailed, StatusInvalidRequest, StatusVaultFailed:
		return true
	default:
		return false
	}
}

// FileFailure reports whether the status describes an encryption or
// decryption primitive failure. The gate surfaces these as a denial reason
// distinct from a revoked session.
func (s Status) FileFailure() bool {
	switch s {
	case StatusFileEncryptionFailed, StatusFileDecryptionFailed, StatusInvalidFile, StatusFileInaccessible:
		return true
	default:
		return false
	}
}

// Event is the unit pulled through the ingest queue. Classification events
// set Kind alone; vault reports set Kind to KindStatus plus Status.
type Event struct {
	Kind   Kind
	Status Status
	ChatID string
	MsgID  string
	FromID string
	File   string
	Path   string
	PDU    []byte
}

// StatusEvent builds a vault status report for a chat.
func StatusEvent(status Status, chatID string, pdu []byte) Event {
	return Event{Kind: KindStatus, Status: status, ChatID: chatID, PDU: pdu}
}

// TrustState tracks the handshake progress for a (chat, peer) pair.
type TrustState int

const (
	TrustNone TrustState = iota
	TrustPending
	TrustAccepted
	TrustComplete
	TrustConcluded
	TrustBlocked
)

func (t TrustState) String() string {
	switch t {
	case TrustPending:
		return "pending"
	case TrustAccepted:
		return "accepted"
	case TrustComplete:
		return "complete"
	case TrustConcluded:
		return "concluded"
	case TrustBlocked:
		return "blocked"
	default:
		return "none"
	}
}

// Terminal reports whether no further handshake transition is possible.
func (t TrustState) Terminal() bool {
	return t == TrustConcluded || t == TrustBlocked
}

// Trusted reports whether sessions may become active under this state.
func (t TrustState) Trusted() bool {
	return t != TrustNone && t != TrustBlocked
}

// SessionState tracks a file-access session.
type SessionState int

const (
	SessionNone SessionState = iota
	SessionRequest
	SessionActive
	SessionRevoked
	SessionBlocked
)

func (s SessionState) String() string {
	switch s {
	case SessionRequest:
		return "request"
	case SessionActive:
		return "active"
	case SessionRevoked:
		return "revoked"
	case SessionBlocked:
		return "blocked"
	default:
		return "none"
	}
}

// Terminal reports whether the session can no longer change state.
func (s SessionState) Terminal() bool {
	return s == SessionRevoked || s == SessionBlocked
}

// Access buckets the externally visible classification of a session, as
// consumed by the file access gate and UI-facing callers.
type Access int

const (
	AccessUnknown Access = iota
	AccessAllowed
	AccessPending
	AccessDenied
)

func (a Access) String() string {
	switch a {
	case AccessAllowed:
		return "allowed"
	case AccessPending:
		return "pending"
	case AccessDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// ClassifySession maps a session state to its access bucket. A missing
// session (SessionNone) is unknown, which non-owners must treat as denied.
func ClassifySession(s SessionState) Access {
	switch s {
	case SessionActive:
		return AccessAllowed
	case SessionRequest:
		return AccessPending
	case SessionRevoked, SessionBlocked:
		return AccessDenied
	default:
		return AccessUnknown
	}
}
