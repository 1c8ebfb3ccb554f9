// Package engine drives the peer-trust handshake and the per-file
// secret-sharing sessions. A single consumer loop pulls protocol events in
// arrival order and is the only writer of the two state maps; the file
// access gate and UI-facing queries read snapshots under a shared lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sourav673/privitty-go/internal/protocol"
	"github.com/sourav673/privitty-go/internal/store"
	"github.com/sourav673/privitty-go/internal/transport"
	"github.com/sourav673/privitty-go/internal/vault"
)

const defaultQueueSize = 256

// ErrQueueFull reports a rejected Submit; the caller owns retry policy.
var ErrQueueFull = errors.New("ingest queue is full")

// PeerRelationship is the per-chat handshake record. Mutated only on the
// event loop; never deleted, only transitioned.
type PeerRelationship struct {
	ChatID         string
	State          protocol.TrustState
	LastPDU        []byte
	PendingRequest bool
	Blocked        bool
	UpdatedAt      time.Time

	// markerMsgIDs collects control messages produced during the
	// handshake; they are pruned from the conversation on conclusion.
	markerMsgIDs []string
}

// FileAccessSession is the per-(chat, file) access record.
type FileAccessSession struct {
	ChatID       string
	File         string
	State        protocol.SessionState
	Requester    string
	Outstanding  int
	ForwardedTo  []string
	LastActivity time.Time
}

type sessionKey struct {
	chatID string
	file   string
}

// Config wires engine dependencies.
type Config struct {
	Log       *zap.Logger
	Vault     vault.Vault
	Transport transport.Transport
	// Store is optional; nil keeps state in memory only.
	Store store.Store
	// Metrics is optional.
	Metrics *Metrics
	// SelfID names the local participant for ownership checks and audit
	// records.
	SelfID string
	// QueueSize bounds the ingest queue (default 256).
	QueueSize int
	// OutboxSize bounds each per-chat outbound queue.
	OutboxSize int
}

// Engine owns the relationship and session maps and the ingest loop.
type Engine struct {
	log       *zap.Logger
	vault     vault.Vault
	transport transport.Transport
	store     store.Store
	metrics   *Metrics
	selfID    string

	events     chan protocol.Event
	stopped    chan struct{}
	runOnce    sync.Once
	vaultReady atomic.Bool

	mu            sync.RWMutex
	relationships map[string]*PeerRelationship
	sessions      map[sessionKey]*FileAccessSession
	owned         map[sessionKey]bool
	nudged        map[string]bool

	composer *composer
}

// New constructs an engine, restoring persisted state when a store is
// configured.
func New(cfg Config) (*Engine, error) {
	if cfg.Vault == nil {
		return nil, errors.New("vault is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	e := &Engine{
		log:           cfg.Log,
		vault:         cfg.Vault,
		transport:     cfg.Transport,
		store:         cfg.Store,
		metrics:       cfg.Metrics,
		selfID:        cfg.SelfID,
		events:        make(chan protocol.Event, cfg.QueueSize),
		stopped:       make(chan struct{}),
		relationships: make(map[string]*PeerRelationship),
		sessions:      make(map[sessionKey]*FileAccessSession),
		owned:         make(map[sessionKey]bool),
		nudged:        make(map[string]bool),
	}
	e.composer = newComposer(composerConfig{
		log:        cfg.Log,
		transport:  cfg.Transport,
		outboxSize: cfg.OutboxSize,
		metrics:    cfg.Metrics,
		onSent:     e.recordMarker,
	})

	if cfg.Store != nil {
		if err := e.restore(cfg.Store); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) restore(st store.Store) error {
	rels, err := st.Relationships()
	if err != nil {
		return fmt.Errorf("restore relationships: %w", err)
	}
	for _, rec := range rels {
		e.relationships[rec.ChatID] = &PeerRelationship{
			ChatID:         rec.ChatID,
			State:          rec.State,
			LastPDU:        rec.LastPDU,
			PendingRequest: rec.PendingRequest,
			Blocked:        rec.Blocked,
			UpdatedAt:      rec.UpdatedAt,
		}
	}
	sessions, err := st.Sessions()
	if err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	for _, rec := range sessions {
		e.sessions[sessionKey{rec.ChatID, rec.File}] = &FileAccessSession{
			ChatID:       rec.ChatID,
			File:         rec.File,
			State:        rec.State,
			Requester:    rec.Requester,
			Outstanding:  rec.Outstanding,
			ForwardedTo:  rec.ForwardedTo,
			LastActivity: rec.LastActivity,
		}
	}
	if len(rels) > 0 || len(sessions) > 0 {
		e.log.Info("restored engine state",
			zap.Int("relationships", len(rels)),
			zap.Int("sessions", len(sessions)))
	}
	e.publishGauges()
	return nil
}

// Submit enqueues an event for the ingest loop. It never blocks; a full
// queue rejects the event with ErrQueueFull.
func (e *Engine) Submit(ev protocol.Event) error {
	select {
	case e.events <- ev:
		e.metrics.setQueueDepth(len(e.events))
		return nil
	default:
		e.metrics.recordDrop()
		return ErrQueueFull
	}
}

// Run consumes events until the shutdown sentinel arrives or ctx is done.
// Individual event failures are logged and never stop the loop.
func (e *Engine) Run(ctx context.Context) error {
	defer e.runOnce.Do(func() { close(e.stopped) })
	defer e.composer.close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.events:
			e.metrics.setQueueDepth(len(e.events))
			if ev.Kind == protocol.KindShutdown {
				e.log.Info("ingest loop shutting down")
				return nil
			}
			e.dispatch(ctx, ev)
		}
	}
}

// Close delivers the shutdown sentinel. Safe to call concurrently with a
// loop that already exited.
func (e *Engine) Close() {
	select {
	case e.events <- protocol.Event{Kind: protocol.KindShutdown}:
	case <-e.stopped:
	}
}

func (e *Engine) dispatch(ctx context.Context, ev protocol.Event) {
	e.metrics.recordEvent(ev.Kind.String())

	switch ev.Kind {
	case protocol.KindStatus:
		e.dispatchStatus(ctx, ev)
	case protocol.KindAddNewPeer:
		e.handleAddNewPeer(ev)
	case protocol.KindReceivedPeerPDU:
		e.handleReceivedPDU(ev)
	case protocol.KindLegacyPeer:
		e.handleLegacyPeer(ev)
	case protocol.KindPeerOffline, protocol.KindPeerTimeoutReached:
		// Advisory: a stalled peer never forces a transition.
		e.log.Info("peer unavailable", zap.String("chat_id", ev.ChatID), zap.String("kind", ev.Kind.String()))
	case protocol.KindFileSanityFailed:
		e.log.Warn("attachment failed sanity check", zap.String("chat_id", ev.ChatID), zap.String("file", ev.File))
	default:
		e.log.Warn("unhandled event kind", zap.String("kind", ev.Kind.String()))
	}
}

func (e *Engine) handleAddNewPeer(ev protocol.Event) {
	e.mu.Lock()
	rel, exists := e.relationships[ev.ChatID]
	if !exists || rel.State == protocol.TrustNone {
		rel = e.upsertRelationshipLocked(ev.ChatID, protocol.TrustPending)
		rel.PendingRequest = true
		e.persistRelationshipLocked(rel)
	}
	state := rel.State
	e.mu.Unlock()

	if exists && state != protocol.TrustNone {
		// Simultaneous initiation: the vault is the authority on handshake
		// identity, so the duplicate trigger is forwarded for
		// reconciliation without advancing local state again.
		e.log.Info("add peer requested for existing relationship",
			zap.String("chat_id", ev.ChatID), zap.String("state", state.String()))
	}
	e.produceToVault(ev)
}

func (e *Engine) handleReceivedPDU(ev protocol.Event) {
	e.mu.Lock()
	rel, exists := e.relationships[ev.ChatID]
	if !exists {
		// Peer-initiated handshake.
		rel = e.upsertRelationshipLocked(ev.ChatID, protocol.TrustPending)
	}
	rel.LastPDU = append([]byte(nil), ev.PDU...)
	rel.UpdatedAt = time.Now().UTC()
	e.persistRelationshipLocked(rel)
	e.mu.Unlock()

	e.produceToVault(ev)
}

func (e *Engine) handleLegacyPeer(ev protocol.Event) {
	e.mu.Lock()
	_, hasRel := e.relationships[ev.ChatID]
	already := e.nudged[ev.ChatID]
	if !hasRel && !already {
		e.nudged[ev.ChatID] = true
	}
	e.mu.Unlock()

	if hasRel || already {
		return
	}
	// At most one nudge per chat per run; the upstream cadence is
	// unspecified, so no rebroadcast is scheduled.
	e.composer.enqueueText(ev.ChatID, upgradeNudgeText)
	e.log.Info("scheduled upgrade nudge", zap.String("chat_id", ev.ChatID))
}

func (e *Engine) produceToVault(ev protocol.Event) {
	if err := e.vault.ProduceEvent(ev); err != nil {
		e.metrics.recordFailure("vault_produce")
		e.log.Error("forward event to vault", zap.Error(err),
			zap.String("kind", ev.Kind.String()), zap.String("chat_id", ev.ChatID))
	}
}

func (e *Engine) upsertRelationshipLocked(chatID string, state protocol.TrustState) *PeerRelationship {
	rel, ok := e.relationships[chatID]
	if !ok {
		rel = &PeerRelationship{ChatID: chatID}
		e.relationships[chatID] = rel
	}
	rel.State = state
	rel.Blocked = state == protocol.TrustBlocked
	rel.UpdatedAt = time.Now().UTC()
	return rel
}

func (e *Engine) persistRelationshipLocked(rel *PeerRelationship) {
	e.publishGaugesLocked()
	if e.store == nil {
		return
	}
	err := e.store.PutRelationship(store.RelationshipRecord{
		ChatID:         rel.ChatID,
		State:          rel.State,
		LastPDU:        rel.LastPDU,
		PendingRequest: rel.PendingRequest,
		Blocked:        rel.Blocked,
		UpdatedAt:      rel.UpdatedAt,
	})
	if err != nil {
		e.log.Error("persist relationship", zap.Error(err), zap.String("chat_id", rel.ChatID))
	}
}

func (e *Engine) persistSessionLocked(sess *FileAccessSession) {
	e.publishGaugesLocked()
	if e.store == nil {
		return
	}
	err := e.store.PutSession(store.SessionRecord{
		ChatID:       sess.ChatID,
		File:         sess.File,
		State:        sess.State,
		Requester:    sess.Requester,
		Outstanding:  sess.Outstanding,
		ForwardedTo:  sess.ForwardedTo,
		LastActivity: sess.LastActivity,
	})
	if err != nil {
		e.log.Error("persist session", zap.Error(err),
			zap.String("chat_id", sess.ChatID), zap.String("file", sess.File))
	}
}

func (e *Engine) publishGauges() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	e.publishGaugesLocked()
}

func (e *Engine) publishGaugesLocked() {
	if e.metrics == nil {
		return
	}
	rels := make(map[string]int)
	for _, rel := range e.relationships {
		rels[rel.State.String()]++
	}
	sessions := make(map[string]int)
	for _, sess := range e.sessions {
		sessions[sess.State.String()]++
	}
	e.metrics.setRelationships(rels)
	e.metrics.setSessions(sessions)
}

// Relationship returns a snapshot of the trust record for a chat.
func (e *Engine) Relationship(chatID string) (PeerRelationship, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rel, ok := e.relationships[chatID]
	if !ok {
		return PeerRelationship{}, false
	}
	out := *rel
	out.LastPDU = append([]byte(nil), rel.LastPDU...)
	out.markerMsgIDs = nil
	return out, true
}

// VaultReady reports whether the vault has announced readiness.
func (e *Engine) VaultReady() bool {
	return e.vaultReady.Load()
}

// TrustState resolves the current handshake state for a chat.
func (e *Engine) TrustState(chatID string) protocol.TrustState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if rel, ok := e.relationships[chatID]; ok {
		return rel.State
	}
	return protocol.TrustNone
}

// recordMarker remembers handshake control messages for later pruning.
func (e *Engine) recordMarker(chatID, action, msgID string) {
	switch action {
	case actionNewPeerAdd, actionNewPeerComplete, actionNewPeerConclude:
	default:
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if rel, ok := e.relationships[chatID]; ok {
		rel.markerMsgIDs = append(rel.markerMsgIDs, msgID)
	}
}
