package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/sourav673/privitty-go/internal/codec"
	"github.com/sourav673/privitty-go/internal/protocol"
	"github.com/sourav673/privitty-go/internal/transport"
)

// fakeVault records produced events and answers queries from fixed state.
type fakeVault struct {
	mu          sync.Mutex
	produced    []protocol.Event
	activities  []string
	revoked     []string
	peerAdded   map[string]bool
	decryptFn   func(chatID, path, name string) (string, protocol.Status, error)
	encryptErr  error
	chatVersion bool
}

func newFakeVault() *fakeVault {
	return &fakeVault{peerAdded: make(map[string]bool)}
}

func (f *fakeVault) ProduceEvent(ev protocol.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.produced = append(f.produced, ev)
	return nil
}

func (f *fakeVault) EncryptFile(_ context.Context, _, path, name string) (string, protocol.Status, error) {
	if f.encryptErr != nil {
		return "", protocol.StatusFileEncryptionFailed, f.encryptErr
	}
	return filepath.Join(path, name+".prv"), protocol.StatusFileEncrypted, nil
}

func (f *fakeVault) DecryptFile(_ context.Context, chatID, path, name string) (string, protocol.Status, error) {
	if f.decryptFn != nil {
		return f.decryptFn(chatID, path, name)
	}
	return filepath.Join(path, name), protocol.StatusNone, nil
}

func (f *fakeVault) RevokeFile(_ context.Context, chatID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, chatID+"/"+name)
	return nil
}

func (f *fakeVault) RecordActivity(chatID, fromID, text, kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = append(f.activities, fmt.Sprintf("%s %s %s %s", chatID, fromID, text, kind))
	return nil
}

func (f *fakeVault) IsPeerAdded(chatID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peerAdded[chatID]
}

func (f *fakeVault) IsChatProtected(chatID string) bool { return f.IsPeerAdded(chatID) }

func (f *fakeVault) IsChatVersion(mimeHeaders string) bool {
	if f.chatVersion {
		return true
	}
	return strings.Contains(mimeHeaders, "Chat-Version:")
}

func (f *fakeVault) Close() error { return nil }

func (f *fakeVault) producedEvents() []protocol.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Event(nil), f.produced...)
}

func (f *fakeVault) activityCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.activities)
}

// fakeTransport records outbound traffic.
type fakeTransport struct {
	mu        sync.Mutex
	nextID    int
	sent      []transport.Message
	deleted   []string
	contactRq map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{contactRq: make(map[string]bool)}
}

func (f *fakeTransport) SendMessage(_ context.Context, chatID string, msg transport.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	msg.ID = fmt.Sprintf("out-%d", f.nextID)
	msg.ChatID = chatID
	f.sent = append(f.sent, msg)
	return msg.ID, nil
}

func (f *fakeTransport) DeleteMessages(_ context.Context, msgIDs ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, msgIDs...)
	return nil
}

func (f *fakeTransport) IsContactRequest(chatID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contactRq[chatID]
}

func (f *fakeTransport) sentMessages() []transport.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Message(nil), f.sent...)
}

func (f *fakeTransport) sentWithAction(action string) []transport.Message {
	subject := codec.EncodeSubject(action)
	var out []transport.Message
	for _, msg := range f.sentMessages() {
		if msg.Subject == subject {
			out = append(out, msg)
		}
	}
	return out
}

func (f *fakeTransport) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func startEngine(t *testing.T, v *fakeVault, tr *fakeTransport) *Engine {
	t.Helper()
	eng, err := New(Config{
		Log:       zaptest.NewLogger(t),
		Vault:     v,
		Transport: tr,
		SelfID:    "self",
	})
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	t.Cleanup(func() {
		eng.Close()
		cancel()
		<-done
	})
	return eng
}

func waitUntil(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// fence submits a probe event for an unrelated chat and waits for it; the
// loop is serial, so everything submitted earlier has been processed. The
// probe touches neither the vault nor the transport.
func fence(t *testing.T, eng *Engine, n int) {
	t.Helper()
	chat := fmt.Sprintf("fence-%d", n)
	if err := eng.Submit(protocol.StatusEvent(protocol.StatusPeerBlocked, chat, nil)); err != nil {
		t.Fatalf("submit fence: %v", err)
	}
	waitUntil(t, "fence event", func() bool {
		return eng.TrustState(chat) == protocol.TrustBlocked
	})
}

func submit(t *testing.T, eng *Engine, ev protocol.Event) {
	t.Helper()
	if err := eng.Submit(ev); err != nil {
		t.Fatalf("submit %s: %v", ev.Kind, err)
	}
}

func TestHandshakeProgression(t *testing.T) {
	v := newFakeVault()
	tr := newFakeTransport()
	eng := startEngine(t, v, tr)
	const chat = "chat-1"

	// An inbound PDU for an unknown chat implicitly opens the relationship.
	submit(t, eng, protocol.Event{Kind: protocol.KindReceivedPeerPDU, ChatID: chat, PDU: []byte("hello")})
	waitUntil(t, "pending relationship", func() bool {
		return eng.TrustState(chat) == protocol.TrustPending
	})
	if got := v.producedEvents(); len(got) != 1 || got[0].Kind != protocol.KindReceivedPeerPDU {
		t.Fatalf("pdu not forwarded to vault: %+v", got)
	}

	submit(t, eng, protocol.StatusEvent(protocol.StatusPeerAddAccepted, chat, nil))
	waitUntil(t, "accepted", func() bool {
		return eng.TrustState(chat) == protocol.TrustAccepted
	})

	submit(t, eng, protocol.StatusEvent(protocol.StatusPeerAddComplete, chat, []byte("complete-pdu")))
	waitUntil(t, "complete", func() bool {
		return eng.TrustState(chat) == protocol.TrustComplete
	})
	waitUntil(t, "one new_peer_complete outbound", func() bool {
		return len(tr.sentWithAction(codec.ActionNewPeerComplete)) == 1
	})

	submit(t, eng, protocol.StatusEvent(protocol.StatusPeerAddConcluded, chat, []byte("conclude-pdu")))
	waitUntil(t, "concluded", func() bool {
		return eng.TrustState(chat) == protocol.TrustConcluded
	})
	waitUntil(t, "one new_peer_conclude outbound", func() bool {
		return len(tr.sentWithAction(codec.ActionNewPeerConclude)) == 1
	})
}

func TestConcludedIsIdempotent(t *testing.T) {
	v := newFakeVault()
	tr := newFakeTransport()
	eng := startEngine(t, v, tr)
	const chat = "chat-1"

	submit(t, eng, protocol.Event{Kind: protocol.KindReceivedPeerPDU, ChatID: chat, PDU: []byte("p")})
	submit(t, eng, protocol.StatusEvent(protocol.StatusPeerAddConcluded, chat, []byte("conclude")))
	waitUntil(t, "concluded", func() bool {
		return eng.TrustState(chat) == protocol.TrustConcluded
	})
	waitUntil(t, "conclude outbound", func() bool {
		return len(tr.sentWithAction(codec.ActionNewPeerConclude)) == 1
	})

	submit(t, eng, protocol.StatusEvent(protocol.StatusPeerAddConcluded, chat, []byte("conclude")))
	fence(t, eng, 1)

	if eng.TrustState(chat) != protocol.TrustConcluded {
		t.Fatal("state changed on duplicate conclusion")
	}
	if n := len(tr.sentWithAction(codec.ActionNewPeerConclude)); n != 1 {
		t.Fatalf("duplicate conclusion produced %d outbound messages", n)
	}
}

func TestTrustNeverMovesBackward(t *testing.T) {
	v := newFakeVault()
	tr := newFakeTransport()
	eng := startEngine(t, v, tr)
	const chat = "chat-1"

	submit(t, eng, protocol.Event{Kind: protocol.KindReceivedPeerPDU, ChatID: chat, PDU: []byte("p")})
	submit(t, eng, protocol.StatusEvent(protocol.StatusPeerAddComplete, chat, nil))
	waitUntil(t, "complete", func() bool {
		return eng.TrustState(chat) == protocol.TrustComplete
	})

	// A late ACCEPTED must not regress the relationship.
	submit(t, eng, protocol.StatusEvent(protocol.StatusPeerAddAccepted, chat, nil))
	fence(t, eng, 1)
	if eng.TrustState(chat) != protocol.TrustComplete {
		t.Fatalf("relationship regressed to %s", eng.TrustState(chat))
	}
}

func TestOwnerAlwaysAllowed(t *testing.T) {
	v := newFakeVault()
	tr := newFakeTransport()
	eng := startEngine(t, v, tr)

	if _, err := eng.EncryptOnSend(context.Background(), "chat-2", t.TempDir(), "report.pdf"); err != nil {
		t.Fatalf("encrypt on send: %v", err)
	}

	if got := eng.CanDecrypt("chat-2", "report.pdf", "self"); got != protocol.AccessAllowed {
		t.Fatalf("owner access = %s, want allowed", got)
	}
	// No session exists; any other identity is in the dark.
	if got := eng.CanDecrypt("chat-2", "report.pdf", "peer"); got != protocol.AccessUnknown {
		t.Fatalf("non-owner access = %s, want unknown", got)
	}
}

func TestSessionRequestGrantRevoke(t *testing.T) {
	v := newFakeVault()
	tr := newFakeTransport()
	eng := startEngine(t, v, tr)
	const chat, file = "chat-2", "report.pdf"

	// Establish trust first; sessions never activate without it.
	submit(t, eng, protocol.Event{Kind: protocol.KindReceivedPeerPDU, ChatID: chat, PDU: []byte("p")})

	req := protocol.StatusEvent(protocol.StatusPeerSSSRequest, chat, []byte("request-pdu"))
	req.File = file
	req.FromID = "peer"
	submit(t, eng, req)
	waitUntil(t, "session in request", func() bool {
		return eng.SessionState(chat, file) == protocol.SessionRequest
	})
	if got := eng.CanDecrypt(chat, file, "peer"); got != protocol.AccessPending {
		t.Fatalf("access during request = %s, want pending", got)
	}
	waitUntil(t, "sss request outbound", func() bool {
		return len(tr.sentWithAction(codec.ActionSSSRequest)) == 1
	})

	resp := protocol.StatusEvent(protocol.StatusPeerSSSResponse, chat, nil)
	resp.File = file
	submit(t, eng, resp)
	waitUntil(t, "session active", func() bool {
		return eng.SessionState(chat, file) == protocol.SessionActive
	})
	if got := eng.CanDecrypt(chat, file, "peer"); got != protocol.AccessAllowed {
		t.Fatalf("access after response = %s, want allowed", got)
	}

	rev := protocol.StatusEvent(protocol.StatusPeerSSSRevoked, chat, nil)
	rev.File = file
	submit(t, eng, rev)
	waitUntil(t, "session revoked", func() bool {
		return eng.SessionState(chat, file) == protocol.SessionRevoked
	})
	if got := eng.CanDecrypt(chat, file, "peer"); got != protocol.AccessDenied {
		t.Fatalf("access after revoke = %s, want denied", got)
	}

	// Revoked is terminal: a fresh response never resurrects the session.
	submit(t, eng, resp)
	fence(t, eng, 1)
	if got := eng.CanDecrypt(chat, file, "peer"); got != protocol.AccessDenied {
		t.Fatalf("access after revive attempt = %s, want denied", got)
	}
}

func TestSessionNeverActivatesWithoutTrust(t *testing.T) {
	v := newFakeVault()
	tr := newFakeTransport()
	eng := startEngine(t, v, tr)

	resp := protocol.StatusEvent(protocol.StatusPeerSSSResponse, "chat-9", nil)
	resp.File = "report.pdf"
	submit(t, eng, resp)
	fence(t, eng, 1)

	if got := eng.SessionState("chat-9", "report.pdf"); got == protocol.SessionActive {
		t.Fatal("session activated without a trusted relationship")
	}
}

func TestBlockedCascadesToSessions(t *testing.T) {
	v := newFakeVault()
	tr := newFakeTransport()
	eng := startEngine(t, v, tr)
	const chat = "chat-3"

	submit(t, eng, protocol.Event{Kind: protocol.KindReceivedPeerPDU, ChatID: chat, PDU: []byte("p")})
	for _, file := range []string{"a.pdf", "b.pdf"} {
		resp := protocol.StatusEvent(protocol.StatusPeerSSSResponse, chat, nil)
		resp.File = file
		submit(t, eng, resp)
	}
	waitUntil(t, "both sessions active", func() bool {
		return eng.SessionState(chat, "a.pdf") == protocol.SessionActive &&
			eng.SessionState(chat, "b.pdf") == protocol.SessionActive
	})

	submit(t, eng, protocol.StatusEvent(protocol.StatusPeerBlocked, chat, nil))
	waitUntil(t, "relationship blocked", func() bool {
		return eng.TrustState(chat) == protocol.TrustBlocked
	})
	// The cascade happens in the same pass as the relationship transition.
	for _, file := range []string{"a.pdf", "b.pdf"} {
		if got := eng.SessionState(chat, file); got != protocol.SessionBlocked {
			t.Fatalf("session %s = %s, want blocked", file, got)
		}
		if got := eng.CanDecrypt(chat, file, "peer"); got != protocol.AccessDenied {
			t.Fatalf("access for %s = %s, want denied", file, got)
		}
	}
}

func TestOTSPGrantComposesAndRecordsOnce(t *testing.T) {
	v := newFakeVault()
	tr := newFakeTransport()
	eng := startEngine(t, v, tr)
	const chat, file = "chat-4", "report.pdf"

	submit(t, eng, protocol.Event{Kind: protocol.KindReceivedPeerPDU, ChatID: chat, PDU: []byte("p")})

	grant := protocol.StatusEvent(protocol.StatusPeerOTSPSSS, chat, []byte("wrapped-key"))
	grant.File = file
	submit(t, eng, grant)
	waitUntil(t, "otsp outbound", func() bool {
		return len(tr.sentWithAction(codec.ActionOTSPSent)) == 1
	})
	waitUntil(t, "one audit record", func() bool {
		return v.activityCount() == 1
	})
}

func TestDeleteChatDropsSessions(t *testing.T) {
	v := newFakeVault()
	tr := newFakeTransport()
	eng := startEngine(t, v, tr)
	const chat = "chat-5"

	submit(t, eng, protocol.Event{Kind: protocol.KindReceivedPeerPDU, ChatID: chat, PDU: []byte("p")})
	resp := protocol.StatusEvent(protocol.StatusPeerSSSResponse, chat, nil)
	resp.File = "a.pdf"
	submit(t, eng, resp)
	waitUntil(t, "session active", func() bool {
		return eng.SessionState(chat, "a.pdf") == protocol.SessionActive
	})

	submit(t, eng, protocol.StatusEvent(protocol.StatusDeleteChat, chat, nil))
	waitUntil(t, "sessions gone", func() bool {
		return eng.SessionState(chat, "a.pdf") == protocol.SessionNone
	})
	// The relationship survives chat deletion.
	if eng.TrustState(chat) == protocol.TrustNone {
		t.Fatal("relationship must survive chat deletion")
	}
}

func TestVaultReadinessFlag(t *testing.T) {
	v := newFakeVault()
	tr := newFakeTransport()
	eng := startEngine(t, v, tr)

	if eng.VaultReady() {
		t.Fatal("engine must not report readiness before the vault does")
	}
	submit(t, eng, protocol.StatusEvent(protocol.StatusVaultIsReady, "", nil))
	waitUntil(t, "vault ready", eng.VaultReady)
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	eng, err := New(Config{
		Log:       zaptest.NewLogger(t),
		Vault:     newFakeVault(),
		Transport: newFakeTransport(),
		QueueSize: 1,
	})
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	// No loop running; the queue fills immediately.
	if err := eng.Submit(protocol.Event{Kind: protocol.KindPeerOffline}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := eng.Submit(protocol.Event{Kind: protocol.KindPeerOffline}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}
