package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/sourav673/privitty-go/internal/protocol"
	"github.com/sourav673/privitty-go/internal/store"
	"github.com/sourav673/privitty-go/internal/transport"
	"github.com/sourav673/privitty-go/internal/vault"
)

type testParty struct {
	engine *Engine
	store  *store.MemoryStore
}

func newTestParty(t *testing.T, ctx context.Context, net *transport.Memory, dir, name string) *testParty {
	t.Helper()
	log := zaptest.NewLogger(t).Named(name)

	v, err := vault.Open(vault.Config{
		Path: filepath.Join(dir, name+"-vault.json"),
		Log:  log,
	}, "test-passphrase")
	if err != nil {
		t.Fatalf("open %s vault: %v", name, err)
	}
	t.Cleanup(func() { v.Close() })

	st := store.NewMemory()
	ep := net.Register(name)
	eng, err := New(Config{
		Log:       log,
		Vault:     v,
		Transport: ep,
		Store:     st,
		SelfID:    name,
	})
	if err != nil {
		t.Fatalf("build %s engine: %v", name, err)
	}

	ep.OnMessage(func(msg transport.Message) {
		eng.HandleIncoming(ctx, msg)
	})
	v.Start(ctx, func(ev protocol.Event) {
		if err := eng.Submit(ev); err != nil {
			log.Warn("status dropped", zap.Error(err))
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	t.Cleanup(func() {
		eng.Close()
		<-done
	})

	return &testParty{engine: eng, store: st}
}

func TestTwoPartyProtocolEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	dir := t.TempDir()
	net := transport.NewMemory()
	const chat = "chat-1"
	net.Bind(chat, "alice", "bob")

	alice := newTestParty(t, ctx, net, dir, "alice")
	bob := newTestParty(t, ctx, net, dir, "bob")

	// Handshake initiated by alice.
	if err := alice.engine.Submit(protocol.Event{Kind: protocol.KindAddNewPeer, ChatID: chat}); err != nil {
		t.Fatalf("submit add peer: %v", err)
	}
	waitUntil(t, "handshake settled", func() bool {
		return alice.engine.TrustState(chat) == protocol.TrustConcluded &&
			bob.engine.TrustState(chat) == protocol.TrustComplete
	})

	// Protected send: alice seals, owner access is unconditional.
	const name = "report.pdf"
	if err := os.WriteFile(filepath.Join(dir, name), []byte("quarterly numbers"), 0o600); err != nil {
		t.Fatalf("write attachment: %v", err)
	}
	if _, err := alice.engine.EncryptOnSend(ctx, chat, dir, name); err != nil {
		t.Fatalf("encrypt on send: %v", err)
	}
	if got := alice.engine.CanDecrypt(chat, name, "alice"); got != protocol.AccessAllowed {
		t.Fatalf("owner access = %s", got)
	}

	// Bob's first open raises a request; the grant flows back through the
	// transport and the session settles active on both sides.
	_, access, err := bob.engine.RequestDecrypt(ctx, chat, dir, name)
	if err != nil {
		t.Fatalf("request decrypt: %v", err)
	}
	if access != protocol.AccessPending {
		t.Fatalf("first open = %s, want pending", access)
	}
	waitUntil(t, "session active on both sides", func() bool {
		return bob.engine.SessionState(chat, name) == protocol.SessionActive &&
			alice.engine.SessionState(chat, name) == protocol.SessionActive
	})

	plain, access, err := bob.engine.RequestDecrypt(ctx, chat, dir, name)
	if err != nil {
		t.Fatalf("decrypt with share: %v", err)
	}
	if access != protocol.AccessAllowed {
		t.Fatalf("second open = %s, want allowed", access)
	}
	content, err := os.ReadFile(plain)
	if err != nil {
		t.Fatalf("read plaintext: %v", err)
	}
	if string(content) != "quarterly numbers" {
		t.Fatalf("content mangled: %q", content)
	}

	// Revocation propagates and is terminal.
	if err := alice.engine.Revoke(ctx, chat, name); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	waitUntil(t, "revocation propagated", func() bool {
		return bob.engine.CanDecrypt(chat, name, "bob") == protocol.AccessDenied
	})
	if _, _, err := bob.engine.RequestDecrypt(ctx, chat, dir, name); err == nil {
		t.Fatal("expected decrypt to fail after revocation")
	}

	// State survived into the store on bob's side.
	sessions, err := bob.store.Sessions()
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	found := false
	for _, rec := range sessions {
		if rec.ChatID == chat && rec.File == name && rec.State == protocol.SessionRevoked {
			found = true
		}
	}
	if !found {
		t.Fatalf("revoked session not persisted: %+v", sessions)
	}
}

func TestRestoreFromStore(t *testing.T) {
	st := store.NewMemory()
	if err := st.PutRelationship(store.RelationshipRecord{
		ChatID: "chat-1", State: protocol.TrustConcluded, UpdatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed relationship: %v", err)
	}
	if err := st.PutSession(store.SessionRecord{
		ChatID: "chat-1", File: "a.pdf", State: protocol.SessionRevoked,
	}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	eng, err := New(Config{
		Log:       zaptest.NewLogger(t),
		Vault:     newFakeVault(),
		Transport: newFakeTransport(),
		Store:     st,
		SelfID:    "self",
	})
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	if got := eng.TrustState("chat-1"); got != protocol.TrustConcluded {
		t.Fatalf("restored trust state = %s", got)
	}
	if got := eng.SessionState("chat-1", "a.pdf"); got != protocol.SessionRevoked {
		t.Fatalf("restored session state = %s", got)
	}
	if got := eng.CanDecrypt("chat-1", "a.pdf", "peer"); got != protocol.AccessDenied {
		t.Fatalf("restored access = %s, want denied", got)
	}
}
