package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/sourav673/privitty-go/internal/engine"
	"github.com/sourav673/privitty-go/internal/protocol"
	"github.com/sourav673/privitty-go/internal/store"
	"github.com/sourav673/privitty-go/internal/transport"
	"github.com/sourav673/privitty-go/internal/vault"
)

const demoChat = "chat-1"

// party bundles one participant of the walkthrough.
type party struct {
	name   string
	vault  *vault.FileVault
	engine *engine.Engine
}

// runDemo pairs two engines over an in-memory transport and walks the full
// protocol: handshake, protected send, peer access request, grant, revoke.
func runDemo(logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dir, err := os.MkdirTemp("", "privitty-demo-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	net := transport.NewMemory()
	net.Bind(demoChat, "alice", "bob")

	alice, err := newParty(ctx, logger, net, dir, "alice")
	if err != nil {
		return err
	}
	defer alice.close()
	bob, err := newParty(ctx, logger, net, dir, "bob")
	if err != nil {
		return err
	}
	defer bob.close()

	// Handshake: alice initiates, both sides settle into a trusted state.
	logger.Info("demo: initiating handshake")
	if err := alice.engine.Submit(protocol.Event{Kind: protocol.KindAddNewPeer, ChatID: demoChat}); err != nil {
		return err
	}
	if err := waitFor(ctx, func() bool {
		return alice.engine.TrustState(demoChat) == protocol.TrustConcluded &&
			bob.engine.TrustState(demoChat) == protocol.TrustComplete
	}); err != nil {
		return fmt.Errorf("handshake did not settle: %w", err)
	}
	logger.Info("demo: handshake established",
		zap.String("alice", alice.engine.TrustState(demoChat).String()),
		zap.String("bob", bob.engine.TrustState(demoChat).String()))

	// Alice seals an attachment. The owner is always allowed.
	const fileName = "report.pdf"
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte("quarterly numbers"), 0o600); err != nil {
		return err
	}
	sealed, err := alice.engine.EncryptOnSend(ctx, demoChat, dir, fileName)
	if err != nil {
		return err
	}
	logger.Info("demo: attachment sealed",
		zap.String("path", sealed),
		zap.String("owner_access", alice.engine.CanDecrypt(demoChat, fileName, "alice").String()))

	// Bob holds no share yet; his first open raises a request.
	_, access, err := bob.engine.RequestDecrypt(ctx, demoChat, dir, fileName)
	if err != nil {
		return err
	}
	logger.Info("demo: bob requested access", zap.String("access", access.String()))

	if err := waitFor(ctx, func() bool {
		return bob.engine.SessionState(demoChat, fileName) == protocol.SessionActive
	}); err != nil {
		return fmt.Errorf("grant did not arrive: %w", err)
	}
	plain, access, err := bob.engine.RequestDecrypt(ctx, demoChat, dir, fileName)
	if err != nil {
		return err
	}
	logger.Info("demo: bob opened the attachment",
		zap.String("access", access.String()), zap.String("path", plain))

	// Alice withdraws access; bob is denied from here on.
	if err := alice.engine.Revoke(ctx, demoChat, fileName); err != nil {
		return err
	}
	if err := waitFor(ctx, func() bool {
		return bob.engine.CanDecrypt(demoChat, fileName, "bob") == protocol.AccessDenied
	}); err != nil {
		return fmt.Errorf("revocation did not arrive: %w", err)
	}
	logger.Info("demo: access revoked",
		zap.String("bob_access", bob.engine.CanDecrypt(demoChat, fileName, "bob").String()))

	logger.Info("demo: walkthrough complete")
	return nil
}

func newParty(ctx context.Context, logger *zap.Logger, net *transport.Memory, dir, name string) (*party, error) {
	log := logger.Named(name)
	v, err := vault.Open(vault.Config{
		Path: filepath.Join(dir, name+"-vault.json"),
		Log:  log,
	}, "demo-passphrase")
	if err != nil {
		return nil, fmt.Errorf("open %s vault: %w", name, err)
	}

	ep := net.Register(name)
	eng, err := engine.New(engine.Config{
		Log:       log,
		Vault:     v,
		Transport: ep,
		Store:     store.NewMemory(),
		SelfID:    name,
	})
	if err != nil {
		return nil, fmt.Errorf("build %s engine: %w", name, err)
	}

	ep.OnMessage(func(msg transport.Message) {
		eng.HandleIncoming(ctx, msg)
	})
	v.Start(ctx, func(ev protocol.Event) {
		if err := eng.Submit(ev); err != nil {
			log.Warn("vault status dropped", zap.Error(err))
		}
	})
	go func() {
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("engine stopped", zap.Error(err))
		}
	}()

	return &party{name: name, vault: v, engine: eng}, nil
}

func (p *party) close() {
	p.engine.Close()
	_ = p.vault.Close()
}

func waitFor(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
