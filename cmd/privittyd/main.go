package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/sourav673/privitty-go/internal/admin"
	"github.com/sourav673/privitty-go/internal/config"
	"github.com/sourav673/privitty-go/internal/engine"
	"github.com/sourav673/privitty-go/internal/logging"
	"github.com/sourav673/privitty-go/internal/protocol"
	"github.com/sourav673/privitty-go/internal/store"
	"github.com/sourav673/privitty-go/internal/transport"
	"github.com/sourav673/privitty-go/internal/vault"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	demo := flag.Bool("demo", false, "Run a two-party protocol walkthrough on an in-memory transport and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, *demo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	if *demo {
		if err := runDemo(logger); err != nil {
			logger.Fatal("demo failed", zap.Error(err))
		}
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("daemon exited with error", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	passphrase, err := cfg.Passphrase()
	if err != nil {
		return fmt.Errorf("vault passphrase unavailable: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v, err := vault.Open(vault.Config{Path: cfg.Vault.Path, Log: logger}, passphrase)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	defer v.Close()

	st, err := store.OpenBadger(filepath.Join(cfg.DataDir, "state"), logger)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// Standalone runs bind the engine to a loopback network; a messaging
	// host embeds the engine against its own transport instead.
	net := transport.NewMemory()
	ep := net.Register(cfg.SelfID)

	eng, err := engine.New(engine.Config{
		Log:        logger,
		Vault:      v,
		Transport:  ep,
		Store:      st,
		Metrics:    metrics,
		SelfID:     cfg.SelfID,
		QueueSize:  cfg.QueueSize,
		OutboxSize: cfg.OutboxSize,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	ep.OnMessage(func(msg transport.Message) {
		eng.HandleIncoming(ctx, msg)
	})
	v.Start(ctx, func(ev protocol.Event) {
		if err := eng.Submit(ev); err != nil {
			logger.Warn("vault status dropped", zap.Error(err), zap.String("status", ev.Status.String()))
		}
	})

	adm := admin.New(logger, cfg.AdminAddress, reg)
	adm.Start()

	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()

	// Readiness follows the vault's own announcement.
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if eng.VaultReady() {
					adm.SetReady(true)
					return
				}
			}
		}
	}()
	logger.Info("privitty daemon running", zap.String("self_id", cfg.SelfID))

	<-ctx.Done()
	adm.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	adm.Shutdown(shutdownCtx)
	eng.Close()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	case <-shutdownCtx.Done():
		logger.Warn("engine did not drain before deadline")
	}
	return nil
}
