package gateway

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/tinyland-inc/linkgate/cmd/linkgate/internal"
	"github.com/tinyland-inc/linkgate/pkg/config"
	"github.com/tinyland-inc/linkgate/pkg/dispatch"
	gw "github.com/tinyland-inc/linkgate/pkg/gateway"
	"github.com/tinyland-inc/linkgate/pkg/logger"
	"github.com/tinyland-inc/linkgate/pkg/session"
	"github.com/tinyland-inc/linkgate/pkg/store"
	"github.com/tinyland-inc/linkgate/pkg/transport/bridge"
)

type gatewayOptions struct {
	debug          bool
	passphraseFrom io.Reader
}

func gatewayCmd(opts gatewayOptions) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	internal.SetupLogger(cfg, opts.debug)
	if opts.debug {
		fmt.Println("🔍 Debug mode enabled")
	}

	credStore, err := internal.OpenStore(cfg, opts.passphraseFrom)
	if err != nil {
		return err
	}
	defer internal.CloseStore(credStore)

	registry := newRegistry(cfg, credStore)
	defer registry.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Sessions.RestoreOnStart {
		n, err := registry.Restore(ctx)
		if err != nil {
			logger.WarnCF("gateway", "Some sessions could not be restored", map[string]any{"error": err.Error()})
		}
		if n > 0 {
			fmt.Printf("✓ Restored %d session(s)\n", n)
		}
	}

	server := gw.New(gw.Config{
		Host:            cfg.Gateway.Host,
		Port:            cfg.Gateway.Port,
		APIToken:        cfg.Gateway.APIToken,
		CORSOrigins:     cfg.Gateway.CORSOrigins,
		DefaultID:       cfg.Sessions.DefaultID,
		ShutdownTimeout: cfg.ShutdownTimeout(),
		Version:         internal.FormatVersion(),
	}, registry, newDispatchService(cfg))

	fmt.Printf("✓ Gateway started on %s\n", server.Addr())
	fmt.Printf("✓ Bridge: %s (store: %s)\n", cfg.Bridge.URL, cfg.Store.Backend)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Run(ctx); err != nil {
		return err
	}

	fmt.Println("\nShutting down...")
	registry.Close()
	fmt.Println("✓ Gateway stopped")
	return nil
}

func newRegistry(cfg *config.Config, credStore store.CredentialStore) *session.Registry {
	dialer := bridge.NewDialer(bridge.Config{
		URL:              cfg.Bridge.URL,
		HandshakeTimeout: cfg.HandshakeTimeout(),
		SendTimeout:      cfg.SendTimeout(),
		LoggedOutCode:    cfg.Bridge.LoggedOutCode,
		ConcurrentSends:  cfg.Bridge.ConcurrentSends,
	})
	return session.NewRegistry(session.Options{
		Store:  credStore,
		Dialer: dialer,
		Backoff: session.BackoffConfig{
			InitialDelay: cfg.ReconnectDelay(),
			Multiplier:   cfg.Sessions.ReconnectMultiplier,
			MaxDelay:     cfg.ReconnectMaxDelay(),
			Jitter:       cfg.Sessions.ReconnectJitter,
		},
	})
}

func newDispatchService(cfg *config.Config) *dispatch.Service {
	return dispatch.NewService(dispatch.Config{
		MaxRecipients: cfg.Dispatch.MaxRecipients,
		Concurrency:   cfg.Dispatch.Concurrency,
		DefaultDomain: cfg.Dispatch.DefaultDomain,
		SendTimeout:   cfg.SendTimeout(),
	})
}
