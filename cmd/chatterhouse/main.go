// Command chatterhouse runs one push-to-talk intercom node.
//
// Signals drive the session without the HTTP API:
//
//	SIGUSR1  toggle broadcasting
//	SIGUSR2  toggle silence
//	SIGHUP   reload the config file
//	SIGINT, SIGTERM  shut down
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/chatterhouse/internal/app"
	"github.com/MrWong99/chatterhouse/internal/config"
	"github.com/MrWong99/chatterhouse/internal/observe"
	"github.com/MrWong99/chatterhouse/internal/session"
	"github.com/MrWong99/chatterhouse/pkg/mesh"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults apply when empty)")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// ── Load configuration ────────────────────────────────────────────────────
	var (
		cfg     *config.Config
		watcher *config.Watcher
		current atomic.Pointer[app.App]
		err     error
	)
	if *configPath == "" {
		cfg, err = config.LoadFromReader(strings.NewReader(""))
	} else {
		watcher, err = config.NewWatcher(*configPath, func(old, new *config.Config) {
			if a := current.Load(); a != nil {
				a.ApplyConfig(old, new)
			}
		})
		if err == nil {
			cfg = watcher.Current()
			defer watcher.Stop()
		}
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "chatterhouse: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "chatterhouse: %v\n", err)
		}
		return 1
	}
	level.Set(cfg.Server.LogLevel.Slog())

	slog.Info("chatterhouse starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	peerID := cfg.Node.ID
	if peerID == "" {
		peerID = uuid.NewString()
	}
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		PeerID:         peerID,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(cfg,
		app.WithPeerID(mesh.PeerID(peerID)),
		app.WithProvider(provider),
		app.WithLogLevel(level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	current.Store(application)

	go handleSignals(ctx, application, watcher)

	slog.Info("node ready; SIGUSR1 toggles broadcast, Ctrl+C shuts down", "peer_id", application.ID())

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// handleSignals maps the user signals onto session commands until ctx is done.
func handleSignals(ctx context.Context, a *app.App, w *config.Watcher) {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			var err error
			switch sig {
			case syscall.SIGUSR1:
				err = a.Session().ToggleBroadcast(ctx)
			case syscall.SIGUSR2:
				err = a.Session().ToggleSilence(ctx)
			case syscall.SIGHUP:
				if w == nil {
					slog.Warn("SIGHUP ignored: no config file")
					continue
				}
				err = w.Reload()
			}
			switch {
			case err == nil:
				slog.Info("signal handled", "signal", sig, "role", a.Session().Role())
			case errors.Is(err, session.ErrIllegalTransition), errors.Is(err, session.ErrPermissionDenied):
				slog.Warn("signal rejected", "signal", sig, "err", err)
			default:
				slog.Error("signal failed", "signal", sig, "err", err)
			}
		}
	}
}
