// Command ariadne is the Asterisk-facing voice agent media core.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/varnalab/ariadne/internal/ari"
	"github.com/varnalab/ariadne/internal/config"
	"github.com/varnalab/ariadne/internal/health"
	"github.com/varnalab/ariadne/internal/observe"
	"github.com/varnalab/ariadne/internal/orchestrator"
	"github.com/varnalab/ariadne/internal/profile"
	"github.com/varnalab/ariadne/internal/session"
	"github.com/varnalab/ariadne/pkg/provider"
	"github.com/varnalab/ariadne/pkg/provider/mock"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "ariadne: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "ariadne: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.Slog(),
	}))
	slog.SetDefault(logger)

	slog.Info("ariadne starting",
		"config", *configPath,
		"admin_addr", cfg.Server.AdminAddr,
		"transport", cfg.Transports.Default,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "ariadne"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sdCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sdCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider adapters ─────────────────────────────────────────────────────
	reg := provider.NewRegistry()
	registerBuiltinAdapters(reg)

	adapters, err := buildAdapters(cfg, reg)
	if err != nil {
		slog.Error("failed to build provider adapters", "err", err)
		return 1
	}

	// ── Audio profiles ────────────────────────────────────────────────────────
	profiles, err := profile.NewRegistry(profilesFromConfig(cfg), cfg.Audio.DefaultProfile)
	if err != nil {
		slog.Error("invalid audio profiles", "err", err)
		return 1
	}

	// ── PBX connection ────────────────────────────────────────────────────────
	ariClient, err := ari.NewClient(cfg.ARI, logger.With("component", "ari"))
	if err != nil {
		slog.Error("failed to create ARI client", "err", err)
		return 1
	}
	events, err := ariClient.Events(ctx)
	if err != nil {
		slog.Error("failed to connect ARI event stream", "err", err)
		return 1
	}

	store := session.NewStore()

	// ── Admin mux ─────────────────────────────────────────────────────────────
	admin := newAdminServer(cfg, metrics, ariClient, reg, store)
	go func() {
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin server error", "err", err)
		}
	}()

	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	// ── Orchestrator ──────────────────────────────────────────────────────────
	orch := orchestrator.New(orchestrator.Deps{
		Cfg:      cfg,
		Control:  ariClient,
		Profiles: profiles,
		Adapters: adapters,
		Store:    store,
		Metrics:  metrics,
		Log:      logger,
	})
	if err := orch.Run(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		slog.Warn("admin server shutdown error", "err", err)
	}
	for _, a := range adapters {
		if closer, ok := a.(interface{ Close() }); ok {
			closer.Close()
		}
	}
	slog.Info("goodbye")
	return 0
}

// ── Adapter wiring ────────────────────────────────────────────────────────────

// registerBuiltinAdapters wires the adapter factories that ship with the
// binary. Concrete AI backends register here as they are implemented; the
// scripted mock ships for loopback and load testing against a PBX without
// burning provider minutes.
func registerBuiltinAdapters(reg *provider.Registry) {
	reg.Register("mock", func(_ map[string]any) (provider.Adapter, error) {
		return mock.New(), nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered adapter factory", "name", name)
	}
}

// buildAdapters instantiates every adapter named under providers.adapters.
// Each entry's options block is passed through opaquely to its factory.
func buildAdapters(cfg *config.Config, reg *provider.Registry) (map[string]provider.Adapter, error) {
	adapters := make(map[string]provider.Adapter, len(cfg.Providers.Adapters))
	for name, options := range cfg.Providers.Adapters {
		a, err := reg.Create(name, options)
		if err != nil {
			return nil, fmt.Errorf("adapter %q: %w (available: %v)", name, err, reg.Names())
		}
		adapters[name] = a
		slog.Info("adapter created", "name", name)
	}
	return adapters, nil
}

func profilesFromConfig(cfg *config.Config) []profile.Profile {
	out := make([]profile.Profile, 0, len(cfg.Audio.Profiles))
	for _, p := range cfg.Audio.Profiles {
		out = append(out, profile.Profile{
			Name:     p.Name,
			Ingress:  p.Ingress,
			Provider: p.Provider,
			Egress:   p.Egress,
		})
	}
	return out
}

// ── Admin mux ─────────────────────────────────────────────────────────────────

func newAdminServer(cfg *config.Config, metrics *observe.Metrics, ariClient *ari.Client, reg *provider.Registry, store *session.Store) *http.Server {
	checks := health.New(
		health.ARI(ariClient),
		health.Providers(reg),
		health.CallCapacity(store, cfg.Server.MaxCalls),
	)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	checks.Register(mux)
	mux.HandleFunc("GET /calls", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(store.Snapshots()); err != nil {
			slog.Warn("call listing encode error", "err", err)
		}
	})

	return &http.Server{
		Addr:              cfg.Server.AdminAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Ariadne — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Default provider", cfg.Providers.Default)
	printRow("Transport", string(cfg.Transports.Default))
	printRow("Audio profiles", fmt.Sprintf("%d", len(cfg.Audio.Profiles)))
	printRow("Adapters", fmt.Sprintf("%d configured", len(cfg.Providers.Adapters)))
	printRow("Admin addr", cfg.Server.AdminAddr)
	if cfg.Server.MaxCalls > 0 {
		printRow("Max calls", fmt.Sprintf("%d", cfg.Server.MaxCalls))
	} else {
		printRow("Max calls", "unlimited")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-16s: %-19s ║\n", label, value)
}
