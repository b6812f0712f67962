// Command introspectd runs the introspection/self-healing control
// plane end to end: the Event Observer and Rule Engine, the Intent
// Router, the Chemical Signal Bus, the Investigation Worker Pool, the
// Affective Self-Regulator, the Memory Store, and the Vector Index
// Adapter's unindexed-knowledge scanner.
//
// spec.md §2 and SPEC_FULL.md §2 describe these as independent daemon
// processes "coordinated via the filesystem (intents, logs) and the
// ChemBus." But ChemBus (pkg/chembus, spec §4.4) is explicitly
// in-process only — "no persistence or replay" — so a signal published
// by one OS process is never observed by a subscriber in another.
// Splitting the router, investigator, and regulator across separate
// binaries would leave Q_CURIOSITY_INVESTIGATE and every AFFECT_* topic
// undeliverable between them. introspectd resolves that by running
// every subsystem that talks over the bus in one process, sharing one
// chembus.Bus; cmd/introspectctl remains a separate, stateless CLI that
// only touches the filesystem artifacts and the admin HTTP surface,
// which are the genuinely cross-process interfaces spec §6 defines.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/kloros-systems/introspectd/internal/adminsrv"
	"github.com/kloros-systems/introspectd/pkg/chembus"
	"github.com/kloros-systems/introspectd/pkg/config"
	"github.com/kloros-systems/introspectd/pkg/intent"
	"github.com/kloros-systems/introspectd/pkg/investigator"
	"github.com/kloros-systems/introspectd/pkg/memory"
	"github.com/kloros-systems/introspectd/pkg/observer"
	"github.com/kloros-systems/introspectd/pkg/regulator"
	"github.com/kloros-systems/introspectd/pkg/vectorindex"
	"github.com/kloros-systems/introspectd/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	} else {
		slog.Info("loaded environment file", "path", envPath)
	}

	slog.Info("starting introspectd", "version", version.Full())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configDir); err != nil {
		slog.Error("introspectd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configDir string) error {
	cfg, err := config.Initialize(ctx, configDir)
	if err != nil {
		return fmt.Errorf("initialize configuration: %w", err)
	}

	if err := os.MkdirAll(cfg.Investigator.ArchiveDir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	pool, err := vectorindex.OpenSharedPool(ctx, cfg.Memory.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open shared database pool: %w", err)
	}
	defer pool.Close()

	if err := memory.RunMigrations(cfg.Memory); err != nil {
		return fmt.Errorf("run memory migrations: %w", err)
	}
	if err := vectorindex.RunMigrations(cfg.Memory.DatabaseURL); err != nil {
		return fmt.Errorf("run vector index migrations: %w", err)
	}

	deadLetter := intent.NewDeadLetterLog(cfg.Paths.DeadLetterLog)
	intentStore, err := intent.NewStore(cfg.Paths.IntentsDir, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("open intent store: %w", err)
	}
	bus := chembus.New(256)
	router := intent.NewRouter(intentStore, bus, deadLetter)
	pruner := intent.NewPruner(intentStore)

	memStore := memory.NewWithPool(pool, router)
	semantic := memory.NewSemanticStore(pool)
	vecAdapter := vectorindex.NewAdapterWithPool(pool)
	scanner := vectorindex.NewScanner(vecAdapter, router, cfg.VectorIndex)

	registry := investigator.NewRegistry(investigator.BackendConfig{
		Backend:   investigator.Backend(cfg.Investigator.Backend),
		RemoteURL: cfg.Investigator.RemoteBackendURL,
	})
	invPool, err := investigator.NewPool(cfg, bus, registry, semantic)
	if err != nil {
		return fmt.Errorf("build investigation pool: %w", err)
	}

	reg := regulator.New(cfg.Regulator, bus, memStore, cfg.Paths.EmergencyBrakeFile, cfg.Paths.ActionLog)

	obsManager := observer.NewManager(cfg, router)

	admin := adminsrv.New(cfg.Admin.ListenAddr, version.AppName, func() gin.H {
		state := reg.State()
		return gin.H{
			"queue_depth":    invPool.QueueDepth(),
			"pressure_level": state.Level.String(),
			"max_concurrent": state.MaxConcurrent,
			"min_delay_ms":   state.MinDelay.Milliseconds(),
			"config_dir":     cfg.ConfigDir(),
		}
	})

	if err := router.ProcessPending(ctx); err != nil {
		slog.Warn("failed to process pending intents at startup", "error", err)
	}

	admin.Start()
	pruner.Start(ctx)
	reg.Start(ctx)
	if err := invPool.Start(ctx); err != nil {
		return fmt.Errorf("start investigation pool: %w", err)
	}
	scanner.Start(ctx)
	obsManager.Start(ctx)

	slog.Info("introspectd ready", "admin_addr", cfg.Admin.ListenAddr)

	<-ctx.Done()
	slog.Info("shutdown signal received, draining")

	obsManager.Stop()
	scanner.Stop()
	invPool.Stop()
	reg.Stop()
	pruner.Stop()
	admin.Stop(5 * time.Second)

	slog.Info("introspectd stopped")
	return nil
}
