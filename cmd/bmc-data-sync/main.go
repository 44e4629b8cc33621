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

	"github.com/godbus/dbus/v5"

	"github.com/openbmc/bmc-data-sync/internal/config"
	"github.com/openbmc/bmc-data-sync/internal/controlsurface"
	"github.com/openbmc/bmc-data-sync/internal/engine"
	"github.com/openbmc/bmc-data-sync/internal/health"
	"github.com/openbmc/bmc-data-sync/internal/roleprovider"
	"github.com/openbmc/bmc-data-sync/internal/statedriven"
	"github.com/openbmc/bmc-data-sync/internal/transfer"
	"github.com/openbmc/bmc-data-sync/internal/util"
)

const (
	envConfigKey = "BMC_DATA_SYNC_CONFIG"
	envDBKey     = "BMC_DATA_SYNC_DATA"
)

var (
	// version is set via ldflags during build
	version = "dev"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file or directory (overrides default)")
	dbPath := flag.String("db", "", "Path to health database file (overrides default)")
	reset := flag.Bool("reset", false, "Reset persistent health history")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("bmc-data-sync version %s\n", version)
		os.Exit(0)
	}

	finalConfigPath := *configPath
	if finalConfigPath == "" {
		if envPath := os.Getenv(envConfigKey); envPath != "" {
			finalConfigPath = envPath
		} else {
			finalConfigPath = util.GetDefaultConfigPath()
		}
	}

	finalDBPath := *dbPath
	if finalDBPath == "" {
		if envPath := os.Getenv(envDBKey); envPath != "" {
			finalDBPath = envPath
		} else {
			finalDBPath = util.GetDefaultDBPath()
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("bmc-data-sync is starting")
	slog.Info("configuration", "path", finalConfigPath)
	slog.Info("health database", "path", finalDBPath)

	if err := os.MkdirAll(filepath.Dir(finalDBPath), 0755); err != nil {
		slog.Error("failed to create health database directory", "error", err)
		os.Exit(1)
	}

	healthDB, err := health.Open(finalDBPath)
	if err != nil {
		slog.Error("failed to open health database", "error", err)
		os.Exit(1)
	}
	defer healthDB.Close()

	if *reset {
		slog.Warn("reset flag detected, clearing campaign history")
		if err := healthDB.Clear(); err != nil {
			slog.Error("failed to clear health database", "error", err)
			os.Exit(1)
		}
	}

	cfg, err := loadConfig(finalConfigPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "entries", len(cfg.Entries))
	for _, e := range cfg.Entries {
		slog.Info("sync entry configured",
			"id", e.ID, "path", e.Path, "direction", e.Direction, "type", e.SyncType)
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		slog.Error("failed to connect to the system bus", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	role, err := roleprovider.NewDBusProvider(conn).Fetch(bootCtx)
	cancelBoot()
	if err != nil {
		slog.Error("failed to fetch redundancy role", "error", err)
		os.Exit(1)
	}
	slog.Info("redundancy role resolved", "role", role.Role, "redundant", role.Redundant)

	var bus statedriven.Bus
	if hasStateDrivenEntries(cfg) {
		dbusBus, err := statedriven.NewDBusBus()
		if err != nil {
			slog.Error("failed to open state-driven bus connection", "error", err)
			os.Exit(1)
		}
		defer dbusBus.Close()
		bus = dbusBus
	}

	// The control surface needs a trigger callback before the engine
	// that owns TriggerFullSync exists; triggerFull is wired up to the
	// real method right after New returns.
	var triggerFull func()
	surface, err := controlsurface.NewDBusSurface(conn, func() {
		if triggerFull != nil {
			triggerFull()
		}
	})
	if err != nil {
		slog.Error("failed to publish control surface", "error", err)
		os.Exit(1)
	}

	mgr, err := engine.New(engine.Options{
		Config:   cfg,
		Executor: &transfer.RsyncExecutor{},
		Surface:  surface,
		Health:   healthDB,
		Role:     role,
		Bus:      bus,
	})
	if err != nil {
		slog.Error("failed to build sync engine", "error", err)
		os.Exit(1)
	}
	triggerFull = mgr.TriggerFullSync

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		slog.Error("failed to start sync engine", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("bmc-data-sync started")
	<-sigChan
	slog.Info("shutdown signal received")

	mgr.Stop()
	if err := mgr.Wait(); err != nil {
		slog.Error("error during shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("bmc-data-sync stopped gracefully")
}

// loadConfig accepts either a single JSON document or a directory of
// them, matching the default XDG path (a file) while still allowing an
// operator to point --config at a directory of drop-in fragments.
func loadConfig(path string) (*config.Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return config.LoadConfig(path)
	}
	return config.LoadConfigFile(path)
}

func hasStateDrivenEntries(cfg *config.Config) bool {
	for _, e := range cfg.Entries {
		if e.StateDriven != nil {
			return true
		}
	}
	return false
}
