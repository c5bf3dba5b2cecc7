package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/checkbench/internal/analysis"
	"github.com/jkaninda/checkbench/internal/config"
	"github.com/jkaninda/checkbench/internal/history"
	"github.com/jkaninda/checkbench/internal/installer"
	"github.com/jkaninda/checkbench/internal/observability"
	"github.com/jkaninda/checkbench/internal/runner"
	"github.com/jkaninda/checkbench/internal/sandbox"
	"github.com/jkaninda/checkbench/internal/session"
	"github.com/jkaninda/checkbench/internal/storage"
	pgstore "github.com/jkaninda/checkbench/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/checkbench/internal/storage/sqlite"
	"github.com/jkaninda/checkbench/internal/toolchain"
	"github.com/jkaninda/checkbench/internal/workspace"
)

const defaultCacheSize = 256

// SharedComponents holds every subsystem the commands build on. Built once
// by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     storage.Store // nil when history is disabled.

	Obs      *observability.Observability
	Executor sandbox.Executor
	Tools    *toolchain.Registry
	Versions *toolchain.VersionTable
	Sessions *session.Registry
	Service  *analysis.Service

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig reads the config file named by CHECKBENCH_CONFIG or --config
// and applies the --log-level override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(goutils.Env("CHECKBENCH_CONFIG", configPath))
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger. Logs always go to stderr so that
// stdout stays free for reports and the MCP stdio protocol.
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// initShared performs the initialization every command needs.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace.
	ws, err := workspace.New(cfg.ResolvedWorkspace())
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Observability.
	obs, err := observability.New(cfg.Observability, observability.Resource{
		Version:   version,
		Workspace: ws.Root,
		Sandbox:   cfg.Sandbox.Type,
		Tools:     cfg.Tools.Enabled,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})

	// Run history.
	store, err := initStore(cfg, ws, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	var runs history.Store = history.Nop{}
	if store != nil {
		sc.Store = store
		runs = store.Runs()
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		obs.Health.AddCheck("storage", store.Ping)
		logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	}

	// Executor.
	exec, execType, err := initExecutor(cfg, ws, logger)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	sc.Executor = observability.NewInstrumentedExecutor(exec, execType, obs.Metrics, obs.Tracer, obs.Anomaly)
	logger.Debug("executor initialized", slog.String("type", execType))

	// Tools.
	specs := toolchain.DefaultSpecs(toolchain.Launchers{UVX: cfg.Tools.UVX, Cargo: cfg.Tools.Cargo})
	sc.Tools, err = toolchain.NewRegistry(specs, cfg.Tools.Enabled)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing tools: %w", err)
	}
	sc.Versions = toolchain.NewVersionTable()

	// Sessions.
	sc.Sessions = session.NewRegistry(session.Config{
		Root:        ws.SessionsDir(),
		FixedDir:    cfg.Sessions.FixedDir,
		MaxSessions: cfg.Sessions.MaxSessions,
	}, logger, obs.Metrics)
	sc.addCleanup(sc.Sessions.DestroyAll)

	// Result cache.
	var cache *runner.ResultCache
	if c := cfg.Tools.Cache; c != nil && c.Enabled {
		size := c.Size
		if size <= 0 {
			size = defaultCacheSize
		}
		cache = runner.NewResultCache(size, c.TTL())
		logger.Debug("result cache enabled", slog.Int("size", size), slog.Duration("ttl", c.TTL()))
	}

	toolEnv := ws.ToolEnv()
	sc.Service = analysis.NewService(analysis.Options{
		Sessions: sc.Sessions,
		Installer: installer.New(sc.Executor, installer.Config{
			UV:      cfg.Install.UV,
			Timeout: cfg.Install.Timeout(),
			Env:     toolEnv,
		}, logger),
		Coordinator: runner.New(sc.Executor, runner.Options{
			Cache:  cache,
			Tracer: obs.Tracing(),
			Logger: logger,
		}),
		Registry: sc.Tools,
		Versions: sc.Versions,
		History:  runs,
		Metrics:  obs.Metrics,
		Anomaly:  obs.Anomaly,
		Tracer:   obs.Tracing(),
		Logger:   logger,
		PythonVersions: analysis.Versions{
			Supported: cfg.Tools.PythonVersions,
			Default:   cfg.Tools.DefaultPythonVersion,
		},
		ToolTimeout:     cfg.Tools.Timeout(),
		ToolEnv:         toolEnv,
		CargoTargetRoot: ws.CargoTargetDir(),
	})

	return sc, nil
}

// probeVersions fills the version table. A missing launcher reports
// toolchain.VersionNotInstalled; a tool that fails or is too slow to download
// reports toolchain.VersionUnavailable.
func (sc *SharedComponents) probeVersions(ctx context.Context) {
	sc.Versions.Probe(ctx, sc.Executor, sc.Tools.Specs(), sc.Workspace.Root,
		sc.Workspace.ToolEnv(), sc.Config.Tools.ProbeTimeout(), sc.Logger)
}

// initStore creates the run history backend from config. Returns a nil
// store when history is disabled.
func initStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverNone:
		return nil, nil
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, ws, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	dbPath := ws.HistoryDBPath()
	journalMode := "wal"

	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}

	store, err := sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	return store, nil
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.Storage == nil || cfg.Storage.Postgres == nil || cfg.Storage.Postgres.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required when driver is %q", storage.DriverPostgres)
	}
	pg := cfg.Storage.Postgres
	pgCfg := pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}

	db, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return db, nil
}

// initExecutor creates the executor selected by sandbox.type.
func initExecutor(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (sandbox.Executor, string, error) {
	switch cfg.Sandbox.Type {
	case "docker":
		d := cfg.Sandbox.Docker
		if d == nil || d.Image == "" {
			return nil, "", fmt.Errorf("sandbox.docker.image is required when type is \"docker\"")
		}
		mounts := []string{ws.Root}
		if cfg.Sessions.FixedDir != "" {
			mounts = append(mounts, cfg.Sessions.FixedDir)
		}
		return sandbox.NewDockerExecutor(sandbox.DockerConfig{
			Binary:         d.Binary,
			Image:          d.Image,
			DefaultTimeout: cfg.Tools.Timeout(),
			MemoryMB:       d.MemoryMB,
			CPUCores:       d.CPUCores,
			PIDsLimit:      d.PIDsLimit,
			NetworkAllowed: d.NetworkAllowed,
			User:           d.User,
			Mounts:         mounts,
		}, logger), "docker", nil
	case "process", "":
		return sandbox.NewProcessExecutor(sandbox.ProcessConfig{
			DefaultTimeout: cfg.Tools.Timeout(),
			MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		}, logger), "process", nil
	default:
		return nil, "", fmt.Errorf("unknown sandbox type: %q (supported: process, docker)", cfg.Sandbox.Type)
	}
}
