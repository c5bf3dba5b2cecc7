package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/jkaninda/checkbench/internal/gateway"
	"github.com/jkaninda/checkbench/internal/gateway/httpapi"
	"github.com/jkaninda/checkbench/internal/ratelimit"
	"github.com/jkaninda/checkbench/internal/session"
)

// limiterIdle is how long a rate limit bucket survives without requests.
const limiterIdle = 10 * time.Minute

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server and browser editor",
	RunE:  runServe,
}

func registerServeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&servePort, "port", "", "override the listen port (keeps the configured host)")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if servePort != "" {
		host, _, err := net.SplitHostPort(cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("parsing listen address %q: %w", cfg.Server.ListenAddr, err)
		}
		cfg.Server.ListenAddr = net.JoinHostPort(host, servePort)
	}

	logger := newLogger(cfg.LogLevel, logFormat)
	slog.SetDefault(logger)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Sandboxes left over from a previous process belong to nobody.
	if err := sc.Workspace.CleanSessions(); err != nil {
		logger.Warn("cleaning stale sessions", slog.String("error", err.Error()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The first uvx run may download a tool; never hold up startup for it.
	go sc.probeVersions(ctx)

	reaper := session.NewReaper(sc.Sessions, cfg.Sessions.IdleTimeout(), cfg.Sessions.ReapInterval(), logger)
	stopReaper, err := reaper.Start(ctx)
	if err != nil {
		return fmt.Errorf("starting session reaper: %w", err)
	}
	defer stopReaper()

	var limiter *ratelimit.Limiter
	if rl := cfg.Server.RateLimit; rl != nil && rl.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: rl.RequestsPerMinute,
			BurstSize:         rl.BurstSize,
		})
		stopPrune, err := schedulePrune(limiter, logger)
		if err != nil {
			return fmt.Errorf("scheduling rate limiter prune: %w", err)
		}
		defer stopPrune()
		logger.Info("rate limiting enabled",
			slog.Int("requests_per_minute", rl.RequestsPerMinute),
			slog.Int("burst_size", rl.BurstSize),
		)
	}

	httpCfg := httpapi.Config{
		ListenAddr:     cfg.Server.ListenAddr,
		EnableDocs:     cfg.Server.EnableDocs,
		MaxRequestSize: cfg.Server.MaxRequestBytes,
		HealthChecker:  sc.Obs.Health,
		Metrics:        sc.Obs.Metrics,
		Tracer:         sc.Obs.Tracing(),
	}
	if sc.Obs.Metrics != nil {
		httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		if cfg.Observability != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
		}
	}
	gateways := []gateway.Gateway{
		httpapi.NewGateway(httpCfg, sc.Service, limiter, logger),
	}

	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	logger.Info("checkbench started",
		slog.String("version", version),
		slog.String("listen_addr", cfg.Server.ListenAddr),
		slog.Any("tools", sc.Tools.Names()),
	)

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	return nil
}

// schedulePrune drops idle rate limit buckets every minute.
func schedulePrune(l *ratelimit.Limiter, logger *slog.Logger) (func(), error) {
	c := cron.New()
	if _, err := c.AddFunc("@every 1m", func() {
		if n := l.Prune(limiterIdle); n > 0 {
			logger.Debug("rate limiter pruned", slog.Int("buckets", n))
		}
	}); err != nil {
		return nil, err
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}
