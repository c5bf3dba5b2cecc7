package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reaper periodically removes idle sessions from a Registry.
type Reaper struct {
	registry *Registry
	maxIdle  time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewReaper creates a reaper that runs every interval and removes sessions
// idle for longer than maxIdle.
func NewReaper(registry *Registry, maxIdle, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval < time.Second {
		interval = time.Second
	}
	return &Reaper{
		registry: registry,
		maxIdle:  maxIdle,
		interval: interval,
		logger:   logger,
	}
}

// Start schedules the reap job and returns a function that stops it and
// waits for a running job to finish. The job also stops when ctx is done.
func (r *Reaper) Start(ctx context.Context) (func(), error) {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", r.interval)
	if _, err := c.AddFunc(spec, func() { r.registry.Reap(r.maxIdle) }); err != nil {
		return nil, fmt.Errorf("scheduling session reaper %q: %w", spec, err)
	}
	c.Start()

	r.logger.Info("session reaper started",
		slog.Duration("interval", r.interval),
		slog.Duration("max_idle", r.maxIdle),
	)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		<-c.Stop().Done()
	}()

	var stopped bool
	return func() {
		if stopped {
			return
		}
		stopped = true
		close(done)
		<-c.Stop().Done()
	}, nil
}
