package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/checkbench/internal/config"
)

// AnomalyDetector warns when the share of failed operations inside a sliding
// window crosses a threshold. Used to spot analyzers that keep timing out or
// disappearing from PATH.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	alerted       map[string]time.Time
	threshold     float64
	window        time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates a detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := 300 * time.Second
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		alerted:       make(map[string]time.Time),
		threshold:     cfg.ErrorRateThreshold,
		window:        window,
		logger:        logger,
		now:           time.Now,
	}
}

// RecordError records a failed operation and checks its error rate.
// Returns true when the rate is above the threshold.
func (a *AnomalyDetector) RecordError(operation string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.getOrCreateWindow(a.errorCounts, operation).add(now)
	return a.checkErrorRate(operation, now)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.successCounts, operation).add(a.now())
}

// ErrorRate returns the failure share of operation inside the window.
func (a *AnomalyDetector) ErrorRate(operation string) float64 {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	errs := float64(a.getOrCreateWindow(a.errorCounts, operation).count(now))
	total := errs + float64(a.getOrCreateWindow(a.successCounts, operation).count(now))
	if total == 0 {
		return 0
	}
	return errs / total
}

// checkErrorRate logs at most once per window per operation.
// Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string, now time.Time) bool {
	if a.threshold <= 0 {
		return false
	}

	errs := float64(a.getOrCreateWindow(a.errorCounts, operation).count(now))
	successes := float64(a.getOrCreateWindow(a.successCounts, operation).count(now))
	total := errs + successes
	if total < 5 {
		return false // Not enough data.
	}

	rate := errs / total
	if rate <= a.threshold {
		return false
	}
	if last, ok := a.alerted[operation]; !ok || now.Sub(last) >= a.window {
		a.alerted[operation] = now
		if a.logger != nil {
			a.logger.Warn("anomaly detected: high error rate",
				slog.String("operation", operation),
				slog.Float64("error_rate", rate),
				slog.Float64("threshold", a.threshold),
				slog.Float64("errors", errs),
				slog.Float64("total", total),
			)
		}
	}
	return true
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time) {
	w.entries = append(w.entries, now)
	w.prune(now)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
