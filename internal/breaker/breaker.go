// Package breaker implements the sliding-window circuit breaker every
// outbound exchange call is wrapped in. It holds a rolling list of failure
// timestamps; once the window's failure count crosses the configured
// threshold, the breaker opens and auto-resets after a cooldown.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"marketcore/pkg/coremodel"
)

// Config holds the breaker's static tuning knobs.
type Config struct {
	FailuresPerMin int
	Window         time.Duration // default 60s
	AutoReset      time.Duration // default 5m
}

// Sink receives the ENTER/EXIT transition events this breaker emits.
// Satisfied by internal/telemetry's hub.
type Sink interface {
	Emit(coremodel.Event)
}

// Breaker is the process-wide circuit breaker, owned exclusively by the
// Orchestrator.
type Breaker struct {
	cfg    Config
	sink   Sink
	logger *slog.Logger

	mu                  sync.Mutex
	failureWindow       []time.Time
	isOpen              bool
	openedAt            time.Time
	consecutiveFailures int
	totalFailures       uint64
	totalSuccesses      uint64
}

// New builds a closed Breaker.
func New(cfg Config, sink Sink, logger *slog.Logger) *Breaker {
	return &Breaker{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With("component", "breaker"),
	}
}

// RecordFailure appends now to the sliding window, drops entries older than
// Window, and increments the consecutive/cumulative failure counters. If the
// window crosses FailuresPerMin, the breaker opens.
func (b *Breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureWindow = append(b.failureWindow, now)
	b.evictOldLocked(now)
	b.consecutiveFailures++
	b.totalFailures++

	if !b.isOpen && len(b.failureWindow) >= b.cfg.FailuresPerMin {
		b.isOpen = true
		b.openedAt = now
		b.logger.Warn("circuit breaker opened",
			"failures_in_window", len(b.failureWindow),
			"threshold", b.cfg.FailuresPerMin,
		)
		b.emit(coremodel.EventCircuitBreakerEnter, now)
	}
}

// RecordSuccess increments the success counter and resets consecutive
// failures.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalSuccesses++
	b.consecutiveFailures = 0
}

func (b *Breaker) evictOldLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	idx := 0
	for idx < len(b.failureWindow) && b.failureWindow[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		b.failureWindow = append([]time.Time{}, b.failureWindow[idx:]...)
	}
}

// IsCircuitOpen returns true only while isOpen and the auto-reset window
// hasn't elapsed; once it elapses the breaker reports closed and the next
// RecordFailure is evaluated anew.
func (b *Breaker) IsCircuitOpen(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.isOpen {
		return false
	}
	if now.Sub(b.openedAt) > b.cfg.AutoReset {
		b.isOpen = false
		b.failureWindow = nil
		b.logger.Info("circuit breaker auto-reset")
		b.emit(coremodel.EventCircuitBreakerExit, now)
		return false
	}
	return true
}

// emit sends a breaker transition event to the sink, if one is configured.
// Called with b.mu held; must not block.
func (b *Breaker) emit(eventType coremodel.EventType, now time.Time) {
	if b.sink == nil {
		return
	}
	b.sink.Emit(coremodel.Event{Type: eventType, Timestamp: now})
}

// Status returns a read-only snapshot for telemetry.
func (b *Breaker) Status() coremodel.BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	var lastFailure time.Time
	if n := len(b.failureWindow); n > 0 {
		lastFailure = b.failureWindow[n-1]
	}
	return coremodel.BreakerStatus{
		IsOpen:              b.isOpen,
		OpenedAt:            b.openedAt,
		FailuresInWindow:    len(b.failureWindow),
		LastFailureTs:       lastFailure,
		ConsecutiveFailures: b.consecutiveFailures,
		TotalFailures:       b.totalFailures,
		TotalSuccesses:      b.totalSuccesses,
	}
}
