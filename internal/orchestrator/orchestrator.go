// Package orchestrator wires the global IntentQueue, CircuitBreaker,
// FairSurface, and the set of MarketControllers into a single running
// process. It owns the execution worker — the only task that dequeues
// intents and calls the exchange — and the periodic housekeeping loop.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"marketcore/internal/breaker"
	"marketcore/internal/controller"
	"marketcore/internal/execution"
	"marketcore/internal/fairsurface"
	"marketcore/internal/intentqueue"
	"marketcore/internal/readiness"
	"marketcore/pkg/coremodel"
)

// Sink is the event sink every controller and the orchestrator itself emit
// to. Satisfied by internal/telemetry's hub.
type Sink interface {
	Emit(coremodel.Event)
}

// Config bundles the orchestrator's own tuning knobs, independent of the
// per-component configs its collaborators take directly.
type Config struct {
	HousekeepingInterval time.Duration
	StaleOrderTimeout     time.Duration
}

// Orchestrator owns every process-wide shared component. There are no
// hidden singletons: everything reachable from the core hangs off this
// struct, constructed once at startup and threaded through explicitly.
type Orchestrator struct {
	cfg     Config
	queue   *intentqueue.Queue
	brk     *breaker.Breaker
	surface *fairsurface.Surface
	gate    *readiness.Gate
	adapter *execution.Adapter
	sink    Sink
	logger  *slog.Logger

	mu          sync.RWMutex
	controllers map[string]*controller.Controller
	assets      map[string]string // marketID -> asset, kept in lockstep with controllers

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds an Orchestrator from its already-constructed shared
// collaborators. Controllers are registered afterward via RegisterMarket as
// discovery finds them.
func New(
	cfg Config,
	queue *intentqueue.Queue,
	brk *breaker.Breaker,
	surface *fairsurface.Surface,
	gate *readiness.Gate,
	adapter *execution.Adapter,
	sink Sink,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		queue:       queue,
		brk:         brk,
		surface:     surface,
		gate:        gate,
		adapter:     adapter,
		sink:        sink,
		controllers: make(map[string]*controller.Controller),
		assets:      make(map[string]string),
		logger:      logger.With("component", "orchestrator"),
	}
}

// RegisterMarket adds a MarketController to the active set. The engine calls
// it when discovery reports a new market, and removes the market via
// UnregisterMarket once discovery no longer lists it.
func (o *Orchestrator) RegisterMarket(marketID, asset string, c *controller.Controller) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.controllers[marketID] = c
	o.assets[marketID] = asset
}

// UnregisterMarket drops a MarketController from the active set.
func (o *Orchestrator) UnregisterMarket(marketID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.controllers, marketID)
	delete(o.assets, marketID)
}

// Controller returns the registered controller for marketID, if any.
func (o *Orchestrator) Controller(marketID string) (*controller.Controller, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	c, ok := o.controllers[marketID]
	return c, ok
}

// ActiveMarketsCounter returns a closure suitable for controller.New's
// activeMarkets parameter: it counts currently-registered markets for a
// given asset, excluding excludeMarketID itself — used by the
// IntentBuilder's concurrent-entry cap (maxConcurrentMarketsPerAsset).
func (o *Orchestrator) ActiveMarketsCounter(excludeMarketID string) func(asset string) int {
	return func(asset string) int {
		o.mu.RLock()
		defer o.mu.RUnlock()
		n := 0
		for id, a := range o.assets {
			if id == excludeMarketID {
				continue
			}
			if a == asset {
				n++
			}
		}
		return n
	}
}

// Start launches the execution worker and the periodic housekeeping loop.
// It returns immediately; both run until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		o.runExecutionWorker(ctx)
	}()
	go func() {
		defer o.wg.Done()
		o.runHousekeeping(ctx)
	}()
}

// Stop cancels both background tasks and waits for them to exit. It does
// not itself cancel resting orders — callers should best-effort cancel
// every adapter slot before calling Stop during a clean shutdown.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// runExecutionWorker is the single task that dequeues intents and submits
// them to the exchange: an open circuit drops ENTRY/ACCUMULATE intents with
// CIRCUIT_OPEN but still attempts safety intents.
func (o *Orchestrator) runExecutionWorker(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.drainOnce(ctx)
		}
	}
}

func (o *Orchestrator) drainOnce(ctx context.Context) {
	intent, ok := o.queue.Dequeue()
	if !ok {
		return
	}
	now := time.Now()

	if o.brk.IsCircuitOpen(now) && !intent.Type.IsSafety() {
		o.sink.Emit(coremodel.Event{
			Type:          coremodel.EventActionSkipped,
			Timestamp:     now,
			MarketID:      intent.MarketID,
			CorrelationID: intent.CorrelationID,
			Reason:        coremodel.SkipCircuitOpen,
		})
		return
	}

	result, failure, err := o.adapter.Submit(ctx, intent, now)
	if err != nil {
		o.brk.RecordFailure(now)
		o.sink.Emit(coremodel.Event{
			Type:          coremodel.EventOrderFail,
			Timestamp:     now,
			MarketID:      intent.MarketID,
			CorrelationID: intent.CorrelationID,
			Reason:        skipReasonForFailure(failure),
			Data:          err.Error(),
		})
		return
	}

	o.brk.RecordSuccess()
	o.sink.Emit(coremodel.Event{
		Type:          coremodel.EventOrderSubmitted,
		Timestamp:     now,
		MarketID:      intent.MarketID,
		CorrelationID: intent.CorrelationID,
		Data:          result,
	})
}

// RouteFill resolves a raw fill event back to its owning slot and
// MarketController and applies it — this is the one place
// (marketId, orderId) lookups happen, keeping the queue itself free of
// back-pointers to controllers.
func (o *Orchestrator) RouteFill(fill coremodel.FillEvent) {
	marketID, side, intentType, ok := o.adapter.ResolveOrder(fill.OrderID)
	if !ok {
		o.logger.Warn("fill for unknown order", "order_id", fill.OrderID)
		return
	}
	fill.MarketID = marketID

	c, ok := o.Controller(marketID)
	if !ok {
		o.logger.Warn("fill for unregistered market", "market_id", marketID)
		return
	}
	c.OnFill(fill, intentType, side)
	o.adapter.OnOrderComplete(fill.OrderID)
}

// runHousekeeping periodically prunes stale queued intents, evicts
// timed-out order slots, and ages out parked readiness entries.
func (o *Orchestrator) runHousekeeping(ctx context.Context) {
	interval := o.cfg.HousekeepingInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if removed := o.queue.PruneStaleIntents(now); removed > 0 {
				o.logger.Debug("pruned stale intents", "count", removed)
			}
			if evicted := o.adapter.CleanupStaleOrders(ctx, o.cfg.StaleOrderTimeout, now); len(evicted) > 0 {
				o.logger.Debug("evicted stale order slots", "count", len(evicted))
			}
			o.gate.PruneExpired(now)
		}
	}
}

func skipReasonForFailure(f coremodel.ExecutionFailure) coremodel.SkipReason {
	switch f {
	case coremodel.FailNoBook, coremodel.FailTokenNotFound:
		return coremodel.SkipNoOrderBook
	case coremodel.FailStaleBook:
		return coremodel.SkipStaleMarket
	case coremodel.FailOrderInFlight:
		return coremodel.SkipCooldown
	default:
		return coremodel.SkipMinEdge
	}
}
