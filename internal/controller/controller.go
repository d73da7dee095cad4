// Package controller implements the MarketController: the per-market state
// machine that turns book updates into intents and fill events into
// inventory and state transitions. Each MarketController owns exactly one
// market's Inventory and MarketState — it is their only writer.
package controller

import (
	"log/slog"
	"sync"
	"time"

	"marketcore/internal/fairsurface"
	"marketcore/internal/intentbuilder"
	"marketcore/internal/inventory"
	"marketcore/internal/readiness"
	"marketcore/pkg/coremodel"
)

// Sink receives the append-only event stream this controller produces.
// Implementations (internal/telemetry) must not block the caller for long;
// a slow sink risks delaying the next tick.
type Sink interface {
	Emit(coremodel.Event)
}

// Enqueuer admits an intent to the shared queue. Satisfied by
// *intentqueue.Queue.
type Enqueuer interface {
	Enqueue(coremodel.Intent) (admitted bool, displacedID string, reason coremodel.SkipReason)
}

// Controller is one market's evaluation loop and state machine. The surface,
// readiness gate, builder, and queue are shared across every controller in
// the process; inventory and state are exclusive to this instance.
type Controller struct {
	market  coremodel.MarketDescriptor
	inv     *inventory.Tracker
	gate    *readiness.Gate
	surface *fairsurface.Surface
	builder *intentbuilder.Builder
	queue   Enqueuer
	sink    Sink
	logger  *slog.Logger

	mu             sync.Mutex
	state          coremodel.MarketState
	microHedge     intentbuilder.MicroHedgeState
	wasDegraded    bool
	activeMarkets  func(asset string) int
}

// New builds a Controller for a single market, starting IDLE with flat
// inventory.
func New(
	market coremodel.MarketDescriptor,
	invCfg inventory.RiskConfig,
	gate *readiness.Gate,
	surface *fairsurface.Surface,
	builder *intentbuilder.Builder,
	queue Enqueuer,
	sink Sink,
	activeMarkets func(asset string) int,
	logger *slog.Logger,
) *Controller {
	return &Controller{
		market:        market,
		inv:           inventory.New(invCfg),
		gate:          gate,
		surface:       surface,
		builder:       builder,
		queue:         queue,
		sink:          sink,
		activeMarkets: activeMarkets,
		state:         coremodel.StateIdle,
		logger:        logger.With("component", "controller", "market_id", market.ID),
	}
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() coremodel.MarketState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Inventory returns a snapshot of the controller's inventory.
func (c *Controller) Inventory() coremodel.Inventory {
	return c.inv.Snapshot()
}

// OnTick runs the full per-tick evaluation described for MarketController:
// build a Snapshot, update readiness/risk/degraded-mode, feed the surface,
// invoke the IntentBuilder, enqueue the resulting intents, and emit the
// SNAPSHOT/INVENTORY events. queueStressed and queueSize are supplied by the
// Orchestrator since they are properties of the shared queue.
func (c *Controller) OnTick(up, down coremodel.BookTop, spot float64, queueSize int, queueStressed bool, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	readyUp, readyDown, reason := c.gate.MarketReady(up, down, now)

	snap := coremodel.Snapshot{
		MarketID:        c.market.ID,
		Asset:           c.market.Asset,
		Timestamp:       now,
		SecondsToExpiry: c.market.SecondsToExpiry(now),
		Strike:          c.market.Strike,
		Spot:            spot,
		Up:              up,
		Down:            down,
		ReadyUp:         readyUp,
		ReadyDown:       readyDown,
		QueueSize:       queueSize,
		QueueStressed:   queueStressed,
	}

	if !snap.Ready() {
		c.gate.Park(c.market.ID, coremodel.IntentEntry, reason, now)
		c.sink.Emit(coremodel.Event{
			Type:      coremodel.EventActionSkipped,
			Timestamp: now,
			MarketID:  c.market.ID,
			Reason:    skipReasonFor(reason),
		})
	} else {
		c.gate.Clear(c.market.ID, coremodel.IntentEntry)
	}

	c.surface.Observe(snap.Asset, snap.Spot, snap.Strike, snap.SecondsToExpiry, snap.Up, now)

	risk := c.inv.CalculateInventoryRisk(snap)
	degraded := c.inv.EvaluateDegradedMode(risk, now)

	active := 0
	if c.activeMarkets != nil {
		active = c.activeMarkets(snap.Asset)
	}

	fairKey, inRange := c.surface.Key(snap.Asset, snap.Spot, snap.Strike, snap.SecondsToExpiry)
	lookup := func(asset string, spot, strike, secondsToExpiry float64) (coremodel.FairCell, bool) {
		if !inRange {
			return coremodel.FairCell{}, false
		}
		return c.surface.Lookup(fairKey, now)
	}

	result := c.builder.Build(intentbuilder.Input{
		Snapshot:              snap,
		Inventory:             c.inv.Snapshot(),
		Risk:                  risk,
		State:                 c.state,
		MicroHedge:            c.microHedge,
		QueueStressed:         queueStressed,
		ActiveMarketsForAsset: active,
		Fair:                  lookup,
		Now:                   now,
	})
	c.microHedge = result.MicroHedge

	for _, intent := range result.Intents {
		admitted, displaced, reason := c.queue.Enqueue(intent)
		if !admitted {
			c.sink.Emit(coremodel.Event{
				Type:          coremodel.EventActionSkipped,
				Timestamp:     now,
				MarketID:      c.market.ID,
				CorrelationID: intent.CorrelationID,
				Reason:        reason,
			})
			continue
		}
		c.sink.Emit(coremodel.Event{
			Type:          coremodel.EventIntentCreated,
			Timestamp:     now,
			MarketID:      c.market.ID,
			CorrelationID: intent.CorrelationID,
			Data:          intent,
		})
		if displaced != "" {
			c.logger.Debug("intent displaced by admission", "displaced_id", displaced, "admitted_id", intent.ID)
		}
	}

	c.sink.Emit(coremodel.Event{
		Type:      coremodel.EventSnapshot,
		Timestamp: now,
		MarketID:  c.market.ID,
		Data:      snap,
	})
	c.sink.Emit(coremodel.Event{
		Type:      coremodel.EventInventory,
		Timestamp: now,
		MarketID:  c.market.ID,
		Data:      c.inv.Snapshot(),
	})
	if degraded != c.wasDegraded {
		evt := coremodel.EventDegradedModeExit
		if degraded {
			evt = coremodel.EventDegradedModeEnter
		}
		c.sink.Emit(coremodel.Event{Type: evt, Timestamp: now, MarketID: c.market.ID})
	}
	c.wasDegraded = degraded
}

// OnFill applies a fill to inventory and advances the state machine.
// intentType identifies which leg the filled order belonged to — the
// Orchestrator resolves this from the ExecutionAdapter's slot before
// routing the fill here, since a bare FillEvent carries no intent type.
func (c *Controller) OnFill(fill coremodel.FillEvent, intentType coremodel.IntentType, side coremodel.Side) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inv.UpdateInventoryOnFill(side, fill.FillQty, fill.FillPrice, fill.Ts)
	c.sink.Emit(coremodel.Event{Type: coremodel.EventFill, Timestamp: fill.Ts, MarketID: c.market.ID, Data: fill})

	switch {
	case intentType == coremodel.IntentEntry || intentType == coremodel.IntentAccumulate:
		if c.state == coremodel.StateIdle {
			c.state = coremodel.StateHasEntry
		}
	case intentType == coremodel.IntentHedge || intentType == coremodel.IntentMicroHedge:
		if c.inv.Snapshot().UnpairedShares() == 0 {
			c.state = coremodel.StateHedgeInProgress
		} else if c.state == coremodel.StateIdle {
			c.state = coremodel.StateHasEntry
		}
	}
}

// AdvanceToExpiry forces the state machine to DONE once the market's
// expiry has passed, regardless of prior state.
func (c *Controller) AdvanceToExpiry(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.market.SecondsToExpiry(now) <= 0 {
		c.state = coremodel.StateDone
	}
}

func skipReasonFor(r coremodel.ReadinessReason) coremodel.SkipReason {
	switch r {
	case coremodel.ReasonNoOrderBook:
		return coremodel.SkipNoOrderBook
	case coremodel.ReasonNoLiquidity:
		return coremodel.SkipNoDepth
	case coremodel.ReasonStaleData:
		return coremodel.SkipStaleMarket
	default:
		return coremodel.SkipNoOrderBook
	}
}
