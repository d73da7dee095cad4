// Package engine is the central orchestrator of the intent/execution core.
//
// It wires together all subsystems:
//
//  1. Discoverer finds tradeable 15-minute event markets on the venue.
//  2. Engine starts/stops a MarketController per market (reconcileMarkets).
//  3. Each market gets a slot tracking its own live book/spot state; the
//     shared FairSurface, ReadinessGate, IntentBuilder, IntentQueue, and
//     CircuitBreaker are owned by the Orchestrator and used by every slot.
//  4. Three WebSocket feeds (spot ticks, book snapshots, user fills)
//     dispatch events to the correct slot or straight to the Orchestrator.
//  5. The Orchestrator's execution worker drains the queue and submits to
//     the venue; its housekeeping loop prunes stale intents and orders.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"marketcore/internal/breaker"
	"marketcore/internal/config"
	"marketcore/internal/controller"
	"marketcore/internal/discovery"
	"marketcore/internal/execution"
	"marketcore/internal/fairsurface"
	"marketcore/internal/feed"
	"marketcore/internal/intentbuilder"
	"marketcore/internal/intentqueue"
	"marketcore/internal/inventory"
	"marketcore/internal/orchestrator"
	"marketcore/internal/priceguard"
	"marketcore/internal/readiness"
	"marketcore/internal/store"
	"marketcore/internal/telemetry"
	"marketcore/internal/venue"
	"marketcore/pkg/coremodel"
)

// controllerTickInterval is how often a running market's OnTick fires off
// the latest cached book/spot state, independent of how often the
// underlying feeds actually push updates.
const controllerTickInterval = 250 * time.Millisecond

// tokenRef resolves a book feed's token id back to the owning market slot.
type tokenRef struct {
	marketID string
	side     coremodel.Side
}

// marketSlot is one actively-traded market: its descriptor, its
// MarketController, and the latest book/spot state the controller's ticker
// reads from. Each slot runs its own goroutine calling OnTick on a fixed
// cadence.
type marketSlot struct {
	market     coremodel.MarketDescriptor
	controller *controller.Controller
	cancel     context.CancelFunc

	mu   sync.RWMutex
	up   coremodel.BookTop
	down coremodel.BookTop
	spot float64
}

// Engine owns the lifecycle of every goroutine and shared collaborator in
// the process. There are no hidden singletons: everything hangs off this
// struct, constructed once in New and threaded through explicitly.
type Engine struct {
	venueClient *venue.Client
	bookFeed    *feed.WSFeed
	spotFeed    *feed.WSFeed
	userStream  *venue.UserStream
	discoverer  *discovery.Discoverer
	hub         *telemetry.Hub
	store       *store.Store

	gate    *readiness.Gate
	surface *fairsurface.Surface
	builder *intentbuilder.Builder
	queue   *intentqueue.Queue
	adapter *execution.Adapter
	orch    *orchestrator.Orchestrator
	invCfg  inventory.RiskConfig

	logger *slog.Logger

	slotsMu sync.RWMutex
	slots   map[string]*marketSlot

	tokenMu sync.RWMutex
	tokens  map[string]tokenRef // tokenID -> owning market/side

	assetMu    sync.Mutex
	assetUsers map[string]int // asset -> number of slots subscribed to its spot feed

	discoveryOut chan []coremodel.MarketDescriptor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components. If L2 API credentials
// aren't configured, it derives them via L1 (EIP-712) auth.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	auth, err := venue.NewAuth(cfg)
	if err != nil {
		return nil, err
	}

	venueClient := venue.NewClient(cfg, auth, logger)

	if !auth.HasL2Credentials() {
		logger.Info("no L2 credentials, deriving API key via L1...")
		creds, err := venueClient.DeriveAPIKey(context.Background())
		if err != nil {
			return nil, err
		}
		auth.SetCredentials(*creds)
	}

	bookFeed := feed.NewBookFeed(cfg.Venue.WSMarketURL, logger)
	spotFeed := feed.NewSpotFeed(cfg.Venue.WSSpotURL, logger)
	userStream := venue.NewUserStream(cfg.Venue.WSUserURL, auth, logger)
	discoverer := discovery.New(cfg.Discovery, logger)
	hub := telemetry.NewHub(logger)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}

	guard := priceguard.New(
		cfg.Execution.Tick,
		cfg.Execution.MaxBookAgeMs,
		cfg.Execution.AllowEmergencyExit,
		float64(cfg.Execution.EmergencyExitSecRemaining),
		cfg.Execution.EmergencyCrossTicks,
		cfg.Execution.EmergencyRateLimitMs,
	)
	adapter := execution.New(venueClient, guard, logger)

	gate := readiness.New(readiness.Config{
		MinLevels:      cfg.Readiness.MinLevels,
		MaxSnapshotAge: config.Duration(cfg.Readiness.MaxSnapshotAgeMs),
		ParkMaxAge:     config.Duration(cfg.Readiness.ParkMaxAgeMs),
	})

	surface := fairsurface.New(fairsurface.Config{
		EwmaAlpha:         cfg.Surface.EwmaAlpha,
		MinSamplesToTrade: cfg.Surface.MinSamplesToTrade,
		MaxFairUpAge:      config.Duration(cfg.Surface.MaxFairUpAgeMs),
		DeltaWidthUsd:     cfg.Surface.DeltaWidthUsd,
		MaxDeltaBucket:    cfg.Surface.MaxDeltaBucket,
		TimeBucketsSec:    cfg.Surface.TimeBucketsSec,
	})
	if cells, err := st.LoadSurface(); err != nil {
		logger.Warn("failed to load fair surface checkpoint", "error", err)
	} else if cells != nil {
		surface.Restore(cells)
		logger.Info("restored fair surface checkpoint", "cells", len(cells))
	}

	builder := intentbuilder.New(intentbuilder.Config{
		Entry: cfg.Entry,
		Hedge: cfg.Hedge,
		Risk:  cfg.Risk,
		Delta: cfg.Delta,
		Tick:  cfg.Execution.Tick,
	})

	queue := intentqueue.New(intentqueue.Config{
		MaxPendingPerMarket:     cfg.Queue.MaxPendingPerMarket,
		MaxPendingGlobal:        cfg.Queue.MaxPendingGlobal,
		StaleIntentMaxAge:       config.Duration(cfg.Queue.StaleIntentMaxAgeMs),
		QueueStressSize:         cfg.Risk.QueueStressSize,
		MaxNotionalUsdPerMarket: cfg.Entry.MaxNotionalUsdPerMarket,
	})

	brk := breaker.New(breaker.Config{
		FailuresPerMin: cfg.Breaker.FailuresPerMin,
		Window:         config.Duration(cfg.Breaker.WindowMs),
		AutoReset:      config.Duration(cfg.Breaker.AutoResetMs),
	}, hub, logger)

	orch := orchestrator.New(
		orchestrator.Config{
			HousekeepingInterval: time.Second,
			StaleOrderTimeout:    config.Duration(cfg.Execution.StaleOrderTimeoutMs),
		},
		queue, brk, surface, gate, adapter, hub, logger,
	)

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		venueClient: venueClient,
		bookFeed:    bookFeed,
		spotFeed:    spotFeed,
		userStream:  userStream,
		discoverer:  discoverer,
		hub:         hub,
		store:       st,
		gate:        gate,
		surface:     surface,
		builder:     builder,
		queue:       queue,
		adapter:     adapter,
		orch:        orch,
		invCfg: inventory.RiskConfig{
			TriggerNotional: cfg.Risk.DegradedTriggerNotional,
			TriggerAgeSec:   cfg.Risk.DegradedTriggerAgeSec,
			ScoreTrigger:    cfg.Risk.DegradedRiskScoreTrigger,
		},
		logger:       logger.With("component", "engine"),
		slots:        make(map[string]*marketSlot),
		tokens:       make(map[string]tokenRef),
		assetUsers:   make(map[string]int),
		discoveryOut: make(chan []coremodel.MarketDescriptor, 1),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Hub exposes the telemetry hub so cmd/coreengine can wire a dashboard
// server around it without the engine owning HTTP concerns itself.
func (e *Engine) Hub() *telemetry.Hub { return e.hub }

// Start launches all background goroutines: WS feeds, discovery, event
// dispatchers, and the market reconciliation loop. Returns immediately.
func (e *Engine) Start() error {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.hub.Run()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.bookFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("book feed error", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.spotFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("spot feed error", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.userStream.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("user stream error", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.discoverer.Run(e.ctx, e.discoveryOut)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchBookUpdates()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchSpotTicks()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchFills()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.manageMarkets()
	}()

	e.orch.Start(e.ctx)

	return nil
}

// Stop gracefully shuts down: cancels every context, cancels any resting
// orders as a safety net, persists the fair surface checkpoint, waits for
// every goroutine, and closes resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()

	cancelCtx, cancelCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if evicted := e.adapter.CleanupStaleOrders(cancelCtx, 0, time.Now()); len(evicted) > 0 {
		e.logger.Info("cancelled resting orders on shutdown", "count", len(evicted))
	}
	cancelCancel()

	if err := e.store.SaveSurface(e.surface.Checkpoint()); err != nil {
		e.logger.Error("failed to save fair surface checkpoint", "error", err)
	}

	e.orch.Stop()
	e.wg.Wait()

	e.bookFeed.Close()
	e.spotFeed.Close()
	e.userStream.Close()
	e.store.Close()

	e.logger.Info("shutdown complete")
}

// manageMarkets is the main engine loop: it reacts to discovery results by
// diffing the desired market set against the currently running one.
func (e *Engine) manageMarkets() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case markets := <-e.discoveryOut:
			e.reconcileMarkets(markets)
		}
	}
}

// reconcileMarkets stops markets no longer returned by discovery and starts
// newly discovered ones.
func (e *Engine) reconcileMarkets(markets []coremodel.MarketDescriptor) {
	desired := make(map[string]coremodel.MarketDescriptor, len(markets))
	for _, m := range markets {
		desired[m.ID] = m
	}

	e.slotsMu.Lock()
	defer e.slotsMu.Unlock()

	for id := range e.slots {
		if _, ok := desired[id]; !ok {
			e.stopMarketLocked(id)
		}
	}

	for id, m := range desired {
		if _, ok := e.slots[id]; !ok {
			e.startMarketLocked(m)
		}
	}
}

func (e *Engine) startMarketLocked(market coremodel.MarketDescriptor) {
	if market.UpTokenID == "" || market.DownTokenID == "" {
		e.logger.Warn("skipping market with missing token ids", "market_id", market.ID)
		return
	}

	ctrl := controller.New(
		market,
		e.invCfg,
		e.gate,
		e.surface,
		e.builder,
		e.queue,
		e.hub,
		e.orch.ActiveMarketsCounter(market.ID),
		e.logger,
	)

	ctx, cancel := context.WithCancel(e.ctx)
	slot := &marketSlot{market: market, controller: ctrl, cancel: cancel}
	e.slots[market.ID] = slot

	e.venueClient.RegisterMarket(market.ID, market.UpTokenID, market.DownTokenID)
	e.orch.RegisterMarket(market.ID, market.Asset, ctrl)

	e.tokenMu.Lock()
	e.tokens[market.UpTokenID] = tokenRef{marketID: market.ID, side: coremodel.Up}
	e.tokens[market.DownTokenID] = tokenRef{marketID: market.ID, side: coremodel.Down}
	e.tokenMu.Unlock()

	if err := e.bookFeed.Subscribe([]string{market.UpTokenID, market.DownTokenID}); err != nil {
		e.logger.Error("failed to subscribe book feed", "market_id", market.ID, "error", err)
	}

	e.assetMu.Lock()
	if e.assetUsers[market.Asset] == 0 {
		if err := e.spotFeed.Subscribe([]string{market.Asset}); err != nil {
			e.logger.Error("failed to subscribe spot feed", "asset", market.Asset, "error", err)
		}
	}
	e.assetUsers[market.Asset]++
	e.assetMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runSlotTicker(ctx, slot)
	}()

	e.logger.Info("market started", "market_id", market.ID, "asset", market.Asset, "strike", market.Strike)
}

func (e *Engine) stopMarketLocked(marketID string) {
	slot, ok := e.slots[marketID]
	if !ok {
		return
	}

	slot.cancel()

	e.venueClient.UnregisterMarket(marketID)
	e.orch.UnregisterMarket(marketID)

	e.tokenMu.Lock()
	delete(e.tokens, slot.market.UpTokenID)
	delete(e.tokens, slot.market.DownTokenID)
	e.tokenMu.Unlock()

	if err := e.bookFeed.Unsubscribe([]string{slot.market.UpTokenID, slot.market.DownTokenID}); err != nil {
		e.logger.Warn("failed to unsubscribe book feed", "market_id", marketID, "error", err)
	}

	e.assetMu.Lock()
	e.assetUsers[slot.market.Asset]--
	if e.assetUsers[slot.market.Asset] <= 0 {
		delete(e.assetUsers, slot.market.Asset)
		if err := e.spotFeed.Unsubscribe([]string{slot.market.Asset}); err != nil {
			e.logger.Warn("failed to unsubscribe spot feed", "asset", slot.market.Asset, "error", err)
		}
	}
	e.assetMu.Unlock()

	delete(e.slots, marketID)

	e.logger.Info("market stopped", "market_id", marketID)
}

// runSlotTicker drives one market's OnTick on a fixed cadence, reading
// whatever book/spot state dispatchBookUpdates/dispatchSpotTicks have most
// recently cached.
func (e *Engine) runSlotTicker(ctx context.Context, slot *marketSlot) {
	ticker := time.NewTicker(controllerTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			slot.mu.RLock()
			up, down, spot := slot.up, slot.down, slot.spot
			slot.mu.RUnlock()

			now := time.Now()
			slot.controller.OnTick(up, down, spot, e.queue.Len(), e.queue.IsQueueStressed(), now)
		}
	}
}

// dispatchBookUpdates routes book feed snapshots to the correct slot.
func (e *Engine) dispatchBookUpdates() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case upd := <-e.bookFeed.BookUpdates():
			e.routeBookUpdate(upd)
		}
	}
}

func (e *Engine) routeBookUpdate(upd feed.BookUpdate) {
	e.tokenMu.RLock()
	ref, ok := e.tokens[upd.TokenID]
	e.tokenMu.RUnlock()
	if !ok {
		return
	}

	e.slotsMu.RLock()
	slot, ok := e.slots[ref.marketID]
	e.slotsMu.RUnlock()
	if !ok {
		return
	}

	top := bookTopFromUpdate(upd)

	slot.mu.Lock()
	if ref.side == coremodel.Up {
		slot.up = top
	} else {
		slot.down = top
	}
	slot.mu.Unlock()
}

// dispatchSpotTicks routes spot feed ticks to every slot trading that asset.
func (e *Engine) dispatchSpotTicks() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case tick := <-e.spotFeed.SpotTicks():
			e.routeSpotTick(tick)
		}
	}
}

func (e *Engine) routeSpotTick(tick feed.SpotTick) {
	e.slotsMu.RLock()
	defer e.slotsMu.RUnlock()

	for _, slot := range e.slots {
		if slot.market.Asset != tick.Asset {
			continue
		}
		slot.mu.Lock()
		slot.spot = tick.Price
		slot.mu.Unlock()
	}
}

// dispatchFills routes authenticated fill events straight to the
// Orchestrator, which resolves the owning market/slot via the order id.
func (e *Engine) dispatchFills() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case fill := <-e.userStream.Fills():
			e.orch.RouteFill(fill)
		}
	}
}

// bookTopFromUpdate normalizes a raw book snapshot into top-of-book. The feed
// does not guarantee level ordering, so best bid/ask are found by scanning
// rather than trusting index 0: best bid is the highest bid price, best ask
// is the lowest ask price.
func bookTopFromUpdate(upd feed.BookUpdate) coremodel.BookTop {
	top := coremodel.BookTop{Timestamp: upd.Timestamp, Levels: len(upd.Bids) + len(upd.Asks)}

	if len(upd.Bids) > 0 {
		best := upd.Bids[0]
		for _, lvl := range upd.Bids[1:] {
			if lvl.Price > best.Price {
				best = lvl
			}
		}
		bid := best.Price
		top.BestBid = &bid
		top.BidSize = best.Size
	}
	if len(upd.Asks) > 0 {
		best := upd.Asks[0]
		for _, lvl := range upd.Asks[1:] {
			if lvl.Price < best.Price {
				best = lvl
			}
		}
		ask := best.Price
		top.BestAsk = &ask
		top.AskSize = best.Size
	}
	return top
}
