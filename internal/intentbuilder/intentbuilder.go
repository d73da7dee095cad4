// Package intentbuilder converts a (snapshot, inventory, state, fair) tuple
// into zero or more trade intents. The builder is pure: no I/O, no mutation,
// no suspension. Re-running it with unchanged inputs produces the same
// intent set, modulo ids and timestamps.
package intentbuilder

import (
	"fmt"
	"math"
	"time"

	"marketcore/internal/config"
	"marketcore/internal/inventory"
	"marketcore/pkg/coremodel"
)

// FairLookup resolves the fair-price cell for a qualifying snapshot. It is
// treated as a pure data read, not an I/O operation.
type FairLookup func(asset string, spot, strike, secondsToExpiry float64) (coremodel.FairCell, bool)

// MicroHedgeState is the small-fill accumulator the builder threads through
// calls. It is owned by the caller (MarketController) and passed by value;
// Build returns the updated copy alongside any emitted intents.
type MicroHedgeState struct {
	PendingShares float64
	CooldownUntil time.Time
	RetryCount    int
}

// Config bundles the configuration groups the builder consults.
type Config struct {
	Entry config.EntryConfig
	Hedge config.HedgeConfig
	Risk  config.RiskConfig
	Delta map[string]config.DeltaThresholds
	Tick  float64
}

// Builder is stateless; a single instance is shared across markets.
type Builder struct {
	cfg Config
}

// New constructs a Builder from the given configuration.
func New(cfg Config) *Builder {
	return &Builder{cfg: cfg}
}

// Input bundles everything the builder needs for a single evaluation.
type Input struct {
	Snapshot              coremodel.Snapshot
	Inventory             coremodel.Inventory
	Risk                  inventory.RiskSnapshot
	State                 coremodel.MarketState
	MicroHedge            MicroHedgeState
	QueueStressed         bool
	ActiveMarketsForAsset int
	Fair                  FairLookup
	Now                   time.Time
}

// Result is the builder's output: the intents to enqueue and the updated
// micro-hedge accumulator.
type Result struct {
	Intents    []coremodel.Intent
	MicroHedge MicroHedgeState
}

// Build runs the full decision tree for one market tick.
func (b *Builder) Build(in Input) Result {
	snap := in.Snapshot
	inv := in.Inventory

	regime, hedgeMode, entriesAllowedByRegime := b.deltaRegime(snap.Asset, math.Abs(snap.Spot-snap.Strike))
	bot := b.botState(inv, in.Risk, in.State, snap.SecondsToExpiry)

	result := Result{MicroHedge: in.MicroHedge}

	// UNWIND and DEEP_DISLOCATION exit fast: only defensive hedges matter.
	if bot == coremodel.BotUnwind {
		if intent, ok := b.buildUnwind(snap, inv, in.Now); ok {
			result.Intents = append(result.Intents, intent)
		}
		return result
	}
	if bot == coremodel.BotDeepDislocation {
		result = b.buildHedges(in, hedgeMode, result)
		return result
	}

	result = b.buildHedges(in, hedgeMode, result)

	if entriesAllowedByRegime {
		if intent, ok := b.buildEntry(in, regime); ok {
			result.Intents = append(result.Intents, intent)
		}
	}

	return result
}

// ————————————————————————————————————————————————————————————————————————
// Delta regime
// ————————————————————————————————————————————————————————————————————————

type deltaRegime string

const (
	regimeLow  deltaRegime = "LOW"
	regimeMid  deltaRegime = "MID"
	regimeHigh deltaRegime = "HIGH"
	regimeExtreme deltaRegime = "EXTREME"
)

func (b *Builder) deltaRegime(asset string, absDelta float64) (deltaRegime, coremodel.HedgeMode, bool) {
	th, ok := b.cfg.Delta[asset]
	if !ok {
		return regimeLow, coremodel.HedgeNormal, true
	}
	switch {
	case absDelta < th.Low:
		return regimeLow, coremodel.HedgeNormal, true
	case absDelta < th.Mid:
		return regimeMid, coremodel.HedgeSurvival, true
	case absDelta < th.High:
		return regimeHigh, coremodel.HedgeHighDeltaCritical, false
	default:
		return regimeExtreme, coremodel.HedgePanic, false
	}
}

// ————————————————————————————————————————————————————————————————————————
// Bot state
// ————————————————————————————————————————————————————————————————————————

func (b *Builder) botState(inv coremodel.Inventory, risk inventory.RiskSnapshot, state coremodel.MarketState, secondsToExpiry float64) coremodel.BotState {
	if secondsToExpiry <= b.cfg.Hedge.UnwindThresholdSec {
		return coremodel.BotUnwind
	}
	if risk.RiskScore >= b.cfg.Risk.DegradedRiskScoreTrigger && b.cfg.Risk.DegradedRiskScoreTrigger > 0 {
		return coremodel.BotDeepDislocation
	}
	switch {
	case inv.UpShares == 0 && inv.DownShares == 0:
		return coremodel.BotFlat
	case inv.UpShares == 0 || inv.DownShares == 0:
		return coremodel.BotOneSided
	case inv.UpShares == inv.DownShares:
		return coremodel.BotHedged
	default:
		return coremodel.BotSkewed
	}
}

// ————————————————————————————————————————————————————————————————————————
// Entry / accumulate rules
// ————————————————————————————————————————————————————————————————————————

func (b *Builder) buildEntry(in Input, regime deltaRegime) (coremodel.Intent, bool) {
	snap := in.Snapshot
	cfg := b.cfg.Entry

	if !snap.Ready() {
		return coremodel.Intent{}, false
	}
	if in.Inventory.DegradedMode {
		return coremodel.Intent{}, false
	}
	if in.QueueStressed {
		return coremodel.Intent{}, false
	}
	if snap.SecondsToExpiry < cfg.MinSecRemaining || snap.SecondsToExpiry > cfg.MaxSecRemaining {
		return coremodel.Intent{}, false
	}
	if in.ActiveMarketsForAsset > cfg.MaxConcurrentMarketsPerAsset {
		return coremodel.Intent{}, false
	}

	side, book, ok := b.cheapSide(snap, in.Fair)
	if !ok {
		return coremodel.Intent{}, false
	}

	spread, okSpread := book.Spread()
	if !okSpread || spread > cfg.MaxSpread {
		return coremodel.Intent{}, false
	}
	if book.AskSize < cfg.MinDepth {
		return coremodel.Intent{}, false
	}

	invested := in.Inventory.UpInvested
	if side == coremodel.Down {
		invested = in.Inventory.DownInvested
	}
	remainingNotional := cfg.MaxNotionalUsdPerMarket - invested
	if remainingNotional <= 0 {
		return coremodel.Intent{}, false
	}

	ask := *book.BestAsk
	price := ask - b.cfg.Tick // maker-first; PriceGuard re-validates and tick-rounds downstream
	qty := cfg.BaseShares
	if qty > cfg.MaxShares {
		qty = cfg.MaxShares
	}
	if maxByBudget := remainingNotional / ask; qty > maxByBudget {
		qty = maxByBudget
	}
	if qty <= 0 {
		return coremodel.Intent{}, false
	}

	intentType := coremodel.IntentEntry
	priority := coremodel.PriorityEntry
	if in.Inventory.TradesCount > 0 {
		intentType = coremodel.IntentAccumulate
		priority = coremodel.PriorityAccumulate
	}

	return coremodel.Intent{
		ID:            intentID(snap.MarketID, intentType, in.Now, 0),
		CreatedAt:     in.Now,
		CorrelationID: correlationID(snap.MarketID, in.Now),
		MarketID:      snap.MarketID,
		Asset:         snap.Asset,
		Type:          intentType,
		Side:          side,
		Quantity:      qty,
		LimitPrice:    price,
		Marketable:    false,
		Reason:        fmt.Sprintf("entry regime=%s edge_side=%s", regime, side),
		Priority:      priority,
	}, true
}

// cheapSide picks the side with the larger edge = fair - ask, and returns
// its book. Returns ok=false if the fair surface doesn't trust either side
// or the edge doesn't clear edgeEntryMin.
func (b *Builder) cheapSide(snap coremodel.Snapshot, fair FairLookup) (coremodel.Side, coremodel.BookTop, bool) {
	cell, trusted := fair(snap.Asset, snap.Spot, snap.Strike, snap.SecondsToExpiry)
	if !trusted {
		return "", coremodel.BookTop{}, false
	}
	if snap.Up.BestAsk == nil || snap.Down.BestAsk == nil {
		return "", coremodel.BookTop{}, false
	}

	edgeUp := cell.FairUp - *snap.Up.BestAsk
	edgeDown := cell.FairDown() - *snap.Down.BestAsk

	if edgeUp >= edgeDown {
		if edgeUp < b.cfg.Entry.EdgeEntryMin {
			return "", coremodel.BookTop{}, false
		}
		return coremodel.Up, snap.Up, true
	}
	if edgeDown < b.cfg.Entry.EdgeEntryMin {
		return "", coremodel.BookTop{}, false
	}
	return coremodel.Down, snap.Down, true
}

// ————————————————————————————————————————————————————————————————————————
// Hedge / micro-hedge rules
// ————————————————————————————————————————————————————————————————————————

func (b *Builder) buildHedges(in Input, hedgeMode coremodel.HedgeMode, result Result) Result {
	inv := in.Inventory
	unpaired := inv.UnpairedShares()
	if unpaired <= 0 {
		result.MicroHedge = MicroHedgeState{}
		return result
	}

	if unpaired >= b.cfg.Hedge.HedgeMinShares {
		if intent, ok := b.buildHedge(in, hedgeMode); ok {
			result.Intents = append(result.Intents, intent)
			return result
		}
	}

	// Below the hedge threshold, or the full hedge was refused: accumulate
	// into the micro-hedge tally.
	mh := result.MicroHedge
	mh.PendingShares = unpaired
	if mh.PendingShares >= b.cfg.Hedge.MicroHedgeMinShares && !in.Now.Before(mh.CooldownUntil) {
		if intent, ok := b.buildMicroHedge(in); ok {
			result.Intents = append(result.Intents, intent)
			mh.CooldownUntil = in.Now.Add(config.Duration(b.cfg.Hedge.CooldownMs))
			mh.RetryCount++
		}
	}
	result.MicroHedge = mh
	return result
}

func (b *Builder) buildHedge(in Input, hedgeMode coremodel.HedgeMode) (coremodel.Intent, bool) {
	snap := in.Snapshot
	inv := in.Inventory
	cfg := b.cfg.Hedge

	weak := inv.WeakSide()
	book := snap.Up
	if weak == coremodel.Down {
		book = snap.Down
	}
	if book.BestAsk == nil {
		return coremodel.Intent{}, false
	}
	ask := *book.BestAsk
	if ask > cfg.MaxOppAsk {
		return coremodel.Intent{}, false
	}

	qty := inv.UnpairedShares() * cfg.HedgeRatio
	if qty > cfg.HedgeMaxShares {
		qty = cfg.HedgeMaxShares
	}
	if qty <= 0 {
		return coremodel.Intent{}, false
	}

	projected := projectPairCostAfterBuy(inv, weak, qty, ask)
	if projected > cfg.MaxCppApprox {
		return coremodel.Intent{}, false
	}

	priority := coremodel.PriorityHedge
	if hedgeMode == coremodel.HedgeSurvival || hedgeMode == coremodel.HedgePanic {
		priority += 20
	}
	nearDeadline := snap.SecondsToExpiry <= cfg.DeadlineSecRemaining
	if nearDeadline {
		priority += 10
	}

	reason := fmt.Sprintf("hedge mode=%s unpaired=%.2f", hedgeMode, inv.UnpairedShares())
	if nearDeadline {
		reason = fmt.Sprintf("%s deadline=%.0fs", reason, snap.SecondsToExpiry)
	}

	return coremodel.Intent{
		ID:            intentID(snap.MarketID, coremodel.IntentHedge, in.Now, 1),
		CreatedAt:     in.Now,
		CorrelationID: correlationID(snap.MarketID, in.Now),
		MarketID:      snap.MarketID,
		Asset:         snap.Asset,
		Type:          coremodel.IntentHedge,
		Side:          weak,
		Quantity:      qty,
		LimitPrice:    ask,
		Marketable:    true,
		Reason:        reason,
		Priority:      priority,
	}, true
}

func (b *Builder) buildMicroHedge(in Input) (coremodel.Intent, bool) {
	snap := in.Snapshot
	inv := in.Inventory

	weak := inv.WeakSide()
	book := snap.Up
	if weak == coremodel.Down {
		book = snap.Down
	}
	if book.BestAsk == nil {
		return coremodel.Intent{}, false
	}

	return coremodel.Intent{
		ID:            intentID(snap.MarketID, coremodel.IntentMicroHedge, in.Now, 2),
		CreatedAt:     in.Now,
		CorrelationID: correlationID(snap.MarketID, in.Now),
		MarketID:      snap.MarketID,
		Asset:         snap.Asset,
		Type:          coremodel.IntentMicroHedge,
		Side:          weak,
		Quantity:      inv.UnpairedShares(),
		LimitPrice:    *book.BestAsk,
		Marketable:    true,
		Reason:        "micro-hedge threshold reached",
		Priority:      coremodel.PriorityMicroHedge,
	}, true
}

// ————————————————————————————————————————————————————————————————————————
// Unwind rules
// ————————————————————————————————————————————————————————————————————————

func (b *Builder) buildUnwind(snap coremodel.Snapshot, inv coremodel.Inventory, now time.Time) (coremodel.Intent, bool) {
	if inv.UnpairedShares() <= 0 {
		return coremodel.Intent{}, false
	}
	weak := inv.WeakSide()
	book := snap.Up
	if weak == coremodel.Down {
		book = snap.Down
	}
	if book.BestAsk == nil {
		return coremodel.Intent{}, false
	}

	return coremodel.Intent{
		ID:            intentID(snap.MarketID, coremodel.IntentUnwind, now, 3),
		CreatedAt:     now,
		CorrelationID: correlationID(snap.MarketID, now),
		MarketID:      snap.MarketID,
		Asset:         snap.Asset,
		Type:          coremodel.IntentUnwind,
		Side:          weak,
		Quantity:      inv.UnpairedShares(),
		LimitPrice:    *book.BestAsk,
		Marketable:    true,
		Reason:        "approaching expiry, flattening unpaired shares",
		Priority:      coremodel.PriorityUnwind,
	}, true
}

// ————————————————————————————————————————————————————————————————————————
// Shared helpers
// ————————————————————————————————————————————————————————————————————————

func projectPairCostAfterBuy(inv coremodel.Inventory, side coremodel.Side, qty, price float64) float64 {
	if side == coremodel.Up {
		inv.UpShares += qty
		inv.UpInvested += qty * price
	} else {
		inv.DownShares += qty
		inv.DownInvested += qty * price
	}
	paired := inv.PairedShares()
	if paired <= 0 {
		return 0
	}
	return (inv.UpInvested + inv.DownInvested) / paired
}

func intentID(marketID string, t coremodel.IntentType, now time.Time, salt int) string {
	return fmt.Sprintf("%s-%s-%d-%d", marketID, t, now.UnixNano(), salt)
}

func correlationID(marketID string, now time.Time) string {
	return fmt.Sprintf("%s-%d", marketID, now.UnixNano())
}
