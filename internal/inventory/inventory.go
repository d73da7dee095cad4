// Package inventory tracks per-market position, pair-cost, and risk-score
// accounting for a single market's MarketController. It is the only writer
// of its coremodel.Inventory value; the controller owns one Tracker per
// market exclusively (no shared mutation across goroutines).
package inventory

import (
	"sync"
	"time"

	"marketcore/pkg/coremodel"
)

// RiskConfig holds the degraded-mode thresholds.
type RiskConfig struct {
	TriggerNotional  float64
	TriggerAgeSec    float64
	ScoreTrigger     float64
}

// Tracker wraps a coremodel.Inventory with fill application and risk
// derivation, guarded by a mutex so concurrent readers (e.g. telemetry) don't
// race the owning controller's writes.
type Tracker struct {
	mu  sync.RWMutex
	inv coremodel.Inventory
	cfg RiskConfig
}

// New creates a Tracker starting from a flat inventory.
func New(cfg RiskConfig) *Tracker {
	return &Tracker{cfg: cfg}
}

// Snapshot returns a copy of the current inventory.
func (t *Tracker) Snapshot() coremodel.Inventory {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.inv
}

// Restore replaces the inventory, used when reconciling from an external
// source. The core itself starts FLAT on restart
func (t *Tracker) Restore(inv coremodel.Inventory) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inv = inv
}

// UpdateInventoryOnFill adds qty to the filled side's shares and qty*price to
// its invested, recomputes that side's average cost, and refreshes fill
// timestamps/counters. If the fill drives unpairedShares from >0 to 0, it
// stamps lastPairedTs.
func (t *Tracker) UpdateInventoryOnFill(side coremodel.Side, qty, price float64, ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasUnpaired := t.inv.UnpairedShares() > 0

	if side == coremodel.Up {
		t.inv.UpShares += qty
		t.inv.UpInvested += qty * price
	} else {
		t.inv.DownShares += qty
		t.inv.DownInvested += qty * price
	}

	if t.inv.FirstFillTs.IsZero() {
		t.inv.FirstFillTs = ts
	}
	t.inv.LastFillTs = ts
	t.inv.TradesCount++

	if wasUnpaired && t.inv.UnpairedShares() == 0 {
		t.inv.LastPairedTs = ts
	}
}

// RiskSnapshot is the derived risk view for a single evaluation.
type RiskSnapshot struct {
	UnpairedShares   float64
	UnpairedNotional float64
	UnpairedAgeSec   float64
	RiskScore        float64
}

// CalculateInventoryRisk estimates the dominant side's mid price (preferring
// ask, else bid, else 0.50), derives unpairedNotional, and computes
// riskScore = unpairedNotional * unpairedAgeSec.
func (t *Tracker) CalculateInventoryRisk(snap coremodel.Snapshot) RiskSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	unpaired := t.inv.UnpairedShares()
	if unpaired == 0 {
		return RiskSnapshot{}
	}

	weak := t.inv.WeakSide()
	book := snap.Down
	if weak == coremodel.Down {
		book = snap.Up
	}
	mid := dominantPrice(book)

	var ageSec float64
	if !t.inv.LastPairedTs.IsZero() {
		ageSec = snap.Timestamp.Sub(t.inv.LastPairedTs).Seconds()
	} else if !t.inv.FirstFillTs.IsZero() {
		ageSec = snap.Timestamp.Sub(t.inv.FirstFillTs).Seconds()
	}
	if ageSec < 0 {
		ageSec = 0
	}

	notional := unpaired * mid
	return RiskSnapshot{
		UnpairedShares:   unpaired,
		UnpairedNotional: notional,
		UnpairedAgeSec:   ageSec,
		RiskScore:        notional * ageSec,
	}
}

func dominantPrice(book coremodel.BookTop) float64 {
	if book.BestAsk != nil {
		return *book.BestAsk
	}
	if book.BestBid != nil {
		return *book.BestBid
	}
	return 0.50
}

// CalculatePairCost returns (upInvested + downInvested) / pairedShares, or 0
// when there are no paired shares yet.
func (t *Tracker) CalculatePairCost() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	paired := t.inv.PairedShares()
	if paired <= 0 {
		return 0
	}
	return (t.inv.UpInvested + t.inv.DownInvested) / paired
}

// CalculateAveragePairCost returns avgUp + avgDown, used for forward-looking
// projections rather than realized pair cost.
func (t *Tracker) CalculateAveragePairCost() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.inv.AvgUp() + t.inv.AvgDown()
}

// ProjectPairCostAfterBuy estimates the pair cost if qty more shares of side
// were bought at price, without mutating the tracked inventory.
func (t *Tracker) ProjectPairCostAfterBuy(side coremodel.Side, qty, price float64) float64 {
	t.mu.RLock()
	inv := t.inv
	t.mu.RUnlock()

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

// EvaluateDegradedMode enters degraded mode when
// (unpairedNotional >= triggerNotional AND unpairedAgeSec >= triggerAgeSec)
// OR riskScore >= scoreTrigger; exits iff unpairedShares == 0, refreshing
// lastPairedTs on exit. Degraded mode blocks ENTRY/ACCUMULATE; hedges and
// unwinds remain permitted. Returns the updated flag.
func (t *Tracker) EvaluateDegradedMode(risk RiskSnapshot, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.inv.UnpairedShares() == 0 {
		if t.inv.DegradedMode {
			t.inv.LastPairedTs = now
		}
		t.inv.DegradedMode = false
		return false
	}

	trigger := (risk.UnpairedNotional >= t.cfg.TriggerNotional && risk.UnpairedAgeSec >= t.cfg.TriggerAgeSec) ||
		risk.RiskScore >= t.cfg.ScoreTrigger
	if trigger {
		t.inv.DegradedMode = true
	}
	return t.inv.DegradedMode
}
