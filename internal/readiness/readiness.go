// Package readiness gates intent construction on order-book liveness.
//
// A token is ready iff its book exists, has enough quoted levels, has the
// quotes its caller requires (bid and ask for MarketReady, the ask alone
// otherwise), and the observation isn't stale. A market is ready
// iff both outcome tokens are ready. Failed gate checks are parked by
// (marketId, intentType) so the same decision isn't re-derived from scratch
// on every tick, and so stale parked entries age out.
package readiness

import (
	"sync"
	"time"

	"marketcore/pkg/coremodel"
)

// Config holds the static thresholds for the gate.
type Config struct {
	MinLevels        int
	MaxSnapshotAge   time.Duration
	ParkMaxAge       time.Duration
}

// Gate evaluates token/market readiness and tracks parked intents.
type Gate struct {
	cfg Config

	mu     sync.Mutex
	parked map[parkKey]*parkedEntry
}

type parkKey struct {
	marketID string
	intent   coremodel.IntentType
}

type parkedEntry struct {
	reason     coremodel.ReadinessReason
	firstSeen  time.Time
	retryCount int
}

// New builds a Gate from the given thresholds.
func New(cfg Config) *Gate {
	return &Gate{
		cfg:    cfg,
		parked: make(map[parkKey]*parkedEntry),
	}
}

// TokenReady reports whether a single token's book is live enough to trade.
// For ENTRY/ACCUMULATE both sides are required present; for HEDGE/MICRO_HEDGE
// only the hedged side's ask is required, so requireBothSides distinguishes
// the two call sites.
func (g *Gate) TokenReady(book coremodel.BookTop, now time.Time, requireBothSides bool) (bool, coremodel.ReadinessReason) {
	if book.Timestamp.IsZero() && book.BestBid == nil && book.BestAsk == nil {
		return false, coremodel.ReasonNoOrderBook
	}
	if book.Levels < g.cfg.MinLevels {
		return false, coremodel.ReasonNoOrderBook
	}
	if requireBothSides {
		if book.BestBid == nil || book.BestAsk == nil {
			return false, coremodel.ReasonNoLiquidity
		}
	} else if book.BestAsk == nil {
		return false, coremodel.ReasonNoLiquidity
	}
	if now.Sub(book.Timestamp) > g.cfg.MaxSnapshotAge {
		return false, coremodel.ReasonStaleData
	}
	return true, ""
}

// MarketReady reports whether both sides of a market are ready. It returns
// the per-side readiness and, on failure, the reason attributed to the first
// side that failed (up takes precedence for reporting purposes only).
func (g *Gate) MarketReady(up, down coremodel.BookTop, now time.Time) (readyUp, readyDown bool, reason coremodel.ReadinessReason) {
	readyUp, upReason := g.TokenReady(up, now, true)
	readyDown, downReason := g.TokenReady(down, now, true)
	if !readyUp {
		return readyUp, readyDown, upReason
	}
	if !readyDown {
		return readyUp, readyDown, downReason
	}
	return readyUp, readyDown, ""
}

// Park records a failed gate check under (marketId, intentType), incrementing
// its retry count. Called whenever the IntentBuilder would have emitted an
// intent but the gate blocked it.
func (g *Gate) Park(marketID string, intentType coremodel.IntentType, reason coremodel.ReadinessReason, now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := parkKey{marketID, intentType}
	entry, ok := g.parked[key]
	if !ok {
		entry = &parkedEntry{firstSeen: now}
		g.parked[key] = entry
	}
	entry.reason = reason
	entry.retryCount++
	return entry.retryCount
}

// Clear discards a parked entry once a fresh gate check passes for it.
func (g *Gate) Clear(marketID string, intentType coremodel.IntentType) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.parked, parkKey{marketID, intentType})
}

// PruneExpired discards parked entries older than ParkMaxAge.
func (g *Gate) PruneExpired(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for key, entry := range g.parked {
		if now.Sub(entry.firstSeen) > g.cfg.ParkMaxAge {
			delete(g.parked, key)
			removed++
		}
	}
	return removed
}

// RetryCount returns the current retry count for a parked key, or 0 if
// nothing is parked there.
func (g *Gate) RetryCount(marketID string, intentType coremodel.IntentType) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if entry, ok := g.parked[parkKey{marketID, intentType}]; ok {
		return entry.retryCount
	}
	return 0
}
