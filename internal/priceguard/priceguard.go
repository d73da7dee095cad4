// Package priceguard validates and tick-aligns prices before an order is
// submitted to the exchange. It is the last-mile check the ExecutionAdapter
// runs against a freshly fetched book: tick rounding, no-crossing, and
// book-freshness.
package priceguard

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketcore/pkg/coremodel"
)

// Guard holds the static configuration for price validation plus the one
// piece of mutable state it needs: the timestamp of the last emergency
// cross, so repeated crosses across markets can be rate-limited. A single
// instance is shared across markets.
type Guard struct {
	tick                float64
	maxBookAge          time.Duration
	allowEmergencyExit  bool
	emergencyExitSecRem float64
	emergencyCrossTicks int
	emergencyRateLimit  time.Duration

	mu                 sync.Mutex
	lastEmergencyCross time.Time
}

// New builds a Guard. tick is the smallest price increment (default 0.01).
// emergencyRateLimitMs bounds how often ValidateEmergencyCross may approve a
// cross process-wide; 0 disables the limit.
func New(tick float64, maxBookAgeMs int, allowEmergencyExit bool, emergencyExitSecRemaining float64, emergencyCrossTicks int, emergencyRateLimitMs int) *Guard {
	return &Guard{
		tick:                tick,
		maxBookAge:          time.Duration(maxBookAgeMs) * time.Millisecond,
		allowEmergencyExit:  allowEmergencyExit,
		emergencyExitSecRem: emergencyExitSecRemaining,
		emergencyCrossTicks: emergencyCrossTicks,
		emergencyRateLimit:  time.Duration(emergencyRateLimitMs) * time.Millisecond,
	}
}

// Validate rounds a requested price for side and rejects it if the book is
// unusable or the price would cross the spread. BUY prices round down to the
// nearest tick; SELL prices round up. Returns the validated, tick-aligned
// price or a typed ExecutionFailure.
func (g *Guard) Validate(side coremodel.OrderSide, rawPrice float64, book coremodel.BookTop, now time.Time) (float64, coremodel.ExecutionFailure, error) {
	if math.IsNaN(rawPrice) || math.IsInf(rawPrice, 0) {
		return 0, coremodel.FailRawNaN, fmt.Errorf("price is not finite: %v", rawPrice)
	}
	if err := g.validateBookShape(book); err != nil {
		return 0, coremodel.FailInvalidBook, err
	}
	if book.IsStale(now, g.maxBookAge) {
		return 0, coremodel.FailStaleBook, fmt.Errorf("book age exceeds %s", g.maxBookAge)
	}

	price := g.roundToTick(side, rawPrice)
	if err := g.checkNoCrossing(side, price, book); err != nil {
		if side == coremodel.Buy {
			return 0, coremodel.FailNoCrossingBuy, err
		}
		return 0, coremodel.FailNoCrossingSell, err
	}
	return price, "", nil
}

// ValidateEmergencyCross is the bounded-crossing variant, permitted only
// when the guard allows emergency exit and secondsToExpiry has dropped to or
// below the configured threshold. It bypasses the staleness check but still
// rejects a structurally invalid book. Approved crosses are rate-limited
// process-wide by emergencyRateLimit, since a runaway caller retrying on
// every tick could otherwise cross the spread repeatedly in a single
// expiry window.
func (g *Guard) ValidateEmergencyCross(side coremodel.OrderSide, rawPrice float64, book coremodel.BookTop, secondsToExpiry float64, now time.Time) (float64, coremodel.ExecutionFailure, error) {
	if math.IsNaN(rawPrice) || math.IsInf(rawPrice, 0) {
		return 0, coremodel.FailRawNaN, fmt.Errorf("price is not finite: %v", rawPrice)
	}
	if !g.allowEmergencyExit || secondsToExpiry > g.emergencyExitSecRem {
		return 0, coremodel.FailInvalidBook, fmt.Errorf("emergency cross not permitted at %.0fs remaining", secondsToExpiry)
	}
	if err := g.validateBookShape(book); err != nil {
		return 0, coremodel.FailInvalidBook, err
	}
	if g.rateLimited(now) {
		return 0, coremodel.FailRateLimited, fmt.Errorf("emergency cross rate-limited to one per %s", g.emergencyRateLimit)
	}

	price := g.roundToTick(side, rawPrice)
	bound := g.emergencyCrossBound(side, book)
	if bound == nil {
		return 0, coremodel.FailInvalidBook, fmt.Errorf("no opposing level to cross against")
	}
	if side == coremodel.Buy && price > *bound {
		return 0, coremodel.FailNoCrossingBuy, fmt.Errorf("emergency buy %.4f exceeds cross bound %.4f", price, *bound)
	}
	if side == coremodel.Sell && price < *bound {
		return 0, coremodel.FailNoCrossingSell, fmt.Errorf("emergency sell %.4f below cross bound %.4f", price, *bound)
	}
	g.recordEmergencyCross(now)
	return price, "", nil
}

// rateLimited reports whether an emergency cross this recent would violate
// emergencyRateLimit. A zero limit disables the check.
func (g *Guard) rateLimited(now time.Time) bool {
	if g.emergencyRateLimit <= 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.lastEmergencyCross.IsZero() && now.Sub(g.lastEmergencyCross) < g.emergencyRateLimit
}

func (g *Guard) recordEmergencyCross(now time.Time) {
	if g.emergencyRateLimit <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastEmergencyCross = now
}

func (g *Guard) emergencyCrossBound(side coremodel.OrderSide, book coremodel.BookTop) *float64 {
	span := float64(g.emergencyCrossTicks) * g.tick
	if side == coremodel.Buy {
		if book.BestAsk == nil {
			return nil
		}
		bound := *book.BestAsk + span
		return &bound
	}
	if book.BestBid == nil {
		return nil
	}
	bound := *book.BestBid - span
	return &bound
}

func (g *Guard) validateBookShape(book coremodel.BookTop) error {
	if book.BestBid == nil && book.BestAsk == nil {
		return fmt.Errorf("book has no quoted levels")
	}
	if book.BestBid != nil && *book.BestBid <= 0 {
		return fmt.Errorf("non-positive bid %.4f", *book.BestBid)
	}
	if book.BestAsk != nil && *book.BestAsk <= 0 {
		return fmt.Errorf("non-positive ask %.4f", *book.BestAsk)
	}
	if book.BestBid != nil && book.BestAsk != nil && *book.BestBid >= *book.BestAsk {
		return fmt.Errorf("crossed book: bid %.4f >= ask %.4f", *book.BestBid, *book.BestAsk)
	}
	return nil
}

// checkNoCrossing enforces INV-2: BUY price <= bestAsk - tick, SELL price >=
// bestBid + tick. Comparisons are done in integer cents to avoid float noise
// at the tick boundary.
func (g *Guard) checkNoCrossing(side coremodel.OrderSide, price float64, book coremodel.BookTop) error {
	tickDec := decimal.NewFromFloat(g.tick)
	priceDec := decimal.NewFromFloat(price)

	if side == coremodel.Buy {
		if book.BestAsk == nil {
			return nil
		}
		limit := decimal.NewFromFloat(*book.BestAsk).Sub(tickDec)
		if priceDec.GreaterThan(limit) {
			return fmt.Errorf("buy price %.4f crosses ask %.4f", price, *book.BestAsk)
		}
		return nil
	}

	if book.BestBid == nil {
		return nil
	}
	limit := decimal.NewFromFloat(*book.BestBid).Add(tickDec)
	if priceDec.LessThan(limit) {
		return fmt.Errorf("sell price %.4f crosses bid %.4f", price, *book.BestBid)
	}
	return nil
}

func (g *Guard) roundToTick(side coremodel.OrderSide, price float64) float64 {
	decimals := tickDecimals(g.tick)
	pow := math.Pow(10, float64(decimals))
	if side == coremodel.Buy {
		return math.Floor(price*pow) / pow
	}
	return math.Ceil(price*pow) / pow
}

func tickDecimals(tick float64) int {
	d := decimal.NewFromFloat(tick)
	return int(-d.Exponent())
}

// Tick returns the configured tick size.
func (g *Guard) Tick() float64 {
	return g.tick
}
