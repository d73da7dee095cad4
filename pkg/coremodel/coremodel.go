// Package coremodel defines the shared data structures used across the
// intent-generation and execution pipeline.
//
// This package is the common vocabulary for the core — market descriptors,
// book tops, snapshots, inventory, and intents. It has no dependencies on
// internal packages, so it can be imported by any layer.
package coremodel

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side identifies an outcome token within a binary-outcome market.
type Side string

const (
	Up   Side = "UP"
	Down Side = "DOWN"
)

// Opposite returns the other side of the pair.
func (s Side) Opposite() Side {
	if s == Up {
		return Down
	}
	return Up
}

// OrderSide is the direction of an order sent to the exchange: BUY or SELL.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderType enumerates the order lifecycles the exchange accepts.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled: rests until filled or cancelled
	OrderTypeGTD OrderType = "GTD" // Good-Til-Date: rests until an expiration timestamp
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill: filled immediately in full or not at all
)

// IntentType enumerates the kinds of trade intents the IntentBuilder emits.
type IntentType string

const (
	IntentEntry       IntentType = "ENTRY"
	IntentAccumulate  IntentType = "ACCUMULATE"
	IntentHedge       IntentType = "HEDGE"
	IntentMicroHedge  IntentType = "MICRO_HEDGE"
	IntentUnwind      IntentType = "UNWIND"
)

// Default priorities per intent type. Higher is more urgent. These are the
// concrete values the queue sorts on; UNWIND outranks HEDGE because it is
// the last chance to flatten before settlement.
const (
	PriorityEntry      = 10
	PriorityAccumulate = 15
	PriorityMicroHedge = 60
	PriorityHedge      = 80
	PriorityUnwind     = 90
)

// DefaultPriority returns the baseline priority for an intent type. Builders
// may boost it (e.g. +20 in SURVIVAL/PANIC hedge modes).
func (t IntentType) DefaultPriority() int {
	switch t {
	case IntentEntry:
		return PriorityEntry
	case IntentAccumulate:
		return PriorityAccumulate
	case IntentMicroHedge:
		return PriorityMicroHedge
	case IntentHedge:
		return PriorityHedge
	case IntentUnwind:
		return PriorityUnwind
	default:
		return 0
	}
}

// IsSafety reports whether the intent type is a defensive action that must
// never be rejected for capacity reasons and bypasses an open circuit breaker.
func (t IntentType) IsSafety() bool {
	switch t {
	case IntentHedge, IntentMicroHedge, IntentUnwind:
		return true
	default:
		return false
	}
}

// MarketState is the per-market lifecycle state machine.
type MarketState string

const (
	StateIdle             MarketState = "IDLE"
	StateHasEntry         MarketState = "HAS_ENTRY"
	StateHedgeInProgress  MarketState = "HEDGE_IN_PROGRESS"
	StateDone             MarketState = "DONE"
)

// HedgeMode parameterizes hedge urgency and entry permission, derived from
// the delta regime (|spot - strike| relative to configured thresholds).
type HedgeMode string

const (
	HedgeNormal              HedgeMode = "NORMAL"
	HedgeSurvival            HedgeMode = "SURVIVAL"
	HedgeHighDeltaCritical   HedgeMode = "HIGH_DELTA_CRITICAL"
	HedgePanic               HedgeMode = "PANIC"
)

// BotState is the coarse inventory posture used by the IntentBuilder to pick
// a rule branch.
type BotState string

const (
	BotFlat           BotState = "FLAT"
	BotOneSided       BotState = "ONE_SIDED"
	BotHedged         BotState = "HEDGED"
	BotSkewed         BotState = "SKEWED"
	BotDeepDislocation BotState = "DEEP_DISLOCATION"
	BotUnwind         BotState = "UNWIND"
)

// ReadinessReason categorizes why a token or market failed the readiness gate.
type ReadinessReason string

const (
	ReasonNoOrderBook ReadinessReason = "NO_ORDERBOOK"
	ReasonNoLiquidity ReadinessReason = "NO_LIQUIDITY"
	ReasonStaleData   ReadinessReason = "STALE_DATA"
)

// SkipReason enumerates the codes attached to ACTION_SKIPPED events.
type SkipReason string

const (
	SkipNoOrderBook  SkipReason = "NO_ORDERBOOK"
	SkipCooldown     SkipReason = "COOLDOWN"
	SkipQueueStress  SkipReason = "QUEUE_STRESS"
	SkipFunds        SkipReason = "FUNDS"
	SkipNoDepth      SkipReason = "NO_DEPTH"
	SkipPairCost     SkipReason = "PAIR_COST"
	SkipDegradedMode SkipReason = "DEGRADED_MODE"
	SkipRateLimit    SkipReason = "RATE_LIMIT"
	SkipStaleMarket  SkipReason = "STALE_MARKET"
	SkipTooLate      SkipReason = "TOO_LATE"
	SkipMinEdge      SkipReason = "MIN_EDGE"
	SkipCircuitOpen  SkipReason = "CIRCUIT_OPEN"
)

// ExecutionFailure enumerates the typed reasons ExecutionAdapter returns
// instead of placing an order.
type ExecutionFailure string

const (
	FailOrderInFlight  ExecutionFailure = "ORDER_IN_FLIGHT"
	FailTokenNotFound  ExecutionFailure = "TOKEN_NOT_FOUND"
	FailNoBook         ExecutionFailure = "NO_BOOK"
	FailStaleBook      ExecutionFailure = "STALE_BOOK"
	FailInvalidBook    ExecutionFailure = "INVALID_BOOK"
	FailNoCrossingBuy  ExecutionFailure = "NO_CROSSING_BUY"
	FailNoCrossingSell ExecutionFailure = "NO_CROSSING_SELL"
	FailRawNaN         ExecutionFailure = "RAW_NAN"
	FailRateLimited    ExecutionFailure = "RATE_LIMITED"
)

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// MarketDescriptor identifies a single binary-outcome event market. Produced
// by discovery, destroyed after settlement.
type MarketDescriptor struct {
	ID          string // stable identifier
	Asset       string // BTC, ETH, SOL, XRP, ...
	UpTokenID   string
	DownTokenID string
	Strike      float64
	StartTime   time.Time
	EndTime     time.Time
}

// SecondsToExpiry returns the time remaining until EndTime, as of now.
func (m MarketDescriptor) SecondsToExpiry(now time.Time) float64 {
	return m.EndTime.Sub(now).Seconds()
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// BookTop is the normalized top-of-book view for a single token. Either side
// may be absent (nil). When both are present, bestBid < bestAsk is assumed —
// the exchange guarantees a non-crossed book.
type BookTop struct {
	BestBid   *float64
	BestAsk   *float64
	BidSize   float64
	AskSize   float64
	Levels    int
	Timestamp time.Time
}

// Mid returns the midpoint price when both sides are present, and false
// otherwise.
func (b BookTop) Mid() (float64, bool) {
	if b.BestBid == nil || b.BestAsk == nil {
		return 0, false
	}
	return (*b.BestBid + *b.BestAsk) / 2, true
}

// Spread returns bestAsk - bestBid when both sides are present.
func (b BookTop) Spread() (float64, bool) {
	if b.BestBid == nil || b.BestAsk == nil {
		return 0, false
	}
	return *b.BestAsk - *b.BestBid, true
}

// IsStale reports whether the book's observation timestamp is older than
// maxAge as of now.
func (b BookTop) IsStale(now time.Time, maxAge time.Duration) bool {
	if b.Timestamp.IsZero() {
		return true
	}
	return now.Sub(b.Timestamp) > maxAge
}

// ————————————————————————————————————————————————————————————————————————
// Snapshot
// ————————————————————————————————————————————————————————————————————————

// Snapshot is a point-in-time combined view of both outcome books for a
// market, produced on every book update and consumed by the state machine.
// It is not persisted.
type Snapshot struct {
	MarketID        string
	Asset           string
	Timestamp       time.Time
	SecondsToExpiry float64
	Strike          float64
	Spot            float64
	Up              BookTop
	Down            BookTop
	ReadyUp         bool
	ReadyDown       bool
	QueueSize       int
	QueueStressed   bool
}

// Ready reports whether both sides of the market are ready to trade.
func (s Snapshot) Ready() bool {
	return s.ReadyUp && s.ReadyDown
}

// ————————————————————————————————————————————————————————————————————————
// Inventory
// ————————————————————————————————————————————————————————————————————————

// Inventory is the per-market position/pair-cost accounting record. Shares
// and invested amounts are non-negative and monotonic in fills — the core
// scope has no sells.
type Inventory struct {
	UpShares     float64
	DownShares   float64
	UpInvested   float64 // USDC
	DownInvested float64 // USDC

	FirstFillTs time.Time
	LastFillTs  time.Time
	TradesCount int

	LastPairedTs time.Time // when unpairedShares last became 0
	DegradedMode bool
}

// AvgUp returns UpInvested / UpShares, or 0 when UpShares is 0.
func (inv Inventory) AvgUp() float64 {
	if inv.UpShares <= 0 {
		return 0
	}
	return inv.UpInvested / inv.UpShares
}

// AvgDown returns DownInvested / DownShares, or 0 when DownShares is 0.
func (inv Inventory) AvgDown() float64 {
	if inv.DownShares <= 0 {
		return 0
	}
	return inv.DownInvested / inv.DownShares
}

// UnpairedShares returns the absolute inventory imbalance between UP and DOWN.
func (inv Inventory) UnpairedShares() float64 {
	d := inv.UpShares - inv.DownShares
	if d < 0 {
		return -d
	}
	return d
}

// PairedShares returns the number of shares held on both sides (the smaller
// of the two), i.e. the quantity that is fully hedged.
func (inv Inventory) PairedShares() float64 {
	if inv.UpShares < inv.DownShares {
		return inv.UpShares
	}
	return inv.DownShares
}

// WeakSide returns the side with fewer shares — the side a HEDGE intent buys.
func (inv Inventory) WeakSide() Side {
	if inv.UpShares < inv.DownShares {
		return Up
	}
	return Down
}

// ————————————————————————————————————————————————————————————————————————
// Intent
// ————————————————————————————————————————————————————————————————————————

// Intent is a single proposed trade action produced by the IntentBuilder.
// Intents are value-typed and transferred by move — there are no shared
// mutable references to an Intent once it is enqueued.
type Intent struct {
	ID            string
	CreatedAt     time.Time
	CorrelationID string
	MarketID      string
	Asset         string
	Type          IntentType
	Side          Side
	Quantity      float64 // shares, > 0
	LimitPrice    float64 // tick-aligned, in (0,1)
	Marketable    bool
	Reason        string
	Priority      int
}

// ————————————————————————————————————————————————————————————————————————
// Fair surface
// ————————————————————————————————————————————————————————————————————————

// FairCell is the EWMA of the UP mid price for one (asset, |delta| bucket,
// time bucket) key. Created on first observation, never destroyed.
type FairCell struct {
	FairUp      float64
	SampleCount int
	LastUpdated time.Time
	Min         float64
	Max         float64
}

// Trusted reports whether the cell has enough fresh samples to trade on.
func (c FairCell) Trusted(now time.Time, minSamples int, maxAge time.Duration) bool {
	if c.SampleCount < minSamples {
		return false
	}
	return now.Sub(c.LastUpdated) <= maxAge
}

// FairDown derives the DOWN fair price from the UP fair price.
func (c FairCell) FairDown() float64 {
	return 1 - c.FairUp
}

// ————————————————————————————————————————————————————————————————————————
// Circuit breaker
// ————————————————————————————————————————————————————————————————————————

// BreakerStatus is a read-only snapshot of the CircuitBreaker's state, used
// for telemetry and tests.
type BreakerStatus struct {
	IsOpen              bool
	OpenedAt            time.Time
	FailuresInWindow    int
	LastFailureTs       time.Time
	ConsecutiveFailures int
	TotalFailures       uint64
	TotalSuccesses      uint64
}

// ————————————————————————————————————————————————————————————————————————
// Exchange contract
// ————————————————————————————————————————————————————————————————————————

// PlaceOrderRequest is what the core sends to the exchange capability.
type PlaceOrderRequest struct {
	TokenID   string
	Side      OrderSide
	Price     float64
	Size      float64
	OrderType OrderType
}

// PlaceOrderResult is what the exchange capability returns for a placement
// attempt. A missing OrderID on a reported success is treated as a failure.
type PlaceOrderResult struct {
	Success   bool
	OrderID   string
	AvgPrice  float64
	FilledQty float64
	Err       error
}

// FillEvent is a single fill notification routed back from the exchange's
// fill-event stream to the owning MarketController.
type FillEvent struct {
	OrderID   string
	TokenID   string
	MarketID  string
	Side      OrderSide
	FillQty   float64
	FillPrice float64
	Ts        time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Event sink
// ————————————————————————————————————————————————————————————————————————

// EventType names a member of the append-only event taxonomy the core
// produces. Every skip and failure carries one of these so nothing is
// dropped silently.
type EventType string

const (
	EventSnapshot            EventType = "SNAPSHOT"
	EventInventory           EventType = "INVENTORY"
	EventIntentCreated       EventType = "INTENT_CREATED"
	EventOrderSubmitted      EventType = "ORDER_SUBMITTED"
	EventOrderAck            EventType = "ORDER_ACK"
	EventOrderFail           EventType = "ORDER_FAIL"
	EventOrderCancel         EventType = "ORDER_CANCEL"
	EventFill                EventType = "FILL"
	EventDegradedModeEnter   EventType = "DEGRADED_MODE_ENTER"
	EventDegradedModeExit    EventType = "DEGRADED_MODE_EXIT"
	EventCircuitBreakerEnter EventType = "CIRCUIT_BREAKER_ENTER"
	EventCircuitBreakerExit  EventType = "CIRCUIT_BREAKER_EXIT"
	EventActionSkipped       EventType = "ACTION_SKIPPED"
)

// Event is the wrapper every event-sink record is shaped as. Data carries
// the type-specific payload; CorrelationID lets a skip/failure be traced
// back to the intent that produced it.
type Event struct {
	Type          EventType
	Timestamp     time.Time
	MarketID      string
	CorrelationID string
	Reason        SkipReason
	Data          any
}
