// Package execution implements the ExecutionAdapter: the single choke point
// between an admitted Intent and an order on the exchange. It enforces
// one-outstanding-order-per-slot, re-validates the price against a freshly
// fetched book immediately before submission, and tracks orders through to
// a terminal event so stale resting orders get cleaned up.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"marketcore/internal/priceguard"
	"marketcore/pkg/coremodel"
)

// Venue is the capability interface the adapter needs from the exchange
// transport layer. Implementations live in internal/venue; tests use a fake.
type Venue interface {
	ResolveTokenID(marketID string, side coremodel.Side) (tokenID string, ok bool)
	GetBook(ctx context.Context, tokenID string) (coremodel.BookTop, error)
	PlaceOrder(ctx context.Context, req coremodel.PlaceOrderRequest) (coremodel.PlaceOrderResult, error)
	CancelOrders(ctx context.Context, orderIDs []string) error
}

// slotKey identifies the single outstanding order allowed per (market,
// token, intent type) per INV-4.
type slotKey struct {
	marketID string
	token    string
	intent   coremodel.IntentType
}

type slot struct {
	orderID   string
	placedAt  time.Time
	marketID  string
	side      coremodel.Side
}

// Adapter is the process-wide ExecutionAdapter, owned by the Orchestrator
// and invoked once per dequeued intent.
type Adapter struct {
	venue  Venue
	guard  *priceguard.Guard
	logger *slog.Logger

	mu        sync.Mutex
	slots     map[slotKey]slot
	byOrderID map[string]slotKey
}

// New builds an Adapter bound to a venue and price guard.
func New(venue Venue, guard *priceguard.Guard, logger *slog.Logger) *Adapter {
	return &Adapter{
		venue:     venue,
		guard:     guard,
		logger:    logger.With("component", "execution"),
		slots:     make(map[slotKey]slot),
		byOrderID: make(map[string]slotKey),
	}
}

// Submit attempts to place an order for intent. It enforces INV-4 (slot
// occupancy), then re-fetches the book for the target token and runs the
// last-mile PriceGuard check before calling the venue. On success the slot
// is bound to the returned order id.
func (a *Adapter) Submit(ctx context.Context, intent coremodel.Intent, now time.Time) (coremodel.PlaceOrderResult, coremodel.ExecutionFailure, error) {
	key := slotKey{marketID: intent.MarketID, token: string(intent.Side), intent: intent.Type}

	a.mu.Lock()
	if _, occupied := a.slots[key]; occupied {
		a.mu.Unlock()
		return coremodel.PlaceOrderResult{}, coremodel.FailOrderInFlight, fmt.Errorf("slot %s/%s/%s already has an outstanding order", key.marketID, key.token, key.intent)
	}
	a.mu.Unlock()

	tokenID, ok := a.venue.ResolveTokenID(intent.MarketID, intent.Side)
	if !ok {
		return coremodel.PlaceOrderResult{}, coremodel.FailTokenNotFound, fmt.Errorf("no token id for market %s side %s", intent.MarketID, intent.Side)
	}

	book, err := a.venue.GetBook(ctx, tokenID)
	if err != nil {
		return coremodel.PlaceOrderResult{}, coremodel.FailNoBook, fmt.Errorf("get book: %w", err)
	}

	side := coremodel.Buy
	price, failure, err := a.guard.Validate(side, intent.LimitPrice, book, now)
	if err != nil {
		return coremodel.PlaceOrderResult{}, failure, err
	}

	req := coremodel.PlaceOrderRequest{
		TokenID:   tokenID,
		Side:      side,
		Price:     price,
		Size:      intent.Quantity,
		OrderType: coremodel.OrderTypeGTC,
	}

	result, err := a.venue.PlaceOrder(ctx, req)
	if err != nil {
		return coremodel.PlaceOrderResult{}, "", fmt.Errorf("place order: %w", err)
	}
	if !result.Success || result.OrderID == "" {
		return result, "", fmt.Errorf("order rejected: %v", result.Err)
	}

	a.mu.Lock()
	a.slots[key] = slot{orderID: result.OrderID, placedAt: now, marketID: intent.MarketID, side: intent.Side}
	a.byOrderID[result.OrderID] = key
	a.mu.Unlock()

	a.logger.Info("order submitted",
		"order_id", result.OrderID,
		"market_id", intent.MarketID,
		"intent_type", intent.Type,
		"side", intent.Side,
		"price", price,
		"size", intent.Quantity,
	)
	return result, "", nil
}

// OnOrderComplete clears the slot holding orderID — called from the fill
// handler once an order reaches a terminal filled state.
func (a *Adapter) OnOrderComplete(orderID string) {
	a.clearOrder(orderID, "filled")
}

// OnOrderCancelled clears the slot holding orderID after a cancel ack.
func (a *Adapter) OnOrderCancelled(orderID string) {
	a.clearOrder(orderID, "cancelled")
}

func (a *Adapter) clearOrder(orderID, terminalState string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key, ok := a.byOrderID[orderID]
	if !ok {
		return
	}
	delete(a.byOrderID, orderID)
	delete(a.slots, key)
	a.logger.Info("order slot cleared", "order_id", orderID, "state", terminalState)
}

// CancelIntent best-effort cancels the order occupying the slot for
// (marketID, side, intentType), if any.
func (a *Adapter) CancelIntent(ctx context.Context, marketID string, side coremodel.Side, intentType coremodel.IntentType) error {
	key := slotKey{marketID: marketID, token: string(side), intent: intentType}

	a.mu.Lock()
	s, ok := a.slots[key]
	a.mu.Unlock()
	if !ok {
		return nil
	}

	if err := a.venue.CancelOrders(ctx, []string{s.orderID}); err != nil {
		return fmt.Errorf("cancel %s: %w", s.orderID, err)
	}
	a.OnOrderCancelled(s.orderID)
	return nil
}

// CleanupStaleOrders evicts slots whose order was placed more than timeout
// ago with no terminal event observed, best-effort cancelling them on the
// venue first. Returns the order ids it evicted.
func (a *Adapter) CleanupStaleOrders(ctx context.Context, timeout time.Duration, now time.Time) []string {
	a.mu.Lock()
	var stale []string
	for key, s := range a.slots {
		if now.Sub(s.placedAt) > timeout {
			stale = append(stale, s.orderID)
			delete(a.slots, key)
			delete(a.byOrderID, s.orderID)
		}
	}
	a.mu.Unlock()

	for _, orderID := range stale {
		if err := a.venue.CancelOrders(ctx, []string{orderID}); err != nil {
			a.logger.Warn("stale order cancel failed", "order_id", orderID, "error", err)
		}
	}
	if len(stale) > 0 {
		a.logger.Warn("evicted stale order slots", "count", len(stale), "timeout", timeout)
	}
	return stale
}

// IsSlotOccupied reports whether (marketID, side, intentType) currently has
// an outstanding order, for callers that want to check before building an
// intent.
func (a *Adapter) IsSlotOccupied(marketID string, side coremodel.Side, intentType coremodel.IntentType) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.slots[slotKey{marketID: marketID, token: string(side), intent: intentType}]
	return ok
}

// ResolveOrder maps an order id back to the slot it occupies, so a bare
// FillEvent (which carries no intent type) can be routed to the owning
// MarketController's state machine.
func (a *Adapter) ResolveOrder(orderID string) (marketID string, side coremodel.Side, intentType coremodel.IntentType, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key, found := a.byOrderID[orderID]
	if !found {
		return "", "", "", false
	}
	return key.marketID, coremodel.Side(key.token), key.intent, true
}
