package execution

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"marketcore/internal/priceguard"
	"marketcore/pkg/coremodel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeVenue struct {
	book        coremodel.BookTop
	placeCalls  int
	nextOrderID int
	cancelled   []string
}

func (f *fakeVenue) ResolveTokenID(marketID string, side coremodel.Side) (string, bool) {
	return marketID + "-" + string(side), true
}

func (f *fakeVenue) GetBook(ctx context.Context, tokenID string) (coremodel.BookTop, error) {
	return f.book, nil
}

func (f *fakeVenue) PlaceOrder(ctx context.Context, req coremodel.PlaceOrderRequest) (coremodel.PlaceOrderResult, error) {
	f.placeCalls++
	f.nextOrderID++
	return coremodel.PlaceOrderResult{Success: true, OrderID: "ord-" + string(rune('0'+f.nextOrderID))}, nil
}

func (f *fakeVenue) CancelOrders(ctx context.Context, orderIDs []string) error {
	f.cancelled = append(f.cancelled, orderIDs...)
	return nil
}

func freshBook(now time.Time) coremodel.BookTop {
	bid, ask := 0.30, 0.32
	return coremodel.BookTop{BestBid: &bid, BestAsk: &ask, BidSize: 100, AskSize: 100, Levels: 1, Timestamp: now}
}

func testIntent(marketID string, side coremodel.Side, itype coremodel.IntentType) coremodel.Intent {
	return coremodel.Intent{
		ID:         "i1",
		MarketID:   marketID,
		Side:       side,
		Type:       itype,
		Quantity:   10,
		LimitPrice: 0.31,
	}
}

func TestSubmit_SingleSlotLockout(t *testing.T) {
	t.Parallel()

	now := time.Now()
	venue := &fakeVenue{book: freshBook(now)}
	guard := priceguard.New(0.01, 5000, false, 0, 0, 0)
	adapter := New(venue, guard, testLogger())

	first := testIntent("m1", coremodel.Up, coremodel.IntentEntry)
	result, failure, err := adapter.Submit(context.Background(), first, now)
	if err != nil || failure != "" {
		t.Fatalf("expected first submit to succeed, got failure=%s err=%v", failure, err)
	}
	if result.OrderID == "" {
		t.Fatalf("expected an order id from the first submit")
	}

	second := testIntent("m1", coremodel.Up, coremodel.IntentEntry)
	_, failure, err = adapter.Submit(context.Background(), second, now)
	if failure != coremodel.FailOrderInFlight {
		t.Fatalf("expected ORDER_IN_FLIGHT for the second submit to the same slot, got %s (%v)", failure, err)
	}
	if venue.placeCalls != 1 {
		t.Fatalf("expected only 1 place call, got %d", venue.placeCalls)
	}
}

func TestSubmit_SlotFreedAfterComplete(t *testing.T) {
	t.Parallel()

	now := time.Now()
	venue := &fakeVenue{book: freshBook(now)}
	guard := priceguard.New(0.01, 5000, false, 0, 0, 0)
	adapter := New(venue, guard, testLogger())

	intent := testIntent("m1", coremodel.Up, coremodel.IntentEntry)
	result, _, err := adapter.Submit(context.Background(), intent, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	adapter.OnOrderComplete(result.OrderID)
	if adapter.IsSlotOccupied("m1", coremodel.Up, coremodel.IntentEntry) {
		t.Fatalf("expected slot to be free after order completion")
	}

	_, failure, err := adapter.Submit(context.Background(), intent, now)
	if failure != "" || err != nil {
		t.Fatalf("expected a fresh submit to succeed after slot clears, got failure=%s err=%v", failure, err)
	}
	if venue.placeCalls != 2 {
		t.Fatalf("expected 2 place calls total, got %d", venue.placeCalls)
	}
}

func TestSubmit_StaleBookRejected(t *testing.T) {
	t.Parallel()

	now := time.Now()
	venue := &fakeVenue{book: freshBook(now.Add(-time.Hour))}
	guard := priceguard.New(0.01, 5000, false, 0, 0, 0)
	adapter := New(venue, guard, testLogger())

	intent := testIntent("m1", coremodel.Up, coremodel.IntentEntry)
	_, failure, err := adapter.Submit(context.Background(), intent, now)
	if failure != coremodel.FailStaleBook {
		t.Fatalf("expected STALE_BOOK, got %s (%v)", failure, err)
	}
	if venue.placeCalls != 0 {
		t.Fatalf("expected no place call on stale book rejection")
	}
}

func TestSubmit_NoCrossingRejected(t *testing.T) {
	t.Parallel()

	now := time.Now()
	venue := &fakeVenue{book: freshBook(now)}
	guard := priceguard.New(0.01, 5000, false, 0, 0, 0)
	adapter := New(venue, guard, testLogger())

	intent := testIntent("m1", coremodel.Up, coremodel.IntentEntry)
	intent.LimitPrice = 0.50 // above best ask 0.32, would cross

	_, failure, err := adapter.Submit(context.Background(), intent, now)
	if failure != coremodel.FailNoCrossingBuy {
		t.Fatalf("expected NO_CROSSING_BUY, got %s (%v)", failure, err)
	}
}

func TestCleanupStaleOrders_EvictsAndCancels(t *testing.T) {
	t.Parallel()

	now := time.Now()
	venue := &fakeVenue{book: freshBook(now)}
	guard := priceguard.New(0.01, 5000, false, 0, 0, 0)
	adapter := New(venue, guard, testLogger())

	intent := testIntent("m1", coremodel.Up, coremodel.IntentEntry)
	result, _, err := adapter.Submit(context.Background(), intent, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	evicted := adapter.CleanupStaleOrders(context.Background(), time.Minute, now.Add(2*time.Minute))
	if len(evicted) != 1 || evicted[0] != result.OrderID {
		t.Fatalf("expected stale order to be evicted, got %+v", evicted)
	}
	if len(venue.cancelled) != 1 {
		t.Fatalf("expected stale order to be cancelled on the venue, got %+v", venue.cancelled)
	}
	if adapter.IsSlotOccupied("m1", coremodel.Up, coremodel.IntentEntry) {
		t.Fatalf("expected slot freed after stale cleanup")
	}
}

func TestCancelIntent_BestEffort(t *testing.T) {
	t.Parallel()

	now := time.Now()
	venue := &fakeVenue{book: freshBook(now)}
	guard := priceguard.New(0.01, 5000, false, 0, 0, 0)
	adapter := New(venue, guard, testLogger())

	if err := adapter.CancelIntent(context.Background(), "m1", coremodel.Up, coremodel.IntentEntry); err != nil {
		t.Fatalf("expected no error cancelling an empty slot, got %v", err)
	}

	intent := testIntent("m1", coremodel.Up, coremodel.IntentEntry)
	result, _, err := adapter.Submit(context.Background(), intent, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := adapter.CancelIntent(context.Background(), "m1", coremodel.Up, coremodel.IntentEntry); err != nil {
		t.Fatalf("unexpected cancel error: %v", err)
	}
	if len(venue.cancelled) != 1 || venue.cancelled[0] != result.OrderID {
		t.Fatalf("expected the order to be cancelled on the venue, got %+v", venue.cancelled)
	}
	if adapter.IsSlotOccupied("m1", coremodel.Up, coremodel.IntentEntry) {
		t.Fatalf("expected slot freed after cancel")
	}
}
