package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"marketcore/internal/breaker"
	"marketcore/internal/controller"
	"marketcore/internal/execution"
	"marketcore/internal/fairsurface"
	"marketcore/internal/intentbuilder"
	"marketcore/internal/intentqueue"
	"marketcore/internal/inventory"
	"marketcore/internal/priceguard"
	"marketcore/internal/readiness"
	"marketcore/pkg/coremodel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	events []coremodel.Event
}

func (s *recordingSink) Emit(e coremodel.Event) {
	s.events = append(s.events, e)
}

func (s *recordingSink) count(t coremodel.EventType) int {
	n := 0
	for _, e := range s.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type fakeVenue struct {
	book      coremodel.BookTop
	orderSeq  int
	cancelled []string
}

func (f *fakeVenue) ResolveTokenID(marketID string, side coremodel.Side) (string, bool) {
	return marketID + "-" + string(side), true
}

func (f *fakeVenue) GetBook(ctx context.Context, tokenID string) (coremodel.BookTop, error) {
	return f.book, nil
}

func (f *fakeVenue) PlaceOrder(ctx context.Context, req coremodel.PlaceOrderRequest) (coremodel.PlaceOrderResult, error) {
	f.orderSeq++
	return coremodel.PlaceOrderResult{Success: true, OrderID: "ord-1"}, nil
}

func (f *fakeVenue) CancelOrders(ctx context.Context, orderIDs []string) error {
	f.cancelled = append(f.cancelled, orderIDs...)
	return nil
}

func freshBook(now time.Time) coremodel.BookTop {
	bid, ask := 0.30, 0.32
	return coremodel.BookTop{BestBid: &bid, BestAsk: &ask, BidSize: 100, AskSize: 100, Levels: 1, Timestamp: now}
}

func testIntent(marketID string, itype coremodel.IntentType) coremodel.Intent {
	return coremodel.Intent{
		ID: "i1", MarketID: marketID, Side: coremodel.Up, Type: itype,
		Priority: itype.DefaultPriority(), Quantity: 10, LimitPrice: 0.31,
	}
}

func newTestOrchestrator(now time.Time) (*Orchestrator, *intentqueue.Queue, *breaker.Breaker, *fakeVenue, *recordingSink) {
	sink := &recordingSink{}
	venue := &fakeVenue{book: freshBook(now)}
	guard := priceguard.New(0.01, 5000, false, 0, 0, 0)
	adapter := execution.New(venue, guard, testLogger())
	queue := intentqueue.New(intentqueue.Config{MaxPendingPerMarket: 10, MaxPendingGlobal: 10, StaleIntentMaxAge: time.Minute})
	brk := breaker.New(breaker.Config{FailuresPerMin: 10, Window: time.Minute, AutoReset: 5 * time.Minute}, sink, testLogger())
	surface := fairsurface.New(fairsurface.Config{EwmaAlpha: 0.1, MinSamplesToTrade: 1, MaxFairUpAge: time.Hour})
	gate := readiness.New(readiness.Config{MinLevels: 1, MaxSnapshotAge: time.Second, ParkMaxAge: time.Minute})

	o := New(Config{HousekeepingInterval: time.Second, StaleOrderTimeout: time.Minute}, queue, brk, surface, gate, adapter, sink, testLogger())
	return o, queue, brk, venue, sink
}

func TestDrainOnce_CircuitOpenDropsEntry(t *testing.T) {
	t.Parallel()

	now := time.Now()
	o, queue, brk, venue, sink := newTestOrchestrator(now)

	for i := 0; i < 10; i++ {
		brk.RecordFailure(now)
	}
	if !brk.IsCircuitOpen(now) {
		t.Fatalf("expected breaker to be open after 10 failures")
	}

	queue.Enqueue(testIntent("m1", coremodel.IntentEntry))
	o.drainOnce(context.Background())

	if venue.orderSeq != 0 {
		t.Fatalf("expected no order placed while circuit is open, got %d", venue.orderSeq)
	}
	if sink.count(coremodel.EventActionSkipped) != 1 {
		t.Fatalf("expected 1 ACTION_SKIPPED event, got %d", sink.count(coremodel.EventActionSkipped))
	}
}

func TestDrainOnce_CircuitOpenStillAttemptsHedge(t *testing.T) {
	t.Parallel()

	now := time.Now()
	o, queue, brk, venue, _ := newTestOrchestrator(now)

	for i := 0; i < 10; i++ {
		brk.RecordFailure(now)
	}

	queue.Enqueue(testIntent("m1", coremodel.IntentHedge))
	o.drainOnce(context.Background())

	if venue.orderSeq != 1 {
		t.Fatalf("expected a hedge intent to still attempt submission through an open circuit, got %d orders", venue.orderSeq)
	}
}

func TestDrainOnce_SuccessRecordsBreakerSuccess(t *testing.T) {
	t.Parallel()

	now := time.Now()
	o, queue, brk, _, sink := newTestOrchestrator(now)

	queue.Enqueue(testIntent("m1", coremodel.IntentEntry))
	o.drainOnce(context.Background())

	if sink.count(coremodel.EventOrderSubmitted) != 1 {
		t.Fatalf("expected an ORDER_SUBMITTED event, got %d", sink.count(coremodel.EventOrderSubmitted))
	}
	if brk.Status().TotalSuccesses != 1 {
		t.Fatalf("expected breaker success count 1, got %d", brk.Status().TotalSuccesses)
	}
}

func TestRouteFill_AppliesToOwningController(t *testing.T) {
	t.Parallel()

	now := time.Now()
	o, queue, _, _, sink := newTestOrchestrator(now)

	market := coremodel.MarketDescriptor{ID: "m1", Asset: "BTC", UpTokenID: "u", DownTokenID: "d", StartTime: now, EndTime: now.Add(time.Hour)}
	builder := intentbuilder.New(intentbuilder.Config{})
	c := controller.New(market, inventory.RiskConfig{}, readiness.New(readiness.Config{MinLevels: 1, MaxSnapshotAge: time.Second, ParkMaxAge: time.Minute}), fairsurface.New(fairsurface.Config{EwmaAlpha: 0.1, MinSamplesToTrade: 1, MaxFairUpAge: time.Hour}), builder, queue, sink, o.ActiveMarketsCounter("m1"), testLogger())
	o.RegisterMarket("m1", "BTC", c)

	queue.Enqueue(testIntent("m1", coremodel.IntentEntry))
	o.drainOnce(context.Background())

	o.RouteFill(coremodel.FillEvent{OrderID: "ord-1", FillQty: 10, FillPrice: 0.31, Ts: now})

	if c.State() != coremodel.StateHasEntry {
		t.Fatalf("expected owning controller to reach HAS_ENTRY after fill routing, got %s", c.State())
	}
}
