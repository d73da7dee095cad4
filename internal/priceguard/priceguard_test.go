package priceguard

import (
	"testing"
	"time"

	"marketcore/pkg/coremodel"
)

func bookTop(bid, ask float64, ts time.Time) coremodel.BookTop {
	return coremodel.BookTop{BestBid: &bid, BestAsk: &ask, Levels: 1, Timestamp: ts}
}

func TestValidate_MakerPriceEnforcement(t *testing.T) {
	t.Parallel()

	now := time.Now()
	book := bookTop(0.42, 0.45, now)
	g := New(0.01, 500, false, 0, 0, 0)

	if _, reason, err := g.Validate(coremodel.Buy, 0.50, book, now); err == nil || reason != coremodel.FailNoCrossingBuy {
		t.Fatalf("expected NO_CROSSING_BUY, got reason=%q err=%v", reason, err)
	}

	price, reason, err := g.Validate(coremodel.Buy, 0.44, book, now)
	if err != nil {
		t.Fatalf("expected 0.44 to be accepted, got reason=%q err=%v", reason, err)
	}
	if price != 0.44 {
		t.Fatalf("expected rounded price 0.44, got %v", price)
	}
}

func TestValidate_StaleBook(t *testing.T) {
	t.Parallel()

	now := time.Now()
	book := bookTop(0.40, 0.45, now.Add(-time.Second))
	g := New(0.01, 500, false, 0, 0, 0)

	if _, reason, err := g.Validate(coremodel.Buy, 0.41, book, now); err == nil || reason != coremodel.FailStaleBook {
		t.Fatalf("expected STALE_BOOK, got reason=%q err=%v", reason, err)
	}
}

func TestValidate_CrossedBookRejected(t *testing.T) {
	t.Parallel()

	now := time.Now()
	book := bookTop(0.50, 0.45, now)
	g := New(0.01, 500, false, 0, 0, 0)

	if _, reason, err := g.Validate(coremodel.Buy, 0.40, book, now); err == nil || reason != coremodel.FailInvalidBook {
		t.Fatalf("expected INVALID_BOOK, got reason=%q err=%v", reason, err)
	}
}

func TestValidate_RoundsDownForBuyUpForSell(t *testing.T) {
	t.Parallel()

	now := time.Now()
	book := bookTop(0.10, 0.90, now)
	g := New(0.01, 500, false, 0, 0, 0)

	price, _, err := g.Validate(coremodel.Buy, 0.423, book, now)
	if err != nil || price != 0.42 {
		t.Fatalf("buy round-down: price=%v err=%v", price, err)
	}

	price, _, err = g.Validate(coremodel.Sell, 0.427, book, now)
	if err != nil || price != 0.43 {
		t.Fatalf("sell round-up: price=%v err=%v", price, err)
	}
}

func TestValidateEmergencyCross(t *testing.T) {
	t.Parallel()

	now := time.Now()
	book := bookTop(0.40, 0.45, now)
	g := New(0.01, 500, true, 30, 5, 0)

	if _, _, err := g.ValidateEmergencyCross(coremodel.Buy, 0.48, book, 20, now); err != nil {
		t.Fatalf("expected emergency cross within bound to succeed: %v", err)
	}
	if _, reason, err := g.ValidateEmergencyCross(coremodel.Buy, 0.70, book, 20, now); err == nil || reason != coremodel.FailNoCrossingBuy {
		t.Fatalf("expected emergency cross beyond bound to fail, got reason=%q err=%v", reason, err)
	}
	if _, _, err := g.ValidateEmergencyCross(coremodel.Buy, 0.48, book, 60, now); err == nil {
		t.Fatalf("expected emergency cross to be rejected outside the exit window")
	}
}

func TestValidateEmergencyCross_RateLimited(t *testing.T) {
	t.Parallel()

	now := time.Now()
	book := bookTop(0.40, 0.45, now)
	g := New(0.01, 500, true, 30, 5, 1000)

	if _, _, err := g.ValidateEmergencyCross(coremodel.Buy, 0.48, book, 20, now); err != nil {
		t.Fatalf("expected first emergency cross to succeed: %v", err)
	}
	if _, reason, err := g.ValidateEmergencyCross(coremodel.Buy, 0.48, book, 20, now.Add(500*time.Millisecond)); err == nil || reason != coremodel.FailRateLimited {
		t.Fatalf("expected a cross within the rate-limit window to be rejected, got reason=%q err=%v", reason, err)
	}
	if _, _, err := g.ValidateEmergencyCross(coremodel.Buy, 0.48, book, 20, now.Add(2*time.Second)); err != nil {
		t.Fatalf("expected a cross after the rate-limit window to succeed: %v", err)
	}
}

func TestValidate_RawNaN(t *testing.T) {
	t.Parallel()

	now := time.Now()
	book := bookTop(0.40, 0.45, now)
	g := New(0.01, 500, false, 0, 0, 0)

	nan := 0.0
	nan = nan / nan
	if _, reason, err := g.Validate(coremodel.Buy, nan, book, now); err == nil || reason != coremodel.FailRawNaN {
		t.Fatalf("expected RAW_NAN, got reason=%q err=%v", reason, err)
	}
}
