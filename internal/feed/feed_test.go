package feed

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatchMessage_SpotTick(t *testing.T) {
	t.Parallel()
	f := NewSpotFeed("wss://example", testLogger())

	msg := []byte(`{"asset":"BTC","price":65000.5,"timestamp":"2026-07-31T00:00:00Z"}`)
	f.dispatchMessage(msg)

	select {
	case tick := <-f.SpotTicks():
		if tick.Asset != "BTC" || tick.Price != 65000.5 {
			t.Fatalf("unexpected tick: %+v", tick)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a spot tick on the channel")
	}
}

func TestDispatchMessage_BookUpdate(t *testing.T) {
	t.Parallel()
	f := NewBookFeed("wss://example", testLogger())

	msg := []byte(`{"asset_id":"tok1","bids":[{"price":0.30,"size":100}],"asks":[{"price":0.32,"size":100}],"timestamp":"2026-07-31T00:00:00Z"}`)
	f.dispatchMessage(msg)

	select {
	case update := <-f.BookUpdates():
		if update.TokenID != "tok1" || len(update.Bids) != 1 || update.Bids[0].Price != 0.30 {
			t.Fatalf("unexpected update: %+v", update)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a book update on the channel")
	}
}

func TestDispatchMessage_IgnoresUnparseableData(t *testing.T) {
	t.Parallel()
	f := NewSpotFeed("wss://example", testLogger())

	f.dispatchMessage([]byte("not json"))

	select {
	case tick := <-f.SpotTicks():
		t.Fatalf("expected no tick for unparseable data, got %+v", tick)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribe_TracksIDs(t *testing.T) {
	t.Parallel()
	f := NewBookFeed("wss://example", testLogger())

	if err := f.Subscribe([]string{"tok1", "tok2"}); err != nil {
		t.Fatalf("Subscribe with no connection should be a no-op, got error: %v", err)
	}

	f.subscribedMu.RLock()
	defer f.subscribedMu.RUnlock()
	if !f.subscribed["tok1"] || !f.subscribed["tok2"] {
		t.Fatalf("expected both ids tracked as subscribed, got %+v", f.subscribed)
	}
}

func TestUnsubscribe_RemovesIDs(t *testing.T) {
	t.Parallel()
	f := NewBookFeed("wss://example", testLogger())

	_ = f.Subscribe([]string{"tok1", "tok2"})
	_ = f.Unsubscribe([]string{"tok1"})

	f.subscribedMu.RLock()
	defer f.subscribedMu.RUnlock()
	if f.subscribed["tok1"] {
		t.Fatal("expected tok1 to be removed from subscriptions")
	}
	if !f.subscribed["tok2"] {
		t.Fatal("expected tok2 to remain subscribed")
	}
}
