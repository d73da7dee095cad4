package intentbuilder

import (
	"testing"
	"time"

	"marketcore/internal/config"
	"marketcore/pkg/coremodel"
)

func bookTop(bid, ask, size float64) coremodel.BookTop {
	return coremodel.BookTop{BestBid: &bid, BestAsk: &ask, AskSize: size, BidSize: size, Levels: 1, Timestamp: time.Now()}
}

func testConfig() Config {
	return Config{
		Entry: config.EntryConfig{
			EdgeEntryMin:                 0.08,
			MaxSpread:                    0.06,
			MinDepth:                     50,
			BaseShares:                   100,
			MaxShares:                    500,
			MaxNotionalUsdPerMarket:      1000,
			MaxConcurrentMarketsPerAsset: 5,
			MinSecRemaining:              30,
			MaxSecRemaining:              900,
		},
		Hedge: config.HedgeConfig{
			HedgeRatio:          1.0,
			MaxOppAsk:           0.80,
			MaxCppApprox:        1.00,
			HedgeMinShares:      1,
			HedgeMaxShares:      1000,
			MicroHedgeMinShares: 5,
			UnwindThresholdSec:  15,
		},
		Risk: config.RiskConfig{
			DegradedRiskScoreTrigger: 1e9,
		},
		Tick: 0.01,
	}
}

func fairAlways(fairUp float64, trusted bool) FairLookup {
	return func(asset string, spot, strike, secondsToExpiry float64) (coremodel.FairCell, bool) {
		return coremodel.FairCell{FairUp: fairUp, SampleCount: 10, LastUpdated: time.Now()}, trusted
	}
}

func baseSnapshot() coremodel.Snapshot {
	return coremodel.Snapshot{
		MarketID:        "m1",
		Asset:           "BTC",
		Timestamp:       time.Now(),
		SecondsToExpiry: 300,
		Strike:          50000,
		Spot:            50010,
		Up:              bookTop(0.30, 0.32, 100),
		Down:            bookTop(0.68, 0.70, 100),
		ReadyUp:         true,
		ReadyDown:       true,
	}
}

func TestBuildEntry_EdgeMet(t *testing.T) {
	t.Parallel()

	b := New(testConfig())
	in := Input{
		Snapshot: baseSnapshot(),
		Fair:     fairAlways(0.45, true), // edgeUp = 0.45 - 0.32 = 0.13 >= 0.08
		Now:      time.Now(),
	}

	res := b.Build(in)
	if len(res.Intents) != 1 {
		t.Fatalf("expected 1 entry intent, got %d", len(res.Intents))
	}
	if res.Intents[0].Type != coremodel.IntentEntry {
		t.Fatalf("expected ENTRY, got %s", res.Intents[0].Type)
	}
}

func TestBuildEntry_SuppressedWhenDegraded(t *testing.T) {
	t.Parallel()

	b := New(testConfig())
	in := Input{
		Snapshot:  baseSnapshot(),
		Inventory: coremodel.Inventory{DegradedMode: true},
		Fair:      fairAlways(0.45, true),
		Now:       time.Now(),
	}

	res := b.Build(in)
	for _, intent := range res.Intents {
		if intent.Type == coremodel.IntentEntry || intent.Type == coremodel.IntentAccumulate {
			t.Fatalf("expected no entry/accumulate intents while degraded, got %s", intent.Type)
		}
	}
}

func TestBuildEntry_SuppressedWhenQueueStressed(t *testing.T) {
	t.Parallel()

	b := New(testConfig())
	in := Input{
		Snapshot:      baseSnapshot(),
		QueueStressed: true,
		Fair:          fairAlways(0.45, true),
		Now:           time.Now(),
	}

	res := b.Build(in)
	if len(res.Intents) != 0 {
		t.Fatalf("expected no intents while queue stressed and no unpaired shares, got %d", len(res.Intents))
	}
}

func TestBuildHedge_WhenUnpaired(t *testing.T) {
	t.Parallel()

	b := New(testConfig())
	in := Input{
		Snapshot:  baseSnapshot(),
		Inventory: coremodel.Inventory{UpShares: 100, UpInvested: 25},
		Fair:      fairAlways(0.45, false),
		Now:       time.Now(),
	}

	res := b.Build(in)
	if len(res.Intents) != 1 || res.Intents[0].Type != coremodel.IntentHedge {
		t.Fatalf("expected a single HEDGE intent, got %+v", res.Intents)
	}
	if res.Intents[0].Side != coremodel.Down {
		t.Fatalf("expected hedge on DOWN (weak side), got %s", res.Intents[0].Side)
	}
}

func TestBuildHedge_PriorityBumpedNearDeadline(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Hedge.DeadlineSecRemaining = 60

	far := New(cfg)
	farSnap := baseSnapshot()
	farSnap.SecondsToExpiry = 300
	farRes := far.Build(Input{
		Snapshot:  farSnap,
		Inventory: coremodel.Inventory{UpShares: 100, UpInvested: 25},
		Fair:      fairAlways(0.45, false),
		Now:       time.Now(),
	})
	if len(farRes.Intents) != 1 {
		t.Fatalf("expected one hedge intent far from expiry, got %d", len(farRes.Intents))
	}
	farPriority := farRes.Intents[0].Priority

	near := New(cfg)
	nearSnap := baseSnapshot()
	nearSnap.SecondsToExpiry = 30
	nearRes := near.Build(Input{
		Snapshot:  nearSnap,
		Inventory: coremodel.Inventory{UpShares: 100, UpInvested: 25},
		Fair:      fairAlways(0.45, false),
		Now:       time.Now(),
	})
	if len(nearRes.Intents) != 1 {
		t.Fatalf("expected one hedge intent near deadline, got %d", len(nearRes.Intents))
	}
	if nearRes.Intents[0].Priority <= farPriority {
		t.Fatalf("expected hedge priority near the deadline (%d) to exceed priority far from it (%d)", nearRes.Intents[0].Priority, farPriority)
	}
}

func TestBuildUnwind_NearExpiry(t *testing.T) {
	t.Parallel()

	b := New(testConfig())
	snap := baseSnapshot()
	snap.SecondsToExpiry = 10

	in := Input{
		Snapshot:  snap,
		Inventory: coremodel.Inventory{UpShares: 50, UpInvested: 16},
		Fair:      fairAlways(0.45, false),
		Now:       time.Now(),
	}

	res := b.Build(in)
	if len(res.Intents) != 1 || res.Intents[0].Type != coremodel.IntentUnwind {
		t.Fatalf("expected a single UNWIND intent, got %+v", res.Intents)
	}
}

func TestBuild_IdempotentModuloIdsAndTimestamps(t *testing.T) {
	t.Parallel()

	b := New(testConfig())
	now := time.Now()
	in := Input{
		Snapshot: baseSnapshot(),
		Fair:     fairAlways(0.45, true),
		Now:      now,
	}

	res1 := b.Build(in)
	res2 := b.Build(in)
	if len(res1.Intents) != len(res2.Intents) {
		t.Fatalf("expected same intent count across identical inputs")
	}
	for i := range res1.Intents {
		a, c := res1.Intents[i], res2.Intents[i]
		if a.Type != c.Type || a.Side != c.Side || a.Quantity != c.Quantity || a.LimitPrice != c.LimitPrice {
			t.Fatalf("expected identical intents modulo id/timestamp, got %+v vs %+v", a, c)
		}
	}
}
