package fairsurface

import (
	"testing"
	"time"

	"marketcore/pkg/coremodel"
)

func testConfig() Config {
	return Config{
		EwmaAlpha:         0.15,
		MinSamplesToTrade: 3,
		MaxFairUpAge:      5 * time.Second,
		DeltaWidthUsd:     map[string]float64{"BTC": 10},
		MaxDeltaBucket:    1000,
		TimeBucketsSec:    []int{0, 120, 240, 360, 480, 600, 720},
	}
}

func bookTop(bid, ask float64) coremodel.BookTop {
	return coremodel.BookTop{BestBid: &bid, BestAsk: &ask, Levels: 1}
}

func TestObserve_EWMAFold(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	now := time.Now()

	s.Observe("BTC", 50010, 50000, 100, bookTop(0.50, 0.52), now)
	s.Observe("BTC", 50010, 50000, 100, bookTop(0.60, 0.62), now.Add(time.Millisecond))

	key, ok := s.Key("BTC", 50010, 50000, 100)
	if !ok {
		t.Fatalf("expected key to be in range")
	}
	cell, _ := s.Lookup(key, now.Add(time.Millisecond))
	if cell.SampleCount != 2 {
		t.Fatalf("expected 2 samples, got %d", cell.SampleCount)
	}
	// first mid 0.51, second mid 0.61: fair = 0.51 + 0.15*(0.61-0.51) = 0.525
	if diff := cell.FairUp - 0.525; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected fair ~0.525, got %v", cell.FairUp)
	}
}

func TestTrusted_RequiresSamplesAndFreshness(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	now := time.Now()
	s.Observe("BTC", 50010, 50000, 100, bookTop(0.50, 0.52), now)

	key, _ := s.Key("BTC", 50010, 50000, 100)
	_, trusted := s.Lookup(key, now)
	if trusted {
		t.Fatalf("expected not trusted with only 1 sample")
	}

	s.Observe("BTC", 50010, 50000, 100, bookTop(0.50, 0.52), now)
	s.Observe("BTC", 50010, 50000, 100, bookTop(0.50, 0.52), now)
	_, trusted = s.Lookup(key, now)
	if !trusted {
		t.Fatalf("expected trusted with 3 fresh samples")
	}

	_, trusted = s.Lookup(key, now.Add(time.Minute))
	if trusted {
		t.Fatalf("expected not trusted once stale")
	}
}

func TestKey_OutOfRangeSnapshotSkipped(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	now := time.Now()
	s.Observe("BTC", 50010, 50000, 5000, bookTop(0.50, 0.52), now)

	if _, ok := s.Key("BTC", 50010, 50000, 5000); ok {
		t.Fatalf("expected out-of-range snapshot to report no key")
	}
	if len(s.Checkpoint()) != 0 {
		t.Fatalf("expected no cells written for out-of-range snapshot")
	}
}

func TestKey_DistinguishesSubDollarDeltaBuckets(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.DeltaWidthUsd = map[string]float64{"ETH": 0.05}
	s := New(cfg)

	nearKey, ok := s.Key("ETH", 3000.01, 3000.00, 100)
	if !ok {
		t.Fatalf("expected near-the-money key to be in range")
	}
	farKey, ok := s.Key("ETH", 3005.00, 3000.00, 100)
	if !ok {
		t.Fatalf("expected far-from-the-money key to be in range")
	}
	if nearKey == farKey {
		t.Fatalf("expected distinct delta buckets for |delta|=0.01 and |delta|=5.00 at a $0.05 bucket width, got %q for both", nearKey)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	now := time.Now()
	s.Observe("BTC", 50010, 50000, 100, bookTop(0.50, 0.52), now)

	ckpt := s.Checkpoint()
	restored := New(testConfig())
	restored.Restore(ckpt)

	key, _ := s.Key("BTC", 50010, 50000, 100)
	orig, _ := s.Lookup(key, now)
	got, _ := restored.Lookup(key, now)
	if orig.FairUp != got.FairUp || orig.SampleCount != got.SampleCount {
		t.Fatalf("expected restored cell to match original, got %+v vs %+v", got, orig)
	}
}
