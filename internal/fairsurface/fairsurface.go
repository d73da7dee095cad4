// Package fairsurface maintains the EWMA-bucketed empirical fair-price model:
// UP mid price as a function of |spot - strike| and time-to-expiry, keyed by
// asset. The Orchestrator owns the single shared Surface; reads are
// concurrent, writes are serialized.
package fairsurface

import (
	"fmt"
	"math"
	"sync"
	"time"

	"marketcore/pkg/coremodel"
)

// Config holds the per-surface tuning knobs.
type Config struct {
	EwmaAlpha         float64
	MinSamplesToTrade int
	MaxFairUpAge      time.Duration
	DeltaWidthUsd     map[string]float64 // per-asset bucket width, e.g. BTC: 10, ETH: 0.05
	MaxDeltaBucket    float64
	TimeBucketsSec    []int // ascending lower bounds of contiguous half-open intervals
}

// Surface is the shared fair-price model. Safe for concurrent reads; writes
// are serialized by mu.
type Surface struct {
	cfg Config

	mu    sync.RWMutex
	cells map[string]*coremodel.FairCell
}

// New builds an empty Surface.
func New(cfg Config) *Surface {
	return &Surface{
		cfg:   cfg,
		cells: make(map[string]*coremodel.FairCell),
	}
}

// Key derives the composite (asset, |delta| bucket, time bucket) cell key.
// Returns ok=false if the snapshot's time-to-expiry falls outside the
// configured bucket range — such snapshots do not update the surface.
func (s *Surface) Key(asset string, spot, strike, secondsToExpiry float64) (string, bool) {
	timeBucket, ok := s.timeBucket(secondsToExpiry)
	if !ok {
		return "", false
	}
	deltaBucket := s.deltaBucket(asset, math.Abs(spot-strike))
	return fmt.Sprintf("%s|%d|%d", asset, deltaBucket, timeBucket), true
}

func (s *Surface) deltaBucket(asset string, absDelta float64) int {
	width := s.cfg.DeltaWidthUsd[asset]
	if width <= 0 {
		width = 1
	}
	if absDelta > s.cfg.MaxDeltaBucket {
		absDelta = s.cfg.MaxDeltaBucket
	}
	return int(math.Floor(absDelta / width))
}

func (s *Surface) timeBucket(secondsToExpiry float64) (int, bool) {
	if len(s.cfg.TimeBucketsSec) == 0 {
		return 0, true
	}
	if secondsToExpiry < float64(s.cfg.TimeBucketsSec[0]) {
		return 0, false
	}
	last := s.cfg.TimeBucketsSec[len(s.cfg.TimeBucketsSec)-1]
	if secondsToExpiry >= float64(last) {
		// Still within range as long as it's below the window ceiling implied
		// by the final bucket's width (assumed equal to the preceding gap).
		if len(s.cfg.TimeBucketsSec) >= 2 {
			width := s.cfg.TimeBucketsSec[len(s.cfg.TimeBucketsSec)-1] - s.cfg.TimeBucketsSec[len(s.cfg.TimeBucketsSec)-2]
			if secondsToExpiry >= float64(last+width) {
				return 0, false
			}
		}
		return last, true
	}
	bucket := s.cfg.TimeBucketsSec[0]
	for _, b := range s.cfg.TimeBucketsSec {
		if secondsToExpiry >= float64(b) {
			bucket = b
			continue
		}
		break
	}
	return bucket, true
}

// Observe folds a qualifying snapshot's UP mid price into its cell:
// fair += alpha * (mid - fair); sample count increments; running min/max
// update. Snapshots outside the bucket range are no-ops.
func (s *Surface) Observe(asset string, spot, strike, secondsToExpiry float64, up coremodel.BookTop, now time.Time) {
	mid, ok := up.Mid()
	if !ok {
		return
	}
	key, inRange := s.Key(asset, spot, strike, secondsToExpiry)
	if !inRange {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cell, exists := s.cells[key]
	if !exists {
		cell = &coremodel.FairCell{FairUp: mid, Min: mid, Max: mid}
		s.cells[key] = cell
	} else {
		cell.FairUp += s.cfg.EwmaAlpha * (mid - cell.FairUp)
		if mid < cell.Min {
			cell.Min = mid
		}
		if mid > cell.Max {
			cell.Max = mid
		}
	}
	cell.SampleCount++
	cell.LastUpdated = now
}

// Lookup returns the fair cell for the given key and whether it is trusted
// (enough fresh samples to trade on).
func (s *Surface) Lookup(key string, now time.Time) (coremodel.FairCell, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cell, ok := s.cells[key]
	if !ok {
		return coremodel.FairCell{}, false
	}
	cp := *cell
	return cp, cp.Trusted(now, s.cfg.MinSamplesToTrade, s.cfg.MaxFairUpAge)
}

// Checkpoint returns a shallow copy of every cell, keyed by the same string
// key used internally, for persistence by internal/store.
func (s *Surface) Checkpoint() map[string]coremodel.FairCell {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]coremodel.FairCell, len(s.cells))
	for k, v := range s.cells {
		out[k] = *v
	}
	return out
}

// Restore replaces the surface's cells from a checkpoint (e.g. loaded at
// startup). Cells restored this way carry their original SampleCount and
// LastUpdated, so trust decays normally from wherever the checkpoint left
// off.
func (s *Surface) Restore(cells map[string]coremodel.FairCell) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cells = make(map[string]*coremodel.FairCell, len(cells))
	for k, v := range cells {
		cp := v
		s.cells[k] = &cp
	}
}
