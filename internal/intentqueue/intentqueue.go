// Package intentqueue implements the global bounded priority queue that
// sits between every MarketController and the single execution worker. It
// enforces capacity limits with a type-aware drop policy: safety intents
// (HEDGE/MICRO_HEDGE/UNWIND) are never rejected outright, and low-priority
// ENTRY/ACCUMULATE intents are dropped first when the queue is full.
package intentqueue

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketcore/pkg/coremodel"
)

// Config holds the static capacity limits.
type Config struct {
	MaxPendingPerMarket     int
	MaxPendingGlobal        int
	StaleIntentMaxAge       time.Duration
	QueueStressSize         int
	MaxNotionalUsdPerMarket float64 // 0 disables the per-market notional cap
}

// Stats counts cumulative queue activity for telemetry.
type Stats struct {
	Processed uint64
	Dropped   uint64
}

// Queue is the shared, priority-ordered intent queue. All mutation is
// serialized by mu; there is no re-entrant access from within a single
// operation.
type Queue struct {
	cfg Config

	mu       sync.Mutex
	items    []coremodel.Intent          // sorted by priority desc, then age asc
	byMarket map[string][]coremodel.Intent // kept in lockstep with items
	stats    Stats
}

// New builds an empty Queue.
func New(cfg Config) *Queue {
	return &Queue{
		cfg:      cfg,
		byMarket: make(map[string][]coremodel.Intent),
	}
}

// Enqueue admits an intent per the package's type-aware drop policy (safety
// intents are never rejected outright; ENTRY/ACCUMULATE are dropped first).
// It returns whether the intent was admitted, the id of anything it
// displaced (for logging), and, if rejected, the reason to surface upstream.
func (q *Queue) Enqueue(intent coremodel.Intent) (admitted bool, displacedID string, reason coremodel.SkipReason) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !intent.Type.IsSafety() && q.exceedsNotionalCapLocked(intent) {
		q.stats.Dropped++
		return false, "", coremodel.SkipFunds
	}

	marketItems := q.byMarket[intent.MarketID]
	if len(marketItems) >= q.cfg.MaxPendingPerMarket {
		if intent.Type.IsSafety() {
			if victimID, ok := q.dropOldestLowPriorityLocked(intent.MarketID); ok {
				displacedID = victimID
			}
			// Safety intents are admitted even if no victim was found.
		} else {
			q.stats.Dropped++
			return false, "", coremodel.SkipQueueStress
		}
	}

	if len(q.items) >= q.cfg.MaxPendingGlobal {
		if victimID, ok := q.dropOldestLowPriorityAnywhereLocked(); ok {
			if displacedID == "" {
				displacedID = victimID
			}
		} else if !intent.Type.IsSafety() {
			q.stats.Dropped++
			return false, "", coremodel.SkipQueueStress
		}
	}

	q.insertLocked(intent)
	return true, displacedID, ""
}

func (q *Queue) insertLocked(intent coremodel.Intent) {
	q.items = append(q.items, intent)
	q.byMarket[intent.MarketID] = append(q.byMarket[intent.MarketID], intent)
	q.sortLocked()
}

func (q *Queue) sortLocked() {
	sort.SliceStable(q.items, func(i, j int) bool {
		if q.items[i].Priority != q.items[j].Priority {
			return q.items[i].Priority > q.items[j].Priority
		}
		return q.items[i].CreatedAt.Before(q.items[j].CreatedAt)
	})
}

// dropOldestLowPriorityLocked drops the oldest ENTRY/ACCUMULATE intent in
// the given market, returning its id.
func (q *Queue) dropOldestLowPriorityLocked(marketID string) (string, bool) {
	items := q.byMarket[marketID]
	oldestIdx := -1
	for i, it := range items {
		if it.Type != coremodel.IntentEntry && it.Type != coremodel.IntentAccumulate {
			continue
		}
		if oldestIdx == -1 || it.CreatedAt.Before(items[oldestIdx].CreatedAt) {
			oldestIdx = i
		}
	}
	if oldestIdx == -1 {
		return "", false
	}
	victim := items[oldestIdx]
	q.removeLocked(victim.ID)
	q.stats.Dropped++
	return victim.ID, true
}

// dropOldestLowPriorityAnywhereLocked drops the oldest ENTRY/ACCUMULATE
// intent in any market.
func (q *Queue) dropOldestLowPriorityAnywhereLocked() (string, bool) {
	oldestIdx := -1
	for i, it := range q.items {
		if it.Type != coremodel.IntentEntry && it.Type != coremodel.IntentAccumulate {
			continue
		}
		if oldestIdx == -1 || it.CreatedAt.Before(q.items[oldestIdx].CreatedAt) {
			oldestIdx = i
		}
	}
	if oldestIdx == -1 {
		return "", false
	}
	victim := q.items[oldestIdx]
	q.removeLocked(victim.ID)
	q.stats.Dropped++
	return victim.ID, true
}

// removeLocked removes the intent with the given id from both structures.
func (q *Queue) removeLocked(id string) {
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	for marketID, items := range q.byMarket {
		for i, it := range items {
			if it.ID == id {
				q.byMarket[marketID] = append(items[:i], items[i+1:]...)
				break
			}
		}
		if len(q.byMarket[marketID]) == 0 {
			delete(q.byMarket, marketID)
		}
	}
}

// Dequeue pops the highest-priority intent (ties broken by age ascending),
// bumping the processed counter.
func (q *Queue) Dequeue() (coremodel.Intent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return coremodel.Intent{}, false
	}
	intent := q.items[0]
	q.removeLocked(intent.ID)
	q.stats.Processed++
	return intent, true
}

// PruneStaleIntents drops every intent older than StaleIntentMaxAge from
// both structures, returning how many were removed.
func (q *Queue) PruneStaleIntents(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for _, it := range append([]coremodel.Intent{}, q.items...) {
		if now.Sub(it.CreatedAt) > q.cfg.StaleIntentMaxAge {
			q.removeLocked(it.ID)
			removed++
		}
	}
	return removed
}

// IsQueueStressed reports whether the pending count has reached the
// configured stress threshold, signaling upstream to suppress
// ENTRY/ACCUMULATE.
func (q *Queue) IsQueueStressed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) >= q.cfg.QueueStressSize
}

// Len returns the current pending count.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns a copy of the cumulative counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// exceedsNotionalCapLocked reports whether admitting intent would push the
// market's already-queued notional past the configured cap. Comparisons use
// decimal.Decimal for exact cent accounting rather than accumulating
// float64 sums.
func (q *Queue) exceedsNotionalCapLocked(intent coremodel.Intent) bool {
	if q.cfg.MaxNotionalUsdPerMarket <= 0 {
		return false
	}
	total := notionalOf(intent)
	for _, it := range q.byMarket[intent.MarketID] {
		total = total.Add(notionalOf(it))
	}
	capLimit := decimal.NewFromFloat(q.cfg.MaxNotionalUsdPerMarket)
	return total.GreaterThan(capLimit)
}

func notionalOf(intent coremodel.Intent) decimal.Decimal {
	return decimal.NewFromFloat(intent.LimitPrice).Mul(decimal.NewFromFloat(intent.Quantity))
}
