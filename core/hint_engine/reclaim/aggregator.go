// Package reclaim accumulates the sectors of evicted pages so a caller can
// hand the device a batch of reclaim candidates.
package reclaim

import (
	"slices"
	"sync"

	hinttypes "github.com/sushant-115/nvmehint/core/hint_engine/hint_types"
)

// Batch is the set of sectors evicted since the previous batch.
type Batch struct {
	PageCount int
	Sectors   []hinttypes.Sector
}

// Aggregator is safe for concurrent use. Each recorded sector appears in at
// most one batch and is never dropped between batches.
type Aggregator struct {
	mu      sync.Mutex
	pending map[hinttypes.Sector]struct{}
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{pending: make(map[hinttypes.Sector]struct{})}
}

// Record marks sector as belonging to an evicted page.
func (a *Aggregator) Record(sector hinttypes.Sector) {
	if !sector.Known() {
		return
	}
	a.mu.Lock()
	a.pending[sector] = struct{}{}
	a.mu.Unlock()
}

// Forget withdraws sector because a resident page is using it again.
func (a *Aggregator) Forget(sector hinttypes.Sector) {
	a.mu.Lock()
	delete(a.pending, sector)
	a.mu.Unlock()
}

// NextBatch swaps out the accumulated sectors, sorted ascending.
func (a *Aggregator) NextBatch() Batch {
	a.mu.Lock()
	taken := a.pending
	a.pending = make(map[hinttypes.Sector]struct{}, len(taken))
	a.mu.Unlock()

	sectors := make([]hinttypes.Sector, 0, len(taken))
	for s := range taken {
		sectors = append(sectors, s)
	}
	slices.Sort(sectors)
	return Batch{PageCount: len(sectors), Sectors: sectors}
}

// Pending is the number of sectors waiting for the next batch.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
