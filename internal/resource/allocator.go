package resource

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Allocation is a reservation held by one execution.
type Allocation struct {
	ID        string
	TargetID  string
	Limits    Limits
	CreatedAt time.Time
}

// AllocatorStats counts allocate and release calls.
// In a quiescent system Allocated == Released.
type AllocatorStats struct {
	Allocated   uint64
	Released    uint64
	Outstanding int
}

// Allocator keeps per-target totals of outstanding reservations.
// Allocate and Release are atomic with respect to each other; releasing the
// same allocation twice is a no-op the second time.
type Allocator struct {
	mu       sync.Mutex
	live     map[string]Allocation
	inUse    map[string]Limits
	allocs   uint64
	releases uint64
}

// NewAllocator creates an empty Allocator.
func NewAllocator() *Allocator {
	return &Allocator{
		live:  make(map[string]Allocation),
		inUse: make(map[string]Limits),
	}
}

// Allocate reserves limits against targetID and returns the allocation.
func (a *Allocator) Allocate(targetID string, limits Limits) Allocation {
	alloc := Allocation{
		ID:        uuid.NewString(),
		TargetID:  targetID,
		Limits:    limits,
		CreatedAt: time.Now(),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.live[alloc.ID] = alloc
	a.inUse[targetID] = a.inUse[targetID].Add(limits)
	a.allocs++
	return alloc
}

// Release returns an allocation's resources. It reports false when the id
// is unknown or was already released.
func (a *Allocator) Release(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, ok := a.live[id]
	if !ok {
		return false
	}
	delete(a.live, id)

	remaining := a.inUse[alloc.TargetID].Sub(alloc.Limits)
	if remaining.CPU <= 0 && remaining.Memory <= 0 && remaining.GPU <= 0 {
		delete(a.inUse, alloc.TargetID)
	} else {
		a.inUse[alloc.TargetID] = remaining
	}
	a.releases++
	return true
}

// InUse returns the total outstanding reservation for targetID.
func (a *Allocator) InUse(targetID string) Limits {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse[targetID]
}

// Stats returns allocate/release counters.
func (a *Allocator) Stats() AllocatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AllocatorStats{
		Allocated:   a.allocs,
		Released:    a.releases,
		Outstanding: len(a.live),
	}
}
