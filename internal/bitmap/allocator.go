package bitmap

import (
	"github.com/sirupsen/logrus"

	"github.com/onuse/moses/internal/types"
)

var log = logrus.WithField("component", "allocator")

// AllocationHint biases where the allocator searches first.
type AllocationHint struct {
	// Group pins the search's starting group; nil starts at the goal's group.
	Group *uint32

	// GoalBlock is the preferred absolute block, typically the file's
	// current last block so extensions stay contiguous.
	GoalBlock *uint64

	// IsDirectory selects the directory spreading policy.
	IsDirectory bool

	// LastAllocated is a rotating cursor maintained by the caller to avoid
	// rescanning exhausted regions on repeated allocations.
	LastAllocated uint64
}

// GroupState is the per-group view the allocator operates on. The owner
// (filesystem writer) keeps the bitmaps synchronized with its transaction.
type GroupState struct {
	Bitmap    *Bitmap
	FirstUnit uint64 // absolute number of the group's first block/inode
	Free      uint64
}

// Allocator performs two-level (group, then bit) searches over a set of
// group bitmaps. It works for blocks, clusters, inodes and MFT records
// alike; only the owner's interpretation of the unit differs.
type Allocator struct {
	groups []GroupState
	// OnAllocate is invoked for every successful allocation so the owner
	// can record it in its transaction or recovery guard.
	OnAllocate func(unit uint64)
	// OnFree mirrors OnAllocate for deallocations.
	OnFree func(unit uint64)
}

// NewAllocator wraps the given group states.
func NewAllocator(groups []GroupState) *Allocator {
	return &Allocator{groups: groups}
}

// Groups exposes the group table for counter reconciliation.
func (a *Allocator) Groups() []GroupState { return a.groups }

// FreeUnits sums the free counters across all groups.
func (a *Allocator) FreeUnits() uint64 {
	var total uint64
	for i := range a.groups {
		total += a.groups[i].Free
	}
	return total
}

func (a *Allocator) groupOf(unit uint64) int {
	for i := len(a.groups) - 1; i >= 0; i-- {
		if unit >= a.groups[i].FirstUnit {
			return i
		}
	}
	return 0
}

// Allocate finds one free unit honoring the hint's preference order: the
// goal itself, the goal's neighbourhood, the goal's group, then every other
// group. Directory allocations go to the group with the best ratio of free
// units to group size instead of clustering near the goal.
func (a *Allocator) Allocate(hint AllocationHint) (uint64, error) {
	if len(a.groups) == 0 {
		return 0, types.E(types.KindOutOfSpace, "allocate")
	}
	if hint.IsDirectory {
		if unit, ok := a.allocateSpread(); ok {
			return unit, nil
		}
		return 0, types.E(types.KindOutOfSpace, "allocate")
	}

	startGroup := 0
	localHint := hint.LastAllocated
	if hint.GoalBlock != nil {
		goal := *hint.GoalBlock
		startGroup = a.groupOf(goal)
		g := &a.groups[startGroup]
		rel := goal - g.FirstUnit
		// Exact goal, then the clusters directly after it.
		for probe := rel; probe < rel+8; probe++ {
			if !g.Bitmap.IsSet(probe) {
				return a.take(startGroup, probe), nil
			}
		}
		localHint = rel
	}
	if hint.Group != nil && int(*hint.Group) < len(a.groups) {
		startGroup = int(*hint.Group)
	}

	for n := 0; n < len(a.groups); n++ {
		gi := (startGroup + n) % len(a.groups)
		g := &a.groups[gi]
		if g.Free == 0 {
			continue
		}
		h := uint64(0)
		if n == 0 {
			h = localHint
		}
		if bit, ok := g.Bitmap.FindFirstClearFrom(h); ok {
			return a.take(gi, bit), nil
		}
	}
	return 0, types.E(types.KindOutOfSpace, "allocate")
}

// allocateSpread applies the Orlov-style policy: pick the group with the
// highest ratio of free units to group size, so directories land away from
// large-file groups.
func (a *Allocator) allocateSpread() (uint64, bool) {
	best := -1
	var bestFree, bestLen uint64
	for i := range a.groups {
		free, n := a.groups[i].Free, a.groups[i].Bitmap.Len()
		if free == 0 || n == 0 {
			continue
		}
		if best < 0 || free*bestLen > bestFree*n {
			best, bestFree, bestLen = i, free, n
		}
	}
	if best < 0 {
		return 0, false
	}
	bit, ok := a.groups[best].Bitmap.FindFirstClearFrom(0)
	if !ok {
		return 0, false
	}
	return a.take(best, bit), true
}

// AllocateRun finds count contiguous units within a single group.
func (a *Allocator) AllocateRun(hint AllocationHint, count uint64) (uint64, error) {
	startGroup := 0
	if hint.GoalBlock != nil {
		startGroup = a.groupOf(*hint.GoalBlock)
	}
	for n := 0; n < len(a.groups); n++ {
		gi := (startGroup + n) % len(a.groups)
		g := &a.groups[gi]
		if g.Free < count {
			continue
		}
		if start, ok := g.Bitmap.FindClearRun(0, count); ok {
			for i := uint64(0); i < count; i++ {
				a.take(gi, start+i)
			}
			return g.FirstUnit + start, nil
		}
	}
	return 0, types.E(types.KindOutOfSpace, "allocate_run")
}

func (a *Allocator) take(gi int, bit uint64) uint64 {
	g := &a.groups[gi]
	g.Bitmap.Set(bit)
	g.Free--
	unit := g.FirstUnit + bit
	if a.OnAllocate != nil {
		a.OnAllocate(unit)
	}
	log.WithFields(logrus.Fields{"group": gi, "unit": unit}).Debug("allocated unit")
	return unit
}

// Free clears the unit's bit and bumps the group counter. Freeing an
// already-free unit is a caller bug and reports CorruptMetadata.
func (a *Allocator) Free(unit uint64) error {
	gi := a.groupOf(unit)
	g := &a.groups[gi]
	bit := unit - g.FirstUnit
	if !g.Bitmap.IsSet(bit) {
		return types.E(types.KindCorruptMetadata, "free")
	}
	g.Bitmap.Clear(bit)
	g.Free++
	if a.OnFree != nil {
		a.OnFree(unit)
	}
	return nil
}
