package placement

import (
	"context"
	"sync/atomic"
)

// AtomicAllocator is an in-process IDAllocator backed by a counter. It is
// only correct for a single-process daemon (spec's solomode target); a
// multi-daemon deployment needs an allocator backed by the registry's own
// atomic counter primitive instead, which is why IDAllocator stays an
// interface rather than a concrete dependency of Placement.
type AtomicAllocator struct {
	next atomic.Uint64
}

// NewAtomicAllocator starts an allocator at start+1.
func NewAtomicAllocator(start uint64) *AtomicAllocator {
	a := &AtomicAllocator{}
	a.next.Store(start)
	return a
}

func (a *AtomicAllocator) New(ctx context.Context) (uint64, error) {
	return a.next.Add(1), nil
}

var _ IDAllocator = (*AtomicAllocator)(nil)
