package slots

import (
	"sync"

	"github.com/G-Research/gridmerge/internal/common/griderrors"
)

// Free marks a slot that is not bound to any projection.
const Free = -1

// SlotPool bounds the number of projections that can be mid-merge at once.
// Each slot is either Free or holds the projection it is bound to.
type SlotPool struct {
	bindings []int
	mu       sync.Mutex
}

func NewSlotPool(capacity int) (*SlotPool, error) {
	if capacity < 1 {
		return nil, &griderrors.ErrInvalidArgument{Name: "capacity", Value: capacity, Message: "must be at least 1"}
	}
	bindings := make([]int, capacity)
	for i := range bindings {
		bindings[i] = Free
	}
	return &SlotPool{bindings: bindings}, nil
}

// TryAcquire returns the slot bound to projection, binding the lowest free slot if the projection has none.
// ok is false when the pool is full. It never blocks.
func (p *SlotPool) TryAcquire(projection int) (slot int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	free := -1
	for i, bound := range p.bindings {
		if bound == projection {
			return i, true
		}
		if bound == Free && free < 0 {
			free = i
		}
	}
	if free < 0 {
		return -1, false
	}
	p.bindings[free] = projection
	return free, true
}

// Release frees the slot bound to projection. Releasing an unbound projection does nothing.
func (p *SlotPool) Release(projection int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, bound := range p.bindings {
		if bound == projection {
			p.bindings[i] = Free
			return
		}
	}
}

func (p *SlotPool) SlotOf(projection int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, bound := range p.bindings {
		if bound == projection {
			return i, true
		}
	}
	return -1, false
}

// Bound returns the number of slots currently in use.
func (p *SlotPool) Bound() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, bound := range p.bindings {
		if bound != Free {
			n++
		}
	}
	return n
}

func (p *SlotPool) Capacity() int {
	return len(p.bindings)
}
