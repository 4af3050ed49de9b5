package service

import "github.com/halverson/pilot/internal/core/domain"

// allocator tracks the free share of the fixed core budget. It carries no
// lock of its own: reserve/release must happen under the scheduler mutex
// that also guards the running set, so an admit check stays atomic with
// respect to concurrent releases.
type allocator struct {
	total int
	free  int
}

func newAllocator(total int) *allocator {
	return &allocator{total: total, free: total}
}

// fits reports whether the task's request is within the currently free
// budget.
func (a *allocator) fits(t *domain.Task) bool {
	return t.Cores <= a.free
}

func (a *allocator) reserve(t *domain.Task) {
	a.free -= t.Cores
}

func (a *allocator) release(t *domain.Task) {
	a.free += t.Cores
}
