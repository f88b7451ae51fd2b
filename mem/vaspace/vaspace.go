// Package vaspace tracks which ranges of the kernel's virtual address
// space are already spoken for, answering the allocate_identity_mappable
// path's va_space.is_range_free query. Grounded on gopheros's
// EarlyReserveRegion (kernel/mem/vmm/addr_space.go), generalized from a
// bump pointer into an explicit reservation list so arbitrary ranges (not
// just the bump region's own allocations) can be queried and released.
package vaspace

import (
	"nucleusmm/kernel"
	"nucleusmm/kernel/sync"
	"nucleusmm/mem"
)

var errNoSpace = &kernel.Error{Module: "vaspace", Message: "remaining virtual address space not large enough to satisfy reservation request"}

type region struct {
	base uintptr
	size uintptr
}

// Space is a reservation tracker over one contiguous slice of the kernel's
// virtual address space, bump-allocated from the top down exactly as
// gopheros's EarlyReserveRegion does, but also recording each reservation
// so it can later be queried or released.
type Space struct {
	mu         sync.Mutex
	lastUsed   uintptr
	lowerBound uintptr
	reserved   []region
}

// New creates a Space that bump-allocates downward from top, refusing to
// go below bound.
func New(top, bound uintptr) *Space {
	return &Space{lastUsed: top, lowerBound: bound}
}

// Reserve claims a page-aligned, size-rounded-up region at the current bump
// pointer and records it, mirroring EarlyReserveRegion's allocation policy.
func (s *Space) Reserve(size mem.Size) (uintptr, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)

	s.mu.Acquire()
	defer s.mu.Release()

	if uintptr(size) > s.lastUsed-s.lowerBound {
		return 0, errNoSpace
	}
	s.lastUsed -= uintptr(size)
	s.reserved = append(s.reserved, region{base: s.lastUsed, size: uintptr(size)})
	return s.lastUsed, nil
}

// Release drops a reservation previously returned by Reserve, identified by
// its base address, making the range available to IsRangeFree again (but
// not to future Reserve calls, which never reuse bump-allocated space).
func (s *Space) Release(base uintptr) {
	s.mu.Acquire()
	defer s.mu.Release()

	for i, r := range s.reserved {
		if r.base == base {
			s.reserved = append(s.reserved[:i], s.reserved[i+1:]...)
			return
		}
	}
}

// IsRangeFree reports whether the n-page range starting at va overlaps no
// currently tracked reservation. It is the collaborator pmm.IdentitySpace
// expects for allocate_identity_mappable.
func (s *Space) IsRangeFree(va uintptr, n int) bool {
	s.mu.Acquire()
	defer s.mu.Release()

	end := va + uintptr(n)*uintptr(mem.PageSize)
	for _, r := range s.reserved {
		if va < r.base+r.size && r.base < end {
			return false
		}
	}
	return true
}
