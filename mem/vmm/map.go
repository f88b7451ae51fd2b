package vmm

import (
	"nucleusmm/kernel"
	"nucleusmm/kernel/cpu"
	"nucleusmm/mem"
	"nucleusmm/mem/pmm"
	"unsafe"
)

var (
	// nextAddrFn lets tests override the address newly-allocated page
	// tables are cleared at.
	nextAddrFn = func(entryAddr uintptr) uintptr { return entryAddr }

	// flushTLBEntryFn is a test seam over flushTLBEntry.
	flushTLBEntryFn = flushTLBEntry

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// FrameAllocatorFn allocates a single physical frame, used to materialize
// missing page-table levels on demand.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// Map establishes a mapping from page to frame in the currently active
// address space, allocating any missing intermediate page tables via
// allocFn.
func Map(page Page, frame pmm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			var newTableFrame pmm.Frame
			if newTableFrame, err = allocFn(); err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			nextTableAddr := uintptr(unsafe.Pointer(pte)) << pageLevelBits[pteLevel+1]
			mem.Memset(nextAddrFn(nextTableAddr), 0, mem.PageSize)
		}

		return true
	})

	return err
}

// MapTemporary establishes a RW mapping of frame at a fixed scratch virtual
// address, overwriting whatever was mapped there before. Used to reach into
// page tables that are not part of the active address space.
func MapTemporary(frame pmm.Frame, allocFn FrameAllocatorFn) (Page, *kernel.Error) {
	if err := Map(PageFromAddress(tempMappingAddr), frame, FlagRW, allocFn); err != nil {
		return 0, err
	}
	return PageFromAddress(tempMappingAddr), nil
}

// Unmap removes a mapping previously installed by Map or MapTemporary.
func Unmap(page Page) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}
		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}
		return true
	})

	return err
}

// UnmapRange clears present on the leaf entries of n consecutive pages
// starting at page, collecting each page's dirty bit before the clear and
// optionally freeing the backing frame via freeFn (nil skips the free,
// e.g. when the caller only wants to know what was dirty). If anything
// changed, it issues a single cross-processor TLB shootdown against the
// whole range rather than one per page, per spec's unmap_range. pdtPhysAddr
// identifies which address space's table is being torn down, since this may
// run against a table that is not the currently active one.
func UnmapRange(page Page, n int, pdtPhysAddr uintptr, freeFn func(pmm.Frame)) ([]bool, *kernel.Error) {
	dirty := make([]bool, n)
	changed := false

	for i := 0; i < n; i++ {
		p := Page(uintptr(page) + uintptr(i))
		var (
			err       *kernel.Error
			wasMapped bool
			frame     pmm.Frame
		)

		walk(p.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
			if pteLevel == pageLevels-1 {
				if pte.HasFlags(FlagPresent) {
					dirty[i] = pte.HasFlags(FlagDirty)
					frame = pte.Frame()
					wasMapped = true
					pte.ClearFlags(FlagPresent)
					changed = true
				}
				return true
			}
			if !pte.HasFlags(FlagPresent) {
				return false
			}
			if pte.HasFlags(FlagHugePage) {
				err = errNoHugePageSupport
				return false
			}
			return true
		})
		if err != nil {
			return dirty, err
		}
		if wasMapped && freeFn != nil {
			freeFn(frame)
		}
	}

	if changed {
		cpu.BroadcastInvalidate(pdtPhysAddr, page.Address(), n)
	}
	return dirty, nil
}

// ChangeAccess updates the bits named in mask on n consecutive leaf entries
// starting at page to the corresponding bits of flags, without touching the
// mapped frame, against the currently active page table. A present-to-absent
// transition (mask includes FlagPresent, flags clears it) issues a single
// range-wide IPI broadcast rather than a local flush, since other CPUs may
// still hold a stale translation; absent-to-present and any transition that
// leaves FlagPresent unchanged only flush locally, since unmapped entries are
// never negatively cached in the TLB.
func ChangeAccess(page Page, n int, flags, mask PageTableEntryFlag) *kernel.Error {
	wentAbsent := false

	for i := 0; i < n; i++ {
		p := Page(uintptr(page) + uintptr(i))
		pte, err := pteForAddress(p.Address())
		if err != nil {
			return err
		}

		wasPresent := pte.HasFlags(FlagPresent)
		pte.ClearFlags(mask)
		pte.SetFlags(flags & mask)

		if wasPresent && !pte.HasFlags(FlagPresent) {
			wentAbsent = true
			continue
		}
		flushTLBEntryFn(p.Address())
	}

	if wentAbsent {
		cpu.BroadcastInvalidate(activePDTFn(), page.Address(), n)
	}
	return nil
}

// PreallocateLeaves allocates, via allocFn, one leaf table for each page in
// pages that does not already have one, leaving the leaf entries themselves
// not-present. Used ahead of a fork-style copy so the scattered table
// allocations happen as their own step rather than interleaved into the
// per-page copy loop (spec's preallocate_leaves).
func PreallocateLeaves(pages []Page, allocFn FrameAllocatorFn) *kernel.Error {
	for _, p := range pages {
		var err *kernel.Error

		walk(p.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
			if pteLevel == pageLevels-1 {
				return true
			}
			if pte.HasFlags(FlagHugePage) {
				err = errNoHugePageSupport
				return false
			}
			if !pte.HasFlags(FlagPresent) {
				var newTableFrame pmm.Frame
				if newTableFrame, err = allocFn(); err != nil {
					return false
				}
				*pte = 0
				pte.SetFrame(newTableFrame)
				pte.SetFlags(FlagPresent | FlagRW)

				nextTableAddr := uintptr(unsafe.Pointer(pte)) << pageLevelBits[pteLevel+1]
				mem.Memset(nextAddrFn(nextTableAddr), 0, mem.PageSize)
			}
			return true
		})

		if err != nil {
			return err
		}
	}
	return nil
}
