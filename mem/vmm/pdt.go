package vmm

import (
	"nucleusmm/kernel"
	"nucleusmm/mem"
	"nucleusmm/mem/pmm"
	"unsafe"
)

var (
	// activePDTFn is a test seam over activePDT.
	activePDTFn = activePDT

	// switchPDTFn is a test seam over switchPDT.
	switchPDTFn = switchPDT

	// mapFn/mapTemporaryFn/unmapFn are test seams, automatically inlined
	// by the compiler in the production build.
	mapFn          = Map
	mapTemporaryFn = MapTemporary
	unmapFn        = Unmap
)

// PageDirectoryTable is the top-level table of one address space's paging
// structures, identified by the physical frame backing it.
type PageDirectoryTable struct {
	pdtFrame pmm.Frame
}

// lastEntryAddr returns the address of the last entry (511) of the PDT
// backing frame: the frame's physical address plus the entry's offset.
// Callers dereference it directly, which relies on that frame being
// identity-mapped.
func lastEntryAddr(frame pmm.Frame) uintptr {
	return frame.Address() + (((1 << pageLevelBits[0]) - 1) << mem.PointerShift)
}

// Init sets up pdtFrame as a fresh page directory table: clears its
// contents and installs the recursive self-mapping in its last entry. If
// pdtFrame is already the active PDT this is a no-op, since the table is
// assumed to already be initialized.
func (pdt *PageDirectoryTable) Init(pdtFrame pmm.Frame, allocFn FrameAllocatorFn) *kernel.Error {
	pdt.pdtFrame = pdtFrame

	if pdtFrame.Address() == activePDTFn() {
		return nil
	}

	pdtPage, err := mapTemporaryFn(pdtFrame, allocFn)
	if err != nil {
		return err
	}

	mem.Memset(pdtPage.Address(), 0, mem.PageSize)
	lastPdtEntry := (*pageTableEntry)(unsafe.Pointer(pdtPage.Address() + (((1 << pageLevelBits[0]) - 1) << mem.PointerShift)))
	*lastPdtEntry = 0
	lastPdtEntry.SetFlags(FlagPresent | FlagRW)
	lastPdtEntry.SetFrame(pdtFrame)

	unmapFn(pdtPage)
	return nil
}

// CreatePageTables allocates a frame for a brand new address space's PDT and
// initializes it, returning the PageDirectoryTable wrapping it.
func CreatePageTables(allocFn FrameAllocatorFn) (PageDirectoryTable, *kernel.Error) {
	frame, err := allocFn()
	if err != nil {
		return PageDirectoryTable{}, err
	}

	var pdt PageDirectoryTable
	if err := pdt.Init(frame, allocFn); err != nil {
		return PageDirectoryTable{}, err
	}
	return pdt, nil
}

// Frame returns the physical frame backing this PDT.
func (pdt PageDirectoryTable) Frame() pmm.Frame { return pdt.pdtFrame }

// withTemporaryActivation temporarily substitutes pdt in place of the
// active PDT's last (recursive) entry, runs fn, then restores it. It is how
// Map/Unmap reach into an inactive address space's tables.
func (pdt PageDirectoryTable) withTemporaryActivation(fn func()) {
	activePdtFrame := pmm.Frame(activePDTFn() >> mem.PageShift)
	if activePdtFrame == pdt.pdtFrame {
		fn()
		return
	}

	addr := lastEntryAddr(activePdtFrame)
	entry := (*pageTableEntry)(unsafe.Pointer(addr))
	entry.SetFrame(pdt.pdtFrame)
	flushTLBEntryFn(addr)

	fn()

	entry.SetFrame(activePdtFrame)
	flushTLBEntryFn(addr)
}

// Map establishes a page->frame mapping in this PDT, whether or not it is
// currently active.
func (pdt PageDirectoryTable) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	var err *kernel.Error
	pdt.withTemporaryActivation(func() {
		err = mapFn(page, frame, flags, allocFn)
	})
	return err
}

// Unmap removes a mapping previously installed via Map on this PDT.
func (pdt PageDirectoryTable) Unmap(page Page) *kernel.Error {
	var err *kernel.Error
	pdt.withTemporaryActivation(func() {
		err = unmapFn(page)
	})
	return err
}

// VirtualToPhysicalIn translates virtAddr against this PDT rather than the
// active one.
func (pdt PageDirectoryTable) VirtualToPhysicalIn(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		err      *kernel.Error
	)
	pdt.withTemporaryActivation(func() {
		physAddr, err = Translate(virtAddr)
	})
	return physAddr, err
}

// Activate switches the MMU to this page directory table and flushes the
// whole TLB.
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}

// CopyAndDowngrade copies the mapping of each page in pages from src into
// dst, clearing FlagRW and setting FlagCopyOnWrite on both copies so a
// write on either side triggers a private copy. Used to implement
// fork-style address space duplication. Pages not present in src are
// skipped. dst's leaf tables are preallocated as their own pass (spec's
// preallocate_leaves) before the per-page copy loop runs.
func CopyAndDowngrade(src, dst PageDirectoryTable, pages []Page, allocFn FrameAllocatorFn) *kernel.Error {
	var preallocErr *kernel.Error
	dst.withTemporaryActivation(func() {
		preallocErr = PreallocateLeaves(pages, allocFn)
	})
	if preallocErr != nil {
		return preallocErr
	}

	for _, page := range pages {
		srcPhys, err := src.VirtualToPhysicalIn(page.Address())
		if err != nil {
			continue
		}
		frame := pmm.FrameFromAddress(srcPhys &^ (uintptr(mem.PageSize) - 1))

		if err := src.downgradeToCOW(page); err != nil {
			return err
		}
		if err := dst.Map(page, frame, FlagUserAccessible|FlagCopyOnWrite, allocFn); err != nil {
			return err
		}
	}
	return nil
}

func (pdt PageDirectoryTable) downgradeToCOW(page Page) *kernel.Error {
	var err *kernel.Error
	pdt.withTemporaryActivation(func() {
		var pte *pageTableEntry
		pte, err = pteForAddress(page.Address())
		if err != nil {
			return
		}
		pte.ClearFlags(FlagRW)
		pte.SetFlags(FlagCopyOnWrite)
		flushTLBEntryFn(page.Address())
	})
	return err
}

// TearDownUser unmaps and frees every page in pages from pdt, using freeFn
// to release each backing frame. pages is walked in contiguous runs so each
// run unmaps through a single UnmapRange call (and a single cross-processor
// shootdown) instead of one per page, per spec's "frees every populated leaf
// table frame in runs for efficient free batching". It only reclaims leaf
// mappings: the page-table frames themselves are not freed, here or by
// any other function of this package, since nothing here tracks per-table
// occupancy counts.
func TearDownUser(pdt PageDirectoryTable, pages []Page, freeFn func(pmm.Frame)) *kernel.Error {
	for i := 0; i < len(pages); {
		j := i + 1
		for j < len(pages) && pages[j] == pages[j-1]+1 {
			j++
		}

		run := pages[i:j]
		var err *kernel.Error
		pdt.withTemporaryActivation(func() {
			_, err = UnmapRange(run[0], len(run), pdt.pdtFrame.Address(), freeFn)
		})
		if err != nil {
			return err
		}
		i = j
	}
	return nil
}
