// Package addrspace implements the address-space object: the refcounted
// handle user-mode tasks and the kernel share to a page directory table and
// its associated bookkeeping. Grounded on gopheros's PageDirectoryTable
// together with Minoca's reference-counted MEMORY_MANAGER_CONTEXT.
package addrspace

import (
	"nucleusmm/kernel"
	"nucleusmm/kernel/cpu"
	"nucleusmm/kernel/sync"
	"nucleusmm/mem/pmm"
	"nucleusmm/mem/vmm"
)

var (
	// ErrDestroyed is returned by any operation on an address space whose
	// reference count already reached zero.
	ErrDestroyed = &kernel.Error{Module: "addrspace", Message: "address space already destroyed"}
)

// FrameAllocator is the subset of pmm.Allocator the address-space layer
// needs to grow or shrink its paging structures.
type FrameAllocator interface {
	AllocateContiguous(n int, alignPages int) pmm.Frame
	Free(frame pmm.Frame, n int)
}

// DescriptorReassigner is the subset of pmm.Allocator needed to migrate a
// pageable frame's descriptor from one image section to another.
type DescriptorReassigner interface {
	ReassignDescriptor(frame pmm.Frame, newDescriptor pmm.Descriptor) *kernel.Error
}

// Section is the minimal reference-counting contract MigratePagingDescriptors
// needs from the image-section collaborator on both sides of the move.
type Section interface {
	AddRef()
	Release()
}

// AddressSpace is one process's (or the kernel's) view of virtual memory: a
// page directory table plus the accounting the pager and scheduler need.
// Every exported method is safe for concurrent use.
type AddressSpace struct {
	mu sync.Mutex

	pdt vmm.PageDirectoryTable

	refCount    int
	residentSet uint64 // pages currently mapped, for RSS reporting
	leafTables  uint64 // number of allocated non-top-level page tables

	destroyed bool

	alloc FrameAllocator
}

// Create allocates a fresh page directory table and returns an address
// space with a single reference held by the caller.
func Create(alloc FrameAllocator) (*AddressSpace, *kernel.Error) {
	allocFn := func() (pmm.Frame, *kernel.Error) {
		f := alloc.AllocateContiguous(1, 1)
		if !f.Valid() {
			return pmm.InvalidFrame, &kernel.Error{Module: "addrspace", Message: "out of memory creating page tables"}
		}
		return f, nil
	}

	pdt, err := vmm.CreatePageTables(allocFn)
	if err != nil {
		return nil, err
	}

	return &AddressSpace{pdt: pdt, refCount: 1, leafTables: 0, alloc: alloc}, nil
}

// AddRef increments the reference count, e.g. when a second thread joins a
// process sharing this address space.
func (as *AddressSpace) AddRef() *kernel.Error {
	as.mu.Acquire()
	defer as.mu.Release()
	if as.destroyed {
		return ErrDestroyed
	}
	as.refCount++
	return nil
}

// Release drops a reference, destroying and freeing the page directory
// table's top-level frame once the count reaches zero. Per-page teardown of
// whatever is still mapped is the caller's responsibility (via TearDown)
// before the last reference is dropped.
func (as *AddressSpace) Release() {
	as.mu.Acquire()
	defer as.mu.Release()
	if as.destroyed {
		return
	}
	as.refCount--
	if as.refCount > 0 {
		return
	}
	as.destroyed = true
	as.alloc.Free(as.pdt.Frame(), 1)
}

// RefCount returns the current reference count.
func (as *AddressSpace) RefCount() int {
	as.mu.Acquire()
	defer as.mu.Release()
	return as.refCount
}

// ResidentSetSize returns the number of pages currently mapped in this
// address space.
func (as *AddressSpace) ResidentSetSize() uint64 {
	as.mu.Acquire()
	defer as.mu.Release()
	return as.residentSet
}

// LeafTableCount returns the number of allocated non-top-level page tables,
// an approximation of this address space's own paging overhead.
func (as *AddressSpace) LeafTableCount() uint64 {
	as.mu.Acquire()
	defer as.mu.Release()
	return as.leafTables
}

// TearDown unmaps and frees every page in pages, decrementing the resident
// set accordingly. Intended to be called once before the final Release.
func (as *AddressSpace) TearDown(pages []vmm.Page) *kernel.Error {
	as.mu.Acquire()
	defer as.mu.Release()
	if as.destroyed {
		return ErrDestroyed
	}

	freeFn := func(f pmm.Frame) { as.alloc.Free(f, 1) }
	if err := vmm.TearDownUser(as.pdt, pages, freeFn); err != nil {
		return err
	}
	if n := uint64(len(pages)); n <= as.residentSet {
		as.residentSet -= n
	} else {
		as.residentSet = 0
	}
	return nil
}

// Map installs a page->frame mapping in this address space and bumps the
// resident set counter.
func (as *AddressSpace) Map(page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
	as.mu.Acquire()
	defer as.mu.Release()
	if as.destroyed {
		return ErrDestroyed
	}

	allocFn := func() (pmm.Frame, *kernel.Error) {
		f := as.alloc.AllocateContiguous(1, 1)
		if !f.Valid() {
			return pmm.InvalidFrame, &kernel.Error{Module: "addrspace", Message: "out of memory growing page tables"}
		}
		as.leafTables++
		return f, nil
	}

	if err := as.pdt.Map(page, frame, flags, allocFn); err != nil {
		return err
	}
	as.residentSet++
	return nil
}

// Unmap removes a mapping previously installed via Map.
func (as *AddressSpace) Unmap(page vmm.Page) *kernel.Error {
	as.mu.Acquire()
	defer as.mu.Release()
	if as.destroyed {
		return ErrDestroyed
	}
	if err := as.pdt.Unmap(page); err != nil {
		return err
	}
	if as.residentSet > 0 {
		as.residentSet--
	}
	return nil
}

// VirtualToPhysical translates virtAddr against this address space, whether
// or not it is currently active on any CPU.
func (as *AddressSpace) VirtualToPhysical(virtAddr uintptr) (uintptr, *kernel.Error) {
	as.mu.Acquire()
	defer as.mu.Release()
	if as.destroyed {
		return 0, ErrDestroyed
	}
	return as.pdt.VirtualToPhysicalIn(virtAddr)
}

// Switch activates this address space's page directory table on cpuID.
func (as *AddressSpace) Switch(cpuID int) *kernel.Error {
	as.mu.Acquire()
	defer as.mu.Release()
	if as.destroyed {
		return ErrDestroyed
	}
	cpu.SwitchPDT(cpuID, as.pdt.Frame().Address())
	return nil
}

// Fork duplicates every page in pages from as into a freshly created child
// address space using copy-on-write, per the fork contract: both parent and
// child end up with read-only, COW-flagged mappings until either side
// writes and faults in a private copy.
func Fork(as *AddressSpace, pages []vmm.Page) (*AddressSpace, *kernel.Error) {
	as.mu.Acquire()
	defer as.mu.Release()
	if as.destroyed {
		return nil, ErrDestroyed
	}

	child, err := Create(as.alloc)
	if err != nil {
		return nil, err
	}

	allocFn := func() (pmm.Frame, *kernel.Error) {
		f := as.alloc.AllocateContiguous(1, 1)
		if !f.Valid() {
			return pmm.InvalidFrame, &kernel.Error{Module: "addrspace", Message: "out of memory during fork"}
		}
		child.leafTables++
		return f, nil
	}

	if err := vmm.CopyAndDowngrade(as.pdt, child.pdt, pages, allocFn); err != nil {
		child.Release()
		return nil, err
	}
	child.residentSet = uint64(len(pages))
	return child, nil
}

// UpdateKernelHalf copies the kernel-half top-level entries from src into
// dst, so that a freshly created address space immediately shares the
// kernel's global mappings without re-walking every page table.
func UpdateKernelHalf(dst, src *AddressSpace) *kernel.Error {
	dst.mu.Acquire()
	defer dst.mu.Release()
	if dst.destroyed {
		return ErrDestroyed
	}

	allocFn := func() (pmm.Frame, *kernel.Error) {
		return pmm.InvalidFrame, &kernel.Error{Module: "addrspace", Message: "kernel half must not require new tables"}
	}
	for _, page := range kernelHalfTopLevelPages() {
		phys, err := src.pdt.VirtualToPhysicalIn(page.Address())
		if err != nil {
			continue
		}
		if err := dst.pdt.Map(page, pmm.FrameFromAddress(phys), vmm.FlagRW|vmm.FlagGlobal, allocFn); err != nil {
			return err
		}
	}
	return nil
}

// MigratePagingDescriptors reassigns the paging descriptors of the n frames
// mapped starting at va in as from oldSection to newSection, one descriptor
// per page, under the frame database's own lock (taken per-frame inside
// reassigner). oldSection loses one reference and newSection gains one for
// every relocated page.
func MigratePagingDescriptors(as *AddressSpace, reassigner DescriptorReassigner, oldSection, newSection Section, newDescriptors []pmm.Descriptor, va uintptr, n int) *kernel.Error {
	as.mu.Acquire()
	defer as.mu.Release()
	if as.destroyed {
		return ErrDestroyed
	}
	if len(newDescriptors) != n {
		return &kernel.Error{Module: "addrspace", Message: "descriptor count does not match page count"}
	}

	start := vmm.PageFromAddress(va)
	for i := 0; i < n; i++ {
		page := vmm.Page(uintptr(start) + uintptr(i))
		phys, err := as.pdt.VirtualToPhysicalIn(page.Address())
		if err != nil {
			return err
		}
		frame := pmm.FrameFromAddress(phys)
		if err := reassigner.ReassignDescriptor(frame, newDescriptors[i]); err != nil {
			return err
		}
		newSection.AddRef()
		oldSection.Release()
	}
	return nil
}

// kernelHalfTopLevelPages enumerates the canonical page addresses whose
// top-level index selects one of the kernel-reserved top-level entries
// (256-511 on amd64), one probe page per entry.
func kernelHalfTopLevelPages() []vmm.Page {
	const (
		topLevelShift = 39
		kernelStart   = 256
		kernelEnd     = 511
	)
	pages := make([]vmm.Page, 0, kernelEnd-kernelStart+1)
	for idx := uint64(kernelStart); idx <= kernelEnd; idx++ {
		// Sign-extend bit 47 so the address is canonical.
		pages = append(pages, vmm.PageFromAddress(uintptr(0xffff000000000000|idx<<topLevelShift)))
	}
	return pages
}
