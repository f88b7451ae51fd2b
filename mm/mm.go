// Package mm is the memory manager's public surface: the glue that wires
// the frame database, the page-table layer, the pager and the
// address-space object together behind the flat contract spec.md §6
// names (mm_init, alloc_pages, map, create_address_space, ...). Grounded
// on gopheros's kernel.Kmain-style single entry point, generalized into a
// package since this module, unlike its teacher, has more than one
// collaborator to start up.
package mm

import (
	"nucleusmm/kernel"
	"nucleusmm/kernel/cpu"
	"nucleusmm/kernel/kfmt"
	"nucleusmm/kernel/sync"
	"nucleusmm/mem"
	"nucleusmm/mem/addrspace"
	"nucleusmm/mem/bootinfo"
	"nucleusmm/mem/pager"
	"nucleusmm/mem/pmm"
	"nucleusmm/mem/vaspace"
	"nucleusmm/mem/vmm"
)

// ioBufferSize is the pager's preallocated writeback scratch buffer size:
// one page, matching a single frame's worth of data to copy per eviction.
const ioBufferSize = int(mem.PageSize)

// kernelVATop and kernelVAFloor bound the identity-mappable VA accounting
// region vaspace.Space bump-allocates from; both sit below the recursive
// self-map slot reserved by mem/vmm.
const (
	kernelVATop   = 0xffffff7f00000000
	kernelVAFloor = 0xffff800000000000
)

// Manager bundles every collaborator the external interface needs: the
// frame database, the kernel's own address space, the pager and the VA
// accounting used by identity-mappable allocation.
type Manager struct {
	alloc     pmm.Allocator
	kernelAS  *addrspace.AddressSpace
	pager     *pager.Pager
	vaspace   *vaspace.Space
	scratchIO []byte
}

var m *Manager

// allocatorAdapter satisfies addrspace.FrameAllocator on top of the frame
// database: AllocateContiguous never fails (it blocks/panics internally),
// so this just forwards.
type allocatorAdapter struct{ a *pmm.Allocator }

func (aa allocatorAdapter) AllocateContiguous(n int, alignPages int) pmm.Frame {
	return aa.a.AllocateContiguous(n, alignPages)
}
func (aa allocatorAdapter) Free(frame pmm.Frame, n int) { aa.a.Free(frame, n) }

// Init builds the frame database from the bootloader's memory map, brings
// up the kernel address space and starts the pager. It must be called
// exactly once, before any other entry point in this package.
func Init(bootMap *bootinfo.Map, cfg pmm.Config) *kernel.Error {
	mgr := &Manager{}

	if err := mgr.alloc.Init(bootMap, cfg); err != nil {
		return err
	}

	mgr.vaspace = vaspace.New(kernelVATop, kernelVAFloor)

	kernelAS, err := addrspace.Create(allocatorAdapter{&mgr.alloc})
	if err != nil {
		return err
	}
	mgr.kernelAS = kernelAS

	scratchIO, err2 := cpu.NewScratchBuffer(ioBufferSize)
	if err2 != nil {
		return &kernel.Error{Module: "mm", Message: "failed to reserve pager I/O buffer"}
	}
	mgr.scratchIO = scratchIO

	p := pager.New(&mgr.alloc, mgr.scratchIO, cpu.ScratchMap(0), cfg.PagerBatchSize, cfg.PagerMaxConsecutiveFailures)
	mgr.pager = p
	mgr.alloc.SetCollaborators(p, mgr.vaspace)
	go p.Run(nil)

	m = mgr
	kfmt.Printf("mm: initialized, %d pages tracked\n", mgr.alloc.TotalPages())
	return nil
}

// AllocPages allocates n non-paged frames aligned to alignPages. Never
// fails: blocks on the pager and eventually panics on true exhaustion.
func AllocPages(n, alignPages int) pmm.Frame {
	return m.alloc.AllocateContiguous(n, alignPages)
}

// AllocIdentity allocates n frames whose physical address range is also
// free in the kernel's identity-mapped VA space. May fail.
func AllocIdentity(n, alignPages int) (pmm.Frame, *kernel.Error) {
	return m.alloc.AllocateIdentityMappable(n, alignPages)
}

// FreePages releases n frames starting at frame.
func FreePages(frame pmm.Frame, n int) {
	m.alloc.Free(frame, n)
}

// EnablePaging transitions a run of frames from non-paged to pageable.
func EnablePaging(frame pmm.Frame, descriptors []pmm.Descriptor, lockInitial bool) *kernel.Error {
	return m.alloc.EnablePaging(frame, descriptors, lockInitial)
}

// LockPages bumps the lock count on n frames' descriptors.
func LockPages(frame pmm.Frame, n int) *kernel.Error {
	return m.alloc.Lock(frame, n)
}

// UnlockPages is the symmetric counterpart of LockPages.
func UnlockPages(frame pmm.Frame, n int) *kernel.Error {
	return m.alloc.Unlock(frame, n)
}

// Map installs page->frame in the kernel address space.
func Map(page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
	return m.kernelAS.Map(page, frame, flags)
}

// Unmap removes a mapping previously installed by Map.
func Unmap(page vmm.Page) *kernel.Error {
	return m.kernelAS.Unmap(page)
}

// MapIn installs page->frame in a specific address space, e.g. a user
// process's, rather than the kernel's own.
func MapIn(space *addrspace.AddressSpace, page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
	return space.Map(page, frame, flags)
}

// UnmapIn is the address-space-scoped counterpart of MapIn.
func UnmapIn(space *addrspace.AddressSpace, page vmm.Page) *kernel.Error {
	return space.Unmap(page)
}

// ChangeAccess updates the bits named by mask on n consecutive pages
// starting at page to the corresponding bits of flags, in the currently
// active page table, without touching the mapped frame.
func ChangeAccess(page vmm.Page, n int, flags, mask vmm.PageTableEntryFlag) *kernel.Error {
	return vmm.ChangeAccess(page, n, flags, mask)
}

// VirtualToPhysical translates a kernel virtual address.
func VirtualToPhysical(virtAddr uintptr) (uintptr, *kernel.Error) {
	return m.kernelAS.VirtualToPhysical(virtAddr)
}

// VirtualToPhysicalIn translates virtAddr against a specific address space.
func VirtualToPhysicalIn(space *addrspace.AddressSpace, virtAddr uintptr) (uintptr, *kernel.Error) {
	return space.VirtualToPhysical(virtAddr)
}

// CreateAddressSpace allocates a fresh user address space sharing the
// kernel's half of the top-level table.
func CreateAddressSpace() (*addrspace.AddressSpace, *kernel.Error) {
	as, err := addrspace.Create(allocatorAdapter{&m.alloc})
	if err != nil {
		return nil, err
	}
	if err := addrspace.UpdateKernelHalf(as, m.kernelAS); err != nil {
		as.Release()
		return nil, err
	}
	return as, nil
}

// DestroyAddressSpace tears down every mapping in pages and drops the
// caller's reference, per spec's destroy(space) (leaf count must already
// be zero or reachable via pages).
func DestroyAddressSpace(space *addrspace.AddressSpace, pages []vmm.Page) *kernel.Error {
	if err := space.TearDown(pages); err != nil {
		return err
	}
	space.Release()
	return nil
}

// SwitchAddressSpace activates space's page tables on cpuID.
func SwitchAddressSpace(cpuID int, space *addrspace.AddressSpace) *kernel.Error {
	return space.Switch(cpuID)
}

// ForkAddressSpace duplicates pages from as into a fresh child address
// space using copy-on-write.
func ForkAddressSpace(as *addrspace.AddressSpace, pages []vmm.Page) (*addrspace.AddressSpace, *kernel.Error) {
	return addrspace.Fork(as, pages)
}

// RequestPageout wakes the pager, asking it to try to bring total free
// frames up to targetFree.
func RequestPageout(targetFree uint64) {
	m.pager.RequestPageout(targetFree)
}

// PageoutEvent returns the event the pager pulses after making (or failing
// to make) progress on the current request.
func PageoutEvent() *sync.Event {
	return m.alloc.PagesFreedEvent()
}

// WarningEvent returns the event pulsed on every warning-level crossing.
func WarningEvent() *sync.Event {
	return &m.alloc.WarnEvent
}

// WarningLevel returns the current memory-pressure level.
func WarningLevel() pmm.WarningLevel {
	return m.alloc.WarningLevel()
}

// TotalPages returns the number of frames tracked by the database.
func TotalPages() uint64 { return m.alloc.TotalPages() }

// FreePagesCount returns the number of frames currently free.
func FreePagesCount() uint64 { return m.alloc.FreePagesCount() }

// NonpagedPages returns the number of frames in the non-paged-allocated
// state.
func NonpagedPages() uint64 { return m.alloc.NonpagedPages() }

// Stats is a point-in-time snapshot of frame-database occupancy, grounded
// on Minoca's MmGetPhysicalMemoryStatistics (original_source/kernel/mm/info.c):
// the counters the individual accessors above expose one at a time,
// gathered by one call (see Info for how consistent they are).
type Stats struct {
	Total     uint64
	Free      uint64
	NonPaged  uint64
	Allocated uint64
	Warning   pmm.WarningLevel
}

// Info returns a Stats snapshot. Each field is read independently under
// the allocator's own lock, so the numbers may be a few allocations out of
// step with each other under contention, exactly as Minoca's equivalent
// call documents.
func Info() Stats {
	return Stats{
		Total:     m.alloc.TotalPages(),
		Free:      m.alloc.FreePagesCount(),
		NonPaged:  m.alloc.NonpagedPages(),
		Allocated: m.alloc.AllocatedPages(),
		Warning:   m.alloc.WarningLevel(),
	}
}
