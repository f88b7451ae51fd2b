// Package section defines the image-section collaborator contract the
// frame database and pager consume: the entity that owns a pageable
// frame's backing store and is responsible for writing it back on
// eviction. gopheros has no analogue (it never implements demand paging);
// this package is grounded directly on the contract spec.md §6 names and
// on Minoca's IMAGE_SECTION/page-out plumbing (original_source/kernel/mm).
package section

import (
	"nucleusmm/kernel"
	"nucleusmm/mem/pmm"

	"golang.org/x/sync/semaphore"
)

// ErrResourceInUse is the transient failure page_out may return when the
// frame is momentarily pinned by something other than the pager (e.g. an
// in-flight I/O against the same section). The pager retries past it
// without counting it against its consecutive-failure budget.
var ErrResourceInUse = &kernel.Error{Module: "section", Message: "resource in use"}

// Section is the full contract a pageable frame's owner must satisfy. It
// embeds pmm.Section so that any concrete Section also satisfies the frame
// database's narrower consumer-side view.
type Section interface {
	pmm.Section

	// PageOut writes desc's frame back to this section's backing store
	// at offset and unmaps it from every address space that shared it,
	// using ioBuf as scratch I/O buffer space and scratchVA as the
	// per-CPU virtual address the pager may use to read the frame's
	// contents before handing it to the backing store.
	PageOut(desc *PagingDescriptor, offset uint64, frame pmm.Frame, ioBuf []byte, scratchVA uintptr) *kernel.Error

	// AddRef increments the section's reference count.
	AddRef()

	// Release decrements the section's reference count, destroying the
	// section once it reaches zero.
	Release()
}

// PagingDescriptor is the per-frame metadata a Section attaches to each of
// its pageable frames: which section and offset the frame backs, whether
// the pager currently owns it, and how many times it has been locked down
// (kept non-zero by lock_pages callers that must not be evicted).
type PagingDescriptor struct {
	sect      Section
	offset    uint64
	pagingOut bool
	lockCount uint8
	lockSem   *semaphore.Weighted
}

const maxLockCount = 1<<4 - 1 // 4-bit counter, per spec §4.2

// NewPagingDescriptor creates a descriptor backed by sect at the given
// byte offset within it. The lock count is bounded by a weighted
// semaphore sized to maxLockCount rather than a hand-rolled compare-and-cap,
// so overflow reports the same failure a real resource-exhaustion wait
// would.
func NewPagingDescriptor(sect Section, offset uint64) *PagingDescriptor {
	return &PagingDescriptor{sect: sect, offset: offset, lockSem: semaphore.NewWeighted(maxLockCount)}
}

// Section returns the image section this descriptor's frame belongs to.
func (d *PagingDescriptor) Section() pmm.Section { return d.sect }

// Offset returns the byte offset within the section.
func (d *PagingDescriptor) Offset() uint64 { return d.offset }

// PagingOut reports whether the pager has claimed this frame.
func (d *PagingDescriptor) PagingOut() bool { return d.pagingOut }

// SetPagingOut sets or clears the paging-out flag. The frame database sets
// it under its own lock; the pager clears it after writeback without that
// lock.
func (d *PagingDescriptor) SetPagingOut(v bool) { d.pagingOut = v }

// LockCount returns the current lock count.
func (d *PagingDescriptor) LockCount() uint8 { return d.lockCount }

// AddLock acquires one weighted unit from the lock-count semaphore,
// failing once the cap is reached.
func (d *PagingDescriptor) AddLock() bool {
	if !d.lockSem.TryAcquire(1) {
		return false
	}
	d.lockCount++
	return true
}

// RemoveLock releases one unit back to the lock-count semaphore.
func (d *PagingDescriptor) RemoveLock() {
	if d.lockCount == 0 {
		return
	}
	d.lockCount--
	d.lockSem.Release(1)
}

// reassign updates which section and offset this descriptor belongs to,
// used by migrate_paging_descriptors to move a frame between sections
// without destroying and recreating its descriptor.
func (d *PagingDescriptor) reassign(sect Section, offset uint64) {
	d.sect = sect
	d.offset = offset
}

// Reassign exposes reassign to mem/addrspace's MigratePagingDescriptors,
// which supplies the new descriptor objects the frame database installs.
func (d *PagingDescriptor) Reassign(sect Section, offset uint64) { d.reassign(sect, offset) }

// Destroy releases an orphan descriptor: one whose frame has already been
// freed by the allocator and that carries no section reference to drop.
// Per spec §6's descriptor.destroy contract.
func Destroy(d *PagingDescriptor) {
	d.sect = nil
}
