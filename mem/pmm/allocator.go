package pmm

import (
	"nucleusmm/kernel"
	"nucleusmm/kernel/kfmt"
	"nucleusmm/kernel/sync"
	"nucleusmm/mem"
	"nucleusmm/mem/bootinfo"
	"time"
)

var (
	// ErrOutOfMemory is returned by allocate_identity_mappable when no
	// matching run of frames exists. allocate_contiguous never returns
	// it: it waits on the pager instead and eventually panics.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "no memory"}

	// ErrInvalidArgument flags misuse: unaligned requests, or an
	// operation targeting a frame outside any known segment.
	ErrInvalidArgument = &kernel.Error{Module: "pmm", Message: "invalid argument"}

	// ErrLockOverflow is returned by lock() when a descriptor's lock
	// count has already reached its cap.
	ErrLockOverflow = &kernel.Error{Module: "pmm", Message: "lock count overflow"}

	errFatalDoubleFree = &kernel.Error{Module: "pmm", Message: "double free of frame"}
	errFatalCorruption = &kernel.Error{Module: "pmm", Message: "frame record corruption"}
)

// searchCriterion selects which frame states the allocator search
// accepts, per spec §4.2.
type searchCriterion uint8

const (
	criterionFree searchCriterion = iota
	criterionPageable
	criterionIdentityMappable
)

// PageoutRequester is implemented by the pager; the allocator calls it
// (without holding its own lock) when a search for free frames fails, per
// spec §4.2's allocate_contiguous back-pressure path.
type PageoutRequester interface {
	RequestPageout(targetFree uint64)
}

// IdentitySpace answers whether a virtual range used for identity mapping
// is free, per spec §6's va_space.is_range_free contract. It is consulted
// only by allocate_identity_mappable.
type IdentitySpace interface {
	IsRangeFree(va uintptr, n int) bool
}

// Allocator is the frame database: one record per usable physical frame,
// grouped into segments, searched under a single global lock. Grounded on
// gopheros's BitmapAllocator/bootMemAllocator two-stage bootstrap and
// Minoca physical.c's MmpFindPhysicalPages/MmpUpdateWarningLevel.
type Allocator struct {
	cfg Config

	lock sync.Mutex

	segments []segment

	total     uint64
	allocated uint64
	nonPaged  uint64

	// allocCursor and pagerCursor are independent rotating positions so
	// ordinary allocation and pager victim search never interfere with
	// each other (spec §4.2).
	allocCursor segCursor
	pagerCursor segCursor

	allocSinceSample uint64
	sampleMask       uint64

	warnLevel WarningLevel
	WarnEvent sync.Event

	// PagesFreed is pulsed whenever free() or the pager returns frames
	// to the free state, waking allocate_contiguous retries.
	PagesFreed sync.Event

	pageout PageoutRequester
	idspace IdentitySpace
}

type segCursor struct {
	segment int
	index   uint32
}

// Init builds the frame database from the bootloader-supplied memory map.
// It performs the two-pass walk spec §4.1 describes: the first pass sizes
// the segment list, the second builds frame records, coalescing adjacent
// usable descriptors into a single segment. The lowest tracked frame (frame
// 0 when the map reports it usable) is force-reserved if it is free.
func (a *Allocator) Init(m *bootinfo.Map, cfg Config) *kernel.Error {
	a.cfg = cfg.withDefaults()

	type run struct {
		start, end Frame // inclusive
		usable     bool
	}
	var runs []run

	m.Visit(func(d *bootinfo.Descriptor) bool {
		if d.Size < mem.PageSize {
			return true
		}
		startFrame := Frame((uintptr(d.Base) + uintptr(mem.PageSize) - 1) >> mem.PageShift)
		endFrame := Frame((d.Base + uintptr(d.Size)) >> mem.PageShift)
		if endFrame == 0 {
			return true
		}
		endFrame--
		if endFrame < startFrame {
			return true
		}

		usable := bootinfo.Usable(d.Type)
		if len(runs) > 0 {
			last := &runs[len(runs)-1]
			if last.usable == usable && last.end+1 == startFrame {
				last.end = endFrame
				return true
			}
		}
		runs = append(runs, run{startFrame, endFrame, usable})
		return true
	})

	// Only usable runs become tracked segments: reserved physical memory
	// (MMIO, firmware-runtime, anything outside the bootloader's usable
	// list) is never a candidate for allocation and so never needs a
	// frame record at all, matching the "one segment" shape of a map
	// with a leading reserved hole.
	a.segments = a.segments[:0]
	a.total = 0
	for _, r := range runs {
		if !r.usable {
			continue
		}

		count := uint64(r.end-r.start) + 1
		if a.cfg.MaxPages != 0 && a.total+count > a.cfg.MaxPages {
			remaining := a.cfg.MaxPages - a.total
			if remaining == 0 {
				break
			}
			r.end = r.start + Frame(remaining) - 1
			count = remaining
		}

		seg := segment{start: r.start, end: r.end, free: uint32(count), records: make([]frameRecord, count)}
		a.segments = append(a.segments, seg)
		a.total += count

		if a.cfg.MaxPages != 0 && a.total >= a.cfg.MaxPages {
			break
		}
	}

	// The lowest tracked frame is force-marked allocated if it was
	// reported free, kept aside for low-level needs (spec §4.1).
	a.reserveFrameZero()

	a.sampleMask = sampleMask(a.total)
	a.warnLevel = nextWarningLevel(WarnNone, a.allocated, a.total, a.cfg)

	kfmt.Printf("[pmm] frame database: %d segments, %d pages total, %d reserved\n",
		len(a.segments), a.total, a.total-a.freeCountLocked())
	return nil
}

func (a *Allocator) reserveFrameZero() {
	if len(a.segments) == 0 {
		return
	}
	seg := &a.segments[0]
	rec := seg.recordAt(seg.start)
	if rec.state == stateFree {
		rec.state = stateNonPaged
		seg.free--
		a.allocated++
		a.nonPaged++
	}
}

// SetCollaborators wires in the pager and kernel-VA-accounting
// collaborators consumed by allocate_contiguous/allocate_identity_mappable.
// Kept separate from Init since the pager itself depends on the allocator
// (constructed after it).
func (a *Allocator) SetCollaborators(pageout PageoutRequester, idspace IdentitySpace) {
	a.pageout = pageout
	a.idspace = idspace
}

func (a *Allocator) freeCountLocked() uint64 {
	var free uint64
	for i := range a.segments {
		free += uint64(a.segments[i].free)
	}
	return free
}

// TotalPages returns the number of frames tracked by the database.
func (a *Allocator) TotalPages() uint64 {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.total
}

// FreePagesCount returns the number of frames currently free.
func (a *Allocator) FreePagesCount() uint64 {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.freeCountLocked()
}

// NonpagedPages returns the number of frames in the non-paged-allocated
// state, including those locked via lock_pages.
func (a *Allocator) NonpagedPages() uint64 {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.nonPaged
}

// AllocatedPages returns total frames currently allocated (non-paged plus
// pageable).
func (a *Allocator) AllocatedPages() uint64 {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.allocated
}

// WarningLevel returns the current memory-pressure level.
func (a *Allocator) WarningLevel() WarningLevel {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.warnLevel
}

// PagesFreedEvent returns the event the pager pulses after evicting a
// batch of frames, waking allocate_contiguous retries.
func (a *Allocator) PagesFreedEvent() *sync.Event {
	return &a.PagesFreed
}

// search scans segments starting at cur for a run of n frames matching
// criterion, honoring align (in pages). It returns the first matching
// frame and advances cur past the selection on success. For criterionFree
// and criterionIdentityMappable the whole run of n must match; for
// criterionPageable any single matching frame is accepted (n is ignored
// beyond 1) since the pager evicts one victim at a time.
func (a *Allocator) search(cur *segCursor, criterion searchCriterion, n int, alignPages int) (Frame, bool) {
	if len(a.segments) == 0 {
		return InvalidFrame, false
	}
	if alignPages < 1 {
		alignPages = 1
	}

	startSeg := cur.segment % len(a.segments)
	for visited := 0; visited <= len(a.segments); visited++ {
		segIdx := (startSeg + visited) % len(a.segments)
		seg := &a.segments[segIdx]

		startIdx, endIdx := uint32(0), seg.size()
		if visited == 0 {
			startIdx = cur.index
		} else if visited == len(a.segments) {
			// Final lap: the part of the starting segment before the cursor.
			endIdx = cur.index
		}

		for idx := startIdx; idx < endIdx; idx++ {
			frame := seg.start + Frame(idx)
			if alignPages > 1 && uint64(frame)%uint64(alignPages) != 0 {
				continue
			}

			switch criterion {
			case criterionPageable:
				if seg.records[idx].state == statePageable && !a.pageableEvictable(&seg.records[idx]) {
					continue
				}
				if seg.records[idx].state != statePageable {
					continue
				}
				cur.segment, cur.index = segIdx, idx+1
				return frame, true

			case criterionFree, criterionIdentityMappable:
				if !a.runMatchesFree(seg, idx, n) {
					continue
				}
				if criterion == criterionIdentityMappable && a.idspace != nil && !a.idspace.IsRangeFree(frame.Address(), n) {
					continue
				}
				cur.segment, cur.index = segIdx, idx+uint32(n)
				return frame, true
			}
		}
	}

	return InvalidFrame, false
}

func (a *Allocator) pageableEvictable(rec *frameRecord) bool {
	if rec.descriptor == nil {
		return false
	}
	return !rec.descriptor.PagingOut() && rec.descriptor.LockCount() == 0
}

// runMatchesFree reports whether the n frames starting at seg's record
// index idx are all free and fit within the segment.
func (a *Allocator) runMatchesFree(seg *segment, idx uint32, n int) bool {
	if uint64(idx)+uint64(n) > uint64(seg.size()) {
		return false
	}
	for i := 0; i < n; i++ {
		if seg.records[idx+uint32(i)].state != stateFree {
			return false
		}
	}
	return true
}

// AllocateContiguous returns the first frame of a run of n frames aligned
// to alignPages, marking them non-paged allocated. It never fails: under
// pressure it requests pageout, waits on the pages-freed event, and
// retries, panicking with out-of-memory after cfg.AllocTimeout of no
// progress (spec §4.2).
func (a *Allocator) AllocateContiguous(n int, alignPages int) Frame {
	deadline := time.Now().Add(a.cfg.AllocTimeout)

	for {
		a.lock.Acquire()
		frame, ok := a.search(&a.allocCursor, criterionFree, n, alignPages)
		if ok {
			for i := 0; i < n; i++ {
				a.markAllocated(frame + Frame(i))
			}
			a.sampleWarningLocked()
			a.lock.Release()
			return frame
		}
		a.lock.Release()

		if time.Now().After(deadline) {
			kfmt.Panic(&kernel.Error{Module: "pmm", Message: "out of memory"})
		}

		target := uint64(n + alignPages)
		minFree := a.total / 20 // 5% minimum-free threshold, spec §4.1
		if target < minFree {
			target = minFree
		}
		if a.pageout != nil {
			a.pageout.RequestPageout(target)
		}
		a.PagesFreed.Wait()
	}
}

// AllocateIdentityMappable is like AllocateContiguous but also requires
// the identical virtual-address range to be free in the kernel's VA
// accounting. It never waits on the pager: callers must cope with failure.
func (a *Allocator) AllocateIdentityMappable(n int, alignPages int) (Frame, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()

	frame, ok := a.search(&a.allocCursor, criterionIdentityMappable, n, alignPages)
	if !ok {
		return InvalidFrame, ErrOutOfMemory
	}
	for i := 0; i < n; i++ {
		a.markAllocated(frame + Frame(i))
	}
	a.sampleWarningLocked()
	return frame, nil
}

func (a *Allocator) markAllocated(f Frame) {
	seg := a.segmentFor(f)
	if seg == nil {
		return
	}
	rec := seg.recordAt(f)
	rec.state = stateNonPaged
	seg.free--
	a.allocated++
	a.nonPaged++
}

func (a *Allocator) segmentFor(f Frame) *segment {
	for i := range a.segments {
		if a.segments[i].contains(f) {
			return &a.segments[i]
		}
	}
	return nil
}

// Free releases n frames starting at frame. Non-paged frames return to
// free immediately; pageable frames whose descriptor has paging-out set
// are left alone, since the pager now owns them and will free them at the
// end of its writeback.
func (a *Allocator) Free(frame Frame, n int) {
	a.lock.Acquire()
	var freedAny bool
	for i := 0; i < n; i++ {
		f := frame + Frame(i)
		seg := a.segmentFor(f)
		if seg == nil {
			continue
		}
		rec := seg.recordAt(f)
		switch rec.state {
		case stateFree:
			kfmt.Panic(errFatalDoubleFree)
		case stateNonPaged:
			rec.state = stateFree
			rec.cacheEntry = 0
			seg.free++
			a.allocated--
			a.nonPaged--
			freedAny = true
		case statePageable:
			if rec.descriptor != nil && rec.descriptor.PagingOut() {
				continue
			}
			rec.state = stateFree
			rec.descriptor = nil
			seg.free++
			a.allocated--
			freedAny = true
		case stateReserved:
			// defensive no-op: free-of-unknown/reserved is a
			// programmer error but must not corrupt the database.
		default:
			kfmt.Panic(errFatalCorruption)
		}
	}
	a.sampleWarningLocked()
	a.lock.Release()

	if freedAny {
		a.PagesFreed.Pulse()
	}
}

// EnablePaging transitions a run of frames from non-paged to pageable,
// installing the caller-supplied descriptors and optionally locking each
// frame once up front (spec §6 enable_pages).
func (a *Allocator) EnablePaging(frame Frame, descriptors []Descriptor, lockInitial bool) *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()

	for i, desc := range descriptors {
		f := frame + Frame(i)
		seg := a.segmentFor(f)
		if seg == nil {
			return ErrInvalidArgument
		}
		rec := seg.recordAt(f)
		if rec.state != stateNonPaged {
			return ErrInvalidArgument
		}
		rec.state = statePageable
		rec.descriptor = desc
		a.nonPaged--
		if lockInitial {
			if !desc.AddLock() {
				return ErrLockOverflow
			}
			// a non-zero lock count still contributes to non_paged
			// (spec §4.2), so restore the count the line above dropped.
			a.nonPaged++
		}
	}
	return nil
}

// ReassignDescriptor swaps the paging descriptor installed on a pageable
// frame for a new one, under the frame-database lock, per spec §4.5's
// migrate_paging_descriptors. The caller is responsible for the old/new
// section reference-count bookkeeping around this call.
func (a *Allocator) ReassignDescriptor(frame Frame, newDescriptor Descriptor) *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()

	seg := a.segmentFor(frame)
	if seg == nil {
		return ErrInvalidArgument
	}
	rec := seg.recordAt(frame)
	if rec.state != statePageable || rec.descriptor == nil {
		return ErrInvalidArgument
	}
	rec.descriptor = newDescriptor
	return nil
}

// Lock bumps the lock count of n frames' paging descriptors, which keeps
// them contributing to non_paged accounting for as long as the count is
// non-zero. Must be called with the owning section's lock held.
func (a *Allocator) Lock(frame Frame, n int) *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()

	for i := 0; i < n; i++ {
		f := frame + Frame(i)
		seg := a.segmentFor(f)
		if seg == nil {
			return ErrInvalidArgument
		}
		rec := seg.recordAt(f)
		if rec.state != statePageable || rec.descriptor == nil {
			return ErrInvalidArgument
		}
		wasLocked := rec.descriptor.LockCount() > 0
		if !rec.descriptor.AddLock() {
			return ErrLockOverflow
		}
		if !wasLocked {
			a.nonPaged++
		}
	}
	return nil
}

// Unlock is the symmetric counterpart of Lock.
func (a *Allocator) Unlock(frame Frame, n int) *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()

	for i := 0; i < n; i++ {
		f := frame + Frame(i)
		seg := a.segmentFor(f)
		if seg == nil {
			return ErrInvalidArgument
		}
		rec := seg.recordAt(f)
		if rec.state != statePageable || rec.descriptor == nil {
			return ErrInvalidArgument
		}
		wasSoleLock := rec.descriptor.LockCount() == 1
		rec.descriptor.RemoveLock()
		if wasSoleLock {
			a.nonPaged--
		}
	}
	return nil
}

// SetPageCacheEntry attaches a page-cache back-reference to a non-paged
// frame.
func (a *Allocator) SetPageCacheEntry(frame Frame, entry uintptr) *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()

	seg := a.segmentFor(frame)
	if seg == nil {
		return ErrInvalidArgument
	}
	rec := seg.recordAt(frame)
	if rec.state != stateNonPaged {
		return ErrInvalidArgument
	}
	rec.cacheEntry = entry
	return nil
}

// GetPageCacheEntry returns the page-cache back-reference for frame, if
// any.
func (a *Allocator) GetPageCacheEntry(frame Frame) (uintptr, bool) {
	a.lock.Acquire()
	defer a.lock.Release()

	seg := a.segmentFor(frame)
	if seg == nil || seg.recordAt(frame).state != stateNonPaged {
		return 0, false
	}
	return seg.recordAt(frame).cacheEntry, seg.recordAt(frame).cacheEntry != 0
}

// FindPageoutVictim searches for one evictable pageable frame using the
// pager's own cursor, and marks its descriptor as paging-out under the
// database lock so it cannot be freed from under the pager. It is called
// only by the pager.
func (a *Allocator) FindPageoutVictim() (Frame, Descriptor, bool) {
	a.lock.Acquire()
	defer a.lock.Release()

	frame, ok := a.search(&a.pagerCursor, criterionPageable, 1, 1)
	if !ok {
		return InvalidFrame, nil, false
	}
	seg := a.segmentFor(frame)
	rec := seg.recordAt(frame)
	rec.descriptor.SetPagingOut(true)
	return frame, rec.descriptor, true
}

// sampleWarningLocked re-evaluates the warning level when the sampled
// allocate/free counters roll over, per spec §4.2. Must be called with
// the lock held.
func (a *Allocator) sampleWarningLocked() {
	a.allocSinceSample++
	if a.sampleMask != 0 && a.allocSinceSample&a.sampleMask != 0 {
		return
	}

	next := nextWarningLevel(a.warnLevel, a.allocated, a.total, a.cfg)
	if next != a.warnLevel {
		a.warnLevel = next
		a.WarnEvent.Pulse()
	}
}
