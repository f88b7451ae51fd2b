// Package pager implements the eviction loop: a single long-lived task
// that reclaims pageable frames on demand from the frame database,
// writing them back through their owning image section. Grounded on
// spec.md §4.4's pseudocode and on Minoca's MmpPageOutPhysicalPages
// (original_source/kernel/mm/physical.c), generalized from gopheros,
// which never implements demand paging.
package pager

import (
	"nucleusmm/kernel"
	"nucleusmm/kernel/cpu"
	"nucleusmm/kernel/kfmt"
	"nucleusmm/kernel/sync"
	"nucleusmm/mem/pmm"
	"nucleusmm/mem/section"
)

// FrameDatabase is the subset of pmm.Allocator the pager drives. It never
// calls AllocateContiguous or any other path that could block on itself.
type FrameDatabase interface {
	FindPageoutVictim() (pmm.Frame, pmm.Descriptor, bool)
	FreePagesCount() uint64
	NonpagedPages() uint64
	TotalPages() uint64
	PagesFreedEvent() *sync.Event
	// Free returns a successfully written-back frame to the free state.
	// PageOut only writes the data back and unmaps it; reclaiming the
	// frame itself is the pager's job, same as any other caller of
	// free_pages.
	Free(frame pmm.Frame, n int)
}

// Pager owns one preallocated I/O buffer and one preallocated scratch
// virtual region used to map eviction victims into kernel space during
// writeback, per spec §4.4.
type Pager struct {
	fdb       FrameDatabase
	ioBuf     []byte
	scratchVA uintptr

	batchSize   int
	maxFailures int

	needEvent sync.Event

	mu        sync.Mutex
	requested uint64
}

// New creates a pager bound to fdb. ioBuf and scratchVA are this pager's
// exclusive writeback scratch space; batchSize and maxFailures are the
// spec §4.4 tunables (k and the consecutive-failure abort threshold).
func New(fdb FrameDatabase, ioBuf []byte, scratchVA uintptr, batchSize, maxFailures int) *Pager {
	if batchSize <= 0 {
		batchSize = 16
	}
	if maxFailures <= 0 {
		maxFailures = 10
	}
	return &Pager{
		fdb:         fdb,
		ioBuf:       ioBuf,
		scratchVA:   scratchVA,
		batchSize:   batchSize,
		maxFailures: maxFailures,
	}
}

// RequestPageout implements pmm.PageoutRequester: it records the highest
// outstanding target-free request and wakes the main loop. Called by the
// allocator without holding its own lock.
func (p *Pager) RequestPageout(targetFree uint64) {
	p.mu.Acquire()
	if targetFree > p.requested {
		p.requested = targetFree
	}
	p.mu.Release()
	p.needEvent.Pulse()
}

// Run is the pager's main loop: wait for a page-out request, run one pass,
// repeat, until stop is closed. It must only ever be scheduled at
// cpu.RunLevelLow.
func (p *Pager) Run(stop <-chan struct{}) {
	for {
		p.needEvent.Wait()
		select {
		case <-stop:
			return
		default:
		}
		p.RunPass()
	}
}

// RunPass executes one pass of the eviction loop against the currently
// outstanding request, per spec §4.4 steps 2-4. Exposed directly so tests
// can drive a single pass deterministically instead of going through Run's
// event wait.
func (p *Pager) RunPass() {
	if lvl := cpu.Current(); lvl != cpu.RunLevelLow {
		panic(&kernel.Error{Module: "pager", Message: "pager must not run above RunLevelLow"})
	}

	p.mu.Acquire()
	requested := p.requested
	p.requested = 0
	p.mu.Release()

	target := requested
	if cap := p.fdb.TotalPages() - p.fdb.NonpagedPages(); target > cap {
		target = cap
	}

	var evicted, consecutiveFailures int
	for uint64(evicted) < target && p.fdb.FreePagesCount() < target {
		frame, desc, ok := p.fdb.FindPageoutVictim()
		if !ok {
			break
		}

		sect, _ := desc.Section().(section.Section)
		offset := desc.Offset()

		pd, _ := desc.(*section.PagingDescriptor)
		if err := sect.PageOut(pd, offset, frame, p.ioBuf, p.scratchVA); err != nil {
			desc.SetPagingOut(false)
			if err == section.ErrResourceInUse {
				continue
			}
			consecutiveFailures++
			if consecutiveFailures >= p.maxFailures {
				kfmt.Printf("pager: aborting pass after %d consecutive failures\n", consecutiveFailures)
				break
			}
			continue
		}

		desc.SetPagingOut(false)
		p.fdb.Free(frame, 1)

		consecutiveFailures = 0
		evicted++
		if evicted%p.batchSize == 0 {
			p.fdb.PagesFreedEvent().Pulse()
		}
	}

	p.fdb.PagesFreedEvent().Pulse()
}
