package pager

import (
	"nucleusmm/kernel"
	"nucleusmm/kernel/sync"
	"nucleusmm/mem/pmm"
	"nucleusmm/mem/section"
	"testing"
	"time"
)

// fakeSection fails the first failCount calls with section.ErrResourceInUse,
// then succeeds (or fails permanently if permanent is set).
type fakeSection struct {
	failCount int
	permanent bool
	calls     int
	written   []uint64
}

func (s *fakeSection) Destroyed() bool { return false }
func (s *fakeSection) AddRef()         {}
func (s *fakeSection) Release()        {}
func (s *fakeSection) PageOut(desc *section.PagingDescriptor, offset uint64, frame pmm.Frame, ioBuf []byte, scratchVA uintptr) *kernel.Error {
	s.calls++
	if s.permanent {
		return &kernel.Error{Module: "section", Message: "backing store gone"}
	}
	if s.calls <= s.failCount {
		return section.ErrResourceInUse
	}
	s.written = append(s.written, offset)
	return nil
}

// fakeFDB hands out n victim frames in order, each backed by its own
// descriptor pointing at a shared section. Successful evictions increment
// the free count, as the real allocator's Free would.
type fakeFDB struct {
	total, nonPaged, free uint64
	descs                 []*section.PagingDescriptor
	frames                []pmm.Frame
	next                  int
	freedEvent            sync.Event
	freedCalls            int
}

// newFakeFDB builds a database with n evictable victims and a total/nonPaged
// split wide enough that the nonpaged-gap clamp never binds before the
// victim pool runs out, unless the caller overrides it via withCap.
func newFakeFDB(n int, sect section.Section) *fakeFDB {
	return withCap(n, sect, n+1000, 4)
}

func withCap(n int, sect section.Section, total, nonPaged int) *fakeFDB {
	f := &fakeFDB{total: uint64(total), nonPaged: uint64(nonPaged)}
	for i := 0; i < n; i++ {
		f.descs = append(f.descs, section.NewPagingDescriptor(sect, uint64(i)*4096))
		f.frames = append(f.frames, pmm.Frame(i+1))
	}
	return f
}

func (f *fakeFDB) FindPageoutVictim() (pmm.Frame, pmm.Descriptor, bool) {
	if f.next >= len(f.descs) {
		return pmm.InvalidFrame, nil, false
	}
	d := f.descs[f.next]
	fr := f.frames[f.next]
	f.next++
	d.SetPagingOut(true)
	return fr, d, true
}

func (f *fakeFDB) FreePagesCount() uint64       { return f.free }
func (f *fakeFDB) NonpagedPages() uint64        { return f.nonPaged }
func (f *fakeFDB) TotalPages() uint64           { return f.total }
func (f *fakeFDB) PagesFreedEvent() *sync.Event { return &f.freedEvent }
func (f *fakeFDB) Free(frame pmm.Frame, n int) {
	f.freedCalls++
	f.free += uint64(n)
}

func TestRunPassEvictsUntilTargetMet(t *testing.T) {
	sect := &fakeSection{}
	fdb := newFakeFDB(10, sect)
	p := New(fdb, make([]byte, 4096), 0xffffff8000000000, 4, 10)

	p.RequestPageout(3)
	p.RunPass()

	if fdb.freedCalls != 3 {
		t.Errorf("expected 3 frames freed; got %d", fdb.freedCalls)
	}
	if len(sect.written) != 3 {
		t.Errorf("expected 3 page-outs written; got %d", len(sect.written))
	}
}

func TestRunPassClampsTargetToNonpagedGap(t *testing.T) {
	sect := &fakeSection{}
	// total=9, nonPaged=4 => cap=5, well below the 10 available victims.
	fdb := withCap(10, sect, 9, 4)
	p := New(fdb, make([]byte, 4096), 0xffffff8000000000, 4, 10)

	p.RequestPageout(1000)
	p.RunPass()

	if fdb.freedCalls != 5 {
		t.Errorf("expected eviction clamped to the nonpaged gap of 5; got %d", fdb.freedCalls)
	}
}

func TestRunPassStopsWhenNoVictimsLeft(t *testing.T) {
	sect := &fakeSection{}
	fdb := newFakeFDB(2, sect)
	p := New(fdb, make([]byte, 4096), 0xffffff8000000000, 4, 10)

	p.RequestPageout(5)
	p.RunPass()

	if fdb.freedCalls != 2 {
		t.Errorf("expected to stop after exhausting 2 victims; got %d", fdb.freedCalls)
	}
}

func TestRunPassSkipsTransientFailuresWithoutCountingThem(t *testing.T) {
	sect := &fakeSection{failCount: 2}
	fdb := newFakeFDB(3, sect)
	p := New(fdb, make([]byte, 4096), 0xffffff8000000000, 4, 2)

	p.RequestPageout(1)
	p.RunPass()

	if fdb.freedCalls != 1 {
		t.Errorf("expected the third victim to succeed after two transient failures; got %d freed", fdb.freedCalls)
	}
	if sect.calls != 3 {
		t.Errorf("expected 2 transient failures plus 1 success; got %d calls", sect.calls)
	}
}

func TestRunPassAbortsAfterTooManyConsecutiveFailures(t *testing.T) {
	sect := &fakeSection{permanent: true}
	fdb := newFakeFDB(20, sect)
	p := New(fdb, make([]byte, 4096), 0xffffff8000000000, 4, 3)

	p.RequestPageout(20)
	p.RunPass()

	if fdb.freedCalls != 0 {
		t.Errorf("expected no successful evictions; got %d", fdb.freedCalls)
	}
	if sect.calls != 3 {
		t.Errorf("expected the pass to abort after 3 consecutive failures; got %d calls", sect.calls)
	}
}

func TestRunPassAlwaysPulsesPagesFreedEventAtEnd(t *testing.T) {
	sect := &fakeSection{permanent: true}
	fdb := newFakeFDB(1, sect)
	p := New(fdb, make([]byte, 4096), 0xffffff8000000000, 4, 1)

	done := make(chan struct{})
	go func() {
		fdb.PagesFreedEvent().Wait()
		close(done)
	}()

	// give the waiter a chance to block before the pass pulses.
	<-time.After(20 * time.Millisecond)

	p.RequestPageout(1)
	p.RunPass()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected the end-of-pass pulse to wake the waiter even with zero progress")
	}
}
