package vmm

import (
	"nucleusmm/kernel"
	"nucleusmm/mem"
	"nucleusmm/mem/pmm"
	"testing"
	"unsafe"
)

func TestNextAddrFn(t *testing.T) {
	if exp, got := uintptr(123), nextAddrFn(uintptr(123)); exp != got {
		t.Fatalf("expected nextAddrFn to return %v; got %v", exp, got)
	}
}

func TestMapTemporary(t *testing.T) {
	defer func(origPtePtr func(uintptr) unsafe.Pointer, origNextAddrFn func(uintptr) uintptr, origFlush func(uintptr)) {
		ptePtrFn = origPtePtr
		nextAddrFn = origNextAddrFn
		flushTLBEntryFn = origFlush
	}(ptePtrFn, nextAddrFn, flushTLBEntryFn)

	var physPages [pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry
	nextPhysPage := 0

	allocFn := func() (pmm.Frame, *kernel.Error) {
		nextPhysPage++
		pageAddr := unsafe.Pointer(&physPages[nextPhysPage][0])
		return pmm.Frame(uintptr(pageAddr) >> mem.PageShift), nil
	}

	pteCallCount := 0
	ptePtrFn = func(entry uintptr) unsafe.Pointer {
		pteCallCount++
		pteIndex := (entry & uintptr(mem.PageSize-1)) >> mem.PointerShift
		return unsafe.Pointer(&physPages[pteCallCount-1][pteIndex])
	}

	nextAddrFn = func(entry uintptr) uintptr {
		return uintptr(unsafe.Pointer(&physPages[nextPhysPage][0]))
	}

	flushCount := 0
	flushTLBEntryFn = func(uintptr) { flushCount++ }

	frame := pmm.Frame(123)
	levelIndices := []uint{510, 511, 511, 511}

	page, err := MapTemporary(frame, allocFn)
	if err != nil {
		t.Fatal(err)
	}
	if got := page.Address(); got != tempMappingAddr {
		t.Fatalf("expected temp mapping address %x; got %x", tempMappingAddr, got)
	}

	for level, physPage := range physPages {
		pte := physPage[levelIndices[level]]
		if !pte.HasFlags(FlagPresent | FlagRW) {
			t.Errorf("[level %d] expected FlagPresent|FlagRW", level)
		}
		if level < pageLevels-1 {
			if exp, got := pmm.Frame(uintptr(unsafe.Pointer(&physPages[level+1][0]))>>mem.PageShift), pte.Frame(); got != exp {
				t.Errorf("[level %d] expected next-table frame %d; got %d", level, exp, got)
			}
		} else if pte.Frame() != frame {
			t.Errorf("[level %d] expected leaf frame %d; got %d", level, frame, pte.Frame())
		}
	}

	if exp := 1; flushCount != exp {
		t.Errorf("expected %d TLB flush; got %d", exp, flushCount)
	}
}

func TestMapErrors(t *testing.T) {
	defer func(origPtePtr func(uintptr) unsafe.Pointer) { ptePtrFn = origPtePtr }(ptePtrFn)

	var physPages [pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry
	frame := pmm.Frame(123)

	t.Run("huge page", func(t *testing.T) {
		physPages[0][510].SetFlags(FlagPresent | FlagHugePage)
		ptePtrFn = func(entry uintptr) unsafe.Pointer {
			pteIndex := (entry & uintptr(mem.PageSize-1)) >> mem.PointerShift
			return unsafe.Pointer(&physPages[0][pteIndex])
		}
		if _, err := MapTemporary(frame, nil); err != errNoHugePageSupport {
			t.Fatalf("expected errNoHugePageSupport; got %v", err)
		}
	})

	t.Run("alloc fails", func(t *testing.T) {
		physPages[0][510] = 0
		expErr := &kernel.Error{Module: "test", Message: "out of memory"}
		allocFn := func() (pmm.Frame, *kernel.Error) { return 0, expErr }
		if _, err := MapTemporary(frame, allocFn); err != expErr {
			t.Fatalf("got unexpected error %v", err)
		}
	})
}

func TestUnmap(t *testing.T) {
	defer func(origPtePtr func(uintptr) unsafe.Pointer, origFlush func(uintptr)) {
		ptePtrFn = origPtePtr
		flushTLBEntryFn = origFlush
	}(ptePtrFn, flushTLBEntryFn)

	var (
		physPages [pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry
		frame     = pmm.Frame(123)
	)

	for level := 0; level < pageLevels; level++ {
		physPages[level][0].SetFlags(FlagPresent | FlagRW)
		if level < pageLevels-1 {
			physPages[level][0].SetFrame(pmm.Frame(uintptr(unsafe.Pointer(&physPages[level+1][0])) >> mem.PageShift))
		} else {
			physPages[level][0].SetFrame(frame)
		}
	}

	pteCallCount := 0
	ptePtrFn = func(entry uintptr) unsafe.Pointer {
		pteCallCount++
		return unsafe.Pointer(&physPages[pteCallCount-1][0])
	}

	flushCount := 0
	flushTLBEntryFn = func(uintptr) { flushCount++ }

	if err := Unmap(PageFromAddress(0)); err != nil {
		t.Fatal(err)
	}

	for level, physPage := range physPages {
		pte := physPage[0]
		if level < pageLevels-1 {
			if !pte.HasFlags(FlagPresent) {
				t.Errorf("[level %d] expected intermediate entry to keep FlagPresent", level)
			}
		} else if pte.HasFlags(FlagPresent) {
			t.Errorf("[level %d] expected leaf entry to lose FlagPresent", level)
		}
	}

	if exp := 1; flushCount != exp {
		t.Errorf("expected %d TLB flush; got %d", exp, flushCount)
	}
}

func TestUnmapRangeCollectsDirtyAndFreesFrame(t *testing.T) {
	defer func(origPtePtr func(uintptr) unsafe.Pointer) { ptePtrFn = origPtePtr }(ptePtrFn)

	var (
		physPages [pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry
		frame     = pmm.Frame(99)
	)

	for level := 0; level < pageLevels; level++ {
		physPages[level][0].SetFlags(FlagPresent | FlagRW)
		if level < pageLevels-1 {
			physPages[level][0].SetFrame(pmm.Frame(uintptr(unsafe.Pointer(&physPages[level+1][0])) >> mem.PageShift))
		} else {
			physPages[level][0].SetFrame(frame)
			physPages[level][0].SetFlags(FlagDirty)
		}
	}

	pteCallCount := 0
	ptePtrFn = func(entry uintptr) unsafe.Pointer {
		pteCallCount++
		return unsafe.Pointer(&physPages[pteCallCount-1][0])
	}

	var freed []pmm.Frame
	dirty, err := UnmapRange(PageFromAddress(0), 1, 0xabc000, func(f pmm.Frame) {
		freed = append(freed, f)
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(dirty) != 1 || !dirty[0] {
		t.Fatalf("expected dirty[0] == true; got %v", dirty)
	}
	if len(freed) != 1 || freed[0] != frame {
		t.Fatalf("expected frame %v to be freed; got %v", frame, freed)
	}
	if physPages[pageLevels-1][0].HasFlags(FlagPresent) {
		t.Error("expected leaf entry to lose FlagPresent")
	}
}

func TestUnmapRangeSkipsAlreadyAbsentLeaves(t *testing.T) {
	defer func(origPtePtr func(uintptr) unsafe.Pointer) { ptePtrFn = origPtePtr }(ptePtrFn)

	var physPages [pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry
	for level := 0; level < pageLevels-1; level++ {
		physPages[level][0].SetFlags(FlagPresent | FlagRW)
		physPages[level][0].SetFrame(pmm.Frame(uintptr(unsafe.Pointer(&physPages[level+1][0])) >> mem.PageShift))
	}
	// leaf left at its zero value: not present.

	pteCallCount := 0
	ptePtrFn = func(entry uintptr) unsafe.Pointer {
		pteCallCount++
		return unsafe.Pointer(&physPages[pteCallCount-1][0])
	}

	freedCalls := 0
	dirty, err := UnmapRange(PageFromAddress(0), 1, 0xabc000, func(pmm.Frame) { freedCalls++ })
	if err != nil {
		t.Fatal(err)
	}
	if dirty[0] {
		t.Error("expected no dirty bit recorded for an already-absent leaf")
	}
	if freedCalls != 0 {
		t.Errorf("expected freeFn not called for an already-absent leaf; got %d calls", freedCalls)
	}
}

func TestChangeAccessLocalFlushWhenPresenceUnchanged(t *testing.T) {
	defer func(origPtePtr func(uintptr) unsafe.Pointer, origFlush func(uintptr)) {
		ptePtrFn = origPtePtr
		flushTLBEntryFn = origFlush
	}(ptePtrFn, flushTLBEntryFn)

	var (
		physPages [pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry
		frame     = pmm.Frame(55)
	)
	for level := 0; level < pageLevels; level++ {
		physPages[level][0].SetFlags(FlagPresent | FlagRW)
		if level < pageLevels-1 {
			physPages[level][0].SetFrame(pmm.Frame(uintptr(unsafe.Pointer(&physPages[level+1][0])) >> mem.PageShift))
		} else {
			physPages[level][0].SetFrame(frame)
		}
	}

	pteCallCount := 0
	ptePtrFn = func(entry uintptr) unsafe.Pointer {
		pteCallCount++
		return unsafe.Pointer(&physPages[pteCallCount-1][0])
	}
	flushCount := 0
	flushTLBEntryFn = func(uintptr) { flushCount++ }

	if err := ChangeAccess(PageFromAddress(0), 1, 0, FlagRW); err != nil {
		t.Fatal(err)
	}

	leaf := physPages[pageLevels-1][0]
	if leaf.HasFlags(FlagRW) {
		t.Error("expected FlagRW cleared")
	}
	if !leaf.HasFlags(FlagPresent) {
		t.Error("expected FlagPresent left untouched since it was not in mask")
	}
	if leaf.Frame() != frame {
		t.Error("expected the mapped frame to be preserved")
	}
	if flushCount != 1 {
		t.Errorf("expected 1 local TLB flush; got %d", flushCount)
	}
}

func TestChangeAccessPresentToAbsentSkipsLocalFlush(t *testing.T) {
	defer func(origPtePtr func(uintptr) unsafe.Pointer, origFlush func(uintptr)) {
		ptePtrFn = origPtePtr
		flushTLBEntryFn = origFlush
	}(ptePtrFn, flushTLBEntryFn)

	var (
		physPages [pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry
		frame     = pmm.Frame(55)
	)
	for level := 0; level < pageLevels; level++ {
		physPages[level][0].SetFlags(FlagPresent | FlagRW)
		if level < pageLevels-1 {
			physPages[level][0].SetFrame(pmm.Frame(uintptr(unsafe.Pointer(&physPages[level+1][0])) >> mem.PageShift))
		} else {
			physPages[level][0].SetFrame(frame)
		}
	}

	pteCallCount := 0
	ptePtrFn = func(entry uintptr) unsafe.Pointer {
		pteCallCount++
		return unsafe.Pointer(&physPages[pteCallCount-1][0])
	}
	flushCount := 0
	flushTLBEntryFn = func(uintptr) { flushCount++ }

	if err := ChangeAccess(PageFromAddress(0), 1, 0, FlagPresent); err != nil {
		t.Fatal(err)
	}

	if physPages[pageLevels-1][0].HasFlags(FlagPresent) {
		t.Error("expected FlagPresent cleared")
	}
	// a present-to-absent transition shoots down every CPU sharing this
	// address space instead of just the local one.
	if flushCount != 0 {
		t.Errorf("expected the present-to-absent transition to skip the local flush in favor of a broadcast; got %d local flushes", flushCount)
	}
}

func TestUnmapErrors(t *testing.T) {
	defer func(origPtePtr func(uintptr) unsafe.Pointer) { ptePtrFn = origPtePtr }(ptePtrFn)

	var physPages [pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry

	t.Run("huge page", func(t *testing.T) {
		physPages[0][0].SetFlags(FlagPresent | FlagHugePage)
		ptePtrFn = func(entry uintptr) unsafe.Pointer {
			pteIndex := (entry & uintptr(mem.PageSize-1)) >> mem.PointerShift
			return unsafe.Pointer(&physPages[0][pteIndex])
		}
		if err := Unmap(PageFromAddress(0)); err != errNoHugePageSupport {
			t.Fatalf("expected errNoHugePageSupport; got %v", err)
		}
	})

	t.Run("not mapped", func(t *testing.T) {
		physPages[0][0].ClearFlags(FlagPresent)
		if err := Unmap(PageFromAddress(0)); err != ErrInvalidMapping {
			t.Fatalf("expected ErrInvalidMapping; got %v", err)
		}
	})
}
