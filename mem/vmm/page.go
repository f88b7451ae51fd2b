package vmm

import "nucleusmm/mem"

// Page identifies a virtual memory page by its index.
type Page uintptr

// Address returns the virtual address this page starts at.
func (p Page) Address() uintptr {
	return uintptr(p << mem.PageShift)
}

// PageFromAddress returns the Page containing virtAddr, rounding down if
// virtAddr is not page-aligned.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(mem.PageSize - 1))) >> mem.PageShift)
}
