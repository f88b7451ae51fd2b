package vmm

import "nucleusmm/kernel"

// Translate returns the physical address mapped to virtAddr in the
// currently active address space, or ErrInvalidMapping if unmapped.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}
	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// PageOffset returns the byte offset of virtAddr within its containing page.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1)
}
