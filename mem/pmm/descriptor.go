package pmm

// Descriptor is the frame database's view of a paging descriptor: the
// per-frame metadata that the image-section subsystem owns for pageable
// frames. The database stores only this interface, never a concrete type,
// so that mem/section (which depends on pmm.Frame) never has to be
// imported back here.
type Descriptor interface {
	// Section returns the image section backing this frame.
	Section() Section
	// Offset returns the byte offset within the section.
	Offset() uint64
	// PagingOut reports whether the pager has claimed this frame and is
	// mid-writeback. While set, free_pages must not transition the
	// frame's state.
	PagingOut() bool
	// SetPagingOut sets or clears the paging-out flag. FindPageoutVictim
	// sets it under the frame-database lock; the pager clears it after
	// writeback without holding that lock.
	SetPagingOut(bool)
	// LockCount returns the current lock count.
	LockCount() uint8
	// AddLock increments the lock count and reports whether the
	// increment succeeded (fails at the cap).
	AddLock() bool
	// RemoveLock decrements the lock count.
	RemoveLock()
}

// Section is the minimal view of an image section the frame database
// needs: enough to assert it is alive. The full writeback contract lives
// in mem/section.Section, which embeds this interface.
type Section interface {
	// Destroyed reports whether the section has already been torn down.
	Destroyed() bool
}
