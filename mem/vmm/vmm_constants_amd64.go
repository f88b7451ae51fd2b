package vmm

import "math"

const (
	// pageLevels is the number of page-table levels walked per translation
	// on amd64 (PML4, PDPT, PD, PT).
	pageLevels = 4

	// ptePhysPageMask extracts the physical frame address encoded in bits
	// 12-51 of a page table entry.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// tempMappingAddr is a reserved virtual page used for temporary
	// physical-frame mappings (e.g. to initialize an inactive PDT). Table
	// indices for this address are 510, 511, 511, 511.
	tempMappingAddr = uintptr(0xffffff7ffffff000)
)

var (
	// pdtVirtualAddr exploits the recursive mapping installed in the last
	// PDT entry: setting every page-level index to 1 keeps the MMU
	// following that entry at each level, landing back on the PDT itself.
	pdtVirtualAddr = uintptr(math.MaxUint64 &^ ((1 << 12) - 1))

	// pageLevelBits is the number of virtual address bits consumed by each
	// page level; 9 bits per level gives 512 entries per table.
	pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

	// pageLevelShifts is the bit offset of each page level's index field
	// within a virtual address.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
)

const (
	// FlagPresent is set when the mapped page is resident in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page is writable.
	FlagRW

	// FlagUserAccessible is set if user-mode code may access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching selects write-through caching over
	// write-back when set.
	FlagWriteThroughCaching

	// FlagDoNotCache disables caching for this page.
	FlagDoNotCache

	// FlagAccessed is set by the CPU the first time the page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when the page is written to.
	FlagDirty

	// FlagHugePage marks a 2MiB mapping instead of a 4KiB one.
	FlagHugePage

	// FlagGlobal prevents this entry's TLB cache from being flushed
	// on a page-table switch.
	FlagGlobal

	// FlagCopyOnWrite marks a read-only page that should be duplicated
	// and upgraded to RW on the next write fault. Mutually exclusive
	// with FlagRW.
	FlagCopyOnWrite = 1 << 9

	// FlagNoExecute marks a page as containing non-executable data.
	FlagNoExecute = 1 << 63
)
