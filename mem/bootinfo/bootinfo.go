// Package bootinfo describes the memory map handed to the kernel by its
// bootloader. The frame database walks this list twice during init: once
// to size itself, once to populate frame records.
package bootinfo

import "nucleusmm/mem"

// DescriptorType classifies a region of the physical address space as
// reported by the bootloader/firmware.
type DescriptorType uint8

const (
	// TypeFree is ordinary free RAM.
	TypeFree DescriptorType = iota
	// TypeLoaderTemporary holds data the bootloader needed only until
	// the kernel took over (e.g. decompression scratch space).
	TypeLoaderTemporary
	// TypeLoaderPermanent holds data the bootloader handed to the kernel
	// (e.g. the initial ramdisk) and that the kernel may reclaim once
	// it has consumed it.
	TypeLoaderPermanent
	// TypeFirmwareTemporary is reclaimable once the kernel has finished
	// calling into firmware services (UEFI boot-services memory).
	TypeFirmwareTemporary
	// TypePageTables holds the bootloader's own early page tables.
	TypePageTables
	// TypeMMStructures holds memory-map metadata the firmware itself
	// allocated to describe the map.
	TypeMMStructures
	// TypeACPITables holds ACPI tables copied into normal RAM by
	// firmware; reclaimable once the kernel has parsed them.
	TypeACPITables
	// TypeReserved is never usable: MMIO, firmware runtime code/data,
	// bad memory, or anything not named above.
	TypeReserved
)

// usable reports whether descriptors of this type may be handed to the
// frame database as free/reclaimable memory. Every type the spec names as
// usable is coalescable with its free neighbors during the frame database's
// first pass; everything else becomes permanently reserved frames.
func (t DescriptorType) usable() bool {
	switch t {
	case TypeFree, TypeLoaderTemporary, TypeLoaderPermanent,
		TypeFirmwareTemporary, TypePageTables, TypeMMStructures, TypeACPITables:
		return true
	default:
		return false
	}
}

// Usable reports whether descriptors of this type may be treated as usable
// physical memory by the frame database.
func Usable(t DescriptorType) bool { return t.usable() }

// Descriptor describes one contiguous physical address range as reported
// by the bootloader.
type Descriptor struct {
	Base uintptr
	Size mem.Size
	Type DescriptorType
}

// End returns the address one past the last byte covered by d.
func (d Descriptor) End() uintptr {
	return d.Base + uintptr(d.Size)
}

// Visitor is called once per descriptor by Visit. Returning false aborts
// the walk early.
type Visitor func(d *Descriptor) bool

// Map is an ordered, immutable list of descriptors supplied at boot. Real
// bootloaders hand over a wire-format table (multiboot2 tags, UEFI memory
// map); constructing a Map from that format is a concern of the platform
// boot shim, not of this package — mm.Init is handed an already-parsed Map.
type Map struct {
	descriptors []Descriptor
}

// NewMap builds a Map from a caller-supplied descriptor slice. The slice is
// copied so callers may reuse or discard their buffer afterwards.
func NewMap(descriptors []Descriptor) *Map {
	m := &Map{descriptors: make([]Descriptor, len(descriptors))}
	copy(m.descriptors, descriptors)
	return m
}

// Visit calls fn once for every descriptor in boot order, stopping early if
// fn returns false.
func (m *Map) Visit(fn Visitor) {
	for i := range m.descriptors {
		if !fn(&m.descriptors[i]) {
			return
		}
	}
}

// Len returns the number of descriptors in the map.
func (m *Map) Len() int { return len(m.descriptors) }
