// Package cpu models the arch-specific primitives the memory manager needs
// from the processor: TLB control, page-table-root switching and CPUID
// feature detection. gopheros targets a single physical core and backs
// these with inline assembly; this module targets a hosted, testable
// multi-CPU simulation, so the primitives below are plain Go state guarded
// by atomics instead of assembly stubs.
package cpu

import (
	"sync"
	"sync/atomic"
)

var (
	cpuidFn = ID

	mu      sync.Mutex
	cpus    []cpuState
	scratch uintptr = 0xffff_ff7f_ffff_f000 // well-known per-CPU scratch slot base

	tlbFlushes uint64
	ipiCount   uint64
)

type cpuState struct {
	activePDT uintptr
}

// SetNumCPU (re)initializes the simulated CPU topology to n CPUs, each
// starting with no active page-table directory. It exists for tests that
// need to exercise BroadcastInvalidate across more than one CPU.
func SetNumCPU(n int) {
	mu.Lock()
	defer mu.Unlock()
	cpus = make([]cpuState, n)
}

// NumCPU returns the number of simulated CPUs.
func NumCPU() int {
	mu.Lock()
	defer mu.Unlock()
	return len(cpus)
}

func init() {
	SetNumCPU(1)
}

// EnableInterrupts enables interrupt handling. No-op in the hosted build.
func EnableInterrupts() {}

// DisableInterrupts disables interrupt handling. No-op in the hosted build.
func DisableInterrupts() {}

// Halt stops instruction execution. No-op in the hosted build.
func Halt() {}

// FlushTLBEntry flushes a TLB entry for a particular virtual address on the
// given simulated CPU.
func FlushTLBEntry(cpuID int, virtAddr uintptr) {
	atomic.AddUint64(&tlbFlushes, 1)
	_ = virtAddr
}

// SwitchPDT sets the root page table directory for cpuID to point to the
// specified physical address and flushes that CPU's entire TLB.
func SwitchPDT(cpuID int, pdtPhysAddr uintptr) {
	mu.Lock()
	cpus[cpuID].activePDT = pdtPhysAddr
	mu.Unlock()
	atomic.AddUint64(&tlbFlushes, 1)
}

// ActivePDT returns the physical address of the page table currently active
// on cpuID.
func ActivePDT(cpuID int) uintptr {
	mu.Lock()
	defer mu.Unlock()
	return cpus[cpuID].activePDT
}

// BroadcastInvalidate sends a TLB shootdown to every simulated CPU whose
// active page-table directory is pdtPhysAddr, invalidating n consecutive
// pages starting at va. Grounded on the IPI fan-out described by Minoca's
// MmpSendTlbInvalidateIpi: a shootdown targets only CPUs running the
// affected address space, not every CPU unconditionally.
func BroadcastInvalidate(pdtPhysAddr uintptr, va uintptr, n int) {
	mu.Lock()
	targets := make([]int, 0, len(cpus))
	for id, c := range cpus {
		if c.activePDT == pdtPhysAddr {
			targets = append(targets, id)
		}
	}
	mu.Unlock()

	atomic.AddUint64(&ipiCount, uint64(len(targets)))
	for _, id := range targets {
		for i := 0; i < n; i++ {
			FlushTLBEntry(id, va+uintptr(i)<<12)
		}
	}
}

// ScratchMap returns the virtual address of the scratch page-table slot
// reserved for cpuID. Each CPU gets its own slot so that concurrent
// virtual-to-physical translations never race on the same mapping.
func ScratchMap(cpuID int) uintptr {
	const pageSize = 4096
	return scratch + uintptr(cpuID)*pageSize
}

// ReadCR2 returns the value stored in the CR2 register. Always zero in the
// hosted build: there is no real page-fault hardware to report through it.
func ReadCR2() uint64 { return 0 }

// ID returns information about the CPU and its features. It simulates a
// CPUID instruction with EAX=leaf and returns the values in EAX, EBX, ECX
// and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32) {
	return 0, 0, 0, 0
}

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}
