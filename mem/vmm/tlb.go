package vmm

import "nucleusmm/kernel/cpu"

// currentCPUFn returns the ID of the CPU running the calling goroutine.
// There is no CPU-local storage in this hosted build, so callers that care
// about a specific CPU identity call cpu.SwitchPDT with that CPU's ID
// themselves (as addrspace.AddressSpace.Switch does); ordinary Map/Unmap
// and PageDirectoryTable.Activate calls act on behalf of CPU 0.
var currentCPUFn = func() int { return 0 }

func flushTLBEntry(virtAddr uintptr) {
	cpu.FlushTLBEntry(currentCPUFn(), virtAddr)
}

func switchPDT(pdtPhysAddr uintptr) {
	cpu.SwitchPDT(currentCPUFn(), pdtPhysAddr)
}

func activePDT() uintptr {
	return cpu.ActivePDT(currentCPUFn())
}
