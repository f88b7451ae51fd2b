//go:build !windows

package cpu

import "golang.org/x/sys/unix"

// NewScratchBuffer reserves a size-byte anonymous mapping to back the
// pager's preallocated I/O buffer, per spec §4.4. The real target backs
// the pager's scratch region with an ordinary mapped page reached through
// ScratchMap; the hosted build has no MMU to simulate that through, so it
// needs an actual mapping behind the slice it hands the pager.
func NewScratchBuffer(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

// FreeScratchBuffer releases a mapping created by NewScratchBuffer.
func FreeScratchBuffer(buf []byte) error {
	return unix.Munmap(buf)
}
