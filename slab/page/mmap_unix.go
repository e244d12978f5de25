//go:build unix

package page

import (
	"errors"

	"golang.org/x/sys/unix"
)

// mapAnon maps size bytes of private anonymous memory.
func mapAnon(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

// discardAnon drops the pages of a mapping but keeps it mapped; the next
// touch sees zeroed memory.
func discardAnon(mem []byte) error {
	return unix.Madvise(mem, unix.MADV_DONTNEED)
}

func unmapAnon(mem []byte) error {
	err := unix.Munmap(mem)
	if errors.Is(err, unix.EINVAL) {
		// Treat double-unmap as no-op for callers.
		return nil
	}
	return err
}
