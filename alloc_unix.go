//go:build unix

package cfenc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MmapAllocator allocates slot buffers with anonymous mappings outside the
// Go heap. The CineForm pool reads submitted buffers after
// EncodeAsyncSample returns, so they must not be moved or collected.
type MmapAllocator struct{}

// Alloc implements BufferAllocator.
func (MmapAllocator) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mmap: invalid size %d", size)
	}
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return buf, nil
}

// Free implements BufferAllocator.
func (MmapAllocator) Free(buf []byte) error {
	if buf == nil {
		return nil
	}
	return unix.Munmap(buf)
}
