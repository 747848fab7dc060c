// Package mmap provides thin wrappers around the mmap(2) syscall: an
// anonymous mapping used by the arena allocator, and a file-backed mapping
// used by the journal to read and poll its fixed header without a syscall
// per access.
package mmap

import (
	"fmt"
	"syscall"
)

// New allocates a large contiguous chunk of memory using the OS syscall mmap.
// This is manually managed memory that is not garbage collected by the Go
// runtime. You must call Free with the buffer when finished. Note that the
// size of the returned buffer may not be the equal to `size` because the OS
// will round the byte length up to a multiple of the system's page size.
func New(size int) ([]byte, error) {
	if size < 1 {
		return nil, fmt.Errorf("mmap: invalid size; size must be greater than 0: %d", size)
	}

	// Set `fd` to -1 because we are using `syscall.MAP_ANON`. This indicates
	// that there is no backing disk file.
	data, err := syscall.Mmap(-1, 0, size,
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_ANON|syscall.MAP_PRIVATE,
	)
	if err != nil {
		return nil, err
	}

	return data, nil
}

func Free(data []byte) error {
	return syscall.Munmap(data)
}

// NewFile maps a region of an open file into memory for reading and
// writing. The caller retains ownership of fd and must call Free on the
// returned slice before closing it.
func NewFile(fd uintptr, offset int64, size int) ([]byte, error) {
	if size < 1 {
		return nil, fmt.Errorf("mmap: invalid size; size must be greater than 0: %d", size)
	}
	return syscall.Mmap(int(fd), offset, size,
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED,
	)
}
