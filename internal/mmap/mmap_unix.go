//go:build !windows

package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

func mapAnon(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func mapFile(f *os.File, size int) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func munmap(data []byte) error {
	return unix.Munmap(data)
}

func msync(data []byte) error {
	return unix.Msync(data, unix.MS_SYNC)
}

// alignForSync widens [off, off+n) to page boundaries; msync requires a
// page-aligned start address.
func alignForSync(data []byte, off, n int) []byte {
	page := unix.Getpagesize()
	start := off &^ (page - 1)
	end := off + n
	if end > len(data) {
		end = len(data)
	}
	return data[start:end]
}
