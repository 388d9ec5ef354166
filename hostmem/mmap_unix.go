//go:build linux || darwin || freebsd

package hostmem

import (
	"golang.org/x/sys/unix"
)

// mapBlock reserves anonymous, zeroed memory outside of the go heap
func mapBlock(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapBlock(data []byte) error {
	return unix.Munmap(data)
}
