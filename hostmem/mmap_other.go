//go:build !linux && !darwin && !freebsd

package hostmem

// mapBlock falls back to the go heap on platforms without mmap
func mapBlock(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapBlock(data []byte) error {
	return nil
}
