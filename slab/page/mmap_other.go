//go:build !unix

package page

// mapAnon falls back to heap memory when mmap is not available.
func mapAnon(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func discardAnon(mem []byte) error {
	clear(mem)
	return nil
}

func unmapAnon([]byte) error { return nil }
