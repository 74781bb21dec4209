//go:build unix

package arena

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MmapPager maps anonymous private memory outside the Go heap, so large
// objects are handed back to the kernel on free.
type MmapPager struct{}

func (MmapPager) Map(n int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", n, err)
	}
	return b, nil
}

func (MmapPager) Unmap(b []byte) error {
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("munmap %d bytes: %w", len(b), err)
	}
	return nil
}

// DefaultPager returns the platform pager.
func DefaultPager() Pager { return MmapPager{} }
