//go:build !unix

package arena

// DefaultPager returns the platform pager.
func DefaultPager() Pager { return HeapPager{} }
