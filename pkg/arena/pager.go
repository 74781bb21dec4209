package arena

// Pager supplies and releases the backing bytes for slabs and large
// objects. Returned memory must be zeroed.
type Pager interface {
	Map(n int) ([]byte, error)
	Unmap(b []byte) error
}

// HeapPager backs the arena with ordinary Go memory. Unmap is a no-op;
// the garbage collector reclaims the bytes.
type HeapPager struct{}

func (HeapPager) Map(n int) ([]byte, error) { return make([]byte, n), nil }
func (HeapPager) Unmap([]byte) error        { return nil }
