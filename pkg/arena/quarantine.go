package arena

// quarantineEntry is one freed allocation waiting to become reusable.
// Slab entries point at their slot; large entries point at a tombstone,
// the mapping itself is already gone.
type quarantineEntry struct {
	slab  *slab
	index int
	tomb  *largeObject
	bytes uint64
}

// quarantine is a FIFO bounded by bytes and entries.
type quarantine struct {
	items      []quarantineEntry
	head       int
	bytes      uint64
	maxBytes   uint64
	maxEntries int
}

func (q *quarantine) len() int { return len(q.items) - q.head }

func (q *quarantine) push(e quarantineEntry) {
	q.items = append(q.items, e)
	q.bytes += e.bytes
}

func (q *quarantine) over() bool {
	return q.len() > 0 && (q.bytes > q.maxBytes || q.len() > q.maxEntries)
}

func (q *quarantine) pop() quarantineEntry {
	e := q.items[q.head]
	q.items[q.head] = quarantineEntry{}
	q.head++
	q.bytes -= e.bytes
	// compact once the consumed prefix dominates
	if q.head > 1024 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return e
}
