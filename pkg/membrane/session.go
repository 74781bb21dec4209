package membrane

import (
	"time"

	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/kernel"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/tlscache"
)

// Session pins one validation cache to a single goroutine for its
// lifetime, avoiding a pool round trip per call. A Session must not be
// shared between goroutines.
type Session struct {
	m     *Membrane
	cache *tlscache.Cache
}

// NewSession starts a session. Close returns its cache.
func (m *Membrane) NewSession() *Session {
	return &Session{m: m, cache: m.caches.Get()}
}

// Close folds the session's cache counters into the membrane totals.
func (s *Session) Close() {
	if s.cache != nil {
		s.m.caches.Put(s.cache)
		s.cache = nil
	}
}

// Stats returns the counters accumulated since the session started.
func (s *Session) Stats() tlscache.Stats {
	if s.cache == nil {
		return tlscache.Stats{}
	}
	return s.cache.Stats()
}

func (s *Session) Decide(req kernel.Request) kernel.Decision { return s.m.decide(s.cache, req) }

func (s *Session) Observe(f kernel.Family, p kernel.Profile, cost time.Duration, adverse bool) {
	s.m.Observe(f, p, cost, adverse)
}

func (s *Session) Memcpy(dst, src, n uint64) (uint64, error) { return s.m.memcpy(s.cache, dst, src, n) }

func (s *Session) Strcpy(dst uint64, str string) (uint64, error) {
	return s.m.strcpy(s.cache, dst, str)
}

func (s *Session) Load(addr, n uint64) ([]byte, error) { return s.m.load(s.cache, addr, n) }

func (s *Session) Malloc(size uint64) (uint64, error)       { return s.m.Malloc(size) }
func (s *Session) Calloc(n, size uint64) (uint64, error)    { return s.m.Calloc(n, size) }
func (s *Session) Free(ptr uint64) error                    { return s.m.Free(ptr) }
func (s *Session) Realloc(ptr, size uint64) (uint64, error) { return s.m.Realloc(ptr, size) }
func (s *Session) AlignedAlloc(align, size uint64) (uint64, error) {
	return s.m.AlignedAlloc(align, size)
}

func (s *Session) UncheckedStore(addr uint64, data []byte) error {
	return s.m.UncheckedStore(addr, data)
}
