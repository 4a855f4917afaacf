package main

import (
	"sync"

	"github.com/taylorza/go-lfsr"
)

// idSource hands out pseudo-random non-zero ids which do not repeat for ~2^32 calls.
// It is shared by all producers.
type idSource struct {
	lock sync.Mutex
	gen  interface{ Next() (uint32, bool) }
}

func newIDSource(seed uint32) (s *idSource) {
	if seed == 0 {
		seed = 1
	}
	return &idSource{gen: lfsr.NewLfsr32(seed)}
}

func (s *idSource) next() (id uint32) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for {
		id, restarted := s.gen.Next()
		if restarted {
			panic("generated ~32 bits of IDs")
		}
		if id != 0 {
			return id
		}
	}
}
