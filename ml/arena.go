package ml

import "sync"

var slabPool = sync.Pool{
	New: func() any {
		s := make([]float64, 0, 128)
		return &s
	},
}

// arena hands out scratch float64 buffers for a single call. Every buffer is
// returned to the pool by release, so nothing allocated from an arena may
// escape the call that owns it.
type arena struct {
	slabs []*[]float64
}

func (a *arena) alloc(n int) []float64 {
	slab := slabPool.Get().(*[]float64)
	if cap(*slab) < n {
		*slab = make([]float64, n)
	}
	*slab = (*slab)[:n]
	clear(*slab)
	a.slabs = append(a.slabs, slab)
	return *slab
}

func (a *arena) release() {
	for _, slab := range a.slabs {
		clear(*slab)
		*slab = (*slab)[:0]
		slabPool.Put(slab)
	}
	a.slabs = nil
}
