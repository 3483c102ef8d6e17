package edata

import "sync"

// Pool recycles *Edata descriptors. The shape mirrors sync.Pool's Get/Put
// contract, but it is hand-rolled rather than built on sync.Pool itself:
// sync.Pool items can be dropped silently by the GC and Get never fails,
// whereas the abandonment policy depends on descriptor-pool exhaustion
// being an observable, injectable failure (see FailNextGet).
type Pool struct {
	mu   sync.Mutex
	free []*Edata

	// FailNextGet, when > 0, counts down and makes the Nth-from-now Get
	// call return nil, simulating metadata allocation failure.
	FailNextGet int
}

// NewPool returns an empty descriptor pool.
func NewPool() *Pool {
	return &Pool{}
}

// Get returns a zeroed, uninitialized descriptor, or nil if the pool is
// (simulated to be) exhausted. Callers must call Init before using it.
func (p *Pool) Get() *Edata {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailNextGet > 0 {
		p.FailNextGet--
		if p.FailNextGet == 0 {
			return nil
		}
	}
	n := len(p.free)
	if n == 0 {
		return &Edata{}
	}
	e := p.free[n-1]
	p.free[n-1] = nil
	p.free = p.free[:n-1]
	*e = Edata{}
	return e
}

// Put returns a descriptor to the pool. e must not be referenced by any
// eset, emap, or caller after this call.
func (p *Pool) Put(e *Edata) {
	p.mu.Lock()
	p.free = append(p.free, e)
	p.mu.Unlock()
}
