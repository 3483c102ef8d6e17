package ecache_test

import (
	"go.uber.org/atomic"

	"github.com/aistore-oss/extentcore/ecache"
	"github.com/aistore-oss/extentcore/edata"
	"github.com/aistore-oss/extentcore/emap"
	"github.com/aistore-oss/extentcore/extentcfg"
	"github.com/aistore-oss/extentcore/extentstats"
	"github.com/aistore-oss/extentcore/hooks"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func newTestArena(cfg *extentcfg.Config) (*ecache.Arena, *hooks.Synthetic) {
	syn := hooks.NewSynthetic()
	a := ecache.New(0, emap.New(), edata.NewPool(), syn.Set(), cfg, &extentstats.Stats{})
	return a, syn
}

const pg = hooks.PageSize

var _ = Describe("ecache", func() {
	Describe("recycle", func() {
		It("reuses a freed extent instead of mapping new memory", func() {
			a, syn := newTestArena(extentcfg.Default())

			e1, err := a.Alloc(0, 4*pg, pg, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(e1).NotTo(BeNil())
			base1 := e1.Base()
			allocsAfterFirst := syn.AllocCount

			a.Dalloc(e1)

			e2, err := a.Alloc(0, 4*pg, pg, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(e2.Base()).To(Equal(base1))
			Expect(syn.AllocCount).To(Equal(allocsAfterFirst), "a second OS mmap must not happen on a cache hit")
		})
	})

	Describe("eviction by page cap", func() {
		It("evicts the least-recently-freed extent first once npagesMin is exceeded", func() {
			a, _ := newTestArena(extentcfg.Default())

			// A still-active extent sits between e1 and e2 so their
			// adjacency can never let eviction-time coalescing merge them
			// into a single evictable unit — this test is about LRU
			// order, not coalescing.
			e1, _ := a.Alloc(0, 4*pg, pg, false)
			gap, _ := a.Alloc(0, 4*pg, pg, false)
			e2, _ := a.Alloc(0, 4*pg, pg, false)
			base1 := e1.Base()
			_ = gap

			a.Dalloc(e1)
			a.Dalloc(e2)
			Expect(a.Dirty.Npages()).To(Equal(uint64(8)))

			evicted := a.Dirty.Evict(4)
			Expect(evicted).NotTo(BeNil())
			Expect(evicted.Base()).To(Equal(base1), "the first-freed extent should be evicted first")
			Expect(a.Dirty.Npages()).To(Equal(uint64(4)))

			Expect(a.Dirty.Evict(4)).To(BeNil(), "no further eviction once at the floor")
		})
	})

	Describe("split then coalesce", func() {
		It("reassembles a whole extent after two partial allocations are both freed", func() {
			cfg := extentcfg.Default()
			a, _ := newTestArena(cfg)

			whole, err := a.Alloc(0, 8*pg, pg, false)
			Expect(err).NotTo(HaveOccurred())
			a.Dalloc(whole)

			// Recycling the dirty cache for a smaller request peels a trail
			// off the 8-page extent and reinserts it.
			half1, err := a.Dirty.Alloc(0, 4*pg, pg, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Dirty.Npages()).To(Equal(uint64(4)))

			half2, err := a.Dirty.Alloc(0, 4*pg, pg, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Dirty.Npages()).To(Equal(uint64(0)))

			Expect(half1.Base() + half1.Size()).To(Equal(half2.Base()))

			a.Muzzy.Dalloc(half1)
			a.Muzzy.Dalloc(half2)

			// Muzzy doesn't delay coalescing: the two adjacent halves merge
			// back into one 8-page extent on free.
			Expect(a.Muzzy.Npages()).To(Equal(uint64(8)))
		})
	})

	Describe("retained growth", func() {
		It("grows the address space in a geometric series, doubling the chunk at each step", func() {
			cfg := extentcfg.Default()
			cfg.BaseGrowSize = 1 * pg
			a, syn := newTestArena(cfg)

			e, err := a.Alloc(0, 1*pg, pg, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(e).NotTo(BeNil())
			Expect(syn.AllocCount).To(Equal(1))

			// The series' first step (1 page) satisfied the request exactly,
			// leaving nothing behind in retained.
			Expect(a.Retained.Npages()).To(Equal(uint64(0)))

			// The series' second step doubles to 2 pages, again satisfying
			// the request exactly.
			e2, err := a.Alloc(0, 2*pg, pg, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(e2).NotTo(BeNil())
			Expect(syn.AllocCount).To(Equal(2))
		})
	})

	Describe("abandonment on descriptor exhaustion", func() {
		It("abandons the VM range when a mid-split descriptor can't be drawn from the pool", func() {
			cfg := extentcfg.Default()
			a, _ := newTestArena(cfg)

			whole, err := a.Alloc(0, 8*pg, pg, false)
			Expect(err).NotTo(HaveOccurred())
			a.Dalloc(whole)

			// Force the trail split (peeling the high half off) to fail by
			// starving the descriptor pool right when it's needed.
			a.Pool.FailNextGet = 1

			before := a.Stats.AbandonedVM.Load()
			_, err = a.Dirty.Alloc(0, 4*pg, pg, false)
			Expect(err).To(HaveOccurred())
			Expect(a.Stats.AbandonedVM.Load()).To(BeNumerically(">", before))
		})
	})

	Describe("oversize free bypass", func() {
		It("routes a large freed extent straight toward retained instead of dirty", func() {
			cfg := extentcfg.Default()
			cfg.OversizeThreshold = atomic.NewUint64(4 * pg)
			a, _ := newTestArena(cfg)

			big, err := a.Alloc(0, 8*pg, pg, false)
			Expect(err).NotTo(HaveOccurred())

			a.Dalloc(big)

			// The freed range lands in retained once a release hook
			// succeeds, or in muzzy if every release attempt fails; what
			// the bypass guarantees is that it never passes through dirty
			// at all.
			Expect(a.Dirty.Npages()).To(Equal(uint64(0)))
			Expect(a.Retained.Npages() + a.Muzzy.Npages()).To(BeNumerically(">", 0))
		})

		It("leaves a small freed extent in dirty as usual", func() {
			cfg := extentcfg.Default()
			cfg.OversizeThreshold = atomic.NewUint64(8 * pg)
			a, _ := newTestArena(cfg)

			small, err := a.Alloc(0, 1*pg, pg, false)
			Expect(err).NotTo(HaveOccurred())

			a.Dalloc(small)

			Expect(a.Dirty.Npages()).To(Equal(uint64(1)))
		})
	})

	Describe("decay staircase", func() {
		It("walks a freed extent dirty -> muzzy -> retained, purging at each hop", func() {
			a, syn := newTestArena(extentcfg.Default())

			e, err := a.Alloc(0, 1*pg, pg, false)
			Expect(err).NotTo(HaveOccurred())
			a.Dalloc(e)
			Expect(a.Dirty.Npages()).To(Equal(uint64(1)))

			a.DecayDirty(0)
			Expect(a.Dirty.Npages()).To(Equal(uint64(0)))
			Expect(a.Muzzy.Npages()).To(Equal(uint64(1)))
			Expect(syn.PurgeLazyCount).To(BeNumerically(">=", 1))
			Expect(a.Stats.Decay[extentstats.Dirty].Purged.Load()).To(Equal(uint64(1)))

			a.DecayMuzzy(0)
			Expect(a.Muzzy.Npages()).To(Equal(uint64(0)))
			// The single page lands in retained and coalesces with the
			// growth remainder already cached there.
			Expect(a.Retained.Npages()).To(BeNumerically(">", 0))
			Expect(syn.DecommitCount).To(BeNumerically(">=", 1))
			Expect(a.Stats.Decay[extentstats.Muzzy].Purged.Load()).To(Equal(uint64(1)))
		})

		It("frees straight to the OS at the muzzy hop when retain is disabled", func() {
			cfg := extentcfg.Default()
			cfg.Retain = false
			a, syn := newTestArena(cfg)

			e, err := a.Alloc(0, 1*pg, pg, false)
			Expect(err).NotTo(HaveOccurred())
			a.Dalloc(e)
			a.DecayDirty(0)
			a.DecayMuzzy(0)

			Expect(syn.DallocCount).To(Equal(1))
			Expect(a.Retained.Npages()).To(Equal(uint64(0)))
		})
	})

	Describe("retained eviction and teardown", func() {
		It("releases evicted retained extents back to the OS", func() {
			a, syn := newTestArena(extentcfg.Default())

			// Growing for one page leaves the remainder of the first
			// series chunk cached in retained.
			_, err := a.Alloc(0, 1*pg, pg, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Retained.Npages()).To(BeNumerically(">", 0))

			a.PurgeRetained(0)
			Expect(a.Retained.Npages()).To(Equal(uint64(0)))
			Expect(syn.DallocCount).To(Equal(1))
		})

		It("destroys every cached mapping on arena teardown", func() {
			a, syn := newTestArena(extentcfg.Default())

			e, err := a.Alloc(0, 1*pg, pg, false)
			Expect(err).NotTo(HaveOccurred())
			a.Dalloc(e)

			a.Destroy()
			Expect(a.Dirty.Npages()).To(Equal(uint64(0)))
			Expect(a.Muzzy.Npages()).To(Equal(uint64(0)))
			Expect(a.Retained.Npages()).To(Equal(uint64(0)))
			Expect(syn.DestroyCount).To(BeNumerically(">=", 1))
		})
	})

	Describe("request validation and new_addr behavior", func() {
		It("rejects zero-size and zero-alignment requests without touching any cache", func() {
			a, syn := newTestArena(extentcfg.Default())

			_, err := a.Alloc(0, 0, pg, false)
			Expect(err).To(Equal(ecache.ErrInvalidRequest))

			_, err = a.Alloc(0, 4*pg, 0, false)
			Expect(err).To(Equal(ecache.ErrInvalidRequest))

			Expect(syn.AllocCount).To(Equal(0), "an invalid request must never reach the OS")
		})

		It("succeeds on a new_addr request only when that exact base is cached in this state", func() {
			a, _ := newTestArena(extentcfg.Default())

			e, err := a.Alloc(0, 4*pg, pg, false)
			Expect(err).NotTo(HaveOccurred())
			base := e.Base()
			a.Dalloc(e)

			hit, err := a.Dirty.Alloc(base, 4*pg, pg, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(hit).NotTo(BeNil())
			Expect(hit.Base()).To(Equal(base))
		})

		It("misses a new_addr request for an address not present in this cache's state", func() {
			a, _ := newTestArena(extentcfg.Default())

			e, err := a.Alloc(0, 4*pg, pg, false)
			Expect(err).NotTo(HaveOccurred())
			// e is Active, not a member of any cache's eset yet.
			miss, err := a.Dirty.Alloc(e.Base(), 4*pg, pg, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(miss).To(BeNil())
		})
	})
})
