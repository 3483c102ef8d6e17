package emap_test

import (
	"sync"

	"github.com/aistore-oss/extentcore/edata"
	"github.com/aistore-oss/extentcore/emap"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func mkEdata(base, size uintptr, sn uint64) *edata.Edata {
	e := &edata.Edata{}
	e.Init(base, size, 0, sn, edata.Active, false, true, false)
	return e
}

var _ = Describe("boundary index", func() {
	var m *emap.Emap

	BeforeEach(func() {
		m = emap.New()
	})

	Describe("register/lookup/deregister", func() {
		It("finds a registered extent by exact base", func() {
			e := mkEdata(0x1000, 0x1000, 1)
			m.RegisterBoundary(e)

			Expect(m.Lookup(0x1000)).To(Equal(e))
			Expect(m.Lookup(0x2000)).To(BeNil())
		})

		It("forgets a deregistered extent", func() {
			e := mkEdata(0x1000, 0x1000, 1)
			m.RegisterBoundary(e)
			m.DeregisterBoundary(e)

			Expect(m.Lookup(0x1000)).To(BeNil())
		})
	})

	Describe("neighbor queries", func() {
		It("finds the forward neighbor of an adjacent extent", func() {
			lo := mkEdata(0x1000, 0x1000, 1)
			hi := mkEdata(0x2000, 0x1000, 2)
			m.RegisterBoundary(lo)
			m.RegisterBoundary(hi)

			Expect(m.ForwardNeighbor(lo)).To(Equal(hi))
			Expect(m.BackwardNeighbor(hi)).To(Equal(lo))
		})

		It("reports no neighbor across a gap", func() {
			lo := mkEdata(0x1000, 0x1000, 1)
			farHi := mkEdata(0x3000, 0x1000, 2) // not adjacent: gap at 0x2000
			m.RegisterBoundary(lo)
			m.RegisterBoundary(farHi)

			Expect(m.ForwardNeighbor(lo)).To(BeNil())
			Expect(m.BackwardNeighbor(farHi)).To(BeNil())
		})
	})

	Describe("split / merge two-phase updates", func() {
		It("re-indexes a split so the shrunk parent and new trail both resolve", func() {
			e := mkEdata(0x1000, 0x2000, 1) // [0x1000, 0x3000)
			m.RegisterBoundary(e)

			trail := &edata.Edata{}
			trail.Init(0x2000, 0x1000, 0, 2, edata.Active, false, true, false)
			m.SplitPrepare(e, trail)
			m.SplitCommit(e, 0x1000, trail)

			Expect(e.Size()).To(Equal(uintptr(0x1000)))
			Expect(m.Lookup(0x1000)).To(Equal(e))
			// SplitCommit registers trail itself; callers must not also call
			// RegisterBoundary(trail).
			Expect(m.ForwardNeighbor(e)).To(Equal(trail))
			Expect(m.Lookup(0x2000)).To(Equal(trail))
		})

		It("re-indexes a merge so only the grown low extent resolves", func() {
			lo := mkEdata(0x1000, 0x1000, 1)
			hi := mkEdata(0x2000, 0x1000, 2)
			m.RegisterBoundary(lo)
			m.RegisterBoundary(hi)

			m.MergePrepare(lo, hi)
			m.MergeCommit(lo, hi)

			Expect(lo.Size()).To(Equal(uintptr(0x2000)))
			Expect(m.Lookup(0x2000)).To(BeNil()) // hi's base no longer indexed
			Expect(m.ForwardNeighbor(lo)).To(BeNil())
		})
	})

	Describe("LockEdataFromAddr", func() {
		It("resolves a base address and a last-byte address to the same extent", func() {
			e := mkEdata(0x1000, 0x1000, 1)
			m.RegisterBoundary(e)

			byBase := m.LockEdataFromAddr(0x1000, false)
			Expect(byBase).To(Equal(e))
			m.UnlockEdata(byBase)

			// A backward-neighbor query passes the following range's
			// base minus one, i.e. this extent's last byte.
			byLastByte := m.LockEdataFromAddr(0x1fff, false)
			Expect(byLastByte).To(Equal(e))
			m.UnlockEdata(byLastByte)

			Expect(m.LockEdataFromAddr(0x3000, false)).To(BeNil())
		})

		It("skips Active extents when inactiveOnly is set", func() {
			active := mkEdata(0x1000, 0x1000, 1) // mkEdata constructs Active
			m.RegisterBoundary(active)

			Expect(m.LockEdataFromAddr(0x1000, true)).To(BeNil())

			got := m.LockEdataFromAddr(0x1000, false)
			Expect(got).To(Equal(active))
			m.UnlockEdata(got)
		})
	})

	Describe("per-edata locking", func() {
		It("LockEdata2 is safe to call concurrently in either argument order without deadlock", func() {
			a := mkEdata(0x10000, 0x1000, 1) // lock-pool bucket 16
			b := mkEdata(0x20000, 0x1000, 2) // lock-pool bucket 32

			done := make(chan struct{})
			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					m.LockEdata2(a, b)
					m.UnlockEdata2(a, b)
				}
			}()
			go func() {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					m.LockEdata2(b, a)
					m.UnlockEdata2(b, a)
				}
			}()
			go func() {
				wg.Wait()
				close(done)
			}()

			Eventually(done, "2s").Should(BeClosed())
		})
	})
})
