package rc

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Basic counting
// ---------------------------------------------------------------------------

var countingModes = []struct {
	name      string
	configure func(*Options)
	class     func() *Class
}{
	{"inline", nil, func() *Class { return testClass("Inline") }},
	{"side-table-only", func(o *Options) { o.InlineRefCounts = false }, func() *Class { return testClass("SideOnly") }},
	{"side-table-class", nil, func() *Class {
		c := testClass("SideClass")
		c.RequiresSideTable = true
		return c
	}},
}

func TestRetainReleaseCount(t *testing.T) {
	for _, mode := range countingModes {
		t.Run(mode.name, func(t *testing.T) {
			rt, violations, finalized := newTestRuntime(t, mode.configure)
			obj := rt.Alloc(mode.class())
			require.Equal(t, uint64(1), rt.RetainCount(obj))

			const n, m = 25, 10
			for i := 0; i < n; i++ {
				require.Same(t, obj, rt.Retain(obj))
			}
			for i := 0; i < m; i++ {
				rt.Release(obj)
			}
			require.Equal(t, uint64(1+n-m), rt.RetainCount(obj))

			for i := 0; i < n-m; i++ {
				rt.Release(obj)
			}
			require.Equal(t, uint64(1), rt.RetainCount(obj))
			require.Zero(t, rt.Stats().SideEntries)
			require.Empty(t, finalized.order())

			rt.Release(obj)
			require.Equal(t, 1, finalized.times(obj))
			require.True(t, obj.IsFreed())
			require.Zero(t, rt.Stats().SideEntries)
			require.Zero(t, violations.count())
		})
	}
}

func TestSideTableOnlyKeepsEntryWhileRetained(t *testing.T) {
	rt, _, _ := newTestRuntime(t, func(o *Options) { o.InlineRefCounts = false })
	obj := rt.Alloc(testClass("SideOnly"))

	require.Zero(t, rt.Stats().SideEntries)
	rt.Retain(obj)
	st := rt.Stats()
	require.Equal(t, 1, st.SideEntries)
	require.Equal(t, 1, st.SideOnly)
	rt.Release(obj)
	require.Zero(t, rt.Stats().SideEntries)
	rt.Release(obj)
}

func TestNilIsIgnored(t *testing.T) {
	rt, violations, _ := newTestRuntime(t, nil)
	require.Nil(t, rt.Retain(nil))
	require.Nil(t, rt.TryRetain(nil))
	rt.Release(nil)
	require.False(t, rt.ReleaseShouldDealloc(nil))
	require.Zero(t, rt.RetainCount(nil))
	rt.Dealloc(nil)
	require.Zero(t, violations.count())
}

// ---------------------------------------------------------------------------
// Deallocation
// ---------------------------------------------------------------------------

func TestFinalizeExactlyOnce(t *testing.T) {
	for _, mode := range countingModes {
		t.Run(mode.name, func(t *testing.T) {
			rt, violations, finalized := newTestRuntime(t, mode.configure)
			obj := rt.Alloc(mode.class())
			rt.SetAssociated(obj, "payload", "x")

			rt.Release(obj)
			require.Equal(t, 1, finalized.times(obj))
			require.True(t, obj.IsFreed())
			require.Nil(t, rt.Associated(obj, "payload"))

			rt.Retain(obj)
			rt.Release(obj)
			require.Equal(t, []ViolationKind{ViolationUseAfterFree, ViolationUseAfterFree}, violations.kinds())
			require.Nil(t, rt.TryRetain(obj))
			require.Equal(t, 1, finalized.times(obj))
			require.Zero(t, rt.RetainCount(obj))
		})
	}
}

func TestReleaseShouldDealloc(t *testing.T) {
	for _, mode := range countingModes {
		t.Run(mode.name, func(t *testing.T) {
			rt, violations, finalized := newTestRuntime(t, mode.configure)
			obj := rt.Alloc(mode.class())
			rt.Retain(obj)

			require.False(t, rt.ReleaseShouldDealloc(obj))
			require.False(t, rt.IsDeallocating(obj))
			require.True(t, rt.ReleaseShouldDealloc(obj))
			require.True(t, rt.IsDeallocating(obj))
			require.False(t, obj.IsFreed())
			require.Empty(t, finalized.order())

			require.Nil(t, rt.TryRetain(obj))
			rt.Retain(obj)
			rt.Release(obj)
			require.Equal(t, []ViolationKind{ViolationRetainDeallocating, ViolationOverRelease}, violations.kinds())

			rt.Dealloc(obj)
			require.True(t, obj.IsFreed())
			require.Equal(t, 1, finalized.times(obj))

			rt.Dealloc(obj)
			require.Equal(t, ViolationDoubleDealloc, violations.kinds()[2])
			require.Equal(t, 1, finalized.times(obj))
		})
	}
}

func TestChangeClassOfFreedObject(t *testing.T) {
	for _, mode := range countingModes {
		t.Run(mode.name, func(t *testing.T) {
			rt, violations, _ := newTestRuntime(t, mode.configure)
			obj := rt.Alloc(mode.class())
			rt.Release(obj)
			require.True(t, obj.IsFreed())

			require.Nil(t, rt.ChangeClass(obj, &Class{Name: "Migrated", RequiresSideTable: true}))
			require.Equal(t, []ViolationKind{ViolationUseAfterFree}, violations.kinds())
			require.Zero(t, rt.Stats().SideEntries)
			require.True(t, obj.IsFreed())
		})
	}
}

func TestDeallocLiveObject(t *testing.T) {
	rt, violations, finalized := newTestRuntime(t, nil)
	obj := rt.Alloc(testClass("Live"))

	rt.Dealloc(obj)
	require.Equal(t, []ViolationKind{ViolationDeallocLive}, violations.kinds())
	require.False(t, obj.IsFreed())
	require.Empty(t, finalized.order())
	require.Equal(t, uint64(1), rt.RetainCount(obj))
}

func TestFinalizerSeesFlags(t *testing.T) {
	var sawDtor, sawAssoc bool
	rt, _, _ := newTestRuntime(t, nil)
	rt.finalizer = func(obj *Object) {
		sawDtor = obj.HasCustomDestructor()
		sawAssoc = obj.HasAssociatedData()
	}
	obj := rt.Alloc(&Class{Name: "Dtor", HasCustomDestructor: true})
	obj.SetHasAssociatedData()
	rt.Release(obj)
	require.True(t, sawDtor)
	require.True(t, sawAssoc)
}

func TestDefaultHandlerPanics(t *testing.T) {
	opts := DefaultOptions()
	opts.InlineRefCounts = false
	rt := New(opts)
	obj := rt.Alloc(testClass("Panicky"))
	require.True(t, rt.ReleaseShouldDealloc(obj))

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		rt.Retain(obj)
	}()
	v, ok := recovered.(*UsageViolation)
	require.True(t, ok, "panic value %v", recovered)
	require.Equal(t, ViolationRetainDeallocating, v.Kind)
	require.Equal(t, obj.ID(), v.ObjectID)
	require.Equal(t, "Panicky", v.Class)
	require.Contains(t, v.Error(), "retain_deallocating")
	require.NotEmpty(t, v.Stack())

	// The shard lock was released by the panic.
	require.Equal(t, uint64(1), rt.RetainCount(obj))
	rt.Dealloc(obj)
	require.True(t, obj.IsFreed())
}

// ---------------------------------------------------------------------------
// Overflow into the side table
// ---------------------------------------------------------------------------

func TestInlineOverflow(t *testing.T) {
	reg := prometheus.NewRegistry()
	rt, violations, _ := newTestRuntime(t, func(o *Options) {
		o.InlineCountBits = 8
		o.Registerer = reg
	})
	obj := rt.Alloc(testClass("Busy"))

	const retains = 1000
	for i := 1; i <= retains; i++ {
		rt.Retain(obj)
		require.Equal(t, uint64(1+i), rt.RetainCount(obj))
	}
	require.True(t, obj.load().sideCount())
	st := rt.Stats()
	require.Equal(t, 1, st.SideEntries)
	require.Equal(t, 1, st.SideOverflowed)
	require.Positive(t, testutil.ToFloat64(rt.Metrics().Overflows))

	for i := retains; i >= 1; i-- {
		require.Equal(t, uint64(1+i), rt.RetainCount(obj))
		rt.Release(obj)
	}
	require.Equal(t, uint64(1), rt.RetainCount(obj))
	require.False(t, obj.load().sideCount())
	require.Zero(t, rt.Stats().SideEntries)
	require.Zero(t, testutil.ToFloat64(rt.Metrics().SideTableEntries))
	require.Positive(t, testutil.ToFloat64(rt.Metrics().Borrows))

	rt.Release(obj)
	require.True(t, obj.IsFreed())
	require.Zero(t, violations.count())
	require.Equal(t, float64(1), testutil.ToFloat64(rt.Metrics().Deallocations))
}

func TestOverflowAtDefaultWidth(t *testing.T) {
	if testing.Short() {
		t.Skip("retains past 2^19")
	}
	rt, violations, _ := newTestRuntime(t, nil)
	obj := rt.Alloc(testClass("Busy"))

	retains := 1<<DefaultInlineCountBits + 10
	for i := 0; i < retains; i++ {
		rt.Retain(obj)
	}
	require.Equal(t, uint64(1+retains), rt.RetainCount(obj))
	require.Equal(t, 1, rt.Stats().SideEntries)
	for i := 0; i < retains; i++ {
		rt.Release(obj)
	}
	require.Equal(t, uint64(1), rt.RetainCount(obj))
	require.Zero(t, rt.Stats().SideEntries)
	require.Zero(t, violations.count())
	rt.Release(obj)
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestConcurrentRetainRelease(t *testing.T) {
	widths := []uint{DefaultInlineCountBits, 4, 1}
	for _, width := range widths {
		rt, violations, finalized := newTestRuntime(t, func(o *Options) { o.InlineCountBits = width })
		obj := rt.Alloc(testClass("Shared"))
		rt.Retain(obj)
		before := rt.RetainCount(obj)

		const workers, iterations = 8, 10000
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < iterations; i++ {
					rt.Retain(obj)
					rt.Release(obj)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, before, rt.RetainCount(obj), "width %d", width)
		require.Zero(t, violations.count(), "width %d", width)
		require.Empty(t, finalized.order(), "width %d", width)
	}
}

func TestConcurrentBatchedRetainRelease(t *testing.T) {
	// Each worker holds many references at once so the inline field keeps
	// overflowing and borrowing back under contention.
	rt, violations, finalized := newTestRuntime(t, func(o *Options) { o.InlineCountBits = 4 })
	obj := rt.Alloc(testClass("Shared"))

	const workers, rounds, batch = 8, 200, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				for i := 0; i < batch; i++ {
					rt.Retain(obj)
				}
				for i := 0; i < batch; i++ {
					rt.Release(obj)
				}
			}
		}()
	}
	wg.Wait()

	require.Equal(t, uint64(1), rt.RetainCount(obj))
	require.Zero(t, rt.Stats().SideEntries)
	require.Zero(t, violations.count())
	require.Empty(t, finalized.order())
	rt.Release(obj)
	require.Equal(t, 1, finalized.times(obj))
}

func TestReleaseRacesTryRetain(t *testing.T) {
	for _, mode := range countingModes {
		t.Run(mode.name, func(t *testing.T) {
			rt, violations, finalized := newTestRuntime(t, mode.configure)
			cls := mode.class()

			for i := 0; i < 2000; i++ {
				obj := rt.Alloc(cls)
				start := make(chan struct{})
				var got *Object
				var wg sync.WaitGroup
				wg.Add(2)
				go func() {
					defer wg.Done()
					<-start
					rt.Release(obj)
				}()
				go func() {
					defer wg.Done()
					<-start
					got = rt.TryRetain(obj)
				}()
				close(start)
				wg.Wait()

				if got != nil {
					// The retain won: the release must not have deallocated.
					require.False(t, obj.IsFreed())
					require.Equal(t, uint64(1), rt.RetainCount(obj))
					require.Zero(t, finalized.times(obj))
					rt.Release(obj)
				}
				require.True(t, obj.IsFreed())
				require.Equal(t, 1, finalized.times(obj))
			}
			require.Zero(t, violations.count())
		})
	}
}

func TestDeadlockDetectingLocks(t *testing.T) {
	rt, violations, _ := newTestRuntime(t, func(o *Options) {
		o.DeadlockDetection = true
		o.InlineCountBits = 2
	})
	obj := rt.Alloc(testClass("Checked"))
	var loc WeakVar
	rt.RegisterWeak(&loc, obj)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				rt.Retain(obj)
				if got := rt.LoadWeak(&loc); got != nil {
					rt.Release(got)
				}
				rt.Release(obj)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, uint64(1), rt.RetainCount(obj))
	rt.Release(obj)
	require.Nil(t, loc.Peek())
	require.Zero(t, violations.count())
}

// ---------------------------------------------------------------------------
// Class change
// ---------------------------------------------------------------------------

func TestChangeClassMigratesCount(t *testing.T) {
	rt, violations, finalized := newTestRuntime(t, func(o *Options) { o.InlineCountBits = 4 })
	plain := testClass("Plain")
	sideOnly := &Class{Name: "SideOnly", RequiresSideTable: true, HasCustomDestructor: true}

	obj := rt.Alloc(plain)
	for i := 0; i < 40; i++ {
		rt.Retain(obj)
	}
	var loc WeakVar
	require.Same(t, obj, rt.RegisterWeak(&loc, obj))
	require.True(t, obj.load().sideCount())

	prev := rt.ChangeClass(obj, sideOnly)
	require.Same(t, plain, prev)
	require.Same(t, sideOnly, rt.ClassOf(obj))
	require.False(t, obj.load().inline())
	require.True(t, obj.HasCustomDestructor())
	require.Equal(t, uint64(41), rt.RetainCount(obj))
	require.True(t, rt.IsWeaklyReferenced(obj))

	st := rt.Stats()
	require.Equal(t, 1, st.SideEntries)
	require.Equal(t, 1, st.SideOnly)

	// Changing back keeps the object side-table-only.
	rt.ChangeClass(obj, plain)
	require.False(t, obj.load().inline())
	require.False(t, obj.HasCustomDestructor())

	for i := 0; i < 40; i++ {
		rt.Release(obj)
	}
	require.Equal(t, uint64(1), rt.RetainCount(obj))
	rt.Release(obj)
	require.True(t, obj.IsFreed())
	require.Nil(t, loc.Peek())
	require.Equal(t, 1, finalized.times(obj))
	require.Zero(t, rt.Stats().SideEntries)
	require.Zero(t, violations.count())
}

func TestChangeClassInlineToInline(t *testing.T) {
	rt, _, _ := newTestRuntime(t, nil)
	a, b := testClass("A"), testClass("B")
	obj := rt.Alloc(a)
	rt.Retain(obj)

	require.Same(t, a, rt.ChangeClass(obj, b))
	require.True(t, obj.load().inline())
	require.Equal(t, rt.Classes().ID(b), obj.ClassID())
	require.Equal(t, uint64(2), rt.RetainCount(obj))
	require.Zero(t, rt.Stats().SideEntries)
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

func TestViolationMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	rt, _, _ := newTestRuntime(t, func(o *Options) { o.Registerer = reg })
	obj := rt.Alloc(testClass("Counted"))
	rt.Release(obj)
	rt.Release(obj)
	rt.Retain(obj)

	require.Equal(t, float64(2), testutil.ToFloat64(rt.Metrics().Violations.WithLabelValues("use_after_free")))
	n, err := testutil.GatherAndCount(reg, "objrt_rc_violation_total")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
