// Package stress drives a runtime through concurrent retain, release and
// weak-reference workloads and checks the counting invariants afterwards.
package stress

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pingcap/errors"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/objrt/rc"
)

var logger = commonlog.GetLogger("objrt.stress")

// Config sizes the workloads.
type Config struct {
	Workers    int // concurrent goroutines per scenario
	Iterations int // operations per goroutine
	WeakRefs   int // weak locations registered in the weak scenario
	Races      int // rounds of the release/try-retain race
}

// DefaultConfig mirrors the sizes used by the package tests of rc.
func DefaultConfig() Config {
	return Config{
		Workers:    8,
		Iterations: 10000,
		WeakRefs:   1000,
		Races:      1000,
	}
}

// Result reports one scenario.
type Result struct {
	Scenario string
	Duration time.Duration
	Ops      uint64
}

// Scenario is one named workload.
type Scenario struct {
	Name string
	Run  func(ctx context.Context, rt *rc.Runtime, cfg Config) (ops uint64, err error)
}

// Scenarios lists the workloads in the order Run executes them.
var Scenarios = []Scenario{
	{"retain-release", retainRelease},
	{"overflow", overflow},
	{"weak-clear", weakClear},
	{"release-race", releaseRace},
}

// Run executes every scenario against rt and stops at the first failure.
func Run(ctx context.Context, rt *rc.Runtime, cfg Config) ([]Result, error) {
	var results []Result
	for _, sc := range Scenarios {
		start := time.Now()
		ops, err := sc.Run(ctx, rt, cfg)
		if err != nil {
			return results, errors.Annotatef(err, "scenario %s", sc.Name)
		}
		r := Result{Scenario: sc.Name, Duration: time.Since(start), Ops: ops}
		logger.Infof("%s: %d ops in %s", r.Scenario, r.Ops, r.Duration)
		results = append(results, r)
	}
	return results, nil
}

// retainRelease has every worker retain and release one shared object.
func retainRelease(ctx context.Context, rt *rc.Runtime, cfg Config) (uint64, error) {
	obj := rt.Alloc(scenarioClass(rt, "StressShared", false))
	defer rt.Release(obj)
	before := rt.RetainCount(obj)

	var ops atomic.Uint64
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Workers; w++ {
		g.Go(func() error {
			for i := 0; i < cfg.Iterations; i++ {
				if i%1024 == 0 && ctx.Err() != nil {
					return ctx.Err()
				}
				rt.Retain(obj)
				rt.Release(obj)
				ops.Add(2)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ops.Load(), err
	}
	if after := rt.RetainCount(obj); after != before {
		return ops.Load(), errors.Errorf("retain count drifted from %d to %d", before, after)
	}
	return ops.Load(), nil
}

// overflow has every worker hold a batch of references at once, pushing the
// count through the inline capacity and back.
func overflow(ctx context.Context, rt *rc.Runtime, cfg Config) (uint64, error) {
	obj := rt.Alloc(scenarioClass(rt, "StressOverflow", false))
	defer rt.Release(obj)

	batch := 1 << (rt.Options().InlineCountBits - 1)
	if batch > cfg.Iterations {
		batch = cfg.Iterations
	}
	if batch < 1 {
		batch = 1
	}
	rounds := cfg.Iterations / batch

	var ops atomic.Uint64
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Workers; w++ {
		g.Go(func() error {
			for r := 0; r < rounds; r++ {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				for i := 0; i < batch; i++ {
					rt.Retain(obj)
				}
				for i := 0; i < batch; i++ {
					rt.Release(obj)
				}
				ops.Add(uint64(2 * batch))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ops.Load(), err
	}
	if n := rt.RetainCount(obj); n != 1 {
		return ops.Load(), errors.Errorf("retain count %d after balanced batches, want 1", n)
	}
	return ops.Load(), nil
}

// weakClear registers many weak locations concurrently, kills the referent
// and checks that every location reads nil.
func weakClear(ctx context.Context, rt *rc.Runtime, cfg Config) (uint64, error) {
	obj := rt.Alloc(scenarioClass(rt, "StressWeak", false))
	locs := make([]rc.WeakVar, cfg.WeakRefs)

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Workers; w++ {
		w := w
		g.Go(func() error {
			for i := w; i < len(locs); i += cfg.Workers {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if rt.RegisterWeak(&locs[i], obj) != obj {
					return errors.Errorf("weak registration %d refused for a live object", i)
				}
			}
			return nil
		})
	}
	err := g.Wait()
	rt.Release(obj)
	if err != nil {
		return 0, err
	}

	for i := range locs {
		if got := rt.LoadWeak(&locs[i]); got != nil {
			rt.Release(got)
			return uint64(len(locs)), errors.Errorf("weak location %d survived its referent", i)
		}
	}
	return uint64(2 * len(locs)), nil
}

// releaseRace pits the final release against a try-retain, round after round.
func releaseRace(ctx context.Context, rt *rc.Runtime, cfg Config) (uint64, error) {
	cls := scenarioClass(rt, "StressRace", false)
	var ops uint64
	for i := 0; i < cfg.Races; i++ {
		if ctx.Err() != nil {
			return ops, ctx.Err()
		}
		obj := rt.Alloc(cls)
		var got *rc.Object
		var g errgroup.Group
		g.Go(func() error {
			rt.Release(obj)
			return nil
		})
		g.Go(func() error {
			got = rt.TryRetain(obj)
			return nil
		})
		_ = g.Wait()

		if got != nil {
			if obj.IsFreed() {
				return ops, errors.Errorf("round %d: try-retain succeeded on a freed object", i)
			}
			rt.Release(got)
		}
		if !obj.IsFreed() {
			return ops, errors.Errorf("round %d: object outlived its last reference", i)
		}
		ops += 2
	}
	return ops, nil
}

// Populate leaves a runtime holding state worth inspecting: objects with
// overflowed counts, side-table-only objects and weakly referenced objects.
// The returned function releases everything it allocated.
func Populate(rt *rc.Runtime, objects int) (release func()) {
	inlineCls := scenarioClass(rt, "Held", false)
	sideCls := scenarioClass(rt, "HeldSide", true)
	overflowBy := 1 << rt.Options().InlineCountBits

	type held struct {
		obj   *rc.Object
		extra int
	}
	var all []held
	var weak []*rc.WeakVar
	for i := 0; i < objects; i++ {
		cls := inlineCls
		if i%3 == 2 {
			cls = sideCls
		}
		obj := rt.Alloc(cls)
		h := held{obj: obj}
		if i%2 == 0 {
			h.extra = overflowBy + i
			for j := 0; j < h.extra; j++ {
				rt.Retain(obj)
			}
		}
		for j := 0; j < i%7; j++ {
			loc := new(rc.WeakVar)
			rt.RegisterWeak(loc, obj)
			weak = append(weak, loc)
		}
		all = append(all, h)
	}

	return func() {
		for _, h := range all {
			for j := 0; j < h.extra; j++ {
				rt.Release(h.obj)
			}
			rt.Release(h.obj)
		}
		for _, loc := range weak {
			rt.DestroyWeak(loc)
		}
	}
}

// scenarioClass returns the named class, registering it on first use.
func scenarioClass(rt *rc.Runtime, name string, sideTable bool) *rc.Class {
	if c := rt.Classes().LookupName(name); c != nil {
		return c
	}
	c, err := rt.Classes().Register(&rc.Class{Name: name, RequiresSideTable: sideTable})
	if err != nil {
		// Lost a registration race; the winner's class is equivalent.
		return rt.Classes().LookupName(name)
	}
	return c
}
