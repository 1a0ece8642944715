// Package rc implements the reference-counting core of the object runtime:
// inline counts with a side-table fallback, deallocation with finalizer
// callbacks, autorelease pools and the weak-reference table.
package rc

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tliron/commonlog"
)

var logger = commonlog.GetLogger("objrt.rc")

// Options configures a Runtime. It is read once, when the runtime is built.
type Options struct {
	// InlineRefCounts enables the inline count fast path. When false every
	// object keeps its count in the side table.
	InlineRefCounts bool

	// InlineCountBits is the width of the inline extra-count field
	// (1..MaxInlineCountBits).
	InlineCountBits uint

	// SideTableShards and WeakTableShards are rounded up to a power of two.
	SideTableShards int
	WeakTableShards int

	// StrictWeakRegistration makes RegisterWeak report a usage violation
	// instead of returning nil when the referent is deallocating.
	StrictWeakRegistration bool

	// DeadlockDetection swaps the shard mutexes for lock-order checking ones.
	DeadlockDetection bool

	// Finalizer runs exactly once per object, after its weak references are
	// cleared and before its storage is reclaimed.
	Finalizer func(obj *Object)

	// FatalHandler receives usage violations. Defaults to PanicHandler.
	FatalHandler func(v *UsageViolation)

	// Registerer receives the runtime's metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// DefaultOptions returns the configuration used by Default.
func DefaultOptions() Options {
	return Options{
		InlineRefCounts:        true,
		InlineCountBits:        DefaultInlineCountBits,
		SideTableShards:        DefaultShardCount,
		WeakTableShards:        DefaultShardCount,
		StrictWeakRegistration: true,
	}
}

// Runtime owns the class table, side table and weak table. All objects of a
// runtime must be retained, released and weakly referenced through it.
type Runtime struct {
	opts         Options
	layout       countLayout
	classes      *ClassTable
	side         *sideTable
	weak         *weakTable
	metrics      *Metrics
	finalizer    func(*Object)
	fatalHandler func(*UsageViolation)
	objectID     atomic.Uint64
}

// New builds a runtime. Out-of-range options fall back to their defaults.
func New(opts Options) *Runtime {
	if opts.InlineCountBits == 0 || opts.InlineCountBits > MaxInlineCountBits {
		opts.InlineCountBits = DefaultInlineCountBits
	}
	opts.SideTableShards = shardCount(opts.SideTableShards)
	opts.WeakTableShards = shardCount(opts.WeakTableShards)

	metrics := NewMetrics(opts.Registerer)
	rt := &Runtime{
		opts:         opts,
		layout:       newCountLayout(opts.InlineCountBits),
		classes:      NewClassTable(),
		side:         newSideTable(opts.SideTableShards, opts.DeadlockDetection, metrics.SideTableEntries),
		weak:         newWeakTable(opts.WeakTableShards, opts.DeadlockDetection, metrics.WeakTableEntries),
		metrics:      metrics,
		finalizer:    opts.Finalizer,
		fatalHandler: opts.FatalHandler,
	}
	if rt.fatalHandler == nil {
		rt.fatalHandler = PanicHandler
	}
	// Start IDs at 1 (0 could be confused with nil/uninitialized)
	rt.objectID.Store(1)

	logger.Debugf("runtime created: inline=%t bits=%d sideShards=%d weakShards=%d",
		opts.InlineRefCounts, opts.InlineCountBits, opts.SideTableShards, opts.WeakTableShards)
	return rt
}

var (
	defaultOnce    sync.Once
	defaultRuntime *Runtime
)

// Default returns the process-wide runtime, built with DefaultOptions on first
// use. It is never torn down.
func Default() *Runtime {
	defaultOnce.Do(func() {
		defaultRuntime = New(DefaultOptions())
	})
	return defaultRuntime
}

// Options returns the normalized options the runtime was built with.
func (rt *Runtime) Options() Options {
	return rt.opts
}

// Classes returns the runtime's class table.
func (rt *Runtime) Classes() *ClassTable {
	return rt.classes
}

// Metrics returns the runtime's collectors.
func (rt *Runtime) Metrics() *Metrics {
	return rt.metrics
}

// Alloc constructs an object of the given class with a retain count of one.
// Unregistered classes are registered on the fly; a class that cannot be
// registered is a usage violation and yields nil.
func (rt *Runtime) Alloc(cls *Class) *Object {
	classID, err := rt.classes.ensure(cls)
	if err != nil {
		rt.fatal(ViolationBadClass, nil, "alloc: %v", err)
		return nil
	}
	id := rt.objectID.Add(1) - 1
	obj := &Object{
		id:   id,
		hash: identityHash(id),
	}
	inline := rt.opts.InlineRefCounts && !cls.RequiresSideTable
	obj.word.Store(uint64(newRefWord(cls, classID, inline)))
	return obj
}

// ClassOf returns the object's current class.
func (rt *Runtime) ClassOf(obj *Object) *Class {
	return rt.classes.Lookup(obj.ClassID())
}
