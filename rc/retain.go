package rc

import (
	"math"
)

// ---------------------------------------------------------------------------
// Retain
// ---------------------------------------------------------------------------

// Retain adds one reference to obj and returns it. Retaining an object that
// has started deallocating is a usage violation.
func (rt *Runtime) Retain(obj *Object) *Object {
	if obj == nil {
		return nil
	}
	rt.retain(obj, false)
	return obj
}

// TryRetain adds one reference unless obj is deallocating, in which case it
// returns nil.
func (rt *Runtime) TryRetain(obj *Object) *Object {
	if obj == nil {
		return nil
	}
	if !rt.retain(obj, true) {
		return nil
	}
	return obj
}

func (rt *Runtime) retain(obj *Object, try bool) bool {
	for {
		old := obj.load()
		if old.freed() || old.tearingDown() {
			if try {
				return false
			}
			rt.fatal(ViolationUseAfterFree, obj, "retain of a freed object")
			return false
		}
		if !old.inline() {
			return rt.sideRetain(obj, try)
		}
		if old.deallocating() {
			if try {
				return false
			}
			rt.fatal(ViolationRetainDeallocating, obj, "retain of a deallocating object")
			return false
		}
		next, ok := rt.layout.increment(old)
		if !ok {
			return rt.retainOverflow(obj, try)
		}
		if obj.cas(old, next) {
			return true
		}
	}
}

// retainOverflow handles an inline count at capacity: half of it stays inline
// and the other half moves to the side table.
func (rt *Runtime) retainOverflow(obj *Object, try bool) bool {
	var retained bool
	rt.side.withLockedShard(obj, func(s *sideShard) {
		for {
			old := obj.load()
			if !old.inline() {
				retained = rt.sideRetainLocked(s, obj, try)
				return
			}
			if old.deallocating() {
				if !try {
					rt.fatal(ViolationRetainDeallocating, obj, "retain of a deallocating object")
				}
				return
			}
			if next, ok := rt.layout.increment(old); ok {
				// A concurrent release made room while we waited for the lock.
				if obj.cas(old, next) {
					retained = true
					return
				}
				continue
			}
			next := rt.layout.withExtra(old, rt.layout.half) | sideCountBit
			if obj.cas(old, next) {
				s.addExtra(obj, rt.layout.half)
				rt.metrics.Overflows.Inc()
				logger.Debugf("object %d: moved %d references to the side table", obj.id, rt.layout.half)
				retained = true
				return
			}
		}
	})
	return retained
}

func (rt *Runtime) sideRetain(obj *Object, try bool) bool {
	var retained bool
	rt.side.withLockedShard(obj, func(s *sideShard) {
		retained = rt.sideRetainLocked(s, obj, try)
	})
	return retained
}

func (rt *Runtime) sideRetainLocked(s *sideShard, obj *Object, try bool) bool {
	if e := s.lookup(obj); e != nil {
		if e.deallocating {
			if !try {
				rt.fatal(ViolationRetainDeallocating, obj, "retain of a deallocating object")
			}
			return false
		}
		if e.extra == math.MaxUint64 {
			rt.fatal(ViolationCountOverflow, obj, "side-table count overflow")
			return false
		}
	}
	s.entry(obj).extra++
	return true
}

// ---------------------------------------------------------------------------
// Release
// ---------------------------------------------------------------------------

// Release drops one reference. When the count reaches zero the object is
// deallocated before Release returns.
func (rt *Runtime) Release(obj *Object) {
	if obj == nil {
		return
	}
	if rt.release(obj) {
		rt.Dealloc(obj)
	}
}

// ReleaseShouldDealloc drops one reference without deallocating. It reports
// whether this call moved the object to deallocating, in which case the
// caller must call Dealloc.
func (rt *Runtime) ReleaseShouldDealloc(obj *Object) bool {
	if obj == nil {
		return false
	}
	return rt.release(obj)
}

func (rt *Runtime) release(obj *Object) bool {
	for {
		old := obj.load()
		if old.freed() || old.tearingDown() {
			rt.fatal(ViolationUseAfterFree, obj, "release of a freed object")
			return false
		}
		if !old.inline() {
			return rt.sideRelease(obj)
		}
		next, ok := rt.layout.decrement(old)
		if ok {
			if obj.cas(old, next) {
				return false
			}
			continue
		}
		if old.sideCount() {
			return rt.releaseUnderflow(obj)
		}
		if old.deallocating() {
			rt.fatal(ViolationOverRelease, obj, "object released after its count reached zero")
			return false
		}
		// The CAS on the deallocating bit is the single point where exactly
		// one releasing thread wins the transition to deallocating.
		if obj.cas(old, old|deallocBit) {
			return true
		}
	}
}

// releaseUnderflow handles an inline count at its biased zero while part of
// the count lives in the side table: borrow half a field back and redo the
// decrement, or deallocate if the side table turns out to be empty.
func (rt *Runtime) releaseUnderflow(obj *Object) bool {
	var dealloc bool
	rt.side.withLockedShard(obj, func(s *sideShard) {
		for {
			old := obj.load()
			if !old.inline() {
				dealloc = rt.sideReleaseLocked(s, obj)
				return
			}
			if next, ok := rt.layout.decrement(old); ok {
				// A concurrent retain refilled the inline count.
				if obj.cas(old, next) {
					return
				}
				continue
			}
			if old.sideCount() {
				borrowed := s.borrowCount(obj, rt.layout.half)
				if borrowed > 0 {
					next := rt.layout.withExtra(old, borrowed-1)
					drained := s.extraOf(obj) == 0
					if drained {
						// We hold the shard lock, so nobody can observe the
						// bit cleared before the borrowed count is visible.
						next &^= sideCountBit
					}
					if obj.cas(old, next) {
						if drained {
							s.drop(obj)
						}
						rt.metrics.Borrows.Inc()
						return
					}
					// Lost the inline race; put the count back and start over.
					s.addExtra(obj, borrowed)
					continue
				}
			}
			if old.deallocating() {
				rt.fatal(ViolationOverRelease, obj, "object released after its count reached zero")
				return
			}
			if obj.cas(old, (old|deallocBit)&^sideCountBit) {
				dealloc = true
				return
			}
		}
	})
	return dealloc
}

func (rt *Runtime) sideRelease(obj *Object) bool {
	var dealloc bool
	rt.side.withLockedShard(obj, func(s *sideShard) {
		dealloc = rt.sideReleaseLocked(s, obj)
	})
	return dealloc
}

func (rt *Runtime) sideReleaseLocked(s *sideShard, obj *Object) bool {
	e := s.lookup(obj)
	if e != nil && e.extra > 0 {
		e.extra--
		s.dropIfEmpty(obj)
		return false
	}
	if e != nil && e.deallocating {
		rt.fatal(ViolationOverRelease, obj, "object released after its count reached zero")
		return false
	}
	s.entry(obj).deallocating = true
	return true
}

// ---------------------------------------------------------------------------
// Autorelease
// ---------------------------------------------------------------------------

// Autorelease hands one reference of obj to pool, which releases it when
// drained or popped.
func (rt *Runtime) Autorelease(pool *AutoreleasePool, obj *Object) *Object {
	return pool.Autorelease(obj)
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// RetainCount returns the object's reference count. The value is read under
// the side-table shard lock but other goroutines may change it immediately
// afterwards, so it is advisory.
func (rt *Runtime) RetainCount(obj *Object) uint64 {
	if obj == nil {
		return 0
	}
	var n uint64
	rt.side.withLockedShard(obj, func(s *sideShard) {
		w := obj.load()
		if w.freed() {
			return
		}
		if w.inline() {
			n = 1 + rt.layout.extra(w)
			if w.sideCount() {
				n += s.extraOf(obj)
			}
			return
		}
		n = 1 + s.extraOf(obj)
	})
	return n
}

// IsDeallocating reports whether obj's count has reached zero.
func (rt *Runtime) IsDeallocating(obj *Object) bool {
	w := obj.load()
	if w.inline() {
		return w.deallocating()
	}
	var dealloc bool
	rt.side.withLockedEntry(obj, false, func(e *sideEntry) {
		dealloc = e != nil && e.deallocating
	})
	return dealloc
}

// IsWeaklyReferenced reports whether a weak location ever targeted obj.
func (rt *Runtime) IsWeaklyReferenced(obj *Object) bool {
	w := obj.load()
	if w.inline() {
		return w.weak()
	}
	var weak bool
	rt.side.withLockedEntry(obj, false, func(e *sideEntry) {
		weak = e != nil && e.weaklyReferenced
	})
	return weak
}

// ---------------------------------------------------------------------------
// Class change
// ---------------------------------------------------------------------------

// ChangeClass swaps obj's class and returns the previous one. Moving an inline
// object to a class that requires the side table migrates its count and flags
// to the side table. Side-table-only objects stay side-table-only. Changing
// the class of a freed object is a usage violation and returns nil.
func (rt *Runtime) ChangeClass(obj *Object, cls *Class) *Class {
	classID, err := rt.classes.ensure(cls)
	if err != nil {
		rt.fatal(ViolationBadClass, obj, "class change: %v", err)
		return nil
	}
	var old refWord
	changed := false
	rt.side.withLockedShard(obj, func(s *sideShard) {
		for {
			old = obj.load()
			if old.freed() || old.tearingDown() {
				return
			}
			next := old.withClassID(classID)&^hasDtorBit | newRefWord(cls, classID, false)&hasDtorBit
			migrate := old.inline() && (cls.RequiresSideTable || !rt.opts.InlineRefCounts)
			if migrate {
				next &^= inlineBit | weakBit | deallocBit | sideCountBit
				next = rt.layout.withExtra(next, 0)
			}
			if !obj.cas(old, next) {
				continue
			}
			changed = true
			if migrate {
				s.moveCountToSideTable(obj, rt.layout.extra(old), old.deallocating(), old.weak())
				rt.metrics.Migrations.Inc()
				logger.Debugf("object %d: count moved to the side table on class change to %s", obj.id, cls.Name)
			}
			return
		}
	})
	if !changed {
		rt.fatal(ViolationUseAfterFree, obj, "class change of a freed object")
		return nil
	}
	return rt.classes.Lookup(old.classID())
}
