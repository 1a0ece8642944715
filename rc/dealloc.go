package rc

// Dealloc tears down an object whose count has reached zero: it clears every
// weak reference to it, runs the finalizer, drops its side-table entry, marks
// it freed and releases its associated objects. Release calls it
// automatically; callers of ReleaseShouldDealloc call it themselves when that
// returned true.
func (rt *Runtime) Dealloc(obj *Object) {
	if obj == nil || !rt.claimTeardown(obj) {
		return
	}

	if rt.IsWeaklyReferenced(obj) {
		var cleared int
		rt.weak.withLockedShard(obj, func(s *weakShard) {
			cleared = s.clear(obj)
		})
		rt.metrics.WeakCleared.Add(float64(cleared))
		if cleared > 0 {
			logger.Debugf("object %d: cleared %d weak references", obj.id, cleared)
		}
	}

	if rt.finalizer != nil {
		rt.finalizer(obj)
	}

	rt.side.withLockedShard(obj, func(s *sideShard) {
		s.drop(obj)
		for {
			old := obj.load()
			if obj.cas(old, (old|freedBit)&^sideCountBit) {
				return
			}
		}
	})
	if obj.HasAssociatedData() {
		rt.RemoveAssociated(obj)
	}
	rt.metrics.Deallocations.Inc()
}

// claimTeardown sets the tearingDown bit. Exactly one caller may claim an
// object, and only once its count has reached zero.
func (rt *Runtime) claimTeardown(obj *Object) bool {
	for {
		old := obj.load()
		if old.tearingDown() || old.freed() {
			rt.fatal(ViolationDoubleDealloc, obj, "object deallocated twice")
			return false
		}
		if !rt.IsDeallocating(obj) {
			rt.fatal(ViolationDeallocLive, obj, "dealloc of an object that is still referenced")
			return false
		}
		if obj.cas(old, old|tearingDownBit) {
			return true
		}
	}
}
