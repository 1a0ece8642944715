package rc

// ---------------------------------------------------------------------------
// Weak variable API
// ---------------------------------------------------------------------------

// RegisterWeak points loc at obj and records loc in obj's weak entry, replacing
// whatever loc pointed at before. It returns obj, or nil if obj is
// deallocating, in which case loc is left holding nil. With strict weak
// registration a deallocating obj is a usage violation instead.
func (rt *Runtime) RegisterWeak(loc *WeakVar, obj *Object) *Object {
	return rt.storeWeak(loc, obj, rt.opts.StrictWeakRegistration)
}

// UnregisterWeak sets loc to nil and removes it from its referent's entry.
// Calling it on an empty or already cleared location is a no-op.
func (rt *Runtime) UnregisterWeak(loc *WeakVar) {
	rt.storeWeak(loc, nil, false)
}

// StoreWeak is RegisterWeak under its variable-assignment name.
func (rt *Runtime) StoreWeak(loc *WeakVar, obj *Object) *Object {
	return rt.storeWeak(loc, obj, rt.opts.StrictWeakRegistration)
}

// InitWeak initializes a fresh location to point at obj.
func (rt *Runtime) InitWeak(loc *WeakVar, obj *Object) *Object {
	if obj == nil {
		loc.p.Store(nil)
		return nil
	}
	return rt.storeWeak(loc, obj, rt.opts.StrictWeakRegistration)
}

// InitWeakOrNil is InitWeak that never reports a violation: a deallocating
// obj leaves loc nil regardless of strictness.
func (rt *Runtime) InitWeakOrNil(loc *WeakVar, obj *Object) *Object {
	if obj == nil {
		loc.p.Store(nil)
		return nil
	}
	return rt.storeWeak(loc, obj, false)
}

// DestroyWeak releases loc before its storage goes away.
func (rt *Runtime) DestroyWeak(loc *WeakVar) {
	rt.storeWeak(loc, nil, false)
}

// storeWeak swaps loc from its current referent to obj with both referents'
// weak shards held, so neither a concurrent store nor a concurrent clear can
// interleave.
func (rt *Runtime) storeWeak(loc *WeakVar, obj *Object, strict bool) *Object {
	for {
		old := loc.p.Load()
		retry := false
		var stored *Object
		rt.weak.withLockedPair(old, obj, func(oldShard, newShard *weakShard) {
			if loc.p.Load() != old {
				retry = true
				return
			}
			if old != nil {
				oldShard.unregister(old, loc)
			}
			if obj != nil {
				if rt.markWeaklyReferenced(obj) {
					newShard.register(obj, loc)
					rt.metrics.WeakRegistrations.Inc()
					stored = obj
				} else if strict {
					loc.p.Store(nil)
					rt.fatal(ViolationWeakDeallocating, obj, "weak reference to a deallocating object")
					return
				}
			}
			loc.p.Store(stored)
		})
		if !retry {
			return stored
		}
	}
}

// LoadWeak returns loc's referent retained, or nil if loc is empty or its
// referent is deallocating. The caller owns the returned reference.
func (rt *Runtime) LoadWeak(loc *WeakVar) *Object {
	for {
		obj := loc.p.Load()
		if obj == nil {
			return nil
		}
		retry := false
		var result *Object
		rt.weak.withLockedShard(obj, func(s *weakShard) {
			if loc.p.Load() != obj {
				retry = true
				return
			}
			if rt.TryRetain(obj) != nil {
				result = obj
				return
			}
			loc.p.CompareAndSwap(obj, nil)
			s.unregister(obj, loc)
		})
		if !retry {
			return result
		}
	}
}

// LoadWeakAutorelease is LoadWeak with the returned reference handed to pool.
func (rt *Runtime) LoadWeakAutorelease(pool *AutoreleasePool, loc *WeakVar) *Object {
	obj := rt.LoadWeak(loc)
	if obj == nil {
		return nil
	}
	return pool.Autorelease(obj)
}

// CopyWeak initializes dst to point at src's referent.
func (rt *Runtime) CopyWeak(dst, src *WeakVar) {
	obj := rt.LoadWeak(src)
	rt.InitWeakOrNil(dst, obj)
	rt.Release(obj)
}

// MoveWeak moves src's referent to dst and leaves src nil.
func (rt *Runtime) MoveWeak(dst, src *WeakVar) {
	rt.CopyWeak(dst, src)
	rt.DestroyWeak(src)
}
