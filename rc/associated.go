package rc

import (
	"sort"

	"github.com/dolthub/swiss"
)

// SetAssociated attaches value to obj under key, replacing any previous value.
// An *Object value is retained until it is replaced, removed, or obj is
// deallocated. A nil value removes the key.
func (rt *Runtime) SetAssociated(obj *Object, key string, value any) {
	if o, ok := value.(*Object); ok && o == nil {
		value = nil
	}

	var prev any
	freed := false
	func() {
		obj.assocMu.Lock()
		defer obj.assocMu.Unlock()
		// Checked under the lock so nothing is attached after Dealloc has
		// removed the associations.
		if obj.IsFreed() {
			freed = true
			return
		}
		if obj.assoc != nil {
			prev, _ = obj.assoc.Get(key)
		}
		if value == nil {
			if obj.assoc != nil {
				obj.assoc.Delete(key)
			}
			return
		}
		if o, ok := value.(*Object); ok {
			rt.Retain(o)
		}
		if obj.assoc == nil {
			obj.assoc = swiss.NewMap[string, any](4)
		}
		obj.assoc.Put(key, value)
		obj.SetHasAssociatedData()
	}()
	if freed {
		rt.fatal(ViolationUseAfterFree, obj, "associate %q with a freed object", key)
		return
	}

	// Released outside the lock: a release may deallocate prev, whose
	// finalizer is free to touch obj's associations.
	if o, ok := prev.(*Object); ok {
		rt.Release(o)
	}
}

// Associated returns the value attached to obj under key, or nil.
func (rt *Runtime) Associated(obj *Object, key string) any {
	obj.assocMu.Lock()
	defer obj.assocMu.Unlock()
	if obj.assoc == nil {
		return nil
	}
	v, _ := obj.assoc.Get(key)
	return v
}

// RemoveAssociated drops every value attached to obj, releasing the
// *Object ones in key order. Dealloc calls it once obj is marked freed.
func (rt *Runtime) RemoveAssociated(obj *Object) {
	obj.assocMu.Lock()
	m := obj.assoc
	obj.assoc = nil
	obj.assocMu.Unlock()
	if m == nil {
		return
	}

	keys := make([]string, 0, m.Count())
	m.Iter(func(k string, _ any) bool {
		keys = append(keys, k)
		return false
	})
	sort.Strings(keys)
	for _, k := range keys {
		v, _ := m.Get(k)
		if o, ok := v.(*Object); ok {
			rt.Release(o)
		}
	}
}
