package rc

import (
	"sync"
	"sync/atomic"

	"github.com/dolthub/swiss"
)

// Object is a reference-counted heap object. The runtime owns only its
// identity, its reference word and the values associated with it; payload
// layout belongs to the host language.
type Object struct {
	word atomic.Uint64 // refWord
	id   uint64        // stable identity, never reused within a runtime
	hash uint64        // shard hash of id, computed once

	assocMu sync.Mutex
	assoc   *swiss.Map[string, any] // nil until the first SetAssociated
}

func (obj *Object) load() refWord {
	return refWord(obj.word.Load())
}

func (obj *Object) cas(old, next refWord) bool {
	return obj.word.CompareAndSwap(uint64(old), uint64(next))
}

// ID returns the object's identity handle.
func (obj *Object) ID() uint64 {
	return obj.id
}

// ClassID returns the ID of the object's current class.
func (obj *Object) ClassID() uint32 {
	return obj.load().classID()
}

// HasCustomDestructor reports whether the object's class declared a destructor.
func (obj *Object) HasCustomDestructor() bool {
	return obj.load().hasDtor()
}

// HasAssociatedData reports whether associated data was ever attached.
func (obj *Object) HasAssociatedData() bool {
	return obj.load().hasAssoc()
}

// SetHasAssociatedData marks the object as carrying associated data so
// deallocation knows to remove it. SetAssociated calls it.
func (obj *Object) SetHasAssociatedData() {
	for {
		old := obj.load()
		if old.hasAssoc() {
			return
		}
		if obj.cas(old, old|hasAssocBit) {
			return
		}
	}
}

// IsFreed reports whether the object's storage has been reclaimed.
func (obj *Object) IsFreed() bool {
	return obj.load().freed()
}
