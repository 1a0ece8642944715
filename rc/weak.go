package rc

import (
	"sync"
	"sync/atomic"

	"github.com/dolthub/swiss"
	"github.com/prometheus/client_golang/prometheus"
)

// WeakVar is a weak pointer. The zero value holds nil and is ready to use.
// A WeakVar must not be copied after first use; use CopyWeak or MoveWeak.
type WeakVar struct {
	p atomic.Pointer[Object]
}

// Peek returns the current referent without retaining it. The result may be
// deallocating; use LoadWeak to obtain a usable reference.
func (w *WeakVar) Peek() *Object {
	return w.p.Load()
}

// ---------------------------------------------------------------------------
// Weak entry: the referrer set of one referent
// ---------------------------------------------------------------------------

// weakInlineCount is how many referrers an entry holds before it promotes to
// an out-of-line set.
const weakInlineCount = 4

// weakEntry is either an inline array of referrers or, once a fifth referrer
// arrives, an out-of-line set. outOfLine != nil selects the second form; the
// inline array is unused after promotion.
type weakEntry struct {
	inline    [weakInlineCount]*WeakVar
	outOfLine *swiss.Map[*WeakVar, struct{}]
}

func (e *weakEntry) add(loc *WeakVar) {
	if e.outOfLine != nil {
		e.outOfLine.Put(loc, struct{}{})
		return
	}
	free := -1
	for i, r := range e.inline {
		if r == loc {
			return
		}
		if r == nil && free < 0 {
			free = i
		}
	}
	if free >= 0 {
		e.inline[free] = loc
		return
	}
	e.promote()
	e.outOfLine.Put(loc, struct{}{})
}

// promote moves the inline referrers into a freshly allocated set.
func (e *weakEntry) promote() {
	set := swiss.NewMap[*WeakVar, struct{}](2 * weakInlineCount)
	for i, r := range e.inline {
		if r != nil {
			set.Put(r, struct{}{})
		}
		e.inline[i] = nil
	}
	e.outOfLine = set
}

func (e *weakEntry) remove(loc *WeakVar) bool {
	if e.outOfLine != nil {
		return e.outOfLine.Delete(loc)
	}
	for i, r := range e.inline {
		if r == loc {
			e.inline[i] = nil
			return true
		}
	}
	return false
}

func (e *weakEntry) len() int {
	if e.outOfLine != nil {
		return e.outOfLine.Count()
	}
	n := 0
	for _, r := range e.inline {
		if r != nil {
			n++
		}
	}
	return n
}

func (e *weakEntry) each(fn func(loc *WeakVar)) {
	if e.outOfLine != nil {
		e.outOfLine.Iter(func(loc *WeakVar, _ struct{}) bool {
			fn(loc)
			return false
		})
		return
	}
	for _, r := range e.inline {
		if r != nil {
			fn(r)
		}
	}
}

// ---------------------------------------------------------------------------
// Weak table
// ---------------------------------------------------------------------------

// weakShard is one lock-protected partition of the weak table. Every method
// below requires mu to be held.
type weakShard struct {
	mu      sync.Locker
	entries map[*Object]*weakEntry
	gauge   prometheus.Gauge
}

func (s *weakShard) register(obj *Object, loc *WeakVar) {
	e, ok := s.entries[obj]
	if !ok {
		e = &weakEntry{}
		s.entries[obj] = e
		s.gauge.Inc()
	}
	e.add(loc)
}

// unregister is a no-op when loc is not registered for obj.
func (s *weakShard) unregister(obj *Object, loc *WeakVar) {
	e, ok := s.entries[obj]
	if !ok {
		return
	}
	if e.remove(loc) && e.len() == 0 {
		delete(s.entries, obj)
		s.gauge.Dec()
	}
}

// clear nils every location still pointing at obj and drops the entry. It
// returns the number of locations cleared.
func (s *weakShard) clear(obj *Object) int {
	e, ok := s.entries[obj]
	if !ok {
		return 0
	}
	delete(s.entries, obj)
	s.gauge.Dec()

	cleared := 0
	e.each(func(loc *WeakVar) {
		if loc.p.CompareAndSwap(obj, nil) {
			cleared++
		}
	})
	return cleared
}

type weakTable struct {
	shards []weakShard
	mask   uint64
}

func newWeakTable(n int, detectDeadlocks bool, gauge prometheus.Gauge) *weakTable {
	n = shardCount(n)
	t := &weakTable{
		shards: make([]weakShard, n),
		mask:   uint64(n - 1),
	}
	for i := range t.shards {
		t.shards[i] = weakShard{
			mu:      newShardLock(detectDeadlocks),
			entries: make(map[*Object]*weakEntry),
			gauge:   gauge,
		}
	}
	return t
}

func (t *weakTable) shardIndex(obj *Object) uint64 {
	return obj.hash & t.mask
}

func (t *weakTable) shardFor(obj *Object) *weakShard {
	return &t.shards[t.shardIndex(obj)]
}

func (t *weakTable) withLockedShard(obj *Object, fn func(s *weakShard)) {
	s := t.shardFor(obj)
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// withLockedPair locks the shards of a and b, either of which may be nil, in
// increasing shard order and passes them to fn. A nil object gets a nil shard.
func (t *weakTable) withLockedPair(a, b *Object, fn func(sa, sb *weakShard)) {
	var sa, sb *weakShard
	var ia, ib uint64
	if a != nil {
		ia = t.shardIndex(a)
		sa = &t.shards[ia]
	}
	if b != nil {
		ib = t.shardIndex(b)
		sb = &t.shards[ib]
	}

	first, second := sa, sb
	if first == nil || (second != nil && ib < ia) {
		first, second = sb, sa
	}
	if first != nil {
		first.mu.Lock()
		defer first.mu.Unlock()
	}
	if second != nil && second != first {
		second.mu.Lock()
		defer second.mu.Unlock()
	}
	fn(sa, sb)
}

// visit calls fn for every entry, one shard at a time, under the shard lock.
func (t *weakTable) visit(fn func(obj *Object, referrers int, outOfLine bool)) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for obj, e := range s.entries {
			fn(obj, e.len(), e.outOfLine != nil)
		}
		s.mu.Unlock()
	}
}

// markWeaklyReferenced sets the object's weakly-referenced flag unless the
// object is deallocating, and reports whether it did. The caller must hold the
// referent's weak shard lock so a concurrent Dealloc cannot clear the table
// between this check and the registration.
func (rt *Runtime) markWeaklyReferenced(obj *Object) bool {
	for {
		old := obj.load()
		if old.freed() || old.tearingDown() {
			return false
		}
		if !old.inline() {
			break
		}
		if old.deallocating() {
			return false
		}
		if old.weak() {
			return true
		}
		if obj.cas(old, old|weakBit) {
			return true
		}
	}

	var marked bool
	rt.side.withLockedShard(obj, func(s *sideShard) {
		if e := s.lookup(obj); e != nil && e.deallocating {
			return
		}
		if w := obj.load(); w.freed() || w.tearingDown() {
			return
		}
		s.entry(obj).weaklyReferenced = true
		marked = true
	})
	return marked
}
