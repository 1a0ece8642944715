package rc

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ---------------------------------------------------------------------------
// Side table: out-of-band count and flag storage
// ---------------------------------------------------------------------------

// sideEntry is the out-of-band record for one object. For inline objects only
// extra is used; side-table-only objects keep every flag here as well.
type sideEntry struct {
	extra            uint64
	weaklyReferenced bool
	deallocating     bool
}

func (e *sideEntry) empty() bool {
	return e.extra == 0 && !e.weaklyReferenced && !e.deallocating
}

// sideShard is one lock-protected partition of the side table. Every method
// below requires mu to be held.
type sideShard struct {
	mu      sync.Locker
	entries map[*Object]*sideEntry
	gauge   prometheus.Gauge
}

func (s *sideShard) lookup(obj *Object) *sideEntry {
	return s.entries[obj]
}

func (s *sideShard) entry(obj *Object) *sideEntry {
	e, ok := s.entries[obj]
	if !ok {
		e = &sideEntry{}
		s.entries[obj] = e
		s.gauge.Inc()
	}
	return e
}

func (s *sideShard) drop(obj *Object) {
	if _, ok := s.entries[obj]; ok {
		delete(s.entries, obj)
		s.gauge.Dec()
	}
}

// dropIfEmpty removes the entry once it no longer records anything.
func (s *sideShard) dropIfEmpty(obj *Object) {
	if e, ok := s.entries[obj]; ok && e.empty() {
		s.drop(obj)
	}
}

func (s *sideShard) extraOf(obj *Object) uint64 {
	if e := s.entries[obj]; e != nil {
		return e.extra
	}
	return 0
}

func (s *sideShard) addExtra(obj *Object, n uint64) {
	s.entry(obj).extra += n
}

// borrowCount takes up to amount units back out of the side table and returns
// how many were taken. Absent or empty entries yield zero. The caller's
// sideCount bit is left alone; clearing it is the borrower's decision.
func (s *sideShard) borrowCount(obj *Object, amount uint64) uint64 {
	e := s.entries[obj]
	if e == nil || e.extra == 0 {
		return 0
	}
	if amount > e.extra {
		amount = e.extra
	}
	e.extra -= amount
	return amount
}

// moveCountToSideTable records the state of an inline word that is giving up
// its inline count. Any count already overflowed into the entry is kept.
func (s *sideShard) moveCountToSideTable(obj *Object, count uint64, deallocating, weaklyReferenced bool) {
	e := s.entry(obj)
	e.extra += count
	e.deallocating = e.deallocating || deallocating
	e.weaklyReferenced = e.weaklyReferenced || weaklyReferenced
}

// sideTable stripes entries across a fixed array of shards selected by the
// object's identity hash.
type sideTable struct {
	shards []sideShard
	mask   uint64
}

func newSideTable(n int, detectDeadlocks bool, gauge prometheus.Gauge) *sideTable {
	n = shardCount(n)
	t := &sideTable{
		shards: make([]sideShard, n),
		mask:   uint64(n - 1),
	}
	for i := range t.shards {
		t.shards[i] = sideShard{
			mu:      newShardLock(detectDeadlocks),
			entries: make(map[*Object]*sideEntry),
			gauge:   gauge,
		}
	}
	return t
}

func (t *sideTable) shardFor(obj *Object) *sideShard {
	return &t.shards[obj.hash&t.mask]
}

// withLockedShard runs fn with the object's shard locked. The lock is released
// on every exit path, including a panicking fatal handler.
func (t *sideTable) withLockedShard(obj *Object, fn func(s *sideShard)) {
	s := t.shardFor(obj)
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// withLockedEntry runs fn with exclusive access to the object's entry. With
// create unset, fn receives nil when no entry exists.
func (t *sideTable) withLockedEntry(obj *Object, create bool, fn func(e *sideEntry)) {
	t.withLockedShard(obj, func(s *sideShard) {
		e := s.lookup(obj)
		if e == nil && create {
			e = s.entry(obj)
		}
		fn(e)
	})
}

// visit calls fn for every entry, one shard at a time. fn runs under the
// shard lock and must not call back into the runtime.
func (t *sideTable) visit(fn func(obj *Object, e sideEntry)) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for obj, e := range s.entries {
			fn(obj, *e)
		}
		s.mu.Unlock()
	}
}
