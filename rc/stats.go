package rc

// SideEntryInfo is a copy of one side-table entry.
type SideEntryInfo struct {
	ObjectID         uint64
	ClassID          uint32
	Inline           bool
	Extra            uint64
	WeaklyReferenced bool
	Deallocating     bool
}

// WeakEntryInfo describes the referrers registered for one referent.
type WeakEntryInfo struct {
	ObjectID  uint64
	ClassID   uint32
	Referrers int
	OutOfLine bool
}

// TableStats summarizes the occupancy of both tables.
type TableStats struct {
	SideEntries       int
	SideOverflowed    int // entries of inline objects holding overflowed count
	SideOnly          int // entries of side-table-only objects
	WeakEntries       int
	WeakReferrers     int
	WeakOutOfLine     int
	RegisteredClasses int
}

// VisitSideTable calls fn with a copy of every side-table entry. The walk
// locks one shard at a time, so the result is not a global snapshot. fn must
// not call back into the runtime.
func (rt *Runtime) VisitSideTable(fn func(SideEntryInfo)) {
	rt.side.visit(func(obj *Object, e sideEntry) {
		w := obj.load()
		fn(SideEntryInfo{
			ObjectID:         obj.id,
			ClassID:          w.classID(),
			Inline:           w.inline(),
			Extra:            e.extra,
			WeaklyReferenced: e.weaklyReferenced,
			Deallocating:     e.deallocating,
		})
	})
}

// VisitWeakTable calls fn for every referent with registered weak locations.
// The same locking caveats as VisitSideTable apply.
func (rt *Runtime) VisitWeakTable(fn func(WeakEntryInfo)) {
	rt.weak.visit(func(obj *Object, referrers int, outOfLine bool) {
		fn(WeakEntryInfo{
			ObjectID:  obj.id,
			ClassID:   obj.ClassID(),
			Referrers: referrers,
			OutOfLine: outOfLine,
		})
	})
}

// Stats walks both tables and returns their occupancy.
func (rt *Runtime) Stats() TableStats {
	var st TableStats
	rt.VisitSideTable(func(e SideEntryInfo) {
		st.SideEntries++
		if e.Inline {
			st.SideOverflowed++
		} else {
			st.SideOnly++
		}
	})
	rt.VisitWeakTable(func(e WeakEntryInfo) {
		st.WeakEntries++
		st.WeakReferrers += e.Referrers
		if e.OutOfLine {
			st.WeakOutOfLine++
		}
	})
	st.RegisteredClasses = rt.classes.Count()
	return st
}
