// Package snapshot captures point-in-time views of a runtime's side table and
// weak table for offline inspection.
package snapshot

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/objrt/rc"
)

// FormatVersion is bumped whenever the encoded layout changes incompatibly.
const FormatVersion = 1

// Snapshot is a captured view of one runtime. Each table is walked one shard at
// a time, so entries of different shards may be observed at slightly
// different moments.
type Snapshot struct {
	ID      uuid.UUID   `cbor:"1,keyasint"`
	Version int         `cbor:"2,keyasint"`
	TakenAt time.Time   `cbor:"3,keyasint"`
	Config  Config      `cbor:"4,keyasint"`
	Classes []ClassInfo `cbor:"5,keyasint,omitempty"`
	Side    []SideEntry `cbor:"6,keyasint,omitempty"`
	Weak    []WeakEntry `cbor:"7,keyasint,omitempty"`
}

// Config records the runtime options that shape the tables.
type Config struct {
	InlineRefCounts        bool `cbor:"1,keyasint"`
	InlineCountBits        uint `cbor:"2,keyasint"`
	SideTableShards        int  `cbor:"3,keyasint"`
	WeakTableShards        int  `cbor:"4,keyasint"`
	StrictWeakRegistration bool `cbor:"5,keyasint"`
}

// ClassInfo identifies a class referenced by the captured entries.
type ClassInfo struct {
	ID                uint32 `cbor:"1,keyasint"`
	Name              string `cbor:"2,keyasint"`
	RequiresSideTable bool   `cbor:"3,keyasint,omitempty"`
}

// SideEntry is one side-table record.
type SideEntry struct {
	ObjectID         uint64 `cbor:"1,keyasint"`
	ClassID          uint32 `cbor:"2,keyasint"`
	Inline           bool   `cbor:"3,keyasint,omitempty"`
	Extra            uint64 `cbor:"4,keyasint"`
	WeaklyReferenced bool   `cbor:"5,keyasint,omitempty"`
	Deallocating     bool   `cbor:"6,keyasint,omitempty"`
}

// WeakEntry is one weak-table record.
type WeakEntry struct {
	ObjectID  uint64 `cbor:"1,keyasint"`
	ClassID   uint32 `cbor:"2,keyasint"`
	Referrers int    `cbor:"3,keyasint"`
	OutOfLine bool   `cbor:"4,keyasint,omitempty"`
}

// Capture walks rt's tables. Entries are sorted by object ID.
func Capture(rt *rc.Runtime) *Snapshot {
	opts := rt.Options()
	s := &Snapshot{
		ID:      uuid.New(),
		Version: FormatVersion,
		TakenAt: time.Now().UTC(),
		Config: Config{
			InlineRefCounts:        opts.InlineRefCounts,
			InlineCountBits:        opts.InlineCountBits,
			SideTableShards:        opts.SideTableShards,
			WeakTableShards:        opts.WeakTableShards,
			StrictWeakRegistration: opts.StrictWeakRegistration,
		},
	}

	classIDs := make(map[uint32]bool)
	rt.VisitSideTable(func(e rc.SideEntryInfo) {
		s.Side = append(s.Side, SideEntry{
			ObjectID:         e.ObjectID,
			ClassID:          e.ClassID,
			Inline:           e.Inline,
			Extra:            e.Extra,
			WeaklyReferenced: e.WeaklyReferenced,
			Deallocating:     e.Deallocating,
		})
		classIDs[e.ClassID] = true
	})
	rt.VisitWeakTable(func(e rc.WeakEntryInfo) {
		s.Weak = append(s.Weak, WeakEntry{
			ObjectID:  e.ObjectID,
			ClassID:   e.ClassID,
			Referrers: e.Referrers,
			OutOfLine: e.OutOfLine,
		})
		classIDs[e.ClassID] = true
	})

	for id := range classIDs {
		info := ClassInfo{ID: id}
		if c := rt.Classes().Lookup(id); c != nil {
			info.Name = c.Name
			info.RequiresSideTable = c.RequiresSideTable
		}
		s.Classes = append(s.Classes, info)
	}

	sort.Slice(s.Side, func(i, j int) bool { return s.Side[i].ObjectID < s.Side[j].ObjectID })
	sort.Slice(s.Weak, func(i, j int) bool { return s.Weak[i].ObjectID < s.Weak[j].ObjectID })
	sort.Slice(s.Classes, func(i, j int) bool { return s.Classes[i].ID < s.Classes[j].ID })
	return s
}

// Class returns the recorded class with the given ID, or nil.
func (s *Snapshot) Class(id uint32) *ClassInfo {
	for i := range s.Classes {
		if s.Classes[i].ID == id {
			return &s.Classes[i]
		}
	}
	return nil
}

// Summary totals the snapshot's entries.
func (s *Snapshot) Summary() rc.TableStats {
	st := rc.TableStats{
		SideEntries:       len(s.Side),
		WeakEntries:       len(s.Weak),
		RegisteredClasses: len(s.Classes),
	}
	for _, e := range s.Side {
		if e.Inline {
			st.SideOverflowed++
		} else {
			st.SideOnly++
		}
	}
	for _, e := range s.Weak {
		st.WeakReferrers += e.Referrers
		if e.OutOfLine {
			st.WeakOutOfLine++
		}
	}
	return st
}
