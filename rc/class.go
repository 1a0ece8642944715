package rc

import (
	"sync"

	"github.com/pingcap/errors"
)

// Class is the kind tag of an object. The runtime only needs the properties
// that affect reference counting; method tables and ivar layout belong to the
// dispatch layer.
type Class struct {
	Name string

	// RequiresSideTable forces instances to keep all count state in the side
	// table even when inline counts are enabled.
	RequiresSideTable bool

	// HasCustomDestructor is mirrored into each instance's word for the
	// finalizer to consult.
	HasCustomDestructor bool
}

func (c *Class) String() string {
	if c == nil {
		return "<nil class>"
	}
	return c.Name
}

// ---------------------------------------------------------------------------
// ClassTable: class ID registry
// ---------------------------------------------------------------------------

// ClassTable assigns 32-bit IDs to classes so the inline word can carry the
// class without holding a Go pointer. IDs are local to the table: one Class
// value registered with two runtimes gets an ID in each.
type ClassTable struct {
	classes   map[uint32]*Class
	ids       map[*Class]uint32
	byName    map[string]*Class
	classesMu sync.RWMutex
	nextID    uint32
}

// NewClassTable creates an empty class table. IDs start at 1 (0 is the
// unregistered class).
func NewClassTable() *ClassTable {
	return &ClassTable{
		classes: make(map[uint32]*Class),
		ids:     make(map[*Class]uint32),
		byName:  make(map[string]*Class),
		nextID:  1,
	}
}

// Register assigns an ID to c and records it. Idempotent: registering the
// same class again returns it unchanged.
func (ct *ClassTable) Register(c *Class) (*Class, error) {
	if _, err := ct.ensure(c); err != nil {
		return nil, err
	}
	return c, nil
}

// MustRegister is Register for static class definitions.
func (ct *ClassTable) MustRegister(c *Class) *Class {
	c, err := ct.Register(c)
	if err != nil {
		panic(err)
	}
	return c
}

// ensure returns c's ID in this table, registering c first if needed.
func (ct *ClassTable) ensure(c *Class) (uint32, error) {
	if c == nil {
		return 0, errors.New("cannot register nil class")
	}
	if id := ct.ID(c); id != 0 {
		return id, nil
	}

	ct.classesMu.Lock()
	defer ct.classesMu.Unlock()

	if id, ok := ct.ids[c]; ok {
		return id, nil
	}
	if c.Name != "" {
		if _, dup := ct.byName[c.Name]; dup {
			return 0, errors.Errorf("class %s already registered", c.Name)
		}
	}
	if ct.nextID == 0 {
		return 0, errors.New("class ID space exhausted")
	}

	id := ct.nextID
	ct.nextID++
	ct.classes[id] = c
	ct.ids[c] = id
	if c.Name != "" {
		ct.byName[c.Name] = c
	}
	return id, nil
}

// ID returns c's ID in this table, or 0 if c is not registered here.
func (ct *ClassTable) ID(c *Class) uint32 {
	ct.classesMu.RLock()
	defer ct.classesMu.RUnlock()
	return ct.ids[c]
}

// Lookup retrieves a class by ID.
func (ct *ClassTable) Lookup(id uint32) *Class {
	ct.classesMu.RLock()
	defer ct.classesMu.RUnlock()
	return ct.classes[id]
}

// LookupName retrieves a class by name.
func (ct *ClassTable) LookupName(name string) *Class {
	ct.classesMu.RLock()
	defer ct.classesMu.RUnlock()
	return ct.byName[name]
}

// Count returns the number of registered classes.
func (ct *ClassTable) Count() int {
	ct.classesMu.RLock()
	defer ct.classesMu.RUnlock()
	return len(ct.classes)
}
