package rc

import (
	"fmt"

	"github.com/pingcap/errors"
)

// ViolationKind classifies a broken reference-counting invariant.
type ViolationKind int

const (
	// ViolationRetainDeallocating is an unconditional retain of a dying object.
	ViolationRetainDeallocating ViolationKind = iota
	// ViolationOverRelease is a release past zero, or a second thread acting on
	// a zero transition it did not win.
	ViolationOverRelease
	// ViolationUseAfterFree is a retain or release of a reclaimed object.
	ViolationUseAfterFree
	// ViolationDoubleDealloc is a second Dealloc of the same object.
	ViolationDoubleDealloc
	// ViolationDeallocLive is a Dealloc of an object whose count never hit zero.
	ViolationDeallocLive
	// ViolationMissingSideEntry is a side-table entry absent where the protocol
	// requires one.
	ViolationMissingSideEntry
	// ViolationWeakDeallocating is a strict weak registration to a dying object.
	ViolationWeakDeallocating
	// ViolationPoolOrder is an autorelease pool popped out of order.
	ViolationPoolOrder
	// ViolationCountOverflow is a side-table count that would wrap.
	ViolationCountOverflow
	// ViolationBadClass is an allocation or class change to a class the
	// runtime cannot register, such as nil or a second class with a taken name.
	ViolationBadClass
)

var violationNames = [...]string{
	ViolationRetainDeallocating: "retain_deallocating",
	ViolationOverRelease:        "over_release",
	ViolationUseAfterFree:       "use_after_free",
	ViolationDoubleDealloc:      "double_dealloc",
	ViolationDeallocLive:        "dealloc_live",
	ViolationMissingSideEntry:   "missing_side_entry",
	ViolationWeakDeallocating:   "weak_deallocating",
	ViolationPoolOrder:          "pool_order",
	ViolationCountOverflow:      "count_overflow",
	ViolationBadClass:           "bad_class",
}

func (k ViolationKind) String() string {
	if k >= 0 && int(k) < len(violationNames) {
		return violationNames[k]
	}
	return fmt.Sprintf("violation(%d)", int(k))
}

// UsageViolation describes client code breaking the retain/release protocol.
// It is never returned as an error: it is handed to the fatal handler, which
// by default panics with it.
type UsageViolation struct {
	Kind     ViolationKind
	ObjectID uint64
	ClassID  uint32
	Class    string

	cause error
}

func (v *UsageViolation) Error() string {
	return fmt.Sprintf("objrt: %s on object %d (%s): %v", v.Kind, v.ObjectID, v.Class, v.cause)
}

// Unwrap returns the underlying cause, which carries the stack of the
// violating call.
func (v *UsageViolation) Unwrap() error {
	return v.cause
}

// Stack returns the formatted stack trace captured when the violation was
// detected.
func (v *UsageViolation) Stack() string {
	return errors.ErrorStack(v.cause)
}

// PanicHandler is the default fatal handler.
func PanicHandler(v *UsageViolation) {
	panic(v)
}

// fatal reports a usage violation. Callers must still return sensibly
// afterwards in case the configured handler does not panic.
func (rt *Runtime) fatal(kind ViolationKind, obj *Object, format string, args ...any) {
	v := &UsageViolation{
		Kind:  kind,
		cause: errors.Errorf(format, args...),
	}
	if obj != nil {
		v.ObjectID = obj.id
		v.ClassID = obj.ClassID()
		v.Class = rt.classes.Lookup(v.ClassID).String()
	}
	logger.Critical(v.Error(), "kind", kind.String(), "object", v.ObjectID, "class", v.Class)
	rt.metrics.Violations.WithLabelValues(kind.String()).Inc()
	rt.fatalHandler(v)
}
