package rc

import (
	"sync"
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// violationLog records usage violations instead of panicking.
type violationLog struct {
	mu   sync.Mutex
	list []*UsageViolation
}

func (l *violationLog) handle(v *UsageViolation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = append(l.list, v)
}

func (l *violationLog) kinds() []ViolationKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make([]ViolationKind, 0, len(l.list))
	for _, v := range l.list {
		kinds = append(kinds, v.Kind)
	}
	return kinds
}

func (l *violationLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.list)
}

// finalizeLog records finalized object IDs in order.
type finalizeLog struct {
	mu  sync.Mutex
	ids []uint64
}

func (l *finalizeLog) finalize(obj *Object) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, obj.ID())
}

func (l *finalizeLog) order() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint64(nil), l.ids...)
}

func (l *finalizeLog) times(obj *Object) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, id := range l.ids {
		if id == obj.ID() {
			n++
		}
	}
	return n
}

// newTestRuntime builds a runtime with recording finalizer and fatal handler.
// configure may adjust the default options first.
func newTestRuntime(t *testing.T, configure func(*Options)) (*Runtime, *violationLog, *finalizeLog) {
	t.Helper()
	violations := &violationLog{}
	finalized := &finalizeLog{}
	opts := DefaultOptions()
	if configure != nil {
		configure(&opts)
	}
	opts.FatalHandler = violations.handle
	opts.Finalizer = finalized.finalize
	return New(opts), violations, finalized
}

func testClass(name string) *Class {
	return &Class{Name: name}
}
