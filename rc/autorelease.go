package rc

// PoolToken marks a Push boundary in an AutoreleasePool.
type PoolToken int

// AutoreleasePool collects references to release later, in LIFO order. A pool
// belongs to a single goroutine and is not safe for concurrent use.
type AutoreleasePool struct {
	rt         *Runtime
	objects    []*Object
	boundaries []int
}

// NewAutoreleasePool creates an empty pool releasing through rt.
func (rt *Runtime) NewAutoreleasePool() *AutoreleasePool {
	return &AutoreleasePool{rt: rt}
}

// Autorelease records one reference of obj, to be released when the
// enclosing boundary is popped or the pool drained.
func (p *AutoreleasePool) Autorelease(obj *Object) *Object {
	if obj == nil {
		return nil
	}
	p.objects = append(p.objects, obj)
	return obj
}

// Push opens a nested boundary.
func (p *AutoreleasePool) Push() PoolToken {
	p.boundaries = append(p.boundaries, len(p.objects))
	return PoolToken(len(p.boundaries))
}

// Pop releases everything autoreleased since the matching Push. Boundaries
// must be popped innermost first; anything else is a usage violation.
func (p *AutoreleasePool) Pop(token PoolToken) {
	depth := len(p.boundaries)
	if int(token) != depth || depth == 0 {
		p.rt.fatal(ViolationPoolOrder, nil, "pop of boundary %d with %d open", int(token), depth)
		return
	}
	mark := p.boundaries[depth-1]
	p.boundaries = p.boundaries[:depth-1]
	p.releaseTo(mark)
}

// Drain releases every pending reference and closes all boundaries.
func (p *AutoreleasePool) Drain() {
	p.boundaries = p.boundaries[:0]
	p.releaseTo(0)
}

// Len returns the number of pending references.
func (p *AutoreleasePool) Len() int {
	return len(p.objects)
}

// Depth returns the number of open boundaries.
func (p *AutoreleasePool) Depth() int {
	return len(p.boundaries)
}

// releaseTo pops one object at a time so a finalizer may autorelease into the
// same pool while it drains.
func (p *AutoreleasePool) releaseTo(mark int) {
	for len(p.objects) > mark {
		last := len(p.objects) - 1
		obj := p.objects[last]
		p.objects[last] = nil
		p.objects = p.objects[:last]
		p.rt.Release(obj)
	}
}
