package rc

// ---------------------------------------------------------------------------
// refWord: the inline reference field
// ---------------------------------------------------------------------------

// refWord is the single 64-bit word stored with every object. It is only ever
// mutated by compare-and-swap of the whole word.
//
// Layout (bit 0 is the least significant bit):
//
//	bit  0       inline         count and flags live in this word
//	bit  1       hasAssoc       object has associated data
//	bit  2       hasDtor        object's class has a custom destructor
//	bits 3..34   class          32-bit class ID
//	bit  35      weak           weakly referenced at least once
//	bit  36      deallocating   teardown has begun (never cleared)
//	bit  37      sideCount      part of the count lives in the side table
//	bit  38      tearingDown    Dealloc has claimed the object
//	bit  39      freed          storage has been reclaimed
//	bits 40..    extra          retain count minus one, width is configurable
//
// When the inline bit is clear, the weak, deallocating, sideCount and extra
// fields are unused and all count state lives in the side table. The class,
// hasAssoc, hasDtor, tearingDown and freed bits are valid in both modes.
type refWord uint64

const (
	inlineBit      refWord = 1 << 0
	hasAssocBit    refWord = 1 << 1
	hasDtorBit     refWord = 1 << 2
	classShift             = 3
	classMask      refWord = 0xFFFFFFFF << classShift
	weakBit        refWord = 1 << 35
	deallocBit     refWord = 1 << 36
	sideCountBit   refWord = 1 << 37
	tearingDownBit refWord = 1 << 38
	freedBit       refWord = 1 << 39
	extraShift             = 40
)

const (
	// MaxInlineCountBits is the widest extra-count field the word can hold.
	MaxInlineCountBits = 64 - extraShift

	// DefaultInlineCountBits matches the 19-bit field of 64-bit desktop targets.
	DefaultInlineCountBits = 19
)

func (w refWord) inline() bool       { return w&inlineBit != 0 }
func (w refWord) hasAssoc() bool     { return w&hasAssocBit != 0 }
func (w refWord) hasDtor() bool      { return w&hasDtorBit != 0 }
func (w refWord) weak() bool         { return w&weakBit != 0 }
func (w refWord) deallocating() bool { return w&deallocBit != 0 }
func (w refWord) sideCount() bool    { return w&sideCountBit != 0 }
func (w refWord) tearingDown() bool  { return w&tearingDownBit != 0 }
func (w refWord) freed() bool        { return w&freedBit != 0 }

func (w refWord) classID() uint32 {
	return uint32((w & classMask) >> classShift)
}

func (w refWord) withClassID(id uint32) refWord {
	return w&^classMask | refWord(id)<<classShift
}

// newRefWord builds the word for a freshly constructed object.
func newRefWord(cls *Class, classID uint32, inline bool) refWord {
	w := refWord(0).withClassID(classID)
	if inline {
		w |= inlineBit
	}
	if cls.HasCustomDestructor {
		w |= hasDtorBit
	}
	return w
}

// countLayout describes the extra-count field for one runtime. The width is
// fixed when the runtime is built.
type countLayout struct {
	width uint
	max   uint64
	half  uint64
}

func newCountLayout(width uint) countLayout {
	if width == 0 || width > MaxInlineCountBits {
		width = DefaultInlineCountBits
	}
	return countLayout{
		width: width,
		max:   1<<width - 1,
		half:  1 << (width - 1),
	}
}

func (l countLayout) extra(w refWord) uint64 {
	return (uint64(w) >> extraShift) & l.max
}

func (l countLayout) withExtra(w refWord, n uint64) refWord {
	return w&^(refWord(l.max)<<extraShift) | refWord(n&l.max)<<extraShift
}

// increment adds one unit to the extra count. ok is false when the field is
// already at capacity; the word is returned unchanged in that case.
func (l countLayout) increment(w refWord) (next refWord, ok bool) {
	n := l.extra(w)
	if n == l.max {
		return w, false
	}
	return l.withExtra(w, n+1), true
}

// decrement removes one unit from the extra count. ok is false when the field
// is already at its biased zero.
func (l countLayout) decrement(w refWord) (next refWord, ok bool) {
	n := l.extra(w)
	if n == 0 {
		return w, false
	}
	return l.withExtra(w, n-1), true
}
