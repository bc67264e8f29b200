package bin

import "weak"

// Ref is how a window's worker holds a bin.
type Ref interface {
	ID() ID

	// Upgrade returns the bin, or false once it was collected.
	Upgrade() (Bin, bool)
}

type strongRef struct{ b Bin }

// Strong returns a Ref keeping b alive.
func Strong(b Bin) Ref { return strongRef{b} }

func (r strongRef) ID() ID               { return r.b.ID() }
func (r strongRef) Upgrade() (Bin, bool) { return r.b, true }

type weakRef[T any, P interface {
	*T
	Bin
}] struct {
	id ID
	p  weak.Pointer[T]
}

// Weak returns a Ref that does not keep p alive. Once p is collected the
// window dissociates the bin.
func Weak[T any, P interface {
	*T
	Bin
}](p P) Ref {
	return weakRef[T, P]{id: p.ID(), p: weak.Make((*T)(p))}
}

func (r weakRef[T, P]) ID() ID { return r.id }

func (r weakRef[T, P]) Upgrade() (Bin, bool) {
	v := r.p.Value()
	if v == nil {
		return nil, false
	}
	return P(v), true
}
