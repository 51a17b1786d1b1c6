package alloc

import (
	"fmt"

	"github.com/slowlang/linearscan/graph"
)

// verify checks the invariants the sweep must have established. A
// violation here is a defect in the allocator, not a property of the
// input, so it is fatal.
func (w *walker) verify() {
	for _, in := range w.tab.ivals {
		if len(in.Ranges) == 0 {
			continue
		}

		if in.Loc.Kind == LocNone {
			panic(fmt.Sprintf("interval %d (reg %d) left without a location", in.ID, in.Reg))
		}

		for i := 1; i < len(in.Ranges); i++ {
			if in.Ranges[i-1].To > in.Ranges[i].From {
				panic(fmt.Sprintf("interval %d ranges out of order", in.ID))
			}
		}

		// register-required uses must sit in a register-resident piece
		for _, u := range in.Uses {
			if u.Kind == graph.UseReg && in.Loc.Kind != LocReg {
				panic(fmt.Sprintf("interval %d (reg %d) serves a register use from %v", in.ID, in.Reg, in.Loc))
			}
		}
	}

	// no two register-resident intervals may overlap on the same register
	for i, a := range w.tab.ivals {
		if a.Loc.Kind != LocReg || len(a.Ranges) == 0 {
			continue
		}

		for _, b := range w.tab.ivals[i+1:] {
			if b.Loc != a.Loc || len(b.Ranges) == 0 {
				continue
			}

			if p, ok := a.Intersection(b); ok {
				panic(fmt.Sprintf("intervals %d and %d share %v at %d", a.ID, b.ID, a.Loc, p))
			}
		}
	}
}
