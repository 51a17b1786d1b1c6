// Package alloc implements the linear-scan sweep over live intervals:
// interval computation from the flattened order, register assignment
// with spilling, and resolution of locations across block edges.
package alloc

import (
	"fmt"

	"github.com/slowlang/linearscan/flatten"
	"github.com/slowlang/linearscan/graph"
)

type (
	IntervalID int

	LocKind int

	// Loc is a storage location: a physical register from the finite
	// pool or a spill slot from the unbounded stack pool.
	Loc struct {
		Kind LocKind
		Idx  int
	}

	// Range is a half-open [From, To) span of positions the value is live.
	Range struct {
		From, To flatten.Pos
	}

	Use struct {
		Pos  flatten.Pos
		Kind graph.UseKind
		Kill bool
	}

	// Interval is the liveness of one virtual register, or of a part of
	// it after a split. Split children keep a back-reference to the
	// parent so the final assignment can be stitched per register.
	Interval struct {
		ID  IntervalID
		Reg graph.Reg

		// Ranges are disjoint and ordered by start position.
		Ranges []Range

		// Uses ordered by increasing position.
		Uses []Use

		Parent   IntervalID // -1 on original intervals
		Children []IntervalID

		Loc Loc
	}
)

const (
	LocNone LocKind = iota
	LocReg
	LocStack
)

const posMax = flatten.Pos(1) << 30

func RegLoc(r int) Loc   { return Loc{Kind: LocReg, Idx: r} }
func StackLoc(s int) Loc { return Loc{Kind: LocStack, Idx: s} }

func (l Loc) String() string {
	switch l.Kind {
	case LocNone:
		return "none"
	case LocReg:
		return fmt.Sprintf("r%d", l.Idx)
	case LocStack:
		return fmt.Sprintf("s%d", l.Idx)
	default:
		return fmt.Sprintf("loc(%d,%d)", l.Kind, l.Idx)
	}
}

func (r Range) Covers(p flatten.Pos) bool { return r.From <= p && p < r.To }

func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.From, r.To) }

func (in *Interval) Start() flatten.Pos { return in.Ranges[0].From }

func (in *Interval) End() flatten.Pos { return in.Ranges[len(in.Ranges)-1].To }

func (in *Interval) Covers(p flatten.Pos) bool {
	for _, r := range in.Ranges {
		if r.Covers(p) {
			return true
		}
	}

	return false
}

// prependRange extends the interval at the front. Range building walks
// the order backwards, so new ranges only ever arrive at decreasing
// positions.
func (in *Interval) prependRange(from, to flatten.Pos) {
	if len(in.Ranges) != 0 && in.Ranges[0].From < to {
		panic("range out of order")
	}

	if len(in.Ranges) != 0 && in.Ranges[0].From == to {
		in.Ranges[0].From = from
		return
	}

	in.Ranges = append([]Range{{From: from, To: to}}, in.Ranges...)
}

// cover merges an arbitrary [from, to) span into the range set,
// keeping it disjoint and ordered. Used by the loop extension pass.
func (in *Interval) cover(from, to flatten.Pos) {
	res := make([]Range, 0, len(in.Ranges)+1)
	n := Range{From: from, To: to}

	for _, r := range in.Ranges {
		switch {
		case r.To < n.From:
			res = append(res, r)
		case n.To < r.From:
			if n.From >= 0 {
				res = append(res, n)
				n = Range{From: -1}
			}

			res = append(res, r)
		default: // overlap or touch, absorb
			if r.From < n.From {
				n.From = r.From
			}
			if r.To > n.To {
				n.To = r.To
			}
		}
	}

	if n.From >= 0 {
		res = append(res, n)
	}

	in.Ranges = res
}

func (in *Interval) prependUse(u Use) {
	in.Uses = append([]Use{u}, in.Uses...)
}

// NextRegUse returns the first register-required use at or after the
// position, or nil.
func (in *Interval) NextRegUse(after flatten.Pos) *Use {
	for i := range in.Uses {
		if in.Uses[i].Pos >= after && in.Uses[i].Kind == graph.UseReg {
			return &in.Uses[i]
		}
	}

	return nil
}

// LastRegUse returns the last register-required use at or before the
// position, or nil.
func (in *Interval) LastRegUse(before flatten.Pos) *Use {
	for i := len(in.Uses) - 1; i >= 0; i-- {
		if in.Uses[i].Pos <= before && in.Uses[i].Kind == graph.UseReg {
			return &in.Uses[i]
		}
	}

	return nil
}

func (in *Interval) hasUseAt(p flatten.Pos) bool {
	for _, u := range in.Uses {
		if u.Pos == p {
			return true
		}
	}

	return false
}

// Intersection returns the first position where both intervals are live.
func (in *Interval) Intersection(x *Interval) (flatten.Pos, bool) {
	for _, a := range in.Ranges {
		for _, b := range x.Ranges {
			switch {
			case a.Covers(b.From):
				return b.From, true
			case b.From < a.From && a.From < b.To:
				return a.From, true
			}
		}
	}

	return 0, false
}
