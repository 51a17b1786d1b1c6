package alloc

import (
	"fmt"
	"sort"

	"github.com/slowlang/linearscan/flatten"
	"github.com/slowlang/linearscan/graph"
)

type (
	MoveKind int

	// Move reconciles one value's storage between two locations.
	// Swap exchanges two locations; it is emitted when the move set
	// of a gap forms a cycle.
	Move struct {
		Kind MoveKind

		Reg      graph.Reg
		From, To Loc
	}

	// GapMoves is the ordered move set of one gap position. Edge
	// identifies the control-flow edge being resolved; split points
	// inside a block carry the noEdge marker.
	GapMoves struct {
		Pos   flatten.Pos
		Edge  flatten.Edge
		Moves []Move
	}

	Result struct {
		Table *Table

		// Moves ordered by position, then by edge.
		Moves []GapMoves

		// SpillSlots is the peak number of distinct spill slots.
		SpillSlots int
	}
)

const (
	MoveCopy MoveKind = iota
	MoveSwap
)

// OnEdge reports whether the move set resolves a control-flow edge
// rather than an intra-block split.
func (g GapMoves) OnEdge() bool { return g.Edge.From >= 0 }

func (m Move) String() string {
	if m.Kind == MoveSwap {
		return fmt.Sprintf("swap %v <-> %v (reg %d)", m.From, m.To, m.Reg)
	}

	return fmt.Sprintf("move %v -> %v (reg %d)", m.From, m.To, m.Reg)
}

// resolve walks every control-flow edge and records a move for each
// register whose storage location at the predecessor's exit differs
// from the one at the successor's entry. Resolution is per edge:
// different predecessors of a merge may hand off different locations.
func (w *walker) resolve() {
	for _, b := range w.ord.Blocks {
		bp := w.g.Blk(b)

		exit := w.ord.BlockRange(b).To - flatten.Stride
		if len(bp.Code) == 0 {
			// a jump-only block covers no positions; its state is
			// whatever the incoming edge established at the entry
			exit = w.ord.BlockRange(b).From
		}

		for _, s := range bp.Succ {
			entry := w.ord.BlockRange(s).From

			for r := 0; r < w.g.NumRegs(); r++ {
				// values not live into the successor need no
				// reconciliation, even when a stale piece still
				// covers the predecessor's exit
				if !w.tab.liveIn[s].IsSet(r) {
					continue
				}

				in := w.tab.ForReg(graph.Reg(r))

				if len(in.Ranges) == 0 {
					continue
				}

				from, ok := w.tab.ChildAt(in.ID, exit)
				if !ok && len(bp.Code) == 0 {
					from, ok = w.tab.childWithUseAt(in.ID, exit)
				}
				if !ok {
					continue
				}

				to, ok := w.tab.ChildAt(in.ID, entry)
				if !ok {
					// a use at the block's first instruction sits
					// exactly at its interval's end position
					to, ok = w.tab.childWithUseAt(in.ID, entry)
				}
				if !ok {
					continue
				}

				if from == to || w.tab.ivals[from].Loc == w.tab.ivals[to].Loc {
					continue
				}

				// a branching predecessor cannot hold the move, it
				// would leak onto the other path; put it at the
				// successor's entry instead
				pos := w.ord.ExitGap(b)
				if len(bp.Succ) > 1 {
					pos = w.ord.EntryGap(s)
				}

				w.addGap(pos, flatten.Edge{From: b, To: s}, gapAction{from: from, to: to})

				w.tr.V("resolve").Printw("edge move", "from_block", b, "to_block", s, "reg", r, "from", w.tab.ivals[from].Loc, "to", w.tab.ivals[to].Loc)
			}
		}
	}
}

// result materializes gap actions into located moves, ordering each
// gap's set so no location is clobbered before it is read.
func (w *walker) result() *Result {
	keys := make([]gapKey, 0, len(w.gaps))
	for k := range w.gaps {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]

		if a.Pos != b.Pos {
			return a.Pos < b.Pos
		}
		if a.Edge.From != b.Edge.From {
			return a.Edge.From < b.Edge.From
		}

		return a.Edge.To < b.Edge.To
	})

	res := &Result{
		Table:      w.tab,
		SpillSlots: w.slots,
	}

	for _, k := range keys {
		moves := make([]Move, 0, len(w.gaps[k]))

		for _, a := range w.gaps[k] {
			f, t := w.tab.ivals[a.from], w.tab.ivals[a.to]

			if f.Loc == t.Loc {
				continue
			}

			moves = append(moves, Move{
				Reg:  f.Reg,
				From: f.Loc,
				To:   t.Loc,
			})
		}

		if len(moves) == 0 {
			continue
		}

		res.Moves = append(res.Moves, GapMoves{
			Pos:   k.Pos,
			Edge:  k.Edge,
			Moves: orderMoves(moves),
		})
	}

	return res
}

// orderMoves sequences a parallel move set: a move is safe once no
// pending move still reads its destination. Cycles (a genuine swap
// among two or more locations) are broken with Swap entries.
func orderMoves(pending []Move) (out []Move) {
	for len(pending) != 0 {
		emitted := false

		for i := 0; i < len(pending); i++ {
			m := pending[i]

			if m.From == m.To {
				pending = append(pending[:i], pending[i+1:]...)
				i--
				continue
			}

			if readers(pending, m.To) != 0 {
				continue
			}

			out = append(out, m)
			pending = append(pending[:i], pending[i+1:]...)
			emitted = true
			i--
		}

		if emitted || len(pending) == 0 {
			continue
		}

		// every destination is still read by someone: a cycle;
		// swap one pair and redirect readers of the overwritten
		// location to the value's new home
		m := pending[0]
		pending = pending[1:]

		out = append(out, Move{
			Kind: MoveSwap,
			Reg:  m.Reg,
			From: m.From,
			To:   m.To,
		})

		for i := range pending {
			if pending[i].From == m.To {
				pending[i].From = m.From
			}
		}
	}

	return out
}

func readers(moves []Move, l Loc) (n int) {
	for _, m := range moves {
		if m.From == l {
			n++
		}
	}

	return n
}

// At reports where a virtual register's value lives at a position.
func (r *Result) At(reg graph.Reg, pos flatten.Pos) (Loc, bool) {
	in := r.Table.ForReg(reg)

	if len(in.Ranges) == 0 {
		return Loc{}, false
	}

	id, ok := r.Table.ChildAt(in.ID, pos)
	if !ok {
		// uses may sit exactly at their interval's end position
		id, ok = r.Table.childWithUseAt(in.ID, pos)
	}
	if !ok {
		return Loc{}, false
	}

	return r.Table.ivals[id].Loc, true
}
