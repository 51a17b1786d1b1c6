package alloc

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/linearscan/flatten"
	"github.com/slowlang/linearscan/graph"
	"github.com/slowlang/linearscan/set"
)

type (
	// Table owns every interval of the allocation unit. The first
	// NumRegs entries are the original per-register intervals, split
	// children are appended behind them during the sweep.
	Table struct {
		g   *graph.Graph
		ord *flatten.Order

		ivals []*Interval

		liveIn []set.Bits // block -> registers live at entry
	}
)

var ErrUseBeforeDef = errors.New("use before def")

// BuildIntervals derives one live interval per virtual register from a
// single pass over the blocks in reverse linear order. Values live
// across a loop edge get their interval extended over the whole loop
// body afterwards instead of iterating liveness to a fixed point.
func BuildIntervals(ctx context.Context, g *graph.Graph, ord *flatten.Order) (tab *Table, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "build intervals", "regs", g.NumRegs())
	defer tr.Finish("err", &err)

	tab = &Table{
		g:      g,
		ord:    ord,
		liveIn: make([]set.Bits, g.NumBlocks()),
	}

	for r := 0; r < g.NumRegs(); r++ {
		tab.ivals = append(tab.ivals, &Interval{
			ID:     IntervalID(r),
			Reg:    graph.Reg(r),
			Parent: -1,
		})
	}

	for i := len(ord.Blocks) - 1; i >= 0; i-- {
		tab.scanBlock(tr, ord.Blocks[i])
	}

	tab.extendLoops(tr)

	if entry := tab.liveIn[g.Entry()]; entry.Size() != 0 {
		regs := []graph.Reg{}

		entry.Range(func(r int) bool {
			regs = append(regs, graph.Reg(r))
			return true
		})

		return nil, errors.Wrap(ErrUseBeforeDef, "regs %v", regs)
	}

	if tr.If("dump_intervals") {
		for _, in := range tab.ivals {
			tr.Printw("interval", "id", in.ID, "reg", in.Reg, "ranges", in.Ranges, "uses", in.Uses)
		}
	}

	return tab, nil
}

// scanBlock seeds liveness from the block's successors and walks its
// instructions backwards, shortening intervals at defs and extending
// them at uses. Successors across loop edges are not flattened yet at
// this point; extendLoops covers them.
func (tab *Table) scanBlock(tr tlog.Span, b graph.BlockID) {
	g, ord := tab.g, tab.ord
	bp := g.Blk(b)
	br := ord.BlockRange(b)

	live := set.MakeBits(g.NumRegs())

	for _, s := range bp.Succ {
		if ord.IsLoop(b, s) {
			continue
		}

		live.Or(tab.liveIn[s])
	}

	// anything live out is assumed live for the whole block,
	// defs below shorten it
	live.Range(func(r int) bool {
		tab.ivals[r].prependRange(br.From, br.To)
		return true
	})

	for i := len(bp.Code) - 1; i >= 0; i-- {
		id := bp.Code[i]
		ins := g.Instr(id)
		pos := ord.Pos(id)

		for _, d := range ins.Defs {
			in := tab.ivals[d.Reg]

			if len(in.Ranges) != 0 && in.Ranges[0].Covers(pos) {
				in.Ranges[0].From = pos
			} else {
				in.prependRange(pos, pos+flatten.Stride)
			}

			in.prependUse(Use{Pos: pos, Kind: d.Kind})
			live.Clear(int(d.Reg))
		}

		for _, u := range ins.Uses {
			in := tab.ivals[u.Reg]

			if !in.Covers(pos) {
				in.prependRange(br.From, pos)
			}

			in.prependUse(Use{Pos: pos, Kind: u.Kind, Kill: u.Kill})
			live.Set(int(u.Reg))
		}
	}

	tab.liveIn[b] = live

	tr.V("liveness").Printw("block scanned", "block", b, "live_in", live)
}

// extendLoops over-approximates liveness across loop edges: every
// register live at a loop header stays live through the whole body,
// up to the loop edge source, whatever the paths inside do.
func (tab *Table) extendLoops(tr tlog.Span) {
	for _, e := range tab.ord.Loops {
		head := tab.ord.BlockRange(e.To)
		tail := tab.ord.BlockRange(e.From)

		tab.liveIn[e.To].Range(func(r int) bool {
			tab.ivals[r].cover(head.From, tail.To)

			tr.V("liveness").Printw("loop extend", "reg", r, "from", head.From, "to", tail.To)

			return true
		})
	}
}

func (tab *Table) NumIntervals() int { return len(tab.ivals) }

// Order is the linearization the intervals are numbered in.
func (tab *Table) Order() *flatten.Order { return tab.ord }

func (tab *Table) Interval(id IntervalID) *Interval { return tab.ivals[id] }

// ForReg returns the original interval of a virtual register.
func (tab *Table) ForReg(r graph.Reg) *Interval { return tab.ivals[r] }

// ChildAt finds the interval (parent or split child) of the given
// parent chain covering the position.
func (tab *Table) ChildAt(parent IntervalID, p flatten.Pos) (IntervalID, bool) {
	in := tab.ivals[parent]

	if in.Start() <= p && p < in.End() && in.Covers(p) {
		return in.ID, true
	}

	for _, c := range in.Children {
		cc := tab.ivals[c]

		if cc.Start() <= p && p < cc.End() && cc.Covers(p) {
			return cc.ID, true
		}
	}

	return -1, false
}

// childWithUseAt is like ChildAt but accepts intervals ending exactly
// at the position if they have a use there. Uses sit at the end
// position of their range, a split at the use leaves them there.
func (tab *Table) childWithUseAt(parent IntervalID, p flatten.Pos) (IntervalID, bool) {
	check := func(in *Interval) bool {
		return in.Start() <= p && p <= in.End() && in.hasUseAt(p)
	}

	in := tab.ivals[parent]
	if check(in) {
		return in.ID, true
	}

	for _, c := range in.Children {
		if check(tab.ivals[c]) {
			return c, true
		}
	}

	return -1, false
}

func (tab *Table) newChild(parent IntervalID) *Interval {
	root := parent
	if p := tab.ivals[parent].Parent; p >= 0 {
		root = p
	}

	in := &Interval{
		ID:     IntervalID(len(tab.ivals)),
		Reg:    tab.ivals[root].Reg,
		Parent: root,
	}

	tab.ivals = append(tab.ivals, in)

	return in
}
