package alloc

import (
	"context"

	"nikand.dev/go/heap"
	"tlog.app/go/loc"
	"tlog.app/go/tlog"

	"github.com/slowlang/linearscan/flatten"
	"github.com/slowlang/linearscan/graph"
)

type (
	walker struct {
		g   *graph.Graph
		ord *flatten.Order
		tab *Table

		nregs int

		unhandled heap.Heap[IntervalID]

		active   []IntervalID
		inactive []IntervalID
		spilled  []IntervalID

		freeSlots []int
		slots     int

		gaps map[gapKey][]gapAction

		tr tlog.Span
	}

	gapKey struct {
		Pos  flatten.Pos
		Edge flatten.Edge
	}

	gapAction struct {
		from, to IntervalID
	}
)

// noEdge marks gaps that belong to an intra-block split point.
var noEdge = flatten.Edge{From: -1, To: -1}

// Run executes the full allocation over a flattened graph: interval
// computation, the sweep, boundary resolution and verification.
func Run(ctx context.Context, g *graph.Graph, ord *flatten.Order, regs int) (res *Result, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "alloc", "regs", regs)
	defer tr.Finish("err", &err)

	tab, err := BuildIntervals(ctx, g, ord)
	if err != nil {
		return nil, err
	}

	w := &walker{
		g:     g,
		ord:   ord,
		tab:   tab,
		nregs: regs,
		gaps:  map[gapKey][]gapAction{},
		tr:    tr,
	}

	w.unhandled.Less = func(d []IntervalID, i, j int) bool {
		a, b := tab.ivals[d[i]], tab.ivals[d[j]]

		if as, bs := a.Start(), b.Start(); as != bs {
			return as < bs
		}
		if a.Reg != b.Reg {
			return a.Reg < b.Reg
		}

		return a.ID < b.ID
	}

	w.walk()
	w.resolve()

	res = w.result()

	w.verify()

	return res, nil
}

// walk processes intervals in order of increasing start position,
// keeping the active/inactive partition current and giving each
// interval either a register or a spill slot.
func (w *walker) walk() {
	for r := 0; r < w.tab.NumIntervals(); r++ {
		if len(w.tab.ivals[r].Ranges) != 0 {
			w.unhandled.Push(IntervalID(r))
		}
	}

	for w.unhandled.Len() != 0 {
		id := w.unhandled.Pop()
		in := w.tab.ivals[id]
		pos := in.Start()

		w.advance(pos)

		w.tr.V("walk").Printw("interval", "id", id, "reg", in.Reg, "start", pos, "end", in.End(), "loc", in.Loc)

		if in.Loc.Kind == LocNone {
			if !w.tryAllocFree(in) {
				w.allocBlocked(in)
			}
		}

		switch in.Loc.Kind {
		case LocReg:
			w.active = append(w.active, id)
		case LocStack:
			w.spilled = append(w.spilled, id)
		}
	}
}

// advance retires or parks intervals the sweep has passed. Registers
// are not tracked in a separate free list: a register is free exactly
// when no active interval holds it, and inactive holders only
// constrain the part of the position space they will cover again.
func (w *walker) advance(pos flatten.Pos) {
	var act, inact []IntervalID

	for _, id := range w.active {
		in := w.tab.ivals[id]

		switch {
		case in.Covers(pos):
			act = append(act, id)
		case in.End() > pos:
			inact = append(inact, id)
		default:
			w.tr.V("walk_state").Printw("retired", "id", id, "reg", in.Reg, "loc", in.Loc, "from", loc.Caller(1))
		}
	}

	for _, id := range w.inactive {
		in := w.tab.ivals[id]

		switch {
		case in.Covers(pos):
			act = append(act, id)
		case in.End() > pos:
			inact = append(inact, id)
		}
	}

	w.active, w.inactive = act, inact

	n := 0

	for _, id := range w.spilled {
		in := w.tab.ivals[id]

		if in.End() <= pos {
			// the slot is reusable once its interval has ended
			w.freeSlots = append(w.freeSlots, in.Loc.Idx)
			continue
		}

		w.spilled[n] = id
		n++
	}

	w.spilled = w.spilled[:n]
}

// tryAllocFree assigns a register that is free at the interval's start,
// preferring the one that stays free the longest. If no register is
// free for the whole lifetime the interval is split and only the
// prefix takes the register.
func (w *walker) tryAllocFree(cur *Interval) bool {
	freePos := make([]flatten.Pos, w.nregs)
	for i := range freePos {
		freePos[i] = posMax
	}

	for _, id := range w.active {
		freePos[w.tab.ivals[id].Loc.Idx] = 0
	}

	for _, id := range w.inactive {
		in := w.tab.ivals[id]

		if p, ok := in.Intersection(cur); ok && p < freePos[in.Loc.Idx] {
			freePos[in.Loc.Idx] = p
		}
	}

	reg := 0
	best := freePos[0]

	for i := 1; i < w.nregs; i++ {
		// strict greater keeps the lowest register on ties
		if freePos[i] > best {
			best, reg = freePos[i], i
		}
	}

	// a reloaded child continues in the register an earlier piece
	// held, continuation there costs no move
	if h, ok := w.hint(cur); ok && freePos[h] >= cur.End() {
		reg, best = h, freePos[h]
	}

	if best == 0 {
		return false
	}

	start, end := cur.Start(), cur.End()

	switch {
	case best >= end:
		// free for the whole lifetime

	case start+1 >= best:
		// no room to split with progress
		return false

	default:
		child := w.splitBetween(cur.ID, start, best)

		// no register uses left after the split point, park it in memory
		if child.NextRegUse(0) == nil {
			child.Loc = w.getSlot()
		}
	}

	cur.Loc = RegLoc(reg)

	w.tr.V("walk").Printw("free reg", "id", cur.ID, "reg", cur.Reg, "loc", cur.Loc, "free_until", best)

	return true
}

// hint is the register held by the latest already-placed piece of the
// same virtual register before cur.
func (w *walker) hint(cur *Interval) (reg int, ok bool) {
	if cur.Parent < 0 {
		return 0, false
	}

	root := w.tab.ivals[cur.Parent]
	start := cur.Start()

	var at flatten.Pos = -1

	consider := func(in *Interval) {
		if in.Loc.Kind != LocReg || len(in.Ranges) == 0 {
			return
		}

		if s := in.Start(); s < start && s > at {
			reg, ok = in.Loc.Idx, true
			at = s
		}
	}

	consider(root)

	for _, c := range root.Children {
		if c != cur.ID {
			consider(w.tab.ivals[c])
		}
	}

	return reg, ok
}

// park takes an interval that lost its register out of the sweep sets
// so its slot is retired together with it.
func (w *walker) park(id IntervalID) {
	for i, x := range w.active {
		if x == id {
			w.active = append(w.active[:i], w.active[i+1:]...)
			break
		}
	}

	for i, x := range w.inactive {
		if x == id {
			w.inactive = append(w.inactive[:i], w.inactive[i+1:]...)
			break
		}
	}

	w.spilled = append(w.spilled, id)
}

// allocBlocked evicts the holder of the register whose next
// register-required use is the furthest away, or spills the new
// interval itself when it can wait the longest.
func (w *walker) allocBlocked(cur *Interval) {
	start := cur.Start()

	usePos := make([]flatten.Pos, w.nregs)
	endPos := make([]flatten.Pos, w.nregs)
	declReg := make([]graph.Reg, w.nregs)

	for i := range usePos {
		usePos[i] = posMax
		endPos[i] = -1
		declReg[i] = graph.Reg(posMax)
	}

	account := func(in *Interval) {
		r := in.Loc.Idx

		p := posMax
		if u := in.NextRegUse(start); u != nil {
			p = u.Pos
		}

		if p < usePos[r] {
			usePos[r] = p
		}
		if e := in.End(); e > endPos[r] {
			endPos[r] = e
		}
		if in.Reg < declReg[r] {
			declReg[r] = in.Reg
		}
	}

	for _, id := range w.active {
		account(w.tab.ivals[id])
	}
	for _, id := range w.inactive {
		in := w.tab.ivals[id]

		if _, ok := in.Intersection(cur); ok {
			account(in)
		}
	}

	reg := 0

	for i := 1; i < w.nregs; i++ {
		switch {
		case usePos[i] != usePos[reg]:
			if usePos[i] > usePos[reg] {
				reg = i
			}
		case endPos[i] != endPos[reg]:
			if endPos[i] > endPos[reg] {
				reg = i
			}
		case declReg[i] < declReg[reg]:
			reg = i
		}
	}

	firstUse := cur.NextRegUse(0)

	if firstUse == nil {
		// no register-required uses at all, keep it in memory
		cur.Loc = w.getSlot()

		w.tr.V("walk").Printw("spill current, no reg uses", "id", cur.ID, "reg", cur.Reg, "loc", cur.Loc)

		return
	}

	if usePos[reg] < firstUse.Pos {
		// the new interval is the one that can wait the longest
		if firstUse.Pos == start {
			// more register-required operands at one position than
			// registers; the input violates the pool contract
			panic("allocation impossible: register use at blocked position")
		}

		cur.Loc = w.getSlot()
		w.splitBetween(cur.ID, start, firstUse.Pos)

		w.tr.V("walk").Printw("spill current", "id", cur.ID, "reg", cur.Reg, "loc", cur.Loc, "until", firstUse.Pos)

		return
	}

	cur.Loc = RegLoc(reg)

	w.tr.V("walk").Printw("evict", "id", cur.ID, "reg", cur.Reg, "loc", cur.Loc, "holders_next_use", usePos[reg])

	w.splitAndSpill(cur, reg)
}

// splitAndSpill splits every active or intersecting inactive holder of
// the register at the current position: the prefix keeps the register,
// the suffix goes to a slot and re-enters the sweep before its next
// register-required use.
func (w *walker) splitAndSpill(cur *Interval, reg int) {
	start := cur.Start()

	spillPos := start
	if spillPos%2 == 0 {
		spillPos-- // spill at the gap just before
	}

	var victims []IntervalID

	for _, id := range w.active {
		if w.tab.ivals[id].Loc == RegLoc(reg) {
			victims = append(victims, id)
		}
	}
	for _, id := range w.inactive {
		in := w.tab.ivals[id]

		if in.Loc != RegLoc(reg) {
			continue
		}

		if _, ok := in.Intersection(cur); ok {
			victims = append(victims, id)
		}
	}

	for _, id := range victims {
		in := w.tab.ivals[id]

		if in.Start() >= spillPos {
			// the holder starts at this very position, there is
			// no prefix worth keeping in the register
			in.Loc = w.getSlot()
			w.park(id)

			w.tr.V("walk").Printw("spill holder whole", "id", id, "reg", in.Reg, "loc", in.Loc)

			if u := in.NextRegUse(in.Start()); u != nil {
				w.splitBetween(id, in.Start(), u.Pos)
			}

			continue
		}

		last := in.Start()
		if u := in.LastRegUse(spillPos); u != nil {
			last = u.Pos
		}

		spillChild := w.splitBetween(id, last, spillPos)
		spillChild.Loc = w.getSlot()

		w.tr.V("walk").Printw("spill holder", "id", id, "reg", in.Reg, "child", spillChild.ID, "loc", spillChild.Loc)

		if u := spillChild.NextRegUse(spillPos); u != nil {
			w.splitBetween(spillChild.ID, spillPos, u.Pos)
		}
	}
}

// splitBetween splits at the optimal position inside (from, to] and
// feeds the child back into the worklist.
func (w *walker) splitBetween(id IntervalID, from, to flatten.Pos) *Interval {
	pos := w.optimalSplitPos(from, to)

	child := w.splitAt(id, pos)
	w.unhandled.Push(child.ID)

	return child
}

// optimalSplitPos picks a gap position in (from, to], preferring the
// exit of the shallowest enclosing loop so reload code stays out of
// hot paths.
func (w *walker) optimalSplitPos(from, to flatten.Pos) flatten.Pos {
	if from == to {
		return to
	}

	best := to
	depth := int(posMax)

	for _, b := range w.ord.Blocks {
		bt := w.ord.ExitGap(b)

		if from < bt && bt <= to && w.ord.LoopDepth(b) < depth {
			best, depth = bt, w.ord.LoopDepth(b)
		}
	}

	// split only at gap positions
	if best%2 == 0 {
		best--
	}

	if !(from < best && best <= to) {
		panic("no split position")
	}

	return best
}

// splitAt cuts the interval (or the child covering pos) in two. Ranges
// and uses behind the position move to the new child; a move between
// the halves is recorded unless the cut falls on a block boundary,
// where edge resolution inserts it instead.
func (w *walker) splitAt(id IntervalID, pos flatten.Pos) *Interval {
	if !(w.tab.ivals[id].Start() < pos) {
		panic("split without progress")
	}

	sp := w.tab.ivals[id]

	if !sp.Covers(pos) {
		root := sp
		if sp.Parent >= 0 {
			root = w.tab.ivals[sp.Parent]
		}

		sp = root

		for _, c := range root.Children {
			if w.tab.ivals[c].Covers(pos) {
				sp = w.tab.ivals[c]
			}
		}
	}

	child := w.tab.newChild(sp.ID)

	if !w.blockBoundary(pos) {
		w.addGap(pos, noEdge, gapAction{from: sp.ID, to: child.ID})
	}

	var keep, moved []Range

	for _, r := range sp.Ranges {
		switch {
		case r.To <= pos:
			keep = append(keep, r)
		case r.From < pos:
			keep = append(keep, Range{From: r.From, To: pos})
			moved = append(moved, Range{From: pos, To: r.To})
		default:
			moved = append(moved, r)
		}
	}

	if len(keep) == 0 || len(moved) == 0 {
		panic("split produced an empty interval")
	}

	sp.Ranges, child.Ranges = keep, moved

	var keepU, movedU []Use

	for _, u := range sp.Uses {
		if u.Pos < pos {
			keepU = append(keepU, u)
		} else {
			movedU = append(movedU, u)
		}
	}

	sp.Uses, child.Uses = keepU, movedU

	// keep children ordered by start for ChildAt scans
	root := w.tab.ivals[child.Parent]
	at := len(root.Children)

	for i, c := range root.Children {
		if w.tab.ivals[c].Start() > pos {
			at = i
			break
		}
	}

	root.Children = append(root.Children, -1)
	copy(root.Children[at+1:], root.Children[at:])
	root.Children[at] = child.ID

	w.tr.V("split").Printw("split", "id", sp.ID, "pos", pos, "child", child.ID, "from", loc.Caller(2))

	return child
}

func (w *walker) blockBoundary(pos flatten.Pos) bool {
	for _, b := range w.ord.Blocks {
		if pos == w.ord.EntryGap(b) || pos == w.ord.ExitGap(b) {
			return true
		}
	}

	return false
}

func (w *walker) getSlot() Loc {
	if l := len(w.freeSlots); l != 0 {
		s := w.freeSlots[l-1]
		w.freeSlots = w.freeSlots[:l-1]

		return StackLoc(s)
	}

	s := w.slots
	w.slots++

	return StackLoc(s)
}

func (w *walker) addGap(pos flatten.Pos, e flatten.Edge, a gapAction) {
	k := gapKey{Pos: pos, Edge: e}

	w.gaps[k] = append(w.gaps[k], a)
}
