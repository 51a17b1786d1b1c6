// Package flatten imposes a single total order on the instructions of a
// control-flow graph. The order and the positions it assigns are the
// coordinate system all interval math in the allocator runs in: every
// non-loop predecessor of a block is placed before it, and edges that
// break that rule are recorded as loop edges.
package flatten

import (
	"context"

	"github.com/oleiade/lane"
	"nikand.dev/go/heap"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/linearscan/graph"
)

type (
	// Pos is the coordinate of an instruction in the linear order.
	// Instructions sit at even positions; odd positions are gap points
	// where resolving moves can be placed without renumbering.
	Pos int

	Edge struct {
		From, To graph.BlockID
	}

	// Range is a half-open [From, To) position interval.
	Range struct {
		From, To Pos
	}

	Order struct {
		// Blocks in linear order.
		Blocks []graph.BlockID

		// Loops are the recorded back edges. They do not affect the
		// ordering; the allocator special-cases them.
		Loops []Edge

		index  []int // block -> position in Blocks
		pos    []Pos // instr -> position
		brange []Range
		depth  []int // block -> number of enclosing loops

		limit Pos
	}
)

// Stride is the position distance between consecutive instructions.
const Stride = 2

var ErrUnreachableBlock = errors.New("unreachable block")

// Run freezes the graph and computes the linear order.
func Run(ctx context.Context, g *graph.Graph) (o *Order, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "flatten", "blocks", g.NumBlocks())
	defer tr.Finish("err", &err)

	if g.Entry() < 0 {
		return nil, errors.Wrap(ErrUnreachableBlock, "no entry block")
	}

	g.Freeze()

	o = &Order{
		index:  make([]int, g.NumBlocks()),
		pos:    make([]Pos, g.NumInstrs()),
		brange: make([]Range, g.NumBlocks()),
		depth:  make([]int, g.NumBlocks()),
	}

	reach, err := o.classify(g)
	if err != nil {
		return nil, err
	}

	o.sequence(g, reach)
	o.number(g)
	o.loopDepth(g)

	if tr.If("dump_order") {
		for _, b := range o.Blocks {
			tr.Printw("block", "block", b, "range", o.brange[b], "depth", o.depth[b])
		}

		for _, e := range o.Loops {
			tr.Printw("loop edge", "from", e.From, "to", e.To)
		}
	}

	return o, nil
}

// classify walks the graph depth-first from the entry, marking
// reachable blocks and recording loop edges: an edge whose target is
// still on the walk stack closes a cycle and is excluded from ordering.
func (o *Order) classify(g *graph.Graph) (set []bool, err error) {
	const (
		white = iota
		gray
		black
	)

	color := make([]int8, g.NumBlocks())

	st := lane.NewStack()
	st.Push(g.Entry())

	// iterative DFS; a block is popped once all its successors are done
	for !st.Empty() {
		b := st.Head().(graph.BlockID)

		if color[b] == white {
			color[b] = gray
		}

		tail := true

		for _, s := range g.Blk(b).Succ {
			switch color[s] {
			case white:
				tail = false
				color[s] = gray
				st.Push(s)
			case gray:
				o.addLoop(Edge{From: b, To: s})
			}

			if !tail {
				break
			}
		}

		if tail {
			color[b] = black
			st.Pop()
		}
	}

	set = make([]bool, g.NumBlocks())
	missing := []graph.BlockID{}

	for b := range set {
		set[b] = color[b] == black

		if !set[b] {
			missing = append(missing, graph.BlockID(b))
		}
	}

	if len(missing) != 0 {
		return nil, errors.Wrap(ErrUnreachableBlock, "blocks %v", missing)
	}

	return set, nil
}

// sequence orders reachable blocks so that every block follows all of
// its non-loop predecessors. Ties among ready blocks break by
// declaration order, which keeps the output deterministic.
func (o *Order) sequence(g *graph.Graph, reach []bool) {
	incoming := make([]int, g.NumBlocks())

	for b := 0; b < g.NumBlocks(); b++ {
		if !reach[b] {
			continue
		}

		for _, s := range g.Blk(graph.BlockID(b)).Succ {
			if o.isLoop(graph.BlockID(b), s) {
				continue
			}

			incoming[s]++
		}
	}

	ready := heap.Heap[graph.BlockID]{
		Less: func(d []graph.BlockID, i, j int) bool { return d[i] < d[j] },
	}

	ready.Push(g.Entry())

	for ready.Len() != 0 {
		b := ready.Pop()

		o.index[b] = len(o.Blocks)
		o.Blocks = append(o.Blocks, b)

		for _, s := range g.Blk(b).Succ {
			if o.isLoop(b, s) {
				continue
			}

			incoming[s]--

			if incoming[s] == 0 {
				ready.Push(s)
			}
		}
	}
}

func (o *Order) number(g *graph.Graph) {
	p := Pos(0)

	for _, b := range o.Blocks {
		bp := g.Blk(b)

		r := Range{From: p}

		for _, id := range bp.Code {
			o.pos[id] = p
			p += Stride
		}

		r.To = p
		o.brange[b] = r
	}

	o.limit = p
}

// loopDepth counts, per block, the natural loops containing it: walk
// back from each loop-edge source over predecessors until the header.
func (o *Order) loopDepth(g *graph.Graph) {
	for _, e := range o.Loops {
		in := make([]bool, g.NumBlocks())
		in[e.To] = true
		in[e.From] = true

		q := []graph.BlockID{e.From}

		for len(q) != 0 {
			b := q[len(q)-1]
			q = q[:len(q)-1]

			for _, p := range g.Blk(b).Pred {
				if in[p] {
					continue
				}

				in[p] = true
				q = append(q, p)
			}
		}

		for b, ok := range in {
			if ok {
				o.depth[b]++
			}
		}
	}
}

// Pos is the position of an instruction.
func (o *Order) Pos(id graph.InstrID) Pos { return o.pos[id] }

// BlockRange is the [From, To) position range covered by a block.
func (o *Order) BlockRange(b graph.BlockID) Range { return o.brange[b] }

// Index is the block's index in the linear block order.
func (o *Order) Index(b graph.BlockID) int { return o.index[b] }

// LoopDepth is the number of loops enclosing the block.
func (o *Order) LoopDepth(b graph.BlockID) int { return o.depth[b] }

// Limit is one past the greatest assigned position.
func (o *Order) Limit() Pos { return o.limit }

// EntryGap is the gap position just before the block's first instruction.
func (o *Order) EntryGap(b graph.BlockID) Pos { return o.brange[b].From - 1 }

// ExitGap is the gap position just after the block's last instruction.
func (o *Order) ExitGap(b graph.BlockID) Pos { return o.brange[b].To - 1 }

// IsLoop reports whether from->to was recorded as a loop edge.
func (o *Order) IsLoop(from, to graph.BlockID) bool { return o.isLoop(from, to) }

func (o *Order) addLoop(e Edge) {
	// the DFS may rescan a block's successor list; record each edge once
	if o.isLoop(e.From, e.To) {
		return
	}

	o.Loops = append(o.Loops, e)
}

func (o *Order) isLoop(from, to graph.BlockID) bool {
	for _, e := range o.Loops {
		if e.From == from && e.To == to {
			return true
		}
	}

	return false
}

func (r Range) Covers(p Pos) bool { return r.From <= p && p < r.To }
