// Package graph holds the control-flow graph the allocator works on:
// basic blocks, their edges and per-instruction virtual register
// uses and defs. It carries no allocation logic itself.
package graph

import (
	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

type (
	BlockID int
	InstrID int

	// Reg is a virtual register. The supply is unbounded,
	// identities are small dense ints assigned by the producer.
	Reg int

	// UseKind tells how an operand may be materialized.
	UseKind int

	Use struct {
		Reg  Reg
		Kind UseKind

		// Kill marks the last use of the register in the whole
		// instruction stream.
		Kill bool
	}

	Def struct {
		Reg  Reg
		Kind UseKind
	}

	Instr struct {
		Uses []Use
		Defs []Def
	}

	Block struct {
		ID BlockID

		Code []InstrID

		Succ []BlockID
		Pred []BlockID
	}

	Graph struct {
		entry BlockID

		blocks []Block
		instrs []Instr

		nregs  int
		frozen bool
	}
)

const (
	UseAny UseKind = iota // operand tolerates a memory location
	UseReg                // operand must be in a register
)

var (
	ErrInvalidReference = errors.New("invalid block reference")
	ErrFrozen           = errors.New("graph is frozen")
)

func New() *Graph {
	return &Graph{
		entry: -1,
	}
}

// Block appends an empty block. Declaration order is the identity.
func (g *Graph) Block() BlockID {
	id := BlockID(len(g.blocks))

	g.blocks = append(g.blocks, Block{ID: id})

	return id
}

func (g *Graph) SetEntry(b BlockID) error {
	if err := g.check(b); err != nil {
		return err
	}

	g.entry = b

	return nil
}

// Edge declares control flow from block a to block b.
// Successor and predecessor lists are kept mutually consistent.
func (g *Graph) Edge(from, to BlockID) error {
	if err := g.check(from); err != nil {
		return errors.Wrap(err, "from %v", from)
	}
	if err := g.check(to); err != nil {
		return errors.Wrap(err, "to %v", to)
	}

	g.blocks[from].Succ = append(g.blocks[from].Succ, to)
	g.blocks[to].Pred = append(g.blocks[to].Pred, from)

	return nil
}

// Goto is Edge with intent: from falls through to to.
func (g *Graph) Goto(from, to BlockID) error {
	return g.Edge(from, to)
}

// Branch declares a two-way branch. The first successor is the taken path.
func (g *Graph) Branch(from, left, right BlockID) error {
	err := g.Edge(from, left)
	if err != nil {
		return err
	}

	return g.Edge(from, right)
}

// Add appends an instruction to block b in execution order.
func (g *Graph) Add(b BlockID, ins Instr) (InstrID, error) {
	if err := g.check(b); err != nil {
		return -1, err
	}

	id := InstrID(len(g.instrs))

	g.instrs = append(g.instrs, ins)
	g.blocks[b].Code = append(g.blocks[b].Code, id)

	for _, u := range ins.Uses {
		g.reg(u.Reg)
	}
	for _, d := range ins.Defs {
		g.reg(d.Reg)
	}

	return id, nil
}

// Freeze makes the graph read-only. Flatten calls it before computing
// positions; any mutation afterwards would invalidate them.
func (g *Graph) Freeze() {
	g.frozen = true
}

func (g *Graph) Frozen() bool { return g.frozen }

func (g *Graph) Entry() BlockID { return g.entry }

func (g *Graph) NumBlocks() int { return len(g.blocks) }

func (g *Graph) NumInstrs() int { return len(g.instrs) }

// NumRegs is the number of declared virtual registers (max index + 1).
func (g *Graph) NumRegs() int { return g.nregs }

func (g *Graph) Blk(b BlockID) *Block {
	return &g.blocks[b]
}

func (g *Graph) Instr(id InstrID) *Instr {
	return &g.instrs[id]
}

// Dump logs the whole graph structure.
func (g *Graph) Dump(tr tlog.Span) {
	tr.Printw("graph", "blocks", len(g.blocks), "instrs", len(g.instrs), "regs", g.nregs, "entry", g.entry)

	for _, b := range g.blocks {
		tr.Printw("block", "block", b.ID, "succ", b.Succ, "pred", b.Pred)

		for _, id := range b.Code {
			ins := g.instrs[id]

			tr.Printw("instr", "block", b.ID, "id", id, "uses", ins.Uses, "defs", ins.Defs)
		}
	}
}

func (g *Graph) check(b BlockID) error {
	if g.frozen {
		return ErrFrozen
	}
	if b < 0 || int(b) >= len(g.blocks) {
		return ErrInvalidReference
	}

	return nil
}

func (g *Graph) reg(r Reg) {
	if int(r) >= g.nregs {
		g.nregs = int(r) + 1
	}
}
