package alloc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/linearscan/flatten"
	"github.com/slowlang/linearscan/graph"
)

func TestOrderMovesChain(t *testing.T) {
	// r0 -> r1 must wait for r1 -> r2
	out := orderMoves([]Move{
		{Reg: 0, From: RegLoc(0), To: RegLoc(1)},
		{Reg: 1, From: RegLoc(1), To: RegLoc(2)},
	})

	require.Len(t, out, 2)
	assert.Equal(t, RegLoc(2), out[0].To)
	assert.Equal(t, RegLoc(1), out[1].To)
}

func TestOrderMovesSwap(t *testing.T) {
	out := orderMoves([]Move{
		{Reg: 0, From: RegLoc(0), To: RegLoc(1)},
		{Reg: 1, From: RegLoc(1), To: RegLoc(0)},
	})

	require.Len(t, out, 1)
	assert.Equal(t, MoveSwap, out[0].Kind)
}

func TestOrderMovesRotation(t *testing.T) {
	out := orderMoves([]Move{
		{Reg: 0, From: RegLoc(0), To: RegLoc(1)},
		{Reg: 1, From: RegLoc(1), To: RegLoc(2)},
		{Reg: 2, From: RegLoc(2), To: RegLoc(0)},
	})

	// a three-cycle resolves into two swaps
	require.Len(t, out, 2)
	assert.Equal(t, MoveSwap, out[0].Kind)
	assert.Equal(t, MoveSwap, out[1].Kind)
}

// a value kept in a register on one branch path and spilled on the
// other gets exactly one restoring move on the spilled path's edge
// into the merge
func TestEdgeRestore(t *testing.T) {
	g := graph.New()

	e := g.Block()
	spillPath := g.Block()
	regPath := g.Block()
	m := g.Block()

	g.SetEntry(e)
	g.Branch(e, spillPath, regPath)
	g.Goto(spillPath, m)
	g.Goto(regPath, m)

	// R is defined up front and read on both paths' join; pressure
	// from two temporaries evicts it on the spill path only
	g.Add(e, graph.Instr{Defs: []graph.Def{regDef(0)}})

	g.Add(spillPath, graph.Instr{Defs: []graph.Def{regDef(1)}})
	g.Add(spillPath, graph.Instr{Defs: []graph.Def{regDef(2)}})
	g.Add(spillPath, graph.Instr{Uses: []graph.Use{
		{Reg: 1, Kind: graph.UseReg, Kill: true},
		{Reg: 2, Kind: graph.UseReg, Kill: true},
	}})

	g.Add(regPath, graph.Instr{Uses: []graph.Use{regUse(0)}})

	g.Add(m, graph.Instr{Uses: []graph.Use{{Reg: 0, Kind: graph.UseReg, Kill: true}}})

	ord, _ := build(t, g)

	res, err := Run(context.Background(), g, ord, 2)
	require.NoError(t, err)

	// spilled over the pressure region, back in a register at the use
	l, ok := res.At(0, ord.BlockRange(spillPath).From+1)
	require.True(t, ok)
	assert.Equal(t, LocStack, l.Kind)

	reg, ok := res.At(0, ord.Pos(graph.InstrID(4)))
	require.True(t, ok)
	assert.Equal(t, LocReg, reg.Kind)

	var restores []GapMoves

	for _, gm := range res.Moves {
		if !gm.OnEdge() {
			continue
		}

		for _, mv := range gm.Moves {
			if mv.To == reg {
				restores = append(restores, gm)
			}
		}
	}

	require.Len(t, restores, 1)
	assert.Equal(t, flatten.Edge{From: spillPath, To: m}, restores[0].Edge)
	assert.Equal(t, LocStack, restores[0].Moves[0].From.Kind)
}

// applying the move set of each edge to the predecessor's exit state
// must produce exactly the successor's entry state
func TestEdgeRoundTrip(t *testing.T) {
	g := graph.New()

	e := g.Block()
	spillPath := g.Block()
	regPath := g.Block()
	m := g.Block()

	g.SetEntry(e)
	g.Branch(e, spillPath, regPath)
	g.Goto(spillPath, m)
	g.Goto(regPath, m)

	g.Add(e, graph.Instr{Defs: []graph.Def{regDef(0)}})
	g.Add(spillPath, graph.Instr{Defs: []graph.Def{regDef(1)}})
	g.Add(spillPath, graph.Instr{Defs: []graph.Def{regDef(2)}})
	g.Add(spillPath, graph.Instr{Uses: []graph.Use{
		{Reg: 1, Kind: graph.UseReg, Kill: true},
		{Reg: 2, Kind: graph.UseReg, Kill: true},
	}})
	g.Add(regPath, graph.Instr{Uses: []graph.Use{regUse(0)}})
	g.Add(m, graph.Instr{Uses: []graph.Use{{Reg: 0, Kind: graph.UseReg, Kill: true}}})

	ord, _ := build(t, g)

	res, err := Run(context.Background(), g, ord, 2)
	require.NoError(t, err)

	for _, pred := range ord.Blocks {
		exit := ord.BlockRange(pred).To - flatten.Stride

		for _, succ := range g.Blk(pred).Succ {
			entry := ord.BlockRange(succ).From

			for r := graph.Reg(0); int(r) < g.NumRegs(); r++ {
				from, okFrom := res.At(r, exit)
				to, okTo := res.At(r, entry)

				if !okFrom || !okTo {
					continue
				}

				got := applyMoves(edgeMoves(res, pred, succ), from)

				assert.Equal(t, to, got, "reg %v over edge %v -> %v", r, pred, succ)
			}
		}
	}
}

// a value passing through an instruction-less block keeps its
// restoring move on that path
func TestEmptyBlockPath(t *testing.T) {
	g := graph.New()

	e := g.Block()
	hop := g.Block() // jump only
	pressure := g.Block()
	m := g.Block()

	g.SetEntry(e)
	g.Branch(e, hop, pressure)
	g.Goto(hop, m)
	g.Goto(pressure, m)

	g.Add(e, graph.Instr{Defs: []graph.Def{regDef(0)}})
	g.Add(pressure, graph.Instr{Defs: []graph.Def{regDef(1)}})
	g.Add(pressure, graph.Instr{Uses: []graph.Use{{Reg: 1, Kind: graph.UseReg, Kill: true}}})
	g.Add(m, graph.Instr{Uses: []graph.Use{{Reg: 0, Kind: graph.UseReg, Kill: true}}})

	ord, _ := build(t, g)

	res, err := Run(context.Background(), g, ord, 1)
	require.NoError(t, err)

	atDef, ok := res.At(0, 0)
	require.True(t, ok)
	require.Equal(t, LocReg, atDef.Kind)

	atUse, ok := res.At(0, ord.BlockRange(m).From)
	require.True(t, ok)
	require.Equal(t, LocReg, atUse.Kind)

	// both merge edges reconstruct the entry state, the jump-only
	// path included
	for _, pred := range []graph.BlockID{hop, pressure} {
		restore := edgeMoves(res, pred, m)
		require.Len(t, restore, 1, "edge %v -> %v", pred, m)

		assert.Equal(t, LocStack, restore[0].From.Kind)
		assert.Equal(t, atUse, restore[0].To)
	}

	// round trip over the empty path
	l := applyMoves(edgeMoves(res, e, hop), atDef)
	l = applyMoves(edgeMoves(res, hop, m), l)
	assert.Equal(t, atUse, l)
}

// a register redefined at the successor's first instruction is dead
// across the incoming edge and must not be reconciled there
func TestRedefineAtEntryNoMove(t *testing.T) {
	g := graph.New()

	e := g.Block()
	s := g.Block()

	g.SetEntry(e)
	g.Goto(e, s)

	// reg 0's first value dies unused in e; s starts over with a
	// fresh def while reg 1 keeps the pool under pressure
	g.Add(e, graph.Instr{Defs: []graph.Def{regDef(0)}})
	g.Add(e, graph.Instr{Defs: []graph.Def{regDef(1)}})
	g.Add(s, graph.Instr{Defs: []graph.Def{regDef(0)}})
	g.Add(s, graph.Instr{Uses: []graph.Use{{Reg: 1, Kind: graph.UseReg, Kill: true}}})
	g.Add(s, graph.Instr{Uses: []graph.Use{{Reg: 0, Kind: graph.UseReg, Kill: true}}})

	ord, _ := build(t, g)

	res, err := Run(context.Background(), g, ord, 1)
	require.NoError(t, err)

	for _, gm := range res.Moves {
		if !gm.OnEdge() {
			continue
		}

		for _, mv := range gm.Moves {
			if mv.Reg == 0 {
				t.Errorf("edge move %v at %v for a register not live into the successor", mv, gm.Pos)
			}
		}
	}
}

func edgeMoves(res *Result, from, to graph.BlockID) []Move {
	for _, gm := range res.Moves {
		if gm.Edge == (flatten.Edge{From: from, To: to}) {
			return gm.Moves
		}
	}

	return nil
}

func applyMoves(moves []Move, l Loc) Loc {
	for _, m := range moves {
		switch {
		case m.Kind == MoveSwap && m.From == l:
			l = m.To
		case m.Kind == MoveSwap && m.To == l:
			l = m.From
		case m.From == l:
			l = m.To
		}
	}

	return l
}
