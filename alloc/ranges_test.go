package alloc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/linearscan/flatten"
	"github.com/slowlang/linearscan/graph"
)

func build(t *testing.T, g *graph.Graph) (*flatten.Order, *Table) {
	t.Helper()

	ctx := context.Background()

	ord, err := flatten.Run(ctx, g)
	require.NoError(t, err)

	tab, err := BuildIntervals(ctx, g, ord)
	require.NoError(t, err)

	return ord, tab
}

func regUse(r graph.Reg) graph.Use { return graph.Use{Reg: r, Kind: graph.UseReg} }
func regDef(r graph.Reg) graph.Def { return graph.Def{Reg: r, Kind: graph.UseReg} }

func TestIntervalsStraightLine(t *testing.T) {
	g := graph.New()

	b := g.Block()
	g.SetEntry(b)

	// 0: def r0
	// 2: def r1
	// 4: use r0
	// 6: use r1
	g.Add(b, graph.Instr{Defs: []graph.Def{regDef(0)}})
	g.Add(b, graph.Instr{Defs: []graph.Def{regDef(1)}})
	g.Add(b, graph.Instr{Uses: []graph.Use{regUse(0)}})
	g.Add(b, graph.Instr{Uses: []graph.Use{regUse(1)}})

	_, tab := build(t, g)

	assert.Equal(t, []Range{{From: 0, To: 4}}, tab.ForReg(0).Ranges)
	assert.Equal(t, []Range{{From: 2, To: 6}}, tab.ForReg(1).Ranges)

	assert.Equal(t, []Use{
		{Pos: 0, Kind: graph.UseReg},
		{Pos: 4, Kind: graph.UseReg},
	}, tab.ForReg(0).Uses)
}

func TestIntervalsDisjointOrdered(t *testing.T) {
	g := graph.New()

	e := g.Block()
	h := g.Block()
	body := g.Block()
	exit := g.Block()

	g.SetEntry(e)
	g.Goto(e, h)
	g.Branch(h, body, exit)
	g.Goto(body, h)

	g.Add(e, graph.Instr{Defs: []graph.Def{regDef(0), regDef(1)}})
	g.Add(h, graph.Instr{Uses: []graph.Use{regUse(1)}})
	g.Add(body, graph.Instr{Uses: []graph.Use{regUse(0)}, Defs: []graph.Def{regDef(2)}})
	g.Add(body, graph.Instr{Uses: []graph.Use{{Reg: 2, Kind: graph.UseReg, Kill: true}}})
	g.Add(exit, graph.Instr{Uses: []graph.Use{{Reg: 0, Kind: graph.UseReg, Kill: true}}})

	_, tab := build(t, g)

	for r := graph.Reg(0); int(r) < g.NumRegs(); r++ {
		in := tab.ForReg(r)

		for i := 1; i < len(in.Ranges); i++ {
			if in.Ranges[i-1].To > in.Ranges[i].From {
				t.Errorf("reg %v ranges overlap: %v", r, in.Ranges)
			}
		}
		for i := 1; i < len(in.Uses); i++ {
			if in.Uses[i-1].Pos > in.Uses[i].Pos {
				t.Errorf("reg %v uses out of order: %v", r, in.Uses)
			}
		}
	}
}

func TestIntervalsLoopCarried(t *testing.T) {
	g := graph.New()

	e := g.Block()
	h := g.Block()
	body := g.Block()
	exit := g.Block()

	g.SetEntry(e)
	g.Goto(e, h)
	g.Branch(h, body, exit)
	g.Goto(body, h)

	// r0 is defined before the loop and used only inside it
	g.Add(e, graph.Instr{Defs: []graph.Def{regDef(0)}})
	g.Add(h, graph.Instr{})
	g.Add(body, graph.Instr{Uses: []graph.Use{regUse(0)}})
	g.Add(exit, graph.Instr{})

	ord, tab := build(t, g)

	require.Equal(t, []flatten.Edge{{From: body, To: h}}, ord.Loops)

	// live from the def through the whole loop body, the back edge
	// keeps the interval from expiring at its last use in raw order
	head := ord.BlockRange(h)
	tail := ord.BlockRange(body)

	assert.Equal(t, []Range{{From: 0, To: tail.To}}, tab.ForReg(0).Ranges)
	assert.True(t, tab.ForReg(0).Covers(head.From))
	assert.True(t, tab.ForReg(0).Covers(tail.To-1))
}

func TestUseBeforeDef(t *testing.T) {
	g := graph.New()

	b := g.Block()
	g.SetEntry(b)

	g.Add(b, graph.Instr{Uses: []graph.Use{regUse(0)}})

	ctx := context.Background()

	ord, err := flatten.Run(ctx, g)
	require.NoError(t, err)

	_, err = BuildIntervals(ctx, g, ord)
	assert.True(t, errors.Is(err, ErrUseBeforeDef), "got: %v", err)
}
