package linearscan

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/linearscan/alloc"
	"github.com/slowlang/linearscan/flatten"
	"github.com/slowlang/linearscan/graph"
)

// three values defined and then used in sequence with a single
// register: two of them are stored to the stack, and at every point
// the value left in the register is the one used the soonest
func poolOfOne(t *testing.T) *graph.Graph {
	t.Helper()

	g := graph.New()

	b := g.Block()
	require.NoError(t, g.SetEntry(b))

	def := func(r graph.Reg) {
		g.Add(b, graph.Instr{Defs: []graph.Def{{Reg: r, Kind: graph.UseReg}}})
	}
	use := func(r graph.Reg) {
		g.Add(b, graph.Instr{Uses: []graph.Use{{Reg: r, Kind: graph.UseReg}}})
	}

	def(0)
	def(1)
	def(2)
	use(0)
	use(1)
	use(2)

	return g
}

func TestPoolOfOne(t *testing.T) {
	ctx := context.Background()

	res, err := Allocate(ctx, poolOfOne(t), Config{Registers: 1})
	require.NoError(t, err)

	stores := 0

	for _, gm := range res.Moves {
		for _, m := range gm.Moves {
			if m.Kind == alloc.MoveCopy && m.To.Kind == alloc.LocStack {
				stores++
			}
		}
	}

	assert.Equal(t, 2, stores)
	assert.Equal(t, 2, res.SpillSlots)

	// right after the last def the nearest use is r0's, so r0 holds
	// the register and the other two sit on the stack
	inReg := 0

	for r := graph.Reg(0); r < 3; r++ {
		l, ok := res.At(r, 5)
		require.True(t, ok)

		if l.Kind == alloc.LocReg {
			inReg++

			assert.Equal(t, graph.Reg(0), r)
		}
	}

	assert.Equal(t, 1, inReg)
}

func TestDeterminism(t *testing.T) {
	ctx := context.Background()

	a, err := Allocate(ctx, poolOfOne(t), Config{Registers: 1})
	require.NoError(t, err)

	b, err := Allocate(ctx, poolOfOne(t), Config{Registers: 1})
	require.NoError(t, err)

	require.Equal(t, a.Moves, b.Moves)
	require.Equal(t, a.SpillSlots, b.SpillSlots)

	require.Equal(t, a.Table.NumIntervals(), b.Table.NumIntervals())

	for i := 0; i < a.Table.NumIntervals(); i++ {
		x, y := a.Table.Interval(alloc.IntervalID(i)), b.Table.Interval(alloc.IntervalID(i))

		assert.Equal(t, x.Loc, y.Loc, "interval %v", i)
		assert.Equal(t, x.Ranges, y.Ranges, "interval %v", i)
	}
}

func TestBadPool(t *testing.T) {
	_, err := Allocate(context.Background(), poolOfOne(t), Config{})
	assert.True(t, errors.Is(err, ErrNoRegisters), "got: %v", err)
}

func TestUnreachableAborts(t *testing.T) {
	g := graph.New()

	e := g.Block()
	g.Block() // never connected

	require.NoError(t, g.SetEntry(e))
	g.Add(e, graph.Instr{})

	res, err := Allocate(context.Background(), g, Config{Registers: 2})
	assert.True(t, errors.Is(err, flatten.ErrUnreachableBlock), "got: %v", err)
	assert.Nil(t, res)
}
