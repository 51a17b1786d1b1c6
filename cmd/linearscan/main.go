package main

import (
	"context"
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/xyproto/env/v2"
	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/linearscan"
	"github.com/slowlang/linearscan/graph"
)

func main() {
	demoCmd := &cli.Command{
		Name:        "demo",
		Description: "allocate registers for a built-in loop example",
		Action:      demoAct,
		Args:        cli.Args{},
	}

	app := &cli.Command{
		Name:        "linearscan",
		Description: "linearscan is a linear scan register allocator playground",
		Commands: []*cli.Command{
			demoCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func demoAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	regs := env.Int("LINEARSCAN_REGS", 2)

	g := demoGraph()

	res, err := linearscan.Allocate(ctx, g, linearscan.Config{Registers: regs})
	if err != nil {
		return errors.Wrap(err, "allocate")
	}

	ord := res.Table.Order()

	for r := graph.Reg(0); int(r) < g.NumRegs(); r++ {
		in := res.Table.ForReg(r)
		if len(in.Ranges) == 0 {
			continue
		}

		fmt.Printf("reg %d: %v %v\n", r, in.Loc, in.Ranges)

		for _, ch := range in.Children {
			c := res.Table.Interval(ch)

			fmt.Printf("       %v %v\n", c.Loc, c.Ranges)
		}
	}

	for _, gm := range res.Moves {
		for _, m := range gm.Moves {
			if gm.OnEdge() {
				fmt.Printf("gap %d (edge %d -> %d): %v\n", gm.Pos, gm.Edge.From, gm.Edge.To, m)
			} else {
				fmt.Printf("gap %d: %v\n", gm.Pos, m)
			}
		}
	}

	fmt.Printf("blocks %v spill slots %d\n", ord.Blocks, res.SpillSlots)

	if env.Bool("LINEARSCAN_DUMP") {
		spew.Config.SortKeys = true
		spew.Dump(res)
	}

	return nil
}

// demoGraph is a counting loop: an accumulator and an induction
// variable live across the back edge while scratch values come and go
// inside the body. With two registers it forces a spill.
func demoGraph() *graph.Graph {
	g := graph.New()

	entry := g.Block()
	head := g.Block()
	body := g.Block()
	exit := g.Block()

	g.SetEntry(entry)
	g.Goto(entry, head)
	g.Branch(head, body, exit)
	g.Goto(body, head)

	const (
		sum = graph.Reg(iota)
		i
		n
		t0
		t1
	)

	def := func(b graph.BlockID, r graph.Reg, uses ...graph.Use) {
		g.Add(b, graph.Instr{
			Defs: []graph.Def{{Reg: r, Kind: graph.UseReg}},
			Uses: uses,
		})
	}
	use := func(r graph.Reg) graph.Use {
		return graph.Use{Reg: r, Kind: graph.UseReg}
	}

	def(entry, sum)
	def(entry, i)
	def(entry, n)

	// head: i < n
	g.Add(head, graph.Instr{Uses: []graph.Use{use(i), use(n)}})

	// body: t0 = i*i; t1 = t0+sum; sum = t1; i = i+1
	def(body, t0, use(i))
	def(body, t1, use(t0), use(sum))
	def(body, sum, use(t1))
	def(body, i, use(i))

	// exit: return sum
	g.Add(exit, graph.Instr{Uses: []graph.Use{{Reg: sum, Kind: graph.UseReg, Kill: true}}})

	return g
}
