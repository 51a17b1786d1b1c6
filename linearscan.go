package linearscan

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/linearscan/alloc"
	"github.com/slowlang/linearscan/flatten"
	"github.com/slowlang/linearscan/graph"
)

type (
	// Config selects the target register pool.
	Config struct {
		// Registers is the number of physical registers available
		// to the allocator. Must be positive.
		Registers int
	}

	// Result is the complete assignment: interval locations, resolving
	// moves and the spill slot count.
	Result = alloc.Result
)

var ErrNoRegisters = errors.New("register pool is empty")

// Allocate runs the full pipeline over a finished graph: linearize
// blocks, build live intervals and assign each interval a register or
// a spill slot. The graph is frozen as a side effect.
func Allocate(ctx context.Context, g *graph.Graph, cfg Config) (res *Result, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "allocate", "regs", cfg.Registers)
	defer tr.Finish("err", &err)

	if cfg.Registers <= 0 {
		return nil, errors.Wrap(ErrNoRegisters, "%d registers", cfg.Registers)
	}

	if tr.If("dump_graph") {
		g.Dump(tr)
	}

	ord, err := flatten.Run(ctx, g)
	if err != nil {
		return nil, errors.Wrap(err, "flatten")
	}

	res, err = alloc.Run(ctx, g, ord, cfg.Registers)
	if err != nil {
		return nil, errors.Wrap(err, "allocate")
	}

	return res, nil
}
