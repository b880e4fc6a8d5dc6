package author

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"parloop/internal/compile/author/loop"
	"parloop/internal/compile/plan"
	"parloop/internal/ir"
	"parloop/internal/layout"
	"parloop/internal/raw"
)

// Host is the read-only view of the program being instrumented. It may be
// nil, in which case the loops are taken on trust.
type Host interface {
	Instr(pc uint64) (ir.Instr, bool)
}

// Options select what Implement generates. Loops named in Skip are left
// to run sequentially, untouched.
type Options struct {
	Skip map[int]bool
}

// Implement generates the parallel versions of the plan's loops and writes
// them, with the patches that lead into them, to sub. Nothing is written
// unless every loop checks out against the host program.
func Implement(ctx context.Context, pl *plan.Plan, host Host, tab *layout.Table, sub loop.Substrate, opt Options) error {
	st := state{ctx: ctx, pl: pl, host: host, tab: tab, sub: sub, opt: opt}
	return st.stages()
}

type state struct {
	ctx    context.Context
	pl     *plan.Plan
	host   Host
	tab    *layout.Table
	sub    loop.Substrate
	opt    Options
	loops  []*plan.Loop
	gens   []*loop.Gen
	blocks [][][]loop.Block
}

var stages = [...]func(*state) error{
	(*state).stage1,
	(*state).stage2,
	(*state).stage3,
	(*state).stage4,
}

func (st *state) stages() error {
	for _, stage := range &stages {
		if err := stage(st); err != nil {
			return err
		}
	}
	return nil
}

func anError(lp *plan.Loop, format string, args ...any) error {
	return fmt.Errorf("author failed: loop %d: %s", lp.Static, fmt.Sprintf(format, args...))
}

func (st *state) instr(lp *plan.Loop, what string, pc uint64) (ir.Instr, error) {
	in, ok := st.host.Instr(pc)
	if !ok {
		return nil, anError(lp, "%s 0x%x: no such instruction", what, pc)
	}
	return in, nil
}

// stage1 checks each loop's profile against the instructions it names.
// Without a host there is nothing to check against.
func (st *state) stage1() error {
	for _, lp := range st.pl.Loops {
		if st.opt.Skip[lp.Dyn] {
			continue
		}
		if st.host == nil {
			st.loops = append(st.loops, lp)
			continue
		}
		for _, pc := range [...]struct {
			what string
			at   uint64
		}{
			{"Entry", lp.Entry},
			{"Start", lp.Start},
			{"continuation", lp.Continue()},
		} {
			if _, err := st.instr(lp, pc.what, pc.at); err != nil {
				return err
			}
		}
		in, err := st.instr(lp, "Branch", lp.Branch)
		if err != nil {
			return err
		}
		br, ok := in.(ir.Jcc)
		if !ok {
			return anError(lp, "Branch 0x%x is not a conditional jump", lp.Branch)
		}
		if br.To != ir.PC(lp.Start) {
			return anError(lp, "Branch 0x%x does not jump to Start", lp.Branch)
		}
		if want := lp.Check.Cond; br.Cond != want {
			return anError(lp, "Branch 0x%x jumps on %s but the checked Var says %s",
				lp.Branch, ir.CondStrings[br.Cond], ir.CondStrings[want])
		}
		for _, v := range lp.Vars {
			if err := st.checkVar(lp, v); err != nil {
				return err
			}
		}
		for _, w := range lp.Writes {
			if _, err := st.instr(lp, "Write", w.At); err != nil {
				return err
			}
		}
		st.loops = append(st.loops, lp)
	}
	return nil
}

func (st *state) checkVar(lp *plan.Loop, v *plan.Var) error {
	if v.Checked() {
		in, err := st.instr(lp, "CheckAt", v.CheckAt)
		if err != nil {
			return err
		}
		switch x := in.(type) {
		case ir.Cmp:
			if v.Form != raw.FormCmp {
				return anError(lp, "CheckAt 0x%x is a compare", v.CheckAt)
			}
		case ir.Arith:
			if v.Form != raw.FormSub || x.Op != ir.Sub || !x.Flags {
				return anError(lp, "CheckAt 0x%x is not a flag-setting subtract", v.CheckAt)
			}
		default:
			return anError(lp, "CheckAt 0x%x is neither compare nor subtract", v.CheckAt)
		}
	}
	if v.UpdateAt != 0 {
		in, err := st.instr(lp, "UpdateAt", v.UpdateAt)
		if err != nil {
			return err
		}
		x, ok := in.(ir.Arith)
		if !ok || (x.Op != ir.Add && x.Op != ir.Sub) {
			return anError(lp, "UpdateAt 0x%x is not an add or subtract", v.UpdateAt)
		}
	}
	return nil
}

func (st *state) stage2() error {
	for _, lp := range st.loops {
		st.gens = append(st.gens, loop.New(st.pl.Arch, st.tab, lp, st.pl.Threads))
	}
	return nil
}

// stage3 generates the per-thread blocks, one goroutine per (loop, thread).
func (st *state) stage3() error {
	st.blocks = make([][][]loop.Block, len(st.gens))
	g, ctx := errgroup.WithContext(st.ctx)
	for i, gen := range st.gens {
		st.blocks[i] = make([][]loop.Block, st.pl.Threads)
		for tid := range st.blocks[i] {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				st.blocks[i][tid] = gen.Blocks(tid)
				return nil
			})
		}
	}
	return g.Wait()
}

// stage4 writes everything out in loop and thread order, so the result does
// not depend on goroutine scheduling.
func (st *state) stage4() error {
	for i, gen := range st.gens {
		gen.Patch(st.sub)
		for _, bs := range st.blocks[i] {
			for _, b := range bs {
				st.sub.AddBlock(b.Label, b.Code)
			}
		}
	}
	return nil
}
