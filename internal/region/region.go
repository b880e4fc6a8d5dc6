package region

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/logiface"

	"parloop/internal/compile/author"
	"parloop/internal/compile/author/loop"
	"parloop/internal/compile/plan"
	"parloop/internal/ir"
	"parloop/internal/layout"
	"parloop/internal/pool"
	"parloop/internal/state"
	"parloop/internal/vm"
)

// ErrSequential is returned, wrapped, with a usable Region when the pool
// could not be started. The host program then runs unpatched.
var ErrSequential = errors.New("region: running sequentially")

type Options struct {
	Log       *logiface.Logger[logiface.Event]
	Pin       bool
	Spin      int
	StallWarn time.Duration
	StackSize int
	HeapSize  int

	// Budget bounds the instructions per run of any thread, if nonzero.
	Budget int
}

// Region owns everything one host program needs to run its loops in
// parallel: the arena, the thread registry, the pool, and the linked image.
type Region struct {
	pl       *plan.Plan
	prog     *vm.Program
	opt      Options
	tab      *layout.Table
	arena    *state.Arena
	reg      *state.Registry
	pool     *pool.Pool
	image    *vm.Image
	degraded map[int]bool
}

// Layout gives the state block layout pl needs.
func Layout(pl *plan.Plan, stackSize, heapSize int) *layout.Table {
	be := pl.Arch
	return layout.New(layout.Params{
		Threads:   pl.Threads,
		Loops:     len(pl.Loops),
		Vars:      pl.MaxVars(),
		GPRs:      be.Count(ir.GPR),
		SIMDs:     be.Count(ir.SIMD),
		StackSize: stackSize,
		HeapSize:  heapSize,
	})
}

// New allocates the state blocks and starts the pool.
func New(pl *plan.Plan, prog *vm.Program, opt Options) (*Region, error) {
	be := pl.Arch
	tab := Layout(pl, opt.StackSize, opt.HeapSize)
	arena, err := state.NewArena(tab)
	if err != nil {
		return nil, fmt.Errorf("region: %w", err)
	}
	r := &Region{
		pl:       pl,
		prog:     prog,
		opt:      opt,
		tab:      tab,
		arena:    arena,
		reg:      state.NewRegistry(arena, tab),
		degraded: make(map[int]bool),
	}
	r.pool, err = pool.New(r.reg, be, pool.Config{
		Log:          opt.Log,
		Pin:          opt.Pin,
		Spin:         opt.Spin,
		StallWarn:    opt.StallWarn,
		RuntimeCheck: r.runtimeCheck,
		Budget:       opt.Budget,
	})
	if err != nil {
		r.pool = nil
		opt.Log.Warning().
			Err(err).
			Log(`pool failed, running sequentially`)
		return r, fmt.Errorf("%w: %w", ErrSequential, err)
	}
	return r, nil
}

func (r *Region) Arena() *state.Arena { return r.arena }

func (r *Region) Table() *layout.Table { return r.tab }

func (r *Region) Registry() *state.Registry { return r.reg }

// Heap gives the part of the arena set aside for the host program's data.
func (r *Region) Heap() (addr uint64, size int) { return r.tab.Heap() }

func (r *Region) Sequential() bool { return r.pool == nil }

// Degraded reports whether loop dyn failed its runtime check and now runs
// sequentially.
func (r *Region) Degraded(dyn int) bool { return r.degraded[dyn] }

// Image gives the code of the last Prepare.
func (r *Region) Image() *vm.Image { return r.image }

// Prepare is the warden's job: it generates the code of every loop not
// degraded, links it with the host program, fills in each thread's entry
// table, and publishes the result to the pool.
func (r *Region) Prepare(ctx context.Context) error {
	sh := r.reg.Shared()
	sh.Store(layout.Warden, 0, 0)
	if r.pool != nil {
		r.pool.Retract()
	}
	ed := r.prog.Edit()
	if r.pool != nil {
		err := author.Implement(ctx, r.pl, r.prog, r.tab, ed, author.Options{Skip: r.degraded})
		if err != nil {
			return err
		}
	}
	im, err := ed.Link(r.arena)
	if err != nil {
		return fmt.Errorf("region: link: %w", err)
	}
	r.image = im
	if r.pool == nil {
		return nil
	}
	starts := make([]uint64, len(r.pl.Loops))
	for _, lp := range r.pl.Loops {
		starts[lp.Dyn], _ = im.Addr(ir.PC(lp.Start))
		if r.degraded[lp.Dyn] {
			continue
		}
		for tid := 0; tid < r.reg.Len(); tid++ {
			th := r.reg.Thread(tid)
			init, ok1 := im.Addr(loop.InitLabel(lp.Dyn, tid))
			finish, ok2 := im.Addr(loop.FinishLabel(lp.Dyn, tid))
			if !ok1 || !ok2 {
				panic("bug")
			}
			th.Store(layout.GenInit, lp.Dyn, init)
			th.Store(layout.GenFinish, lp.Dyn, finish)
		}
	}
	r.pool.Publish(&pool.Program{Image: im, Start: starts})
	r.opt.Log.Info().
		Int(`loops`, len(r.pl.Loops)).
		Int(`degraded`, len(r.degraded)).
		Int(`threads`, r.reg.Len()).
		Int(`instructions`, im.Len()).
		Log(`code ready`)
	return nil
}

// Exec runs the host program on t as thread 0, from its first instruction
// until it halts. The caller sets up t's registers; Exec gives it thread
// 0's state block and stack.
func (r *Region) Exec(ctx context.Context, t *vm.Thread) error {
	if r.image == nil {
		if err := r.Prepare(ctx); err != nil {
			return err
		}
	}
	be := r.pl.Arch
	th := r.reg.Thread(0)
	_, top := th.Stack()
	t.ID = 0
	t.TLS = th.Base
	t.Regs[be.SP()][0] = top
	if reg, ok := be.Stolen(); ok {
		t.Regs[reg][0] = th.Base
	}
	if t.Budget == 0 {
		t.Budget = r.opt.Budget
	}
	if r.pool != nil {
		t.Hooks = r.pool
	}
	entry, ok := r.image.Addr(ir.PC(r.prog.Base()))
	if !ok {
		return errors.New("region: empty host program")
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		exit, err := r.image.Run(t, entry)
		if err != nil {
			return err
		}
		switch exit {
		case ir.ExitHalt:
			if r.pool != nil {
				return r.pool.Err()
			}
			return nil
		case ir.ExitReenter:
			if entry, err = r.degrade(ctx); err != nil {
				return err
			}
		default:
			return fmt.Errorf("region: thread 0 left with %s", ir.ExitStrings[exit])
		}
	}
}

// degrade handles a failed runtime check: the loop is regenerated without
// its parallel version and thread 0 resumes at the loop's start.
func (r *Region) degrade(ctx context.Context) (uint64, error) {
	sh := r.reg.Shared()
	fail := sh.Load(layout.RuntimeCheckFail, 0)
	if fail == 0 || int(fail) > len(r.pl.Loops) {
		return 0, errors.New("region: reentry without a runtime check failure")
	}
	lp := r.pl.Loops[fail-1]
	sh.Store(layout.RuntimeCheckFail, 0, 0)
	r.degraded[lp.Dyn] = true
	r.opt.Log.Warning().
		Int(`loop`, lp.Static).
		Log(`runtime check failed, loop degraded to sequential`)
	if err := r.Prepare(ctx); err != nil {
		return 0, err
	}
	entry, _ := r.image.Addr(ir.PC(lp.Start))
	return entry, nil
}

// runtimeCheck fails loop dyn if any of its alias pairs overlap.
func (r *Region) runtimeCheck(t *vm.Thread, dyn int) error {
	lp := r.pl.Loops[dyn]
	var fail uint64
	for _, al := range lp.Aliases {
		a, b := r.regValue(t, al.A), r.regValue(t, al.B)
		ext := uint64(al.Extent)
		if a < b+ext && b < a+ext {
			fail = uint64(dyn) + 1
			break
		}
	}
	r.reg.Shared().Store(layout.RuntimeCheckFail, 0, fail)
	return nil
}

func (r *Region) regValue(t *vm.Thread, reg ir.Reg) uint64 {
	if s, ok := r.pl.Arch.Stolen(); ok && s == reg {
		return r.reg.Thread(t.ID).Load(layout.StolenSlot, 0)
	}
	return t.Regs[reg][0]
}

// Close stops the pool and unmaps the arena.
func (r *Region) Close() error {
	var errs []error
	if r.pool != nil {
		errs = append(errs, r.pool.Close())
	}
	errs = append(errs, r.arena.Close())
	return errors.Join(errs...)
}
