package pool

import (
	"errors"
	"fmt"
	"iter"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	catrate "github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"parloop/internal/arch"
	"parloop/internal/ir"
	"parloop/internal/layout"
	"parloop/internal/state"
	"parloop/internal/vm"
)

var ErrClosed = errors.New("pool: closed")

// Program is the linked code the pool runs, and the start address of each
// loop in it.
type Program struct {
	Image *vm.Image
	Start []uint64
}

type Config struct {
	Log *logiface.Logger[logiface.Event]

	// Pin binds worker tid to CPU tid modulo the CPU count.
	Pin bool

	// Spin is the number of polls between yields to the Go scheduler.
	Spin int

	// StallWarn is how long a wait may last before it is logged.
	StallWarn time.Duration

	// RuntimeCheck serves ir.HookRuntimeCheck. It reports failure by
	// writing the shared runtime_check_fail slot.
	RuntimeCheck func(t *vm.Thread, loop int) error

	// Budget bounds the instructions per run of a worker, if nonzero.
	Budget int
}

// Pool is a fixed set of worker threads, 1 through n-1, parked on the
// shared state block. Thread 0 is the caller's. Workers are released by
// the schedule hook and report back through their own state blocks.
type Pool struct {
	reg    *state.Registry
	be     arch.Backend
	cfg    Config
	prog   atomic.Pointer[Program]
	g      *errgroup.Group
	osTids []int
	limit  *catrate.Limiter

	mu     sync.Mutex
	err    error
	closed bool
}

// New starts the workers and waits until every one has checked in, in
// thread id order.
func New(reg *state.Registry, be arch.Backend, cfg Config) (*Pool, error) {
	if cfg.Spin <= 0 {
		cfg.Spin = 64
	}
	if cfg.StallWarn <= 0 {
		cfg.StallWarn = time.Second
	}
	n := reg.Len()
	p := &Pool{
		reg:    reg,
		be:     be,
		cfg:    cfg,
		g:      new(errgroup.Group),
		osTids: make([]int, n),
		limit: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 1,
			time.Minute: 10,
		}),
	}
	p.osTids[0] = unix.Gettid()
	started := make(chan error, n)
	for tid := 1; tid < n; tid++ {
		p.g.Go(func() error {
			return p.worker(tid, started)
		})
	}
	var errs []error
	for tid := 1; tid < n; tid++ {
		if err := <-started; err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		p.Close()
		return nil, err
	}
	sh := reg.Shared()
	p.wait(0, "registration", func() bool {
		return sh.Load(layout.NextExpectedThread, 0) == uint64(n)
	})
	cfg.Log.Debug().
		Int(`threads`, n).
		Bool(`pinned`, cfg.Pin).
		Log(`pool started`)
	return p, nil
}

func (p *Pool) Len() int { return p.reg.Len() }

// OSThreads gives the kernel thread id of each thread.
func (p *Pool) OSThreads() []int { return p.osTids }

// Publish makes prog the code the workers run and marks it ready.
func (p *Pool) Publish(prog *Program) {
	p.prog.Store(prog)
	p.reg.Shared().Store(layout.CodeReady, 0, 1)
}

// Retract marks the code not ready. Workers released before the next
// Publish wait for it.
func (p *Pool) Retract() {
	p.reg.Shared().Store(layout.CodeReady, 0, 0)
}

// Err gives the first fault of any worker.
func (p *Pool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pool) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

// Close sets the exit flag and waits for every worker to return.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	p.mu.Unlock()
	p.reg.Shared().Store(layout.Exit, 0, 1)
	err := p.g.Wait()
	p.cfg.Log.Debug().Log(`pool stopped`)
	return err
}

func (p *Pool) exiting() bool {
	return p.reg.Shared().Load(layout.Exit, 0) != 0
}

// wait polls ok until it holds, yielding to the scheduler every Spin polls.
// A wait that outlasts StallWarn is logged, at most at the limiter's rate
// per (thread, what).
func (p *Pool) wait(tid int, what string, ok func() bool) {
	var (
		begin  time.Time
		warned time.Time
	)
	for i := 0; !ok(); i++ {
		if i%p.cfg.Spin != p.cfg.Spin-1 {
			continue
		}
		runtime.Gosched()
		now := time.Now()
		if begin.IsZero() {
			begin = now
			continue
		}
		if now.Sub(begin) < p.cfg.StallWarn || now.Sub(warned) < p.cfg.StallWarn {
			continue
		}
		warned = now
		if _, allow := p.limit.Allow(fmt.Sprint(tid, what)); allow {
			p.cfg.Log.Warning().
				Int(`thread`, tid).
				Str(`waiting_for`, what).
				Dur(`elapsed`, now.Sub(begin)).
				Log(`thread stalled`)
		}
	}
}

func (p *Pool) pin(tid int) error {
	var set unix.CPUSet
	set.Set(tid % runtime.NumCPU())
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("pool: thread %d: pin: %w", tid, err)
	}
	return nil
}

// worker is the body of thread tid. It checks in when the expected thread
// counter reaches tid, then parks until released or told to exit.
func (p *Pool) worker(tid int, started chan<- error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	sh := p.reg.Shared()
	p.wait(tid, "handshake", func() bool {
		return sh.Load(layout.NextExpectedThread, 0) == uint64(tid)
	})
	p.osTids[tid] = unix.Gettid()
	if p.cfg.Pin {
		if err := p.pin(tid); err != nil {
			sh.Add(layout.NextExpectedThread, 0, 1)
			started <- err
			return nil
		}
	}
	th := p.reg.Lookup(tid)
	sh.Add(layout.NextExpectedThread, 0, 1)
	if th == nil {
		started <- fmt.Errorf("pool: thread %d: no state block in the oracle", tid)
		return nil
	}
	started <- nil
	t := &vm.Thread{ID: tid, TLS: th.Base, Hooks: p, Budget: p.cfg.Budget}
	for {
		th.Store(layout.Finished, 0, 0)
		th.Store(layout.Rolledback, 0, 0)
		th.Store(layout.InPool, 0, 1)
		p.wait(tid, "start_run", func() bool {
			return sh.Load(layout.StartRun, 0) != 0 || p.exiting()
		})
		if p.exiting() {
			return nil
		}
		p.wait(tid, "code_ready", func() bool {
			return sh.Load(layout.CodeReady, 0) != 0 || p.exiting()
		})
		if p.exiting() {
			return nil
		}
		prog := p.prog.Load()
		dyn := int(sh.Load(layout.ActiveLoop, 0))
		th.Store(layout.InPool, 0, 0)
		p.enter(t, th, prog, dyn)
	}
}

// enter runs one share of loop dyn on worker t.
func (p *Pool) enter(t *vm.Thread, th *state.Thread, prog *Program, dyn int) {
	sh := p.reg.Shared()
	_, top := th.Stack()
	t.Regs[p.be.SP()][0] = top
	t.Regs[p.be.ArgReg(0)][0] = th.Base
	t.Regs[p.be.ArgReg(1)][0] = prog.Start[dyn]
	if r, ok := p.be.Stolen(); ok {
		t.Regs[r][0] = th.Base
	}
	exit, err := prog.Image.Run(t, th.Load(layout.GenInit, dyn))
	if err != nil {
		p.cfg.Log.Err().
			Int(`thread`, t.ID).
			Int(`loop`, dyn).
			Err(err).
			Log(`worker fault`)
		p.fail(err)
		exit = ir.ExitReenter
	}
	switch exit {
	case ir.ExitPool:
	case ir.ExitReenter:
		th.Store(layout.ThreadLoopOn, 0, 0)
		th.Store(layout.Finished, 0, 1)
		p.wait(t.ID, "need_yield", func() bool {
			return sh.Load(layout.NeedYield, 0) != 0 || p.exiting()
		})
	default:
		p.fail(fmt.Errorf("pool: thread %d: loop %d: unexpected %s", t.ID, dyn, ir.ExitStrings[exit]))
		th.Store(layout.Finished, 0, 1)
	}
}

// Call serves the hooks generated code calls.
func (p *Pool) Call(t *vm.Thread, h ir.Hook, arg int64) error {
	switch h {
	case ir.HookWaitInPool:
		p.waitInPool()
	case ir.HookSchedule:
		p.schedule(int(arg))
	case ir.HookWaitFinish:
		p.waitFinish()
	case ir.HookRuntimeCheck:
		if p.cfg.RuntimeCheck == nil {
			p.reg.Shared().Store(layout.RuntimeCheckFail, 0, 0)
			return nil
		}
		return p.cfg.RuntimeCheck(t, int(arg))
	default:
		return fmt.Errorf("pool: unknown hook %d", h)
	}
	return nil
}

// workers walks the thread ring from thread 0's successor back round to
// thread 0.
func (p *Pool) workers() iter.Seq[*state.Thread] {
	return func(yield func(*state.Thread) bool) {
		main := p.reg.Thread(0)
		for th := p.reg.Next(main); th != main; th = p.reg.Next(th) {
			if !yield(th) {
				return
			}
		}
	}
}

// waitInPool is the first half of the barrier: every worker is parked and
// has cleared its finished flag.
func (p *Pool) waitInPool() {
	for th := range p.workers() {
		p.wait(0, "in_pool", func() bool {
			return th.Load(layout.InPool, 0) == 1 && th.Load(layout.Finished, 0) == 0
		})
	}
}

// schedule releases the workers into loop dyn. The loop and invocation are
// written before start_run, which the workers poll.
func (p *Pool) schedule(dyn int) {
	sh := p.reg.Shared()
	sh.Store(layout.ActiveLoop, 0, uint64(dyn))
	inv := sh.Add(layout.Invocation, 0, 1)
	sh.Store(layout.NeedYield, 0, 0)
	sh.Store(layout.StartRun, 0, 1)
	sh.Store(layout.LoopOn, 0, 1)
	p.cfg.Log.Debug().
		Int(`loop`, dyn).
		Uint64(`invocation`, inv).
		Log(`loop scheduled`)
}

// waitFinish is the second half of the barrier.
func (p *Pool) waitFinish() {
	for th := range p.workers() {
		p.wait(0, "finished", func() bool {
			return th.Load(layout.Finished, 0) == 1
		})
	}
}
