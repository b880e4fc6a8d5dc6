package loop

import (
	"fmt"

	"parloop/internal/arch"
	"parloop/internal/compile/author/bound"
	"parloop/internal/compile/author/merge"
	"parloop/internal/compile/author/xfer"
	"parloop/internal/compile/plan"
	"parloop/internal/ir"
	"parloop/internal/layout"
	"parloop/internal/nmsrc"
)

// Substrate is where generated code goes: into the host program at
// instruction boundaries, or into free-standing labeled blocks.
type Substrate interface {
	InsertBefore(pc uint64, code ...ir.Instr)
	InsertAfter(pc uint64, code ...ir.Instr)
	Replace(pc uint64, code ...ir.Instr)
	AddBlock(label ir.Label, code []ir.Instr)
}

// Scope is the label namespace of the code generated for one thread of
// one loop.
func Scope(dyn, tid int) string {
	return fmt.Sprintf("loop%d.t%d", dyn, tid)
}

// InitLabel is the entry of a thread's setup code. Thread 0 reaches it
// from the loop's entry; the others are started there by the pool.
func InitLabel(dyn, tid int) ir.Label {
	return nmsrc.New(Scope(dyn, tid)).Fixed("init")
}

// FinishLabel is where a thread goes when its share of the loop is done.
func FinishLabel(dyn, tid int) ir.Label {
	return nmsrc.New(Scope(dyn, tid)).Fixed("finish")
}

type Block struct {
	Label ir.Label
	Code  ir.Seq
}

// Gen generates everything one loop needs. It keeps no per-thread state,
// so Blocks may be called for different threads concurrently.
type Gen struct {
	be  arch.Backend
	tab *layout.Table
	lp  *plan.Loop
	n   int
	x   *xfer.Ctx
}

func New(be arch.Backend, tab *layout.Table, lp *plan.Loop, threads int) *Gen {
	return &Gen{
		be:  be,
		tab: tab,
		lp:  lp,
		n:   threads,
		x:   xfer.NewCtx(be, tab, lp.Scratch),
	}
}

func (g *Gen) s(i int) ir.Reg { return g.x.Scratch(i) }

// Blocks gives the init and finish blocks of thread tid.
func (g *Gen) Blocks(tid int) []Block {
	nm := nmsrc.New(Scope(g.lp.Dyn, tid))
	bc := bound.NewCtx(g.x, g.lp, g.n)
	if tid == 0 {
		return []Block{
			{nm.Fixed("init"), g.loopInit(nm, bc)},
			{nm.Fixed("finish"), g.loopFinish(nm)},
		}
	}
	return []Block{
		{nm.Fixed("init"), g.threadInit(tid, nm, bc)},
		{nm.Fixed("finish"), g.threadFinish(tid, nm)},
	}
}

// loopInit runs on the main thread when it enters the loop. It publishes
// the live-in registers and the variables' initial values, releases the
// pool, and then starts its own share.
func (g *Gen) loopInit(nm nmsrc.Src, bc *bound.Ctx) (to ir.Seq) {
	lp := g.lp
	s0 := g.s(0)
	empty := nm.Name("empty")
	degrade := nm.Name("degrade")
	to = append(to, g.x.SaveScratch(0)...)
	if len(lp.Aliases) != 0 {
		to = append(to,
			ir.Call{Hook: ir.HookRuntimeCheck, Arg: int64(lp.Dyn)},
			ir.Load{Dst: s0, Src: g.x.Shared(layout.RuntimeCheckFail, 0)},
			ir.Test{A: s0, B: s0},
			ir.Jcc{Cond: ir.NE, To: degrade},
		)
	}
	sp := g.be.SP()
	to = append(to, ir.Store{Dst: g.x.TLS(layout.OuterSP, 0), Src: sp})
	if lp.UseStack() {
		to = append(to, ir.Store{Dst: g.x.Shared(layout.StackPtr, 0), Src: sp})
	}
	to = append(to, g.x.SpillToShared(g.copyMask())...)
	to = append(to, bc.Publish()...)
	to = append(to,
		ir.Call{Hook: ir.HookWaitInPool, Arg: int64(lp.Dyn)},
		ir.Call{Hook: ir.HookSchedule, Arg: int64(lp.Dyn)},
		ir.StoreImm{Dst: g.x.TLS(layout.Written, 0), Imm: 0},
	)
	to = append(to, bc.Init(0, empty)...)
	to = append(to, ir.StoreImm{Dst: g.x.TLS(layout.ThreadLoopOn, 0), Imm: 1})
	to = append(to, g.x.RestoreScratch()...)
	to = append(to,
		ir.Jmp{To: ir.PC(lp.Start)},
		ir.Mark{Label: empty},
	)
	to = append(to, g.x.RestoreScratch()...)
	to = append(to, ir.Jmp{To: FinishLabel(lp.Dyn, 0)})
	if len(lp.Aliases) != 0 {
		to = append(to, ir.Mark{Label: degrade})
		to = append(to, g.x.RestoreScratch()...)
		to = append(to, ir.Yield{Exit: ir.ExitReenter})
	}
	return
}

// copyMask is the set of live-in registers. The stack pointer is never
// copied; each thread has a stack of its own.
func (g *Gen) copyMask() ir.Mask {
	return g.lp.Copy &^ ir.Bit(g.be.SP())
}

// threadInit runs on worker tid with the address of its state block in
// the first argument register and the loop's start address in the second.
func (g *Gen) threadInit(tid int, nm nmsrc.Src, bc *bound.Ctx) (to ir.Seq) {
	lp := g.lp
	s0, s1 := g.s(0), g.s(1)
	sp := g.be.SP()
	empty := nm.Name("empty")
	to = append(to, g.be.BindTLS(g.be.ArgReg(0))...)
	to = append(to,
		ir.Store{Dst: g.x.TLS(layout.Ret, 0), Src: g.be.ArgReg(1)},
		ir.Store{Dst: g.x.TLS(layout.OuterSP, 0), Src: sp},
	)
	if lp.UseStack() {
		_, hi := g.tab.Stack(tid)
		frame := int64(lp.Frame)
		to = append(to,
			ir.MovImm{Dst: sp, Imm: int64(hi-uint64(frame)) &^ 15},
			ir.Load{Dst: s1, Src: g.x.Shared(layout.StackPtr, 0)},
		)
		for off := int64(0); off < frame; off += 8 {
			to = append(to,
				ir.Load{Dst: s0, Src: ir.Mem{Base: s1, Disp: off}},
				ir.Store{Dst: ir.Mem{Base: sp, Disp: off}, Src: s0},
			)
		}
	}
	to = append(to, g.x.RestoreFromShared(g.copyMask())...)
	if fp := g.be.FP(); lp.UseStack() && fp != sp && g.copyMask().Has(fp) {
		if _, redirected := g.x.Slot(fp); !redirected {
			to = append(to,
				ir.Arith{Op: ir.Sub, Dst: fp, Src: g.x.Shared(layout.StackPtr, 0)},
				ir.Arith{Op: ir.Add, Dst: fp, Src: sp},
			)
		}
	}
	to = append(to, ir.StoreImm{Dst: g.x.TLS(layout.Written, 0), Imm: 0})
	to = append(to, bc.Init(tid, empty)...)
	to = append(to, ir.StoreImm{Dst: g.x.TLS(layout.ThreadLoopOn, 0), Imm: 1})
	to = append(to, g.x.RestoreScratch()...)
	if g.be.MemIndirectJump() {
		to = append(to, ir.JmpInd{Src: g.x.TLS(layout.Ret, 0)})
	} else {
		to = append(to, ir.Jmp{To: ir.PC(lp.Start)})
	}
	return append(to,
		ir.Mark{Label: empty},
		ir.Load{Dst: sp, Src: g.x.TLS(layout.OuterSP, 0)},
		ir.Yield{Exit: ir.ExitReenter},
	)
}

// threadFinish saves the worker's results to its private bank, tells the
// main thread it is done, and waits to be sent back to the pool.
func (g *Gen) threadFinish(tid int, nm nmsrc.Src) (to ir.Seq) {
	s0 := g.s(0)
	spin := nm.Name("spin")
	to = append(to, g.x.SaveScratch(1)...)
	to = append(to, ir.StoreImm{Dst: g.x.TLS(layout.ThreadLoopOn, 0), Imm: 0})
	to = append(to, g.x.SpillToPrivate(g.lp.Merge|g.lp.CondMerge, tid)...)
	return append(to,
		ir.StoreImm{Dst: g.x.TLS(layout.Finished, 0), Imm: 1},
		ir.Mark{Label: spin},
		ir.Pause{},
		ir.Load{Dst: s0, Src: g.x.Shared(layout.NeedYield, 0)},
		ir.Test{A: s0, B: s0},
		ir.Jcc{Cond: ir.E, To: spin},
		ir.Load{Dst: g.be.SP(), Src: g.x.TLS(layout.OuterSP, 0)},
		ir.Yield{Exit: ir.ExitPool},
	)
}

// loopFinish runs on the main thread after its own share. It waits for the
// workers, merges their results, releases them, and resumes the host
// program after the loop.
func (g *Gen) loopFinish(nm nmsrc.Src) (to ir.Seq) {
	lp := g.lp
	to = append(to, g.x.SaveScratch(1)...)
	to = append(to,
		ir.StoreImm{Dst: g.x.TLS(layout.ThreadLoopOn, 0), Imm: 0},
		ir.Call{Hook: ir.HookWaitFinish, Arg: int64(lp.Dyn)},
	)
	to = append(to, merge.NewCtx(g.x, lp, g.n, nm).Emit()...)
	to = append(to,
		ir.StoreImm{Dst: g.x.Shared(layout.StartRun, 0), Imm: 0},
		ir.StoreImm{Dst: g.x.Shared(layout.LoopOn, 0), Imm: 0},
		ir.StoreImm{Dst: g.x.Shared(layout.NeedYield, 0), Imm: 1},
		ir.Load{Dst: g.be.SP(), Src: g.x.TLS(layout.OuterSP, 0)},
	)
	to = append(to, g.x.RestoreScratch()...)
	return append(to, ir.Jmp{To: ir.PC(lp.Continue())})
}

// exitStub sends a thread leaving the loop to its finish block. The
// address differs per thread, so it is read from the thread's own state.
func (g *Gen) exitStub() ir.Seq {
	s0 := g.s(0)
	spill := g.x.TLS(layout.Spill, 0)
	finish := g.x.TLS(layout.GenFinish, g.lp.Dyn)
	if g.be.MemIndirectJump() {
		return ir.Seq{
			ir.Store{Dst: spill, Src: s0},
			ir.JmpInd{Src: finish},
		}
	}
	return ir.Seq{
		ir.Store{Dst: spill, Src: s0},
		ir.Load{Dst: s0, Src: finish},
		ir.JmpInd{Src: s0},
	}
}

// Patch instruments the host program: the jump into the main thread's
// init, the exit stub, the write recorders, and the bound rewrite.
func (g *Gen) Patch(sub Substrate) {
	lp := g.lp
	sub.InsertAfter(lp.Entry, ir.Jmp{To: InitLabel(lp.Dyn, 0)})
	sub.InsertAfter(lp.Branch, g.exitStub()...)
	bc := bound.NewCtx(g.x, lp, g.n)
	bc.RecordWrites(sub)
	bc.Rewrite(sub)
}
