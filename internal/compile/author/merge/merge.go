package merge

import (
	"parloop/internal/compile/author/xfer"
	"parloop/internal/compile/plan"
	"parloop/internal/ir"
	"parloop/internal/layout"
	"parloop/internal/nmsrc"
	"parloop/internal/raw"
)

// Ctx emits the code by which the main thread, after every thread has
// finished, takes on the registers that survive the loop. Each thread's
// values are in its private bank by then.
type Ctx struct {
	x  *xfer.Ctx
	lp *plan.Loop
	n  int
	nm nmsrc.Src
}

func NewCtx(x *xfer.Ctx, lp *plan.Loop, threads int, nm nmsrc.Src) *Ctx {
	return &Ctx{x: x, lp: lp, n: threads, nm: nm}
}

func (c *Ctx) s(i int) ir.Reg { return c.x.Scratch(i) }

// Emit gives the merge code that runs on thread 0.
func (c *Ctx) Emit() (to ir.Seq) {
	if c.n == 1 {
		return nil
	}
	if c.lp.Merge != 0 {
		if c.lp.Policy == raw.DoallCyclicChunk {
			to = append(to, c.lastCyclic()...)
			to = append(to, c.finals()...)
		} else {
			to = append(to, c.x.RestoreFromPrivate(c.lp.Merge, 0, c.n-1)...)
		}
	}
	if c.lp.CondMerge != 0 {
		to = append(to, c.cond()...)
	}
	return
}

// LastThread is the thread that runs the final iteration of a cyclic loop
// with the given iteration count.
func LastThread(count int64, n int) int {
	if count <= 0 {
		return 0
	}
	return int((count - 1) % int64(n))
}

// count leaves the iteration count of the whole loop in s3. The published
// bound is exclusive whatever the test.
func (c *Ctx) count() ir.Seq {
	chk := c.lp.Check
	s3 := c.s(3)
	sgn := int64(1)
	if chk.Stride < 0 {
		sgn = -1
	}
	return ir.Seq{
		ir.Load{Dst: s3, Src: c.x.Shared(layout.IVCheck, chk.Index)},
		ir.Arith{Op: ir.Sub, Dst: s3, Src: c.x.Shared(layout.IVInit, chk.Index)},
		ir.Arith{Op: ir.Add, Dst: s3, Src: ir.Imm(chk.Stride - sgn)},
		ir.Arith{Op: ir.Div, Dst: s3, Src: ir.Imm(chk.Stride)},
	}
}

// lastCyclic computes which thread ran the final iteration and takes its
// registers. Thread 0 already holds its own.
func (c *Ctx) lastCyclic() ir.Seq {
	s2, s3 := c.s(2), c.s(3)
	done := c.nm.Name("mergeDone")
	to := c.count()
	to = append(to,
		ir.MovImm{Dst: s2, Imm: 0},
		ir.Cmp{A: s3, B: s2},
		ir.Jcc{Cond: ir.LE, To: done},
		ir.Arith{Op: ir.Sub, Dst: s3, Src: ir.Imm(1)},
		ir.Arith{Op: ir.Rem, Dst: s3, Src: ir.Imm(int64(c.n))},
	)
	for tid := 1; tid < c.n; tid++ {
		next := c.nm.Name("mergeNext")
		to = append(to,
			ir.Cmp{A: s3, B: ir.Imm(int64(tid))},
			ir.Jcc{Cond: ir.NE, To: next},
		)
		to = append(to, c.x.RestoreFromPrivate(c.lp.Merge, 0, tid)...)
		to = append(to,
			ir.Jmp{To: done},
			ir.Mark{Label: next},
		)
	}
	return append(to, ir.Mark{Label: done})
}

// finals sets each merged register variable to the value it has after the
// whole loop, init plus count strides. The last thread stepped its own
// copy N strides at a time, past that value.
func (c *Ctx) finals() (to ir.Seq) {
	s3 := c.s(3)
	for _, v := range c.lp.Vars {
		if v.Loc.Kind != raw.ValReg || !c.lp.Merge.Has(v.Loc.Reg) {
			continue
		}
		to = append(to, c.count()...)
		to = append(to,
			ir.Arith{Op: ir.Mul, Dst: s3, Src: ir.Imm(v.Stride)},
			ir.Arith{Op: ir.Add, Dst: s3, Src: c.x.Shared(layout.IVInit, v.Index)},
		)
		to = append(to, c.x.WriteLoc(v.Loc, s3)...)
	}
	return
}

// cond takes each conditionally merged register from the highest numbered
// thread that wrote it, if any did. s2 holds the registers still unmerged
// and s3 those the thread being examined wrote.
func (c *Ctx) cond() ir.Seq {
	be := c.x.Backend()
	s0, s1, s2, s3 := c.s(0), c.s(1), c.s(2), c.s(3)
	done := c.nm.Name("condDone")
	to := ir.Seq{ir.MovImm{Dst: s2, Imm: int64(c.lp.CondMerge)}}
	for tid := c.n - 1; tid >= 1; tid-- {
		next := c.nm.Name("condNext")
		to = append(to,
			c.x.ForeignBase(tid),
			ir.Load{Dst: s3, Src: ir.Mem{Base: s1, Disp: c.x.Table().Rel(layout.Written, 0)}},
			ir.Arith{Op: ir.And, Dst: s3, Src: s2},
			ir.Test{A: s3, B: s3},
			ir.Jcc{Cond: ir.E, To: next},
		)
		for _, r := range c.lp.CondMerge.Regs() {
			bit := ir.Imm(int64(ir.Bit(r)))
			src := c.x.Private(r, 0, tid)
			_, redirected := c.x.Slot(r)
			cls := be.Class(r)
			if !redirected && cls == ir.GPR && be.HasCondMove(cls) {
				to = append(to,
					ir.Load{Dst: s0, Src: src},
					ir.Test{A: s3, B: bit},
					ir.CMov{Cond: ir.NE, Dst: r, Src: s0},
				)
				continue
			}
			skip := c.nm.Name("condSkip")
			to = append(to,
				ir.Test{A: s3, B: bit},
				ir.Jcc{Cond: ir.E, To: skip},
			)
			if slot, ok := c.x.Slot(r); ok {
				to = append(to,
					ir.Load{Dst: s0, Src: src},
					ir.Store{Dst: slot, Src: s0},
				)
			} else {
				to = append(to, be.Load(r, src))
			}
			to = append(to, ir.Mark{Label: skip})
		}
		to = append(to,
			ir.Arith{Op: ir.Xor, Dst: s3, Src: ir.Imm(-1)},
			ir.Arith{Op: ir.And, Dst: s2, Src: s3},
			ir.Test{A: s2, B: s2},
			ir.Jcc{Cond: ir.E, To: done},
			ir.Mark{Label: next},
		)
	}
	return append(to, ir.Mark{Label: done})
}
